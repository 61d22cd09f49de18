// Package ibc moves fungible tokens between Cosmos chains over an ICS-20 channel.
package ibc

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"cosmossdk.io/math"
	sdk "github.com/cosmos/cosmos-sdk/types"
	transfertypes "github.com/cosmos/ibc-go/v8/modules/apps/transfer/types"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	channeltypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	commitmenttypes "github.com/cosmos/ibc-go/v8/modules/core/23-commitment/types"
	host "github.com/cosmos/ibc-go/v8/modules/core/24-host"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/chain/cosmos"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
	"pkg.world.dev/world-engine/chainclient/pkg/transfer"
)

const (
	// PortID is the ICS-20 port.
	PortID = "transfer"

	// IBCStoreKey is the module store holding packet receipts.
	IBCStoreKey = "ibc"

	packetReceiptPath = "/ibc.core.channel.v1.Query/PacketReceipt"
)

var _ transfer.Route = (*Route)(nil)

// Destination is the receiving chain. *cosmos.Client is one.
type Destination interface {
	chain.Client
	LatestBlockTime(ctx context.Context) (time.Time, error)
	QueryWithProof(ctx context.Context, storeKey string, key []byte) (cosmos.StoreProof, error)
}

// Route sends over one channel of the source chain.
type Route struct {
	src     chain.Client
	dst     Destination
	channel string
	port    string
	timeout time.Duration
	codec   *codec.Codec
	log     zerolog.Logger
}

type Option func(*Route)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Route) {
		r.log = log
	}
}

// WithPacketTimeout sets how far past the destination's latest block time packets expire.
func WithPacketTimeout(d time.Duration) Option {
	return func(r *Route) {
		r.timeout = d
	}
}

// WithPort overrides the source port, for chains that bind ICS-20 elsewhere.
func WithPort(port string) Option {
	return func(r *Route) {
		r.port = port
	}
}

// NewRoute sends from src over channel, a channel end on src, to dst.
func NewRoute(src chain.Client, dst Destination, channel string, opts ...Option) (*Route, error) {
	r := &Route{
		src:     src,
		dst:     dst,
		channel: channel,
		port:    PortID,
		timeout: 10 * time.Minute,
		codec:   codec.New(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := host.ChannelIdentifierValidator(r.channel); err != nil {
		return nil, eris.Wrapf(err, "invalid channel %q", r.channel)
	}
	if err := host.PortIdentifierValidator(r.port); err != nil {
		return nil, eris.Wrapf(err, "invalid port %q", r.port)
	}
	if r.timeout <= 0 {
		return nil, eris.New("packet timeout must be positive")
	}
	return r, nil
}

func (r *Route) Name() string {
	return "ibc/" + r.src.ChainID() + "/" + r.channel
}

func (r *Route) Source() chain.Client {
	return r.src
}

func (r *Route) Destination() chain.Client {
	return r.dst
}

// SendIntent builds a MsgTransfer that expires PacketTimeout after the destination's latest block.
func (r *Route) SendIntent(ctx context.Context, req transfer.Request) (chain.TxIntent, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return chain.TxIntent{}, chain.Errorf(chain.ErrBuild, "transfer amount must be positive")
	}
	token := sdk.Coin{Denom: req.Denom, Amount: math.NewIntFromBigInt(req.Amount)}
	if err := token.Validate(); err != nil {
		return chain.TxIntent{}, chain.Wrap(chain.ErrBuild, err, "invalid token")
	}
	if req.Sender == "" || req.Receiver == "" {
		return chain.TxIntent{}, chain.Errorf(chain.ErrBuild, "sender and receiver are required")
	}

	blockTime, err := r.dst.LatestBlockTime(ctx)
	if err != nil {
		return chain.TxIntent{}, eris.Wrap(err, "failed to read destination time")
	}
	timeout := blockTime.Add(r.timeout)

	msg := &transfertypes.MsgTransfer{
		SourcePort:       r.port,
		SourceChannel:    r.channel,
		Token:            token,
		Sender:           req.Sender,
		Receiver:         req.Receiver,
		TimeoutHeight:    clienttypes.ZeroHeight(),
		TimeoutTimestamp: uint64(timeout.UnixNano()), //nolint:gosec // block times are after 1970
		Memo:             req.Memo,
	}
	pm, err := r.codec.Encode(msg)
	if err != nil {
		return chain.TxIntent{}, err
	}
	r.log.Debug().
		Str("channel", r.channel).
		Str("token", token.String()).
		Time("timeout", timeout).
		Msg("Built MsgTransfer")
	return chain.TxIntent{
		ChainID:  r.src.ChainID(),
		Messages: []codec.ProtoMessage{pm},
		Memo:     req.Memo,
	}, nil
}

// ExtractPacket rebuilds the packet from the send_packet event emitted on this route's channel.
func (r *Route) ExtractPacket(status chain.ConfirmationStatus) (transfer.Packet, error) {
	for _, ev := range status.EventsOfType(channeltypes.EventTypeSendPacket) {
		srcPort, _ := ev.Attribute(channeltypes.AttributeKeySrcPort)
		srcChannel, _ := ev.Attribute(channeltypes.AttributeKeySrcChannel)
		if srcPort != r.port || srcChannel != r.channel {
			continue
		}
		packet, err := parseSendPacket(ev)
		if err != nil {
			return transfer.Packet{}, err
		}
		data, err := r.codec.Marshal(&packet)
		if err != nil {
			return transfer.Packet{}, err
		}

		out := transfer.Packet{
			Sequence:   packet.Sequence,
			Commitment: channeltypes.CommitPacket(nil, packet),
			Channel:    packet.SourceChannel,
			Data:       data,
		}
		if packet.TimeoutTimestamp != 0 {
			out.Timeout = time.Unix(0, int64(packet.TimeoutTimestamp)) //nolint:gosec // nanoseconds fit
		}
		return out, nil
	}
	return transfer.Packet{}, eris.Errorf("no %s event for %s/%s", channeltypes.EventTypeSendPacket, r.port, r.channel)
}

func parseSendPacket(ev chain.Event) (channeltypes.Packet, error) {
	get := func(key string) (string, error) {
		v, ok := ev.Attribute(key)
		if !ok {
			return "", eris.Errorf("%s event is missing %s", channeltypes.EventTypeSendPacket, key)
		}
		return v, nil
	}

	var (
		p   channeltypes.Packet
		err error
		v   string
	)
	if v, err = get(channeltypes.AttributeKeySequence); err != nil {
		return p, err
	}
	if p.Sequence, err = strconv.ParseUint(v, 10, 64); err != nil {
		return p, eris.Wrap(err, "invalid packet sequence")
	}
	if p.SourcePort, err = get(channeltypes.AttributeKeySrcPort); err != nil {
		return p, err
	}
	if p.SourceChannel, err = get(channeltypes.AttributeKeySrcChannel); err != nil {
		return p, err
	}
	if p.DestinationPort, err = get(channeltypes.AttributeKeyDstPort); err != nil {
		return p, err
	}
	if p.DestinationChannel, err = get(channeltypes.AttributeKeyDstChannel); err != nil {
		return p, err
	}
	if v, err = get(channeltypes.AttributeKeyDataHex); err != nil {
		return p, err
	}
	if p.Data, err = hex.DecodeString(v); err != nil {
		return p, eris.Wrap(err, "invalid packet data")
	}
	if v, err = get(channeltypes.AttributeKeyTimeoutTimestamp); err != nil {
		return p, err
	}
	if p.TimeoutTimestamp, err = strconv.ParseUint(v, 10, 64); err != nil {
		return p, eris.Wrap(err, "invalid packet timeout timestamp")
	}
	p.TimeoutHeight = clienttypes.ZeroHeight()
	if v, ok := ev.Attribute(channeltypes.AttributeKeyTimeoutHeight); ok && v != "" && v != "0-0" {
		if p.TimeoutHeight, err = clienttypes.ParseHeight(v); err != nil {
			return p, eris.Wrap(err, "invalid packet timeout height")
		}
	}
	return p, nil
}

func (r *Route) decodePacket(packet transfer.Packet) (channeltypes.Packet, error) {
	var p channeltypes.Packet
	if err := r.codec.Unmarshal(packet.Data, &p); err != nil {
		return p, eris.Wrap(err, "transfer carries no ibc packet")
	}
	return p, nil
}

// Received asks the destination for the packet receipt.
func (r *Route) Received(ctx context.Context, packet transfer.Packet) (bool, error) {
	p, err := r.decodePacket(packet)
	if err != nil {
		return false, err
	}
	req, err := r.codec.Marshal(&channeltypes.QueryPacketReceiptRequest{
		PortId:    p.DestinationPort,
		ChannelId: p.DestinationChannel,
		Sequence:  p.Sequence,
	})
	if err != nil {
		return false, err
	}
	bz, err := r.dst.Query(ctx, packetReceiptPath, req)
	if err != nil {
		return false, err
	}
	var res channeltypes.QueryPacketReceiptResponse
	if err := r.codec.Unmarshal(bz, &res); err != nil {
		return false, err
	}
	return res.Received, nil
}

// RefundIntent builds a MsgTimeout carrying a proof that the destination never stored a receipt.
// The source chain's client of the destination must be updated to the proof height by a relayer.
func (r *Route) RefundIntent(ctx context.Context, packet transfer.Packet, signer string) (chain.TxIntent, error) {
	p, err := r.decodePacket(packet)
	if err != nil {
		return chain.TxIntent{}, err
	}

	key := host.PacketReceiptKey(p.DestinationPort, p.DestinationChannel, p.Sequence)
	proof, err := r.dst.QueryWithProof(ctx, IBCStoreKey, key)
	if err != nil {
		return chain.TxIntent{}, eris.Wrap(err, "failed to prove packet absence")
	}
	if len(proof.Value) > 0 {
		return chain.TxIntent{}, eris.Errorf("packet %d was received on %s, it cannot time out",
			p.Sequence, r.dst.ChainID())
	}

	merkle, err := commitmenttypes.ConvertProofs(&proof.Proof)
	if err != nil {
		return chain.TxIntent{}, eris.Wrap(err, "invalid absence proof")
	}
	proofBz, err := r.codec.Marshal(&merkle)
	if err != nil {
		return chain.TxIntent{}, err
	}

	// Proofs from height h verify against the app hash committed in block h+1.
	proofHeight := clienttypes.NewHeight(clienttypes.ParseChainID(r.dst.ChainID()), uint64(proof.Height)+1) //nolint:gosec // heights are positive
	msg := &channeltypes.MsgTimeout{
		Packet:           p,
		ProofUnreceived:  proofBz,
		ProofHeight:      proofHeight,
		NextSequenceRecv: p.Sequence,
		Signer:           signer,
	}
	pm, err := r.codec.Encode(msg)
	if err != nil {
		return chain.TxIntent{}, err
	}
	r.log.Info().
		Uint64("packet_sequence", p.Sequence).
		Str("proof_height", proofHeight.String()).
		Msg("Built MsgTimeout")
	return chain.TxIntent{ChainID: r.src.ChainID(), Messages: []codec.ProtoMessage{pm}}, nil
}
