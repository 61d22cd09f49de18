// Package bridge moves native value between EVM chains through a lock and refund contract.
//
// The source contract escrows value with lock and emits Locked. A relayer outside this package
// completes the transfer on the destination, whose contract then reports the commitment as
// processed. A lock that is never processed can be refunded on the source by nonce.
package bridge

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/chain/evm"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
	"pkg.world.dev/world-engine/chainclient/pkg/transfer"
)

// ABI is the bridge contract interface, deployed on both ends.
const ABI = `[
	{"type":"function","name":"lock","stateMutability":"payable",
	 "inputs":[{"name":"recipient","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable",
	 "inputs":[{"name":"nonce","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"processed","stateMutability":"view",
	 "inputs":[{"name":"commitment","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Locked","anonymous":false,"inputs":[
		{"name":"nonce","type":"uint64","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"bytes32","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"commitment","type":"bytes32","indexed":false}]}
]`

const (
	methodLock      = "lock"
	methodRefund    = "refund"
	methodProcessed = "processed"
	eventLocked     = "Locked"

	// NativeDenom is the only denom the bridge moves.
	NativeDenom = "wei"
)

var _ transfer.Route = (*Route)(nil)

// Destination is the receiving chain. *evm.Client is one.
type Destination interface {
	chain.Client
	CallContract(ctx context.Context, to string, data []byte) ([]byte, error)
}

// Locked is the decoded lock event.
type Locked struct {
	Nonce      uint64
	Sender     common.Address
	Recipient  [32]byte
	Amount     *big.Int
	Commitment [32]byte
}

// Route locks on the source contract and watches the destination contract.
type Route struct {
	src       chain.Client
	dst       Destination
	srcBridge common.Address
	dstBridge common.Address
	abi       abi.ABI
	codec     *codec.Codec
	log       zerolog.Logger
}

type Option func(*Route)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Route) {
		r.log = log
	}
}

// NewRoute locks on srcBridge, a contract on src, and watches dstBridge on dst.
func NewRoute(src chain.Client, srcBridge string, dst Destination, dstBridge string, opts ...Option) (*Route, error) {
	if !common.IsHexAddress(srcBridge) {
		return nil, eris.Errorf("invalid source bridge address %q", srcBridge)
	}
	if !common.IsHexAddress(dstBridge) {
		return nil, eris.Errorf("invalid destination bridge address %q", dstBridge)
	}
	parsed, err := abi.JSON(strings.NewReader(ABI))
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse bridge abi")
	}

	r := &Route{
		src:       src,
		dst:       dst,
		srcBridge: common.HexToAddress(srcBridge),
		dstBridge: common.HexToAddress(dstBridge),
		abi:       parsed,
		codec:     codec.New(),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.codec.Register(&evm.Call{})
	return r, nil
}

func (r *Route) Name() string {
	return "bridge/" + r.src.ChainID() + "/" + r.srcBridge.Hex()
}

func (r *Route) Source() chain.Client {
	return r.src
}

func (r *Route) Destination() chain.Client {
	return r.dst
}

// SendIntent builds a payable lock call carrying req.Amount.
func (r *Route) SendIntent(_ context.Context, req transfer.Request) (chain.TxIntent, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return chain.TxIntent{}, chain.Errorf(chain.ErrBuild, "transfer amount must be positive")
	}
	if req.Denom != "" && req.Denom != NativeDenom {
		return chain.TxIntent{}, chain.Errorf(chain.ErrBuild, "bridge moves %s only, got %s", NativeDenom, req.Denom)
	}
	recipient, err := parseRecipient(req.Receiver)
	if err != nil {
		return chain.TxIntent{}, err
	}
	data, err := r.abi.Pack(methodLock, recipient)
	if err != nil {
		return chain.TxIntent{}, chain.Wrap(chain.ErrBuild, err, "failed to pack lock")
	}
	return r.intent(&evm.Call{To: &r.srcBridge, Value: new(big.Int).Set(req.Amount), Data: data}, req.Memo)
}

// parseRecipient accepts a 20 byte address, left padded, or a full 32 byte word.
func parseRecipient(s string) ([32]byte, error) {
	var out [32]byte
	bz, err := hexutil.Decode(s)
	if err != nil {
		return out, chain.Wrap(chain.ErrBuild, err, "recipient must be 0x-prefixed hex")
	}
	switch len(bz) {
	case common.AddressLength, len(out):
		copy(out[len(out)-len(bz):], bz)
		return out, nil
	default:
		return out, chain.Errorf(chain.ErrBuild, "recipient is %d bytes, want 20 or 32", len(bz))
	}
}

func (r *Route) intent(call *evm.Call, memo string) (chain.TxIntent, error) {
	pm, err := r.codec.Encode(call)
	if err != nil {
		return chain.TxIntent{}, err
	}
	return chain.TxIntent{
		ChainID:  r.src.ChainID(),
		Messages: []codec.ProtoMessage{pm},
		Memo:     memo,
	}, nil
}

// ExtractPacket decodes the Locked log emitted by the source bridge.
func (r *Route) ExtractPacket(status chain.ConfirmationStatus) (transfer.Packet, error) {
	for _, ev := range status.EventsOfType(evm.LogEventType) {
		locked, ok, err := r.parseLocked(ev)
		if err != nil {
			return transfer.Packet{}, err
		}
		if !ok {
			continue
		}
		r.log.Debug().
			Uint64("nonce", locked.Nonce).
			Str("sender", locked.Sender.Hex()).
			Str("amount", locked.Amount.String()).
			Msg("Lock observed")
		return transfer.Packet{
			Sequence:   locked.Nonce,
			Commitment: locked.Commitment[:],
			Channel:    r.srcBridge.Hex(),
			Data:       locked.Recipient[:],
		}, nil
	}
	return transfer.Packet{}, eris.Errorf("no %s log from %s", eventLocked, r.srcBridge.Hex())
}

// parseLocked reports false for logs from other contracts or of other events.
func (r *Route) parseLocked(ev chain.Event) (Locked, bool, error) {
	var locked Locked
	addr, _ := ev.Attribute("address")
	if !common.IsHexAddress(addr) || common.HexToAddress(addr) != r.srcBridge {
		return locked, false, nil
	}
	event := r.abi.Events[eventLocked]
	topic0, _ := ev.Attribute("topic0")
	if common.HexToHash(topic0) != event.ID {
		return locked, false, nil
	}

	var topics []common.Hash
	for i := 1; ; i++ {
		v, ok := ev.Attribute("topic" + strconv.Itoa(i))
		if !ok {
			break
		}
		topics = append(topics, common.HexToHash(v))
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(topics) != len(indexed) {
		return locked, false, eris.Errorf("%s log has %d indexed topics, want %d", eventLocked, len(topics), len(indexed))
	}
	if err := abi.ParseTopics(&locked, indexed, topics); err != nil {
		return locked, false, eris.Wrap(err, "invalid Locked topics")
	}

	dataHex, _ := ev.Attribute("data")
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return locked, false, eris.Wrap(err, "invalid Locked data")
	}
	if err := r.abi.UnpackIntoInterface(&locked, eventLocked, data); err != nil {
		return locked, false, eris.Wrap(err, "failed to unpack Locked")
	}
	return locked, true, nil
}

// Received calls processed(commitment) on the destination bridge.
func (r *Route) Received(ctx context.Context, packet transfer.Packet) (bool, error) {
	if len(packet.Commitment) != 32 {
		return false, eris.Errorf("bridge commitment is %d bytes, want 32", len(packet.Commitment))
	}
	var commitment [32]byte
	copy(commitment[:], packet.Commitment)
	data, err := r.abi.Pack(methodProcessed, commitment)
	if err != nil {
		return false, eris.Wrap(err, "failed to pack processed")
	}
	out, err := r.dst.CallContract(ctx, r.dstBridge.Hex(), data)
	if err != nil {
		return false, err
	}
	res, err := r.abi.Unpack(methodProcessed, out)
	if err != nil {
		return false, eris.Wrap(err, "failed to unpack processed")
	}
	if len(res) != 1 {
		return false, eris.Errorf("processed returned %d values", len(res))
	}
	processed, ok := res[0].(bool)
	if !ok {
		return false, eris.Errorf("processed returned %T", res[0])
	}
	return processed, nil
}

// RefundIntent calls refund(nonce) on the source bridge. The contract pays back the original
// sender whoever signs, so signer is not part of the call.
func (r *Route) RefundIntent(_ context.Context, packet transfer.Packet, _ string) (chain.TxIntent, error) {
	data, err := r.abi.Pack(methodRefund, packet.Sequence)
	if err != nil {
		return chain.TxIntent{}, chain.Wrap(chain.ErrBuild, err, "failed to pack refund")
	}
	r.log.Info().Uint64("nonce", packet.Sequence).Msg("Built bridge refund")
	return r.intent(&evm.Call{To: &r.srcBridge, Data: data}, "")
}
