package ibc_test

import (
	"context"
	"encoding/hex"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	cmtcrypto "github.com/cometbft/cometbft/proto/tendermint/crypto"
	transfertypes "github.com/cosmos/ibc-go/v8/modules/apps/transfer/types"
	clienttypes "github.com/cosmos/ibc-go/v8/modules/core/02-client/types"
	channeltypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	commitmenttypes "github.com/cosmos/ibc-go/v8/modules/core/23-commitment/types"
	host "github.com/cosmos/ibc-go/v8/modules/core/24-host"
	ics23 "github.com/cosmos/ics23/go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/chain/chaintest"
	"pkg.world.dev/world-engine/chainclient/pkg/chain/cosmos"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
	"pkg.world.dev/world-engine/chainclient/pkg/lifecycle"
	"pkg.world.dev/world-engine/chainclient/pkg/transfer"
	"pkg.world.dev/world-engine/chainclient/pkg/transfer/ibc"
)

var blockTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeDest is a destination chain with a fixed clock and a scripted proof store.
type fakeDest struct {
	*chaintest.Client

	mu       sync.Mutex
	received bool
	proof    cosmos.StoreProof
	proofKey []byte
}

func newFakeDest(t *testing.T) *fakeDest {
	t.Helper()
	d := &fakeDest{Client: chaintest.New("dest-1")}
	d.proof = cosmos.StoreProof{Height: 41, Proof: absenceProof(t)}
	d.HandleQuery(func(path string, params []byte) ([]byte, error) {
		if path != "/ibc.core.channel.v1.Query/PacketReceipt" {
			return nil, eris.Errorf("unexpected query %s", path)
		}
		var req channeltypes.QueryPacketReceiptRequest
		if err := req.Unmarshal(params); err != nil {
			return nil, err
		}
		if req.PortId != "transfer" || req.ChannelId != "channel-7" {
			return nil, eris.Errorf("wrong channel end %s/%s", req.PortId, req.ChannelId)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		res := channeltypes.QueryPacketReceiptResponse{Received: d.received}
		return res.Marshal()
	})
	return d
}

func (d *fakeDest) LatestBlockTime(context.Context) (time.Time, error) {
	return blockTime, nil
}

func (d *fakeDest) QueryWithProof(_ context.Context, storeKey string, key []byte) (cosmos.StoreProof, error) {
	if storeKey != ibc.IBCStoreKey {
		return cosmos.StoreProof{}, eris.Errorf("unexpected store %s", storeKey)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proofKey = key
	return d.proof, nil
}

func (d *fakeDest) setReceived(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = v
}

func absenceProof(t *testing.T) cmtcrypto.ProofOps {
	t.Helper()
	proof := ics23.CommitmentProof{
		Proof: &ics23.CommitmentProof_Nonexist{Nonexist: &ics23.NonExistenceProof{Key: []byte("receipt")}},
	}
	bz, err := proof.Marshal()
	require.NoError(t, err)
	return cmtcrypto.ProofOps{Ops: []cmtcrypto.ProofOp{{Type: "ics23:iavl", Key: []byte("receipt"), Data: bz}}}
}

func testPacket() channeltypes.Packet {
	return channeltypes.NewPacket(
		[]byte(`{"amount":"1000","denom":"stake","receiver":"bob","sender":"alice"}`),
		3, "transfer", "channel-0", "transfer", "channel-7",
		clienttypes.ZeroHeight(), uint64(blockTime.Add(10*time.Minute).UnixNano()),
	)
}

func sendPacketEvent(p channeltypes.Packet) chain.Event {
	return chain.Event{
		Type: channeltypes.EventTypeSendPacket,
		Attributes: []chain.Attribute{
			{Key: channeltypes.AttributeKeyDataHex, Value: hex.EncodeToString(p.Data)},
			{Key: channeltypes.AttributeKeyTimeoutHeight, Value: p.TimeoutHeight.String()},
			{Key: channeltypes.AttributeKeyTimeoutTimestamp, Value: strconv.FormatUint(p.TimeoutTimestamp, 10)},
			{Key: channeltypes.AttributeKeySequence, Value: strconv.FormatUint(p.Sequence, 10)},
			{Key: channeltypes.AttributeKeySrcPort, Value: p.SourcePort},
			{Key: channeltypes.AttributeKeySrcChannel, Value: p.SourceChannel},
			{Key: channeltypes.AttributeKeyDstPort, Value: p.DestinationPort},
			{Key: channeltypes.AttributeKeyDstChannel, Value: p.DestinationChannel},
		},
	}
}

func newRoute(t *testing.T, src chain.Client, dst *fakeDest) *ibc.Route {
	t.Helper()
	r, err := ibc.NewRoute(src, dst, "channel-0",
		ibc.WithPacketTimeout(10*time.Minute),
		ibc.WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
	)
	require.NoError(t, err)
	return r
}

// -------------------------------------------------------------------------------------------------
// Send
// -------------------------------------------------------------------------------------------------

func TestSendIntent(t *testing.T) {
	t.Parallel()

	src := chaintest.New("source-1")
	r := newRoute(t, src, newFakeDest(t))
	assert.Equal(t, "ibc/source-1/channel-0", r.Name())

	intent, err := r.SendIntent(context.Background(), transfer.Request{
		Sender: "alice", Receiver: "bob", Amount: big.NewInt(1000), Denom: "stake", Memo: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "source-1", intent.ChainID)
	require.Len(t, intent.Messages, 1)
	assert.Equal(t, "/ibc.applications.transfer.v1.MsgTransfer", intent.Messages[0].TypeURL)

	decoded, err := codec.New().Decode(intent.Messages[0])
	require.NoError(t, err)
	msg, ok := decoded.(*transfertypes.MsgTransfer)
	require.True(t, ok)
	assert.Equal(t, "transfer", msg.SourcePort)
	assert.Equal(t, "channel-0", msg.SourceChannel)
	assert.Equal(t, "1000stake", msg.Token.String())
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "bob", msg.Receiver)
	assert.Equal(t, "hi", msg.Memo)
	assert.True(t, msg.TimeoutHeight.IsZero())
	assert.Equal(t, uint64(blockTime.Add(10*time.Minute).UnixNano()), msg.TimeoutTimestamp)
}

func TestSendIntent_Invalid(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))
	tests := []transfer.Request{
		{Sender: "alice", Receiver: "bob", Amount: big.NewInt(0), Denom: "stake"},
		{Sender: "alice", Receiver: "bob", Denom: "stake"},
		{Sender: "alice", Receiver: "bob", Amount: big.NewInt(5), Denom: "!"},
		{Receiver: "bob", Amount: big.NewInt(5), Denom: "stake"},
	}
	for _, req := range tests {
		_, err := r.SendIntent(context.Background(), req)
		require.ErrorIs(t, err, chain.ErrBuild)
	}
}

func TestNewRoute_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ibc.NewRoute(chaintest.New("source-1"), newFakeDest(t), "not a channel")
	require.Error(t, err)

	_, err = ibc.NewRoute(chaintest.New("source-1"), newFakeDest(t), "channel-0", ibc.WithPacketTimeout(0))
	require.Error(t, err)
}

// -------------------------------------------------------------------------------------------------
// Packet
// -------------------------------------------------------------------------------------------------

func TestExtractPacket(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))
	want := testPacket()

	other := want
	other.SourceChannel = "channel-9"
	status := chain.Included(10, 0, []chain.Event{
		{Type: "message"},
		sendPacketEvent(other),
		sendPacketEvent(want),
	})

	packet, err := r.ExtractPacket(status)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), packet.Sequence)
	assert.Equal(t, "channel-0", packet.Channel)
	assert.Equal(t, channeltypes.CommitPacket(nil, want), packet.Commitment)
	assert.True(t, packet.Timeout.Equal(blockTime.Add(10*time.Minute)))

	var decoded channeltypes.Packet
	require.NoError(t, decoded.Unmarshal(packet.Data))
	assert.Equal(t, want, decoded)
}

func TestExtractPacket_Errors(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))

	_, err := r.ExtractPacket(chain.Included(10, 0, nil))
	require.Error(t, err)

	ev := sendPacketEvent(testPacket())
	for i, attr := range ev.Attributes {
		if attr.Key == channeltypes.AttributeKeySequence {
			ev.Attributes[i].Value = "three"
		}
	}
	_, err = r.ExtractPacket(chain.Included(10, 0, []chain.Event{ev}))
	require.Error(t, err)
}

// -------------------------------------------------------------------------------------------------
// Receipt and refund
// -------------------------------------------------------------------------------------------------

func TestReceived(t *testing.T) {
	t.Parallel()

	dst := newFakeDest(t)
	r := newRoute(t, chaintest.New("source-1"), dst)
	packet, err := r.ExtractPacket(chain.Included(10, 0, []chain.Event{sendPacketEvent(testPacket())}))
	require.NoError(t, err)

	received, err := r.Received(context.Background(), packet)
	require.NoError(t, err)
	assert.False(t, received)

	dst.setReceived(true)
	received, err = r.Received(context.Background(), packet)
	require.NoError(t, err)
	assert.True(t, received)

	_, err = r.Received(context.Background(), transfer.Packet{Data: []byte{0xff, 0xff}})
	require.Error(t, err)
}

func TestRefundIntent(t *testing.T) {
	t.Parallel()

	dst := newFakeDest(t)
	r := newRoute(t, chaintest.New("source-1"), dst)
	want := testPacket()
	packet, err := r.ExtractPacket(chain.Included(10, 0, []chain.Event{sendPacketEvent(want)}))
	require.NoError(t, err)

	intent, err := r.RefundIntent(context.Background(), packet, "relayer")
	require.NoError(t, err)
	assert.Equal(t, "source-1", intent.ChainID)
	require.Len(t, intent.Messages, 1)

	dst.mu.Lock()
	assert.Equal(t, host.PacketReceiptKey("transfer", "channel-7", 3), dst.proofKey)
	dst.mu.Unlock()

	decoded, err := codec.New().Decode(intent.Messages[0])
	require.NoError(t, err)
	msg, ok := decoded.(*channeltypes.MsgTimeout)
	require.True(t, ok)
	assert.Equal(t, want, msg.Packet)
	assert.Equal(t, "relayer", msg.Signer)
	assert.Equal(t, uint64(3), msg.NextSequenceRecv)
	assert.Equal(t, clienttypes.NewHeight(1, 42), msg.ProofHeight)

	var proof commitmenttypes.MerkleProof
	require.NoError(t, proof.Unmarshal(msg.ProofUnreceived))
	assert.Len(t, proof.Proofs, 1)
}

func TestRefundIntent_ReceivedPacket(t *testing.T) {
	t.Parallel()

	dst := newFakeDest(t)
	dst.proof.Value = []byte{1}
	r := newRoute(t, chaintest.New("source-1"), dst)
	packet, err := r.ExtractPacket(chain.Included(10, 0, []chain.Event{sendPacketEvent(testPacket())}))
	require.NoError(t, err)

	_, err = r.RefundIntent(context.Background(), packet, "relayer")
	require.Error(t, err)
}

// -------------------------------------------------------------------------------------------------
// Coordinator
// -------------------------------------------------------------------------------------------------

func TestCoordinator_TimeoutIsRefundedWithMsgTimeout(t *testing.T) {
	t.Parallel()

	src := chaintest.New("source-1")
	src.SetAccount("alice", 1, 0)
	src.SetResult(0, func(tx chain.SignedTx) []chain.Event {
		if tx.Sequence != 0 {
			return nil
		}
		return []chain.Event{sendPacketEvent(testPacket())}
	})
	dst := newFakeDest(t)
	r := newRoute(t, src, dst)

	logger := zerolog.New(zerolog.NewTestWriter(t))
	lcfg := lifecycle.DefaultConfig()
	lcfg.PollInterval = 2 * time.Millisecond
	m, err := lifecycle.New(lcfg, lifecycle.WithClient(src), lifecycle.WithLogger(logger))
	require.NoError(t, err)
	c, err := transfer.NewCoordinator(transfer.Config{
		PacketTimeout: 30 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		ArchiveTTL:    time.Hour,
	}, m, transfer.WithLogger(logger))
	require.NoError(t, err)

	state, err := c.Start(context.Background(), r, transfer.Request{
		Sender: "alice", Receiver: "bob", Amount: big.NewInt(1000), Denom: "stake",
	}, chaintest.NewSigner("alice"))
	require.NoError(t, err)

	assert.Equal(t, transfer.StatusRefunded, state.Status)
	assert.Equal(t, uint64(3), state.PacketSequence)
	assert.Equal(t, "channel-0", state.ChannelOrBridgeID)
	assert.Equal(t, channeltypes.CommitPacket(nil, testPacket()), state.Commitment)
	assert.NotEmpty(t, state.RefundTx)
	assert.Len(t, src.Broadcasts(), 2)
}
