package bridge_test

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/chain/chaintest"
	"pkg.world.dev/world-engine/chainclient/pkg/chain/evm"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
	"pkg.world.dev/world-engine/chainclient/pkg/lifecycle"
	"pkg.world.dev/world-engine/chainclient/pkg/testutils"
	"pkg.world.dev/world-engine/chainclient/pkg/transfer"
	"pkg.world.dev/world-engine/chainclient/pkg/transfer/bridge"
)

var (
	srcBridge = common.HexToAddress("0x00000000000000000000000000000000000b0001")
	dstBridge = common.HexToAddress("0x00000000000000000000000000000000000b0002")
	sender    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	receiver  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func parsedABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(bridge.ABI))
	require.NoError(t, err)
	return parsed
}

// fakeDest answers processed(bytes32) from a set of processed commitments.
type fakeDest struct {
	*chaintest.Client
	abi abi.ABI

	mu        sync.Mutex
	processed map[[32]byte]bool
	calls     int
}

func newFakeDest(t *testing.T) *fakeDest {
	t.Helper()
	return &fakeDest{Client: chaintest.New("dest-1"), abi: parsedABI(t), processed: make(map[[32]byte]bool)}
}

func (d *fakeDest) CallContract(_ context.Context, to string, data []byte) ([]byte, error) {
	if common.HexToAddress(to) != dstBridge {
		return nil, eris.Errorf("call to unknown contract %s", to)
	}
	method, err := d.abi.MethodById(data)
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	commitment, ok := args[0].([32]byte)
	if !ok {
		return nil, eris.Errorf("unexpected argument %T", args[0])
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return method.Outputs.Pack(d.processed[commitment])
}

func (d *fakeDest) markProcessed(commitment []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processed[[32]byte(commitment)] = true
}

func lockedLog(t *testing.T, emitter common.Address, nonce uint64, amount *big.Int, commitment [32]byte) *types.Log {
	t.Helper()
	event := parsedABI(t).Events["Locked"]
	data, err := event.Inputs.NonIndexed().Pack([32]byte(common.LeftPadBytes(receiver.Bytes(), 32)), amount, commitment)
	require.NoError(t, err)
	return &types.Log{
		Address: emitter,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(new(big.Int).SetUint64(nonce)),
			common.BytesToHash(sender.Bytes()),
		},
		Data: data,
	}
}

func newRoute(t *testing.T, src chain.Client, dst bridge.Destination) *bridge.Route {
	t.Helper()
	r, err := bridge.NewRoute(src, srcBridge.Hex(), dst, dstBridge.Hex(),
		bridge.WithLogger(zerolog.New(zerolog.NewTestWriter(t))))
	require.NoError(t, err)
	return r
}

func decodeCall(t *testing.T, intent chain.TxIntent) *evm.Call {
	t.Helper()
	require.Len(t, intent.Messages, 1)
	cdc := codec.New(codec.WithStrict())
	cdc.Register(&evm.Call{})
	msg, err := cdc.Decode(intent.Messages[0])
	require.NoError(t, err)
	call, ok := msg.(*evm.Call)
	require.True(t, ok)
	return call
}

// -------------------------------------------------------------------------------------------------
// Lock
// -------------------------------------------------------------------------------------------------

func TestSendIntent(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))
	assert.Equal(t, "bridge/source-1/"+srcBridge.Hex(), r.Name())

	intent, err := r.SendIntent(context.Background(), transfer.Request{
		Sender: sender.Hex(), Receiver: receiver.Hex(), Amount: big.NewInt(5e17), Denom: bridge.NativeDenom,
	})
	require.NoError(t, err)
	assert.Equal(t, "source-1", intent.ChainID)
	assert.Equal(t, evm.CallTypeURL, intent.Messages[0].TypeURL)

	call := decodeCall(t, intent)
	require.NotNil(t, call.To)
	assert.Equal(t, srcBridge, *call.To)
	assert.Equal(t, big.NewInt(5e17), call.Value)

	lock := parsedABI(t).Methods["lock"]
	require.True(t, bytes.HasPrefix(call.Data, lock.ID))
	args, err := lock.Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(common.LeftPadBytes(receiver.Bytes(), 32)), args[0])
}

func TestSendIntent_Recipient32Bytes(t *testing.T) {
	t.Parallel()

	rng := testutils.NewRand(t)
	word := testutils.RandBytes(rng, 32)
	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))

	_, err := r.SendIntent(context.Background(), transfer.Request{
		Receiver: common.Bytes2Hex(word), Amount: big.NewInt(1),
	})
	require.ErrorIs(t, err, chain.ErrBuild, "missing 0x prefix")

	intent, err := r.SendIntent(context.Background(), transfer.Request{
		Receiver: "0x" + common.Bytes2Hex(word), Amount: big.NewInt(1),
	})
	require.NoError(t, err)
	args, err := parsedABI(t).Methods["lock"].Inputs.Unpack(decodeCall(t, intent).Data[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(word), args[0])
}

func TestSendIntent_Invalid(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))
	tests := []transfer.Request{
		{Receiver: receiver.Hex()},
		{Receiver: receiver.Hex(), Amount: big.NewInt(-1)},
		{Receiver: receiver.Hex(), Amount: big.NewInt(1), Denom: "stake"},
		{Receiver: "0x0102", Amount: big.NewInt(1)},
	}
	for _, req := range tests {
		_, err := r.SendIntent(context.Background(), req)
		require.ErrorIs(t, err, chain.ErrBuild)
	}
}

func TestNewRoute_InvalidAddress(t *testing.T) {
	t.Parallel()

	_, err := bridge.NewRoute(chaintest.New("source-1"), "bridge", newFakeDest(t), dstBridge.Hex())
	require.Error(t, err)
	_, err = bridge.NewRoute(chaintest.New("source-1"), srcBridge.Hex(), newFakeDest(t), "0x12")
	require.Error(t, err)
}

// -------------------------------------------------------------------------------------------------
// Locked log
// -------------------------------------------------------------------------------------------------

func TestExtractPacket(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))
	commitment := [32]byte{0xc0, 0xff, 0xee}
	other := lockedLog(t, dstBridge, 1, big.NewInt(1), [32]byte{1})
	transferLog := &types.Log{Address: srcBridge, Topics: []common.Hash{{0xdd}}, Data: []byte{1}}
	status := chain.Included(7, 0, evm.LogEvents([]*types.Log{
		other, transferLog, lockedLog(t, srcBridge, 42, big.NewInt(1000), commitment),
	}))

	packet, err := r.ExtractPacket(status)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), packet.Sequence)
	assert.Equal(t, commitment[:], packet.Commitment)
	assert.Equal(t, srcBridge.Hex(), packet.Channel)
	assert.Equal(t, common.LeftPadBytes(receiver.Bytes(), 32), packet.Data)
	assert.True(t, packet.Timeout.IsZero())
}

func TestExtractPacket_Errors(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))

	_, err := r.ExtractPacket(chain.Included(7, 0, nil))
	require.Error(t, err)

	truncated := lockedLog(t, srcBridge, 1, big.NewInt(1), [32]byte{1})
	truncated.Topics = truncated.Topics[:2]
	_, err = r.ExtractPacket(chain.Included(7, 0, evm.LogEvents([]*types.Log{truncated})))
	require.Error(t, err)

	short := lockedLog(t, srcBridge, 1, big.NewInt(1), [32]byte{1})
	short.Data = short.Data[:40]
	_, err = r.ExtractPacket(chain.Included(7, 0, evm.LogEvents([]*types.Log{short})))
	require.Error(t, err)
}

// -------------------------------------------------------------------------------------------------
// Processed and refund
// -------------------------------------------------------------------------------------------------

func TestReceived(t *testing.T) {
	t.Parallel()

	dst := newFakeDest(t)
	r := newRoute(t, chaintest.New("source-1"), dst)
	packet := transfer.Packet{Sequence: 3, Commitment: bytes.Repeat([]byte{7}, 32)}

	received, err := r.Received(context.Background(), packet)
	require.NoError(t, err)
	assert.False(t, received)

	dst.markProcessed(packet.Commitment)
	received, err = r.Received(context.Background(), packet)
	require.NoError(t, err)
	assert.True(t, received)

	_, err = r.Received(context.Background(), transfer.Packet{Commitment: []byte{1}})
	require.Error(t, err)
}

func TestRefundIntent(t *testing.T) {
	t.Parallel()

	r := newRoute(t, chaintest.New("source-1"), newFakeDest(t))
	intent, err := r.RefundIntent(context.Background(), transfer.Packet{Sequence: 42}, sender.Hex())
	require.NoError(t, err)
	assert.Equal(t, "source-1", intent.ChainID)

	call := decodeCall(t, intent)
	assert.Equal(t, srcBridge, *call.To)
	assert.Nil(t, call.Value)

	refund := parsedABI(t).Methods["refund"]
	require.True(t, bytes.HasPrefix(call.Data, refund.ID))
	args, err := refund.Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, uint64(42), args[0])
}

// -------------------------------------------------------------------------------------------------
// Coordinator
// -------------------------------------------------------------------------------------------------

func newCoordinator(t *testing.T, src *chaintest.Client, timeout time.Duration) *transfer.Coordinator {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	lcfg := lifecycle.DefaultConfig()
	lcfg.PollInterval = 2 * time.Millisecond
	m, err := lifecycle.New(lcfg, lifecycle.WithClient(src), lifecycle.WithLogger(logger))
	require.NoError(t, err)
	c, err := transfer.NewCoordinator(transfer.Config{
		PacketTimeout: timeout,
		PollInterval:  5 * time.Millisecond,
		ArchiveTTL:    time.Hour,
	}, m, transfer.WithLogger(logger))
	require.NoError(t, err)
	return c
}

func lockingSource(t *testing.T, commitment [32]byte) *chaintest.Client {
	t.Helper()
	src := chaintest.New("source-1")
	src.SetAccount(sender.Hex(), 0, 9)
	src.SetResult(0, func(tx chain.SignedTx) []chain.Event {
		if tx.Sequence != 9 {
			return nil
		}
		return evm.LogEvents([]*types.Log{lockedLog(t, srcBridge, 100, big.NewInt(1000), commitment)})
	})
	return src
}

func TestCoordinator_ProcessedIsAcknowledged(t *testing.T) {
	t.Parallel()

	commitment := [32]byte{0xab}
	src := lockingSource(t, commitment)
	dst := newFakeDest(t)
	dst.markProcessed(commitment[:])
	c := newCoordinator(t, src, time.Minute)

	state, err := c.Start(context.Background(), newRoute(t, src, dst), transfer.Request{
		Sender: sender.Hex(), Receiver: receiver.Hex(), Amount: big.NewInt(1000),
	}, chaintest.NewSigner(sender.Hex()))
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusAcknowledged, state.Status)
	assert.Equal(t, uint64(100), state.PacketSequence)
	assert.Equal(t, srcBridge.Hex(), state.ChannelOrBridgeID)
	assert.Equal(t, commitment[:], state.Commitment)
}

func TestCoordinator_UnprocessedIsRefunded(t *testing.T) {
	t.Parallel()

	src := lockingSource(t, [32]byte{0xcd})
	dst := newFakeDest(t)
	c := newCoordinator(t, src, 20*time.Millisecond)

	state, err := c.Start(context.Background(), newRoute(t, src, dst), transfer.Request{
		Sender: sender.Hex(), Receiver: receiver.Hex(), Amount: big.NewInt(1000),
	}, chaintest.NewSigner(sender.Hex()))
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusRefunded, state.Status)
	assert.NotEmpty(t, state.RefundTx)

	broadcasts := src.Broadcasts()
	require.Len(t, broadcasts, 2)
	assert.Equal(t, uint64(10), broadcasts[1].Sequence)

	dst.mu.Lock()
	assert.Positive(t, dst.calls)
	dst.mu.Unlock()
}
