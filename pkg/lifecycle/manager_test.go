package lifecycle_test

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/chain/chaintest"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
	"pkg.world.dev/world-engine/chainclient/pkg/lifecycle"
	"pkg.world.dev/world-engine/chainclient/pkg/sequencer"
)

const chainID = "testing-1"

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig() lifecycle.Config {
	cfg := lifecycle.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ConfirmTimeout = 2 * time.Second
	return cfg
}

func newManager(
	t *testing.T, cfg lifecycle.Config, client *chaintest.Client, opts ...lifecycle.Option,
) (*lifecycle.Manager, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	opts = append([]lifecycle.Option{
		lifecycle.WithClient(client),
		lifecycle.WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
		lifecycle.WithSleeper(sleeper.sleep),
	}, opts...)
	m, err := lifecycle.New(cfg, opts...)
	require.NoError(t, err)
	return m, sleeper
}

func testIntent() chain.TxIntent {
	return chain.TxIntent{
		ChainID:  chainID,
		Messages: []codec.ProtoMessage{{TypeURL: "/test.v1.MsgPing", Value: []byte("ping")}},
	}
}

func peek(t *testing.T, m *lifecycle.Manager, addr string) uint64 {
	t.Helper()
	next, ok := m.Sequencer().Peek(chain.Account{ChainID: chainID, Address: addr})
	require.True(t, ok)
	return next
}

// -------------------------------------------------------------------------------------------------
// Happy path
// -------------------------------------------------------------------------------------------------

func TestSubmit_HappyPath(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID, chaintest.WithInclusionDelay(2))
	client.SetAccount("alice", 7, 5)

	var mu sync.Mutex
	var seen []lifecycle.Transition
	reg := prometheus.NewRegistry()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	m, sleeper := newManager(t, testConfig(), client,
		lifecycle.WithRegisterer(reg),
		lifecycle.WithTracer(tp.Tracer("test")),
		lifecycle.WithObserver(func(tr lifecycle.Transition) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		}),
	)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.NoError(t, err)

	assert.Equal(t, uint64(5), res.Sequence)
	assert.True(t, res.Status.Succeeded())
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.Hash)
	assert.Equal(t, []chain.State{
		chain.StateBuilding, chain.StateSigned, chain.StateBroadcasting, chain.StatePending, chain.StateIncluded,
	}, res.Transitions)
	assert.Empty(t, sleeper.recorded())

	assert.Equal(t, uint64(6), client.OnChainSequence("alice"))
	assert.Equal(t, uint64(6), peek(t, m, "alice"))

	broadcasts := client.Broadcasts()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, uint64(5), broadcasts[0].Sequence)
	assert.Equal(t, res.Hash, broadcasts[0].Hash)

	mu.Lock()
	require.Len(t, seen, 5)
	assert.Equal(t, chain.StateUnknown, seen[0].From)
	assert.Equal(t, chain.StateBuilding, seen[0].To)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1].To, seen[i].From)
	}
	assert.Equal(t, res.Hash, seen[4].Hash)
	mu.Unlock()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "lifecycle.submit", spans[0].Name())
	var events []string
	for _, ev := range spans[0].Events() {
		events = append(events, ev.Name)
	}
	assert.Equal(t, []string{"building", "signed", "broadcasting", "pending", "included"}, events)

	expected := `
# HELP lifecycle_submissions_total Submitted transactions by terminal outcome
# TYPE lifecycle_submissions_total counter
lifecycle_submissions_total{chain="testing-1",outcome="included"} 1
# HELP lifecycle_broadcast_attempts_total Broadcast calls, retries included
# TYPE lifecycle_broadcast_attempts_total counter
lifecycle_broadcast_attempts_total{chain="testing-1"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lifecycle_submissions_total", "lifecycle_broadcast_attempts_total"))
	count, err := testutil.GatherAndCount(reg, "lifecycle_confirmation_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubmit_FixedGasSkipsSimulation(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 0)
	client.FailSimulate(chain.Errorf(chain.ErrBuild, "simulation must not run"))
	m, _ := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent().WithGasLimit(90_000), chaintest.NewSigner("alice"))
	require.NoError(t, err)
	assert.True(t, res.Status.Succeeded())
}

func TestSubmit_IncludedWithFailureCode(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 0)
	client.SetResult(7, nil)
	m, _ := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.NoError(t, err)
	assert.Equal(t, chain.StateIncluded, res.Status.State)
	assert.Equal(t, uint32(7), res.Status.Code)
	assert.False(t, res.Status.Succeeded())
	assert.Equal(t, uint64(1), peek(t, m, "alice"))
}

func TestSubmit_UnknownChain(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, testConfig(), chaintest.New(chainID))
	intent := testIntent()
	intent.ChainID = "elsewhere-1"
	_, err := m.Submit(context.Background(), intent, chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrBuild)
}

// -------------------------------------------------------------------------------------------------
// Sequencing
// -------------------------------------------------------------------------------------------------

func TestSubmit_StaleSequenceRefreshesOnce(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 4)
	seq := sequencer.New(sequencer.WithSource(client))
	m, _ := newManager(t, testConfig(), client, lifecycle.WithSequencer(seq))

	// Seed the local view at 4, then let another process advance the chain.
	lease, err := seq.Lease(context.Background(), chain.Account{ChainID: chainID, Address: "alice"})
	require.NoError(t, err)
	lease.Release()
	client.SetSequence("alice", 5)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.NoError(t, err)

	assert.Equal(t, uint64(5), res.Sequence)
	assert.True(t, res.Status.Succeeded())
	assert.Equal(t, 2, res.Attempts)

	broadcasts := client.Broadcasts()
	require.Len(t, broadcasts, 2)
	assert.Equal(t, uint64(4), broadcasts[0].Sequence)
	assert.Equal(t, uint64(5), broadcasts[1].Sequence)
	assert.Equal(t, uint64(6), client.OnChainSequence("alice"))
	assert.Equal(t, []chain.State{
		chain.StateBuilding, chain.StateSigned, chain.StateBroadcasting,
		chain.StateBuilding, chain.StateSigned, chain.StateBroadcasting,
		chain.StatePending, chain.StateIncluded,
	}, res.Transitions)
}

func TestSubmit_SecondConflictIsFatal(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 3)
	conflict := chain.Errorf(chain.ErrSequenceConflict, "account sequence mismatch")
	client.FailBroadcasts(conflict, conflict)
	m, _ := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrSequenceConflict)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, client.Fetches())
	assert.Equal(t, chain.StateFailed, res.Status.State)

	var txErr *chain.TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, chainID, txErr.ChainID)
	assert.Equal(t, "alice", txErr.Account)
	assert.Equal(t, uint64(3), txErr.Sequence)
	assert.Equal(t, chain.StateBroadcasting, txErr.State)
}

func TestSubmit_TwoConcurrentFromTen(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 10)
	m, _ := newManager(t, testConfig(), client)

	var mu sync.Mutex
	var got []uint64
	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
			if err != nil {
				return err
			}
			mu.Lock()
			got = append(got, res.Sequence)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	slices.Sort(got)
	assert.Equal(t, []uint64{10, 11}, got)
	assert.Equal(t, uint64(12), client.OnChainSequence("alice"))
}

func TestSubmitBatch_SequencesAreContiguous(t *testing.T) {
	t.Parallel()

	const n = 16
	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 0)
	m, _ := newManager(t, testConfig(), client)

	intents := make([]chain.TxIntent, n)
	for i := range intents {
		intents[i] = testIntent()
		intents[i].Memo = string(rune('a' + i))
	}
	results, err := m.SubmitBatch(context.Background(), intents, chaintest.NewSigner("alice"))
	require.NoError(t, err)
	require.Len(t, results, n)

	got := make([]uint64, 0, n)
	for _, res := range results {
		assert.True(t, res.Status.Succeeded())
		got = append(got, res.Sequence)
	}
	slices.Sort(got)
	want := make([]uint64, n)
	for i := range want {
		want[i] = uint64(i)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(n), client.OnChainSequence("alice"))
}

func TestSubmit_SkippedSequenceRecoversAtSimulation(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID, chaintest.WithStrictSimulate())
	client.SetAccount("alice", 1, 5)
	client.FailBroadcasts(chain.Errorf(chain.ErrInsufficientFunds, "spendable balance 0stake"))
	m, _ := newManager(t, testConfig(), client)
	signer := chaintest.NewSigner("alice")
	ctx := context.Background()

	_, err := m.Submit(ctx, testIntent(), signer)
	require.ErrorIs(t, err, chain.ErrInsufficientFunds)
	// The rejected bytes left the process, so the local view moved past the chain's.
	assert.Equal(t, uint64(6), peek(t, m, "alice"))
	assert.Equal(t, uint64(5), client.OnChainSequence("alice"))

	for i := range 3 {
		res, err := m.Submit(ctx, testIntent(), signer)
		require.NoError(t, err, "submission %d", i)
		assert.Equal(t, uint64(5+i), res.Sequence) //nolint:gosec // small
		assert.True(t, res.Status.Succeeded())
	}
	assert.Equal(t, uint64(8), client.OnChainSequence("alice"))
	assert.Equal(t, uint64(8), peek(t, m, "alice"))
	assert.Equal(t, 2, client.Fetches())
}

func TestSubmit_SimulationConflictTwiceIsFatal(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 5)
	client.FailSimulate(chain.Errorf(chain.ErrSequenceConflict, "account sequence mismatch"))
	m, _ := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrSequenceConflict)
	assert.Equal(t, chain.StateFailed, res.Status.State)
	assert.Empty(t, client.Broadcasts())
	assert.Equal(t, 2, client.Fetches())
	assert.Equal(t, uint64(5), peek(t, m, "alice"))
}

func TestSubmit_LostResponseIsNotResigned(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID, chaintest.WithUsedNonceRejection())
	client.SetAccount("alice", 1, 5)
	client.LoseResponses(chain.Errorf(chain.ErrNetwork, "read: connection reset by peer"))
	m, sleeper := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.NoError(t, err)
	assert.True(t, res.Status.Succeeded())
	assert.Equal(t, uint64(5), res.Sequence)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.recorded())

	broadcasts := client.Broadcasts()
	require.Len(t, broadcasts, 2)
	assert.Equal(t, broadcasts[0].Raw, broadcasts[1].Raw)
	assert.Equal(t, res.Hash, broadcasts[0].Hash)
	assert.Equal(t, uint64(6), client.OnChainSequence("alice"))
	assert.Equal(t, uint64(6), peek(t, m, "alice"))
	assert.Equal(t, 1, client.Fetches())
}

func TestSubmit_FirstAttemptConflictSkipsLookup(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 3)
	client.FailBroadcasts(chain.Errorf(chain.ErrSequenceConflict, "account sequence mismatch"))
	m, _ := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Sequence)
	// Only confirmation polls, no lookup of the conflicting bytes.
	assert.Equal(t, 1, client.Polls())
}

// -------------------------------------------------------------------------------------------------
// Failures
// -------------------------------------------------------------------------------------------------

func TestSubmit_TransientBroadcastReusesBytes(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 0)
	client.FailBroadcasts(chain.Errorf(chain.ErrNetwork, "connection reset"))
	m, sleeper := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.recorded())

	broadcasts := client.Broadcasts()
	require.Len(t, broadcasts, 2)
	assert.Equal(t, broadcasts[0].Raw, broadcasts[1].Raw)
}

func TestSubmit_NetworkExhausted(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 5)
	netErr := chain.Errorf(chain.ErrNetwork, "connection refused")
	client.FailBroadcasts(netErr, netErr, netErr)
	m, sleeper := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.Error(t, err)
	assert.Equal(t, chain.KindNetworkExhausted, chain.Classify(err))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.recorded())

	// The bytes may have reached a node, so the sequence is not handed out again.
	assert.Equal(t, uint64(6), peek(t, m, "alice"))
	assert.Equal(t, uint64(5), client.OnChainSequence("alice"))
}

func TestSubmit_InsufficientFundsIsFatal(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 0)
	client.FailBroadcasts(chain.Errorf(chain.ErrInsufficientFunds, "spendable balance 0stake"))
	m, sleeper := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrInsufficientFunds)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sleeper.recorded())
	assert.Contains(t, err.Error(), "spendable balance 0stake")
}

func TestSubmit_BuildFailureReturnsSequence(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 5)
	client.FailBuild(chain.Errorf(chain.ErrBuild, "malformed message"))
	m, _ := newManager(t, testConfig(), client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrBuild)
	assert.Equal(t, chain.StateFailed, res.Status.State)
	assert.Empty(t, client.Broadcasts())

	var txErr *chain.TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, chain.StateBuilding, txErr.State)
	assert.Equal(t, uint64(5), txErr.Sequence)
	assert.Equal(t, uint64(5), peek(t, m, "alice"))
}

func TestSubmit_InvalidIntent(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	m, _ := newManager(t, testConfig(), client)

	intent := testIntent()
	intent.Messages = nil
	_, err := m.Submit(context.Background(), intent, chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrBuild)

	intent = testIntent()
	intent.Deadline = time.Now().Add(-time.Second)
	_, err = m.Submit(context.Background(), intent, chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrBuild)
	assert.Zero(t, client.Fetches())
}

// -------------------------------------------------------------------------------------------------
// Confirmation
// -------------------------------------------------------------------------------------------------

func TestSubmit_ConfirmationTimeout(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID, chaintest.WithInclusionDelay(1_000_000))
	client.SetAccount("alice", 1, 0)
	cfg := testConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	m, _ := newManager(t, cfg, client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)
	assert.Equal(t, chain.StateTimedOut, res.Status.State)
	assert.NotEmpty(t, res.Hash)
	assert.Equal(t, chain.StateTimedOut, res.Transitions[len(res.Transitions)-1])

	// Accepted means committed, whatever the confirmation outcome.
	assert.Equal(t, uint64(1), peek(t, m, "alice"))
}

func TestSubmit_TransientPollErrorsWait(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 0)
	netErr := chain.Errorf(chain.ErrNetwork, "connection refused")
	client.FailPolls(netErr, netErr)
	cfg := testConfig()
	m, sleeper := newManager(t, cfg, client)

	res, err := m.Submit(context.Background(), testIntent(), chaintest.NewSigner("alice"))
	require.NoError(t, err)
	assert.True(t, res.Status.Succeeded())
	assert.Equal(t, []time.Duration{cfg.PollInterval, cfg.PollInterval}, sleeper.recorded())
	assert.Equal(t, 3, client.Polls())
}

func TestSubmit_IntentDeadlineBoundsConfirmation(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID, chaintest.WithInclusionDelay(1_000_000))
	client.SetAccount("alice", 1, 0)
	m, _ := newManager(t, testConfig(), client)

	intent := testIntent()
	intent.Deadline = time.Now().Add(100 * time.Millisecond)
	start := time.Now()
	res, err := m.Submit(context.Background(), intent, chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)
	assert.Equal(t, chain.StateTimedOut, res.Status.State)
	assert.Less(t, time.Since(start), time.Second)
}

// -------------------------------------------------------------------------------------------------
// Cancellation
// -------------------------------------------------------------------------------------------------

func TestSubmit_CancelBeforeBroadcastReturnsSequence(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID)
	client.SetAccount("alice", 1, 8)
	seq := sequencer.New(sequencer.WithSource(client))
	m, _ := newManager(t, testConfig(), client, lifecycle.WithSequencer(seq))

	held, err := seq.Lease(context.Background(), chain.Account{ChainID: chainID, Address: "alice"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Submit(ctx, testIntent(), chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, client.Broadcasts())

	held.Release()
	assert.Equal(t, uint64(8), peek(t, m, "alice"))
}

func TestSubmit_CancelAfterBroadcastIsStatusUnknown(t *testing.T) {
	t.Parallel()

	client := chaintest.New(chainID, chaintest.WithInclusionDelay(1_000_000))
	client.SetAccount("alice", 1, 2)
	m, _ := newManager(t, testConfig(), client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := m.Submit(ctx, testIntent(), chaintest.NewSigner("alice"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "status unknown")
	assert.Equal(t, chain.StatePending, res.Status.State)
	assert.NotEmpty(t, res.Hash)

	var txErr *chain.TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, chain.StatePending, txErr.State)
	assert.Equal(t, uint64(3), peek(t, m, "alice"))
}

// -------------------------------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------------------------------

func TestConfig_Policy(t *testing.T) {
	t.Parallel()

	policy := lifecycle.DefaultConfig().Policy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))

	cfg := lifecycle.DefaultConfig()
	cfg.MaxAttempts = 0
	_, err := lifecycle.New(cfg)
	require.Error(t, err)

	cfg = lifecycle.DefaultConfig()
	cfg.ConfirmTimeout = time.Millisecond
	_, err = lifecycle.New(cfg)
	require.Error(t, err)
}
