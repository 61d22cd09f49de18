// Package lifecycle drives a transaction intent from sequencing through confirmation.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/retry"
	"pkg.world.dev/world-engine/chainclient/pkg/sequencer"
)

const tracerName = "pkg.world.dev/world-engine/chainclient/pkg/lifecycle"

// Transition is reported to observers every time a submission changes state.
type Transition struct {
	ChainID  string
	Account  string
	Sequence uint64
	Hash     string
	From     chain.State
	To       chain.State
	At       time.Time
}

// Result describes a finished submission. Transitions lists every state entered, in order.
type Result struct {
	Hash        string
	Sequence    uint64
	Status      chain.ConfirmationStatus
	Attempts    int
	Transitions []chain.State
}

// Manager submits intents to the chains it was given. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	tracer  trace.Tracer
	seq     *sequencer.Sequencer
	sleep   retry.Sleeper
	metrics *metrics

	observer func(Transition)
	reg      prometheus.Registerer

	mu      sync.RWMutex
	clients map[string]chain.Client
}

type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithTracer sets the tracer used for submission spans. The global tracer is used otherwise.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithRegisterer publishes the manager's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.reg = reg
	}
}

// WithObserver calls fn on every state transition. fn must not block.
func WithObserver(fn func(Transition)) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// WithSleeper replaces the backoff wait, mostly for tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(m *Manager) {
		m.sleep = s
	}
}

// WithSequencer shares a sequencer with other managers or callers.
func WithSequencer(s *sequencer.Sequencer) Option {
	return func(m *Manager) {
		m.seq = s
	}
}

// WithClient registers a chain the manager can submit to.
func WithClient(c chain.Client) Option {
	return func(m *Manager) {
		m.clients[c.ChainID()] = c
	}
}

func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid lifecycle config")
	}
	m := &Manager{
		cfg:     cfg,
		log:     zerolog.Nop(),
		sleep:   retry.Sleep,
		clients: make(map[string]chain.Client),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if m.seq == nil {
		m.seq = sequencer.New(sequencer.WithLogger(m.log))
	}
	for _, c := range m.clients {
		m.seq.AddSource(c)
	}
	m.metrics = newMetrics(m.reg)
	return m, nil
}

// AddClient registers a chain after construction.
func (m *Manager) AddClient(c chain.Client) {
	m.mu.Lock()
	m.clients[c.ChainID()] = c
	m.mu.Unlock()
	m.seq.AddSource(c)
}

// Client returns the client registered for chainID.
func (m *Manager) Client(chainID string) (chain.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[chainID]
	return c, ok
}

// Sequencer returns the sequencer issuing sequences for this manager.
func (m *Manager) Sequencer() *sequencer.Sequencer {
	return m.seq
}

// Submit sequences, signs, broadcasts and confirms intent. A confirmation timeout returns both the
// TimedOut result and an error matching chain.ErrConfirmationTimeout. Any other error is a
// *chain.TxError.
func (m *Manager) Submit(ctx context.Context, intent chain.TxIntent, signer chain.Signer) (Result, error) {
	client, ok := m.Client(intent.ChainID)
	if !ok {
		return Result{}, chain.Errorf(chain.ErrBuild, "no client registered for chain %s", intent.ChainID)
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chain.id", intent.ChainID),
			attribute.String("account", signer.Address()),
		))
	defer span.End()

	s := &submission{
		m:      m,
		client: client,
		intent: intent,
		signer: signer,
		span:   span,
		state:  chain.StateUnknown,
		log: m.log.With().
			Str("chain_id", intent.ChainID).
			Str("account", signer.Address()).
			Logger(),
	}
	res, err := s.run(ctx)

	outcome := res.Status.State.String()
	if err != nil {
		outcome = chain.Classify(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, eris.ToString(err, false))
		s.log.Error().Err(err).Uint64("sequence", res.Sequence).Str("tx_hash", res.Hash).Msg("Submission failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	m.metrics.submissions.WithLabelValues(intent.ChainID, outcome).Inc()
	return res, err
}

// SubmitBatch submits intents concurrently from one signer. Results are in intent order. The
// sequencer hands out contiguous sequences, though not necessarily in intent order.
func (m *Manager) SubmitBatch(ctx context.Context, intents []chain.TxIntent, signer chain.Signer) ([]Result, error) {
	results := make([]Result, len(intents))
	var g errgroup.Group
	for i, intent := range intents {
		g.Go(func() error {
			res, err := m.Submit(ctx, intent, signer)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

func (m *Manager) notify(t Transition) {
	if m.observer != nil {
		m.observer(t)
	}
}
