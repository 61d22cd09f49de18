package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/retry"
	"pkg.world.dev/world-engine/chainclient/pkg/sequencer"
)

// submission is the state of one Submit call.
type submission struct {
	m      *Manager
	client chain.Client
	intent chain.TxIntent
	signer chain.Signer
	span   trace.Span
	log    zerolog.Logger

	state    chain.State
	sequence uint64
	hash     string
	result   Result
}

func (s *submission) run(ctx context.Context) (Result, error) {
	if err := s.intent.Validate(); err != nil {
		s.enter(chain.StateBuilding)
		return s.fail(err)
	}
	if !s.intent.Deadline.IsZero() && !time.Now().Before(s.intent.Deadline) {
		s.enter(chain.StateBuilding)
		return s.fail(chain.Errorf(chain.ErrBuild, "intent deadline %s already passed", s.intent.Deadline))
	}

	lease, err := s.m.seq.Lease(ctx, chain.Account{
		ChainID:   s.intent.ChainID,
		Address:   s.signer.Address(),
		PublicKey: s.signer.PubKey(),
	})
	if err != nil {
		return s.fail(err)
	}
	// No-op once committed. Before broadcast the sequence is handed out again.
	defer lease.Release()

	// A conflict from the node, whether at simulation or at broadcast, refreshes the lease once.
	// Simulation runs the ante handler, so a skipped sequence surfaces there first.
	signed, err := s.build(ctx, lease)
	for conflicts := 0; ; conflicts++ {
		if err == nil {
			if err = s.broadcast(ctx, lease, signed); err == nil {
				break
			}
		}
		if chain.Classify(err) != chain.KindSequenceConflict || conflicts > 0 {
			return s.fail(err)
		}

		stale := lease.Sequence()
		if _, err := lease.Refresh(ctx); err != nil {
			return s.fail(eris.Wrap(err, "refreshing sequence after conflict"))
		}
		s.log.Warn().
			Uint64("stale", stale).
			Uint64("sequence", lease.Sequence()).
			Msg("Sequence conflict, rebuilding")

		signed, err = s.build(ctx, lease)
	}

	lease.Commit()
	s.enter(chain.StatePending)
	return s.confirm(ctx)
}

// build simulates when needed and signs at the leased sequence.
func (s *submission) build(ctx context.Context, lease *sequencer.Lease) (chain.SignedTx, error) {
	s.enter(chain.StateBuilding)
	account := lease.Account()
	s.sequence = account.Sequence
	s.hash = ""

	intent := s.intent
	if intent.Gas.Limit == 0 {
		est, err := s.client.Simulate(ctx, intent, account)
		if err != nil {
			return chain.SignedTx{}, err
		}
		intent = intent.WithEstimate(est)
	}

	signed, err := s.client.BuildAndSign(ctx, intent, account, s.signer)
	if err != nil {
		return chain.SignedTx{}, err
	}
	s.hash = signed.Hash
	s.enter(chain.StateSigned)
	return signed, nil
}

// broadcast sends the same signed bytes until accepted or the retry policy gives up. A conflict on
// a resend may mean an earlier attempt landed although its response was lost, so the hash is looked
// up before the conflict is reported.
func (s *submission) broadcast(ctx context.Context, lease *sequencer.Lease, signed chain.SignedTx) error {
	s.enter(chain.StateBroadcasting)
	return retry.Do(ctx, s.m.cfg.Policy(), func(ctx context.Context, attempt int) error {
		s.result.Attempts++
		s.m.metrics.broadcastAttempts.WithLabelValues(s.intent.ChainID).Inc()
		lease.MarkBroadcast()

		outcome, err := s.client.Broadcast(ctx, signed)
		if err != nil {
			if attempt > 1 && chain.Classify(err) == chain.KindSequenceConflict && s.landed(ctx, signed) {
				return nil
			}
			return err
		}
		if !outcome.Accepted {
			return chain.Errorf(chain.ErrBroadcastRejected, "code %d: %s", outcome.Code, outcome.RawError)
		}
		if outcome.Hash != "" {
			s.hash = outcome.Hash
		}
		s.log.Debug().
			Uint64("sequence", signed.Sequence).
			Str("tx_hash", s.hash).
			Int("attempt", attempt).
			Msg("Transaction accepted")
		return nil
	},
		retry.WithSleeper(s.m.sleep),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			s.log.Warn().
				Err(err).
				Uint64("sequence", signed.Sequence).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Broadcast failed, retrying")
		}),
	)
}

// landed checks, for one poll interval, whether signed is already on chain.
func (s *submission) landed(ctx context.Context, signed chain.SignedTx) bool {
	status, err := s.client.PollConfirmation(ctx, signed.Hash, s.m.cfg.PollInterval)
	if err != nil || status.State != chain.StateIncluded {
		return false
	}
	s.hash = signed.Hash
	s.log.Info().
		Uint64("sequence", signed.Sequence).
		Str("tx_hash", signed.Hash).
		Msg("Earlier broadcast landed, conflict is our own transaction")
	return true
}

// confirm polls in rounds of PollInterval until the chain reports a terminal status or the
// confirmation window closes.
func (s *submission) confirm(ctx context.Context) (Result, error) {
	start := time.Now()
	deadline := start.Add(s.m.cfg.ConfirmTimeout)
	if !s.intent.Deadline.IsZero() && s.intent.Deadline.Before(deadline) {
		deadline = s.intent.Deadline
	}

	for {
		window := min(s.m.cfg.PollInterval, time.Until(deadline))
		if window <= 0 {
			break
		}
		status, err := s.client.PollConfirmation(ctx, s.hash, window)
		switch {
		case err == nil && status.State == chain.StateTimedOut:
		case err == nil && status.State.Terminal():
			s.m.metrics.confirmation.WithLabelValues(s.intent.ChainID).Observe(time.Since(start).Seconds())
			s.result.Status = status
			s.enter(status.State)
			return s.finish(), nil
		case err != nil && ctx.Err() != nil:
			return s.fail(eris.Wrap(ctx.Err(), "status unknown, transaction was broadcast"))
		case err != nil && !chain.Classify(err).Transient():
			return s.fail(eris.Wrap(err, "status unknown, transaction was broadcast"))
		case err != nil:
			s.log.Debug().Err(err).Str("tx_hash", s.hash).Msg("Transient error while confirming")
			wait := min(s.m.cfg.PollInterval, time.Until(deadline))
			if wait <= 0 {
				break
			}
			if err := s.m.sleep(ctx, wait); err != nil {
				return s.fail(eris.Wrap(err, "status unknown, transaction was broadcast"))
			}
		}
	}

	s.result.Status = chain.TimedOut()
	s.enter(chain.StateTimedOut)
	err := chain.Errorf(chain.ErrConfirmationTimeout, "not included within %s", time.Since(start).Round(time.Millisecond))
	return s.finish(), s.txError(err)
}

// enter records a state transition.
func (s *submission) enter(to chain.State) {
	from := s.state
	s.state = to
	s.result.Transitions = append(s.result.Transitions, to)
	s.span.AddEvent(to.String(), trace.WithAttributes(
		attribute.Int64("sequence", int64(s.sequence)), //nolint:gosec // sequences fit
		attribute.String("tx.hash", s.hash),
	))
	s.m.notify(Transition{
		ChainID:  s.intent.ChainID,
		Account:  s.signer.Address(),
		Sequence: s.sequence,
		Hash:     s.hash,
		From:     from,
		To:       to,
		At:       time.Now(),
	})
}

func (s *submission) finish() Result {
	s.result.Hash = s.hash
	s.result.Sequence = s.sequence
	return s.result
}

// fail ends the submission with err wrapped in a *chain.TxError. Once pending, the outcome is
// unknown and the status stays Pending.
func (s *submission) fail(err error) (Result, error) {
	if s.state == chain.StatePending {
		s.result.Status = chain.Pending()
	} else {
		s.result.Status = chain.Failed(err.Error())
	}
	return s.finish(), s.txError(err)
}

func (s *submission) txError(err error) error {
	var txErr *chain.TxError
	if errors.As(err, &txErr) {
		return err
	}
	return &chain.TxError{
		ChainID:  s.intent.ChainID,
		Account:  s.signer.Address(),
		Sequence: s.sequence,
		Hash:     s.hash,
		State:    s.state,
		Err:      err,
	}
}
