package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/lifecycle"
)

// Submitter runs a transaction to a terminal status. *lifecycle.Manager is one.
type Submitter interface {
	Submit(ctx context.Context, intent chain.TxIntent, signer chain.Signer) (lifecycle.Result, error)
}

// Coordinator drives transfers through send, receipt and refund. It is the only writer of its table.
type Coordinator struct {
	cfg    Config
	log    zerolog.Logger
	submit Submitter
	table  *Table
	store  Store
	now    func() time.Time

	mu       sync.Mutex
	routes   map[string]Route
	inflight map[string]struct{}
}

type Option func(*Coordinator)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithRoute registers a route so transfers on it can be resumed.
func WithRoute(r Route) Option {
	return func(c *Coordinator) {
		c.routes[r.Name()] = r
	}
}

// WithClock replaces time.Now for deadlines and archive expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(cfg Config, submit Submitter, opts ...Option) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid transfer config")
	}
	c := &Coordinator{
		cfg:    cfg,
		log:    zerolog.Nop(),
		submit: submit,
		now:      time.Now,
		routes:   make(map[string]Route),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.table = NewTable(cfg.ArchiveTTL)
	c.table.now = c.now
	return c, nil
}

// Table exposes the transfer table for reads.
func (c *Coordinator) Table() *Table {
	return c.table
}

// claim makes the caller the only one driving transfer id until release is called.
func (c *Coordinator) claim(id string) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return nil, false
	}
	c.inflight[id] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}, true
}

func (c *Coordinator) route(name string) (Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[name]
	return r, ok
}

// Start sends req over route and follows the transfer until it is acknowledged or refunded. When
// ctx ends first, or the send was broadcast but not seen on chain, the transfer stays in the table
// and can be resumed.
func (c *Coordinator) Start(ctx context.Context, route Route, req Request, signer chain.Signer) (TransferState, error) {
	c.mu.Lock()
	c.routes[route.Name()] = route
	c.mu.Unlock()

	state := TransferState{
		ID:          uuid.NewString(),
		Route:       route.Name(),
		SourceChain: route.Source().ChainID(),
		DestChain:   route.Destination().ChainID(),
		Status:      StatusInitiated,
	}
	release, _ := c.claim(state.ID)
	defer release()

	state = c.record(ctx, state, Packet{})
	log := c.log.With().Str("transfer_id", state.ID).Str("route", state.Route).Logger()
	log.Info().Str("source", state.SourceChain).Str("destination", state.DestChain).Msg("Transfer initiated")

	intent, err := route.SendIntent(ctx, req)
	if err != nil {
		return c.fail(ctx, state, Packet{}, eris.Wrap(err, "failed to build send"))
	}
	res, err := c.submit.Submit(ctx, intent, signer)
	state.SourceTx = res.Hash
	if err != nil {
		if sendInFlight(res, err) {
			state = c.record(ctx, state, Packet{})
			log.Warn().Err(err).Str("tx_hash", res.Hash).Msg("Send outcome unknown, resume to look it up")
			return state, eris.Wrap(err, "send outcome unknown")
		}
		return c.fail(ctx, state, Packet{}, eris.Wrap(err, "send did not land"))
	}
	return c.sent(ctx, route, state, res.Status, signer)
}

// sendInFlight reports whether a failed send may still land: it left the process and the chain
// neither rejected it nor reported on it.
func sendInFlight(res lifecycle.Result, err error) bool {
	if res.Hash == "" || res.Attempts == 0 {
		return false
	}
	switch res.Status.State {
	case chain.StatePending, chain.StateTimedOut:
		return true
	}
	return chain.Classify(err) == chain.KindNetworkExhausted
}

// sent moves a transfer whose send was included to Sent and follows it.
func (c *Coordinator) sent(
	ctx context.Context, route Route, state TransferState, status chain.ConfirmationStatus, signer chain.Signer,
) (TransferState, error) {
	if !status.Succeeded() {
		return c.fail(ctx, state, Packet{}, chain.Errorf(chain.ErrBroadcastRejected,
			"send included with code %d: %s", status.Code, status.Reason))
	}
	packet, err := route.ExtractPacket(status)
	if err != nil {
		return c.fail(ctx, state, Packet{}, eris.Wrap(err, "failed to read packet from send"))
	}

	state.Status = StatusSent
	state.ChannelOrBridgeID = packet.Channel
	state.PacketSequence = packet.Sequence
	state.Commitment = packet.Commitment
	state.Deadline = c.now().Add(c.cfg.PacketTimeout)
	if !packet.Timeout.IsZero() && packet.Timeout.Before(state.Deadline) {
		state.Deadline = packet.Timeout
	}
	state = c.record(ctx, state, packet)
	c.log.Info().
		Str("transfer_id", state.ID).
		Uint64("packet_sequence", packet.Sequence).
		Str("channel", packet.Channel).
		Time("deadline", state.Deadline).
		Msg("Packet sent")

	return c.follow(ctx, route, state, packet, signer)
}

// Resume continues an unfinished transfer. An Initiated transfer has its send looked up on the
// source chain first. Only one call drives a transfer at a time; a concurrent call fails.
func (c *Coordinator) Resume(ctx context.Context, id string, signer chain.Signer) (TransferState, error) {
	release, ok := c.claim(id)
	if !ok {
		return TransferState{}, eris.Errorf("transfer %s is already being driven", id)
	}
	defer release()

	state, packet, ok := c.table.lookup(id)
	if !ok {
		if state, ok := c.table.Get(id); ok {
			return state, nil
		}
		return TransferState{}, eris.Errorf("transfer %s not found", id)
	}
	route, ok := c.route(state.Route)
	if !ok {
		return state, eris.Errorf("route %s is not registered", state.Route)
	}

	switch state.Status {
	case StatusInitiated:
		return c.lookupSend(ctx, route, state, signer)
	case StatusSent:
		return c.follow(ctx, route, state, packet, signer)
	case StatusTimedOut:
		return c.refund(ctx, route, state, packet, signer)
	case StatusAcknowledged, StatusRefunded, StatusFailed:
	}
	return state, eris.Errorf("transfer %s is %s and cannot be resumed", id, state.Status)
}

// lookupSend waits up to SourceTimeout for the send of an Initiated transfer. Without a recorded
// hash there is nothing to look for and the transfer fails.
func (c *Coordinator) lookupSend(
	ctx context.Context, route Route, state TransferState, signer chain.Signer,
) (TransferState, error) {
	if state.SourceTx == "" {
		return c.fail(ctx, state, Packet{}, eris.Errorf("transfer %s has no source transaction to look up", state.ID))
	}
	status, err := route.Source().PollConfirmation(ctx, state.SourceTx, c.cfg.sourceTimeout())
	if err != nil {
		return state, eris.Wrap(err, "send outcome still unknown")
	}
	if status.State != chain.StateIncluded {
		return state, chain.Errorf(chain.ErrConfirmationTimeout, "send %s not yet included on %s",
			state.SourceTx, state.SourceChain)
	}
	c.log.Info().Str("transfer_id", state.ID).Str("tx_hash", state.SourceTx).Msg("Send found on source")
	return c.sent(ctx, route, state, status, signer)
}

// follow waits for receipt on the destination until the deadline, then refunds.
func (c *Coordinator) follow(
	ctx context.Context, route Route, state TransferState, packet Packet, signer chain.Signer,
) (TransferState, error) {
	log := c.log.With().Str("transfer_id", state.ID).Logger()
	for {
		received, err := route.Received(ctx, packet)
		switch {
		case err == nil && received:
			state.Status = StatusAcknowledged
			state = c.record(ctx, state, packet)
			log.Info().Uint64("packet_sequence", packet.Sequence).Msg("Packet received")
			return state, nil
		case err != nil && ctx.Err() != nil:
			return state, eris.Wrap(ctx.Err(), "transfer still in flight")
		case err != nil && !chain.Classify(err).Transient():
			return state, eris.Wrap(err, "failed to check packet receipt")
		case err != nil:
			log.Debug().Err(err).Msg("Transient error checking receipt")
		}

		if !c.now().Before(state.Deadline) {
			state.Status = StatusTimedOut
			state = c.record(ctx, state, packet)
			log.Warn().Time("deadline", state.Deadline).Msg("Packet timed out, refunding")
			return c.refund(ctx, route, state, packet, signer)
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return state, eris.Wrap(ctx.Err(), "transfer still in flight")
		case <-timer.C:
		}
	}
}

// refund returns the funds of a timed out transfer. On failure the transfer stays TimedOut.
func (c *Coordinator) refund(
	ctx context.Context, route Route, state TransferState, packet Packet, signer chain.Signer,
) (TransferState, error) {
	intent, err := route.RefundIntent(ctx, packet, signer.Address())
	if err != nil {
		return state, chain.Wrap(chain.ErrTransferTimeout, err, "failed to build refund")
	}
	res, err := c.submit.Submit(ctx, intent, signer)
	if res.Hash != "" {
		state.RefundTx = res.Hash
		state = c.record(ctx, state, packet)
	}
	if err != nil {
		return state, chain.Wrap(chain.ErrTransferTimeout, err, "refund did not land")
	}
	if !res.Status.Succeeded() {
		return state, chain.Errorf(chain.ErrTransferTimeout,
			"refund included with code %d: %s", res.Status.Code, res.Status.Reason)
	}

	state.Status = StatusRefunded
	state = c.record(ctx, state, packet)
	c.log.Info().Str("transfer_id", state.ID).Str("tx_hash", res.Hash).Msg("Transfer refunded")
	return state, nil
}

func (c *Coordinator) fail(ctx context.Context, state TransferState, packet Packet, err error) (TransferState, error) {
	state.Status = StatusFailed
	state = c.record(ctx, state, packet)
	c.log.Error().Err(err).Str("transfer_id", state.ID).Msg("Transfer failed")
	return state, err
}
