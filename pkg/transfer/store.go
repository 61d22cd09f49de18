package transfer

import (
	"context"

	"github.com/rotisserie/eris"
)

// Record is what a Store keeps per transfer.
type Record struct {
	State  TransferState
	Packet Packet
}

// Store persists transfers outside the process so unfinished ones can be resumed after a
// restart. The table stays the source of truth while the process runs.
type Store interface {
	// Save writes rec. Final transfers may be expired by the store.
	Save(ctx context.Context, rec Record) error

	// Active returns every transfer that is not final.
	Active(ctx context.Context) ([]Record, error)
}

// WithStore mirrors every table write into s.
func WithStore(s Store) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// Restore loads unfinished transfers from the store into the table. Their routes must be
// registered with WithRoute before they can be resumed.
func (c *Coordinator) Restore(ctx context.Context) ([]TransferState, error) {
	if c.store == nil {
		return nil, nil
	}
	recs, err := c.store.Active(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "failed to load transfers")
	}
	out := make([]TransferState, 0, len(recs))
	for _, rec := range recs {
		if rec.State.Status.Final() {
			continue
		}
		c.table.restore(rec.State, rec.Packet)
		out = append(out, rec.State)
		if _, ok := c.route(rec.State.Route); !ok {
			c.log.Warn().
				Str("transfer_id", rec.State.ID).
				Str("route", rec.State.Route).
				Msg("Restored transfer has no registered route")
		}
	}
	c.log.Info().Int("count", len(out)).Msg("Restored transfers")
	return out, nil
}

// record writes to the table, then to the store. A store failure is logged and does not affect
// the transfer.
func (c *Coordinator) record(ctx context.Context, state TransferState, packet Packet) TransferState {
	state = c.table.put(state, packet)
	if c.store == nil {
		return state
	}
	if err := c.store.Save(context.WithoutCancel(ctx), Record{State: state, Packet: packet}); err != nil {
		c.log.Warn().Err(err).Str("transfer_id", state.ID).Msg("Failed to persist transfer")
	}
	return state
}
