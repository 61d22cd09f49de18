// Package sequencer hands out account sequences (Cosmos) and nonces (EVM) to concurrent submitters.
//
// At most one lease per account exists at a time. A lease that ends before its transaction was
// broadcast gives its sequence back. A lease that ends after broadcast never does, because the chain
// may have observed the bytes and will reject any reuse.
package sequencer

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/chainclient/pkg/assert"
	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

// Source reads an account's sequence from the chain. Every chain.Client is a Source.
type Source interface {
	ChainID() string
	FetchAccount(ctx context.Context, address string) (chain.Account, error)
}

// Sequencer is the sole authority for sequence issuance. It is safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	slots   map[string]*slot
	sources map[string]Source
	log     zerolog.Logger
}

type slot struct {
	// token has capacity one. Holding the value in it is holding the lease.
	token chan struct{}

	// baseline is the next sequence to hand out. Guarded by Sequencer.mu.
	baseline chain.Account
	seeded   bool
}

type Option func(*Sequencer)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Sequencer) {
		s.log = log
	}
}

// WithSource registers the chain a sequence is fetched from on first use.
func WithSource(src Source) Option {
	return func(s *Sequencer) {
		s.sources[src.ChainID()] = src
	}
}

func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		slots:   make(map[string]*slot),
		sources: make(map[string]Source),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSource registers src after construction.
func (s *Sequencer) AddSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ChainID()] = src
}

func (s *Sequencer) slotFor(key string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{token: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	return sl
}

func (s *Sequencer) source(chainID string) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[chainID]
	if !ok {
		return nil, eris.Errorf("no sequence source registered for chain %s", chainID)
	}
	return src, nil
}

// Lease blocks until the account is free, then returns its next sequence. The account is seeded
// from the chain the first time it is leased or after Reset.
func (s *Sequencer) Lease(ctx context.Context, account chain.Account) (*Lease, error) {
	if account.ChainID == "" || account.Address == "" {
		return nil, eris.New("account needs a chain id and an address")
	}
	sl := s.slotFor(account.Key())

	select {
	case sl.token <- struct{}{}:
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "waiting for lease on %s", account.Key())
	}

	s.mu.Lock()
	seeded := sl.seeded
	s.mu.Unlock()

	if !seeded {
		fetched, err := s.fetch(ctx, account)
		if err != nil {
			<-sl.token
			return nil, err
		}
		s.mu.Lock()
		sl.baseline = fetched
		sl.seeded = true
		s.mu.Unlock()
		s.log.Debug().
			Str("chain_id", fetched.ChainID).
			Str("account", fetched.Address).
			Uint64("sequence", fetched.Sequence).
			Msg("Seeded account sequence")
	}

	s.mu.Lock()
	current := sl.baseline
	s.mu.Unlock()

	return &Lease{s: s, slot: sl, account: current}, nil
}

func (s *Sequencer) fetch(ctx context.Context, account chain.Account) (chain.Account, error) {
	src, err := s.source(account.ChainID)
	if err != nil {
		return chain.Account{}, err
	}
	fetched, err := src.FetchAccount(ctx, account.Address)
	if err != nil {
		return chain.Account{}, eris.Wrapf(err, "failed to fetch sequence for %s", account.Key())
	}
	fetched.ChainID = account.ChainID
	fetched.Address = account.Address
	if len(fetched.PublicKey) == 0 {
		fetched.PublicKey = account.PublicKey
	}
	return fetched, nil
}

// Peek returns the next sequence that would be leased without taking a lease.
func (s *Sequencer) Peek(account chain.Account) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[account.Key()]
	if !ok || !sl.seeded {
		return 0, false
	}
	return sl.baseline.Sequence, true
}

// Reset forgets the cached sequence so the next lease reseeds from the chain. A lease in flight
// still commits, but its result is discarded at the next Lease.
func (s *Sequencer) Reset(account chain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[account.Key()]; ok {
		sl.seeded = false
	}
}

// Lease is exclusive ownership of one account's next sequence. Exactly one of Commit or Release
// ends it; later calls are no-ops.
type Lease struct {
	s    *Sequencer
	slot *slot

	mu        sync.Mutex
	account   chain.Account
	broadcast bool
	done      bool
	refreshes int
}

// Sequence is the sequence the lease holder must sign with.
func (l *Lease) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account.Sequence
}

// Account is the leased account with its sequence set to the leased value.
func (l *Lease) Account() chain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account
}

// Refreshes counts how many times Refresh succeeded on this lease.
func (l *Lease) Refreshes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes
}

// MarkBroadcast records that bytes signed with the leased sequence have left the process.
func (l *Lease) MarkBroadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcast = true
}

// Broadcast reports whether MarkBroadcast was called since the last Refresh.
func (l *Lease) Broadcast() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broadcast
}

// Refresh refetches the on-chain sequence after the chain rejected the leased one. The rejected
// bytes were never admitted, so the lease restarts from the chain's value.
func (l *Lease) Refresh(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return 0, eris.New("lease already ended")
	}

	fetched, err := l.s.fetch(ctx, l.account)
	if err != nil {
		return 0, err
	}

	l.s.log.Info().
		Str("chain_id", fetched.ChainID).
		Str("account", fetched.Address).
		Uint64("stale", l.account.Sequence).
		Uint64("sequence", fetched.Sequence).
		Msg("Refreshed account sequence")

	l.account = fetched
	l.broadcast = false
	l.refreshes++

	l.s.mu.Lock()
	l.slot.baseline = fetched
	l.slot.seeded = true
	l.s.mu.Unlock()

	return fetched.Sequence, nil
}

// Commit ends the lease after the chain accepted the transaction. The next lease gets sequence+1.
func (l *Lease) Commit() {
	l.end(true)
}

// Release ends the lease after a failure. Before broadcast the sequence is handed out again, after
// broadcast it is skipped.
func (l *Lease) Release() {
	l.end(false)
}

func (l *Lease) end(committed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true

	l.s.mu.Lock()
	if committed || l.broadcast {
		next := l.account.Sequence + 1
		assert.That(next > l.account.Sequence, "sequence overflow on %s", l.account.Key())
		if next > l.slot.baseline.Sequence {
			l.slot.baseline.Sequence = next
		}
	}
	l.s.mu.Unlock()

	<-l.slot.token
}
