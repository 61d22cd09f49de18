// Package chaintest provides an in-memory chain.Client whose behavior tests can script.
package chaintest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

var _ chain.Client = (*Client)(nil)

// Client simulates a chain with per-account sequences, a mempool that admits a transaction only at
// the expected sequence, and inclusion after a configurable number of polls.
type Client struct {
	mu sync.Mutex

	chainID      string
	pollInterval time.Duration
	height       int64

	accounts map[string]*account
	txs      map[string]*tx

	broadcasts    []chain.SignedTx
	broadcastErrs []error
	lostResponses []error
	pollErrs      []error
	polls         int
	strictSim     bool
	usedNonce     bool
	buildErr      error
	simulateGas   uint64
	simulateErr   error
	fetchErr      error
	fetches       int
	delay         int
	resultCode    uint32
	events        func(chain.SignedTx) []chain.Event
	query         func(path string, params []byte) ([]byte, error)
	onBroadcast   func(chain.SignedTx)
}

type account struct {
	number   uint64
	sequence uint64
}

type tx struct {
	signed    chain.SignedTx
	remaining int
	status    chain.ConfirmationStatus
}

type Option func(*Client)

// WithPollInterval sets how long PollConfirmation waits between checks.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithInclusionDelay sets how many status checks a transaction stays pending for.
func WithInclusionDelay(polls int) Option {
	return func(c *Client) {
		c.delay = polls
	}
}

// WithStrictSimulate makes Simulate reject an account whose sequence differs from the chain's, the
// way the Cosmos ante handler does during simulation.
func WithStrictSimulate() Option {
	return func(c *Client) {
		c.strictSim = true
	}
}

// WithUsedNonceRejection makes a resend of an admitted transaction fail with a sequence conflict,
// the way EVM nodes answer "nonce too low" once the nonce is taken. By default the resend is
// accepted as a duplicate.
func WithUsedNonceRejection() Option {
	return func(c *Client) {
		c.usedNonce = true
	}
}

func New(chainID string, opts ...Option) *Client {
	c := &Client{
		chainID:      chainID,
		pollInterval: time.Millisecond,
		height:       1,
		accounts:     make(map[string]*account),
		txs:          make(map[string]*tx),
		simulateGas:  100_000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// -------------------------------------------------------------------------------------------------
// Scripting
// -------------------------------------------------------------------------------------------------

// SetAccount creates or overwrites an account's on-chain state.
func (c *Client) SetAccount(address string, number, sequence uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[address] = &account{number: number, sequence: sequence}
}

// SetSequence moves an account's on-chain sequence, as if another process had submitted.
func (c *Client) SetSequence(address string, sequence uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountLocked(address).sequence = sequence
}

// OnChainSequence returns the next sequence the chain expects from address.
func (c *Client) OnChainSequence(address string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountLocked(address).sequence
}

// FailBroadcasts queues errors returned by the next Broadcast calls, one per call.
func (c *Client) FailBroadcasts(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastErrs = append(c.broadcastErrs, errs...)
}

// LoseResponses queues errors returned by the next Broadcast calls that admit their transaction.
// The node keeps the transaction but the caller sees the error.
func (c *Client) LoseResponses(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostResponses = append(c.lostResponses, errs...)
}

// FailPolls queues errors returned by the next PollConfirmation calls, one per call.
func (c *Client) FailPolls(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollErrs = append(c.pollErrs, errs...)
}

// Polls counts PollConfirmation calls.
func (c *Client) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// FailBuild makes BuildAndSign return err.
func (c *Client) FailBuild(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buildErr = err
}

// FailSimulate makes Simulate return err.
func (c *Client) FailSimulate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simulateErr = err
}

// FailFetch makes FetchAccount return err.
func (c *Client) FailFetch(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = err
}

// SetResult controls the result code and events of included transactions.
func (c *Client) SetResult(code uint32, events func(chain.SignedTx) []chain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resultCode = code
	c.events = events
}

// HandleQuery installs the Query handler.
func (c *Client) HandleQuery(fn func(path string, params []byte) ([]byte, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.query = fn
}

// OnBroadcast is called with every admitted transaction. fn runs with the client locked and must not
// call back into it.
func (c *Client) OnBroadcast(fn func(chain.SignedTx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBroadcast = fn
}

// Broadcasts returns every transaction that reached the node, admitted or not.
func (c *Client) Broadcasts() []chain.SignedTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chain.SignedTx(nil), c.broadcasts...)
}

// Fetches counts FetchAccount calls.
func (c *Client) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Height returns the current block height.
func (c *Client) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// -------------------------------------------------------------------------------------------------
// chain.Client
// -------------------------------------------------------------------------------------------------

func (c *Client) ChainID() string {
	return c.chainID
}

func (c *Client) Query(_ context.Context, path string, params []byte) ([]byte, error) {
	c.mu.Lock()
	fn := c.query
	c.mu.Unlock()
	if fn == nil {
		return nil, eris.Errorf("no query handler for %s", path)
	}
	return fn(path, params)
}

func (c *Client) Simulate(_ context.Context, intent chain.TxIntent, acct chain.Account) (chain.GasEstimate, error) {
	if err := intent.Validate(); err != nil {
		return chain.GasEstimate{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.simulateErr != nil {
		return chain.GasEstimate{}, c.simulateErr
	}
	if c.strictSim {
		if expected := c.accountLocked(acct.Address).sequence; acct.Sequence != expected {
			return chain.GasEstimate{}, chain.Errorf(chain.ErrSequenceConflict,
				"simulation: account sequence mismatch, expected %d, got %d", expected, acct.Sequence)
		}
	}
	return chain.GasEstimate{GasUsed: c.simulateGas, GasLimit: c.simulateGas * 3 / 2}, nil
}

// BuildAndSign hashes every input into the payload, so equal inputs yield equal bytes.
func (c *Client) BuildAndSign(
	_ context.Context, intent chain.TxIntent, acct chain.Account, signer chain.Signer,
) (chain.SignedTx, error) {
	c.mu.Lock()
	buildErr := c.buildErr
	c.mu.Unlock()
	if buildErr != nil {
		return chain.SignedTx{}, buildErr
	}
	if err := intent.Validate(); err != nil {
		return chain.SignedTx{}, err
	}
	if intent.ChainID != c.chainID {
		return chain.SignedTx{}, chain.Errorf(chain.ErrBuild, "intent for %s sent to %s", intent.ChainID, c.chainID)
	}

	var doc bytes.Buffer
	doc.WriteString(c.chainID)
	doc.WriteString(signer.Address())
	doc.Write(binary.BigEndian.AppendUint64(nil, acct.Number))
	doc.Write(binary.BigEndian.AppendUint64(nil, acct.Sequence))
	doc.Write(binary.BigEndian.AppendUint64(nil, intent.Gas.Limit))
	doc.WriteString(intent.Memo)
	for _, msg := range intent.Messages {
		doc.WriteString(msg.TypeURL)
		doc.Write(msg.Value)
	}

	sig, err := signer.Sign(doc.Bytes())
	if err != nil {
		return chain.SignedTx{}, chain.Wrap(chain.ErrBuild, err, "failed to sign")
	}

	// Layout: address length | address | sequence | doc | signature.
	raw := make([]byte, 0, doc.Len()+len(sig)+64)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(signer.Address()))) //nolint:gosec // short
	raw = append(raw, signer.Address()...)
	raw = binary.BigEndian.AppendUint64(raw, acct.Sequence)
	raw = append(raw, doc.Bytes()...)
	raw = append(raw, sig...)

	hash := sha256.Sum256(raw)
	return chain.SignedTx{
		ChainID:  c.chainID,
		Raw:      raw,
		Hash:     strings.ToUpper(hex.EncodeToString(hash[:])),
		Sequence: acct.Sequence,
	}, nil
}

func (c *Client) Broadcast(_ context.Context, signed chain.SignedTx) (chain.BroadcastOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.broadcasts = append(c.broadcasts, signed)

	if len(c.broadcastErrs) > 0 {
		err := c.broadcastErrs[0]
		c.broadcastErrs = c.broadcastErrs[1:]
		if err != nil {
			return chain.BroadcastOutcome{Hash: signed.Hash, RawError: err.Error()}, err
		}
	}

	if _, ok := c.txs[signed.Hash]; ok {
		if c.usedNonce {
			return chain.BroadcastOutcome{Hash: signed.Hash, RawError: "nonce too low"},
				chain.Errorf(chain.ErrSequenceConflict, "nonce too low: %d", signed.Sequence)
		}
		return chain.BroadcastOutcome{Hash: signed.Hash, Accepted: true}, nil
	}

	addr, err := signerOf(signed.Raw)
	if err != nil {
		return chain.BroadcastOutcome{Hash: signed.Hash, Code: 2, RawError: err.Error()},
			chain.Wrap(chain.ErrBroadcastRejected, err, "tx parse error")
	}
	acct := c.accountLocked(addr)
	if signed.Sequence != acct.sequence {
		msg := "account sequence mismatch"
		return chain.BroadcastOutcome{Hash: signed.Hash, Code: 32, RawError: msg},
			chain.Errorf(chain.ErrSequenceConflict, "%s, expected %d, got %d", msg, acct.sequence, signed.Sequence)
	}

	acct.sequence++
	c.txs[signed.Hash] = &tx{signed: signed, remaining: c.delay, status: chain.Pending()}
	if c.onBroadcast != nil {
		c.onBroadcast(signed)
	}
	if len(c.lostResponses) > 0 {
		err := c.lostResponses[0]
		c.lostResponses = c.lostResponses[1:]
		return chain.BroadcastOutcome{}, err
	}
	return chain.BroadcastOutcome{Hash: signed.Hash, Accepted: true}, nil
}

func (c *Client) PollConfirmation(ctx context.Context, hash string, timeout time.Duration) (chain.ConfirmationStatus, error) {
	c.mu.Lock()
	c.polls++
	var pollErr error
	if len(c.pollErrs) > 0 {
		pollErr = c.pollErrs[0]
		c.pollErrs = c.pollErrs[1:]
	}
	c.mu.Unlock()
	if pollErr != nil {
		return chain.ConfirmationStatus{}, pollErr
	}

	deadline := time.Now().Add(timeout)
	for {
		if status := c.check(hash); status.State.Terminal() {
			return status, nil
		}
		if !time.Now().Before(deadline) {
			return chain.TimedOut(), nil
		}
		wait := min(c.pollInterval, time.Until(deadline))
		select {
		case <-ctx.Done():
			return chain.ConfirmationStatus{}, eris.Wrap(ctx.Err(), "polling aborted")
		case <-time.After(wait):
		}
	}
}

func (c *Client) check(hash string) chain.ConfirmationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.txs[hash]
	if !ok {
		return chain.Pending()
	}
	if t.status.State.Terminal() {
		return t.status
	}
	if t.remaining > 0 {
		t.remaining--
		return t.status
	}
	c.height++
	var events []chain.Event
	if c.events != nil {
		events = c.events(t.signed)
	}
	t.status = chain.Included(c.height, c.resultCode, events)
	return t.status
}

func (c *Client) FetchAccount(_ context.Context, address string) (chain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if c.fetchErr != nil {
		return chain.Account{}, c.fetchErr
	}
	acct := c.accountLocked(address)
	return chain.Account{
		ChainID:  c.chainID,
		Address:  address,
		Number:   acct.number,
		Sequence: acct.sequence,
	}, nil
}

func (c *Client) accountLocked(address string) *account {
	acct, ok := c.accounts[address]
	if !ok {
		acct = &account{}
		c.accounts[address] = acct
	}
	return acct
}

func signerOf(raw []byte) (string, error) {
	if len(raw) < 2 {
		return "", eris.New("tx too short")
	}
	n := int(binary.BigEndian.Uint16(raw))
	if len(raw) < 2+n {
		return "", eris.New("tx too short")
	}
	return string(raw[2 : 2+n]), nil
}
