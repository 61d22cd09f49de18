// Package chain defines the capability every blockchain backend exposes to the transaction
// lifecycle, along with the data model and error taxonomy shared by all backends.
package chain

import (
	"context"
	"time"
)

// Client is the uniform contract implemented by the Cosmos and EVM backends.
type Client interface {
	// ChainID returns the identifier the client signs for.
	ChainID() string

	// Query performs a read-only request. It never retries.
	Query(ctx context.Context, path string, params []byte) ([]byte, error)

	// Simulate dry-runs the intent as if signed by account and returns the gas it would consume.
	Simulate(ctx context.Context, intent TxIntent, account Account) (GasEstimate, error)

	// BuildAndSign produces the signed envelope for intent at account.Sequence. Identical inputs
	// produce byte-identical output.
	BuildAndSign(ctx context.Context, intent TxIntent, account Account, signer Signer) (SignedTx, error)

	// Broadcast submits signed bytes to the network.
	Broadcast(ctx context.Context, tx SignedTx) (BroadcastOutcome, error)

	// PollConfirmation blocks until hash reaches a terminal status or timeout elapses, in which
	// case it returns a TimedOut status.
	PollConfirmation(ctx context.Context, hash string, timeout time.Duration) (ConfirmationStatus, error)

	// FetchAccount reads the account's current on-chain sequence.
	FetchAccount(ctx context.Context, address string) (Account, error)
}

// Signer applies a signature with a key it owns. Each backend defines what the payload is.
type Signer interface {
	Address() string
	PubKey() []byte
	Sign(payload []byte) ([]byte, error)
}
