// Package transfer moves assets between chains and refunds them when the destination never
// receives the packet.
package transfer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

// Status is the lifecycle state of a transfer.
type Status uint8

const (
	// StatusInitiated covers the send until it is seen on chain. With SourceTx set the send was
	// broadcast but its outcome is unknown; Resume looks it up.
	StatusInitiated Status = iota
	StatusSent
	StatusAcknowledged
	StatusTimedOut
	StatusRefunded
	// StatusFailed means the send was rejected or failed in execution, so nothing is in flight.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitiated:
		return "initiated"
	case StatusSent:
		return "sent"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusTimedOut:
		return "timed_out"
	case StatusRefunded:
		return "refunded"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for st := StatusInitiated; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, eris.Errorf("unknown transfer status %q", s)
}

// Final reports whether the transfer needs no further work.
func (s Status) Final() bool {
	return s == StatusAcknowledged || s == StatusRefunded || s == StatusFailed
}

// TransferState is a snapshot of one transfer.
type TransferState struct {
	ID                string
	Route             string
	SourceChain       string
	DestChain         string
	ChannelOrBridgeID string
	PacketSequence    uint64
	Commitment        []byte
	SourceTx          string
	RefundTx          string
	Status            Status
	Deadline          time.Time
	UpdatedAt         time.Time
}

// Request describes what to move. Amount is in the source chain's base unit.
type Request struct {
	Sender   string
	Receiver string
	Amount   *big.Int
	Denom    string
	Memo     string
}

// Packet identifies what a confirmed send put in flight.
type Packet struct {
	Sequence   uint64
	Commitment []byte

	// Channel is the source channel or the bridge contract.
	Channel string

	// Timeout is the packet's own expiry, zero when it has none.
	Timeout time.Time

	// Data is route specific, e.g. the encoded IBC packet.
	Data []byte
}

// Route is one way of moving assets from a source to a destination chain.
type Route interface {
	Name() string
	Source() chain.Client
	Destination() chain.Client

	// SendIntent builds the source transaction that escrows or locks the funds.
	SendIntent(ctx context.Context, req Request) (chain.TxIntent, error)

	// ExtractPacket reads the packet out of the included send.
	ExtractPacket(status chain.ConfirmationStatus) (Packet, error)

	// Received reports whether the destination has evidence of the packet.
	Received(ctx context.Context, packet Packet) (bool, error)

	// RefundIntent builds the source transaction that returns the funds, signed by signer.
	RefundIntent(ctx context.Context, packet Packet, signer string) (chain.TxIntent, error)
}
