package chain

import (
	"fmt"
	"time"

	"pkg.world.dev/world-engine/chainclient/pkg/codec"
)

// Account is the on-chain identity that signs transactions. Sequence is the next sequence (Cosmos)
// or nonce (EVM) the chain expects. Number is the Cosmos account number and is zero on EVM.
type Account struct {
	ChainID   string
	Address   string
	PublicKey []byte
	Number    uint64
	Sequence  uint64
}

// Key identifies an account across chains.
func (a Account) Key() string {
	return a.ChainID + "/" + a.Address
}

// GasBounds bounds the fee of a transaction. Zero values mean the client simulates or falls back
// to its configured defaults.
type GasBounds struct {
	Limit      uint64
	Price      string
	Adjustment float64
}

// TxIntent describes a transaction before it is sequenced and signed. It must not be mutated after
// it is handed to a client.
type TxIntent struct {
	ChainID  string
	Messages []codec.ProtoMessage
	Gas      GasBounds
	Memo     string
	Deadline time.Time
}

// Validate performs the stateless checks shared by every backend.
func (i TxIntent) Validate() error {
	if i.ChainID == "" {
		return Errorf(ErrBuild, "intent is missing a chain id")
	}
	if len(i.Messages) == 0 {
		return Errorf(ErrBuild, "intent has no messages")
	}
	for idx, msg := range i.Messages {
		if msg.TypeURL == "" {
			return Errorf(ErrBuild, "message %d has no type url", idx)
		}
	}
	return nil
}

// WithGasLimit returns a copy of the intent with the gas limit fixed.
func (i TxIntent) WithGasLimit(limit uint64) TxIntent {
	i.Messages = append([]codec.ProtoMessage(nil), i.Messages...)
	i.Gas.Limit = limit
	return i
}

// WithEstimate returns a copy of the intent with the simulated gas limit fixed. The estimated price
// is applied only when the intent carries none.
func (i TxIntent) WithEstimate(est GasEstimate) TxIntent {
	i = i.WithGasLimit(est.GasLimit)
	if i.Gas.Price == "" {
		i.Gas.Price = est.GasPrice
	}
	return i
}

// GasEstimate is the result of a dry run. GasPrice is set by backends that price gas from the node
// at simulation time, so that signing needs no further request.
type GasEstimate struct {
	GasUsed  uint64
	GasLimit uint64
	GasPrice string
}

// SignedTx is an encoded, signed transaction ready for broadcast.
type SignedTx struct {
	ChainID  string
	Raw      []byte
	Hash     string
	Sequence uint64
}

// BroadcastOutcome reports whether a node admitted a transaction into its mempool.
type BroadcastOutcome struct {
	Hash     string
	Accepted bool
	Code     uint32
	RawError string
}

// State is a lifecycle state of a single transaction.
type State uint8

const (
	StateUnknown State = iota
	StateBuilding
	StateSigned
	StateBroadcasting
	StatePending
	StateIncluded
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSigned:
		return "signed"
	case StateBroadcasting:
		return "broadcasting"
	case StatePending:
		return "pending"
	case StateIncluded:
		return "included"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateUnknown:
		return "unknown"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateIncluded || s == StateFailed || s == StateTimedOut
}

// Attribute is a single key/value pair of an event.
type Attribute struct {
	Key   string
	Value string
}

// Event is a chain-agnostic view of a Cosmos ABCI event or an EVM receipt log.
type Event struct {
	Type       string
	Attributes []Attribute
}

// Attribute returns the first value stored under key.
func (e Event) Attribute(key string) (string, bool) {
	for _, attr := range e.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// ConfirmationStatus is what a chain reports about a broadcast transaction. An Included status
// with a non-zero Code means the transaction landed but its execution failed.
type ConfirmationStatus struct {
	State  State
	Height int64
	Code   uint32
	Reason string
	Events []Event
}

// Pending returns a non-terminal status.
func Pending() ConfirmationStatus {
	return ConfirmationStatus{State: StatePending}
}

// Included returns an Included status.
func Included(height int64, code uint32, events []Event) ConfirmationStatus {
	return ConfirmationStatus{State: StateIncluded, Height: height, Code: code, Events: events}
}

// Failed returns a Failed status.
func Failed(reason string) ConfirmationStatus {
	return ConfirmationStatus{State: StateFailed, Reason: reason}
}

// TimedOut returns a TimedOut status.
func TimedOut() ConfirmationStatus {
	return ConfirmationStatus{State: StateTimedOut, Reason: "confirmation deadline elapsed"}
}

// Succeeded reports whether the transaction was included and executed without error.
func (c ConfirmationStatus) Succeeded() bool {
	return c.State == StateIncluded && c.Code == 0
}

// EventsOfType returns the events with the given type in emission order.
func (c ConfirmationStatus) EventsOfType(typ string) []Event {
	var out []Event
	for _, ev := range c.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
