package chain

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/codec"
)

// Error taxonomy shared by every backend. Backends wrap one of these sentinels so callers can
// classify failures with errors.Is regardless of the wire protocol.
var (
	ErrBuild               = errors.New("build error")
	ErrEncoding            = codec.ErrEncoding
	ErrSequenceConflict    = errors.New("sequence conflict")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrNetwork             = errors.New("network error")
	ErrNetworkExhausted    = fmt.Errorf("%w: retries exhausted", ErrNetwork)
	ErrBroadcastRejected   = errors.New("broadcast rejected")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrTransferTimeout     = errors.New("transfer timeout")
)

// Kind is the taxonomy bucket of an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBuild
	KindEncoding
	KindSequenceConflict
	KindInsufficientFunds
	KindNetwork
	KindNetworkExhausted
	KindBroadcastRejected
	KindConfirmationTimeout
	KindTransferTimeout
)

func (k Kind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindEncoding:
		return "encoding"
	case KindSequenceConflict:
		return "sequence_conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNetwork:
		return "network"
	case KindNetworkExhausted:
		return "network_exhausted"
	case KindBroadcastRejected:
		return "broadcast_rejected"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindTransferTimeout:
		return "transfer_timeout"
	case KindUnknown:
	}
	return "unknown"
}

// Transient reports whether an error of this kind may succeed if the same bytes are resent.
func (k Kind) Transient() bool {
	return k == KindNetwork
}

// Classify maps err onto the taxonomy. Order matters: exhausted is checked before plain network
// errors since the former wraps the latter.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNetworkExhausted):
		return KindNetworkExhausted
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrSequenceConflict):
		return KindSequenceConflict
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrBroadcastRejected):
		return KindBroadcastRejected
	case errors.Is(err, ErrEncoding):
		return KindEncoding
	case errors.Is(err, ErrBuild):
		return KindBuild
	case errors.Is(err, ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ErrTransferTimeout):
		return KindTransferTimeout
	}
	return KindUnknown
}

// Errorf wraps a taxonomy sentinel with a formatted message and a stack trace.
func Errorf(sentinel error, format string, args ...any) error {
	return eris.Wrapf(sentinel, format, args...)
}

// Wrap attaches a taxonomy sentinel to cause. The returned error matches both.
func Wrap(sentinel error, cause error, msg string) error {
	if cause == nil {
		return eris.Wrap(sentinel, msg)
	}
	return eris.Wrap(&kindError{sentinel: sentinel, cause: cause}, msg)
}

type kindError struct {
	sentinel error
	cause    error
}

func (e *kindError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}

// TxError carries the context a caller needs to remediate a failed submission.
type TxError struct {
	ChainID  string
	Account  string
	Sequence uint64
	Hash     string
	State    State
	Err      error
}

func (e *TxError) Error() string {
	msg := fmt.Sprintf("chain %s account %s sequence %d (%s)", e.ChainID, e.Account, e.Sequence, e.State)
	if e.Hash != "" {
		msg += " tx " + e.Hash
	}
	return msg + ": " + e.Err.Error()
}

func (e *TxError) Unwrap() error {
	return e.Err
}
