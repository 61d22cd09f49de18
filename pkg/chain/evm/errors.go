package evm

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

// errAlreadyKnown marks a rebroadcast of bytes the node already holds.
var errAlreadyKnown = errors.New("already known")

var networkMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"too many requests",
	"txpool is full",
}

// classifyError maps a go-ethereum error onto the taxonomy. Node errors are matched on the message
// geth and most clients return. Anything unrecognized is wrapped with fallback, or returned
// unclassified when fallback is nil.
func classifyError(err error, op string, fallback error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, op)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return chain.Wrap(errAlreadyKnown, err, op)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"):
		return chain.Wrap(chain.ErrSequenceConflict, err, op)
	case strings.Contains(msg, "insufficient funds"):
		return chain.Wrap(chain.ErrInsufficientFunds, err, op)
	case isNetworkError(err, msg):
		return chain.Wrap(chain.ErrNetwork, err, op)
	}
	if fallback == nil {
		return eris.Wrap(err, op)
	}
	return chain.Wrap(fallback, err, op)
}

func isNetworkError(err error, msg string) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, m := range networkMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isRPCError reports whether the node answered with a JSON-RPC error object.
func isRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}
