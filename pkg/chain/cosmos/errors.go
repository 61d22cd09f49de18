package cosmos

import (
	"context"
	"errors"
	"strings"

	sdkerrors "github.com/cosmos/cosmos-sdk/types/errors"
	"github.com/rotisserie/eris"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

// classifyCode maps a CheckTx result onto the taxonomy. A nil result means the node holds the
// transaction in its mempool.
func classifyCode(codespace string, code uint32) error {
	if code == 0 {
		return nil
	}
	if codespace != "" && codespace != sdkerrors.RootCodespace {
		return chain.ErrBroadcastRejected
	}
	switch code {
	case sdkerrors.ErrTxInMempoolCache.ABCICode():
		return nil
	case sdkerrors.ErrWrongSequence.ABCICode():
		return chain.ErrSequenceConflict
	case sdkerrors.ErrInsufficientFunds.ABCICode(), sdkerrors.ErrInsufficientFee.ABCICode():
		return chain.ErrInsufficientFunds
	case sdkerrors.ErrMempoolIsFull.ABCICode():
		return chain.ErrNetwork
	}
	return chain.ErrBroadcastRejected
}

// classifyRPC wraps a gRPC transport error. Only the codes a retry can cure count as network errors.
func classifyRPC(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, op)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return chain.Wrap(chain.ErrNetwork, err, op)
	case codes.Canceled:
		return eris.Wrap(err, op)
	}
	return chain.Wrap(chain.ErrBroadcastRejected, err, op)
}

// classifySimulate maps a failed simulation. The node reports ante handler failures as gRPC errors
// whose message carries the SDK error text.
func classifySimulate(err error) error {
	msg := status.Convert(err).Message()
	switch {
	case strings.Contains(msg, sdkerrors.ErrWrongSequence.Error()):
		return chain.Wrap(chain.ErrSequenceConflict, err, "simulation failed")
	case strings.Contains(msg, sdkerrors.ErrInsufficientFunds.Error()),
		strings.Contains(msg, sdkerrors.ErrInsufficientFee.Error()):
		return chain.Wrap(chain.ErrInsufficientFunds, err, "simulation failed")
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return chain.Wrap(chain.ErrNetwork, err, "simulation failed")
	}
	return chain.Wrap(chain.ErrBuild, err, "simulation failed")
}
