package acp

import (
	"context"
	"errors"

	"maestro/internal/jsonrpc"
)

// IsRetryableError reports whether a failed handshake call is worth repeating.
// A closed connection never recovers; a worker that timed out or reported an
// internal error may still come up.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectionClosed) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == jsonrpc.InternalError
	}
	return false
}
