// Package rpc defines the boundary to the remote queue-manager process.
// The gateway is an opaque async RPC peer: callers name an operation, pass
// JSON-like parameters, and receive the manager's reply or a timeout. The
// manager's queue semantics live entirely on the other side of this
// interface.
package rpc

import (
	"context"
	"errors"
)

// ErrRequestTimeout indicates the manager did not reply within the
// gateway's deadline. Handlers map it to 408; every other gateway error
// maps to 400.
var ErrRequestTimeout = errors.New("timeout while waiting for response from the server")

// Gateway forwards one named operation to the queue manager.
type Gateway interface {
	SendRequest(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error)
}
