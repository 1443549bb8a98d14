package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// RequestID returns middleware that assigns a unique request ID to each
// execution request. If the incoming request context already carries a
// request ID (set by the HTTP adapter from the X-Request-ID header), that
// value is used. Otherwise, a new unique ID is generated.
//
// The request ID is stored in the context and can be retrieved with
// RequestIDFromContext.
func RequestID() Middleware {
	return func(next Execer) Execer {
		return ExecerFunc(func(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error) {
			id := RequestIDFromContext(ctx)
			if id == "" {
				id = NewRequestID()
				ctx = ContextWithRequestID(ctx, id)
			}
			return next.Execute(ctx, req)
		})
	}
}

// NewRequestID creates a new unique request ID as a hex string. The HTTP
// adapter mints one per request when the client sends no X-Request-ID, so
// the same ID appears in the response header and the logs.
func NewRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
