// Package noop provides an authenticator that accepts every request with
// the anonymous identity. Used when authentication is disabled.
package noop

import (
	"context"
	"net/http"

	"github.com/rbackhaus/sandkasten/pkg/auth"
)

// Authenticator always votes Yes with the anonymous identity, placing
// every caller in the single-tenant session bucket.
type Authenticator struct{}

var _ auth.Authenticator = (*Authenticator)(nil)

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.Result {
	return auth.Result{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject:     auth.AnonymousSubject,
			ServiceTier: "default",
		},
	}
}
