package auth

import (
	"context"
	"errors"
	"net/http"
)

// Decision is one authenticator's vote on a request.
type Decision int

const (
	// Yes means credentials are valid. The chain stops and the identity
	// is used.
	Yes Decision = iota

	// No means credentials are present but invalid. The chain stops and
	// the request is rejected.
	No

	// Abstain means this authenticator cannot handle the credential type.
	// The chain moves on to the next one.
	Abstain
)

// Result carries the outcome of an authentication attempt.
type Result struct {
	Decision Decision
	Identity *Identity // populated only when Decision == Yes
	Err      error     // populated only when Decision == No
}

// AnonymousSubject is the identity subject used when authentication is
// disabled or when everything abstained in a Yes-default chain.
const AnonymousSubject = "anonymous"

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the unique caller identifier (required, non-empty).
	Subject string

	// ServiceTier selects the rate limit bucket configuration.
	ServiceTier string

	// Scopes lists the granted authorization scopes.
	Scopes []string

	// Metadata carries authenticator-specific data. The key "tenant_id"
	// overrides session tenant derivation.
	Metadata map[string]string
}

// TenantID returns the explicit tenant identifier from metadata, or "".
func (id *Identity) TenantID() string {
	if id == nil || id.Metadata == nil {
		return ""
	}
	return id.Metadata["tenant_id"]
}

// SessionTenant returns the tenant that scopes this caller's sessions.
// Explicit tenant metadata wins; otherwise each authenticated subject is
// its own tenant, so callers cannot reach each other's sessions. The
// anonymous identity gets no tenant, which is the single-tenant bucket.
func (id *Identity) SessionTenant() string {
	if id == nil {
		return ""
	}
	if t := id.TenantID(); t != "" {
		return t
	}
	if id.Subject == AnonymousSubject {
		return ""
	}
	return id.Subject
}

// Authenticator examines request credentials and votes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// Sentinel errors.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Chain evaluates authenticators in order. The first Yes or No wins; when
// every authenticator abstains, the default decision applies.
type Chain struct {
	// Authenticators are evaluated left to right.
	Authenticators []Authenticator

	// DefaultDecision applies when all authenticators abstain. Yes keeps
	// development setups open; No locks down production.
	DefaultDecision Decision
}

// Authenticate runs the chain. Stops on the first Yes or No.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, authn := range c.Authenticators {
		result := authn.Authenticate(ctx, r)
		if result.Decision != Abstain {
			return result
		}
	}

	if c.DefaultDecision == Yes {
		return Result{
			Decision: Yes,
			Identity: &Identity{Subject: AnonymousSubject, ServiceTier: "default"},
		}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// identityKey is a private type for the identity context key.
type identityKey struct{}

// SetIdentity stores the authenticated identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity. Returns nil
// when the request was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}
