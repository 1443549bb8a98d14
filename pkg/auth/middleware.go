package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/observability"
	"github.com/rbackhaus/sandkasten/pkg/storage"
)

// DefaultBypassPaths lists endpoints that skip authentication.
var DefaultBypassPaths = []string{"/healthz", "/readyz", "/metrics"}

// DefaultRateLimitedPrefixes lists the route prefixes the rate limiter
// guards. Execution and chat are the expensive operations; session reads
// stay unthrottled.
var DefaultRateLimitedPrefixes = []string{"/v1/execute", "/v1/chat"}

// MiddlewareConfig controls which paths authentication and rate limiting
// apply to. The zero value uses the package defaults.
type MiddlewareConfig struct {
	// BypassPaths skip authentication entirely (exact match).
	BypassPaths []string

	// RateLimitedPrefixes restrict the limiter to matching routes.
	RateLimitedPrefixes []string
}

func (c MiddlewareConfig) bypassPaths() []string {
	if c.BypassPaths == nil {
		return DefaultBypassPaths
	}
	return c.BypassPaths
}

func (c MiddlewareConfig) rateLimitedPrefixes() []string {
	if c.RateLimitedPrefixes == nil {
		return DefaultRateLimitedPrefixes
	}
	return c.RateLimitedPrefixes
}

// Middleware creates HTTP middleware from a Chain and an optional
// RateLimiter. It checks the bypass list, runs the authentication chain,
// enforces rate limits on the configured routes, and injects the caller's
// identity and session tenant into the request context.
func Middleware(chain *Chain, limiter RateLimiter, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	bypass := make(map[string]bool)
	for _, p := range cfg.bypassPaths() {
		bypass[p] = true
	}
	limited := cfg.rateLimitedPrefixes()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)

			if result.Decision == No {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				writeError(w, http.StatusUnauthorized, api.NewInvalidRequestError("", "authentication required"))
				return
			}

			if result.Decision != Yes || result.Identity == nil {
				writeError(w, http.StatusUnauthorized, api.NewInvalidRequestError("", "authentication required"))
				return
			}

			if result.Identity.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				writeError(w, http.StatusInternalServerError, api.NewServerError("internal authentication error"))
				return
			}

			debug.Log("auth", "authentication succeeded",
				"subject", result.Identity.Subject,
				"tenant", result.Identity.SessionTenant(),
				"path", r.URL.Path,
			)

			if limiter != nil && hasAnyPrefix(r.URL.Path, limited) {
				if err := limiter.Allow(r.Context(), result.Identity); err != nil {
					slog.Warn("rate limit exceeded",
						"subject", result.Identity.Subject,
						"tier", result.Identity.ServiceTier,
						"path", r.URL.Path,
					)
					observability.RateLimitRejectedTotal.WithLabelValues(result.Identity.ServiceTier).Inc()
					writeError(w, http.StatusTooManyRequests, api.NewTooManyRequestsError("rate limit exceeded"))
					return
				}
			}

			ctx := SetIdentity(r.Context(), result.Identity)

			// Scope session storage to the caller's tenant.
			if tenant := result.Identity.SessionTenant(); tenant != "" {
				ctx = storage.SetTenant(ctx, tenant)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}
