package executor

import (
	"context"
	"fmt"
	"strings"
)

// EndpointProvider resolves the backend base URL for one session.
// Implementations exist for a static pool endpoint (Azure dynamic sessions)
// and for per-session sandboxes claimed from a Kubernetes controller.
type EndpointProvider interface {
	// Endpoint returns the base URL to post executions to for the given
	// session. The release function must be called after the execution
	// round trip completes.
	Endpoint(ctx context.Context, sessionID string) (baseURL string, release func(), err error)
}

// StaticProvider returns one fixed pool endpoint for every session. The pool
// manager behind the URL routes to the right container using the identifier
// query parameter, so no per-session acquisition is needed.
type StaticProvider struct {
	url string
}

// NewStaticProvider validates and normalizes the pool endpoint URL.
func NewStaticProvider(endpoint string) (*StaticProvider, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("executor: endpoint URL must not be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("executor: endpoint URL %q must start with http:// or https://", endpoint)
	}
	return &StaticProvider{url: endpoint}, nil
}

// Endpoint implements EndpointProvider.
func (p *StaticProvider) Endpoint(_ context.Context, _ string) (string, func(), error) {
	return p.url, func() {}, nil // No cleanup needed for a static pool.
}
