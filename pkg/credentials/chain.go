package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/observability"
)

// Chain evaluates sources in order; the first token wins. Every source
// failure is non-fatal and moves evaluation to the next source.
type Chain struct {
	sources []Source
}

// NewChain creates a chain over the given sources, evaluated left to right.
func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources}
}

// Name implements Source.
func (c *Chain) Name() string { return "chain" }

// Token implements Source. When all sources fail, the error wraps
// ErrNoCredential so callers can detect the demo-mode signal with errors.Is.
func (c *Chain) Token(ctx context.Context, audience string) (*Token, error) {
	for _, src := range c.sources {
		tok, err := src.Token(ctx, audience)
		if err == nil {
			observability.TokenRequestsTotal.WithLabelValues(src.Name(), "ok").Inc()
			debug.Log("credentials", "token acquired", "source", src.Name(), "audience", audience)
			return tok, nil
		}
		observability.TokenRequestsTotal.WithLabelValues(src.Name(), "error").Inc()
		debug.Log("credentials", "source failed", "source", src.Name(), "error", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("credential chain aborted: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("all %d credential sources failed: %w", len(c.sources), ErrNoCredential)
}

// Options configures the default source chain. Empty fields fall back to the
// conventional AZURE_* environment variables so deployments keep working with
// the usual platform injection.
type Options struct {
	// Order lists source names to evaluate. Valid names: workload_identity,
	// managed_identity, azure_cli, client_secret, static. Empty means the
	// default order as listed.
	Order []string

	TenantID           string
	ClientID           string
	ClientSecret       string
	FederatedTokenFile string
	StaticToken        string
	AuthorityHost      string
	CLIPath            string
}

// Default source order.
var defaultOrder = []string{
	SourceWorkloadIdentity,
	SourceManagedIdentity,
	SourceAzureCLI,
	SourceClientSecret,
	SourceStatic,
}

// NewDefaultChain builds the standard source chain from options plus the
// AZURE_* environment.
func NewDefaultChain(opts Options) (*Chain, error) {
	if opts.TenantID == "" {
		opts.TenantID = os.Getenv("AZURE_TENANT_ID")
	}
	if opts.ClientID == "" {
		opts.ClientID = os.Getenv("AZURE_CLIENT_ID")
	}
	if opts.ClientSecret == "" {
		opts.ClientSecret = os.Getenv("AZURE_CLIENT_SECRET")
	}
	if opts.FederatedTokenFile == "" {
		opts.FederatedTokenFile = os.Getenv("AZURE_FEDERATED_TOKEN_FILE")
	}
	if opts.AuthorityHost == "" {
		opts.AuthorityHost = os.Getenv("AZURE_AUTHORITY_HOST")
	}

	order := opts.Order
	if len(order) == 0 {
		order = defaultOrder
	}

	sources := make([]Source, 0, len(order))
	for _, name := range order {
		switch name {
		case SourceWorkloadIdentity:
			sources = append(sources, &WorkloadIdentitySource{
				TenantID:      opts.TenantID,
				ClientID:      opts.ClientID,
				TokenFile:     opts.FederatedTokenFile,
				AuthorityHost: opts.AuthorityHost,
			})
		case SourceManagedIdentity:
			sources = append(sources, &ManagedIdentitySource{ClientID: opts.ClientID})
		case SourceAzureCLI:
			sources = append(sources, &CLISource{Path: opts.CLIPath})
		case SourceClientSecret:
			sources = append(sources, &ClientSecretSource{
				TenantID:      opts.TenantID,
				ClientID:      opts.ClientID,
				ClientSecret:  opts.ClientSecret,
				AuthorityHost: opts.AuthorityHost,
			})
		case SourceStatic:
			sources = append(sources, &StaticSource{Value: opts.StaticToken})
		default:
			return nil, fmt.Errorf("unknown credential source %q", name)
		}
	}

	return NewChain(sources...), nil
}
