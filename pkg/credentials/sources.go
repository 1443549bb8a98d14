package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Source names, used in configuration and metrics labels.
const (
	SourceWorkloadIdentity = "workload_identity"
	SourceManagedIdentity  = "managed_identity"
	SourceAzureCLI         = "azure_cli"
	SourceClientSecret     = "client_secret"
	SourceStatic           = "static"
)

const (
	defaultAuthorityHost = "https://login.microsoftonline.com"
	imdsEndpoint         = "http://169.254.169.254/metadata/identity/oauth2/token"
	imdsAPIVersion       = "2018-02-01"

	// fallbackLifetime is assumed when a token carries no parseable expiry.
	// Kept short so a stale assumption costs at most one extra acquisition.
	fallbackLifetime = 10 * time.Minute
)

// StaticSource returns a fixed pre-acquired token, for development and tests.
type StaticSource struct {
	Value string
}

// Name implements Source.
func (s *StaticSource) Name() string { return SourceStatic }

// Token implements Source. Expiry is derived from the token's exp claim when
// it parses as a JWT.
func (s *StaticSource) Token(_ context.Context, audience string) (*Token, error) {
	if s.Value == "" {
		return nil, fmt.Errorf("no static token configured: %w", ErrSourceUnavailable)
	}
	expires, ok := tokenExpiry(s.Value)
	if !ok {
		expires = time.Now().Add(fallbackLifetime)
	}
	return &Token{Value: s.Value, ExpiresAt: expires, Audience: audience}, nil
}

// ClientSecretSource acquires tokens through the OAuth2 client credentials
// grant using a service principal's tenant, client ID, and secret.
type ClientSecretSource struct {
	TenantID      string
	ClientID      string
	ClientSecret  string
	AuthorityHost string
}

// Name implements Source.
func (s *ClientSecretSource) Name() string { return SourceClientSecret }

// Token implements Source.
func (s *ClientSecretSource) Token(ctx context.Context, audience string) (*Token, error) {
	if s.TenantID == "" || s.ClientID == "" || s.ClientSecret == "" {
		return nil, fmt.Errorf("service principal env not set: %w", ErrSourceUnavailable)
	}

	cfg := clientcredentials.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		TokenURL:     tokenURL(s.AuthorityHost, s.TenantID),
		Scopes:       []string{audience},
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials grant: %w", err)
	}
	return &Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry, Audience: audience}, nil
}

// WorkloadIdentitySource exchanges a projected federated token file for an
// access token (the client assertion flow used on Kubernetes with workload
// identity federation).
type WorkloadIdentitySource struct {
	TenantID      string
	ClientID      string
	TokenFile     string
	AuthorityHost string
}

// Name implements Source.
func (s *WorkloadIdentitySource) Name() string { return SourceWorkloadIdentity }

// Token implements Source. The federated token file is re-read on every
// acquisition since the platform rotates it underneath us.
func (s *WorkloadIdentitySource) Token(ctx context.Context, audience string) (*Token, error) {
	if s.TenantID == "" || s.ClientID == "" || s.TokenFile == "" {
		return nil, fmt.Errorf("workload identity env not set: %w", ErrSourceUnavailable)
	}

	assertion, err := os.ReadFile(s.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("reading federated token file: %w", err)
	}

	cfg := clientcredentials.Config{
		ClientID: s.ClientID,
		TokenURL: tokenURL(s.AuthorityHost, s.TenantID),
		Scopes:   []string{audience},
		EndpointParams: url.Values{
			"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
			"client_assertion":      {strings.TrimSpace(string(assertion))},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("federated credentials grant: %w", err)
	}
	return &Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry, Audience: audience}, nil
}

// ManagedIdentitySource queries the instance metadata service available to
// workloads running on Azure compute.
type ManagedIdentitySource struct {
	// ClientID selects a user-assigned identity; empty uses the
	// system-assigned one.
	ClientID string

	// Endpoint overrides the IMDS URL, for tests.
	Endpoint string

	// HTTPClient defaults to a short-timeout client so the probe fails fast
	// off-platform instead of hanging the chain.
	HTTPClient *http.Client
}

// Name implements Source.
func (s *ManagedIdentitySource) Name() string { return SourceManagedIdentity }

// Token implements Source.
func (s *ManagedIdentitySource) Token(ctx context.Context, audience string) (*Token, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = imdsEndpoint
	}
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}

	q := url.Values{}
	q.Set("api-version", imdsAPIVersion)
	q.Set("resource", audienceResource(audience))
	if s.ClientID != "" {
		q.Set("client_id", s.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating IMDS request: %w", err)
	}
	req.Header.Set("Metadata", "true")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying IMDS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IMDS returned status %d", resp.StatusCode)
	}

	// IMDS serializes numeric fields as strings.
	var wire struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
		ExpiresOn   string `json:"expires_on"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("parsing IMDS response: %w", err)
	}
	if wire.AccessToken == "" {
		return nil, errors.New("IMDS response missing access_token")
	}

	expires := time.Now().Add(fallbackLifetime)
	if on, err := strconv.ParseInt(wire.ExpiresOn, 10, 64); err == nil && on > 0 {
		expires = time.Unix(on, 0)
	} else if in, err := strconv.ParseInt(wire.ExpiresIn, 10, 64); err == nil && in > 0 {
		expires = time.Now().Add(time.Duration(in) * time.Second)
	}

	return &Token{Value: wire.AccessToken, ExpiresAt: expires, Audience: audience}, nil
}

// CLISource shells out to the az CLI, covering developer machines with an
// interactive login.
type CLISource struct {
	// Path to the az binary. Default "az".
	Path string
}

// Name implements Source.
func (s *CLISource) Name() string { return SourceAzureCLI }

// Token implements Source.
func (s *CLISource) Token(ctx context.Context, audience string) (*Token, error) {
	path := s.Path
	if path == "" {
		path = "az"
	}

	cmd := exec.CommandContext(ctx, path,
		"account", "get-access-token",
		"--resource", audienceResource(audience),
		"--output", "json")

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("az CLI not installed: %w", ErrSourceUnavailable)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("az CLI failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("running az CLI: %w", err)
	}

	var wire struct {
		AccessToken string `json:"accessToken"`
		ExpiresOn   int64  `json:"expires_on"`
	}
	if err := json.Unmarshal(out, &wire); err != nil {
		return nil, fmt.Errorf("parsing az CLI output: %w", err)
	}
	if wire.AccessToken == "" {
		return nil, errors.New("az CLI output missing accessToken")
	}

	expires := time.Time{}
	if wire.ExpiresOn > 0 {
		expires = time.Unix(wire.ExpiresOn, 0)
	} else if exp, ok := tokenExpiry(wire.AccessToken); ok {
		expires = exp
	} else {
		expires = time.Now().Add(fallbackLifetime)
	}

	return &Token{Value: wire.AccessToken, ExpiresAt: expires, Audience: audience}, nil
}

// tokenExpiry derives the expiry from a JWT's exp claim without verifying the
// signature. Verification is the backend's job; we only need the timestamp
// for cache bookkeeping.
func tokenExpiry(raw string) (time.Time, bool) {
	claims := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// audienceResource strips the ".default" scope suffix to get the bare
// resource URI some token endpoints expect.
func audienceResource(audience string) string {
	return strings.TrimSuffix(audience, "/.default")
}

func tokenURL(authorityHost, tenantID string) string {
	host := authorityHost
	if host == "" {
		host = defaultAuthorityHost
	}
	return strings.TrimRight(host, "/") + "/" + tenantID + "/oauth2/v2.0/token"
}
