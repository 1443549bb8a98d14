package credentials

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultAudience is the token audience of the dynamic sessions backend.
const DefaultAudience = "https://dynamicsessions.io/.default"

// Sentinel errors.
var (
	// ErrNoCredential means every source in the chain failed. Callers treat
	// this as the demo-mode signal, not as a fault to propagate.
	ErrNoCredential = errors.New("no credential source available")

	// ErrSourceUnavailable marks a source that is not configured in this
	// environment (missing file, missing env vars, binary not installed).
	// The chain logs it and moves on.
	ErrSourceUnavailable = errors.New("credential source unavailable")
)

// Token is a bearer token scoped to one audience. It is held in memory for
// its validity window and never persisted.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Audience  string
}

// ValidAt reports whether the token is still usable at the given time,
// keeping a safety margin against backend clock skew.
func (t *Token) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// Source is one credential acquisition mechanism.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Token attempts to acquire a token for the audience. Returns
	// ErrSourceUnavailable when the source is not configured here; any other
	// error means the source was tried and failed. Both are non-fatal to a
	// chain.
	Token(ctx context.Context, audience string) (*Token, error)
}

// Config holds Provider settings.
type Config struct {
	// Margin is subtracted from token expiry when deciding whether the
	// cached token is still fresh. Default: 5 minutes.
	Margin time.Duration

	// AcquireTimeout bounds one acquisition attempt. Token acquisition gets
	// a shorter deadline than code execution so a hung identity endpoint
	// cannot consume the caller's whole execution budget. Default: 10s.
	AcquireTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Margin == 0 {
		c.Margin = 5 * time.Minute
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 10 * time.Second
	}
}

// Provider caches the last token per audience and refreshes through the
// underlying source when the cached value is missing or near expiry.
type Provider struct {
	source Source
	config Config

	mu     sync.RWMutex
	tokens map[string]*Token

	// nowFn is overridable for expiry tests.
	nowFn func() time.Time
}

// NewProvider creates a Provider on top of a source, usually a Chain.
func NewProvider(source Source, cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		source: source,
		config: cfg,
		tokens: make(map[string]*Token),
		nowFn:  time.Now,
	}
}

// GetToken returns a token for the audience, serving the cached value while
// it remains fresh. On a miss it acquires through the source under its own
// shorter timeout. Returns ErrNoCredential when no source can produce a
// token.
func (p *Provider) GetToken(ctx context.Context, audience string) (*Token, error) {
	now := p.nowFn()

	p.mu.RLock()
	if tok, ok := p.tokens[audience]; ok && tok.ValidAt(now, p.config.Margin) {
		p.mu.RUnlock()
		return tok, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring the write lock (another goroutine may
	// have refreshed).
	if tok, ok := p.tokens[audience]; ok && tok.ValidAt(now, p.config.Margin) {
		return tok, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	tok, err := p.source.Token(acquireCtx, audience)
	if err != nil {
		return nil, err
	}
	tok.Audience = audience

	p.tokens[audience] = tok
	return tok, nil
}

// Invalidate drops the cached token for an audience, forcing the next
// GetToken to acquire fresh. Used after the backend rejects a token that the
// cache still considered valid.
func (p *Provider) Invalidate(audience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, audience)
}

// Available probes whether any credential source can produce a token for the
// audience. Computed once at startup to set the demo-mode flag; the result
// is not cached here beyond the token cache itself.
func (p *Provider) Available(ctx context.Context, audience string) bool {
	_, err := p.GetToken(ctx, audience)
	return err == nil
}
