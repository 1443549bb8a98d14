package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	name string
	tok  *Token
	err  error

	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Token(_ context.Context, audience string) (*Token, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tok := *f.tok
	tok.Audience = audience
	return &tok, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestTokenValidAt(t *testing.T) {
	now := time.Now()
	margin := 5 * time.Minute

	tests := []struct {
		name string
		tok  *Token
		want bool
	}{
		{"nil token", nil, false},
		{"empty value", &Token{ExpiresAt: now.Add(time.Hour)}, false},
		{"fresh", &Token{Value: "t", ExpiresAt: now.Add(time.Hour)}, true},
		{"inside margin", &Token{Value: "t", ExpiresAt: now.Add(2 * time.Minute)}, false},
		{"expired", &Token{Value: "t", ExpiresAt: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tok.ValidAt(now, margin); got != tt.want {
				t.Errorf("ValidAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderCachesToken(t *testing.T) {
	src := &fakeSource{
		name: "fake",
		tok:  &Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)},
	}
	p := NewProvider(src, Config{})

	ctx := context.Background()
	first, err := p.GetToken(ctx, DefaultAudience)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	second, err := p.GetToken(ctx, DefaultAudience)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	if first.Value != second.Value {
		t.Errorf("cached token differs: %q vs %q", first.Value, second.Value)
	}
	if got := src.callCount(); got != 1 {
		t.Errorf("source called %d times, want 1 (second call must hit cache)", got)
	}
	if second.Audience != DefaultAudience {
		t.Errorf("Audience = %q, want %q", second.Audience, DefaultAudience)
	}
}

func TestProviderRefreshesNearExpiry(t *testing.T) {
	src := &fakeSource{
		name: "fake",
		tok:  &Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}
	p := NewProvider(src, Config{Margin: 5 * time.Minute})

	ctx := context.Background()
	if _, err := p.GetToken(ctx, DefaultAudience); err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	// Move the clock to inside the safety margin; the next call must
	// acquire fresh even though the token has not technically expired.
	p.nowFn = func() time.Time { return src.tok.ExpiresAt.Add(-time.Minute) }

	if _, err := p.GetToken(ctx, DefaultAudience); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got := src.callCount(); got != 2 {
		t.Errorf("source called %d times, want 2 (near-expiry must refresh)", got)
	}
}

func TestProviderPerAudienceCache(t *testing.T) {
	src := &fakeSource{
		name: "fake",
		tok:  &Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}
	p := NewProvider(src, Config{})

	ctx := context.Background()
	if _, err := p.GetToken(ctx, "https://a.example/.default"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if _, err := p.GetToken(ctx, "https://b.example/.default"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	if got := src.callCount(); got != 2 {
		t.Errorf("source called %d times, want 2 (one per audience)", got)
	}
}

func TestProviderInvalidate(t *testing.T) {
	src := &fakeSource{
		name: "fake",
		tok:  &Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}
	p := NewProvider(src, Config{})

	ctx := context.Background()
	if _, err := p.GetToken(ctx, DefaultAudience); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	p.Invalidate(DefaultAudience)
	if _, err := p.GetToken(ctx, DefaultAudience); err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	if got := src.callCount(); got != 2 {
		t.Errorf("source called %d times, want 2 after Invalidate", got)
	}
}

func TestProviderConcurrentAcquisition(t *testing.T) {
	src := &fakeSource{
		name: "fake",
		tok:  &Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}
	p := NewProvider(src, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GetToken(context.Background(), DefaultAudience); err != nil {
				t.Errorf("GetToken: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := src.callCount(); got != 1 {
		t.Errorf("source called %d times, want 1 (double-checked locking)", got)
	}
}

func TestProviderNoCredentialSignal(t *testing.T) {
	chain := NewChain(
		&fakeSource{name: "a", err: errors.New("not here")},
		&fakeSource{name: "b", err: ErrSourceUnavailable},
	)
	p := NewProvider(chain, Config{})

	_, err := p.GetToken(context.Background(), DefaultAudience)
	if err == nil {
		t.Fatal("GetToken = nil error, want ErrNoCredential")
	}
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("error %v should wrap ErrNoCredential", err)
	}

	if p.Available(context.Background(), DefaultAudience) {
		t.Error("Available should be false when the chain cannot produce a token")
	}
}
