package auth

import (
	"context"
	"net/http"
	"testing"
)

// stubAuthn returns a fixed result.
type stubAuthn struct {
	result Result
}

func (s *stubAuthn) Authenticate(_ context.Context, _ *http.Request) Result {
	return s.result
}

func yes(subject string) *stubAuthn {
	return &stubAuthn{result: Result{Decision: Yes, Identity: &Identity{Subject: subject}}}
}

func no() *stubAuthn {
	return &stubAuthn{result: Result{Decision: No, Err: ErrUnauthenticated}}
}

func abstain() *stubAuthn {
	return &stubAuthn{result: Result{Decision: Abstain}}
}

func TestChain(t *testing.T) {
	tests := []struct {
		name           string
		authenticators []Authenticator
		defaultYes     bool
		wantDecision   Decision
		wantSubject    string
	}{
		{
			name:           "first yes stops the chain",
			authenticators: []Authenticator{yes("alice"), no()},
			wantDecision:   Yes,
			wantSubject:    "alice",
		},
		{
			name:           "first no stops the chain",
			authenticators: []Authenticator{no(), yes("bob")},
			wantDecision:   No,
		},
		{
			name:           "abstain falls through to yes",
			authenticators: []Authenticator{abstain(), yes("jwt-user")},
			wantDecision:   Yes,
			wantSubject:    "jwt-user",
		},
		{
			name:           "all abstain with default reject",
			authenticators: []Authenticator{abstain(), abstain()},
			wantDecision:   No,
		},
		{
			name:           "all abstain with default accept",
			authenticators: []Authenticator{abstain()},
			defaultYes:     true,
			wantDecision:   Yes,
			wantSubject:    AnonymousSubject,
		},
		{
			name:         "empty chain with default reject",
			wantDecision: No,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &Chain{Authenticators: tt.authenticators, DefaultDecision: No}
			if tt.defaultYes {
				chain.DefaultDecision = Yes
			}

			r, _ := http.NewRequest("GET", "/", nil)
			result := chain.Authenticate(context.Background(), r)

			if result.Decision != tt.wantDecision {
				t.Fatalf("Decision = %d, want %d", result.Decision, tt.wantDecision)
			}
			if tt.wantDecision == Yes && result.Identity.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", result.Identity.Subject, tt.wantSubject)
			}
			if tt.wantDecision == No && result.Err == nil {
				t.Error("rejection carries no error")
			}
		})
	}
}

func TestSessionTenant(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		want     string
	}{
		{
			name:     "explicit tenant metadata wins",
			identity: &Identity{Subject: "alice", Metadata: map[string]string{"tenant_id": "org-1"}},
			want:     "org-1",
		},
		{
			name:     "subject becomes the tenant",
			identity: &Identity{Subject: "alice"},
			want:     "alice",
		},
		{
			name:     "anonymous gets the shared bucket",
			identity: &Identity{Subject: AnonymousSubject},
			want:     "",
		},
		{
			name:     "empty tenant metadata falls back to subject",
			identity: &Identity{Subject: "bob", Metadata: map[string]string{"tenant_id": ""}},
			want:     "bob",
		},
		{
			name: "nil identity",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identity.SessionTenant(); got != tt.want {
				t.Errorf("SessionTenant() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTenantID(t *testing.T) {
	id := &Identity{Subject: "alice", Metadata: map[string]string{"tenant_id": "org-1"}}
	if id.TenantID() != "org-1" {
		t.Errorf("TenantID() = %q, want %q", id.TenantID(), "org-1")
	}

	if got := (&Identity{Subject: "bob"}).TenantID(); got != "" {
		t.Errorf("TenantID() without metadata = %q, want empty", got)
	}

	var nilID *Identity
	if nilID.TenantID() != "" {
		t.Error("TenantID() on nil identity should be empty")
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	if IdentityFromContext(ctx) != nil {
		t.Error("expected nil identity from empty context")
	}

	id := &Identity{Subject: "alice"}
	ctx = SetIdentity(ctx, id)
	got := IdentityFromContext(ctx)
	if got == nil || got.Subject != "alice" {
		t.Errorf("IdentityFromContext() = %v, want alice", got)
	}
}
