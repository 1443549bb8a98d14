// Package apikey provides an API key authenticator that validates
// bearer tokens against a static key set using SHA-256 hashing and
// constant-time comparison.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rbackhaus/sandkasten/pkg/auth"
)

// RawKeyEntry is the configuration format for one API key: the plaintext
// key and the identity it grants.
type RawKeyEntry struct {
	Key      string
	Identity auth.Identity
}

// keyEntry maps a key hash to an identity. Plaintext keys are never kept.
type keyEntry struct {
	keyHash  [32]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against a static key set.
type Authenticator struct {
	keys []keyEntry
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates an API key authenticator. Keys are hashed immediately.
func New(entries []RawKeyEntry) *Authenticator {
	a := &Authenticator{keys: make([]keyEntry, 0, len(entries))}
	for _, e := range entries {
		a.keys = append(a.keys, keyEntry{
			keyHash:  sha256.Sum256([]byte(e.Key)),
			identity: e.Identity,
		})
	}
	return a
}

// Authenticate extracts the bearer token and checks it against the key
// set. Yes on a match, No when a bearer token is present but unknown,
// Abstain when there is no Authorization header or it is not a Bearer
// scheme.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	header := r.Header.Get("Authorization")
	if header == "" {
		return auth.Result{Decision: auth.Abstain}
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	tokenHash := sha256.Sum256([]byte(token))

	for _, entry := range a.keys {
		if subtle.ConstantTimeCompare(tokenHash[:], entry.keyHash[:]) == 1 {
			// Copy so callers cannot mutate the stored identity.
			id := entry.identity
			return auth.Result{Decision: auth.Yes, Identity: &id}
		}
	}

	return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
}
