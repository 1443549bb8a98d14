package storage

import (
	"context"
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// SessionStore is the persistence interface for execution sessions.
//
// Keyed operations (Create, Update, GetByConversation, Delete) scope by
// the tenant carried in the context (see SetTenant); an unset tenant is
// the single-tenant bucket. GetByID looks up by the globally unique
// session identifier and only filters by tenant when one is set. List
// returns the context tenant's sessions, or every tenant's sessions
// when no tenant is set. DeleteExpired always spans all tenants.
//
// Implementations must be safe for concurrent use and must return
// defensive copies: callers may mutate returned sessions freely. The
// registry serializes resolve/record/clear within one process, but
// Create must still reject a second session for a conversation so that
// replicas sharing a store cannot mint two.
type SessionStore interface {
	// Create persists a new session. It returns ErrConflict when the
	// conversation already has one.
	Create(ctx context.Context, session *api.Session) error

	// Update overwrites an existing session. It returns ErrNotFound when
	// the conversation has none.
	Update(ctx context.Context, session *api.Session) error

	// GetByConversation returns the session bound to a conversation.
	GetByConversation(ctx context.Context, conversationID string) (*api.Session, error)

	// GetByID returns a session by its session identifier.
	GetByID(ctx context.Context, sessionID string) (*api.Session, error)

	// Delete removes the session bound to a conversation. It returns
	// ErrNotFound when the conversation has none.
	Delete(ctx context.Context, conversationID string) error

	// List returns sessions ordered by creation time, oldest first.
	List(ctx context.Context) ([]*api.Session, error)

	// DeleteExpired removes every session whose last use predates the
	// cutoff and returns the removed sessions.
	DeleteExpired(ctx context.Context, cutoff time.Time) ([]*api.Session, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
