package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/observability"
	"github.com/rbackhaus/sandkasten/pkg/storage"
)

// Registry owns all session mutation. Reads hand out copies; the store
// underneath may be shared with other replicas.
type Registry struct {
	store storage.SessionStore
	cfg   Config

	// mu serializes every resolve/record/clear read-modify-write so two
	// concurrent executes for one conversation cannot mint two sessions.
	mu sync.Mutex

	// nowFn is replaceable in tests.
	nowFn func() time.Time
}

// New creates a registry over the given store. The store must not be nil.
func New(store storage.SessionStore, cfg Config) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("registry: store must not be nil")
	}
	return &Registry{
		store: store,
		cfg:   cfg,
		nowFn: time.Now,
	}, nil
}

// Resolve returns the live session for a conversation, minting and
// registering a fresh one when none exists. Expired sessions are reaped
// first, so a conversation idle past the threshold gets a new session
// here rather than a stale one. The returned flag reports whether a
// session was created by this call.
func (r *Registry) Resolve(ctx context.Context, conversationID string) (*api.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()

	// Housekeeping must never block resolution.
	if _, err := r.reapExpiredLocked(ctx, now); err != nil {
		slog.Warn("opportunistic reap failed", "error", err)
	}

	sess, err := r.store.GetByConversation(ctx, conversationID)
	if err == nil {
		debug.Log("registry", "session reused",
			"conversation_id", conversationID,
			"session_id", sess.ID,
			"execution_count", sess.ExecutionCount)
		return sess, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("resolving session: %w", err)
	}

	sess = &api.Session{
		ID:             api.NewSessionID(),
		ConversationID: conversationID,
		Tenant:         storage.GetTenant(ctx),
		CreatedAt:      now,
		LastUsedAt:     now,
	}

	if err := r.store.Create(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A replica sharing the store won the race. Use its session.
			existing, getErr := r.store.GetByConversation(ctx, conversationID)
			if getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("registering session: %w", err)
	}

	observability.SessionsCreatedTotal.Inc()
	observability.SessionsActive.Inc()
	slog.Info("session created",
		"session_id", sess.ID,
		"conversation_id", conversationID)

	return sess, true, nil
}

// RecordExecution accounts one completed backend call against a session:
// execution count up, last use stamped, last result stored. It returns
// the updated session, or nil when the binding disappeared while the
// call was in flight (cleared or reaped; the result is dropped rather
// than resurrecting the session).
func (r *Registry) RecordExecution(ctx context.Context, sessionID string, result *api.ExecutionResult) (*api.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.store.GetByID(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		debug.Log("registry", "record dropped, session gone", "session_id", sessionID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	sess.ExecutionCount++
	sess.LastUsedAt = r.nowFn()
	sess.LastResult = result

	if err := r.store.Update(storage.SetTenant(ctx, sess.Tenant), sess); err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	debug.Log("registry", "execution recorded",
		"session_id", sessionID,
		"execution_count", sess.ExecutionCount)

	return sess, nil
}

// Clear removes the binding for a conversation. Clearing a conversation
// that has none is not an error; the next resolve simply mints fresh.
// The returned flag reports whether a session was actually removed.
func (r *Registry) Clear(ctx context.Context, conversationID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.store.Delete(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clearing session: %w", err)
	}

	observability.SessionsRemovedTotal.WithLabelValues("cleared").Inc()
	observability.SessionsActive.Dec()
	slog.Info("session cleared", "conversation_id", conversationID)

	return true, nil
}

// ClearByID removes a session addressed by its session identifier.
func (r *Registry) ClearByID(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.store.GetByID(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clearing session: %w", err)
	}

	// Delete is keyed by conversation within a tenant; address the
	// owning tenant explicitly since an operator context may carry none.
	err = r.store.Delete(storage.SetTenant(ctx, sess.Tenant), sess.ConversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clearing session: %w", err)
	}

	observability.SessionsRemovedTotal.WithLabelValues("cleared").Inc()
	observability.SessionsActive.Dec()
	slog.Info("session cleared",
		"session_id", sessionID,
		"conversation_id", sess.ConversationID)

	return true, nil
}

// Reap removes sessions idle past the configured threshold, as of now.
// Resolve invokes this opportunistically; it is exported for operators
// and tests that want an explicit sweep.
func (r *Registry) Reap(ctx context.Context, now time.Time) ([]*api.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reapExpiredLocked(ctx, now)
}

// Get returns a session by its identifier.
func (r *Registry) Get(ctx context.Context, sessionID string) (*api.Session, error) {
	return r.store.GetByID(ctx, sessionID)
}

// List returns sessions visible to the context tenant, oldest first.
func (r *Registry) List(ctx context.Context) ([]*api.Session, error) {
	return r.store.List(ctx)
}

// ActiveCount reports how many sessions the context tenant can see.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// HealthCheck reports whether the backing store is reachable.
func (r *Registry) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// reapExpiredLocked removes idle sessions. Must be called with r.mu held.
func (r *Registry) reapExpiredLocked(ctx context.Context, now time.Time) ([]*api.Session, error) {
	idle := r.cfg.idleTimeout()
	if idle <= 0 {
		return nil, nil
	}

	removed, err := r.store.DeleteExpired(ctx, now.Add(-idle))
	if err != nil {
		return nil, fmt.Errorf("reaping sessions: %w", err)
	}

	for _, sess := range removed {
		observability.SessionsRemovedTotal.WithLabelValues("reaped").Inc()
		observability.SessionsActive.Dec()
		debug.Log("registry", "session reaped",
			"session_id", sess.ID,
			"conversation_id", sess.ConversationID,
			"idle", now.Sub(sess.LastUsedAt).Round(time.Second).String())
	}
	if len(removed) > 0 {
		slog.Info("reaped idle sessions", "count", len(removed))
	}

	return removed, nil
}
