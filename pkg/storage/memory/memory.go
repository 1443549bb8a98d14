// Package memory provides an in-memory implementation of storage.SessionStore
// for testing and single-process deployments. Sessions are stored in memory
// and lost when the process restarts. Optional LRU eviction caps the number
// of tracked conversations.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/storage"
)

// key identifies a session by tenant and conversation. Conversation IDs
// are caller-chosen, so two tenants may legitimately use the same one.
type key struct {
	tenant       string
	conversation string
}

// entry holds a stored session and its LRU position.
type entry struct {
	session *api.Session
	lruElem *list.Element // position in LRU list
}

// Store is an in-memory SessionStore with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[key]*entry
	byID    map[string]key // session ID -> primary key
	lruList *list.List     // front = most recently used, back = least recently used
	maxSize int            // 0 = unlimited
}

// Ensure Store implements storage.SessionStore at compile time.
var _ storage.SessionStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently used session is
// evicted when the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[key]*entry),
		byID:    make(map[string]key),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// Create persists a new session. Returns ErrConflict when the
// conversation already has one.
func (s *Store) Create(ctx context.Context, session *api.Session) error {
	k := key{tenant: storage.GetTenant(ctx), conversation: session.ConversationID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[k]; exists {
		return storage.ErrConflict
	}

	// Evict if at capacity.
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	cp := session.Clone()
	cp.Tenant = k.tenant

	elem := s.lruList.PushFront(k)
	s.entries[k] = &entry{session: cp, lruElem: elem}
	s.byID[cp.ID] = k

	return nil
}

// Update overwrites an existing session and marks it most recently used.
// Returns ErrNotFound when the conversation has none.
func (s *Store) Update(ctx context.Context, session *api.Session) error {
	k := key{tenant: storage.GetTenant(ctx), conversation: session.ConversationID}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return storage.ErrNotFound
	}

	// A cleared and re-resolved conversation gets a fresh session ID,
	// so keep the secondary index in step.
	if e.session.ID != session.ID {
		delete(s.byID, e.session.ID)
		s.byID[session.ID] = k
	}

	cp := session.Clone()
	cp.Tenant = k.tenant
	e.session = cp
	s.lruList.MoveToFront(e.lruElem)

	return nil
}

// GetByConversation returns the session bound to a conversation.
// Returns ErrNotFound when the conversation has none.
func (s *Store) GetByConversation(ctx context.Context, conversationID string) (*api.Session, error) {
	k := key{tenant: storage.GetTenant(ctx), conversation: conversationID}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[k]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return e.session.Clone(), nil
}

// GetByID returns a session by its session identifier. Scoped by tenant
// when a tenant is present in the context.
func (s *Store) GetByID(ctx context.Context, sessionID string) (*api.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byID[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	// Tenant scoping.
	tenantID := storage.GetTenant(ctx)
	if tenantID != "" && k.tenant != tenantID {
		return nil, storage.ErrNotFound
	}

	return s.entries[k].session.Clone(), nil
}

// Delete removes the session bound to a conversation. Returns
// ErrNotFound when the conversation has none.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	k := key{tenant: storage.GetTenant(ctx), conversation: conversationID}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return storage.ErrNotFound
	}

	s.removeLocked(k, e)
	return nil
}

// List returns sessions ordered by creation time, oldest first. Scoped
// by tenant when a tenant is present in the context; lists all tenants
// otherwise.
func (s *Store) List(ctx context.Context) ([]*api.Session, error) {
	tenantID := storage.GetTenant(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*api.Session, 0, len(s.entries))
	for k, e := range s.entries {
		if tenantID != "" && k.tenant != tenantID {
			continue
		}
		sessions = append(sessions, e.session.Clone())
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	return sessions, nil
}

// DeleteExpired removes every session whose last use predates the cutoff,
// across all tenants, and returns the removed sessions.
func (s *Store) DeleteExpired(_ context.Context, cutoff time.Time) ([]*api.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*api.Session
	for k, e := range s.entries {
		if e.session.LastUsedAt.Before(cutoff) {
			removed = append(removed, e.session)
			s.removeLocked(k, e)
		}
	}

	return removed, nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored sessions across all tenants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// removeLocked drops an entry from all indexes.
// Must be called with s.mu held.
func (s *Store) removeLocked(k key, e *entry) {
	s.lruList.Remove(e.lruElem)
	delete(s.byID, e.session.ID)
	delete(s.entries, k)
}

// evictOldest removes the least recently used entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	k := back.Value.(key)
	if e, ok := s.entries[k]; ok {
		s.removeLocked(k, e)
	}
}
