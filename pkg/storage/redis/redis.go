// Package redis provides a Redis implementation of storage.SessionStore
// for multi-replica deployments. Sessions are stored as JSON values with
// an optional TTL so idle bindings age out of Redis even when no reaper
// runs against this store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/storage"
)

// Config holds Redis connection and behavior settings.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password is the Redis password (optional).
	Password string

	// DB is the Redis database number.
	DB int

	// Prefix is the key prefix for all session keys (default: "sandkasten:").
	Prefix string

	// SessionTTL ages idle sessions out of Redis (0 = never expire).
	// The TTL slides on every update. Set it above the registry's idle
	// threshold so the reaper, not Redis, normally retires sessions.
	SessionTTL time.Duration

	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// Store is a Redis-backed SessionStore.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Ensure Store implements storage.SessionStore at compile time.
var _ storage.SessionStore = (*Store)(nil)

// New creates a new Redis store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sandkasten:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client, prefix: prefix, ttl: cfg.SessionTTL}, nil
}

// NewFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "sandkasten:"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Key helpers. Conversation keys embed the tenant because conversation
// IDs are caller-chosen; the ID index stands alone because session IDs
// are minted by the manager and globally unique.
func (s *Store) conversationKey(tenant, conversationID string) string {
	return s.prefix + "conv:" + tenant + "/" + conversationID
}

func (s *Store) idKey(sessionID string) string {
	return s.prefix + "id:" + sessionID
}

// Create persists a new session. Returns ErrConflict when the
// conversation already has one.
func (s *Store) Create(ctx context.Context, session *api.Session) error {
	tenantID := storage.GetTenant(ctx)

	cp := session.Clone()
	cp.Tenant = tenantID

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	convKey := s.conversationKey(tenantID, cp.ConversationID)

	ok, err := s.client.SetNX(ctx, convKey, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if !ok {
		return storage.ErrConflict
	}

	if err := s.client.Set(ctx, s.idKey(cp.ID), convKey, s.ttl).Err(); err != nil {
		return fmt.Errorf("indexing session: %w", err)
	}

	return nil
}

// Update overwrites an existing session and slides its TTL. Returns
// ErrNotFound when the conversation has none.
func (s *Store) Update(ctx context.Context, session *api.Session) error {
	tenantID := storage.GetTenant(ctx)
	convKey := s.conversationKey(tenantID, session.ConversationID)

	prev, err := s.getByKey(ctx, convKey)
	if err != nil {
		return err
	}

	cp := session.Clone()
	cp.Tenant = tenantID

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, convKey, data, s.ttl)
	if prev.ID != cp.ID {
		pipe.Del(ctx, s.idKey(prev.ID))
	}
	pipe.Set(ctx, s.idKey(cp.ID), convKey, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	return nil
}

// GetByConversation returns the session bound to a conversation.
func (s *Store) GetByConversation(ctx context.Context, conversationID string) (*api.Session, error) {
	tenantID := storage.GetTenant(ctx)
	return s.getByKey(ctx, s.conversationKey(tenantID, conversationID))
}

// GetByID returns a session by its session identifier. Scoped by tenant
// when a tenant is present in the context.
func (s *Store) GetByID(ctx context.Context, sessionID string) (*api.Session, error) {
	convKey, err := s.client.Get(ctx, s.idKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("resolving session ID: %w", err)
	}

	sess, err := s.getByKey(ctx, convKey)
	if err != nil {
		return nil, err
	}

	// Tenant scoping.
	tenantID := storage.GetTenant(ctx)
	if tenantID != "" && sess.Tenant != tenantID {
		return nil, storage.ErrNotFound
	}

	return sess, nil
}

// Delete removes the session bound to a conversation. Returns
// ErrNotFound when the conversation has none.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	tenantID := storage.GetTenant(ctx)
	convKey := s.conversationKey(tenantID, conversationID)

	sess, err := s.getByKey(ctx, convKey)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, convKey)
	pipe.Del(ctx, s.idKey(sess.ID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// List returns sessions ordered by creation time, oldest first. Scoped
// by tenant when a tenant is present in the context; lists all tenants
// otherwise.
func (s *Store) List(ctx context.Context) ([]*api.Session, error) {
	tenantID := storage.GetTenant(ctx)

	sessions := []*api.Session{}
	if err := s.scanSessions(ctx, func(sess *api.Session) error {
		if tenantID != "" && sess.Tenant != tenantID {
			return nil
		}
		sessions = append(sessions, sess)
		return nil
	}); err != nil {
		return nil, err
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
// across all tenants, and returns the removed sessions. Sessions already
// aged out by the TTL are simply absent from the scan.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) ([]*api.Session, error) {
	var removed []*api.Session
	if err := s.scanSessions(ctx, func(sess *api.Session) error {
		if !sess.LastUsedAt.Before(cutoff) {
			return nil
		}
		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.conversationKey(sess.Tenant, sess.ConversationID))
		pipe.Del(ctx, s.idKey(sess.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("deleting expired session: %w", err)
		}
		removed = append(removed, sess)
		return nil
	}); err != nil {
		return nil, err
	}

	return removed, nil
}

// HealthCheck verifies the Redis connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// getByKey fetches and decodes one session value.
func (s *Store) getByKey(ctx context.Context, key string) (*api.Session, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	var sess api.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}

	return &sess, nil
}

// scanSessions iterates all conversation keys and invokes fn per decoded
// session. Keys that vanish mid-scan (TTL expiry, concurrent delete) are
// skipped.
func (s *Store) scanSessions(ctx context.Context, fn func(*api.Session) error) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"conv:*", 100).Iterator()
	for iter.Next(ctx) {
		sess, err := s.getByKey(ctx, iter.Val())
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning sessions: %w", err)
	}

	return nil
}
