// Package postgres provides a PostgreSQL implementation of storage.SessionStore.
// It uses pgx/v5 for connection pooling and JSONB for the last execution result.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/storage"
)

// Store is a PostgreSQL-backed SessionStore.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements storage.SessionStore at compile time.
var _ storage.SessionStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// Create persists a new session. The (tenant, conversation) primary key
// rejects a second session for the same conversation even across
// replicas sharing this database.
func (s *Store) Create(ctx context.Context, session *api.Session) error {
	tenantID := storage.GetTenant(ctx)

	resultJSON, err := marshalResult(session.LastResult)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (
			tenant_id, conversation_id, session_id,
			created_at, last_used_at, execution_count, last_result
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		tenantID, session.ConversationID, session.ID,
		session.CreatedAt, session.LastUsedAt, session.ExecutionCount,
		nullJSON(resultJSON),
	)

	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	return nil
}

// Update overwrites the session bound to the conversation.
func (s *Store) Update(ctx context.Context, session *api.Session) error {
	tenantID := storage.GetTenant(ctx)

	resultJSON, err := marshalResult(session.LastResult)
	if err != nil {
		return err
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET session_id = $1, last_used_at = $2, execution_count = $3, last_result = $4
		WHERE tenant_id = $5 AND conversation_id = $6
	`,
		session.ID, session.LastUsedAt, session.ExecutionCount, nullJSON(resultJSON),
		tenantID, session.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// GetByConversation returns the session bound to a conversation.
func (s *Store) GetByConversation(ctx context.Context, conversationID string) (*api.Session, error) {
	tenantID := storage.GetTenant(ctx)

	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, conversation_id, session_id,
		       created_at, last_used_at, execution_count, last_result
		FROM sessions
		WHERE tenant_id = $1 AND conversation_id = $2
	`, tenantID, conversationID)

	return scanSession(row)
}

// GetByID returns a session by its session identifier. Scoped by tenant
// when a tenant is present in the context.
func (s *Store) GetByID(ctx context.Context, sessionID string) (*api.Session, error) {
	tenantID := storage.GetTenant(ctx)

	query := `
		SELECT tenant_id, conversation_id, session_id,
		       created_at, last_used_at, execution_count, last_result
		FROM sessions
		WHERE session_id = $1
	`
	args := []any{sessionID}

	if tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}

	return scanSession(s.pool.QueryRow(ctx, query, args...))
}

// Delete removes the session bound to a conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	tenantID := storage.GetTenant(ctx)

	result, err := s.pool.Exec(ctx,
		"DELETE FROM sessions WHERE tenant_id = $1 AND conversation_id = $2",
		tenantID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// List returns sessions ordered by creation time, oldest first. Scoped
// by tenant when a tenant is present in the context; lists all tenants
// otherwise.
func (s *Store) List(ctx context.Context) ([]*api.Session, error) {
	tenantID := storage.GetTenant(ctx)

	query := `
		SELECT tenant_id, conversation_id, session_id,
		       created_at, last_used_at, execution_count, last_result
		FROM sessions
	`
	var args []any

	if tenantID != "" {
		query += " WHERE tenant_id = $1"
		args = append(args, tenantID)
	}
	query += " ORDER BY created_at, session_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*api.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return sessions, nil
}

// DeleteExpired removes every session whose last use predates the cutoff,
// across all tenants, and returns the removed sessions.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) ([]*api.Session, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM sessions
		WHERE last_used_at < $1
		RETURNING tenant_id, conversation_id, session_id,
		          created_at, last_used_at, execution_count, last_result
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("deleting expired sessions: %w", err)
	}
	defer rows.Close()

	var removed []*api.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		removed = append(removed, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deleting expired sessions: %w", err)
	}

	return removed, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession reads one sessions row into an api.Session.
func scanSession(row rowScanner) (*api.Session, error) {
	var sess api.Session
	var resultJSON *[]byte

	err := row.Scan(
		&sess.Tenant, &sess.ConversationID, &sess.ID,
		&sess.CreatedAt, &sess.LastUsedAt, &sess.ExecutionCount, &resultJSON,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if resultJSON != nil {
		var r api.ExecutionResult
		if err := json.Unmarshal(*resultJSON, &r); err != nil {
			return nil, fmt.Errorf("unmarshaling last result: %w", err)
		}
		sess.LastResult = &r
	}

	return &sess, nil
}

// marshalResult serializes the last execution result for the JSONB column.
func marshalResult(r *api.ExecutionResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling last result: %w", err)
	}
	return b, nil
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	return err != nil && contains(err.Error(), "23505")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
