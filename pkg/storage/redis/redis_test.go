package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/storage"
)

func setupMiniredis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	store := NewFromClient(client, "test:", ttl)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return mr, store
}

func makeSession(id, conversationID string, at time.Time) *api.Session {
	return &api.Session{
		ID:             id,
		ConversationID: conversationID,
		CreatedAt:      at,
		LastUsedAt:     at,
	}
}

func TestCreateAndGet(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := makeSession("sess_rdtest000001", "conv-1", now)
	sess.LastResult = &api.ExecutionResult{Stdout: "hi\n", Succeeded: true}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.GetByConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetByConversation failed: %v", err)
	}
	if got.ID != "sess_rdtest000001" {
		t.Errorf("ID = %q, want %q", got.ID, "sess_rdtest000001")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if got.LastResult == nil || got.LastResult.Stdout != "hi\n" {
		t.Errorf("LastResult = %+v, want stdout %q", got.LastResult, "hi\n")
	}

	byID, err := store.GetByID(ctx, "sess_rdtest000001")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if byID.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want %q", byID.ConversationID, "conv-1")
	}
}

func TestGetNotFound(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	if _, err := store.GetByConversation(ctx, "conv-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetByID(ctx, "sess_missing00000"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateConflict(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	store.Create(ctx, makeSession("sess_rdaaaaaaaaaa", "conv-1", time.Now()))

	err := store.Create(ctx, makeSession("sess_rdbbbbbbbbbb", "conv-1", time.Now()))
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateReindexesSessionID(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	sess := makeSession("sess_rdaaaaaaaaaa", "conv-1", time.Now())
	store.Create(ctx, sess)

	sess.ID = "sess_rdbbbbbbbbbb"
	sess.ExecutionCount = 2
	if err := store.Update(ctx, sess); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := store.GetByID(ctx, "sess_rdaaaaaaaaaa"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old session ID should be gone, got %v", err)
	}
	got, err := store.GetByID(ctx, "sess_rdbbbbbbbbbb")
	if err != nil {
		t.Fatalf("GetByID(new) failed: %v", err)
	}
	if got.ExecutionCount != 2 {
		t.Errorf("ExecutionCount = %d, want 2", got.ExecutionCount)
	}
}

func TestUpdateNotFound(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	err := store.Update(ctx, makeSession("sess_rdaaaaaaaaaa", "conv-missing", time.Now()))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()

	store.Create(ctx, makeSession("sess_rdaaaaaaaaaa", "conv-1", time.Now()))

	if err := store.Delete(ctx, "conv-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.GetByConversation(ctx, "conv-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.GetByID(ctx, "sess_rdaaaaaaaaaa"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("session ID index should be purged, got %v", err)
	}
	if err := store.Delete(ctx, "conv-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestList(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	base := time.Now().UTC().Truncate(time.Millisecond)

	ctxA := storage.SetTenant(context.Background(), "tenant-a")
	ctxB := storage.SetTenant(context.Background(), "tenant-b")

	store.Create(ctxA, makeSession("sess_rdlist000001", "conv-1", base))
	store.Create(ctxA, makeSession("sess_rdlist000002", "conv-2", base.Add(time.Second)))
	store.Create(ctxB, makeSession("sess_rdlist000003", "conv-3", base.Add(2*time.Second)))

	got, err := store.List(ctxA)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(List(tenant-a)) = %d, want 2", len(got))
	}
	if got[0].ID != "sess_rdlist000001" || got[1].ID != "sess_rdlist000002" {
		t.Errorf("list order = [%s %s], want oldest first", got[0].ID, got[1].ID)
	}

	all, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(List(all)) = %d, want 3", len(all))
	}
}

func TestDeleteExpired(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	ctx := context.Background()
	base := time.Now().UTC()

	store.Create(ctx, makeSession("sess_rdexp0000001", "conv-old", base.Add(-time.Hour)))
	store.Create(ctx, makeSession("sess_rdexp0000002", "conv-fresh", base))

	removed, err := store.DeleteExpired(ctx, base.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "sess_rdexp0000001" {
		t.Fatalf("removed = %+v, want the stale session only", removed)
	}

	if _, err := store.GetByConversation(ctx, "conv-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale session should be gone, got %v", err)
	}
	if _, err := store.GetByID(ctx, "sess_rdexp0000001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale session ID should be gone, got %v", err)
	}
	if _, err := store.GetByConversation(ctx, "conv-fresh"); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	_, store := setupMiniredis(t, 0)

	ctxA := storage.SetTenant(context.Background(), "tenant-a")
	ctxB := storage.SetTenant(context.Background(), "tenant-b")

	// The same conversation ID in two tenants binds two distinct sessions.
	if err := store.Create(ctxA, makeSession("sess_rdten0000001", "conv-shared", time.Now())); err != nil {
		t.Fatalf("Create(tenant-a) failed: %v", err)
	}
	if err := store.Create(ctxB, makeSession("sess_rdten0000002", "conv-shared", time.Now())); err != nil {
		t.Fatalf("Create(tenant-b) failed: %v", err)
	}

	gotA, err := store.GetByConversation(ctxA, "conv-shared")
	if err != nil {
		t.Fatalf("GetByConversation(tenant-a) failed: %v", err)
	}
	if gotA.ID != "sess_rdten0000001" {
		t.Errorf("tenant-a session = %q, want sess_rdten0000001", gotA.ID)
	}

	// Tenant B cannot address tenant A's session by ID.
	if _, err := store.GetByID(ctxB, "sess_rdten0000001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("tenant B should not see tenant A's session, got %v", err)
	}

	// No tenant sees all session IDs (single-tenant mode).
	if _, err := store.GetByID(context.Background(), "sess_rdten0000001"); err != nil {
		t.Errorf("no-tenant lookup by ID should succeed: %v", err)
	}
}

func TestSessionTTL(t *testing.T) {
	mr, store := setupMiniredis(t, time.Minute)
	ctx := context.Background()

	store.Create(ctx, makeSession("sess_rdttl0000001", "conv-1", time.Now()))

	// Before the TTL elapses the session is visible.
	if _, err := store.GetByConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("GetByConversation failed: %v", err)
	}

	// After the TTL both the session and its ID index expire.
	mr.FastForward(2 * time.Minute)

	if _, err := store.GetByConversation(ctx, "conv-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
	if _, err := store.GetByID(ctx, "sess_rdttl0000001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestUpdateSlidesTTL(t *testing.T) {
	mr, store := setupMiniredis(t, time.Minute)
	ctx := context.Background()

	sess := makeSession("sess_rdttl0000002", "conv-1", time.Now())
	store.Create(ctx, sess)

	// Touch the session just before expiry; the TTL starts over.
	mr.FastForward(50 * time.Second)
	sess.ExecutionCount = 1
	sess.LastUsedAt = time.Now()
	if err := store.Update(ctx, sess); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	mr.FastForward(50 * time.Second)
	if _, err := store.GetByConversation(ctx, "conv-1"); err != nil {
		t.Errorf("session should survive a slid TTL: %v", err)
	}

	mr.FastForward(time.Minute)
	if _, err := store.GetByConversation(ctx, "conv-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	mr, store := setupMiniredis(t, 0)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}

	mr.Close()
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail once the server is gone")
	}
}
