package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/storage"
	"github.com/rbackhaus/sandkasten/pkg/storage/memory"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r, err := New(memory.New(0), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error for nil store")
	}
}

func TestResolveMintsOnce(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	sess, created, err := r.Resolve(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created {
		t.Error("first resolve should create a session")
	}
	if !api.ValidateSessionID(sess.ID) {
		t.Errorf("minted ID %q is not a valid session ID", sess.ID)
	}
	if sess.ExecutionCount != 0 {
		t.Errorf("new session ExecutionCount = %d, want 0", sess.ExecutionCount)
	}

	// Consecutive resolves with no clear or reap reuse the same session.
	again, created, err := r.Resolve(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if created {
		t.Error("second resolve should reuse, not create")
	}
	if again.ID != sess.ID {
		t.Errorf("second resolve ID = %q, want %q", again.ID, sess.ID)
	}
}

func TestResolveDistinctConversations(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	a, _, _ := r.Resolve(ctx, "conv-a")
	b, _, _ := r.Resolve(ctx, "conv-b")

	if a.ID == b.ID {
		t.Errorf("different conversations share session ID %q", a.ID)
	}
}

func TestRecordExecution(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	base := time.Now()
	r.nowFn = func() time.Time { return base }

	sess, _, _ := r.Resolve(ctx, "conv-1")

	r.nowFn = func() time.Time { return base.Add(time.Minute) }
	result := &api.ExecutionResult{Stdout: "hi\n", ReturnCode: 0, Succeeded: true}

	updated, err := r.RecordExecution(ctx, sess.ID, result)
	if err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}
	if updated == nil {
		t.Fatal("RecordExecution returned nil session for a live binding")
	}
	if updated.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", updated.ExecutionCount)
	}
	if !updated.LastUsedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("LastUsedAt = %v, want %v", updated.LastUsedAt, base.Add(time.Minute))
	}
	if updated.LastResult == nil || updated.LastResult.Stdout != "hi\n" {
		t.Errorf("LastResult = %+v, want stdout %q", updated.LastResult, "hi\n")
	}

	// The update is durable, not just on the returned copy.
	got, err := r.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ExecutionCount != 1 {
		t.Errorf("stored ExecutionCount = %d, want 1", got.ExecutionCount)
	}
}

func TestRecordExecutionCountsFailedRuns(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	sess, _, _ := r.Resolve(ctx, "conv-1")

	// A non-zero return code is still a completed backend call.
	failed := &api.ExecutionResult{Stderr: "ZeroDivisionError", ReturnCode: 1}
	updated, err := r.RecordExecution(ctx, sess.ID, failed)
	if err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}
	if updated.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", updated.ExecutionCount)
	}
	if updated.LastResult.Succeeded {
		t.Error("failed run recorded as succeeded")
	}
}

func TestRecordExecutionGoneSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	sess, _, _ := r.Resolve(ctx, "conv-1")

	// The caller cleared the conversation while the backend call was in
	// flight. The record is dropped, and the session is not resurrected.
	if _, err := r.Clear(ctx, "conv-1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	updated, err := r.RecordExecution(ctx, sess.ID, &api.ExecutionResult{Succeeded: true})
	if err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}
	if updated != nil {
		t.Errorf("record against cleared session returned %+v, want nil", updated)
	}
	if _, err := r.Get(ctx, sess.ID); err == nil {
		t.Error("cleared session came back after record")
	}
}

func TestClear(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	first, _, _ := r.Resolve(ctx, "conv-1")

	cleared, err := r.Clear(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if !cleared {
		t.Error("Clear should report removal of a live session")
	}

	// Clearing again is not an error.
	cleared, err = r.Clear(ctx, "conv-1")
	if err != nil {
		t.Fatalf("second Clear failed: %v", err)
	}
	if cleared {
		t.Error("second Clear should report nothing removed")
	}

	// The next resolve mints a fresh session.
	next, created, err := r.Resolve(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created {
		t.Error("resolve after clear should create")
	}
	if next.ID == first.ID {
		t.Errorf("resolve after clear reused ID %q", first.ID)
	}
	if next.ExecutionCount != 0 {
		t.Errorf("fresh session ExecutionCount = %d, want 0", next.ExecutionCount)
	}
}

func TestClearByID(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctxA := storage.SetTenant(context.Background(), "tenant-a")

	sess, _, _ := r.Resolve(ctxA, "conv-1")

	// An operator context without a tenant can still clear by session ID.
	cleared, err := r.ClearByID(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ClearByID failed: %v", err)
	}
	if !cleared {
		t.Error("ClearByID should report removal")
	}
	if _, err := r.Get(ctxA, sess.ID); err == nil {
		t.Error("session should be gone after ClearByID")
	}

	// Unknown IDs are not an error.
	cleared, err = r.ClearByID(context.Background(), "sess_missing00000")
	if err != nil {
		t.Fatalf("ClearByID failed: %v", err)
	}
	if cleared {
		t.Error("ClearByID of unknown session should report nothing removed")
	}
}

func TestReap(t *testing.T) {
	r := newTestRegistry(t, Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	base := time.Now()
	r.nowFn = func() time.Time { return base }

	stale, _, _ := r.Resolve(ctx, "conv-stale")
	fresh, _, _ := r.Resolve(ctx, "conv-fresh")

	// Touch the fresh session late enough to survive the sweep.
	r.nowFn = func() time.Time { return base.Add(8 * time.Minute) }
	if _, err := r.RecordExecution(ctx, fresh.ID, &api.ExecutionResult{Succeeded: true}); err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}

	removed, err := r.Reap(ctx, base.Add(12*time.Minute))
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != stale.ID {
		t.Fatalf("removed = %+v, want the stale session only", removed)
	}

	if _, err := r.Get(ctx, stale.ID); err == nil {
		t.Error("stale session should be absent after reap")
	}
	if _, err := r.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh session should survive reap: %v", err)
	}

	// The stale conversation's next resolve mints a new ID.
	next, created, err := r.Resolve(ctx, "conv-stale")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !created || next.ID == stale.ID {
		t.Errorf("resolve after reap: created=%v id=%q, want fresh session", created, next.ID)
	}
}

func TestResolveReapsOpportunistically(t *testing.T) {
	r := newTestRegistry(t, Config{IdleTimeout: 10 * time.Minute})
	ctx := context.Background()

	base := time.Now()
	r.nowFn = func() time.Time { return base }

	stale, _, _ := r.Resolve(ctx, "conv-stale")

	// No explicit Reap call: resolving a different conversation later
	// sweeps the idle one out.
	r.nowFn = func() time.Time { return base.Add(time.Hour) }
	if _, _, err := r.Resolve(ctx, "conv-other"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if _, err := r.Get(ctx, stale.ID); err == nil {
		t.Error("idle session should have been reaped during resolve")
	}
}

func TestReapDisabled(t *testing.T) {
	r := newTestRegistry(t, Config{IdleTimeout: -1})
	ctx := context.Background()

	base := time.Now()
	r.nowFn = func() time.Time { return base }

	sess, _, _ := r.Resolve(ctx, "conv-1")

	removed, err := r.Reap(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed = %+v, want none with reaping disabled", removed)
	}
	if _, err := r.Get(ctx, sess.ID); err != nil {
		t.Errorf("session should survive with reaping disabled: %v", err)
	}
}

func TestConcurrentResolveSingleSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	createdCount := 0

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(slot int) {
			defer wg.Done()
			sess, created, err := r.Resolve(ctx, "conv-shared")
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			mu.Lock()
			ids[slot] = sess.ID
			if created {
				createdCount++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d sessions for one conversation, want 1", createdCount)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent resolves returned divergent IDs: %q vs %q", id, ids[0])
		}
	}
}

func TestListAndActiveCount(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	r.Resolve(ctx, "conv-1")
	r.Resolve(ctx, "conv-2")

	sessions, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("len(List) = %d, want 2", len(sessions))
	}

	count, err := r.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("ActiveCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("ActiveCount = %d, want 2", count)
	}
}

func TestTenantScopedResolve(t *testing.T) {
	r := newTestRegistry(t, Config{})

	ctxA := storage.SetTenant(context.Background(), "tenant-a")
	ctxB := storage.SetTenant(context.Background(), "tenant-b")

	a, _, _ := r.Resolve(ctxA, "conv-shared")
	b, _, _ := r.Resolve(ctxB, "conv-shared")

	if a.ID == b.ID {
		t.Errorf("tenants share session ID %q for the same conversation ID", a.ID)
	}

	countA, _ := r.ActiveCount(ctxA)
	if countA != 1 {
		t.Errorf("ActiveCount(tenant-a) = %d, want 1", countA)
	}
}
