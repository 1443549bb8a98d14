package transport

import (
	"context"
	"sync"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// InFlightTracker counts executions that are currently running. The
// health endpoint reports the count, and shutdown uses Drain to wait for
// running executions to finish before stores are closed.
//
// All methods are safe for concurrent access.
type InFlightTracker struct {
	mu    sync.Mutex
	count int
	zero  chan struct{}
}

// NewInFlightTracker creates a new tracker with no executions in flight.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{}
}

// Track returns middleware that counts an execution as in flight for the
// duration of the handler call.
func (t *InFlightTracker) Track() Middleware {
	return func(next Execer) Execer {
		return ExecerFunc(func(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error) {
			t.Begin()
			defer t.End()
			return next.Execute(ctx, req)
		})
	}
}

// Begin marks one unit of work as in flight. Handlers that do not go
// through the Execer chain, such as chat, call Begin and End directly.
func (t *InFlightTracker) Begin() { t.add(1) }

// End marks one unit of work as finished.
func (t *InFlightTracker) End() { t.add(-1) }

// Count returns the number of executions currently in flight.
func (t *InFlightTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Drain blocks until all in-flight executions have completed or the
// context expires. It does not prevent new executions from starting;
// callers stop accepting work before draining.
func (t *InFlightTracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.zero == nil {
		t.zero = make(chan struct{})
	}
	zero := t.zero
	t.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InFlightTracker) add(delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += delta
	if t.count == 0 && t.zero != nil {
		close(t.zero)
		t.zero = nil
	}
}
