package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/transport"
)

// writerState tracks the state of an SSE stream writer.
type writerState int

const (
	writerIdle      writerState = iota // Initial state, no writes yet
	writerStreaming                    // WriteEvent has been called at least once
	writerCompleted                    // Terminal event sent
)

// terminalEvents are the event types that end a streaming chat exchange.
var terminalEvents = map[api.StreamEventType]bool{
	api.EventDone:  true,
	api.EventError: true,
}

// eventStreamWriter implements transport.StreamWriter over HTTP/SSE. Events
// are flushed as they are written; sequence numbers are the Chatter's
// responsibility, the writer serializes events as given.
type eventStreamWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu    sync.Mutex
	state writerState
}

var _ transport.StreamWriter = (*eventStreamWriter)(nil)

// newEventStreamWriter creates a StreamWriter wrapping an http.ResponseWriter.
// SSE headers are not sent until the first event is written, so a failure
// before the stream starts can still produce a plain JSON error response.
func newEventStreamWriter(w http.ResponseWriter) *eventStreamWriter {
	return &eventStreamWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// WriteEvent sends a single SSE event. The event is formatted as:
//
//	event: {type}\n
//	data: {json}\n
//	\n
//
// After a terminal event, it also sends:
//
//	data: [DONE]\n
//	\n
func (s *eventStreamWriter) WriteEvent(ctx context.Context, event api.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errors.New("cannot write event: terminal event already sent")
	}

	// First event: set SSE headers.
	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	// If this was a terminal event, send [DONE] and mark completed.
	if terminalEvents[event.Type] {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return fmt.Errorf("failed to write [DONE]: %w", err)
		}
		if err := s.rc.Flush(); err != nil {
			return fmt.Errorf("failed to flush [DONE]: %w", err)
		}
		s.state = writerCompleted
	}

	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *eventStreamWriter) Flush() error {
	return s.rc.Flush()
}

// started returns true if at least one SSE event has been written.
func (s *eventStreamWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != writerIdle
}
