package transport

import (
	"context"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// Execer handles the core execute operation. It is the primary handler
// contract: the implementation resolves the conversation's session, runs
// the code on the backend, and returns the canonical result.
type Execer interface {
	Execute(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error)
}

// ExecerFunc is an adapter that allows using an ordinary function
// as an Execer.
type ExecerFunc func(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error)

// Execute calls f(ctx, req).
func (f ExecerFunc) Execute(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error) {
	return f(ctx, req)
}

// Chatter handles the conversational surface. Chat runs the exchange to
// completion and returns the reply; ChatStream emits events to the writer
// as the exchange progresses and must finish with exactly one terminal
// event (chat.done or chat.error). Tools reports the tool metadata the
// chat layer dispatches, for discovery endpoints.
type Chatter interface {
	Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)
	ChatStream(ctx context.Context, req *api.ChatRequest, w StreamWriter) error
	Tools() []api.ToolInfo
}

// SessionDirectory is the transport's read and delete view of resident
// sessions. Get returns storage.ErrNotFound for unknown IDs; the clear
// operations report whether anything was removed.
type SessionDirectory interface {
	Get(ctx context.Context, sessionID string) (*api.Session, error)
	List(ctx context.Context) ([]*api.Session, error)
	Clear(ctx context.Context, conversationID string) (bool, error)
	ClearByID(ctx context.Context, sessionID string) (bool, error)
	ActiveCount(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

// StreamWriter abstracts the event sink for streaming chat. The transport
// layer creates one per request and hands it to the Chatter.
type StreamWriter interface {
	// WriteEvent sends a single streaming event. Returns an error if the
	// client has disconnected or a terminal event was already sent.
	WriteEvent(ctx context.Context, event api.StreamEvent) error

	// Flush ensures buffered data is sent to the client.
	Flush() error
}
