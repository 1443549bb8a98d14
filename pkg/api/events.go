package api

// StreamEventType identifies the type of a chat streaming event.
type StreamEventType string

// Events emitted on the chat streaming surface, in order of occurrence:
// zero or more tool rounds (execution started, execution finished), then
// reply deltas, then exactly one terminal done or error event.
const (
	EventExecutionStarted  StreamEventType = "chat.execution.started"
	EventExecutionFinished StreamEventType = "chat.execution.finished"
	EventReplyDelta        StreamEventType = "chat.reply.delta"
	EventDone              StreamEventType = "chat.done"
	EventError             StreamEventType = "chat.error"
)

// StreamEvent represents a single server-sent event in a streaming chat
// exchange.
type StreamEvent struct {
	Type           StreamEventType  `json:"type"`
	SequenceNumber int              `json:"sequence_number"`
	Delta          string           `json:"delta,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	Response       *ChatResponse    `json:"response,omitempty"`
	Error          *APIError        `json:"error,omitempty"`
}
