package llm

import "encoding/json"

// Message is one turn of the conversation as the model sees it. Assistant
// messages may carry tool calls; tool messages answer one by ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is one function invocation requested by the model. Arguments is
// the raw JSON string as produced by the model; the dispatcher parses it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool describes a callable function offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one completion call.
type Request struct {
	Messages []Message
	Tools    []Tool
}

// Response is the model's answer to a completion call. Either Content or
// ToolCalls is populated, occasionally both.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Usage        Usage
}

// Usage holds token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// EventType identifies a streaming event from the model.
type EventType string

const (
	// EventTextDelta carries an increment of the assistant reply.
	EventTextDelta EventType = "text_delta"
	// EventToolCall carries one fully assembled tool call.
	EventToolCall EventType = "tool_call"
	// EventDone terminates the stream normally.
	EventDone EventType = "done"
	// EventError terminates the stream with a failure.
	EventError EventType = "error"
)

// Event is one element of a completion stream. After zero or more text
// deltas and tool calls the stream ends with exactly one done or error
// event, then the channel closes.
type Event struct {
	Type         EventType
	Delta        string
	ToolCall     *ToolCall
	FinishReason string
	Usage        *Usage
	Err          error
}

// Wire types mirroring the Chat Completions format. Content is a plain
// string: this client never sends multimodal parts, and every compatible
// backend decodes string content.

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionChunk struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
	Usage   *chatUsage        `json:"usage,omitempty"`
}

type chatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        chatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatChunkDelta struct {
	Role      string              `json:"role,omitempty"`
	Content   *string             `json:"content,omitempty"`
	ToolCalls []chatChunkToolCall `json:"tool_calls,omitempty"`
}

type chatChunkToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}
