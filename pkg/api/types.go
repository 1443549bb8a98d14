package api

import (
	"encoding/json"
	"time"
)

// ExecutionResult is the canonical outcome of one code execution, independent
// of which response shape the backend produced. Stdout and Stderr are always
// present (empty string when the stream was empty, never absent), and
// Succeeded is derived from ReturnCode alone: a non-zero return code means the
// code failed inside the sandbox, which is still a completed round trip.
type ExecutionResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ReturnCode      int    `json:"return_code"`
	Succeeded       bool   `json:"succeeded"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`

	// Simulated marks results synthesized in demo mode, when no credential
	// source is available and nothing was sent to a real backend.
	Simulated bool `json:"simulated,omitempty"`
}

// Session is one isolated execution context the caller maintains continuity
// with. The registry owns all mutation; everything handed outward is a copy.
type Session struct {
	ID             string           `json:"session_id"`
	ConversationID string           `json:"conversation_id"`
	Tenant         string           `json:"tenant,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	LastUsedAt     time.Time        `json:"last_used_at"`
	ExecutionCount int              `json:"execution_count"`
	LastResult     *ExecutionResult `json:"last_result,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastResult != nil {
		r := *s.LastResult
		c.LastResult = &r
	}
	return &c
}

// ExecuteRequest is the inbound contract for one code execution.
// ConversationID is the caller's continuity key; executions with the same
// conversation ID reuse the same isolated context until it is cleared or
// expires. TimeoutSeconds defaults to DefaultTimeoutSeconds when zero.
type ExecuteRequest struct {
	ConversationID string `json:"conversation_id"`
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ExecuteResponse carries the canonical result back to the caller, annotated
// with the session it ran in. ResponseText is a display-ready rendering of
// the outcome (stdout, stderr, failure note); callers that want structure use
// the embedded fields directly.
type ExecuteResponse struct {
	ResponseText   string `json:"response_text"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	ExecutionCount int    `json:"execution_count"`
	ExecutionResult
}

// ChatMessage is one turn of a conversation passed to the chat surface.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatRequest asks the agent to produce a reply, executing code along the way
// when the model calls for it. The caller supplies the history; the service
// keeps no chat transcript of its own.
type ChatRequest struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []ChatMessage `json:"messages"`
}

// ChatResponse is the agent's reply. SessionID and ExecutionCount are set
// when at least one tool call executed code during this exchange. Demo marks
// replies produced without a configured model.
type ChatResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	SessionID      string `json:"session_id,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty"`
	ToolTurns      int    `json:"tool_turns,omitempty"`
	Demo           bool   `json:"demo,omitempty"`
}

// SessionListResponse wraps the session listing endpoint's payload.
type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
	Count    int       `json:"count"`
}

// ToolInfo describes one tool the agent can call, in the JSON-schema form
// models and MCP hosts consume.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolListResponse wraps the tool listing endpoint's payload.
type ToolListResponse struct {
	Tools []ToolInfo `json:"tools"`
	Count int        `json:"count"`
}

// HealthResponse reports service health and the effective operating mode.
type HealthResponse struct {
	Status               string `json:"status"`
	DemoMode             bool   `json:"demo_mode"`
	CredentialsAvailable bool   `json:"credentials_available"`
	LLMConfigured        bool   `json:"llm_configured"`
	BackendMode          string `json:"backend_mode"`
	ActiveSessions       int    `json:"active_sessions"`
	InFlightExecutions   int    `json:"in_flight_executions"`
	Version              string `json:"version,omitempty"`
}

// Health status values.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

// Backend modes reported by health and selected by configuration.
const (
	BackendModeStatic     = "static"
	BackendModeKubernetes = "kubernetes"
	BackendModeDemo       = "demo"
)

// DefaultTimeoutSeconds is the execution timeout applied when a request does
// not specify one.
const DefaultTimeoutSeconds = 60
