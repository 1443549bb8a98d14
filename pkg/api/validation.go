package api

import "fmt"

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxCodeSize          int
	MaxTimeoutSeconds    int
	MaxConversationIDLen int
	MaxMessages          int
	MaxMessageSize       int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxCodeSize:          256 * 1024, // 256KB
		MaxTimeoutSeconds:    300,
		MaxConversationIDLen: 128,
		MaxMessages:          100,
		MaxMessageSize:       64 * 1024, // 64KB
	}
}

// ValidateExecuteRequest checks an ExecuteRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request is
// valid. A zero TimeoutSeconds is valid and means the default applies.
func ValidateExecuteRequest(req *ExecuteRequest, cfg ValidationConfig) *APIError {
	if req.ConversationID == "" {
		return NewInvalidRequestError("conversation_id", "conversation_id is required")
	}

	if cfg.MaxConversationIDLen > 0 && len(req.ConversationID) > cfg.MaxConversationIDLen {
		return NewInvalidRequestError("conversation_id",
			fmt.Sprintf("conversation_id exceeds maximum length of %d", cfg.MaxConversationIDLen))
	}

	if req.Code == "" {
		return NewInvalidRequestError("code", "code is required")
	}

	if cfg.MaxCodeSize > 0 && len(req.Code) > cfg.MaxCodeSize {
		return NewInvalidRequestError("code",
			fmt.Sprintf("code exceeds maximum size of %d bytes", cfg.MaxCodeSize))
	}

	if req.TimeoutSeconds < 0 {
		return NewInvalidRequestError("timeout_seconds", "timeout_seconds must be positive")
	}

	if cfg.MaxTimeoutSeconds > 0 && req.TimeoutSeconds > cfg.MaxTimeoutSeconds {
		return NewInvalidRequestError("timeout_seconds",
			fmt.Sprintf("timeout_seconds exceeds maximum of %d", cfg.MaxTimeoutSeconds))
	}

	return nil
}

// ValidateChatRequest checks a ChatRequest for validity.
func ValidateChatRequest(req *ChatRequest, cfg ValidationConfig) *APIError {
	if cfg.MaxConversationIDLen > 0 && len(req.ConversationID) > cfg.MaxConversationIDLen {
		return NewInvalidRequestError("conversation_id",
			fmt.Sprintf("conversation_id exceeds maximum length of %d", cfg.MaxConversationIDLen))
	}

	if len(req.Messages) == 0 {
		return NewInvalidRequestError("messages", "messages must contain at least one entry")
	}

	if cfg.MaxMessages > 0 && len(req.Messages) > cfg.MaxMessages {
		return NewInvalidRequestError("messages",
			fmt.Sprintf("messages exceeds maximum of %d entries", cfg.MaxMessages))
	}

	for i, msg := range req.Messages {
		if !isKnownRole(msg.Role) {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].role", i),
				fmt.Sprintf("unknown role %q", msg.Role))
		}
		if msg.Content == "" {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].content", i),
				"content is required")
		}
		if cfg.MaxMessageSize > 0 && len(msg.Content) > cfg.MaxMessageSize {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].content", i),
				fmt.Sprintf("content exceeds maximum size of %d bytes", cfg.MaxMessageSize))
		}
	}

	return nil
}

// EffectiveTimeout returns the execution timeout to apply for the request:
// the requested value, or DefaultTimeoutSeconds when unset.
func EffectiveTimeout(req *ExecuteRequest) int {
	if req.TimeoutSeconds > 0 {
		return req.TimeoutSeconds
	}
	return DefaultTimeoutSeconds
}

func isKnownRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}
