package agent

import (
	"context"
	"strings"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/observability"
)

const demoReplyNoCode = "No chat model is configured, so replies are canned. " +
	"Send Python code (a ``` fenced block works best) and it will still run " +
	"on the execution backend."

const demoReplyWithCode = "No chat model is configured; the code from your " +
	"message ran on the execution backend instead."

// demoChat answers without a model. When the latest user message carries
// code, it still goes through the runner so the execution path stays live
// in deployments without a model.
func (a *Agent) demoChat(ctx context.Context, conversationID string, history []api.ChatMessage) (*api.ChatResponse, error) {
	resp := &api.ChatResponse{ConversationID: conversationID, Demo: true}

	code, ok := extractCode(lastUserMessage(history))
	if !ok {
		observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
		resp.Reply = demoReplyNoCode
		return resp, nil
	}

	debug.Log("agent", "demo chat executing code",
		"conversation_id", conversationID, "code", debug.Truncate(code, 200))
	execResp, err := a.runner.Execute(ctx, conversationID, code, 0)
	if err != nil {
		observability.ChatTurnsTotal.WithLabelValues("error").Inc()
		resp.Reply = "Execution failed: " + userErrorText(err)
		return resp, nil
	}

	observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
	resp.Reply = demoReplyWithCode + "\n\n" + execResp.ResponseText
	resp.SessionID = execResp.SessionID
	resp.ExecutionCount = execResp.ExecutionCount
	return resp, nil
}

// lastUserMessage returns the content of the most recent user turn.
func lastUserMessage(history []api.ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == api.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// codePrefixes mark a message as runnable Python when its first non-empty
// line starts with one of them. Prose-ambiguous keywords like "for" or
// "from" are left out on purpose.
var codePrefixes = []string{"print(", "import ", "def ", "class "}

// extractCode pulls runnable Python out of a chat message. A fenced code
// block wins; otherwise the whole message counts as code when its first
// line reads like Python source rather than prose.
func extractCode(content string) (string, bool) {
	if fenced, ok := extractFencedBlock(content); ok {
		return fenced, true
	}
	trimmed := strings.TrimSpace(content)
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, prefix := range codePrefixes {
			if strings.HasPrefix(line, prefix) {
				return trimmed, true
			}
		}
		break
	}
	return "", false
}

// extractFencedBlock returns the body of the first ``` fence, with an
// optional language tag on the opening line stripped.
func extractFencedBlock(content string) (string, bool) {
	open := strings.Index(content, "```")
	if open < 0 {
		return "", false
	}
	rest := content[open+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	block := rest[:end]
	// The opening fence may carry a language tag ("```python\n...").
	if nl := strings.IndexByte(block, '\n'); nl >= 0 {
		first := strings.TrimSpace(block[:nl])
		if first == "" || isLanguageTag(first) {
			block = block[nl+1:]
		}
	}
	block = strings.TrimSpace(block)
	return block, block != ""
}

// isLanguageTag reports whether s is a bare word like "python" or "py".
func isLanguageTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return s != ""
}
