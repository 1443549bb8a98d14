package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/executor"
	"github.com/rbackhaus/sandkasten/pkg/llm"
	"github.com/rbackhaus/sandkasten/pkg/observability"
	"github.com/rbackhaus/sandkasten/pkg/transport"
)

// ChatClient is the slice of the model client the agent consumes.
type ChatClient interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req *llm.Request) (<-chan llm.Event, error)
	Model() string
}

// CodeRunner executes Python inside the conversation's session.
type CodeRunner interface {
	Execute(ctx context.Context, conversationID, code string, timeoutSeconds int) (*api.ExecuteResponse, error)
}

// Agent orchestrates chat exchanges between the model and the executor.
// A nil model puts the agent in demo chat mode.
type Agent struct {
	model  ChatClient
	runner CodeRunner
	cfg    Config
}

// Ensure Agent satisfies the transport contract, and that the concrete
// clients satisfy the agent's interfaces, at compile time.
var (
	_ transport.Chatter = (*Agent)(nil)
	_ ChatClient        = (*llm.Client)(nil)
	_ CodeRunner        = (*executor.Client)(nil)
)

// New creates an Agent. The runner must not be nil. The model may be nil,
// which enables demo chat.
func New(model ChatClient, runner CodeRunner, cfg Config) (*Agent, error) {
	if runner == nil {
		return nil, fmt.Errorf("agent: runner must not be nil")
	}
	return &Agent{model: model, runner: runner, cfg: cfg}, nil
}

// DemoMode reports whether the agent answers without a model.
func (a *Agent) DemoMode() bool {
	return a.model == nil
}

// Chat runs one exchange: the model is called in a loop, execute_python
// calls are dispatched to the runner, and their results are fed back until
// the model produces a plain reply or the tool turn budget runs out.
func (a *Agent) Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	conversationID, messages, err := a.prepare(req)
	if err != nil {
		return nil, err
	}
	if a.model == nil {
		return a.demoChat(ctx, conversationID, req.Messages)
	}

	resp := &api.ChatResponse{ConversationID: conversationID}
	for turn := 0; turn < a.cfg.maxTurns(); turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := a.complete(ctx, &llm.Request{Messages: messages, Tools: a.modelTools()})
		if err != nil {
			return nil, err
		}
		if len(out.ToolCalls) == 0 {
			observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
			resp.Reply = out.Content
			return resp, nil
		}
		observability.ChatTurnsTotal.WithLabelValues("tool_call").Inc()
		resp.ToolTurns++
		messages = append(messages, assistantToolCallMessage(out))
		for _, tc := range out.ToolCalls {
			output, execResp := a.runToolCall(ctx, conversationID, tc)
			if execResp != nil {
				resp.SessionID = execResp.SessionID
				resp.ExecutionCount = execResp.ExecutionCount
			}
			messages = append(messages, llm.Message{
				Role:       api.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
		}
	}

	// Budget spent. One more completion without tools forces a wrap-up
	// instead of returning a half-finished exchange.
	debug.Log("agent", "tool turn budget exhausted",
		"conversation_id", conversationID, "turns", resp.ToolTurns)
	out, err := a.complete(ctx, &llm.Request{Messages: messages})
	if err != nil {
		return nil, err
	}
	observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
	resp.Reply = out.Content
	return resp, nil
}

// complete calls the model and counts failures.
func (a *Agent) complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	out, err := a.model.Complete(ctx, req)
	if err != nil {
		observability.ChatTurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return out, nil
}

// runToolCall dispatches one tool call and returns the output to feed back
// to the model, plus the execution response when code actually ran.
func (a *Agent) runToolCall(ctx context.Context, conversationID string, tc llm.ToolCall) (string, *api.ExecuteResponse) {
	args, rejection, ok := vetToolCall(tc)
	if !ok {
		return rejection, nil
	}
	return a.execute(ctx, conversationID, args)
}

// vetToolCall validates the model's call. Bad calls (unknown tool,
// malformed or empty arguments) come back as a rejection message that is
// fed to the model as tool output so it can correct itself instead of
// failing the exchange.
func vetToolCall(tc llm.ToolCall) (executeArgs, string, bool) {
	if tc.Name != executeToolName {
		debug.Log("agent", "model called unknown tool", "tool", tc.Name)
		return executeArgs{}, fmt.Sprintf("unknown tool %q: only %s is available", tc.Name, executeToolName), false
	}
	args, err := parseExecuteArgs(tc.Arguments)
	if err != nil {
		debug.Log("agent", "malformed tool arguments",
			"tool", tc.Name, "arguments", debug.Truncate(tc.Arguments, 200))
		return executeArgs{}, err.Error(), false
	}
	if strings.TrimSpace(args.Code) == "" {
		return executeArgs{}, executeToolName + " requires a non-empty code argument", false
	}
	return args, "", true
}

// execute dispatches vetted code to the runner. Backend unavailability is
// tool output, not a chat failure: the model gets to explain the situation
// to the user.
func (a *Agent) execute(ctx context.Context, conversationID string, args executeArgs) (string, *api.ExecuteResponse) {
	execResp, err := a.runner.Execute(ctx, conversationID, args.Code, args.TimeoutSeconds)
	if err != nil {
		debug.Log("agent", "tool execution failed",
			"conversation_id", conversationID, "error", err)
		return "execution failed: " + userErrorText(err), nil
	}
	return execResp.ResponseText, execResp
}

// userErrorText renders an execution failure for end users. Classified
// failures keep their generic message; anything else falls back to the
// raw error text.
func userErrorText(err error) string {
	var execErr *api.ExecError
	if errors.As(err, &execErr) {
		return execErr.UserMessage()
	}
	return err.Error()
}

// prepare validates the request, settles the conversation ID, and builds
// the model-facing history with the system prompt in front.
func (a *Agent) prepare(req *api.ChatRequest) (string, []llm.Message, error) {
	if req == nil || len(req.Messages) == 0 {
		return "", nil, api.NewInvalidRequestError("messages", "messages must not be empty")
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = api.NewConversationID()
	}

	hasSystem := false
	for _, m := range req.Messages {
		if m.Role == api.RoleSystem {
			hasSystem = true
			break
		}
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	if !hasSystem {
		messages = append(messages, llm.Message{Role: api.RoleSystem, Content: a.cfg.systemPrompt()})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case api.RoleSystem, api.RoleUser, api.RoleAssistant:
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		default:
			return "", nil, api.NewInvalidRequestError("messages", fmt.Sprintf("unsupported role %q", m.Role))
		}
	}
	return conversationID, messages, nil
}

// assistantToolCallMessage rebuilds the assistant turn that requested the
// tool calls. Chat Completions requires it to precede the tool results.
func assistantToolCallMessage(out *llm.Response) llm.Message {
	return llm.Message{
		Role:      api.RoleAssistant,
		Content:   out.Content,
		ToolCalls: out.ToolCalls,
	}
}
