package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/llm"
	"github.com/rbackhaus/sandkasten/pkg/observability"
	"github.com/rbackhaus/sandkasten/pkg/transport"
)

// streamState tracks event sequencing across one streaming exchange.
type streamState struct {
	seq int
}

// nextSeq returns the current sequence number and increments it.
func (s *streamState) nextSeq() int {
	n := s.seq
	s.seq++
	return n
}

// ChatStream runs the same exchange as Chat, emitting events as it goes:
// execution started and finished around each dispatched tool call, reply
// deltas as model text arrives, and a terminal done or error event.
//
// A non-nil return means the stream itself is broken (validation failed
// before the first event, the caller went away, or the writer rejected a
// write). Chat-level failures after the stream starts are delivered as a
// chat.error event and return nil.
func (a *Agent) ChatStream(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
	conversationID, messages, err := a.prepare(req)
	if err != nil {
		return err
	}
	state := &streamState{}
	if a.model == nil {
		return a.demoChatStream(ctx, conversationID, req.Messages, w, state)
	}

	resp := &api.ChatResponse{ConversationID: conversationID}
	for turn := 0; turn < a.cfg.maxTurns(); turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, toolCalls, err := a.streamTurn(ctx, &llm.Request{Messages: messages, Tools: a.modelTools()}, w, state)
		if err != nil {
			return emitError(ctx, err, w, state)
		}
		if len(toolCalls) == 0 {
			observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
			resp.Reply = text
			return emitDone(ctx, resp, w, state)
		}

		observability.ChatTurnsTotal.WithLabelValues("tool_call").Inc()
		resp.ToolTurns++
		messages = append(messages, llm.Message{
			Role:      api.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		})
		for _, tc := range toolCalls {
			output, err := a.streamToolCall(ctx, conversationID, tc, resp, w, state)
			if err != nil {
				return err
			}
			messages = append(messages, llm.Message{
				Role:       api.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
		}
	}

	// Budget spent: stream one closing completion without tools.
	debug.Log("agent", "tool turn budget exhausted",
		"conversation_id", conversationID, "turns", resp.ToolTurns)
	text, _, err := a.streamTurn(ctx, &llm.Request{Messages: messages}, w, state)
	if err != nil {
		return emitError(ctx, err, w, state)
	}
	observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
	resp.Reply = text
	return emitDone(ctx, resp, w, state)
}

// streamTurn runs one model turn, forwarding text deltas as reply events
// and collecting tool calls. The returned text is the turn's complete
// assistant text.
func (a *Agent) streamTurn(ctx context.Context, req *llm.Request, w transport.StreamWriter, state *streamState) (string, []llm.ToolCall, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	events, err := a.model.Stream(streamCtx, req)
	if err != nil {
		cancel()
		return "", nil, err
	}
	// On early exit, cancelling ends the model stream and the drain
	// unblocks its producer. Normal completion drains a closed channel.
	defer func() {
		for range events {
		}
	}()
	defer cancel()

	var text strings.Builder
	var toolCalls []llm.ToolCall
	for ev := range events {
		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Delta)
			if err := w.WriteEvent(ctx, api.StreamEvent{
				Type:           api.EventReplyDelta,
				SequenceNumber: state.nextSeq(),
				Delta:          ev.Delta,
			}); err != nil {
				return "", nil, err
			}
		case llm.EventToolCall:
			if ev.ToolCall != nil {
				toolCalls = append(toolCalls, *ev.ToolCall)
			}
		case llm.EventError:
			return "", nil, ev.Err
		case llm.EventDone:
			return text.String(), toolCalls, nil
		}
	}
	// The producer closes the channel without a done event when the
	// caller's context ends mid-stream.
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return text.String(), toolCalls, nil
}

// streamToolCall dispatches one tool call with execution lifecycle events
// around it. Rejected calls produce no events, only tool output.
func (a *Agent) streamToolCall(ctx context.Context, conversationID string, tc llm.ToolCall, resp *api.ChatResponse, w transport.StreamWriter, state *streamState) (string, error) {
	args, rejection, ok := vetToolCall(tc)
	if !ok {
		return rejection, nil
	}

	if err := w.WriteEvent(ctx, api.StreamEvent{
		Type:           api.EventExecutionStarted,
		SequenceNumber: state.nextSeq(),
	}); err != nil {
		return "", err
	}

	output, execResp := a.execute(ctx, conversationID, args)

	finished := api.StreamEvent{
		Type:           api.EventExecutionFinished,
		SequenceNumber: state.nextSeq(),
	}
	if execResp != nil {
		finished.SessionID = execResp.SessionID
		finished.Result = &execResp.ExecutionResult
		resp.SessionID = execResp.SessionID
		resp.ExecutionCount = execResp.ExecutionCount
	}
	if err := w.WriteEvent(ctx, finished); err != nil {
		return "", err
	}
	return output, nil
}

// demoChatStream is demoChat with the streaming event protocol on top.
func (a *Agent) demoChatStream(ctx context.Context, conversationID string, history []api.ChatMessage, w transport.StreamWriter, state *streamState) error {
	resp := &api.ChatResponse{ConversationID: conversationID, Demo: true}

	code, ok := extractCode(lastUserMessage(history))
	if !ok {
		observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
		resp.Reply = demoReplyNoCode
		if err := w.WriteEvent(ctx, api.StreamEvent{
			Type:           api.EventReplyDelta,
			SequenceNumber: state.nextSeq(),
			Delta:          resp.Reply,
		}); err != nil {
			return err
		}
		return emitDone(ctx, resp, w, state)
	}

	if err := w.WriteEvent(ctx, api.StreamEvent{
		Type:           api.EventExecutionStarted,
		SequenceNumber: state.nextSeq(),
	}); err != nil {
		return err
	}
	execResp, execErr := a.runner.Execute(ctx, conversationID, code, 0)
	finished := api.StreamEvent{
		Type:           api.EventExecutionFinished,
		SequenceNumber: state.nextSeq(),
	}
	if execResp != nil {
		finished.SessionID = execResp.SessionID
		finished.Result = &execResp.ExecutionResult
	}
	if err := w.WriteEvent(ctx, finished); err != nil {
		return err
	}

	if execErr != nil {
		observability.ChatTurnsTotal.WithLabelValues("error").Inc()
		resp.Reply = "Execution failed: " + userErrorText(execErr)
	} else {
		observability.ChatTurnsTotal.WithLabelValues("reply").Inc()
		resp.Reply = demoReplyWithCode + "\n\n" + execResp.ResponseText
		resp.SessionID = execResp.SessionID
		resp.ExecutionCount = execResp.ExecutionCount
	}
	if err := w.WriteEvent(ctx, api.StreamEvent{
		Type:           api.EventReplyDelta,
		SequenceNumber: state.nextSeq(),
		Delta:          resp.Reply,
	}); err != nil {
		return err
	}
	return emitDone(ctx, resp, w, state)
}

// emitDone sends the terminal done event carrying the assembled response.
func emitDone(ctx context.Context, resp *api.ChatResponse, w transport.StreamWriter, state *streamState) error {
	return w.WriteEvent(ctx, api.StreamEvent{
		Type:           api.EventDone,
		SequenceNumber: state.nextSeq(),
		Response:       resp,
	})
}

// emitError reports a chat-level failure to the client. A nil return means
// the event got through: the exchange failed but the stream completed.
func emitError(ctx context.Context, cause error, w transport.StreamWriter, state *streamState) error {
	observability.ChatTurnsTotal.WithLabelValues("error").Inc()
	debug.Log("agent", "chat exchange failed", "error", cause)
	if writeErr := w.WriteEvent(ctx, api.StreamEvent{
		Type:           api.EventError,
		SequenceNumber: state.nextSeq(),
		Error:          toAPIError(cause),
	}); writeErr != nil {
		return cause
	}
	return nil
}

// toAPIError shapes an arbitrary failure for the wire. Unclassified
// errors stay generic; their detail belongs in logs.
func toAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var execErr *api.ExecError
	if errors.As(err, &execErr) {
		return api.NewUpstreamError(execErr.UserMessage())
	}
	return api.NewServerError("chat exchange failed")
}
