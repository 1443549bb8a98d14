package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
)

// toolCallBuffer assembles one tool call whose arguments arrive sliced
// across chunks.
type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

// parseSSEStream reads Chat Completions SSE chunks and translates them into
// Events. Tool calls are buffered until the finish chunk and emitted whole:
// the consumer dispatches complete calls, partial argument JSON is useless to
// it. The channel is closed by the caller, not here.
func parseSSEStream(ctx context.Context, body io.Reader, ch chan<- Event) {
	scanner := bufio.NewScanner(body)
	toolCalls := make(map[int]*toolCallBuffer)
	done := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			if !done {
				// Stream ended without a finish chunk. Flush what we have.
				flushToolCalls(toolCalls, ch)
				ch <- Event{Type: EventDone}
			}
			return
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("skipping malformed SSE chunk",
				"error", err.Error(),
				"data", debug.Truncate(payload, 200),
			)
			continue
		}

		if len(chunk.Choices) == 0 {
			continue // usage-only trailer
		}
		choice := chunk.Choices[0]

		if choice.FinishReason != nil {
			flushToolCalls(toolCalls, ch)
			ev := Event{Type: EventDone, FinishReason: *choice.FinishReason}
			if chunk.Usage != nil {
				ev.Usage = &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			ch <- ev
			done = true
			continue
		}

		for _, tc := range choice.Delta.ToolCalls {
			buf, ok := toolCalls[tc.Index]
			if !ok {
				buf = &toolCallBuffer{id: tc.ID, name: tc.Function.Name}
				toolCalls[tc.Index] = buf
			}
			buf.args.WriteString(tc.Function.Arguments)
		}

		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			ch <- Event{Type: EventTextDelta, Delta: *choice.Delta.Content}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		ch <- Event{
			Type: EventError,
			Err:  api.NewUpstreamError("stream read error: " + err.Error()),
		}
		return
	}
	if !done {
		// Connection closed cleanly but the backend never said done.
		flushToolCalls(toolCalls, ch)
		ch <- Event{Type: EventDone}
	}
}

// flushToolCalls emits each buffered tool call as one complete event, in
// index order, and clears the buffer.
func flushToolCalls(toolCalls map[int]*toolCallBuffer, ch chan<- Event) {
	indices := make([]int, 0, len(toolCalls))
	for idx := range toolCalls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		buf := toolCalls[idx]
		ch <- Event{
			Type: EventToolCall,
			ToolCall: &ToolCall{
				ID:        buf.id,
				Name:      buf.name,
				Arguments: buf.args.String(),
			},
		}
		delete(toolCalls, idx)
	}
}
