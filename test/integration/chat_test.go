package integration

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

func TestChatRepliesAndMintsConversation(t *testing.T) {
	e := env(t)

	resp := postJSON(t, e.BaseURL()+"/v1/chat", api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hello"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, readBody(t, resp))
	}

	var got api.ChatResponse
	decodeJSON(t, resp, &got)
	if got.Reply == "" {
		t.Error("Reply is empty")
	}
	if !strings.HasPrefix(got.ConversationID, "conv_") {
		t.Errorf("ConversationID = %q, want minted conv_ prefix", got.ConversationID)
	}
}

func TestChatRunsFencedCode(t *testing.T) {
	e := env(t)
	e.requireHermetic(t)

	resp := postJSON(t, e.BaseURL()+"/v1/chat", api.ChatRequest{
		ConversationID: api.NewConversationID(),
		Messages: []api.ChatMessage{{
			Role:    api.RoleUser,
			Content: "Please run this:\n```python\nprint(1+1)\n```",
		}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, readBody(t, resp))
	}

	var got api.ChatResponse
	decodeJSON(t, resp, &got)
	if !strings.HasPrefix(got.SessionID, "sess_") {
		t.Errorf("SessionID = %q, want a session after code ran", got.SessionID)
	}
	if got.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", got.ExecutionCount)
	}
	if !strings.Contains(got.Reply, "2") {
		t.Errorf("Reply = %q, want the execution output in it", got.Reply)
	}
}

func TestChatValidation(t *testing.T) {
	e := env(t)

	resp := postJSON(t, e.BaseURL()+"/v1/chat", api.ChatRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	apiErr := decodeError(t, resp)
	if apiErr.Param != "messages" {
		t.Errorf("error param = %q, want messages", apiErr.Param)
	}
}

func TestChatStreamContract(t *testing.T) {
	e := env(t)

	resp := postJSON(t, e.BaseURL()+"/v1/chat/stream", api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hello"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	events, sawDone := readSSE(t, resp)
	if !sawDone {
		t.Error("stream did not end with the [DONE] sentinel")
	}
	if len(events) == 0 {
		t.Fatal("stream carried no events")
	}

	// Exactly one terminal event, and it comes last.
	for i, ev := range events {
		terminal := ev.Type == api.EventDone || ev.Type == api.EventError
		if terminal && i != len(events)-1 {
			t.Errorf("terminal event %s at position %d of %d", ev.Type, i, len(events))
		}
		if !terminal && i == len(events)-1 {
			t.Errorf("last event is %s, want a terminal event", ev.Type)
		}
	}

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(events); i++ {
		if events[i].SequenceNumber <= events[i-1].SequenceNumber {
			t.Errorf("sequence numbers not increasing: %d then %d",
				events[i-1].SequenceNumber, events[i].SequenceNumber)
		}
	}
}

// readSSE collects the data payloads of a server-sent event stream,
// decoding each as a StreamEvent, and reports whether the [DONE] sentinel
// arrived.
func readSSE(t *testing.T, resp *http.Response) (events []api.StreamEvent, sawDone bool) {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var ev api.StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("unparseable event %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	return events, sawDone
}
