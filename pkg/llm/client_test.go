package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

func TestCompleteTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("expected bearer auth, got %q", r.Header.Get("Authorization"))
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "gpt-4" {
			t.Errorf("model = %q, want gpt-4", req.Model)
		}
		if req.Stream {
			t.Error("expected stream=false for Complete")
		}
		if len(req.Messages) != 2 {
			t.Errorf("expected 2 messages, got %d", len(req.Messages))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Close()

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hi"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello!" {
		t.Errorf("content = %q, want Hello!", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestCompleteToolCallResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "execute_python" {
			t.Errorf("tools not forwarded: %+v", req.Tools)
		}

		w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"execute_python","arguments":"{\"code\":\"print(2+2)\"}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Model: "gpt-4"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "what is 2+2"}},
		Tools: []Tool{{
			Name:        "execute_python",
			Description: "Run Python code",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "execute_python" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"code":"print(2+2)"}` {
		t.Errorf("arguments = %q", tc.Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", resp.FinishReason)
	}
}

func TestCompleteSendsToolResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "call_1" {
			t.Errorf("tool result message malformed: %+v", last)
		}
		assistant := req.Messages[len(req.Messages)-2]
		if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Type != "function" {
			t.Errorf("assistant tool_calls malformed: %+v", assistant)
		}

		w.Write([]byte(`{"id":"chatcmpl-2","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Model: "gpt-4"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := client.Complete(context.Background(), &Request{
		Messages: []Message{
			{Role: "user", Content: "what is 2+2"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "execute_python", Arguments: `{"code":"print(2+2)"}`}}},
			{Role: "tool", Content: "4\n", ToolCallID: "call_1"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "4" {
		t.Errorf("content = %q, want 4", resp.Content)
	}
}

func TestCompleteAzureDialect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/gpt-35-turbo/chat/completions" {
			t.Errorf("path = %q, want the Azure deployment path", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != DefaultAzureAPIVersion {
			t.Errorf("api-version = %q, want %q", r.URL.Query().Get("api-version"), DefaultAzureAPIVersion)
		}
		if r.Header.Get("api-key") != "azure-key" {
			t.Errorf("api-key header = %q, want azure-key", r.Header.Get("api-key"))
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("unexpected Authorization header %q in Azure dialect", auth)
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "gpt-35-turbo" {
			t.Errorf("model = %q, want the deployment name", req.Model)
		}

		w.Write([]byte(`{"id":"c","model":"gpt-35-turbo","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, APIKey: "azure-key", Deployment: "gpt-35-turbo"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   api.ErrorType
	}{
		{400, `{"error":{"message":"bad request","type":"invalid_request_error"}}`, api.ErrorTypeInvalidRequest},
		{401, `{"error":{"message":"bad key"}}`, api.ErrorTypeUpstreamError},
		{404, ``, api.ErrorTypeUpstreamError},
		{429, `{"error":{"message":"slow down"}}`, api.ErrorTypeTooManyRequests},
		{500, ``, api.ErrorTypeUpstreamError},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))

		client, err := New(Config{BaseURL: srv.URL, Model: "m"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		_, err = client.Complete(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})

		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			t.Errorf("status %d: error %T is not an APIError", tt.status, err)
		} else if apiErr.Type != tt.want {
			t.Errorf("status %d: type = %q, want %q", tt.status, apiErr.Type, tt.want)
		}
		srv.Close()
	}
}

func TestCompleteExtractsErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit: retry in 7s","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Model: "m"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = client.Complete(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})

	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T is not an APIError", err)
	}
	if apiErr.Message != "rate limit: retry in 7s" {
		t.Errorf("message = %q, backend message lost", apiErr.Message)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c","model":"m","choices":[]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Model: "m"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := client.Complete(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestStreamEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", r.Header.Get("Accept"))
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c","model":"m","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"c","model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"c","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Model: "m"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ch, err := client.Stream(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var text string
	var done bool
	for ev := range ch {
		switch ev.Type {
		case EventTextDelta:
			text += ev.Delta
		case EventDone:
			done = true
		case EventError:
			t.Fatalf("stream error: %v", ev.Err)
		}
	}
	if text != "Hello" {
		t.Errorf("assembled text = %q, want Hello", text)
	}
	if !done {
		t.Error("stream did not end in done")
	}
}

func TestStreamHTTPErrorBeforeEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Model: "m"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := client.Stream(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Error("expected error for 503 before streaming")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty BaseURL")
	}

	client, err := New(Config{BaseURL: "http://localhost:8000/", Model: "m"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := client.cfg.completionsURL(); got != "http://localhost:8000/v1/chat/completions" {
		t.Errorf("completions URL = %q, trailing slash not trimmed", got)
	}
}
