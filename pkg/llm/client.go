package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
)

// Client calls one Chat Completions backend.
type Client struct {
	cfg    Config
	client *http.Client
}

// New validates the configuration and creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: BaseURL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.timeout()},
	}, nil
}

// Model reports the effective model name for health and logs.
func (c *Client) Model() string {
	return c.cfg.model()
}

// Complete performs one non-streaming completion call.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(c.wireRequest(req, false))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyAuth(httpReq)

	debug.Log("llm", "completion request",
		"model", c.cfg.model(),
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, mapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp)
	}

	var chatResp chatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewUpstreamError(fmt.Sprintf("failed to parse model response: %s", err.Error()))
	}
	if len(chatResp.Choices) == 0 {
		return nil, api.NewUpstreamError("model response contained no choices")
	}

	return translateResponse(&chatResp), nil
}

// Stream performs one streaming completion call. Events arrive on the
// returned channel, ending with exactly one done or error event before the
// channel closes.
//
// The client's timeout does not apply here: a stream may legitimately outlive
// any fixed bound, so the context controls its lifetime instead.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	body, err := json.Marshal(c.wireRequest(req, true))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.applyAuth(httpReq)

	streamClient := &http.Client{Transport: c.client.Transport}

	httpResp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, mapNetworkError(err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		return nil, mapHTTPError(httpResp)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()
		parseSSEStream(ctx, httpResp.Body, ch)
	}()
	return ch, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.cfg.APIKey == "" {
		return
	}
	if c.cfg.azure() {
		req.Header.Set("api-key", c.cfg.APIKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) wireRequest(req *Request, stream bool) chatCompletionRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolCalls:  wireToolCalls(m.ToolCalls),
		}
	}

	var tools []chatTool
	for _, t := range req.Tools {
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return chatCompletionRequest{
		Model:       c.cfg.model(),
		Messages:    messages,
		Tools:       tools,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}
}

func wireToolCalls(calls []ToolCall) []chatToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]chatToolCall, len(calls))
	for i, tc := range calls {
		out[i] = chatToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: chatFunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		}
	}
	return out
}

func translateResponse(chatResp *chatCompletionResponse) *Response {
	choice := chatResp.Choices[0]

	resp := &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        chatResp.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if chatResp.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		}
	}
	return resp
}
