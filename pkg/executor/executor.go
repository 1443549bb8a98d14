package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/credentials"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/observability"
	"github.com/rbackhaus/sandkasten/pkg/registry"
)

// maxResponseBytes bounds how much backend output is read into memory per
// execution.
const maxResponseBytes = 10 << 20

// Config holds executor settings. The demo flag is computed once at startup
// from credential availability and threaded through here, never re-probed
// per call.
type Config struct {
	// Mode selects how endpoints are resolved: api.BackendModeStatic (the
	// default) or api.BackendModeKubernetes. Kubernetes mode relies on
	// in-cluster trust and sends no bearer token.
	Mode string

	// DemoMode simulates executions instead of calling a backend.
	DemoMode bool

	// Audience is the token audience requested for backend calls.
	// Default: credentials.DefaultAudience.
	Audience string

	// TokenTimeout bounds credential acquisition, separately from the much
	// longer execution timeout. Default: 10 seconds.
	TokenTimeout time.Duration

	// TransportOverhead is added to the requested execution timeout to form
	// the HTTP deadline, leaving room for connection setup and response
	// transfer around the execution itself. Default: 15 seconds.
	TransportOverhead time.Duration
}

func (c Config) mode() string {
	if c.Mode == "" {
		return api.BackendModeStatic
	}
	return c.Mode
}

func (c Config) audience() string {
	if c.Audience == "" {
		return credentials.DefaultAudience
	}
	return c.Audience
}

func (c Config) tokenTimeout() time.Duration {
	if c.TokenTimeout <= 0 {
		return 10 * time.Second
	}
	return c.TokenTimeout
}

func (c Config) transportOverhead() time.Duration {
	if c.TransportOverhead <= 0 {
		return 15 * time.Second
	}
	return c.TransportOverhead
}

// Client executes code in the conversation's session and records every
// completed round trip on it.
type Client struct {
	registry *registry.Registry
	creds    *credentials.Provider
	provider EndpointProvider
	http     *http.Client
	cfg      Config
}

// New creates an executor Client. The credential provider may be nil in demo
// mode and in Kubernetes mode; the endpoint provider may be nil in demo mode
// only.
func New(reg *registry.Registry, creds *credentials.Provider, provider EndpointProvider, cfg Config) (*Client, error) {
	if reg == nil {
		return nil, fmt.Errorf("executor: registry must not be nil")
	}
	if !cfg.DemoMode {
		if provider == nil {
			return nil, fmt.Errorf("executor: endpoint provider must not be nil")
		}
		if creds == nil && cfg.mode() != api.BackendModeKubernetes {
			return nil, fmt.Errorf("executor: credential provider must not be nil outside demo mode")
		}
	}
	return &Client{
		registry: reg,
		creds:    creds,
		provider: provider,
		// Deadlines come from the per-request execution timeout, so the
		// client itself carries none.
		http: &http.Client{},
		cfg:  cfg,
	}, nil
}

// Mode reports the effective backend mode for health and logs.
func (c *Client) Mode() string {
	if c.cfg.DemoMode {
		return api.BackendModeDemo
	}
	return c.cfg.mode()
}

// Execute runs code in the session bound to the conversation, creating the
// session on first use. The returned response always names the session and
// the execution count; code that fails inside the sandbox is a normal
// response with Succeeded=false, not an error. Errors are classified
// api.ExecError values except for request validation, which returns an
// api.APIError.
//
// The backend call itself is detached from ctx cancellation and bounded only
// by the execution timeout, so an impatient caller cannot leave the session's
// bookkeeping out of step with what the backend actually ran.
func (c *Client) Execute(ctx context.Context, conversationID, code string, timeoutSeconds int) (*api.ExecuteResponse, error) {
	if conversationID == "" {
		return nil, api.NewInvalidRequestError("conversation_id", "conversation_id must not be empty")
	}
	if strings.TrimSpace(code) == "" {
		return nil, api.NewInvalidRequestError("code", "code must not be empty")
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = api.DefaultTimeoutSeconds
	}

	start := time.Now()

	sess, _, err := c.registry.Resolve(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	if c.cfg.DemoMode {
		debug.Log("executor", "demo mode, simulating execution",
			"session_id", sess.ID,
			"code_bytes", len(code),
		)
		c.observe(api.BackendModeDemo, "ok", start)
		return c.finish(ctx, sess, simulateResult(code))
	}
	mode := c.cfg.mode()

	var bearer string
	if mode != api.BackendModeKubernetes {
		tokenCtx, cancel := context.WithTimeout(ctx, c.cfg.tokenTimeout())
		token, err := c.creds.GetToken(tokenCtx, c.cfg.audience())
		cancel()
		if err != nil {
			c.observe(mode, string(api.KindAuth), start)
			return nil, api.NewExecError(api.KindAuth, err)
		}
		bearer = token.Value
	}

	endpoint, release, err := c.provider.Endpoint(ctx, sess.ID)
	if err != nil {
		ee := classifyTransport(fmt.Errorf("acquire endpoint: %w", err))
		c.observe(mode, string(ee.Kind), start)
		return nil, ee
	}
	defer release()

	body, err := json.Marshal(newExecutionPayload(code, timeoutSeconds))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	// Detached from caller cancellation: once the code is on its way to the
	// backend, the round trip and the recording that follows run to
	// completion or to the execution deadline, whichever comes first.
	execTimeout := time.Duration(timeoutSeconds)*time.Second + c.cfg.transportOverhead()
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), execTimeout)
	defer cancel()

	reqURL := endpoint + "/execute?identifier=" + url.QueryEscape(sess.ID)
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	debug.Log("executor", "executing code",
		"session_id", sess.ID,
		"endpoint", endpoint,
		"timeout_s", timeoutSeconds,
		"payload_bytes", len(body),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		ee := classifyTransport(err)
		c.observe(mode, string(ee.Kind), start)
		slog.Warn("backend request failed",
			"session_id", sess.ID,
			"kind", ee.Kind,
			"error", err,
		)
		return nil, ee
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		ee := classifyTransport(fmt.Errorf("read response: %w", err))
		c.observe(mode, string(ee.Kind), start)
		return nil, ee
	}

	if resp.StatusCode != http.StatusOK {
		if bearer != "" && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			// Drop the cached token so the next call re-acquires instead of
			// replaying one the backend has already refused.
			c.creds.Invalidate(c.cfg.audience())
		}
		ee := classifyStatus(resp.StatusCode, respBody)
		c.observe(mode, string(ee.Kind), start)
		return nil, ee
	}

	result, err := Normalize(respBody)
	if err != nil {
		ee := api.NewExecError(api.KindBackendError, err)
		c.observe(mode, string(ee.Kind), start)
		return nil, ee
	}

	c.observe(mode, "ok", start)
	debug.Log("executor", "execution completed",
		"session_id", sess.ID,
		"return_code", result.ReturnCode,
		"succeeded", result.Succeeded,
		"stdout_bytes", len(result.Stdout),
		"stderr_bytes", len(result.Stderr),
	)
	return c.finish(ctx, sess, result)
}

// finish records the completed execution and assembles the response. The
// record runs on a detached context for the same reason the POST does. A
// recording failure is logged, not surfaced: the execution happened, and the
// caller gets its result either way.
func (c *Client) finish(ctx context.Context, sess *api.Session, result *api.ExecutionResult) (*api.ExecuteResponse, error) {
	execCount := sess.ExecutionCount + 1
	recorded, err := c.registry.RecordExecution(context.WithoutCancel(ctx), sess.ID, result)
	if err != nil {
		slog.Warn("recording execution failed",
			"session_id", sess.ID,
			"error", err,
		)
	} else if recorded != nil {
		execCount = recorded.ExecutionCount
	}

	return &api.ExecuteResponse{
		ResponseText:    FormatResponseText(result),
		ConversationID:  sess.ConversationID,
		SessionID:       sess.ID,
		ExecutionCount:  execCount,
		ExecutionResult: *result,
	}, nil
}

func (c *Client) observe(mode, status string, start time.Time) {
	observability.ExecutionsTotal.WithLabelValues(status, mode).Inc()
	observability.ExecutionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// FormatResponseText renders a canonical result for a conversational caller:
// stdout first, stderr after it, and a failure note naming the return code
// when the run did not exit cleanly.
func FormatResponseText(r *api.ExecutionResult) string {
	text := r.Stdout
	if r.Stderr != "" {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += r.Stderr
	}
	if !r.Succeeded {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += fmt.Sprintf("(execution failed with return code %d)", r.ReturnCode)
	}
	if text == "" {
		return "(no output)"
	}
	return text
}

func simulateResult(code string) *api.ExecutionResult {
	return &api.ExecutionResult{
		Stdout:    "Demo mode: no backend credentials available, execution was simulated.\n\n" + code + "\n",
		Succeeded: true,
		Simulated: true,
	}
}
