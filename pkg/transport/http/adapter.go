package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/observability"
	"github.com/rbackhaus/sandkasten/pkg/storage"
	"github.com/rbackhaus/sandkasten/pkg/transport"
)

// Adapter serves the sandkasten API over HTTP. It routes requests to the
// appropriate handler and serializes responses.
type Adapter struct {
	execer     transport.Execer
	chatter    transport.Chatter // nil when no chat layer is wired
	sessions   transport.SessionDirectory
	inflight   *transport.InFlightTracker
	health     HealthInfo
	mux        *http.ServeMux
	config     Config
	validation api.ValidationConfig
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr        string
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		MaxBodySize: 1 << 20, // 1 MB
	}
}

// HealthInfo carries the effective operating mode reported by the health
// endpoint. It is computed once at startup; live counts come from the
// session directory and the in-flight tracker.
type HealthInfo struct {
	DemoMode             bool
	CredentialsAvailable bool
	LLMConfigured        bool
	BackendMode          string
	Version              string
}

// NewAdapter creates an HTTP adapter with the given handlers and options.
// The Chatter is optional; when nil, the chat endpoints report the surface
// is not available. Middleware is applied to the Execer in the given order,
// with in-flight tracking always innermost.
func NewAdapter(execer transport.Execer, chatter transport.Chatter, sessions transport.SessionDirectory, health HealthInfo, cfg Config, middlewares ...transport.Middleware) *Adapter {
	inflight := transport.NewInFlightTracker()
	middlewares = append(middlewares, inflight.Track())
	execer = transport.Chain(middlewares...)(execer)

	a := &Adapter{
		execer:     execer,
		chatter:    chatter,
		sessions:   sessions,
		inflight:   inflight,
		health:     health,
		mux:        http.NewServeMux(),
		config:     cfg,
		validation: api.DefaultValidationConfig(),
	}

	a.mux.HandleFunc("POST /v1/execute", a.handleExecute)
	a.mux.HandleFunc("POST /v1/chat/stream", a.handleChatStream)
	a.mux.HandleFunc("POST /v1/chat", a.handleChat)
	a.mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	a.mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	a.mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleDeleteSession)
	a.mux.HandleFunc("DELETE /v1/conversations/{id}/session", a.handleClearConversation)
	a.mux.HandleFunc("GET /v1/tools", a.handleListTools)
	a.mux.HandleFunc("GET /v1/health", a.handleHealth)
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	a.mux.Handle("GET /metrics", promhttp.Handler())

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// InFlight returns the tracker counting requests currently being served,
// for shutdown draining.
func (a *Adapter) InFlight() *transport.InFlightTracker {
	return a.inflight
}

// httpRequestIDMiddleware is HTTP-level middleware that propagates the
// X-Request-ID header. A client-sent ID is forwarded into the context; when
// the client sends none, a fresh one is minted here so the same ID reaches
// the response header, the handler context, and the logs. The wrapper
// injects the header before the first write.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = transport.NewRequestID()
		}
		r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleExecute handles POST /v1/execute.
func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if apiErr := api.ValidateExecuteRequest(&req, a.validation); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	resp, err := a.execer.Execute(r.Context(), &req)
	if err != nil {
		apiErr, status := transport.APIErrorFrom(err)
		transport.WriteErrorResponse(w, apiErr, status)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChat handles POST /v1/chat. A request without a conversation ID
// gets a fresh one, returned in the response so the caller can keep the
// thread going.
func (a *Adapter) handleChat(w http.ResponseWriter, r *http.Request) {
	if a.chatter == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "chat is not available (no chat layer configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	var req api.ChatRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = api.NewConversationID()
	}
	if apiErr := api.ValidateChatRequest(&req, a.validation); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	a.inflight.Begin()
	defer a.inflight.End()

	resp, err := a.chatter.Chat(r.Context(), &req)
	if err != nil {
		apiErr, status := transport.APIErrorFrom(err)
		transport.WriteErrorResponse(w, apiErr, status)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream handles POST /v1/chat/stream (SSE).
func (a *Adapter) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if a.chatter == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "chat is not available (no chat layer configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	var req api.ChatRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = api.NewConversationID()
	}
	if apiErr := api.ValidateChatRequest(&req, a.validation); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	a.inflight.Begin()
	defer a.inflight.End()
	observability.StreamingConnections.Inc()
	defer observability.StreamingConnections.Dec()

	sw := newEventStreamWriter(w)
	if err := a.chatter.ChatStream(r.Context(), &req, sw); err != nil {
		// A started stream that errors is broken past repair: the client is
		// gone or the writer failed. Only pre-stream failures can still get
		// a JSON error.
		if sw.started() {
			debug.Log("transport", "chat stream aborted",
				"conversation_id", req.ConversationID, "error", err)
			return
		}
		apiErr, status := transport.APIErrorFrom(err)
		transport.WriteErrorResponse(w, apiErr, status)
	}
}

// handleListSessions handles GET /v1/sessions.
func (a *Adapter) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.sessions.List(r.Context())
	if err != nil {
		apiErr, status := transport.APIErrorFrom(err)
		transport.WriteErrorResponse(w, apiErr, status)
		return
	}

	resp := api.SessionListResponse{
		Sessions: make([]api.Session, 0, len(sessions)),
		Count:    len(sessions),
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, *s)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetSession handles GET /v1/sessions/{id}.
func (a *Adapter) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateSessionID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("id", "malformed session ID"))
		return
	}

	sess, err := a.sessions.Get(r.Context(), id)
	if err != nil {
		a.writeSessionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession handles DELETE /v1/sessions/{id}.
func (a *Adapter) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateSessionID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("id", "malformed session ID"))
		return
	}

	removed, err := a.sessions.ClearByID(r.Context(), id)
	if err != nil {
		a.writeSessionError(w, id, err)
		return
	}
	if !removed {
		transport.WriteAPIError(w, api.NewNotFoundError("session "+id+" not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearConversation handles DELETE /v1/conversations/{id}/session.
// Clearing is keyed by the caller's conversation ID, so a client can drop
// its execution context without knowing the session ID behind it.
func (a *Adapter) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	removed, err := a.sessions.Clear(r.Context(), conversationID)
	if err != nil {
		apiErr, status := transport.APIErrorFrom(err)
		transport.WriteErrorResponse(w, apiErr, status)
		return
	}
	if !removed {
		transport.WriteAPIError(w,
			api.NewNotFoundError("no session for conversation "+conversationID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListTools handles GET /v1/tools.
func (a *Adapter) handleListTools(w http.ResponseWriter, r *http.Request) {
	var tools []api.ToolInfo
	if a.chatter != nil {
		tools = a.chatter.Tools()
	}
	if tools == nil {
		tools = []api.ToolInfo{}
	}
	writeJSON(w, http.StatusOK, api.ToolListResponse{Tools: tools, Count: len(tools)})
}

// handleHealth handles GET /v1/health. The report stays 200 even when
// degraded; orchestrators that need a failing readiness signal use /readyz.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:               api.HealthStatusHealthy,
		DemoMode:             a.health.DemoMode,
		CredentialsAvailable: a.health.CredentialsAvailable,
		LLMConfigured:        a.health.LLMConfigured,
		BackendMode:          a.health.BackendMode,
		InFlightExecutions:   a.inflight.Count(),
		Version:              a.health.Version,
	}

	count, err := a.sessions.ActiveCount(r.Context())
	if err != nil {
		resp.Status = api.HealthStatusDegraded
	} else {
		resp.ActiveSessions = count
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealthz handles GET /healthz (liveness).
func (a *Adapter) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// handleReadyz handles GET /readyz (readiness). Not ready when the session
// store is unreachable.
func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := a.sessions.HealthCheck(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "session store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// decodeJSON enforces content type and body size, then decodes the request
// body into dst. On failure it writes the error response and returns false.
func (a *Adapter) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return false
	}
	return true
}

// writeSessionError maps a session lookup failure to its response.
func (a *Adapter) writeSessionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		transport.WriteAPIError(w, api.NewNotFoundError("session "+id+" not found"))
		return
	}
	apiErr, status := transport.APIErrorFrom(err)
	transport.WriteErrorResponse(w, apiErr, status)
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
