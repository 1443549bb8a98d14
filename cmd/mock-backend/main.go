// Command mock-backend runs a canned dynamic-sessions backend for local
// development and integration tests. It accepts the dual-shape execution
// payload, tracks execution counts per session identifier so continuity is
// observable, and answers with deterministic results. No code is executed.
//
// The response shape is the structured properties form by default; add
// ?shape=flat to get the flat container form instead.
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	backend := newMockBackend()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", backend.handleExecute)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"healthy"}`)
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// --- Request types (both shapes in one body) ---

type executeRequest struct {
	Properties executeProperties `json:"properties"`
	Code       string            `json:"code"`
	Language   string            `json:"language"`
}

type executeProperties struct {
	CodeInputType    string `json:"codeInputType"`
	ExecutionType    string `json:"executionType"`
	TimeoutInSeconds int    `json:"timeoutInSeconds"`
	Code             string `json:"code"`
}

// effectiveCode prefers the nested properties form the session pool API
// documents, falling back to the flat field.
func (r *executeRequest) effectiveCode() string {
	if r.Properties.Code != "" {
		return r.Properties.Code
	}
	return r.Code
}

// --- Response types ---

type structuredResponse struct {
	Properties structuredProperties `json:"properties"`
}

type structuredProperties struct {
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returnCode"`
}

type flatResponse struct {
	Output          string `json:"output"`
	Error           string `json:"error"`
	ReturnCode      int    `json:"return_code"`
	Success         bool   `json:"success"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// --- Backend ---

// mockBackend counts executions per session identifier so callers can see
// session continuity working end to end.
type mockBackend struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMockBackend() *mockBackend {
	return &mockBackend{counts: make(map[string]int)}
}

func (b *mockBackend) bump(identifier string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[identifier]++
	return b.counts[identifier]
}

func (b *mockBackend) handleExecute(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		http.Error(w, `{"error":"identifier query parameter is required"}`, http.StatusBadRequest)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	count := b.bump(identifier)
	stdout, stderr, returnCode := classify(req.effectiveCode(), identifier, count)

	slog.Info("mock execution",
		"identifier", identifier,
		"count", count,
		"return_code", returnCode,
		"shape", shapeOf(r),
	)

	w.Header().Set("Content-Type", "application/json")
	if shapeOf(r) == "flat" {
		json.NewEncoder(w).Encode(flatResponse{
			Output:          stdout,
			Error:           stderr,
			ReturnCode:      returnCode,
			Success:         returnCode == 0,
			ExecutionTimeMs: 42,
		})
		return
	}

	status := "Succeeded"
	if returnCode != 0 {
		status = "Failed"
	}
	json.NewEncoder(w).Encode(structuredResponse{
		Properties: structuredProperties{
			Status:     status,
			Stdout:     stdout,
			Stderr:     stderr,
			ReturnCode: returnCode,
		},
	})
}

func shapeOf(r *http.Request) string {
	if r.URL.Query().Get("shape") == "flat" {
		return "flat"
	}
	return "structured"
}

// classify produces a deterministic canned result from the code text.
// Recognizable failure patterns get a traceback so error paths can be
// exercised without a real interpreter.
func classify(code, identifier string, count int) (stdout, stderr string, returnCode int) {
	lower := strings.ToLower(code)

	switch {
	case strings.Contains(lower, "raise") || strings.Contains(code, "1/0"):
		stderr = "Traceback (most recent call last):\n" +
			"  File \"<stdin>\", line 1, in <module>\n" +
			"ZeroDivisionError: division by zero\n"
		return "", stderr, 1

	case strings.Contains(code, "1+1") || strings.Contains(code, "1 + 1"):
		return "2\n", "", 0

	case strings.Contains(lower, "print("):
		// Not an interpreter: acknowledge the print without evaluating it.
		return fmt.Sprintf("(mock) print output for execution %d in session %s\n", count, identifier), "", 0

	default:
		return fmt.Sprintf("(mock) executed %d statement(s); execution %d in session %s\n",
			1+strings.Count(strings.TrimSpace(code), "\n"), count, identifier), "", 0
	}
}
