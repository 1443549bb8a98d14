// Package integration provides black-box tests for the sandkasten HTTP API.
//
// By default the suite starts the production server in-process on a loopback
// listener, wired to a canned dynamic-sessions backend, so it runs hermetically
// with no external services. Set SANDKASTEN_BASE_URL to point the suite at an
// already running server instead, or SKIP_INTEGRATION to skip the whole suite.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"context"

	"github.com/rbackhaus/sandkasten/pkg/agent"
	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/credentials"
	"github.com/rbackhaus/sandkasten/pkg/executor"
	"github.com/rbackhaus/sandkasten/pkg/registry"
	"github.com/rbackhaus/sandkasten/pkg/storage/memory"
	"github.com/rbackhaus/sandkasten/pkg/transport"
	transporthttp "github.com/rbackhaus/sandkasten/pkg/transport/http"
)

// testEnv holds the shared target for all integration tests. Nil when the
// suite is skipped.
var testEnv *TestEnvironment

// TestEnvironment is the server under test: either one started in-process
// against the canned backend, or an external deployment named by
// SANDKASTEN_BASE_URL.
type TestEnvironment struct {
	baseURL  string
	external bool

	server      *transporthttp.Server
	mockBackend *httptest.Server
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(m.Run())
	}

	if base := os.Getenv("SANDKASTEN_BASE_URL"); base != "" {
		testEnv = &TestEnvironment{baseURL: strings.TrimRight(base, "/"), external: true}
	} else {
		testEnv = setupInProcess()
	}

	code := m.Run()
	testEnv.Teardown()
	os.Exit(code)
}

// setupInProcess assembles the full production stack: memory store, registry,
// executor in static mode with a static bearer token, demo-chat agent, and
// the HTTP server with its default middleware, listening on a loopback port.
func setupInProcess() *TestEnvironment {
	mockBackend := startMockBackend()

	store := memory.New(0)
	reg, err := registry.New(store, registry.Config{})
	if err != nil {
		panic(fmt.Sprintf("creating registry: %v", err))
	}

	chain, err := credentials.NewDefaultChain(credentials.Options{
		Order:       []string{credentials.SourceStatic},
		StaticToken: "integration-test-token",
	})
	if err != nil {
		panic(fmt.Sprintf("creating credential chain: %v", err))
	}
	creds := credentials.NewProvider(chain, credentials.Config{})

	endpoints, err := executor.NewStaticProvider(mockBackend.URL)
	if err != nil {
		panic(fmt.Sprintf("creating endpoint provider: %v", err))
	}
	exec, err := executor.New(reg, creds, endpoints, executor.Config{})
	if err != nil {
		panic(fmt.Sprintf("creating executor: %v", err))
	}

	chatAgent, err := agent.New(nil, exec, agent.Config{})
	if err != nil {
		panic(fmt.Sprintf("creating agent: %v", err))
	}

	execer := transport.ExecerFunc(func(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error) {
		return exec.Execute(ctx, req.ConversationID, req.Code, req.TimeoutSeconds)
	})

	srv := transporthttp.NewServer(execer, chatAgent, reg,
		transporthttp.WithHealth(transporthttp.HealthInfo{
			CredentialsAvailable: true,
			BackendMode:          exec.Mode(),
			Version:              "integration",
		}),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("listening: %v", err))
	}
	go srv.ServeOn(ln)

	return &TestEnvironment{
		baseURL:     "http://" + ln.Addr().String(),
		server:      srv,
		mockBackend: mockBackend,
	}
}

// Teardown stops whatever the suite started.
func (env *TestEnvironment) Teardown() {
	if env == nil {
		return
	}
	if env.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.server.Shutdown(ctx)
	}
	if env.mockBackend != nil {
		env.mockBackend.Close()
	}
}

// env skips the calling test when the suite is disabled and returns the
// shared environment otherwise.
func env(t *testing.T) *TestEnvironment {
	t.Helper()
	if testEnv == nil {
		t.Skip("SKIP_INTEGRATION is set")
	}
	return testEnv
}

// requireHermetic skips tests whose assertions depend on the canned backend.
// Against an external deployment the backend's outputs are its own business.
func (env *TestEnvironment) requireHermetic(t *testing.T) {
	t.Helper()
	if env.external {
		t.Skip("requires the in-process canned backend")
	}
}

// BaseURL returns the server base URL.
func (env *TestEnvironment) BaseURL() string {
	return env.baseURL
}

// --- HTTP helpers ---

// postJSON sends a POST request with JSON body and returns the response.
func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

// getURL sends a GET request and returns the response.
func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

// deleteURL sends a DELETE request and returns the response.
func deleteURL(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("creating DELETE request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return string(body)
}

// decodeJSON reads the response body and decodes it into the target.
func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decoding JSON: %v", err)
	}
}

// execute posts code for the conversation and decodes the response,
// failing the test on anything but HTTP 200.
func execute(t *testing.T, env *TestEnvironment, conversationID, code string) api.ExecuteResponse {
	t.Helper()
	resp := postJSON(t, env.BaseURL()+"/v1/execute", api.ExecuteRequest{
		ConversationID: conversationID,
		Code:           code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: status = %d, body: %s", resp.StatusCode, readBody(t, resp))
	}
	var out api.ExecuteResponse
	decodeJSON(t, resp, &out)
	return out
}

// decodeError decodes the error envelope, failing the test when the body
// is not one.
func decodeError(t *testing.T, resp *http.Response) *api.APIError {
	t.Helper()
	var envelope api.ErrorResponse
	decodeJSON(t, resp, &envelope)
	if envelope.Error == nil {
		t.Fatal("response body is not an error envelope")
	}
	return envelope.Error
}

// --- Canned dynamic-sessions backend ---

// Trigger strings the canned backend recognizes, for tests that need a
// specific backend behavior.
const (
	codeAddition  = "print(1+1)"
	codeDivByZero = "print(1/0)"
	codeBoom500   = "boom_http_500"
)

// startMockBackend creates an httptest server that mimics the session pool
// execution API: structured response shape, deterministic canned results,
// no interpreter behind it.
func startMockBackend() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", handleMockExecute)
	return httptest.NewServer(mux)
}

func handleMockExecute(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("identifier") == "" {
		http.Error(w, `{"error":"identifier is required"}`, http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Properties struct {
			Code string `json:"code"`
		} `json:"properties"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	code := req.Properties.Code
	if code == "" {
		code = req.Code
	}

	stdout, stderr, returnCode := "", "", 0
	switch {
	case strings.Contains(code, codeBoom500):
		http.Error(w, `{"error":"pool exploded"}`, http.StatusInternalServerError)
		return
	case strings.Contains(code, "1/0"):
		stderr = "Traceback (most recent call last):\n  File \"<stdin>\", line 1, in <module>\nZeroDivisionError: division by zero\n"
		returnCode = 1
	case strings.Contains(code, "1+1"):
		stdout = "2\n"
	default:
		stdout = "ok\n"
	}

	status := "Succeeded"
	if returnCode != 0 {
		status = "Failed"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"properties": map[string]any{
			"status":     status,
			"stdout":     stdout,
			"stderr":     stderr,
			"returnCode": returnCode,
		},
	})
}
