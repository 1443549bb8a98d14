// Command mcp-server exposes sandkasten code execution as MCP tools over
// streamable HTTP. An MCP host connects to /mcp and gets three tools:
// execute_python, clear_session, and list_sessions.
//
// The wiring matches cmd/server minus the chat layer: the same config file
// and environment variables select the backend, credential chain, and
// session store. Tool calls without an explicit conversation_id share one
// conversation minted at startup, which suits the common case of one MCP
// host per server process; hosts juggling several conversations pass the
// ID themselves.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/config"
	"github.com/rbackhaus/sandkasten/pkg/credentials"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/executor"
	k8sendpoint "github.com/rbackhaus/sandkasten/pkg/executor/kubernetes"
	"github.com/rbackhaus/sandkasten/pkg/registry"
	"github.com/rbackhaus/sandkasten/pkg/storage"
	"github.com/rbackhaus/sandkasten/pkg/storage/memory"
	"github.com/rbackhaus/sandkasten/pkg/storage/postgres"
	redisstore "github.com/rbackhaus/sandkasten/pkg/storage/redis"
	"github.com/rbackhaus/sandkasten/pkg/transport"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("mcp server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Debug.Categories, cfg.Debug.Level)

	demoMode := cfg.DemoImplied()

	var creds *credentials.Provider
	if cfg.Backend.Mode != api.BackendModeKubernetes && !demoMode {
		chain, err := credentials.NewDefaultChain(credentials.Options{
			Order:              cfg.Credentials.Sources,
			TenantID:           cfg.Credentials.TenantID,
			ClientID:           cfg.Credentials.ClientID,
			ClientSecret:       cfg.Credentials.ClientSecret,
			FederatedTokenFile: cfg.Credentials.FederatedTokenFile,
			StaticToken:        cfg.Credentials.StaticToken,
			AuthorityHost:      cfg.Credentials.AuthorityHost,
		})
		if err != nil {
			return fmt.Errorf("building credential chain: %w", err)
		}
		creds = credentials.NewProvider(chain, credentials.Config{Margin: cfg.Credentials.CacheMargin})
	}

	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			slog.Warn("closing session store", "error", cerr)
		}
	}()

	reg, err := registry.New(store, registry.Config{IdleTimeout: cfg.Sessions.IdleTimeout})
	if err != nil {
		return err
	}

	endpoints, err := buildEndpointProvider(cfg, demoMode)
	if err != nil {
		return err
	}

	exec, err := executor.New(reg, creds, endpoints, executor.Config{
		Mode:              cfg.Backend.Mode,
		DemoMode:          demoMode,
		Audience:          cfg.Backend.Audience,
		TokenTimeout:      cfg.Backend.TokenTimeout,
		TransportOverhead: cfg.Backend.TransportOverhead,
	})
	if err != nil {
		return err
	}

	ts := &toolServer{
		exec:                exec,
		reg:                 reg,
		defaultConversation: api.NewConversationID(),
		inflight:            transport.NewInFlightTracker(),
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "sandkasten", Version: version},
		nil,
	)
	ts.register(server)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp server starting",
			"version", version,
			"port", cfg.Server.Port,
			"backend_mode", exec.Mode(),
			"demo", demoMode,
			"store", cfg.Sessions.Store,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Executions detach from request contexts, so they can outlive the HTTP
	// shutdown; wait for them before the deferred store close.
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.inflight.Drain(drainCtx); err != nil {
		slog.Warn("executions still in flight at close", "count", ts.inflight.Count())
	}

	return nil
}

// toolServer binds the MCP tools to the executor and registry.
type toolServer struct {
	exec                *executor.Client
	reg                 *registry.Registry
	defaultConversation string
	inflight            *transport.InFlightTracker
}

type executeInput struct {
	Code           string `json:"code" jsonschema_description:"Python code to execute. Variables and imports persist across calls within one conversation."`
	ConversationID string `json:"conversation_id,omitempty" jsonschema_description:"Conversation to run in. Omit to use the server's default conversation."`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema_description:"Execution timeout in seconds (default 60)."`
}

type clearInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema_description:"Conversation whose execution context to drop. Omit for the server's default conversation."`
}

func (s *toolServer) register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_python",
		Description: "Execute Python code in a stateful sandbox. State persists across calls within one conversation.",
	}, s.executePython)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_session",
		Description: "Drop the conversation's execution context. The next execution starts fresh.",
	}, s.clearSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List the live execution sessions this server manages.",
	}, s.listSessions)
}

func (s *toolServer) conversation(id string) string {
	if strings.TrimSpace(id) == "" {
		return s.defaultConversation
	}
	return id
}

func (s *toolServer) executePython(ctx context.Context, _ *mcp.CallToolRequest, in executeInput) (*mcp.CallToolResult, struct{}, error) {
	s.inflight.Begin()
	defer s.inflight.End()

	resp, err := s.exec.Execute(ctx, s.conversation(in.ConversationID), in.Code, in.TimeoutSeconds)
	if err != nil {
		// Failures come back as tool output so the host's model can react
		// to them; only protocol-level faults surface as errors.
		return errorResult("execution failed: " + userErrorText(err)), struct{}{}, nil
	}

	text := resp.ResponseText
	debug.Log("mcp", "tool executed",
		"session_id", resp.SessionID,
		"execution_count", resp.ExecutionCount,
		"succeeded", resp.Succeeded,
	)
	return textResult(text), struct{}{}, nil
}

func (s *toolServer) clearSession(ctx context.Context, _ *mcp.CallToolRequest, in clearInput) (*mcp.CallToolResult, struct{}, error) {
	conversationID := s.conversation(in.ConversationID)
	removed, err := s.reg.Clear(ctx, conversationID)
	if err != nil {
		return errorResult("clearing session: " + err.Error()), struct{}{}, nil
	}
	if !removed {
		return textResult("no session to clear; the next execution starts fresh anyway"), struct{}{}, nil
	}
	return textResult("session cleared; the next execution starts fresh"), struct{}{}, nil
}

func (s *toolServer) listSessions(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, struct{}, error) {
	sessions, err := s.reg.List(ctx)
	if err != nil {
		return errorResult("listing sessions: " + err.Error()), struct{}{}, nil
	}
	if len(sessions) == 0 {
		return textResult("no live sessions"), struct{}{}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d live session(s):\n", len(sessions))
	for _, sess := range sessions {
		fmt.Fprintf(&b, "- %s  conversation=%s  executions=%d  idle=%s\n",
			sess.ID, sess.ConversationID, sess.ExecutionCount,
			time.Since(sess.LastUsedAt).Round(time.Second))
	}
	return textResult(b.String()), struct{}{}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

func userErrorText(err error) string {
	var execErr *api.ExecError
	if errors.As(err, &execErr) {
		return execErr.UserMessage()
	}
	return err.Error()
}

// buildStore selects the session store backend.
func buildStore(ctx context.Context, cfg *config.Config) (storage.SessionStore, error) {
	switch cfg.Sessions.Store {
	case "", "memory":
		return memory.New(cfg.Sessions.MaxSize), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Sessions.Postgres.DSN,
			MaxConns:       cfg.Sessions.Postgres.MaxConns,
			MigrateOnStart: cfg.Sessions.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return store, nil
	case "redis":
		store, err := redisstore.New(redisstore.Config{
			Addr:       cfg.Sessions.Redis.Addr,
			Password:   cfg.Sessions.Redis.Password,
			DB:         cfg.Sessions.Redis.DB,
			Prefix:     cfg.Sessions.Redis.Prefix,
			SessionTTL: cfg.Sessions.Redis.SessionTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Sessions.Store)
	}
}

// buildEndpointProvider mirrors cmd/server: static pool endpoint or
// per-session kubernetes claims; none in demo mode.
func buildEndpointProvider(cfg *config.Config, demoMode bool) (executor.EndpointProvider, error) {
	if demoMode {
		return nil, nil
	}
	if cfg.Backend.Mode == api.BackendModeKubernetes {
		restCfg, err := ctrlconfig.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
		scheme, err := k8sendpoint.NewScheme()
		if err != nil {
			return nil, err
		}
		c, err := client.New(restCfg, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		return k8sendpoint.NewClaimProvider(c,
			cfg.Backend.Kubernetes.Template,
			cfg.Backend.Kubernetes.Namespace,
			cfg.Backend.Kubernetes.ClaimTimeout,
		)
	}
	return executor.NewStaticProvider(cfg.Backend.Endpoint)
}
