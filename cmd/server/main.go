// Command server runs the sandkasten execution session manager.
//
// Configuration is layered: built-in defaults, an optional YAML file
// (-config flag, SANDKASTEN_CONFIG, ./config.yaml, /etc/sandkasten/config.yaml),
// then environment overrides. See pkg/config for the full reference. The
// conventional AZURE_* variables keep working, so a deployment that only sets
// AZURE_CONTAINER_APPS_SESSION_POOL_ENDPOINT comes up in static backend mode
// with the workload identity credential chain.
//
// With no backend endpoint and no explicit demo flag the server starts in
// demo mode: executions are simulated locally and marked as such.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rbackhaus/sandkasten/pkg/agent"
	"github.com/rbackhaus/sandkasten/pkg/api"
	"github.com/rbackhaus/sandkasten/pkg/auth"
	"github.com/rbackhaus/sandkasten/pkg/auth/apikey"
	"github.com/rbackhaus/sandkasten/pkg/auth/jwt"
	"github.com/rbackhaus/sandkasten/pkg/auth/noop"
	"github.com/rbackhaus/sandkasten/pkg/config"
	"github.com/rbackhaus/sandkasten/pkg/credentials"
	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/executor"
	k8sendpoint "github.com/rbackhaus/sandkasten/pkg/executor/kubernetes"
	"github.com/rbackhaus/sandkasten/pkg/llm"
	"github.com/rbackhaus/sandkasten/pkg/registry"
	"github.com/rbackhaus/sandkasten/pkg/storage"
	"github.com/rbackhaus/sandkasten/pkg/storage/memory"
	"github.com/rbackhaus/sandkasten/pkg/storage/postgres"
	redisstore "github.com/rbackhaus/sandkasten/pkg/storage/redis"
	"github.com/rbackhaus/sandkasten/pkg/transport"
	transporthttp "github.com/rbackhaus/sandkasten/pkg/transport/http"
)

// version is stamped at build time via -ldflags "-X main.version=v1.2.3".
var version = "dev"

// credentialProbeTimeout bounds the startup probe that decides the
// credentials_available health field. Every source in the chain gets its
// try within this window.
const credentialProbeTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
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

	// The credential chain only matters in static mode: kubernetes mode
	// relies on in-cluster trust, demo mode never calls out. The chain is
	// still built in demo mode so health can report what a real deployment
	// would see.
	var creds *credentials.Provider
	credsAvailable := false
	if cfg.Backend.Mode != api.BackendModeKubernetes {
		creds, err = buildCredentials(cfg)
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(context.Background(), credentialProbeTimeout)
		credsAvailable = creds.Available(probeCtx, backendAudience(cfg))
		cancel()
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

	chatAgent, err := buildAgent(cfg, exec)
	if err != nil {
		return err
	}

	authMW, err := buildAuthMiddleware(cfg)
	if err != nil {
		return err
	}

	execer := transport.ExecerFunc(func(ctx context.Context, req *api.ExecuteRequest) (*api.ExecuteResponse, error) {
		return exec.Execute(ctx, req.ConversationID, req.Code, req.TimeoutSeconds)
	})

	srv := transporthttp.NewServer(execer, chatAgent, reg,
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodyBytes),
		transporthttp.WithReadTimeout(cfg.Server.ReadTimeout),
		transporthttp.WithWriteTimeout(cfg.Server.WriteTimeout),
		transporthttp.WithHealth(transporthttp.HealthInfo{
			DemoMode:             demoMode,
			CredentialsAvailable: credsAvailable,
			LLMConfigured:        cfg.LLMConfigured(),
			BackendMode:          exec.Mode(),
			Version:              version,
		}),
		transporthttp.WithHTTPMiddleware(authMW),
	)

	slog.Info("sandkasten starting",
		"version", version,
		"port", cfg.Server.Port,
		"backend_mode", exec.Mode(),
		"demo", demoMode,
		"credentials_available", credsAvailable,
		"store", cfg.Sessions.Store,
		"llm_configured", cfg.LLMConfigured(),
		"auth_mode", cfg.Auth.Mode,
	)

	serveErr := srv.ListenAndServe()

	// Shutdown can return with executions still running when its deadline
	// expires; give them a moment before the store goes away under them.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := srv.Adapter().InFlight().Drain(drainCtx); derr != nil {
		slog.Warn("executions still in flight at close", "count", srv.Adapter().InFlight().Count())
	}

	return serveErr
}

// buildCredentials assembles the credential source chain and the caching
// provider on top of it.
func buildCredentials(cfg *config.Config) (*credentials.Provider, error) {
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
		return nil, fmt.Errorf("building credential chain: %w", err)
	}
	return credentials.NewProvider(chain, credentials.Config{Margin: cfg.Credentials.CacheMargin}), nil
}

func backendAudience(cfg *config.Config) string {
	if cfg.Backend.Audience != "" {
		return cfg.Backend.Audience
	}
	return credentials.DefaultAudience
}

// buildStore selects the session store backend.
func buildStore(ctx context.Context, cfg *config.Config) (storage.SessionStore, error) {
	switch cfg.Sessions.Store {
	case "", "memory":
		slog.Info("session store", "type", "memory", "max_size", cfg.Sessions.MaxSize)
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
		slog.Info("session store", "type", "postgres", "max_conns", cfg.Sessions.Postgres.MaxConns)
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
		slog.Info("session store", "type", "redis", "addr", cfg.Sessions.Redis.Addr)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Sessions.Store)
	}
}

// buildEndpointProvider resolves how executions find their backend. Demo
// mode needs none; kubernetes mode claims per-session sandboxes; static
// mode posts everything to one pool endpoint.
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

// buildAgent wires the chat layer. Without a model base URL the agent runs
// in demo chat mode and still executes code blocks it finds in the request.
func buildAgent(cfg *config.Config, runner agent.CodeRunner) (*agent.Agent, error) {
	var model agent.ChatClient
	if cfg.LLMConfigured() {
		llmCfg := llm.Config{
			BaseURL:    cfg.LLM.BaseURL,
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.Model,
			APIVersion: cfg.LLM.APIVersion,
		}
		if cfg.LLM.Kind != "openai" {
			llmCfg.Deployment = cfg.LLM.Deployment
		}
		client, err := llm.New(llmCfg)
		if err != nil {
			return nil, fmt.Errorf("building model client: %w", err)
		}
		model = client
		slog.Info("model configured", "model", client.Model(), "azure", llmCfg.Deployment != "")
	} else {
		slog.Info("no model configured, chat runs in demo mode")
	}

	return agent.New(model, runner, agent.Config{
		MaxToolTurns: cfg.LLM.MaxToolTurns,
		SystemPrompt: cfg.LLM.SystemPrompt,
	})
}

// buildAuthMiddleware assembles the inbound authentication chain and rate
// limiter from config.
func buildAuthMiddleware(cfg *config.Config) (func(http.Handler) http.Handler, error) {
	chain := &auth.Chain{}
	switch cfg.Auth.Mode {
	case "", "none":
		chain.Authenticators = []auth.Authenticator{&noop.Authenticator{}}
		chain.DefaultDecision = auth.Yes

	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(cfg.Auth.Keys))
		for _, k := range cfg.Auth.Keys {
			identity := auth.Identity{Subject: k.Subject, ServiceTier: k.ServiceTier}
			if k.TenantID != "" {
				identity.Metadata = map[string]string{"tenant_id": k.TenantID}
			}
			entries = append(entries, apikey.RawKeyEntry{Key: k.Key, Identity: identity})
		}
		chain.Authenticators = []auth.Authenticator{apikey.New(entries)}
		chain.DefaultDecision = auth.No

	case "jwt":
		chain.Authenticators = []auth.Authenticator{jwt.New(jwt.Config{
			Issuer:   cfg.Auth.JWT.Issuer,
			Audience: cfg.Auth.JWT.Audience,
			JWKSURL:  cfg.Auth.JWT.JWKSURL,
		})}
		chain.DefaultDecision = auth.No

	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}

	var limiter auth.RateLimiter
	rl := cfg.Auth.RateLimit
	if rl.Default.RequestsPerMinute > 0 || len(rl.Tiers) > 0 {
		tiers := make(map[string]auth.TierConfig, len(rl.Tiers))
		for name, t := range rl.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
		}
		limiter = auth.NewTokenBucketLimiter(tiers, auth.TierConfig{
			RequestsPerMinute: rl.Default.RequestsPerMinute,
			Burst:             rl.Default.Burst,
		})
	}

	return auth.Middleware(chain, limiter, auth.MiddlewareConfig{}), nil
}
