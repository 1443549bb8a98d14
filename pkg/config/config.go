// Package config provides unified configuration for the sandkasten server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (SANDKASTEN_ prefix, plus the
//     conventional AZURE_* names the service grew up with)
//  4. Secret file resolution (_file suffix fields)
//  5. Validation
package config

import (
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// Config holds all configuration for the sandkasten server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	LLM         LLMConfig         `yaml:"llm"`
	Auth        AuthConfig        `yaml:"auth"`
	Debug       DebugConfig       `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int           `yaml:"port"`         // default: 8080
	ReadTimeout time.Duration `yaml:"read_timeout"` // default: 30s

	// WriteTimeout must exceed the longest execution deadline plus
	// transport overhead, or long-running code gets cut off mid-response.
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 5m

	// MaxBodyBytes caps request bodies. Default: 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// BackendConfig holds execution backend settings.
type BackendConfig struct {
	// Endpoint is the session pool management endpoint executions are
	// POSTed to. Required in static mode unless demo is on.
	Endpoint string `yaml:"endpoint"`

	// Mode selects endpoint resolution: "static" (default) or
	// "kubernetes".
	Mode string `yaml:"mode"`

	// Demo simulates executions locally instead of calling a backend.
	Demo bool `yaml:"demo"`

	// Audience is the token audience requested for backend calls.
	Audience string `yaml:"audience"`

	// TokenTimeout bounds credential acquisition per execution.
	TokenTimeout time.Duration `yaml:"token_timeout"`

	// TransportOverhead is added to the requested execution timeout to
	// form the HTTP deadline.
	TransportOverhead time.Duration `yaml:"transport_overhead"`

	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// KubernetesConfig holds settings for kubernetes endpoint resolution.
type KubernetesConfig struct {
	// Template names the sandbox claim template to instantiate.
	Template string `yaml:"template"`

	// Namespace the claims are created in. Default: "default".
	Namespace string `yaml:"namespace"`

	// ClaimTimeout bounds waiting for a claimed sandbox to become ready.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// CredentialsConfig holds token acquisition settings. Empty fields fall
// back to the conventional AZURE_* environment variables.
type CredentialsConfig struct {
	// Sources orders the credential chain. Valid names:
	// workload_identity, managed_identity, azure_cli, client_secret,
	// static. Empty means all, in that order.
	Sources []string `yaml:"sources"`

	TenantID           string `yaml:"tenant_id"`
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	ClientSecretFile   string `yaml:"client_secret_file"`
	FederatedTokenFile string `yaml:"federated_token_file"`
	StaticToken        string `yaml:"static_token"`
	StaticTokenFile    string `yaml:"static_token_file"`
	AuthorityHost      string `yaml:"authority_host"`

	// CacheMargin is subtracted from token expiry when deciding whether
	// the cached token is still fresh.
	CacheMargin time.Duration `yaml:"cache_margin"`
}

// SessionsConfig holds session registry and store settings.
type SessionsConfig struct {
	// IdleTimeout retires sessions unused for this long. Zero means the
	// registry default (30m); negative disables reaping.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Store selects the session store: "memory" (default), "postgres",
	// or "redis".
	Store string `yaml:"store"`

	// MaxSize bounds the memory store. Default: 10000.
	MaxSize int `yaml:"max_size"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL store settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`
	MaxConns       int32  `yaml:"max_conns"` // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// RedisConfig holds Redis store settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	PasswordFile string        `yaml:"password_file"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// LLMConfig holds chat model settings. With no base URL the server runs
// without a model and chat degrades to demo replies.
type LLMConfig struct {
	// Kind selects the dialect: "openai" or "azure". Empty infers azure
	// when a deployment is set.
	Kind string `yaml:"kind"`

	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"`

	// Model is the model name for the openai dialect.
	Model string `yaml:"model"`

	// Deployment selects the Azure deployment. Default when the azure
	// dialect is active: "gpt-35-turbo".
	Deployment string `yaml:"deployment"`

	// APIVersion is the Azure api-version query parameter.
	APIVersion string `yaml:"api_version"`

	// MaxToolTurns bounds execution rounds per chat exchange.
	MaxToolTurns int `yaml:"max_tool_turns"`

	// SystemPrompt replaces the built-in agent instructions.
	SystemPrompt string `yaml:"system_prompt"`
}

// AuthConfig holds inbound authentication settings.
type AuthConfig struct {
	// Mode selects the authenticator: "none" (default), "apikey", or
	// "jwt".
	Mode string `yaml:"mode"`

	// Keys configures the apikey mode.
	Keys []APIKeyConfig `yaml:"keys"`

	// JWT configures the jwt mode.
	JWT JWTConfig `yaml:"jwt"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key"`
	KeyFile     string `yaml:"key_file"`
	Subject     string `yaml:"subject"`
	TenantID    string `yaml:"tenant_id"`
	ServiceTier string `yaml:"service_tier"`
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwks_url"`
}

// RateLimitConfig holds token bucket settings keyed by service tier.
// A zero default rate disables limiting.
type RateLimitConfig struct {
	Default TierConfig            `yaml:"default"`
	Tiers   map[string]TierConfig `yaml:"tiers"`
}

// TierConfig holds one tier's bucket settings.
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// DebugConfig holds debug logging settings, overridable via
// SANDKASTEN_DEBUG and SANDKASTEN_LOG_LEVEL.
type DebugConfig struct {
	// Categories is a comma-separated category list, or "all".
	Categories string `yaml:"categories"`

	// Level is ERROR, WARN, INFO, DEBUG, or TRACE.
	Level string `yaml:"level"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			MaxBodyBytes: 1 << 20,
		},
		Backend: BackendConfig{
			Mode: api.BackendModeStatic,
			Kubernetes: KubernetesConfig{
				Namespace: "default",
			},
		},
		Sessions: SessionsConfig{
			Store:   "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Mode: "none",
		},
	}
}

// DemoImplied reports whether the server should run in demo mode: either
// explicitly requested, or static mode with no backend endpoint to call.
func (c *Config) DemoImplied() bool {
	if c.Backend.Demo {
		return true
	}
	return c.Backend.Mode != api.BackendModeKubernetes && c.Backend.Endpoint == ""
}

// LLMConfigured reports whether a chat model backend is set up.
func (c *Config) LLMConfigured() bool {
	return c.LLM.BaseURL != ""
}
