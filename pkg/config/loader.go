package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SANDKASTEN_CONFIG env,
//     ./config.yaml, /etc/sandkasten/config.yaml)
//  3. Environment variable overrides (legacy AZURE_* names first, then
//     SANDKASTEN_* so the structured names win)
//  4. Secret file resolution (_file suffix fields)
//  5. Conditional defaults and validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
//  1. Explicit configPath argument
//  2. SANDKASTEN_CONFIG environment variable
//  3. ./config.yaml in the current directory
//  4. /etc/sandkasten/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("SANDKASTEN_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/sandkasten/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyLegacyEnv maps the environment variables the original service ran
// on, so existing deployments keep working unchanged.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("AZURE_CONTAINER_APPS_SESSION_POOL_ENDPOINT"); v != "" {
		cfg.Backend.Endpoint = v
	}
	if v := os.Getenv("SESSION_POOL_AUDIENCE"); v != "" {
		cfg.Backend.Audience = v
	}
	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		cfg.LLM.BaseURL = v
		if cfg.LLM.Kind == "" {
			cfg.LLM.Kind = "azure"
		}
	}
	if v := os.Getenv("AZURE_OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	// The chat deployment name historically had two spellings.
	if v := os.Getenv("AZURE_OPENAI_CHAT_DEPLOYMENT_NAME"); v != "" {
		cfg.LLM.Deployment = v
	} else if v := os.Getenv("AZURE_OPENAI_DEPLOYMENT"); v != "" {
		cfg.LLM.Deployment = v
	}
	if v := os.Getenv("AZURE_OPENAI_API_VERSION"); v != "" {
		cfg.LLM.APIVersion = v
	}
}

// applyEnvOverrides maps SANDKASTEN_* environment variables to config
// fields. Runs after the legacy mapping so these win.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDKASTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SANDKASTEN_BACKEND_ENDPOINT"); v != "" {
		cfg.Backend.Endpoint = v
	}
	if v := os.Getenv("SANDKASTEN_BACKEND_MODE"); v != "" {
		cfg.Backend.Mode = v
	}
	if v := os.Getenv("SANDKASTEN_DEMO"); v != "" {
		if demo, err := strconv.ParseBool(v); err == nil {
			cfg.Backend.Demo = demo
		}
	}
	if v := os.Getenv("SANDKASTEN_SESSION_STORE"); v != "" {
		cfg.Sessions.Store = v
	}
	if v := os.Getenv("SANDKASTEN_SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.IdleTimeout = d
		}
	}
	if v := os.Getenv("SANDKASTEN_POSTGRES_DSN"); v != "" {
		cfg.Sessions.Postgres.DSN = v
	}
	if v := os.Getenv("SANDKASTEN_REDIS_ADDR"); v != "" {
		cfg.Sessions.Redis.Addr = v
	}
	if v := os.Getenv("SANDKASTEN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SANDKASTEN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SANDKASTEN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SANDKASTEN_LLM_DEPLOYMENT"); v != "" {
		cfg.LLM.Deployment = v
	}
	if v := os.Getenv("SANDKASTEN_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}

	// SANDKASTEN_API_KEYS: JSON array of API key entries.
	if v := os.Getenv("SANDKASTEN_API_KEYS"); v != "" {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &keys); err == nil && len(keys) > 0 {
			cfg.Auth.Keys = keys
		}
	}
}

// resolveFileReferences reads _file fields and populates the
// corresponding value fields. The direct value always wins; the file is
// only consulted when the value is empty.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name  string
		file  string
		value *string
	}{
		{"credentials.client_secret_file", cfg.Credentials.ClientSecretFile, &cfg.Credentials.ClientSecret},
		{"credentials.static_token_file", cfg.Credentials.StaticTokenFile, &cfg.Credentials.StaticToken},
		{"sessions.postgres.dsn_file", cfg.Sessions.Postgres.DSNFile, &cfg.Sessions.Postgres.DSN},
		{"sessions.redis.password_file", cfg.Sessions.Redis.PasswordFile, &cfg.Sessions.Redis.Password},
		{"llm.api_key_file", cfg.LLM.APIKeyFile, &cfg.LLM.APIKey},
	}
	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
	}

	for i := range cfg.Auth.Keys {
		if cfg.Auth.Keys[i].KeyFile != "" && cfg.Auth.Keys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.Keys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.Keys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding
// whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// normalize fills conditional defaults that depend on other fields.
func (c *Config) normalize() {
	// An Azure OpenAI endpoint without an explicit kind is the azure
	// dialect; the historical default deployment applies.
	if c.LLM.Kind == "" && strings.Contains(c.LLM.BaseURL, ".openai.azure.com") {
		c.LLM.Kind = "azure"
	}
	if c.LLM.Kind == "azure" && c.LLM.Deployment == "" {
		c.LLM.Deployment = "gpt-35-turbo"
	}
	if c.Auth.Mode == "noop" {
		c.Auth.Mode = "none"
	}
}
