package config

import (
	"errors"
	"fmt"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error naming the offending field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Backend.Mode {
	case api.BackendModeStatic, api.BackendModeKubernetes:
	default:
		errs = append(errs, fmt.Errorf("backend.mode must be %q or %q, got %q",
			api.BackendModeStatic, api.BackendModeKubernetes, c.Backend.Mode))
	}
	if c.Backend.Mode == api.BackendModeKubernetes && c.Backend.Kubernetes.Template == "" {
		errs = append(errs, fmt.Errorf("backend.kubernetes.template is required in kubernetes mode"))
	}

	switch c.Sessions.Store {
	case "memory", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("sessions.store must be \"memory\", \"postgres\", or \"redis\", got %q", c.Sessions.Store))
	}
	if c.Sessions.Store == "postgres" && c.Sessions.Postgres.DSN == "" {
		errs = append(errs, fmt.Errorf("sessions.postgres.dsn or sessions.postgres.dsn_file is required when sessions.store is \"postgres\""))
	}
	if c.Sessions.Store == "redis" && c.Sessions.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("sessions.redis.addr is required when sessions.store is \"redis\""))
	}

	switch c.LLM.Kind {
	case "", "openai", "azure":
	default:
		errs = append(errs, fmt.Errorf("llm.kind must be \"openai\" or \"azure\", got %q", c.LLM.Kind))
	}
	// The openai dialect has no deployment to fall back on.
	if c.LLM.BaseURL != "" && c.LLM.Deployment == "" && c.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm.model is required for the openai dialect"))
	}

	switch c.Auth.Mode {
	case "none", "apikey", "jwt":
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Mode))
	}
	if c.Auth.Mode == "apikey" {
		if len(c.Auth.Keys) == 0 {
			errs = append(errs, fmt.Errorf("auth.keys must list at least one key when auth.mode is \"apikey\""))
		}
		for i, k := range c.Auth.Keys {
			if k.Key == "" {
				errs = append(errs, fmt.Errorf("auth.keys[%d].key or key_file is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.keys[%d].subject is required", i))
			}
		}
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWT.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.mode is \"jwt\""))
	}

	return errors.Join(errs...)
}
