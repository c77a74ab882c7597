package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0"))
	}

	enabled := c.Backends.Enabled()
	if len(enabled) == 0 {
		errs = append(errs, fmt.Errorf("backends: at least one backend must be enabled"))
	}
	if c.Backends.RawGenerate.Enabled && c.Backends.RawGenerate.BaseURL == "" {
		errs = append(errs, fmt.Errorf("backends.raw_generate.base_url is required"))
	}
	if c.Backends.OpenAICompatible.Enabled && c.Backends.OpenAICompatible.BaseURL == "" {
		errs = append(errs, fmt.Errorf("backends.openai_compatible.base_url is required"))
	}
	if c.Backends.VendorAPI.Enabled && c.Backends.VendorAPI.APIKey == "" && c.Backends.VendorAPI.APIKeyFile == "" {
		errs = append(errs, fmt.Errorf("backends.vendor_api.api_key or api_key_file is required"))
	}
	for name, b := range map[string]BackendConfig{
		"raw_generate":      c.Backends.RawGenerate,
		"openai_compatible": c.Backends.OpenAICompatible,
		"vendor_api":        c.Backends.VendorAPI,
	} {
		if b.MaxMalformedFrames < 0 {
			errs = append(errs, fmt.Errorf("backends.%s.max_malformed_frames must be >= 0", name))
		}
	}

	if backend, err := api.ParseBackend(c.Engine.DefaultBackend); err != nil {
		errs = append(errs, fmt.Errorf("engine.default_backend: %w", err))
	} else if backend != "" {
		if _, ok := enabled[backend]; !ok && len(enabled) > 0 {
			errs = append(errs, fmt.Errorf("engine.default_backend %q is not enabled", c.Engine.DefaultBackend))
		}
	}
	if c.Engine.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("engine.event_buffer must be >= 0"))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite.path is required when storage.type is \"sqlite\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\" or \"sqlite\", got %q", c.Storage.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.Keys) == 0 {
			errs = append(errs, fmt.Errorf("auth.keys must not be empty when auth.type is \"apikey\""))
		}
	case "jwt":
		hasSecret := c.Auth.JWT.Secret != "" || c.Auth.JWT.SecretFile != ""
		hasKey := c.Auth.JWT.PublicKeyFile != ""
		if hasSecret == hasKey {
			errs = append(errs, fmt.Errorf("auth.jwt needs exactly one of secret/secret_file and public_key_file"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\" or \"jwt\", got %q", c.Auth.Type))
	}

	switch strings.ToLower(c.Observability.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("observability.logging.format must be \"text\" or \"json\", got %q", c.Observability.Logging.Format))
	}

	if c.WebSocket.Enabled && c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout && c.WebSocket.ReadTimeout > 0 {
		errs = append(errs, fmt.Errorf("websocket.ping_interval must be shorter than websocket.read_timeout"))
	}

	return errors.Join(errs...)
}
