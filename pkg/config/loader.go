package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
//  2. YAML config file (explicit path, CHATRELAY_CONFIG env, ./config.yaml, /etc/chatrelay/config.yaml)
//  3. CHATRELAY_* environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. CHATRELAY_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/chatrelay/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("CHATRELAY_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/chatrelay/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses a YAML file over cfg. Unknown keys are errors so
// typos do not silently fall back to defaults.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides maps CHATRELAY_* variables onto cfg. Setting the URL of
// a backend enables it.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	enable := func(name string, b *BackendConfig) {
		if v := os.Getenv(name); v != "" {
			b.BaseURL = v
			b.Enabled = true
		}
	}

	if v := os.Getenv("CHATRELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("CHATRELAY_PORT: %v", err))
		} else {
			cfg.Server.Port = port
		}
	}
	str("CHATRELAY_DEFAULT_BACKEND", &cfg.Engine.DefaultBackend)
	str("CHATRELAY_DEFAULT_MODEL", &cfg.Engine.DefaultModel)
	if v := os.Getenv("CHATRELAY_EXCHANGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("CHATRELAY_EXCHANGE_TIMEOUT: %v", err))
		} else {
			cfg.Engine.ExchangeTimeout = d
		}
	}

	str("CHATRELAY_STORAGE", &cfg.Storage.Type)
	str("CHATRELAY_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	str("CHATRELAY_SQLITE_PATH", &cfg.Storage.SQLite.Path)

	enable("CHATRELAY_OLLAMA_URL", &cfg.Backends.RawGenerate)
	enable("CHATRELAY_OPENAI_COMPAT_URL", &cfg.Backends.OpenAICompatible)
	str("CHATRELAY_OPENAI_COMPAT_API_KEY", &cfg.Backends.OpenAICompatible.APIKey)
	str("CHATRELAY_VENDOR_URL", &cfg.Backends.VendorAPI.BaseURL)
	if v := os.Getenv("CHATRELAY_VENDOR_API_KEY"); v != "" {
		cfg.Backends.VendorAPI.APIKey = v
		cfg.Backends.VendorAPI.Enabled = true
	}

	str("CHATRELAY_AUTH_TYPE", &cfg.Auth.Type)
	str("CHATRELAY_JWT_SECRET", &cfg.Auth.JWT.Secret)
	if v := os.Getenv("CHATRELAY_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("CHATRELAY_API_KEYS: %v", err))
		} else {
			cfg.Auth.Keys = keys
		}
	}

	str("CHATRELAY_LOG_LEVEL", &cfg.Observability.Logging.Level)
	str("CHATRELAY_LOG_FORMAT", &cfg.Observability.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(s string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields. A value set directly wins over its file.
func resolveFileReferences(cfg *Config) error {
	backends := []struct {
		name string
		b    *BackendConfig
	}{
		{"backends.raw_generate", &cfg.Backends.RawGenerate},
		{"backends.openai_compatible", &cfg.Backends.OpenAICompatible},
		{"backends.vendor_api", &cfg.Backends.VendorAPI},
	}
	for _, be := range backends {
		if err := fromFile(&be.b.APIKey, be.b.APIKeyFile, be.name+".api_key_file"); err != nil {
			return err
		}
	}

	if err := fromFile(&cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.DSNFile, "storage.postgres.dsn_file"); err != nil {
		return err
	}
	if err := fromFile(&cfg.Auth.JWT.Secret, cfg.Auth.JWT.SecretFile, "auth.jwt.secret_file"); err != nil {
		return err
	}
	for i := range cfg.Auth.Keys {
		k := &cfg.Auth.Keys[i]
		if err := fromFile(&k.Key, k.KeyFile, fmt.Sprintf("auth.keys[%d].key_file", i)); err != nil {
			return err
		}
	}
	return nil
}

func fromFile(dst *string, path, field string) error {
	if path == "" || *dst != "" {
		return nil
	}
	val, err := readSecretFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = val
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
