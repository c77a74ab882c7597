// Package config provides unified configuration for the chatrelay server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (CHATRELAY_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Config holds all configuration for the chatrelay server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backends      BackendsConfig      `yaml:"backends"`
	Engine        EngineConfig        `yaml:"engine"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`                // default: 8080
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // default: 10s
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // default: 120s
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`    // default: 30s
	MaxBodySize       int64         `yaml:"max_body_size"`       // default: 1 MB
}

// BackendsConfig holds one section per backend kind.
type BackendsConfig struct {
	RawGenerate      BackendConfig `yaml:"raw_generate"`
	OpenAICompatible BackendConfig `yaml:"openai_compatible"`
	VendorAPI        BackendConfig `yaml:"vendor_api"`
}

// BackendConfig configures one backend adapter. Runtime and ModelMapping
// apply to openai_compatible only, Organization to vendor_api only.
type BackendConfig struct {
	Enabled            bool              `yaml:"enabled"`
	BaseURL            string            `yaml:"base_url"`
	APIKey             string            `yaml:"api_key"`
	APIKeyFile         string            `yaml:"api_key_file"`
	Timeout            time.Duration     `yaml:"timeout"`
	ReadTimeout        time.Duration     `yaml:"read_timeout"`
	MaxMalformedFrames int               `yaml:"max_malformed_frames"`
	DefaultModel       string            `yaml:"default_model"`
	Runtime            string            `yaml:"runtime"`
	ModelMapping       map[string]string `yaml:"model_mapping"`
	Organization       string            `yaml:"organization"`
}

// Enabled returns the sections of the enabled backends.
func (b *BackendsConfig) Enabled() map[api.Backend]BackendConfig {
	out := make(map[api.Backend]BackendConfig, 3)
	if b.RawGenerate.Enabled {
		out[api.BackendRawGenerate] = b.RawGenerate
	}
	if b.OpenAICompatible.Enabled {
		out[api.BackendOpenAICompatible] = b.OpenAICompatible
	}
	if b.VendorAPI.Enabled {
		out[api.BackendVendorAPI] = b.VendorAPI
	}
	return out
}

// EngineConfig holds orchestrator and session defaults.
type EngineConfig struct {
	DefaultBackend  string        `yaml:"default_backend"`  // default: "raw-generate"
	DefaultModel    string        `yaml:"default_model"`    // optional
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"` // default: 5m
	EventBuffer     int           `yaml:"event_buffer"`     // default: 16
	Params          ParamsConfig  `yaml:"params"`
}

// ParamsConfig holds default generation parameters. Nil fields are left to
// the backend.
type ParamsConfig struct {
	MaxTokens         *int     `yaml:"max_tokens"`  // default: 2048
	Temperature       *float64 `yaml:"temperature"` // default: 0.7
	TopP              *float64 `yaml:"top_p"`
	TopK              *int     `yaml:"top_k"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
}

// GenerationParams converts the section to the API type.
func (p ParamsConfig) GenerationParams() api.GenerationParams {
	return api.GenerationParams{
		MaxTokens:         p.MaxTokens,
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		TopK:              p.TopK,
		RepetitionPenalty: p.RepetitionPenalty,
	}
}

// StorageConfig holds conversation store settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory", "postgres" or "sqlite", default: "memory"
	Memory   MemoryConfig   `yaml:"memory"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Retry    RetryConfig    `yaml:"retry"`
}

// MemoryConfig holds in-memory store settings.
type MemoryConfig struct {
	MaxSize int `yaml:"max_size"` // sessions kept, default: 10000
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"`          // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"`         // default: 10
	MinConns        int32         `yaml:"min_conns"`         // default: 1
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // default: 30m
	MigrateOnStart  bool          `yaml:"migrate_on_start"`  // default: true
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // file path or ":memory:", default: "chatrelay.db"
}

// RetryConfig controls background retries of unavailable-store writes.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"` // default: 500ms
	MaxInterval     time.Duration `yaml:"max_interval"`     // default: 30s
	MaxElapsed      time.Duration `yaml:"max_elapsed"`      // default: 10m
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"` // "none", "apikey" or "jwt", default: "none"
	Keys      []APIKeyConfig  `yaml:"keys"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key     string   `yaml:"key" json:"key"`
	KeyFile string   `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject string   `yaml:"subject" json:"subject"`
	Tenant  string   `yaml:"tenant" json:"tenant"`
	Tier    string   `yaml:"tier" json:"tier"`
	Scopes  []string `yaml:"scopes" json:"scopes"`
}

// JWTConfig configures bearer JWT validation. Secret (HMAC) and
// PublicKeyFile (RSA PEM) are mutually exclusive.
type JWTConfig struct {
	Secret        string        `yaml:"secret"`
	SecretFile    string        `yaml:"secret_file"`
	PublicKeyFile string        `yaml:"public_key_file"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	UserClaim     string        `yaml:"user_claim"`   // default: "sub"
	TenantClaim   string        `yaml:"tenant_claim"` // default: "tenant_id"
	Leeway        time.Duration `yaml:"leeway"`
}

// RateLimitConfig holds per-tier request budgets. A zero
// requests_per_minute disables limiting for that tier.
type RateLimitConfig struct {
	RequestsPerMinute int                   `yaml:"requests_per_minute"`
	Burst             int                   `yaml:"burst"`
	Tiers             map[string]TierConfig `yaml:"tiers"`
}

// TierConfig is the budget of one tier.
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ObservabilityConfig holds monitoring and logging settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig selects the slog handler and debug categories.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma separated debug categories
}

// WebSocketConfig holds settings for the WebSocket endpoint.
type WebSocketConfig struct {
	Enabled        bool          `yaml:"enabled"`          // default: true
	Path           string        `yaml:"path"`             // default: "/v1/ws"
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default: 60s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default: 10s
	PingInterval   time.Duration `yaml:"ping_interval"`    // default: 54s
	MaxMessageSize int64         `yaml:"max_message_size"` // default: 1 MB
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	maxTokens := 2048
	temperature := 0.7
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodySize:       1 << 20,
		},
		Backends: BackendsConfig{
			RawGenerate: BackendConfig{
				Enabled:      true,
				BaseURL:      "http://localhost:11434",
				Timeout:      120 * time.Second,
				ReadTimeout:  60 * time.Second,
				DefaultModel: "llama3.2",
			},
			OpenAICompatible: BackendConfig{
				BaseURL:     "http://localhost:8000",
				Runtime:     "vllm",
				Timeout:     120 * time.Second,
				ReadTimeout: 60 * time.Second,
			},
			VendorAPI: BackendConfig{
				BaseURL:      "https://api.openai.com/v1/",
				Timeout:      120 * time.Second,
				ReadTimeout:  60 * time.Second,
				DefaultModel: "gpt-4o-mini",
			},
		},
		Engine: EngineConfig{
			DefaultBackend:  string(api.BackendRawGenerate),
			ExchangeTimeout: 5 * time.Minute,
			EventBuffer:     16,
			Params: ParamsConfig{
				MaxTokens:   &maxTokens,
				Temperature: &temperature,
			},
		},
		Storage: StorageConfig{
			Type:   "memory",
			Memory: MemoryConfig{MaxSize: 10000},
			Postgres: PostgresConfig{
				MaxConns:        10,
				MinConns:        1,
				MaxConnLifetime: 30 * time.Minute,
				MigrateOnStart:  true,
			},
			SQLite: SQLiteConfig{Path: "chatrelay.db"},
			Retry: RetryConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				MaxElapsed:      10 * time.Minute,
			},
		},
		Auth: AuthConfig{
			Type: "none",
			JWT: JWTConfig{
				UserClaim:   "sub",
				TenantClaim: "tenant_id",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Logging: LoggingConfig{
				Level:  "INFO",
				Format: "text",
			},
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/v1/ws",
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   54 * time.Second,
			MaxMessageSize: 1 << 20,
		},
	}
}
