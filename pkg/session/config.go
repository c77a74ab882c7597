package session

import (
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/engine"
)

// Config holds configuration for the session manager.
type Config struct {
	// DefaultBackend is used when a new session names no backend.
	DefaultBackend api.Backend

	// DefaultModel is used when neither the request nor DefaultModels
	// name a model.
	DefaultModel string

	// DefaultModels holds the per-backend default model.
	DefaultModels map[api.Backend]string

	// Retry controls background retries of writes the store rejected as
	// unavailable.
	Retry RetryConfig

	// Engine configures the orchestrator.
	Engine engine.Config
}

// RetryConfig controls the exponential backoff of store retries.
type RetryConfig struct {
	// InitialInterval is the first wait. Defaults to 500ms.
	InitialInterval time.Duration

	// MaxInterval caps a single wait. Defaults to 30s.
	MaxInterval time.Duration

	// MaxElapsed is how long one message is retried before it is
	// dropped. Defaults to 10m.
	MaxElapsed time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 10 * time.Minute
	}
	return c
}

// model resolves the model for a new session on backend.
func (c Config) model(backend api.Backend, requested string) string {
	if requested != "" {
		return requested
	}
	if m := c.DefaultModels[backend]; m != "" {
		return m
	}
	return c.DefaultModel
}
