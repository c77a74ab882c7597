package openaicompat

import (
	"time"

	"github.com/rhuss/chatrelay/pkg/provider"
)

// Config holds configuration for an OpenAI-compatible backend.
type Config struct {
	// Runtime names the serving runtime ("vllm", "litellm", ...). It is
	// used as the provider name in logs and metrics.
	Runtime string

	// BaseURL is the server root (e.g., "http://localhost:8000"). The
	// adapter appends /v1/chat/completions and /v1/models.
	BaseURL string

	// APIKey is sent as a Bearer token when set.
	APIKey string

	// Timeout bounds non-streaming requests and the wait for the response
	// headers of a stream. Defaults to 120s.
	Timeout time.Duration

	// ReadTimeout is the idle interval after which a silent stream is
	// aborted. Defaults to provider.DefaultReadTimeout.
	ReadTimeout time.Duration

	// MaxMalformedFrames aborts a stream after more than this many
	// consecutive unparseable frames. Zero skips them without limit.
	MaxMalformedFrames int

	// ModelMapping maps requested model names to backend model
	// identifiers (e.g., {"gpt-4": "openai/gpt-4"} behind LiteLLM).
	// Unmapped models pass through unchanged.
	ModelMapping map[string]string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		Runtime:     "vllm",
		BaseURL:     baseURL,
		Timeout:     120 * time.Second,
		ReadTimeout: provider.DefaultReadTimeout,
	}
}
