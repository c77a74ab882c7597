package generate

import (
	"time"

	"github.com/rhuss/chatrelay/pkg/provider"
)

// Config holds configuration for a raw-generate backend.
type Config struct {
	// BaseURL is the server root (e.g., "http://localhost:11434").
	BaseURL string

	// APIKey is sent as a Bearer token when set, for servers behind an
	// authenticating proxy.
	APIKey string

	// Timeout bounds non-streaming requests and model listing, and the
	// wait for the response headers of a stream. Defaults to 120s.
	Timeout time.Duration

	// ReadTimeout is the idle interval after which a silent stream is
	// aborted. Defaults to provider.DefaultReadTimeout.
	ReadTimeout time.Duration

	// MaxMalformedFrames aborts a stream after more than this many
	// consecutive unparseable lines. Zero skips them without limit.
	MaxMalformedFrames int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Timeout:     120 * time.Second,
		ReadTimeout: provider.DefaultReadTimeout,
	}
}
