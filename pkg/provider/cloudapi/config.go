package cloudapi

import "time"

// DefaultBaseURL is the vendor API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// Config holds configuration for the vendor API backend.
type Config struct {
	// BaseURL is the API root including the version path. Defaults to
	// DefaultBaseURL.
	BaseURL string

	// APIKey is required.
	APIKey string

	// Organization is sent as the OpenAI-Organization header when set.
	Organization string

	// Timeout bounds non-streaming requests. Defaults to 120s.
	Timeout time.Duration

	// ReadTimeout is the idle interval between chunks after which a
	// stream is aborted. Defaults to provider.DefaultReadTimeout.
	ReadTimeout time.Duration

	// MaxMalformedFrames aborts a stream after more than this many
	// consecutive unparseable frames. Zero means unlimited.
	MaxMalformedFrames int
}
