package engine

import (
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
)

const (
	// DefaultExchangeTimeout bounds one exchange end to end.
	DefaultExchangeTimeout = 5 * time.Minute

	// DefaultEventBuffer is the per-subscriber channel capacity.
	DefaultEventBuffer = 16
)

// Config holds configuration for the orchestrator.
type Config struct {
	// ExchangeTimeout is the ceiling for one exchange, independent of the
	// adapters' idle read timeouts. Expiry fails the exchange with
	// KindTimeout. Zero means DefaultExchangeTimeout, negative disables it.
	ExchangeTimeout time.Duration

	// EventBuffer is the capacity of each subscriber channel. Zero means
	// DefaultEventBuffer.
	EventBuffer int

	// DefaultParams fill generation parameters the request leaves unset.
	DefaultParams api.GenerationParams
}

func (c Config) exchangeTimeout() time.Duration {
	if c.ExchangeTimeout == 0 {
		return DefaultExchangeTimeout
	}
	return c.ExchangeTimeout
}

func (c Config) eventBuffer() int {
	if c.EventBuffer <= 0 {
		return DefaultEventBuffer
	}
	return c.EventBuffer
}
