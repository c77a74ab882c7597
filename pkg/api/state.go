package api

import "fmt"

// ExchangeState is the lifecycle state of one exchange.
type ExchangeState string

const (
	StateIdle      ExchangeState = "idle"
	StateSending   ExchangeState = "sending"
	StateStreaming ExchangeState = "streaming"
	StateCompleted ExchangeState = "completed"
	StateFailed    ExchangeState = "failed"
	StateCancelled ExchangeState = "cancelled"
)

// Terminal reports whether s has no outgoing transitions.
func (s ExchangeState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether an exchange in state s holds its session.
func (s ExchangeState) Active() bool {
	return s == StateSending || s == StateStreaming
}

var exchangeTransitions = map[ExchangeState][]ExchangeState{
	StateIdle:      {StateSending},
	StateSending:   {StateStreaming, StateFailed, StateCancelled},
	StateStreaming: {StateCompleted, StateFailed, StateCancelled},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// ValidateTransition checks whether an exchange may move from one state to
// another. Failure or cancellation before the first backend event is allowed
// directly from sending.
func ValidateTransition(from, to ExchangeState) *Error {
	allowed, exists := exchangeTransitions[from]
	if !exists {
		return NewInvalidRequestError("state",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("state",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
