package api

// TokenEventType discriminates the three token event variants.
type TokenEventType string

const (
	TokenDelta TokenEventType = "delta"
	TokenDone  TokenEventType = "done"
	TokenError TokenEventType = "error"
)

// TokenEvent is the unified streaming output of an exchange. A well-formed
// stream is zero or more delta events followed by exactly one done or error
// event. Cancellation surfaces as an error event of KindCancelled.
type TokenEvent struct {
	Type       TokenEventType `json:"type"`
	SessionID  string         `json:"session_id"`
	ExchangeID string         `json:"exchange_id"`

	// Delta is set on delta events.
	Delta string `json:"delta,omitempty"`

	// Text is the full accumulated assistant text on terminal events.
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Partial      bool   `json:"partial,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	Error    *Error   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Terminal reports whether e ends its stream.
func (e TokenEvent) Terminal() bool {
	return e.Type == TokenDone || e.Type == TokenError
}

// Result converts a terminal event into the non-streaming result shape.
func (e TokenEvent) Result() *ChatResult {
	return &ChatResult{
		SessionID:    e.SessionID,
		ExchangeID:   e.ExchangeID,
		Text:         e.Text,
		FinishReason: e.FinishReason,
		Partial:      e.Partial,
		Usage:        e.Usage,
		Warnings:     e.Warnings,
		Error:        e.Error,
	}
}
