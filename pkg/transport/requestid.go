package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/rhuss/chatrelay/pkg/api"
)

// RequestID returns middleware that assigns a unique request ID to each
// chat turn unless the context already carries one (set by the HTTP
// adapter from the X-Request-ID header).
func RequestID() Middleware {
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w EventWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.HandleChat(ctx, req, w)
		})
	}
}

// NewRequestID returns a random hex request id.
func NewRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
