package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Recovery returns middleware that turns a panic in the handler into an
// internal error. The server keeps accepting requests afterwards.
func Recovery() Middleware {
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w EventWriter) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in chat handler", "panic", r, "request_id", RequestIDFromContext(ctx))
					retErr = api.NewInternalError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.HandleChat(ctx, req, w)
		})
	}
}
