package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Logging returns middleware that emits one structured log entry per chat
// turn with the request id, session id, backend, stream flag, duration
// and error.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w EventWriter) error {
			start := time.Now()
			tw := &trackingWriter{EventWriter: w, sessionID: req.SessionID}

			err := next.HandleChat(ctx, req, tw)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("session_id", tw.sessionID),
				slog.String("backend", string(req.Backend)),
				slog.Bool("stream", req.Stream),
				slog.Duration("duration", time.Since(start)),
			}
			if tw.failure != nil {
				attrs = append(attrs, slog.String("error_kind", string(tw.failure.Kind)))
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "chat failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "chat completed", attrs...)
			}
			return err
		})
	}
}

// trackingWriter picks the session id (which is new for a new or cleared
// session) and any terminal error out of the events it forwards.
type trackingWriter struct {
	EventWriter
	sessionID string
	failure   *api.Error
}

func (w *trackingWriter) WriteEvent(ctx context.Context, ev api.TokenEvent) error {
	if ev.SessionID != "" {
		w.sessionID = ev.SessionID
	}
	if ev.Error != nil {
		w.failure = ev.Error
	}
	return w.EventWriter.WriteEvent(ctx, ev)
}

func (w *trackingWriter) WriteResult(ctx context.Context, res *api.ChatResult) error {
	if res.SessionID != "" {
		w.sessionID = res.SessionID
	}
	return w.EventWriter.WriteResult(ctx, res)
}
