package transport

import (
	"context"

	"github.com/rhuss/chatrelay/pkg/api"
)

// ChatHandler handles one chat turn. The implementation starts or
// continues the session named by req and writes the outcome to w: token
// events for streaming requests, a single result otherwise. Errors
// returned before anything was written are reported by the transport with
// the status of their kind.
type ChatHandler interface {
	HandleChat(ctx context.Context, req *api.ChatRequest, w EventWriter) error
}

// ChatHandlerFunc is an adapter that allows using an ordinary function as
// a ChatHandler.
type ChatHandlerFunc func(ctx context.Context, req *api.ChatRequest, w EventWriter) error

// HandleChat calls f(ctx, req, w).
func (f ChatHandlerFunc) HandleChat(ctx context.Context, req *api.ChatRequest, w EventWriter) error {
	return f(ctx, req, w)
}

// SessionService handles session management outside of chat turns. Every
// method honors the owner carried by ctx.
type SessionService interface {
	Create(ctx context.Context, backend api.Backend, model, name string) (*api.Session, error)
	Load(ctx context.Context, id string) (*api.Conversation, error)
	History(ctx context.Context, id string) ([]api.Message, error)
	CancelSession(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]api.SessionSummary, error)
	Search(ctx context.Context, query string, limit int) ([]api.SearchHit, error)
	Stats(ctx context.Context) (*api.Stats, error)
	ListModels(ctx context.Context, backend api.Backend) ([]api.ModelInfo, error)
	HealthCheck(ctx context.Context) error
}

// EventWriter abstracts streaming and non-streaming output for the handler.
//
// WriteEvent and WriteResult are mutually exclusive on a single writer
// instance. Calling WriteEvent after a terminal event returns an error.
type EventWriter interface {
	// WriteEvent sends a single token event.
	WriteEvent(ctx context.Context, ev api.TokenEvent) error

	// WriteResult sends the complete non-streaming result.
	WriteResult(ctx context.Context, res *api.ChatResult) error

	// Flush ensures buffered data is sent to the client. It returns an
	// error if the client has disconnected.
	Flush() error
}
