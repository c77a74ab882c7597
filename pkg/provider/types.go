package provider

import "github.com/rhuss/chatrelay/pkg/api"

// Capabilities declares what an adapter supports.
type Capabilities struct {
	// Streaming indicates whether the adapter can stream token deltas.
	Streaming bool

	// Cancel indicates whether an in-flight stream aborts on context cancellation.
	Cancel bool

	// ModelListing indicates whether ListModels queries the backend.
	ModelListing bool

	// SamplingExtras lists generation parameters beyond max tokens,
	// temperature and top_p that the backend honors ("top_k",
	// "repetition_penalty").
	SamplingExtras []string
}

// Request is the backend-facing generation request. Messages is the
// composed message list; adapters that need a single prompt flatten it.
type Request struct {
	Model     string
	Messages  []api.ChatMessage
	Reasoning api.ReasoningMode
	Params    api.GenerationParams
	Stream    bool
}

// Response is a complete non-streaming generation.
type Response struct {
	Text         string
	FinishReason string
	Model        string
	Usage        *api.Usage
}

// EventType classifies a streaming event from a backend.
type EventType int

const (
	EventDelta EventType = iota // Incremental text
	EventDone                   // Stream finished normally
	EventError                  // Stream failed
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is a single streaming event from a backend.
type Event struct {
	Type EventType

	// Delta is the text fragment of an EventDelta. Never empty.
	Delta string

	// FinishReason and Usage are set on EventDone when the backend reports them.
	FinishReason string
	Usage        *api.Usage

	// Err is set on EventError.
	Err *api.Error
}
