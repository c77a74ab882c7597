package api

import (
	"fmt"
	"time"
)

// Backend identifies the wire dialect a session is completed with.
type Backend string

const (
	BackendRawGenerate      Backend = "raw-generate"
	BackendOpenAICompatible Backend = "openai-compatible"
	BackendVendorAPI        Backend = "vendor-api"
)

// Backends lists every known backend in a stable order.
var Backends = []Backend{BackendRawGenerate, BackendOpenAICompatible, BackendVendorAPI}

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ReasoningMode selects the prompt template prepended to a user turn.
type ReasoningMode string

const (
	ReasoningOff            ReasoningMode = "off"
	ReasoningBrief          ReasoningMode = "brief"
	ReasoningDetailed       ReasoningMode = "detailed"
	ReasoningChainOfThought ReasoningMode = "chain-of-thought"
)

// Metadata keys written on persisted messages.
const (
	MetaBackend          = "backend"
	MetaModel            = "model"
	MetaReasoningMode    = "reasoning_mode"
	MetaFinishReason     = "finish_reason"
	MetaError            = "error"
	MetaErrorKind        = "error_kind"
	MetaErrorMessage     = "error_message"
	MetaPartial          = "partial"
	MetaCancelled        = "cancelled"
	MetaPromptTokens     = "prompt_tokens"
	MetaCompletionTokens = "completion_tokens"
)

// Session is the durable identity of one ongoing conversation.
type Session struct {
	ID        string            `json:"id"`
	Backend   Backend           `json:"backend"`
	Model     string            `json:"model"`
	Name      string            `json:"name"`
	Owner     string            `json:"owner,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultSessionName returns the display name used when a session is created
// without one, e.g. "raw-generate-llama3-2025-01-31 14:05".
func DefaultSessionName(backend Backend, model string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", backend, model, at.UTC().Format("2006-01-02 15:04"))
}

// SessionSummary is one row of a session listing.
type SessionSummary struct {
	Session
	MessageCount int `json:"message_count"`
}

// Message is one immutable turn within a session. Order starts at 1 and is
// gap-free per session.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Order     int               `json:"order"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChatMessage is a role/content pair sent to a backend.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is a session together with its ordered history.
type Conversation struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// GenerationParams are the sampling controls forwarded to a backend.
// A nil field leaves the backend's own default in place.
type GenerationParams struct {
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
}

// WithDefaults returns a copy of p where every nil field is taken from def.
func (p GenerationParams) WithDefaults(def GenerationParams) GenerationParams {
	if p.MaxTokens == nil {
		p.MaxTokens = def.MaxTokens
	}
	if p.Temperature == nil {
		p.Temperature = def.Temperature
	}
	if p.TopP == nil {
		p.TopP = def.TopP
	}
	if p.TopK == nil {
		p.TopK = def.TopK
	}
	if p.RepetitionPenalty == nil {
		p.RepetitionPenalty = def.RepetitionPenalty
	}
	return p
}

// Usage reports token counts for one exchange when the backend provides them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SearchHit is one message matched by a conversation search.
type SearchHit struct {
	SessionID   string    `json:"session_id"`
	SessionName string    `json:"session_name"`
	Backend     Backend   `json:"backend"`
	Model       string    `json:"model"`
	Role        Role      `json:"role"`
	Snippet     string    `json:"snippet"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats summarizes the contents of a conversation store.
type Stats struct {
	TotalSessions int             `json:"total_sessions"`
	TotalMessages int             `json:"total_messages"`
	UniqueModels  int             `json:"unique_models"`
	Backends      map[Backend]int `json:"backends"`
}

// ChatRequest is the StartOrContinue input. An empty SessionID starts a new
// session with the given (or configured default) backend and model.
type ChatRequest struct {
	SessionID string           `json:"session_id,omitempty"`
	Text      string           `json:"text"`
	Backend   Backend          `json:"backend,omitempty"`
	Model     string           `json:"model,omitempty"`
	Name      string           `json:"name,omitempty"`
	Params    GenerationParams `json:"params,omitempty"`
	Reasoning ReasoningMode    `json:"reasoning_mode,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
}

// ChatResult is the single final answer of a non-streaming exchange.
type ChatResult struct {
	SessionID    string   `json:"session_id"`
	ExchangeID   string   `json:"exchange_id"`
	Text         string   `json:"text"`
	FinishReason string   `json:"finish_reason,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Error        *Error   `json:"error,omitempty"`
}

// ModelInfo describes one model offered by a backend.
type ModelInfo struct {
	ID      string  `json:"id"`
	Backend Backend `json:"backend"`
	OwnedBy string  `json:"owned_by,omitempty"`
}
