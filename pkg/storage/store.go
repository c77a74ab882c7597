package storage

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Listing and search limits shared by all stores.
const (
	DefaultListLimit   = 50
	MaxListLimit       = 500
	DefaultSearchLimit = 20
	SnippetLength      = 200
)

// ConversationStore persists sessions and their ordered messages.
//
// AppendMessage assigns Order atomically with the insert: orders start at 1
// and are gap-free per session. Every method honors the owner in ctx.
type ConversationStore interface {
	// CreateSession persists s. Empty ID and zero timestamps are filled in.
	CreateSession(ctx context.Context, s *api.Session) error

	// GetSession returns the session or ErrNotFound.
	GetSession(ctx context.Context, id string) (*api.Session, error)

	// AppendMessage adds a message at the next order and bumps the
	// session's UpdatedAt.
	AppendMessage(ctx context.Context, sessionID string, role api.Role, content string, metadata map[string]string) (*api.Message, error)

	// GetHistory returns all messages of a session in order.
	GetHistory(ctx context.Context, sessionID string) ([]api.Message, error)

	// ListSessions returns summaries ordered by UpdatedAt descending.
	ListSessions(ctx context.Context, limit int) ([]api.SessionSummary, error)

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, id string) error

	// SearchMessages finds messages containing query, case-insensitively,
	// newest first.
	SearchMessages(ctx context.Context, query string, limit int) ([]api.SearchHit, error)

	// Stats returns totals and the per-backend session distribution.
	Stats(ctx context.Context) (*api.Stats, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// ListLimit clamps a requested listing size.
func ListLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// SearchLimit clamps a requested search size.
func SearchLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// Snippet shortens message content for search results to SnippetLength
// runes followed by "...".
func Snippet(content string) string {
	if utf8.RuneCountInString(content) <= SnippetLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:SnippetLength]) + "..."
}

// EscapeLike escapes the LIKE wildcards in s using backslash, for stores
// that implement search with LIKE.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
