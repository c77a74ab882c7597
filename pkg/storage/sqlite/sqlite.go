// Package sqlite provides a SQLite implementation of
// storage.ConversationStore for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/storage"
)

// Store is a SQLite-backed ConversationStore.
type Store struct {
	db *sql.DB
}

// Ensure Store implements storage.ConversationStore at compile time.
var _ storage.ConversationStore = (*Store)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id   TEXT PRIMARY KEY,
		owner        TEXT NOT NULL DEFAULT '',
		session_name TEXT NOT NULL,
		backend      TEXT NOT NULL,
		model        TEXT NOT NULL,
		next_order   INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		metadata     TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id    TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL REFERENCES chat_sessions(session_id) ON DELETE CASCADE,
		role          TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content       TEXT NOT NULL,
		message_order INTEGER NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		metadata      TEXT NOT NULL DEFAULT '{}',
		UNIQUE (session_id, message_order)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_created ON chat_messages(created_at DESC)`,
}

// New opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for an ephemeral database.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer, and every connection to ":memory:"
	// is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// withPragmas adds the driver options for foreign keys and a busy
// timeout unless the caller set options of their own.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_foreign_keys=on&_busy_timeout=5000"
}

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, sess *api.Session) error {
	fillSession(ctx, sess)

	meta, err := marshalMeta(sess.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, owner, session_name, backend, model, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner, sess.Name, string(sess.Backend), sess.Model, sess.CreatedAt, sess.UpdatedAt, meta,
	)
	return wrap("inserting session", err)
}

// GetSession retrieves a session by ID, scoped by owner.
func (s *Store) GetSession(ctx context.Context, id string) (*api.Session, error) {
	query := `SELECT session_id, owner, session_name, backend, model, created_at, updated_at, metadata
		FROM chat_sessions WHERE session_id = ?`
	args := []any{id}
	if owner := storage.GetOwner(ctx); owner != "" {
		query += " AND owner = ?"
		args = append(args, owner)
	}

	var (
		sess    api.Session
		backend string
		meta    string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sess.ID, &sess.Owner, &sess.Name, &backend, &sess.Model, &sess.CreatedAt, &sess.UpdatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrap("querying session", err)
	}
	sess.Backend = api.Backend(backend)
	if sess.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &sess, nil
}

// AppendMessage adds a message at the next order. The counter bump and
// the insert share one transaction.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role api.Role, content string, metadata map[string]string) (*api.Message, error) {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return nil, err
	}

	msg := &api.Message{
		ID:        api.NewMessageID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("beginning transaction", err)
	}
	defer tx.Rollback()

	query := "UPDATE chat_sessions SET next_order = next_order + 1, updated_at = ? WHERE session_id = ?"
	args := []any{msg.CreatedAt, sessionID}
	if owner := storage.GetOwner(ctx); owner != "" {
		query += " AND owner = ?"
		args = append(args, owner)
	}
	query += " RETURNING next_order"

	err = tx.QueryRowContext(ctx, query, args...).Scan(&msg.Order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrap("bumping message order", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (message_id, session_id, role, content, message_order, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(role), content, msg.Order, msg.CreatedAt, meta,
	); err != nil {
		return nil, wrap("inserting message", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("committing message", err)
	}

	debug.Log("storage", "message appended", "session_id", sessionID, "order", msg.Order, "role", role)
	return msg, nil
}

// GetHistory returns all messages of a session in order.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]api.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, role, content, message_order, created_at, metadata
		FROM chat_messages WHERE session_id = ? ORDER BY message_order ASC`, sessionID)
	if err != nil {
		return nil, wrap("querying history", err)
	}
	defer rows.Close()

	messages := []api.Message{}
	for rows.Next() {
		var (
			m    api.Message
			role string
			meta string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Order, &m.CreatedAt, &meta); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = api.Role(role)
		if m.Metadata, err = unmarshalMeta(meta); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, wrap("iterating history", rows.Err())
}

// ListSessions returns session summaries, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]api.SessionSummary, error) {
	query := `SELECT s.session_id, s.owner, s.session_name, s.backend, s.model,
			s.created_at, s.updated_at, s.metadata, COUNT(m.message_id)
		FROM chat_sessions s
		LEFT JOIN chat_messages m ON m.session_id = s.session_id`
	var args []any
	if owner := storage.GetOwner(ctx); owner != "" {
		query += " WHERE s.owner = ?"
		args = append(args, owner)
	}
	query += " GROUP BY s.session_id ORDER BY s.updated_at DESC, s.session_id DESC LIMIT ?"
	args = append(args, storage.ListLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("listing sessions", err)
	}
	defer rows.Close()

	out := []api.SessionSummary{}
	for rows.Next() {
		var (
			sum     api.SessionSummary
			backend string
			meta    string
		)
		if err := rows.Scan(&sum.ID, &sum.Owner, &sum.Name, &backend, &sum.Model,
			&sum.CreatedAt, &sum.UpdatedAt, &meta, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sum.Backend = api.Backend(backend)
		if sum.Metadata, err = unmarshalMeta(meta); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, wrap("iterating sessions", rows.Err())
}

// DeleteSession removes a session and, through the foreign key cascade,
// its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	query := "DELETE FROM chat_sessions WHERE session_id = ?"
	args := []any{id}
	if owner := storage.GetOwner(ctx); owner != "" {
		query += " AND owner = ?"
		args = append(args, owner)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap("deleting session", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SearchMessages finds messages containing query, newest first. SQLite's
// LIKE is case-insensitive for ASCII.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]api.SearchHit, error) {
	q := `SELECT s.session_id, s.session_name, s.backend, s.model, m.role, m.content, m.created_at
		FROM chat_messages m
		JOIN chat_sessions s ON s.session_id = m.session_id
		WHERE m.content LIKE ? ESCAPE '\'`
	args := []any{"%" + storage.EscapeLike(query) + "%"}
	if owner := storage.GetOwner(ctx); owner != "" {
		q += " AND s.owner = ?"
		args = append(args, owner)
	}
	q += " ORDER BY m.created_at DESC, m.message_order DESC LIMIT ?"
	args = append(args, storage.SearchLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("searching messages", err)
	}
	defer rows.Close()

	hits := []api.SearchHit{}
	for rows.Next() {
		var (
			h                      api.SearchHit
			backend, role, content string
		)
		if err := rows.Scan(&h.SessionID, &h.SessionName, &backend, &h.Model, &role, &content, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		h.Backend = api.Backend(backend)
		h.Role = api.Role(role)
		h.Snippet = storage.Snippet(content)
		hits = append(hits, h)
	}
	return hits, wrap("iterating search hits", rows.Err())
}

// Stats returns totals and the per-backend distribution.
func (s *Store) Stats(ctx context.Context) (*api.Stats, error) {
	where := ""
	var args []any
	if owner := storage.GetOwner(ctx); owner != "" {
		where = " WHERE s.owner = ?"
		args = append(args, owner)
	}

	stats := &api.Stats{Backends: map[api.Backend]int{}}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT s.model) FROM chat_sessions s"+where, args...,
	).Scan(&stats.TotalSessions, &stats.UniqueModels); err != nil {
		return nil, wrap("counting sessions", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_messages m JOIN chat_sessions s ON s.session_id = m.session_id"+where, args...,
	).Scan(&stats.TotalMessages); err != nil {
		return nil, wrap("counting messages", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT s.backend, COUNT(*) FROM chat_sessions s"+where+" GROUP BY s.backend", args...)
	if err != nil {
		return nil, wrap("counting backends", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			backend string
			n       int
		)
		if err := rows.Scan(&backend, &n); err != nil {
			return nil, fmt.Errorf("scanning backend count: %w", err)
		}
		stats.Backends[api.Backend(backend)] = n
	}
	return stats, wrap("iterating backend counts", rows.Err())
}

// HealthCheck verifies the database is usable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fillSession(ctx context.Context, sess *api.Session) {
	if sess.ID == "" {
		sess.ID = api.NewSessionID()
	}
	if sess.Owner == "" {
		sess.Owner = storage.GetOwner(ctx)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Name == "" {
		sess.Name = api.DefaultSessionName(sess.Backend, sess.Model, sess.CreatedAt)
	}
}

func marshalMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMeta(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return m, nil
}

// wrap annotates err; a busy, locked or unopenable database is reported
// as storage.ErrUnavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%s: %w: %v", op, storage.ErrUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %v", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
