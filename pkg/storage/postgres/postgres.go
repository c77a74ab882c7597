// Package postgres provides a PostgreSQL implementation of
// storage.ConversationStore using pgx/v5 connection pooling. Message
// metadata is stored as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/storage"
)

// Store is a PostgreSQL-backed ConversationStore.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements storage.ConversationStore at compile time.
var _ storage.ConversationStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, sess *api.Session) error {
	fillSession(ctx, sess)

	metaJSON, err := marshalMeta(sess.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_sessions (
			session_id, owner, session_name, backend, model,
			created_at, updated_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		sess.ID, sess.Owner, sess.Name, string(sess.Backend), sess.Model,
		sess.CreatedAt, sess.UpdatedAt, metaJSON,
	)
	return wrap("inserting session", err)
}

// GetSession retrieves a session by ID, scoped by owner.
func (s *Store) GetSession(ctx context.Context, id string) (*api.Session, error) {
	if !api.ValidateSessionID(id) {
		return nil, storage.ErrNotFound
	}

	query := `
		SELECT session_id::text, owner, session_name, backend, model,
		       created_at, updated_at, metadata
		FROM chat_sessions
		WHERE session_id = $1
	`
	args := []any{id}
	if owner := storage.GetOwner(ctx); owner != "" {
		query += " AND owner = $2"
		args = append(args, owner)
	}

	sess, err := scanSession(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrap("querying session", err)
	}
	return sess, nil
}

// AppendMessage adds a message at the next order. The order counter is
// bumped and the message inserted by a single statement, so concurrent
// appends can never observe the same order.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role api.Role, content string, metadata map[string]string) (*api.Message, error) {
	if !api.ValidateSessionID(sessionID) {
		return nil, storage.ErrNotFound
	}

	metaJSON, err := marshalMeta(metadata)
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

	ownerFilter := ""
	args := []any{msg.ID, sessionID, string(role), content, msg.CreatedAt, metaJSON}
	if owner := storage.GetOwner(ctx); owner != "" {
		ownerFilter = " AND owner = $7"
		args = append(args, owner)
	}

	query := `
		WITH bumped AS (
			UPDATE chat_sessions
			SET next_order = next_order + 1, updated_at = $5
			WHERE session_id = $2` + ownerFilter + `
			RETURNING session_id, next_order
		)
		INSERT INTO chat_messages (
			message_id, session_id, role, content, message_order, created_at, metadata
		)
		SELECT $1::uuid, session_id, $3::text, $4::text, next_order, $5::timestamptz, $6::jsonb
		FROM bumped
		RETURNING message_order
	`

	err = s.pool.QueryRow(ctx, query, args...).Scan(&msg.Order)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrap("inserting message", err)
	}

	debug.Log("storage", "message appended", "session_id", sessionID, "order", msg.Order, "role", role)
	return msg, nil
}

// GetHistory returns all messages of a session in order.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]api.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id::text, session_id::text, role, content, message_order, created_at, metadata
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY message_order ASC
	`, sessionID)
	if err != nil {
		return nil, wrap("querying history", err)
	}
	defer rows.Close()

	messages := []api.Message{}
	for rows.Next() {
		var (
			m        api.Message
			role     string
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.Order, &m.CreatedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = api.Role(role)
		if m.Metadata, err = unmarshalMeta(metaJSON); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating history", err)
	}
	return messages, nil
}

// ListSessions returns session summaries, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]api.SessionSummary, error) {
	query := `
		SELECT s.session_id::text, s.owner, s.session_name, s.backend, s.model,
		       s.created_at, s.updated_at, s.metadata, COUNT(m.message_id)
		FROM chat_sessions s
		LEFT JOIN chat_messages m ON m.session_id = s.session_id
	`
	args := []any{storage.ListLimit(limit)}
	if owner := storage.GetOwner(ctx); owner != "" {
		query += " WHERE s.owner = $2"
		args = append(args, owner)
	}
	query += `
		GROUP BY s.session_id
		ORDER BY s.updated_at DESC, s.session_id DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("listing sessions", err)
	}
	defer rows.Close()

	out := []api.SessionSummary{}
	for rows.Next() {
		var (
			sum      api.SessionSummary
			backend  string
			metaJSON []byte
		)
		if err := rows.Scan(&sum.ID, &sum.Owner, &sum.Name, &backend, &sum.Model,
			&sum.CreatedAt, &sum.UpdatedAt, &metaJSON, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sum.Backend = api.Backend(backend)
		if sum.Metadata, err = unmarshalMeta(metaJSON); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating sessions", err)
	}
	return out, nil
}

// DeleteSession removes a session; its messages go with it (ON DELETE CASCADE).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if !api.ValidateSessionID(id) {
		return storage.ErrNotFound
	}

	query := "DELETE FROM chat_sessions WHERE session_id = $1"
	args := []any{id}
	if owner := storage.GetOwner(ctx); owner != "" {
		query += " AND owner = $2"
		args = append(args, owner)
	}

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrap("deleting session", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SearchMessages finds messages containing query (ILIKE), newest first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]api.SearchHit, error) {
	sql := `
		SELECT s.session_id::text, s.session_name, s.backend, s.model,
		       m.role, m.content, m.created_at
		FROM chat_messages m
		JOIN chat_sessions s ON s.session_id = m.session_id
		WHERE m.content ILIKE $1 ESCAPE '\'
	`
	args := []any{"%" + storage.EscapeLike(query) + "%", storage.SearchLimit(limit)}
	if owner := storage.GetOwner(ctx); owner != "" {
		sql += " AND s.owner = $3"
		args = append(args, owner)
	}
	sql += " ORDER BY m.created_at DESC, m.message_order DESC LIMIT $2"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap("searching messages", err)
	}
	defer rows.Close()

	hits := []api.SearchHit{}
	for rows.Next() {
		var (
			h             api.SearchHit
			backend, role string
			content       string
		)
		if err := rows.Scan(&h.SessionID, &h.SessionName, &backend, &h.Model, &role, &content, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		h.Backend = api.Backend(backend)
		h.Role = api.Role(role)
		h.Snippet = storage.Snippet(content)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating search hits", err)
	}
	return hits, nil
}

// Stats returns totals and the per-backend distribution.
func (s *Store) Stats(ctx context.Context) (*api.Stats, error) {
	where := ""
	var args []any
	if owner := storage.GetOwner(ctx); owner != "" {
		where = " WHERE s.owner = $1"
		args = append(args, owner)
	}

	stats := &api.Stats{Backends: map[api.Backend]int{}}

	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT s.model) FROM chat_sessions s"+where, args...,
	).Scan(&stats.TotalSessions, &stats.UniqueModels); err != nil {
		return nil, wrap("counting sessions", err)
	}

	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM chat_messages m JOIN chat_sessions s ON s.session_id = m.session_id"+where, args...,
	).Scan(&stats.TotalMessages); err != nil {
		return nil, wrap("counting messages", err)
	}

	rows, err := s.pool.Query(ctx,
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
	if err := rows.Err(); err != nil {
		return nil, wrap("iterating backend counts", err)
	}
	return stats, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*api.Session, error) {
	var (
		sess     api.Session
		backend  string
		metaJSON []byte
	)
	if err := row.Scan(&sess.ID, &sess.Owner, &sess.Name, &backend, &sess.Model,
		&sess.CreatedAt, &sess.UpdatedAt, &metaJSON); err != nil {
		return nil, err
	}
	sess.Backend = api.Backend(backend)

	meta, err := unmarshalMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	sess.Metadata = meta
	return &sess, nil
}

// fillSession assigns the ID, owner and timestamps a caller left empty.
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

func marshalMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return data, nil
}

func unmarshalMeta(data []byte) (map[string]string, error) {
	if len(data) == 0 || string(data) == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return m, nil
}

// wrap annotates err and marks connection-level failures with
// storage.ErrUnavailable so that callers can queue the write for retry.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUnavailable reports whether err means the database could not be
// reached, as opposed to a rejected statement.
func isUnavailable(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P01-57P03: server shutting down.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:4] == "57P0")
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}
