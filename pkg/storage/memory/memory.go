// Package memory provides an in-memory implementation of
// storage.ConversationStore for tests and lightweight deployments.
// Conversations are lost when the process restarts. Optional LRU eviction
// limits the number of sessions kept.
package memory

import (
	"container/list"
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/storage"
)

// entry holds a session, its messages and its LRU position.
type entry struct {
	session  api.Session
	messages []api.Message
	lruElem  *list.Element
}

// Store is an in-memory ConversationStore with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List // front = most recently used
	maxSize int        // 0 = unlimited
	now     func() time.Time
}

// Ensure Store implements storage.ConversationStore at compile time.
var _ storage.ConversationStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently used session is
// evicted when the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, sess *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fillSession(ctx, sess, s.now())

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(sess.ID)
	s.entries[sess.ID] = &entry{
		session: cloneSession(*sess),
		lruElem: elem,
	}
	return nil
}

// GetSession retrieves a session by ID, scoped by owner.
func (s *Store) GetSession(ctx context.Context, id string) (*api.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.lruList.MoveToFront(e.lruElem)

	sess := cloneSession(e.session)
	return &sess, nil
}

// AppendMessage adds a message at the next order.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role api.Role, content string, metadata map[string]string) (*api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	msg := api.Message{
		ID:        api.NewMessageID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Order:     len(e.messages) + 1,
		CreatedAt: now,
		Metadata:  maps.Clone(metadata),
	}
	e.messages = append(e.messages, msg)
	e.session.UpdatedAt = now
	s.lruList.MoveToFront(e.lruElem)

	out := cloneMessage(msg)
	return &out, nil
}

// GetHistory returns all messages of a session in order.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]api.Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

// ListSessions returns session summaries, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]api.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner := storage.GetOwner(ctx)
	out := make([]api.SessionSummary, 0, len(s.entries))
	for _, e := range s.entries {
		if owner != "" && e.session.Owner != owner {
			continue
		}
		out = append(out, api.SessionSummary{
			Session:      cloneSession(e.session),
			MessageCount: len(e.messages),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit = storage.ListLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
	return nil
}

// SearchMessages finds messages whose content contains query,
// case-insensitively, newest first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]api.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner := storage.GetOwner(ctx)
	needle := strings.ToLower(query)

	var hits []api.SearchHit
	for _, e := range s.entries {
		if owner != "" && e.session.Owner != owner {
			continue
		}
		for _, m := range e.messages {
			if !strings.Contains(strings.ToLower(m.Content), needle) {
				continue
			}
			hits = append(hits, api.SearchHit{
				SessionID:   e.session.ID,
				SessionName: e.session.Name,
				Backend:     e.session.Backend,
				Model:       e.session.Model,
				Role:        m.Role,
				Snippet:     storage.Snippet(m.Content),
				CreatedAt:   m.CreatedAt,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})

	if limit = storage.SearchLimit(limit); len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []api.SearchHit{}
	}
	return hits, nil
}

// Stats returns totals and the per-backend distribution.
func (s *Store) Stats(ctx context.Context) (*api.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner := storage.GetOwner(ctx)
	stats := &api.Stats{Backends: map[api.Backend]int{}}
	models := map[string]bool{}

	for _, e := range s.entries {
		if owner != "" && e.session.Owner != owner {
			continue
		}
		stats.TotalSessions++
		stats.TotalMessages += len(e.messages)
		stats.Backends[e.session.Backend]++
		models[e.session.Model] = true
	}
	stats.UniqueModels = len(models)
	return stats, nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// lookup finds a session visible to the owner in ctx.
// Must be called with s.mu held.
func (s *Store) lookup(ctx context.Context, id string) (*entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if owner := storage.GetOwner(ctx); owner != "" && e.session.Owner != owner {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

// evictOldest removes the least recently used session.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}

// fillSession assigns the ID, owner and timestamps a caller left empty.
func fillSession(ctx context.Context, sess *api.Session, now time.Time) {
	if sess.ID == "" {
		sess.ID = api.NewSessionID()
	}
	if sess.Owner == "" {
		sess.Owner = storage.GetOwner(ctx)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now.UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Name == "" {
		sess.Name = api.DefaultSessionName(sess.Backend, sess.Model, sess.CreatedAt)
	}
}

func cloneSession(s api.Session) api.Session {
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

func cloneMessage(m api.Message) api.Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}
