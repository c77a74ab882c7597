package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/engine"
	"github.com/rhuss/chatrelay/pkg/provider"
	"github.com/rhuss/chatrelay/pkg/storage"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// ContinueRequest is one user turn for an existing session.
type ContinueRequest struct {
	Text      string
	Params    api.GenerationParams
	Reasoning api.ReasoningMode
	Stream    bool
}

// workingSet is the in-process copy of one session.
type workingSet struct {
	session  api.Session
	messages []api.Message
}

// cleared remembers what a cleared session ran on.
type cleared struct {
	backend api.Backend
	model   string
	owner   string
}

// Manager coordinates sessions, the conversation store and the
// orchestrator. It is the orchestrator's Recorder.
type Manager struct {
	store     storage.ConversationStore
	providers *provider.Registry
	orch      *engine.Orchestrator
	retry     *retryQueue
	cfg       Config

	mu      sync.Mutex
	working map[string]*workingSet
	cleared map[string]cleared
	aliases map[string]string

	// reopenMu serializes the creation of replacement sessions.
	reopenMu sync.Mutex
}

// Ensure Manager implements the orchestrator and transport contracts at
// compile time.
var (
	_ engine.Recorder          = (*Manager)(nil)
	_ transport.ChatHandler    = (*Manager)(nil)
	_ transport.SessionService = (*Manager)(nil)
)

// New creates a Manager and its orchestrator.
func New(store storage.ConversationStore, providers *provider.Registry, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session: store must not be nil")
	}
	if providers == nil {
		return nil, fmt.Errorf("session: provider registry must not be nil")
	}

	m := &Manager{
		store:     store,
		providers: providers,
		cfg:       cfg,
		working:   make(map[string]*workingSet),
		cleared:   make(map[string]cleared),
		aliases:   make(map[string]string),
	}
	m.retry = newRetryQueue(store, cfg.Retry, m.forget)

	orch, err := engine.New(providers, m, cfg.Engine)
	if err != nil {
		return nil, err
	}
	m.orch = orch
	return m, nil
}

// Orchestrator returns the orchestrator driven by m.
func (m *Manager) Orchestrator() *engine.Orchestrator {
	return m.orch
}

// Create persists a new session. Empty backend and model fall back to
// the configured defaults.
func (m *Manager) Create(ctx context.Context, backend api.Backend, model, name string) (*api.Session, error) {
	b, err := api.ParseBackend(string(backend))
	if err != nil {
		return nil, err
	}
	if b == "" {
		b = m.cfg.DefaultBackend
	}
	if b == "" {
		return nil, api.NewInvalidRequestError("backend", "backend is required")
	}
	if _, err := m.providers.Get(b); err != nil {
		return nil, err
	}

	model = m.cfg.model(b, model)
	if model == "" {
		return nil, api.NewInvalidRequestError("model", "model is required")
	}

	sess := &api.Session{Backend: b, Model: model, Name: name}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, storeError(sess.ID, err)
	}

	m.mu.Lock()
	m.working[sess.ID] = &workingSet{session: *sess, messages: []api.Message{}}
	m.mu.Unlock()

	debug.Log("sessions", "session created", "session_id", sess.ID, "backend", b, "model", model)
	out := *sess
	return &out, nil
}

// Load returns the session and its full history.
func (m *Manager) Load(ctx context.Context, id string) (*api.Conversation, error) {
	ws, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &api.Conversation{Session: ws.session, Messages: ws.messages}, nil
}

// History returns the messages of a session in order.
func (m *Manager) History(ctx context.Context, id string) ([]api.Message, error) {
	ws, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return ws.messages, nil
}

// Continue starts an exchange on a session. A cleared session is replaced
// by a fresh one on the same backend and model first; the exchange then
// reports the new session id.
func (m *Manager) Continue(ctx context.Context, id string, req ContinueRequest) (*engine.Exchange, error) {
	id, err := m.reopen(ctx, id)
	if err != nil {
		return nil, err
	}
	ws, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	return m.orch.Begin(ctx, &engine.ExchangeRequest{
		Session: &ws.session,
		LoadHistory: func(ctx context.Context) ([]api.Message, error) {
			return m.History(ctx, id)
		},
		Text:      req.Text,
		Params:    req.Params,
		Reasoning: req.Reasoning,
		Stream:    req.Stream,
	})
}

// StartOrContinue continues req.SessionID or, when it is empty, creates a
// session from the request (or the configured defaults) first.
func (m *Manager) StartOrContinue(ctx context.Context, req *api.ChatRequest) (*engine.Exchange, error) {
	if apiErr := req.Normalize(); apiErr != nil {
		return nil, apiErr
	}

	cont := ContinueRequest{
		Text:      req.Text,
		Params:    req.Params,
		Reasoning: req.Reasoning,
		Stream:    req.Stream,
	}
	if req.SessionID != "" {
		return m.Continue(ctx, req.SessionID, cont)
	}

	sess, err := m.Create(ctx, req.Backend, req.Model, req.Name)
	if err != nil {
		return nil, err
	}
	return m.Continue(ctx, sess.ID, cont)
}

// Clear ends a session without deleting its history. The working set is
// dropped and the next Continue with id starts a new session on the same
// backend and model.
func (m *Manager) Clear(ctx context.Context, id string) error {
	id = m.resolve(id)
	ws, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	m.orch.Cancel(id)

	m.mu.Lock()
	delete(m.working, id)
	m.cleared[id] = cleared{backend: ws.session.Backend, model: ws.session.Model, owner: ws.session.Owner}
	m.mu.Unlock()

	debug.Log("sessions", "session cleared", "session_id", id)
	return nil
}

// Cancel cancels the in-flight exchange of a session.
func (m *Manager) Cancel(id string) bool {
	return m.orch.Cancel(m.resolve(id))
}

// CancelSession is Cancel for callers that must only reach their own
// sessions.
func (m *Manager) CancelSession(ctx context.Context, id string) (bool, error) {
	id = m.resolve(id)
	if _, err := m.load(ctx, id); err != nil {
		return false, err
	}
	return m.orch.Cancel(id), nil
}

// Delete removes a session and its messages.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.load(ctx, id); err != nil {
		return err
	}
	m.orch.Cancel(id)

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return storeError(id, err)
	}

	m.mu.Lock()
	delete(m.working, id)
	delete(m.cleared, id)
	for from, to := range m.aliases {
		if from == id || to == id {
			delete(m.aliases, from)
		}
	}
	m.mu.Unlock()

	debug.Log("sessions", "session deleted", "session_id", id)
	return nil
}

// List returns session summaries, most recently updated first.
func (m *Manager) List(ctx context.Context, limit int) ([]api.SessionSummary, error) {
	out, err := m.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, storeError("", err)
	}
	return out, nil
}

// Search finds messages containing query.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]api.SearchHit, error) {
	if query == "" {
		return nil, api.NewInvalidRequestError("q", "query must not be empty")
	}
	out, err := m.store.SearchMessages(ctx, query, limit)
	if err != nil {
		return nil, storeError("", err)
	}
	return out, nil
}

// Stats returns store statistics.
func (m *Manager) Stats(ctx context.Context) (*api.Stats, error) {
	out, err := m.store.Stats(ctx)
	if err != nil {
		return nil, storeError("", err)
	}
	return out, nil
}

// ListModels lists the models of one backend, or of all configured
// backends when backend is empty.
func (m *Manager) ListModels(ctx context.Context, backend api.Backend) ([]api.ModelInfo, error) {
	return m.providers.ListModels(ctx, backend)
}

// HealthCheck reports whether the store is reachable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.store.HealthCheck(ctx)
}

// PendingWrites returns the number of messages of sessionID waiting for
// the store.
func (m *Manager) PendingWrites(sessionID string) int {
	return m.retry.pending(sessionID)
}

// Close cancels in-flight exchanges and stops the retry queue.
func (m *Manager) Close(ctx context.Context) error {
	return errors.Join(m.orch.Shutdown(ctx), m.retry.close(ctx))
}

// RecordMessage implements engine.Recorder. A write the store rejects as
// unavailable is queued for retry; so is every later write of the same
// session until the queue drains.
func (m *Manager) RecordMessage(ctx context.Context, sessionID string, role api.Role, content string, metadata map[string]string) (bool, error) {
	p := pendingMessage{
		ctx:       context.WithoutCancel(ctx),
		sessionID: sessionID,
		role:      role,
		content:   content,
		metadata:  metadata,
		queuedAt:  time.Now(),
	}
	if m.retry.enqueueIfPending(p) {
		m.remember(provisional(p))
		return true, nil
	}

	msg, err := m.store.AppendMessage(ctx, sessionID, role, content, metadata)
	switch {
	case err == nil:
		m.remember(*msg)
		return false, nil
	case errors.Is(err, storage.ErrUnavailable):
		m.retry.enqueue(p)
		m.remember(provisional(p))
		return true, nil
	default:
		return false, storeError(sessionID, err)
	}
}

// provisional is the working-set stand-in for a queued message.
func provisional(p pendingMessage) api.Message {
	return api.Message{
		ID:        api.NewMessageID(),
		SessionID: p.sessionID,
		Role:      p.role,
		Content:   p.content,
		CreatedAt: p.queuedAt.UTC(),
		Metadata:  p.metadata,
	}
}

// remember appends msg to a loaded working set.
func (m *Manager) remember(msg api.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.working[msg.SessionID]
	if !ok {
		return
	}
	if msg.Order == 0 {
		msg.Order = len(ws.messages) + 1
	}
	ws.messages = append(ws.messages, msg)
	ws.session.UpdatedAt = msg.CreatedAt
}

// forget drops a working set so the next access reads the store again.
func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.working, sessionID)
}

// load returns a copy of the working set of id, reading the store on
// first access.
func (m *Manager) load(ctx context.Context, id string) (*workingSet, error) {
	if !api.ValidateSessionID(id) {
		return nil, api.NewSessionNotFoundError(id)
	}

	m.mu.Lock()
	if ws, ok := m.working[id]; ok {
		defer m.mu.Unlock()
		if !visible(ctx, ws.session.Owner) {
			return nil, api.NewSessionNotFoundError(id)
		}
		return ws.snapshot(), nil
	}
	m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, storeError(id, err)
	}
	messages, err := m.store.GetHistory(ctx, id)
	if err != nil {
		return nil, storeError(id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.working[id]
	if !ok {
		ws = &workingSet{session: *sess, messages: messages}
		m.working[id] = ws
	}
	return ws.snapshot(), nil
}

func (ws *workingSet) snapshot() *workingSet {
	return &workingSet{session: ws.session, messages: slices.Clone(ws.messages)}
}

// resolve follows the replacements of cleared sessions.
func (m *Manager) resolve(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(id)
}

func (m *Manager) resolveLocked(id string) string {
	for range len(m.aliases) + 1 {
		next, ok := m.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// reopen resolves id and, if it names a cleared session, creates its
// replacement.
func (m *Manager) reopen(ctx context.Context, id string) (string, error) {
	m.reopenMu.Lock()
	defer m.reopenMu.Unlock()

	m.mu.Lock()
	id = m.resolveLocked(id)
	c, ok := m.cleared[id]
	m.mu.Unlock()
	if !ok {
		return id, nil
	}
	if !visible(ctx, c.owner) {
		return "", api.NewSessionNotFoundError(id)
	}

	sess := &api.Session{Backend: c.backend, Model: c.model, Owner: c.owner}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return "", storeError(id, err)
	}

	m.mu.Lock()
	delete(m.cleared, id)
	m.aliases[id] = sess.ID
	m.working[sess.ID] = &workingSet{session: *sess, messages: []api.Message{}}
	m.mu.Unlock()

	slog.Info("cleared session replaced", "session_id", id, "new_session_id", sess.ID)
	return sess.ID, nil
}

func visible(ctx context.Context, owner string) bool {
	caller := storage.GetOwner(ctx)
	return caller == "" || caller == owner
}

// storeError converts storage sentinels into classified errors.
func storeError(id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return api.NewSessionNotFoundError(id)
	case errors.Is(err, storage.ErrUnavailable):
		return api.NewError(api.KindStoreUnavailable, "conversation store unavailable: %s", err)
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return api.NewError(api.KindInternal, "conversation store: %s", err)
}

// HandleChat implements transport.ChatHandler. Streaming requests forward
// every token event to w; failures after the exchange started arrive as
// the terminal error event. Non-streaming requests write the final result,
// or return the exchange error.
func (m *Manager) HandleChat(ctx context.Context, req *api.ChatRequest, w transport.EventWriter) error {
	x, err := m.StartOrContinue(ctx, req)
	if err != nil {
		return err
	}

	if !req.Stream {
		res, err := x.Wait(ctx)
		if err != nil {
			return err
		}
		return w.WriteResult(ctx, res)
	}

	for ev := range x.Events() {
		if err := w.WriteEvent(ctx, ev); err != nil {
			x.Close()
			return err
		}
	}
	return nil
}
