package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/observability"
	"github.com/rhuss/chatrelay/pkg/storage"
)

// pendingMessage is a message write waiting for the store to come back.
type pendingMessage struct {
	ctx       context.Context
	sessionID string
	role      api.Role
	content   string
	metadata  map[string]string
	queuedAt  time.Time
}

// retryQueue replays failed writes per session in FIFO order. Each session
// with pending writes has exactly one draining goroutine.
type retryQueue struct {
	store     storage.ConversationStore
	cfg       RetryConfig
	onDrained func(sessionID string)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[string][]pendingMessage
	draining map[string]bool
	wg       sync.WaitGroup
}

func newRetryQueue(store storage.ConversationStore, cfg RetryConfig, onDrained func(string)) *retryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &retryQueue{
		store:     store,
		cfg:       cfg.withDefaults(),
		onDrained: onDrained,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[string][]pendingMessage),
		draining:  make(map[string]bool),
	}
}

// enqueue adds p behind any pending writes of its session.
func (q *retryQueue) enqueue(p pendingMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(p)
}

// enqueueIfPending queues p only when its session already has writes
// waiting, so that later messages never overtake earlier ones.
func (q *retryQueue) enqueueIfPending(p pendingMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.draining[p.sessionID] {
		return false
	}
	q.pushLocked(p)
	return true
}

func (q *retryQueue) pushLocked(p pendingMessage) {
	q.queues[p.sessionID] = append(q.queues[p.sessionID], p)
	observability.StoreRetriesTotal.WithLabelValues("queued").Inc()
	slog.Warn("conversation store unavailable, message queued for retry",
		"session_id", p.sessionID, "role", p.role, "pending", len(q.queues[p.sessionID]))

	if !q.draining[p.sessionID] {
		q.draining[p.sessionID] = true
		q.wg.Add(1)
		go q.drain(p.sessionID)
	}
}

// pending returns the number of queued writes for sessionID.
func (q *retryQueue) pending(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[sessionID])
}

func (q *retryQueue) drain(sessionID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		queue := q.queues[sessionID]
		if len(queue) == 0 {
			delete(q.queues, sessionID)
			delete(q.draining, sessionID)
			q.mu.Unlock()
			if q.onDrained != nil {
				q.onDrained(sessionID)
			}
			return
		}
		head := queue[0]
		q.mu.Unlock()

		err := q.write(head)

		q.mu.Lock()
		q.queues[sessionID] = q.queues[sessionID][1:]
		q.mu.Unlock()

		if err != nil {
			observability.StoreRetriesTotal.WithLabelValues("dropped").Inc()
			slog.Error("dropping message after store retries",
				"session_id", sessionID, "role", head.role,
				"queued_for", time.Since(head.queuedAt), "error", err)
			continue
		}
		observability.StoreRetriesTotal.WithLabelValues("recovered").Inc()
		slog.Info("queued message persisted",
			"session_id", sessionID, "role", head.role, "queued_for", time.Since(head.queuedAt))
	}
}

func (q *retryQueue) write(p pendingMessage) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialInterval
	b.MaxInterval = q.cfg.MaxInterval
	b.MaxElapsedTime = q.cfg.MaxElapsed
	b.Reset()

	op := func() error {
		_, err := q.store.AppendMessage(p.ctx, p.sessionID, p.role, p.content, p.metadata)
		if err != nil && !errors.Is(err, storage.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("store retry failed", "session_id", p.sessionID, "error", err, "retry_in", wait)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, q.ctx), notify)
}

// close stops retrying and waits for the drain goroutines. Writes still
// pending are dropped.
func (q *retryQueue) close(ctx context.Context) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
