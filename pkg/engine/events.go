package engine

import (
	"context"
	"sync"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Subscription is one consumer of an exchange's token events. The channel
// is closed after the terminal event.
type Subscription struct {
	ch      chan api.TokenEvent
	closed  chan struct{}
	once    sync.Once
	onClose func()
}

func newSubscription(buffer int, onClose func()) *Subscription {
	return &Subscription{
		ch:      make(chan api.TokenEvent, buffer),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan api.TokenEvent {
	return s.ch
}

// Close detaches the subscriber. Pending and future events for it are
// discarded. Closing the primary subscription cancels the exchange.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// send delivers ev, blocking while the buffer is full. It gives up when the
// subscriber closes or, if abort is non-nil, when abort is done.
func (s *Subscription) send(abort context.Context, ev api.TokenEvent) bool {
	var done <-chan struct{}
	if abort != nil {
		done = abort.Done()
	}
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.closed:
		return false
	case <-done:
		return false
	}
}

func (s *Subscription) finish() {
	close(s.ch)
}
