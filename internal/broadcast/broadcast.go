// Package broadcast fans issue events out to every connected view
// session on a single logical channel.
//
// Delivery is at-most-once per live subscriber, in publish order, with
// no persistence and no replay. Duplicates are passed through untouched;
// view sessions apply events idempotently. Events carry no version, so
// a stale event delivered late by the tracker can overwrite fresher
// view state until the next full fetch.
package broadcast

import (
	"sync"

	"github.com/charmbracelet/log"

	"issuemirror/api/internal/issue"
	"issuemirror/api/internal/util"
)

// DefaultBufferSize is the per-subscriber event buffer. It must absorb a
// burst of webhook deliveries while the session writes to a slow socket.
const DefaultBufferSize = 256

// Subscriber is one live delivery target. The owning session reads
// Events and writes them to its connection.
type Subscriber struct {
	id     string
	events chan issue.Event
	done   chan struct{}
	lagged chan struct{}

	closeOnce sync.Once
	lagOnce   sync.Once
}

func (s *Subscriber) ID() string { return s.id }

// Events yields published events in publish order. It is never closed;
// select on Done alongside it.
func (s *Subscriber) Events() <-chan issue.Event { return s.events }

// Done is closed once the subscription is cancelled.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Lagged is closed when the subscriber's buffer overflowed and at least
// one event was dropped. The session should disconnect so the client
// reconnects with a full fetch.
func (s *Subscriber) Lagged() <-chan struct{} { return s.lagged }

// Close cancels the subscription from the owner's side. The broadcaster
// drops the subscriber on its next publish.
func (s *Subscriber) Close() {
	s.cancel()
}

func (s *Subscriber) cancel() bool {
	cancelled := false
	s.closeOnce.Do(func() {
		close(s.done)
		cancelled = true
	})
	return cancelled
}

func (s *Subscriber) markLagged() {
	s.lagOnce.Do(func() { close(s.lagged) })
}

// trySend delivers without blocking. It returns false when the
// subscriber has gone away and should be reaped.
func (s *Subscriber) trySend(event issue.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- event:
	default:
		s.markLagged()
	}
	return true
}

// Broadcaster owns the set of live subscribers. Subscribe, Unsubscribe
// and Publish are safe for concurrent use.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	bufferSize  int
	logger      *log.Logger
}

func New(logger *log.Logger, bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new delivery target. Events published before
// this call are never delivered to it.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:     util.NewID("sub"),
		events: make(chan issue.Event, b.bufferSize),
		done:   make(chan struct{}),
		lagged: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	total := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subscriber", sub.id, "total", total)
	return sub
}

// Unsubscribe cancels the subscription. Calling it more than once, or
// for a subscriber already reaped, is a no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	cancelled := sub.cancel()

	b.mu.Lock()
	_, present := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	total := len(b.subscribers)
	b.mu.Unlock()

	if cancelled || present {
		b.logger.Debug("subscriber removed", "subscriber", sub.id, "total", total)
	}
}

// Publish hands event to every live subscriber and returns how many
// accepted it into their queue or were marked lagged. The lock is held
// for the whole fan-out so concurrent publishes reach every subscriber
// in the same order. No network I/O happens here.
func (b *Broadcaster) Publish(event issue.Event) int {
	if event == nil {
		return 0
	}

	b.mu.Lock()
	delivered := 0
	var reaped []string
	for id, sub := range b.subscribers {
		if !sub.trySend(event) {
			delete(b.subscribers, id)
			reaped = append(reaped, id)
			continue
		}
		delivered++
	}
	b.mu.Unlock()

	for _, id := range reaped {
		b.logger.Debug("subscriber reaped", "subscriber", id)
	}
	b.logger.Debug("event published", "event", event.Name(), "iid", event.IssueIID(), "subscribers", delivered)
	return delivered
}

// Count reports the number of registered subscribers, including any
// disconnected ones not yet reaped.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
