package gateway

import (
	"sync"
	"time"
)

// EventKind identifies the type of gateway event.
type EventKind string

const (
	EventSessionOpened         EventKind = "session_opened"
	EventSessionClosed         EventKind = "session_closed"
	EventTransportConnected    EventKind = "transport_connected"
	EventTransportDisconnected EventKind = "transport_disconnected"
	EventProbeFailed           EventKind = "probe_failed"
)

// Event is an immutable notification of gateway activity. Data carries a
// transport.Info for transport events and the error, if any, for
// EventTransportDisconnected and EventSessionClosed.
type Event struct {
	Kind      EventKind
	SessionID string
	Timestamp time.Time
	Data      any
	Err       error
}

// Subscription receives events from an EventBus.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// EventBus fans out events to all active subscribers. It is safe for
// concurrent use.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewEventBus creates an EventBus ready for use.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe creates a new subscription with the given channel buffer size.
// The caller should read from sub.C and eventually call Unsubscribe.
func (b *EventBus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish sends an event to all subscribers. A subscriber whose buffer is
// full misses the event so that session goroutines never wait on observers.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}
