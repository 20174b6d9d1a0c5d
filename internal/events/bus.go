// Package events provides the in-process publish/subscribe event bus.
// It is the fabric watchers publish onto and the Action
// Router, Hook Engine, and HTTP SSE surface all subscribe to. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks before they have a bus wired in (useful in
// tests that only exercise one layer).
package events

import (
	"sync"
	"time"
)

// EventType is the fixed enum of event_type values the daemon emits.
type EventType string

const (
	IssueCreated      EventType = "issue.created"
	IssueDeleted      EventType = "issue.deleted"
	IssueFieldChanged EventType = "issue.field_changed"
	MemoPresent       EventType = "memo.present"
	TaskAdded         EventType = "task.added"
	MailboxInboundReady EventType = "mailbox.inbound.ready"
	PRCreated         EventType = "pr.created"
	SessionCompleted  EventType = "session.completed"
	SessionFailed     EventType = "session.failed"
	ActionDeclined    EventType = "action.declined"
	HookDeniedEvent   EventType = "hook.denied"
)

// Event is one {event_type, payload, timestamp, correlation_id}
// record. Payload shape depends on Type; it is
// a plain map so the Action Router's condition combinators can address
// fields by name without a type switch per event_type.
type Event struct {
	Type          EventType      `json:"event_type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels and producers never stall: when a subscriber's
// buffer is full, the event is not delivered to that subscriber and is
// not retried, so delivery is at most once per subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view directly.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers an event to every subscriber registered at the time
// of the call (FIFO per subscriber). Non-blocking: if a subscriber's
// channel is full, the event is dropped for that subscriber rather than
// stalling the publisher. Safe to call on a nil receiver (no-op), and
// stamps Timestamp if the caller left it zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; the Router and SSE handler use a
// generous buffer since bursts (e.g. a flood of issue.field_changed
// events) must not be silently dropped under normal load.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
