// Package bus is the in-process event fan-out used to surface job outcomes,
// job-set changes, session activity and notifications to observers such as
// the gateway's websocket clients.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Topics published by the scheduler, session manager and notifier.
const (
	TopicJobOutcome   = "job.outcome"
	TopicJobsChanged  = "job.changed"
	TopicSessionTurn  = "session.turn"
	TopicSessionState = "session.state"
	TopicNotification = "notification.created"
)

// JobsChangedEvent is published when the job set is replaced or edited.
type JobsChangedEvent struct {
	Version uint64   `json:"version"`
	Names   []string `json:"names"`
	Source  string   `json:"source"` // "config", "tool", "reload"
}

// SessionStateEvent is published when a session is acquired, released or fails.
type SessionStateEvent struct {
	Session string `json:"session"`
	State   string `json:"state"` // "busy", "idle", "failed", "reinitialized"
	Error   string `json:"error,omitempty"`
}

// SessionTurnEvent is published after a turn is durably logged.
type SessionTurnEvent struct {
	Session   string `json:"session"`
	Records   int    `json:"records"`
	LogOffset int64  `json:"log_offset"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events whose topic starts with
// topicPrefix. An empty prefix matches all topics. Slow consumers miss
// events once their buffer is full.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// A nil Bus discards the event.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
