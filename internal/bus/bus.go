package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Job event topics.
const (
	TopicJobEnqueued     = "job.enqueued"
	TopicJobStateChanged = "job.state_changed"
	TopicJobSucceeded    = "job.succeeded"
	TopicJobRetrying     = "job.retrying"
	TopicJobDeadLetter   = "job.dead_letter"
)

// Session and pause event topics.
const (
	TopicSessionCreated = "session.created"
	TopicSessionUpdated = "session.updated"
	TopicThreadPaused   = "thread.paused"
	TopicThreadResumed  = "thread.resumed"
)

// Config event topics.
const (
	TopicConfigReloaded = "config.reloaded"
)

// JobStateChangedEvent is published when a job's state changes.
type JobStateChangedEvent struct {
	JobID     string // Job ID
	ThreadID  string // Conversation thread
	OldStatus string // Previous status (e.g. QUEUED)
	NewStatus string // New status (e.g. RUNNING)
}

// JobResultEvent is published when a job succeeds or dead-letters.
type JobResultEvent struct {
	JobID     string // Job ID
	ThreadID  string // Conversation thread
	SessionID string // Agent session the reply belongs to
	Reply     string // Final reply text (empty on dead-letter)
	FellBack  bool   // Reply produced via the continue-mode fallback
	Attempt   int    // Attempt number that produced this result
	Error     string // Terminal error (dead-letter only)
}

// ThreadPauseEvent is published when a thread is paused or resumed.
type ThreadPauseEvent struct {
	ThreadID string // Conversation thread
	By       string // Actor that flipped the flag
	Held     int    // Held messages drained (resume only)
}

// ConfigReloadedEvent is published when a watched config file changes on
// disk with an effective difference. The running process keeps its startup
// config; subscribers decide whether to act.
type ConfigReloadedEvent struct {
	Path        string // File that changed
	Fingerprint string // Fingerprint of the newly loaded config
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

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
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
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
