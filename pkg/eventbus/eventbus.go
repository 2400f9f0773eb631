// Package eventbus implements the in-process publish/subscribe bus: bounded
// per-subscriber mailboxes, drop-oldest backpressure, and strict
// priority-ordered delivery, modeled directly on tarsy's
// pkg/events.ConnectionManager (connections/channels maps guarded by one
// sync.RWMutex, snapshot-then-release-lock broadcast) with an added
// priority-class mailbox in place of tarsy's single FIFO channel.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/metrics"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// mailbox holds one subscriber's pending envelopes as four priority-ordered
// slices. Draining always checks Critical, then High, then Normal, then Low
// — a plain slice-per-class beats container/heap here since the class count
// is fixed and small.
type mailbox struct {
	mu       sync.Mutex
	capacity int
	classes  [4][]*models.EventEnvelope // indexed by models.EventPriority
	dropped  uint64
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{capacity: capacity}
}

// size returns the total number of envelopes currently queued across all
// priority classes. Caller must hold mb.mu.
func (mb *mailbox) sizeLocked() int {
	n := 0
	for _, c := range mb.classes {
		n += len(c)
	}
	return n
}

// push appends env to its priority class, dropping the oldest envelope
// across all classes (lowest priority first) if the mailbox is at capacity.
// Returns true if an envelope was dropped to make room.
func (mb *mailbox) push(env *models.EventEnvelope) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	dropped := false
	if mb.sizeLocked() >= mb.capacity {
		dropped = mb.dropOldestLocked()
	}
	mb.classes[env.Priority] = append(mb.classes[env.Priority], env)
	return dropped
}

// dropOldestLocked removes the oldest envelope from the lowest non-empty
// priority class, so high-priority items never pay for low-priority
// backpressure. Caller must hold mb.mu.
func (mb *mailbox) dropOldestLocked() bool {
	for p := models.PriorityLow; p <= models.PriorityCritical; p++ {
		if len(mb.classes[p]) > 0 {
			mb.classes[p] = mb.classes[p][1:]
			mb.dropped++
			return true
		}
	}
	return false
}

// drain removes and returns every queued envelope in priority order
// (Critical first), FIFO within each class, then clears the mailbox.
func (mb *mailbox) drain() []*models.EventEnvelope {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	out := make([]*models.EventEnvelope, 0, mb.sizeLocked())
	for p := models.PriorityCritical; p >= models.PriorityLow; p-- {
		out = append(out, mb.classes[p]...)
		mb.classes[p] = nil
	}
	return out
}

// subscriber binds a Filter to one mailbox, looked up by subscription id.
type subscriber struct {
	subscriptionID string
	filter         models.Filter
	mailbox        *mailbox
}

// Bus is the bounded broadcast channel of the system: publishers never
// block, and a full subscriber mailbox sheds its oldest entry rather than
// stall the publisher — the same non-blocking broadcast tarsy's
// ConnectionManager.Broadcast guarantees.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	capacity    int
	recorder    metrics.Recorder
}

// New constructs a Bus with the given per-subscriber mailbox capacity.
func New(capacity int, recorder metrics.Recorder) *Bus {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		capacity:    capacity,
		recorder:    recorder,
	}
}

// Subscribe registers a new mailbox for subscriptionID with filter. Mirrors
// tarsy's ConnectionManager.Register take-a-snapshot-then-release-lock
// idiom.
func (b *Bus) Subscribe(subscriptionID string, filter models.Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[subscriptionID] = &subscriber{
		subscriptionID: subscriptionID,
		filter:         filter,
		mailbox:        newMailbox(b.capacity),
	}
}

// Unsubscribe removes subscriptionID's mailbox. Safe to call more than once.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, subscriptionID)
}

// Publish fans env out to every matching subscriber's mailbox, never
// blocking. A full mailbox drops its oldest entry and increments that
// subscription's subscriber_dropped_messages counter.
func (b *Bus) Publish(env *models.EventEnvelope) {
	b.mu.RLock()
	// Snapshot the subscriber list under the read lock, then release before
	// touching any individual mailbox — matches tarsy's broadcast pattern of
	// never holding the manager lock during per-connection work.
	snapshot := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.filter.Matches(env) {
			continue
		}
		if dropped := sub.mailbox.push(env); dropped {
			slog.Warn("Eventbus: mailbox at capacity, dropped oldest envelope", "subscription_id", sub.subscriptionID, "topic", env.Topic, "priority", env.Priority)
			b.recorder.Counter("subscriber_dropped_messages", prometheus.Labels{
				"subscription_id": sub.subscriptionID,
			}).Inc()
		}
	}
}

// Drain returns every envelope currently queued for subscriptionID, in
// priority then FIFO order, and empties its mailbox. The Registry calls
// this to push pending envelopes out to a live connection's OutboundSink.
func (b *Bus) Drain(subscriptionID string) []*models.EventEnvelope {
	b.mu.RLock()
	sub, ok := b.subscribers[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return sub.mailbox.drain()
}

// PendingCount reports how many envelopes are currently queued for
// subscriptionID, for Stats() snapshots.
func (b *Bus) PendingCount(subscriptionID string) int {
	b.mu.RLock()
	sub, ok := b.subscribers[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	sub.mailbox.mu.Lock()
	defer sub.mailbox.mu.Unlock()
	return sub.mailbox.sizeLocked()
}

// SubscriberCount reports how many active subscriptions the bus holds.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// DroppedCount reports how many envelopes have been shed from
// subscriptionID's mailbox since it was created, for Stats() snapshots.
func (b *Bus) DroppedCount(subscriptionID string) uint64 {
	b.mu.RLock()
	sub, ok := b.subscribers[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	sub.mailbox.mu.Lock()
	defer sub.mailbox.mu.Unlock()
	return sub.mailbox.dropped
}

// NewEnvelope constructs an immutable EventEnvelope with a fresh event id.
// Kept here rather than on models.EventEnvelope because id generation is an
// eventbus publishing concern, not a data-shape one. publishedAt is supplied
// by the caller rather than read from the system clock here, so dispatcher
// code stays deterministic under test.
func NewEnvelope(topic models.EventTopic, priority models.EventPriority, payload map[string]any, filterable models.EventFilterable, publishedAt time.Time) *models.EventEnvelope {
	return &models.EventEnvelope{
		EventID:     uuid.New().String(),
		Topic:       topic,
		Priority:    priority,
		Payload:     payload,
		Filterable:  filterable,
		PublishedAt: publishedAt,
	}
}
