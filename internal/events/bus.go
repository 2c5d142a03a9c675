// ABOUTME: In-memory typed pub/sub bus for routing-core domain events.
// ABOUTME: Closed event vocabulary; fan-out snapshots subscribers before sending.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Kind identifies a domain event. The vocabulary is closed: components may
// only publish and subscribe to the kinds listed here.
type Kind string

const (
	KindSessionCreated        Kind = "session_created"
	KindSessionEnded          Kind = "session_ended"
	KindMessageReceived       Kind = "message_received"
	KindAssignmentProposed    Kind = "assignment_proposed"
	KindChatAssigned          Kind = "chat_assigned"
	KindChatNeedsReassignment Kind = "chat_needs_reassignment"
	KindAgentStatusChanged    Kind = "agent_status_changed"
	KindQueueEntryEscalated   Kind = "queue_entry_escalated"
)

// Event is one occurrence on the bus. The correlation fields carry whichever
// identifiers apply; Payload holds a kind-specific value.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	SessionID string
	AgentID   string
	QueueID   string
	Reason    string
	Payload   any
}

type subscriber struct {
	kinds map[Kind]bool // empty means all kinds
	ch    chan *Event
}

// Bus provides in-memory pub/sub for domain events. Publish never blocks:
// events are dropped for subscribers whose channels are full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *slog.Logger
	closed      bool
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for the given kinds, or all kinds when none are given.
// Returns a receive channel and a subscription ID for later unsubscription.
// The subscription is cleaned up automatically when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) (<-chan *Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		kinds: make(map[Kind]bool, len(kinds)),
		ch:    make(chan *Event, subscriberBufferSize),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kinds", kinds)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers the event to every matching subscriber. Missing ID and
// Timestamp fields are filled in. Safe to call after Close (no-op).
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot matching channels under the read lock so sends happen lock-free.
	targets := make([]chan *Event, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if len(sub.kinds) > 0 && !sub.kinds[event.Kind] {
			continue
		}
		targets = append(targets, sub.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"kind", event.Kind,
				"event_id", event.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for subID, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("bus closed")
}
