// ABOUTME: In-memory fan-out broadcaster for agent state-change events
// ABOUTME: Subscribers follow one agent UUID or every agent; publishing never blocks

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

	// AllAgents subscribes to events for every agent.
	AllAgents = ""
)

// Type names what changed on an agent.
type Type string

const (
	StatusChanged     Type = "status_changed"
	SystemInfoUpdated Type = "system_info_updated"
	ConfigUpdated     Type = "config_updated"
)

// Event is one agent state change.
type Event struct {
	Type      Type      `json:"type"`
	AgentUUID string    `json:"agentUuid"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster provides in-memory pub/sub for agent events. Subscribers
// register for a single agent UUID or for AllAgents.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // agentUUID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events about agentUUID, or every agent when it is
// AllAgents. The returned channel is closed when ctx is cancelled, on
// Unsubscribe, or when the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, agentUUID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agentUUID]; !ok {
		b.subscribers[agentUUID] = make(map[string]chan *Event)
	}
	b.subscribers[agentUUID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_uuid", agentUUID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentUUID, subID)
	}()

	return ch, subID
}

// Publish delivers event to subscribers of its agent and to AllAgents
// subscribers. Events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send without stalling anyone.
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(b.subscribers[event.AgentUUID], event)
	if event.AgentUUID != AllAgents {
		b.deliver(b.subscribers[AllAgents], event)
	}
}

func (b *Broadcaster) deliver(subs map[string]chan *Event, event *Event) {
	for id, ch := range subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"agent_uuid", event.AgentUUID,
				"type", event.Type,
				"sub_id", id)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentUUID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentUUID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, agentUUID)
	}

	b.logger.Debug("subscriber removed", "agent_uuid", agentUUID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
