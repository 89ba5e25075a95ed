// ABOUTME: In-memory fan-out of bus events to observers such as websocket clients.
// ABOUTME: Each subscriber filters by event kind and identifier pattern; slow subscribers drop events.

package stream

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/events"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// HookID is the id of the hook that feeds the broadcaster.
	HookID = "event_stream"
)

// Message is the observer-facing copy of a bus event.
type Message struct {
	Kind       string         `json:"kind"`
	Identifier string         `json:"identifier"`
	Payload    map[string]any `json:"payload,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Filter selects which events a subscriber receives. Empty patterns match everything.
type Filter struct {
	Kind       string
	Identifier string
}

func (f Filter) matches(m *Message) bool {
	kind, id := f.Kind, f.Identifier
	if kind == "" {
		kind = events.Wildcard
	}
	if id == "" {
		id = events.Wildcard
	}
	return events.Match(m.Kind, kind) && events.Match(m.Identifier, id)
}

type subscriber struct {
	filter Filter
	ch     chan *Message
}

// Broadcaster provides in-memory pub/sub for bus events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber // subID -> subscriber
	dropped     atomic.Uint64
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "stream"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives matching
// messages and a subscription ID. The subscription is automatically cleaned
// up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, filter Filter) (<-chan *Message, string) {
	subID := uuid.New().String()
	ch := make(chan *Message, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = &subscriber{filter: filter, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kind", filter.Kind, "identifier", filter.Identifier)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends a message to every matching subscriber.
// Non-blocking: messages are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(m *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !sub.filter.matches(m) {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "kind", m.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
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

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many messages were dropped for slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, subID)
	}
	b.logger.Debug("broadcaster closed")
}

// Hook returns the native hook that copies every event to the broadcaster.
// It runs after every other hook except the catalog's.
func (b *Broadcaster) Hook() *events.Hook {
	return &events.Hook{
		ID:                HookID,
		EventPattern:      events.Wildcard,
		IdentifierPattern: events.Wildcard,
		Priority:          math.MaxInt32 - 1,
		Enabled:           true,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			if b.Subscribers() == 0 {
				return nil, nil
			}
			b.Publish(MessageFromEvent(ev))
			return nil, nil
		}),
	}
}

// MessageFromEvent copies an event into a Message.
func MessageFromEvent(ev *events.Event) *Message {
	m := &Message{
		Kind:       string(ev.Kind),
		Identifier: ev.Identifier,
		Payload:    events.CloneMap(ev.Payload),
		OccurredAt: ev.OccurredAt,
	}
	if ev.Call != nil {
		m.RequestID = ev.Call.GetString("request_id")
	}
	return m
}
