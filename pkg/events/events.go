package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeRegistered    EventType = "node_registered"
	EventNodeUnregistered  EventType = "node_unregistered"
	EventNodeStatusChanged EventType = "node_status_changed"
	EventNodeOffline       EventType = "node_offline"
	EventTaskSubmitted     EventType = "task_submitted"
	EventTaskScheduled     EventType = "task_scheduled"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskCancelled     EventType = "task_cancelled"
)

// Event represents a lifecycle or topology event
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	NodeID    string            `json:"node_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`

	// Task carries a snapshot of the task for terminal transitions,
	// consumed by the callback subscriber. Not serialized in streams.
	Task *types.Task `json:"-"`
}

// OverflowPolicy controls what happens when a subscriber's buffer is full.
type OverflowPolicy string

const (
	// DropNewest silently discards the incoming event for that subscriber.
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest evicts the oldest buffered event to make room.
	DropOldest OverflowPolicy = "drop_oldest"
)

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publishers
// never block: the publish channel is bounded and slow subscribers
// lose events per the configured overflow policy.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	policy      OverflowPolicy
	subBuffer   int
	dropped     uint64
	logger      zerolog.Logger
}

// NewBroker creates a new event broker with the given overflow policy.
func NewBroker(policy OverflowPolicy, subBuffer int) *Broker {
	if subBuffer <= 0 {
		subBuffer = 64
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		policy:      policy,
		subBuffer:   subBuffer,
		logger:      log.WithComponent("events"),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, b.subBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Never blocks the
// caller: if the broker's own buffer is full the event is dropped
// with a logged warning.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn().
			Str("event_type", string(event.Type)).
			Msg("event bus saturated, dropping event")
	}
}

// Dropped returns the number of events dropped at the publish side.
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
			continue
		default:
		}
		if b.policy == DropOldest {
			// Evict one and retry once; a concurrent reader may have
			// drained the channel in between, either way the send
			// below is non-blocking.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- event:
			default:
			}
		}
		// DropNewest: skip this subscriber.
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
