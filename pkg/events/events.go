package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names what happened
type EventType string

const (
	EventKnobAdjusted    EventType = "tuner.knob_adjusted"
	EventTunerReset      EventType = "tuner.reset"
	EventPolicyApplied   EventType = "policy.applied"
	EventPolicyDryRun    EventType = "policy.dry_run"
	EventPolicyAborted   EventType = "policy.aborted"
	EventCanaryCompleted EventType = "canary.completed"
	EventPolicyDrift     EventType = "policy.drift"
)

// Level is the log level an event of this type is recorded at
func (t EventType) Level() zerolog.Level {
	switch t {
	case EventPolicyAborted, EventPolicyDrift:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// Event is something the tuner, switcher, canary or reconciler did
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(event *Event)
}

// Subscriber receives events on a buffered channel
type Subscriber chan *Event

const (
	queueSize      = 100
	subscriberSize = 50
)

// Broker fans published events out to subscribers on its own goroutine
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber][]EventType

	queue    chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewBroker creates a broker; call Start to begin delivery
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]EventType),
		queue:       make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins delivering queued events
func (b *Broker) Start() {
	go b.run()
}

// Stop ends delivery. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber. With no types it receives every event,
// otherwise only the listed ones.
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	sub := make(Subscriber, subscriberSize)

	b.mu.Lock()
	b.subscribers[sub] = slices.Clone(types)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish stamps and queues an event. It never blocks: when the broker is
// stopped or the queue is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-b.stopCh:
		b.dropped.Add(1)
	case b.queue <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were lost to a full queue, a full
// subscriber or a stopped broker
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case <-b.stopCh:
			return
		case event := <-b.queue:
			b.deliver(event)
		}
	}
}

func (b *Broker) deliver(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, types := range b.subscribers {
		if len(types) > 0 && !slices.Contains(types, event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}
