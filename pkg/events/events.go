package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventCaseRegistered EventType = "case.registered"
	EventCaseStarted    EventType = "case.started"
	EventCaseStep       EventType = "case.step"
	EventCaseCompleted  EventType = "case.completed"
	EventCaseFailed     EventType = "case.failed"
	EventCaseRecovered  EventType = "case.recovered"
	EventCaseTimedOut   EventType = "case.timed_out"
	EventGpuAssigned    EventType = "gpu.assigned"
	EventGpuReleased    EventType = "gpu.released"
	EventGpuZombie      EventType = "gpu.zombie"
	EventGpuReclaimed   EventType = "gpu.reclaimed"
)

// Event represents a pipeline event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	recent    []*Event
	recentIdx int
}

const recentCapacity = 256

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		recent:      make([]*Event, 0, recentCapacity),
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

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.remember(event)
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) remember(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.recent) < recentCapacity {
		b.recent = append(b.recent, event)
		return
	}
	b.recent[b.recentIdx] = event
	b.recentIdx = (b.recentIdx + 1) % recentCapacity
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Recent returns the retained events, oldest first
func (b *Broker) Recent() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Event, 0, len(b.recent))
	out = append(out, b.recent[b.recentIdx:]...)
	out = append(out, b.recent[:b.recentIdx]...)
	return out
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
