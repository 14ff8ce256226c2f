package events

import (
	"sync"
)

// GlobalFeatureID is the special feature ID for subscribing to all events.
const GlobalFeatureID = "*"

// Subscription is one live attachment to a bus. Events arrive on C; Cancel
// detaches and closes the channel. Cancelling twice is fine.
type Subscription struct {
	FeatureID string
	C         <-chan Event

	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription from its bus and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Bus defines the interface for auto-mode event publishing. Emit is
// fire-and-forget: ordering is guaranteed only relative to the persistence
// that precedes it, never delivery.
type Bus interface {
	// Emit publishes an event to all subscribers of its feature.
	Emit(eventType EventType, featureID string, data any)
	// Subscribe attaches a subscriber for the given feature. Use
	// GlobalFeatureID ("*") to receive events for all features.
	Subscribe(featureID string) *Subscription
	// Close shuts down the bus and all subscriptions.
	Close()
}

// MemoryBus is an in-memory implementation of Bus.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]chan Event
	nextID     uint64
	bufferSize int
	closed     bool
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) BusOption {
	return func(b *MemoryBus) {
		b.bufferSize = size
	}
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(opts ...BusOption) *MemoryBus {
	b := &MemoryBus{
		subs:       make(map[string]map[uint64]chan Event),
		bufferSize: 100,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit sends an event to all subscribers of the feature and to global
// subscribers. Non-blocking: subscribers with full buffers are skipped.
func (b *MemoryBus) Emit(eventType EventType, featureID string, data any) {
	b.publish(NewEvent(eventType, featureID, data))
}

func (b *MemoryBus) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.deliver(event, b.subs[event.FeatureID])
	if event.FeatureID != GlobalFeatureID {
		b.deliver(event, b.subs[GlobalFeatureID])
	}
}

func (b *MemoryBus) deliver(event Event, targets map[uint64]chan Event) {
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			// A full buffer means a stalled subscriber; dropping beats
			// blocking the emitter.
		}
	}
}

// Subscribe implements Bus. On a closed bus the subscription starts out
// already cancelled.
func (b *MemoryBus) Subscribe(featureID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return &Subscription{FeatureID: featureID, C: ch, cancel: func() {}}
	}

	id := b.nextID
	b.nextID++
	if b.subs[featureID] == nil {
		b.subs[featureID] = make(map[uint64]chan Event)
	}
	b.subs[featureID][id] = ch

	return &Subscription{
		FeatureID: featureID,
		C:         ch,
		cancel:    func() { b.drop(featureID, id) },
	}
}

func (b *MemoryBus) drop(featureID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[featureID][id]
	if !ok {
		return
	}
	delete(b.subs[featureID], id)
	if len(b.subs[featureID]) == 0 {
		delete(b.subs, featureID)
	}
	close(ch)
}

// Close shuts down the bus and closes all subscription channels.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for featureID, targets := range b.subs {
		for _, ch := range targets {
			close(ch)
		}
		delete(b.subs, featureID)
	}
}

// SubscriberCount returns the number of subscribers for a feature.
func (b *MemoryBus) SubscriberCount(featureID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[featureID])
}

// NopBus is a no-op bus for testing or when events are disabled.
type NopBus struct{}

// Emit does nothing.
func (b *NopBus) Emit(eventType EventType, featureID string, data any) {}

// Subscribe returns an already-cancelled subscription.
func (b *NopBus) Subscribe(featureID string) *Subscription {
	ch := make(chan Event)
	close(ch)
	return &Subscription{FeatureID: featureID, C: ch, cancel: func() {}}
}

// Close does nothing.
func (b *NopBus) Close() {}

// NewNopBus creates a no-op bus.
func NewNopBus() *NopBus {
	return &NopBus{}
}
