package gira

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
)

// Reasons carried by a StateChangeEvent.
const (
	ReasonAdvertisement = device.HistoryReasonAdvertisement
	ReasonDecodeError   = device.HistoryReasonDecodeError
	ReasonStale         = device.HistoryReasonStale
)

// StateChangeEvent reports a change of a device's state or availability.
type StateChangeEvent struct {
	MAC        device.MAC   `json:"mac"`
	Name       string       `json:"name"`
	Kind       device.Kind  `json:"kind"`
	State      device.State `json:"state"`
	Previous   device.State `json:"previous"`
	Available  bool         `json:"available"`
	Reason     string       `json:"reason"`
	RSSI       int          `json:"rssi,omitempty"`
	ObservedAt time.Time    `json:"observed_at"`
}

// defaultSubscriberBuffer is the channel size given to subscribers that
// pass zero.
const defaultSubscriberBuffer = 64

// EventBus fans StateChangeEvents out to subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan StateChangeEvent
	nextID uint64

	dropped atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]chan StateChangeEvent)}
}

// Subscribe returns a channel of events and a function that removes the
// subscription and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan StateChangeEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan StateChangeEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *EventBus) Publish(ev StateChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
