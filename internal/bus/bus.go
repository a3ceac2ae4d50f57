package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies events carried on the bus.
type EventType string

// Event types published by stimulus sources and internal components.
const (
	// Gameplay stimulus events.
	EventHealthDecrease EventType = "health.decrease"
	EventHealthIncrease EventType = "health.increase"
	EventArmorDecrease  EventType = "armor.decrease"
	EventArmorIncrease  EventType = "armor.increase"
	EventPlayerDeath    EventType = "player.death"
	EventPlayerRevive   EventType = "player.revive"

	// External stimulus events.
	EventSensor        EventType = "sensor.telemetry"
	EventRemoteCommand EventType = "remote.command"
	EventMod           EventType = "mod.event"

	// Internal notifications.
	EventDeviceStatus    EventType = "device.status"
	EventDeviceTelemetry EventType = "device.telemetry"
)

// Event is the unit of communication on the bus.
//
// Stimulus events (health/armor deltas, sensors, remote and mod commands)
// are consumed by the dispatch engine; device status and telemetry events
// are emitted by the device manager for observers such as the telemetry
// recorder.
type Event struct {
	Type EventType

	// RuleID optionally names the exact rule to dispatch, bypassing the
	// trigger-type mapping.
	RuleID string

	// Value is the primary numeric payload (delta magnitude, sensor
	// reading, commanded strength).
	Value float64

	// Fields carries named numeric values for rule condition evaluation
	// (e.g. "health": 37).
	Fields map[string]float64

	// DeviceID and Channel identify the subject of device status and
	// telemetry events.
	DeviceID string
	Channel  string

	// Detail carries a short string payload for internal notifications
	// (status name, telemetry kind).
	Detail string

	// Source names the producer (ocr, sensor, mod, remote, manager).
	Source string

	// SkipDispatch bypasses the rule engine; the event is still delivered
	// to every other subscriber.
	SkipDispatch bool

	Timestamp time.Time
}

// Bus is an in-process publish/subscribe channel.
//
// Publish never blocks: events are fanned out to each subscriber's buffered
// channel and dropped, with a counter incremented, when a subscriber cannot
// keep up. Connection handling and dispatch must never stall a producer.
//
// A Bus is constructed explicitly and passed by reference; there is no
// package-level instance.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Publish delivers the event to all current subscribers without blocking.
// A zero Timestamp is filled in with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancelling closes the channel;
// the subscriber must not receive after cancelling from another goroutine.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Dropped returns the number of events discarded due to full subscriber
// buffers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
