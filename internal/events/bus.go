package events

import (
	"sync/atomic"
	"time"

	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// Handlers run on the dispatcher's goroutines, never on the publisher's.
type Bus struct {
	current atomic.Pointer[event.Dispatcher]
}

// New creates a new event bus
func New() *Bus {
	b := &Bus{}
	b.current.Store(event.NewDispatcher())
	return b
}

// closeDelay keeps a replaced dispatcher ticking long enough to wake
// consumers that were unsubscribed just before Close.
const closeDelay = 5 * time.Millisecond

// Close stops the dispatcher's ticker goroutines. Existing subscriptions
// no longer receive events but must still be unsubscribed. The bus stays
// usable: later subscriptions start on a fresh dispatcher.
func (b *Bus) Close() error {
	old := b.current.Swap(event.NewDispatcher())
	time.AfterFunc(closeDelay, func() { _ = old.Close() })
	return nil
}

func (b *Bus) dispatcher() *event.Dispatcher {
	return b.current.Load()
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(GroupReleasedEvent{...})
func (b *Bus) Publish(ev Event) {
	d := b.dispatcher()
	switch e := ev.(type) {
	case GroupReleasedEvent:
		event.Publish(d, e)
	case PoolStateChangedEvent:
		event.Publish(d, e)
	case ResolutionChangedEvent:
		event.Publish(d, e)
	case PoolOrphanedEvent:
		event.Publish(d, e)
	case DeviceAddedEvent:
		event.Publish(d, e)
	case DeviceRemovedEvent:
		event.Publish(d, e)
	case SessionStateChangedEvent:
		event.Publish(d, e)
	case PoolMetricsEvent:
		event.Publish(d, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type selects the events it receives.
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e GroupReleasedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	d := b.dispatcher()
	switch h := handler.(type) {
	case func(GroupReleasedEvent):
		return event.Subscribe(d, h)
	case func(PoolStateChangedEvent):
		return event.Subscribe(d, h)
	case func(ResolutionChangedEvent):
		return event.Subscribe(d, h)
	case func(PoolOrphanedEvent):
		return event.Subscribe(d, h)
	case func(DeviceAddedEvent):
		return event.Subscribe(d, h)
	case func(DeviceRemovedEvent):
		return event.Subscribe(d, h)
	case func(SessionStateChangedEvent):
		return event.Subscribe(d, h)
	case func(PoolMetricsEvent):
		return event.Subscribe(d, h)
	default:
		return func() {}
	}
}
