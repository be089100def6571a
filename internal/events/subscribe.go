package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards every event of type T on bus to ch and
// returns the unsubscribe function. Events are dropped while ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher(), func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
