package bridge

import (
	"sync"
	"time"
)

// Event is one state transition of a configured device.
type Event struct {
	Serial string
	Old    State
	New    State
	Time   time.Time
	// Err carries the user-visible error detail, when there is one.
	Err string
}

// CameOnline returns true if this event represents the device becoming
// usable on either transport.
func (e Event) CameOnline() bool {
	return !e.Old.Connected() && e.New.Connected()
}

// WentOffline returns true if this event represents the device dropping off.
func (e Event) WentOffline() bool {
	return e.Old.Connected() && !e.New.Connected()
}

// subscriptionBuffer is sized so a briefly slow consumer loses nothing. A
// persistently slow one loses the oldest events, never blocks a machine.
const subscriptionBuffer = 16

// Subscription delivers state-change events. Obtain one from
// Bridge.Subscribe; call Close when done.
type Subscription struct {
	bridge *Bridge
	ch     chan Event
	once   sync.Once
}

// C returns the channel events arrive on. It is closed by Close and by
// Bridge.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bridge.unsubscribe(s)
		close(s.ch)
	})
}

// send delivers without ever blocking, dropping the oldest event when the
// consumer lags.
func (s *Subscription) send(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}
