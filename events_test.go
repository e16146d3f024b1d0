package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventDirection(t *testing.T) {
	var tests = []struct {
		name    string
		old     State
		new     State
		online  bool
		offline bool
	}{{
		name:   "USBConnect",
		old:    StateConnectingUSB,
		new:    StateConnectedUSB,
		online: true,
	}, {
		name:    "LinkLoss",
		old:     StateConnectedWifi,
		new:     StateDisconnected,
		offline: true,
	}, {
		name: "HandoffStep",
		old:  StateEnablingWifi,
		new:  StateResolvingAddress,
	}, {
		name: "TransportSwitchStart",
		old:  StateConnectedUSB,
		new:  StateEnablingWifi,
		// Dropping to an in-handoff state counts as going offline; the
		// device is not usable until the sequence lands.
		offline: true,
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ev := Event{Old: test.old, New: test.new}
			assert.Equal(t, test.online, ev.CameOnline())
			assert.Equal(t, test.offline, ev.WentOffline())
		})
	}
}

func TestSubscriptionDropsOldest(t *testing.T) {
	s := &Subscription{ch: make(chan Event, subscriptionBuffer)}

	for i := 0; i < subscriptionBuffer+4; i++ {
		s.send(Event{Serial: serial, New: State(i % int(StateFailed))})
	}

	// The channel stayed full without ever blocking; the newest event is
	// still in there.
	assert.Len(t, s.ch, subscriptionBuffer)
	var last Event
	for len(s.ch) > 0 {
		last = <-s.ch
	}
	assert.Equal(t, State((subscriptionBuffer+3)%int(StateFailed)), last.New)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected-usb", StateConnectedUSB.String())
	assert.Equal(t, "connected-wifi", StateConnectedWifi.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "invalid", State(200).String())

	assert.Equal(t, "usb", TransportUSB.String())
	assert.Equal(t, "tcp", TransportTCP.String())
}

func TestRecordAddr(t *testing.T) {
	rec := DeviceRecord{Serial: serial}
	assert.Equal(t, "", rec.Addr())
	assert.Equal(t, "", rec.ConnectHint())

	rec.WifiIP = "192.168.1.50"
	rec.Port = 5555
	assert.Equal(t, "192.168.1.50:5555", rec.Addr())
	assert.Equal(t, "adb connect 192.168.1.50:5555", rec.ConnectHint())
}
