package bridge

// State is one of the connection states a configured device can be in.
// A USB device goes through the following transitions on its way to a
// wireless channel:
//
//	Disconnected -> ConnectingUSB -> [AuthPending ->] ConnectedUSB
//	ConnectedUSB -> EnablingWifi -> ResolvingAddress -> ReconnectingWifi -> ConnectedWifi
//
// Every bounded-retry exhaustion lands in Failed, which is terminal until a
// manual reconnect.
type State uint8

const (
	StateDisconnected State = iota
	StateConnectingUSB
	StateAuthPending
	StateConnectedUSB
	StateConnectedWifi
	StateEnablingWifi
	StateResolvingAddress
	StateReconnectingWifi
	StateFailed
)

var stateStrings = map[State]string{
	StateDisconnected:     "disconnected",
	StateConnectingUSB:    "connecting-usb",
	StateAuthPending:      "auth-pending",
	StateConnectedUSB:     "connected-usb",
	StateConnectedWifi:    "connected-wifi",
	StateEnablingWifi:     "enabling-wifi",
	StateResolvingAddress: "resolving-address",
	StateReconnectingWifi: "reconnecting-wifi",
	StateFailed:           "failed",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "invalid"
}

// Connected reports whether a live transport handle is held in this state.
func (s State) Connected() bool {
	return s == StateConnectedUSB || s == StateConnectedWifi
}

// enabling reports whether s is part of the USB-to-WiFi handoff sequence.
func (s State) enabling() bool {
	return s == StateEnablingWifi || s == StateResolvingAddress || s == StateReconnectingWifi
}

// TransportKind labels which transport carries a connection.
type TransportKind uint8

const (
	TransportUSB TransportKind = iota
	TransportTCP
)

func (k TransportKind) String() string {
	if k == TransportTCP {
		return "tcp"
	}
	return "usb"
}
