package bridge

import (
	"fmt"
	"time"
)

// DeviceRecord is the bridge's view of one configured device. Records are
// mutated exclusively by the device's state machine; callers always get a
// copy.
type DeviceRecord struct {
	// Serial is the stable USB serial the device was configured with.
	Serial string
	// Name is the display name chosen by the host platform.
	Name string

	// ReportedSerial is the serial the device itself reports, which can
	// differ from the identifier it was configured by.
	ReportedSerial string

	State State
	// LastError describes why the device is in StateFailed, or the most
	// recent user-visible error otherwise. Empty when all is well.
	LastError string

	// WifiIP is set only after a successful address resolution.
	WifiIP string
	// Port is the wireless ADB port, DefaultWirelessPort unless the device
	// reports otherwise.
	Port int

	// WirelessADB reports whether the on-device daemon currently listens on
	// TCP, regardless of which transport carries this session.
	WirelessADB bool

	LastSeen time.Time
}

// Addr returns the device's wireless endpoint, or "" before resolution.
func (r DeviceRecord) Addr() string {
	if r.WifiIP == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.WifiIP, r.Port)
}

// ConnectHint returns the `adb connect` command line a user would run to
// reach the device wirelessly, or "" before the address is known.
func (r DeviceRecord) ConnectHint() string {
	addr := r.Addr()
	if addr == "" {
		return ""
	}
	return "adb connect " + addr
}
