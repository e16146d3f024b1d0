package bridge

import (
	"time"

	"github.com/apex/log"
)

// DefaultWirelessPort is the port the ADB daemon listens on after `tcpip`.
const DefaultWirelessPort = 5555

// Config carries the bridge's tunables. None of the constants below are fixed
// by the protocol; the defaults match the behavior of the stock adb tooling
// and can be overridden per field. The env tags allow an env-var overlay via
// caarlos0/env in a hosting process.
type Config struct {
	// WirelessPort is the port passed to `tcpip` and dialed afterwards.
	WirelessPort int `env:"ADB_BRIDGE_WIRELESS_PORT"`

	// PollInterval is how often each device is probed for liveness or, when
	// disconnected, for USB presence.
	PollInterval time.Duration `env:"ADB_BRIDGE_POLL_INTERVAL"`

	// OpenTimeout bounds a single transport open, including the time the adb
	// server spends waiting on the device.
	OpenTimeout time.Duration `env:"ADB_BRIDGE_OPEN_TIMEOUT"`
	// ShellTimeout bounds a single shell command round trip.
	ShellTimeout time.Duration `env:"ADB_BRIDGE_SHELL_TIMEOUT"`
	// LivenessTimeout bounds the poller's echo probe. Kept short so a wedged
	// device is detected within one tick.
	LivenessTimeout time.Duration `env:"ADB_BRIDGE_LIVENESS_TIMEOUT"`
	// PushTimeout bounds one APK upload.
	PushTimeout time.Duration `env:"ADB_BRIDGE_PUSH_TIMEOUT"`

	// AuthTimeout is how long a device may sit in AuthPending before the
	// machine gives up and requires a manual reconnect.
	AuthTimeout time.Duration `env:"ADB_BRIDGE_AUTH_TIMEOUT"`

	// EnableGrace is the wait after issuing `tcpip` before the first USB
	// reopen attempt. The on-device daemon restarts and transiently drops
	// the link; reopening earlier just burns an attempt.
	EnableGrace time.Duration `env:"ADB_BRIDGE_ENABLE_GRACE"`

	// USBReopenAttempts bounds the USB reopens after the daemon restart.
	USBReopenAttempts int `env:"ADB_BRIDGE_USB_REOPEN_ATTEMPTS"`
	// USBReopenBackoff is the first reopen delay; it doubles per attempt up
	// to USBReopenBackoffMax.
	USBReopenBackoff    time.Duration `env:"ADB_BRIDGE_USB_REOPEN_BACKOFF"`
	USBReopenBackoffMax time.Duration `env:"ADB_BRIDGE_USB_REOPEN_BACKOFF_MAX"`

	// ResolveAttempts bounds the WiFi address lookups, ResolveInterval apart.
	ResolveAttempts int           `env:"ADB_BRIDGE_RESOLVE_ATTEMPTS"`
	ResolveInterval time.Duration `env:"ADB_BRIDGE_RESOLVE_INTERVAL"`

	// TCPAttempts bounds the TCP opens after resolution, with the same
	// doubling backoff scheme as the USB reopens.
	TCPAttempts   int           `env:"ADB_BRIDGE_TCP_ATTEMPTS"`
	TCPBackoff    time.Duration `env:"ADB_BRIDGE_TCP_BACKOFF"`
	TCPBackoffMax time.Duration `env:"ADB_BRIDGE_TCP_BACKOFF_MAX"`

	// QueueDepth is the per-device command queue length. A full queue
	// rejects further commands with ErrBusy instead of blocking callers.
	QueueDepth int `env:"ADB_BRIDGE_QUEUE_DEPTH"`

	// WifiInterfaces are the interface names tried, in order, when resolving
	// the device's address. Vendors disagree on naming; eth0 covers set-top
	// boxes that only have wired network.
	WifiInterfaces []string `env:"ADB_BRIDGE_WIFI_INTERFACES" envSeparator:","`

	// CachePath, when set, persists each device's last-known wireless
	// address between runs. The cache is a hint only and is re-verified on
	// every connect.
	CachePath string `env:"ADB_BRIDGE_CACHE"`

	// Logger receives the bridge's structured logs. Defaults to log.Log.
	Logger log.Interface `env:"-"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WirelessPort:        DefaultWirelessPort,
		PollInterval:        30 * time.Second,
		OpenTimeout:         10 * time.Second,
		ShellTimeout:        10 * time.Second,
		LivenessTimeout:     3 * time.Second,
		PushTimeout:         5 * time.Minute,
		AuthTimeout:         30 * time.Second,
		EnableGrace:         3 * time.Second,
		USBReopenAttempts:   5,
		USBReopenBackoff:    time.Second,
		USBReopenBackoffMax: 16 * time.Second,
		ResolveAttempts:     10,
		ResolveInterval:     2 * time.Second,
		TCPAttempts:         5,
		TCPBackoff:          time.Second,
		TCPBackoffMax:       16 * time.Second,
		QueueDepth:          16,
		WifiInterfaces:      []string{"wlan0", "wlan1", "swlan0", "eth0"},
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.WirelessPort == 0 {
		c.WirelessPort = d.WirelessPort
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.ShellTimeout == 0 {
		c.ShellTimeout = d.ShellTimeout
	}
	if c.LivenessTimeout == 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = d.PushTimeout
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.EnableGrace == 0 {
		c.EnableGrace = d.EnableGrace
	}
	if c.USBReopenAttempts == 0 {
		c.USBReopenAttempts = d.USBReopenAttempts
	}
	if c.USBReopenBackoff == 0 {
		c.USBReopenBackoff = d.USBReopenBackoff
	}
	if c.USBReopenBackoffMax == 0 {
		c.USBReopenBackoffMax = d.USBReopenBackoffMax
	}
	if c.ResolveAttempts == 0 {
		c.ResolveAttempts = d.ResolveAttempts
	}
	if c.ResolveInterval == 0 {
		c.ResolveInterval = d.ResolveInterval
	}
	if c.TCPAttempts == 0 {
		c.TCPAttempts = d.TCPAttempts
	}
	if c.TCPBackoff == 0 {
		c.TCPBackoff = d.TCPBackoff
	}
	if c.TCPBackoffMax == 0 {
		c.TCPBackoffMax = d.TCPBackoffMax
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = d.QueueDepth
	}
	if len(c.WifiInterfaces) == 0 {
		c.WifiInterfaces = d.WifiInterfaces
	}
	if c.Logger == nil {
		c.Logger = log.Log
	}
}

// backoff returns the delay before retry attempt n (1-based), doubling base
// each attempt and capping at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
