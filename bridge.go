package bridge

import (
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Bridge is the external-facing surface: device lifecycle, commands and the
// state-change subscription. One Bridge manages any number of devices; each
// gets its own state machine, handle and poller, so a wedged device never
// stalls the others.
type Bridge struct {
	cfg   Config
	dial  dialer
	log   log.Interface
	cache *addressCache

	mu       sync.Mutex
	machines map[string]*machine
	subs     map[*Subscription]struct{}
	closed   bool
}

// New creates a Bridge that talks through the given adb server.
func New(srv *Server, cfg Config) (*Bridge, error) {
	return newBridge(serverDialer{s: srv}, cfg)
}

func newBridge(d dialer, cfg Config) (*Bridge, error) {
	cfg.fillDefaults()

	var cache *addressCache
	if cfg.CachePath != "" {
		var err error
		cache, err = loadAddressCache(cfg.CachePath)
		if err != nil {
			return nil, errors.Wrap(err, "New")
		}
	}

	return &Bridge{
		cfg:      cfg,
		dial:     d,
		log:      cfg.Logger,
		cache:    cache,
		machines: map[string]*machine{},
		subs:     map[*Subscription]struct{}{},
	}, nil
}

// AddDevice configures a device by its USB serial and starts managing it.
// The first connect attempt happens immediately, then on every poll tick.
func (b *Bridge) AddDevice(serial, name string) error {
	if isBlank(serial) {
		return errors.New("device serial cannot be blank")
	}
	if name == "" {
		name = serial
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bridge is closed")
	}
	if _, ok := b.machines[serial]; ok {
		b.mu.Unlock()
		return errors.Errorf("device %s already configured", serial)
	}
	m := newMachine(serial, name, b.cfg, b.dial, b.cache, b.publish)
	b.machines[serial] = m
	b.mu.Unlock()

	m.start()
	return nil
}

// RemoveDevice unconfigures a device. Any open handle is closed and pending
// retries are abandoned; the call returns once the machine is gone. The
// cached wireless endpoint is kept so a re-add after a host restart can
// still skip the USB leg.
func (b *Bridge) RemoveDevice(serial string) error {
	b.mu.Lock()
	m, ok := b.machines[serial]
	if ok {
		delete(b.machines, serial)
	}
	b.mu.Unlock()

	if !ok {
		return errors.Wrap(ErrUnknownDevice, serial)
	}
	m.halt()
	return nil
}

// Devices returns snapshots of all configured devices, sorted by serial.
func (b *Bridge) Devices() []DeviceRecord {
	b.mu.Lock()
	machines := make([]*machine, 0, len(b.machines))
	for _, m := range b.machines {
		machines = append(machines, m)
	}
	b.mu.Unlock()

	records := make([]DeviceRecord, 0, len(machines))
	for _, m := range machines {
		records = append(records, m.snapshot())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Serial < records[j].Serial })
	return records
}

// Device returns a snapshot of one configured device.
func (b *Bridge) Device(serial string) (DeviceRecord, error) {
	m, err := b.machine(serial)
	if err != nil {
		return DeviceRecord{}, err
	}
	return m.snapshot(), nil
}

// EnableWifiADB starts the USB-to-WiFi handoff for the device. Valid only
// while connected over USB; a second call during a running sequence returns
// ErrAlreadyInProgress. The call returns once the sequence is accepted;
// progress is observable through the subscription and Device snapshots.
func (b *Bridge) EnableWifiADB(serial string) error {
	m, err := b.machine(serial)
	if err != nil {
		return err
	}
	return m.enableWifi()
}

// ForceReconnect resets the device from any state, including Failed, and
// immediately attempts to connect again.
func (b *Bridge) ForceReconnect(serial string) error {
	m, err := b.machine(serial)
	if err != nil {
		return err
	}
	return m.forceReconnect()
}

// RunShell runs a command on the device and returns its output. Commands
// are executed in submission order; ErrNotConnected if no transport is up.
func (b *Bridge) RunShell(serial, command string) (string, error) {
	m, err := b.machine(serial)
	if err != nil {
		return "", err
	}
	return m.shell(command)
}

// Install pushes the APK to the device and installs it. A failed upload
// comes back as *TransferError, a package-manager rejection as
// *InstallError. progress may be nil.
func (b *Bridge) Install(serial, apkPath string, progress ProgressFunc) error {
	m, err := b.machine(serial)
	if err != nil {
		return err
	}
	return m.install(apkPath, progress)
}

// Subscribe returns a subscription delivering every device state change.
func (b *Bridge) Subscribe() *Subscription {
	s := &Subscription{bridge: b, ch: make(chan Event, subscriptionBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close stops all machines and closes all subscriptions.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	machines := make([]*machine, 0, len(b.machines))
	for _, m := range b.machines {
		machines = append(machines, m)
	}
	b.machines = map[string]*machine{}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, m := range machines {
		m.halt()
	}
	for _, s := range subs {
		s.Close()
	}
	return nil
}

func (b *Bridge) machine(serial string) (*machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[serial]
	if !ok {
		return nil, errors.Wrap(ErrUnknownDevice, serial)
	}
	return m, nil
}

func (b *Bridge) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.send(ev)
	}
}

func (b *Bridge) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}
