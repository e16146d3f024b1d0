package bridge

import (
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// transporter is the slice of a Handle the state machine drives. Tests
// substitute a scripted fake.
type transporter interface {
	Kind() TransportKind
	Shell(command string, timeout time.Duration) (string, error)
	EnableTCPIP(port int, timeout time.Duration) error
	Push(local, remote string, timeout time.Duration, progress ProgressFunc) error
	Close() error
}

// dialer opens transports and probes USB enumeration.
type dialer interface {
	OpenUSB(serial string, timeout time.Duration) (transporter, error)
	OpenTCP(addr string, timeout time.Duration) (transporter, error)
	Present(serial string) (bool, error)
}

// serverDialer adapts *Server to the dialer interface.
type serverDialer struct {
	s *Server
}

func (d serverDialer) OpenUSB(serial string, timeout time.Duration) (transporter, error) {
	h, err := d.s.OpenUSB(serial, timeout)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (d serverDialer) OpenTCP(addr string, timeout time.Duration) (transporter, error) {
	h, err := d.s.OpenTCP(addr, timeout)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (d serverDialer) Present(serial string) (bool, error) {
	return d.s.Present(serial)
}

type cmdKind uint8

const (
	cmdPoll cmdKind = iota
	cmdEnableWifi
	cmdReconnect
	cmdShell
	cmdInstall
)

type command struct {
	kind     cmdKind
	shell    string
	apk      string
	progress ProgressFunc
	// reply is buffered with capacity 1; nil for fire-and-forget commands.
	reply chan result
}

type result struct {
	output string
	err    error
}

// machine owns one device: its record, its transport handle and the
// transitions between connection states. All transitions and transport I/O
// run on the machine's own goroutine; commands arrive on a FIFO queue, so
// at most one operation is in flight per device at any time.
type machine struct {
	serial string
	cfg    Config
	log    log.Interface
	dial   dialer
	res    resolver
	cache  *addressCache
	notify func(Event)

	mu       sync.Mutex
	rec      DeviceRecord
	enabling bool
	// authSince is when the device first reported unauthorized.
	authSince time.Time

	// handle is owned by the run goroutine; never touched elsewhere.
	handle transporter

	cmds chan command
	stop chan struct{}
	done chan struct{}

	poller *poller
}

func newMachine(serial, name string, cfg Config, d dialer, cache *addressCache, notify func(Event)) *machine {
	m := &machine{
		serial: serial,
		cfg:    cfg,
		log:    cfg.Logger.WithField("device", serial),
		dial:   d,
		res:    resolver{ifaces: cfg.WifiInterfaces, timeout: cfg.ShellTimeout},
		cache:  cache,
		notify: notify,
		rec: DeviceRecord{
			Serial: serial,
			Name:   name,
			State:  StateDisconnected,
			Port:   cfg.WirelessPort,
		},
		cmds: make(chan command, cfg.QueueDepth),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if e, ok := cache.get(serial); ok {
		m.rec.WifiIP = e.WifiIP
		m.rec.Port = e.Port
	}
	return m
}

func (m *machine) start() {
	go m.run()
	m.poller = newPoller(m.cfg.PollInterval, m.pollNow)
	go m.poller.run()
	// Connect promptly instead of waiting out the first tick.
	m.pollNow()
}

// halt stops the machine, closing any open handle and abandoning pending
// retries. Blocks until the run goroutine is gone.
func (m *machine) halt() {
	m.poller.halt()
	close(m.stop)
	<-m.done
}

func (m *machine) run() {
	defer close(m.done)
	defer m.closeHandle()
	for {
		select {
		case <-m.stop:
			return
		case c := <-m.cmds:
			m.handleCommand(c)
		}
	}
}

func (m *machine) handleCommand(c command) {
	switch c.kind {
	case cmdPoll:
		m.pollTick()
	case cmdEnableWifi:
		m.enableSequence()
	case cmdReconnect:
		m.reconnectNow()
		if c.reply != nil {
			c.reply <- result{}
		}
	case cmdShell:
		out, err := m.runShell(c.shell)
		c.reply <- result{output: out, err: err}
	case cmdInstall:
		c.reply <- result{err: m.runInstall(c.apk, c.progress)}
	}
}

func (m *machine) state() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.State
}

func (m *machine) snapshot() DeviceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// setState transitions the record and publishes the change. errMsg becomes
// the record's LastError; pass "" on clean transitions.
func (m *machine) setState(s State, errMsg string) {
	m.mu.Lock()
	old := m.rec.State
	m.rec.State = s
	m.rec.LastError = errMsg
	if s.Connected() {
		m.rec.LastSeen = time.Now()
	}
	m.mu.Unlock()

	if old == s && errMsg == "" {
		return
	}
	entry := m.log.WithField("state", s.String())
	if errMsg != "" {
		entry = entry.WithField("detail", errMsg)
	}
	entry.Info("state changed")
	m.notify(Event{Serial: m.serial, Old: old, New: s, Time: time.Now(), Err: errMsg})
}

func (m *machine) adopt(h transporter) {
	if m.handle != nil {
		m.handle.Close()
	}
	m.handle = h
}

func (m *machine) closeHandle() {
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
}

// sleep waits d, or returns false if the machine is being torn down.
func (m *machine) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stop:
		return false
	}
}

// pollNow enqueues a poll tick without blocking. Ticks are best effort: when
// the machine is busy the next one covers for the dropped one.
func (m *machine) pollNow() {
	select {
	case m.cmds <- command{kind: cmdPoll}:
	default:
	}
}

func (m *machine) pollTick() {
	st := m.state()
	switch {
	case st.Connected():
		if m.alive() {
			m.refreshIdentity()
			return
		}
		m.closeHandle()
		m.setState(StateDisconnected, "liveness check failed")
	case st == StateDisconnected || st == StateConnectingUSB:
		m.connectPass()
	case st == StateAuthPending:
		m.authPass()
	}
	// EnablingWifi, ResolvingAddress, ReconnectingWifi never occur here:
	// the whole handoff runs inside one command. Failed waits for a manual
	// reconnect.
}

func (m *machine) alive() bool {
	_, err := m.handle.Shell("echo ok", m.cfg.LivenessTimeout)
	if err != nil {
		m.log.WithError(err).Debug("liveness check failed")
	}
	return err == nil
}

// connectPass tries to bring a disconnected device up: over USB when it is
// enumerated, otherwise over the cached wireless endpoint if one is known.
func (m *machine) connectPass() {
	present, err := m.dial.Present(m.serial)
	if err != nil {
		m.log.WithError(err).Warn("usb probe failed")
		return
	}
	if present {
		m.setState(StateConnectingUSB, "")
		h, err := m.dial.OpenUSB(m.serial, m.cfg.OpenTimeout)
		switch {
		case err == nil:
			m.adopt(h)
			m.setState(StateConnectedUSB, "")
			m.refreshIdentity()
		case errors.Cause(err) == ErrAuthRequired:
			m.mu.Lock()
			m.authSince = time.Now()
			m.mu.Unlock()
			m.setState(StateAuthPending, "confirm the USB debugging prompt on the device")
		default:
			m.log.WithError(err).Debug("usb open failed")
			m.setState(StateDisconnected, "")
		}
		return
	}

	if addr := m.cachedAddr(); addr != "" {
		h, err := m.dial.OpenTCP(addr, m.cfg.OpenTimeout)
		if err != nil {
			m.log.WithError(err).WithField("addr", addr).Debug("cached wifi endpoint unreachable")
			return
		}
		m.adopt(h)
		m.setState(StateConnectedWifi, "")
		m.refreshIdentity()
	}
}

// authPass retries the USB open while the user decides on the on-screen
// prompt. There is no completion signal; the retry either succeeds, keeps
// waiting or hits the deadline.
func (m *machine) authPass() {
	h, err := m.dial.OpenUSB(m.serial, m.cfg.OpenTimeout)
	if err == nil {
		m.adopt(h)
		m.setState(StateConnectedUSB, "")
		m.refreshIdentity()
		return
	}
	if errors.Cause(err) == ErrAuthRequired {
		m.mu.Lock()
		waited := time.Since(m.authSince)
		m.mu.Unlock()
		if waited > m.cfg.AuthTimeout {
			m.setState(StateFailed, "auth timeout")
		}
		return
	}
	// Unplugged while the prompt was up.
	m.setState(StateDisconnected, "")
}

// cachedAddr returns the wireless endpoint worth trying, or "".
func (m *machine) cachedAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.WifiIP == "" {
		return ""
	}
	return net.JoinHostPort(m.rec.WifiIP, strconv.Itoa(m.rec.Port))
}

// refreshIdentity updates the record's network identity over the live
// handle. Best effort; a dropped link is caught by the next liveness check.
func (m *machine) refreshIdentity() {
	ip, err := m.res.wifiAddr(m.handle)
	port, wireless := m.res.wirelessPort(m.handle)
	reported, _ := m.res.serialno(m.handle)

	m.mu.Lock()
	if reported != "" {
		m.rec.ReportedSerial = reported
	}
	switch {
	case err == nil:
		m.rec.WifiIP = ip
	case errors.Cause(err) == ErrAddrNotFound && m.rec.State != StateConnectedWifi:
		// WiFi is off; don't advertise a stale address.
		m.rec.WifiIP = ""
	}
	m.rec.WirelessADB = wireless
	if wireless && port > 0 {
		m.rec.Port = port
	}
	m.mu.Unlock()
}

// reconnectNow resets any state, including Failed, and immediately runs one
// connect pass.
func (m *machine) reconnectNow() {
	m.closeHandle()
	m.setState(StateDisconnected, "")
	m.connectPass()
}

// enableSequence is the USB-to-WiFi handoff. It runs as a single serialized
// command; see the package doc for the state walk.
func (m *machine) enableSequence() {
	defer func() {
		m.mu.Lock()
		m.enabling = false
		m.mu.Unlock()
	}()

	if m.state() != StateConnectedUSB {
		// The link dropped between accepting the command and running it.
		return
	}

	port := m.cfg.WirelessPort
	if err := m.handle.EnableTCPIP(port, m.cfg.ShellTimeout); err != nil {
		m.log.WithError(err).Error("tcpip command failed")
		m.setState(StateConnectedUSB, fmt.Sprintf("wifi enable failed: %v", errors.Cause(err)))
		return
	}

	// The daemon restarts now; the current link is expected to drop. Close
	// it preemptively and wait out the restart before reopening.
	m.setState(StateEnablingWifi, "")
	m.closeHandle()
	if !m.sleep(m.cfg.EnableGrace) {
		return
	}

	var usb transporter
	for attempt := 1; attempt <= m.cfg.USBReopenAttempts; attempt++ {
		h, err := m.dial.OpenUSB(m.serial, m.cfg.OpenTimeout)
		if err == nil {
			usb = h
			break
		}
		m.log.WithError(err).WithField("attempt", attempt).Debug("usb reopen failed")
		if attempt == m.cfg.USBReopenAttempts {
			break
		}
		if !m.sleep(backoff(m.cfg.USBReopenBackoff, m.cfg.USBReopenBackoffMax, attempt)) {
			return
		}
	}
	if usb == nil {
		m.setState(StateFailed, "wifi enable lost device")
		return
	}
	m.adopt(usb)

	m.setState(StateResolvingAddress, "")
	var addr string
	for attempt := 1; attempt <= m.cfg.ResolveAttempts; attempt++ {
		ip, err := m.res.wifiAddr(m.handle)
		if err == nil {
			addr = ip
			break
		}
		if errors.Cause(err) != ErrAddrNotFound {
			// The link died again mid-resolution.
			m.closeHandle()
			m.setState(StateFailed, "wifi enable lost device")
			return
		}
		if attempt == m.cfg.ResolveAttempts {
			break
		}
		if !m.sleep(m.cfg.ResolveInterval) {
			return
		}
	}
	if addr == "" {
		m.closeHandle()
		m.setState(StateFailed, "no wifi address")
		return
	}

	m.mu.Lock()
	m.rec.WifiIP = addr
	m.rec.Port = port
	m.mu.Unlock()

	// One handle at a time: the USB side goes away before the TCP dial.
	m.closeHandle()
	m.setState(StateReconnectingWifi, "")

	target := net.JoinHostPort(addr, strconv.Itoa(port))
	var tcp transporter
	for attempt := 1; attempt <= m.cfg.TCPAttempts; attempt++ {
		h, err := m.dial.OpenTCP(target, m.cfg.OpenTimeout)
		if err == nil {
			tcp = h
			break
		}
		m.log.WithError(err).WithField("attempt", attempt).Debug("tcp open failed")
		if attempt == m.cfg.TCPAttempts {
			break
		}
		if !m.sleep(backoff(m.cfg.TCPBackoff, m.cfg.TCPBackoffMax, attempt)) {
			return
		}
	}
	if tcp == nil {
		m.setState(StateFailed, "tcp reconnect failed")
		return
	}
	m.adopt(tcp)

	m.mu.Lock()
	m.rec.WirelessADB = true
	m.mu.Unlock()
	m.setState(StateConnectedWifi, "")

	if err := m.cache.put(m.serial, addr, port); err != nil {
		m.log.WithError(err).Warn("address cache write failed")
	}
}

func (m *machine) runShell(cmdline string) (string, error) {
	if !m.state().Connected() {
		return "", errors.Wrap(ErrNotConnected, m.serial)
	}
	out, err := m.handle.Shell(cmdline, m.cfg.ShellTimeout)
	if err != nil {
		if _, ok := errors.Cause(err).(*CommandError); ok {
			return out, err
		}
		m.closeHandle()
		m.setState(StateDisconnected, "link lost")
		return "", err
	}
	return out, nil
}

func (m *machine) runInstall(apk string, progress ProgressFunc) error {
	if !m.state().Connected() {
		return errors.Wrap(ErrNotConnected, m.serial)
	}

	remote := "/data/local/tmp/" + path.Base(apk)
	if err := m.handle.Push(apk, remote, m.cfg.PushTimeout, progress); err != nil {
		if errors.Cause(err) == ErrTransportUnavailable {
			m.closeHandle()
			m.setState(StateDisconnected, "link lost")
		}
		return &TransferError{Path: apk, Err: err}
	}
	// Best-effort cleanup either way; the install verdict is what counts.
	defer m.handle.Shell("rm "+remote, m.cfg.ShellTimeout)

	out, err := m.handle.Shell("pm install -r "+remote, m.cfg.PushTimeout)
	if err != nil {
		if cmdErr, ok := errors.Cause(err).(*CommandError); ok {
			return &InstallError{Path: apk, Output: strings.TrimSpace(cmdErr.Output)}
		}
		m.closeHandle()
		m.setState(StateDisconnected, "link lost")
		return &TransferError{Path: apk, Err: err}
	}
	if !strings.Contains(out, "Success") {
		return &InstallError{Path: apk, Output: strings.TrimSpace(out)}
	}
	return nil
}

// The entry points below run on caller goroutines.

// enqueue submits a command, rejecting with ErrBusy when the queue is full.
func (m *machine) enqueue(c command) error {
	select {
	case <-m.stop:
		return errors.Wrap(ErrUnknownDevice, m.serial)
	default:
	}
	select {
	case m.cmds <- c:
		return nil
	default:
		return errors.Wrap(ErrBusy, m.serial)
	}
}

// await blocks for a command's result, bailing out if the machine is halted
// with the command still queued.
func (m *machine) await(reply chan result) result {
	select {
	case r := <-reply:
		return r
	case <-m.done:
		return result{err: errors.Wrap(ErrUnknownDevice, m.serial)}
	}
}

// enableWifi accepts the WiFi-enable command. Only one sequence may be in
// flight; the guard is taken synchronously so a duplicate call gets
// ErrAlreadyInProgress immediately rather than a queued second sequence.
func (m *machine) enableWifi() error {
	m.mu.Lock()
	if m.enabling || m.rec.State.enabling() {
		m.mu.Unlock()
		return errors.Wrap(ErrAlreadyInProgress, m.serial)
	}
	if m.rec.State != StateConnectedUSB {
		st := m.rec.State
		m.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "enable wifi adb in state %s", st)
	}
	m.enabling = true
	m.mu.Unlock()

	if err := m.enqueue(command{kind: cmdEnableWifi}); err != nil {
		m.mu.Lock()
		m.enabling = false
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *machine) forceReconnect() error {
	return m.enqueue(command{kind: cmdReconnect})
}

func (m *machine) shell(cmdline string) (string, error) {
	reply := make(chan result, 1)
	if err := m.enqueue(command{kind: cmdShell, shell: cmdline, reply: reply}); err != nil {
		return "", err
	}
	r := m.await(reply)
	return r.output, r.err
}

func (m *machine) install(apk string, progress ProgressFunc) error {
	reply := make(chan result, 1)
	if err := m.enqueue(command{kind: cmdInstall, apk: apk, progress: progress, reply: reply}); err != nil {
		return err
	}
	return m.await(reply).err
}
