package bridge

import (
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handle is one live logical connection to a device, over USB or TCP. A
// device never has more than one Handle open; the state machine closes the
// old one on every transport switch.
//
// The adb server opens a fresh stream per request, so a Handle does not pin
// a socket. It pins the target and the liveness contract: Open verified the
// device answers, and the first failing call thereafter means the link
// dropped.
type Handle struct {
	server *Server
	// target is the USB serial, or ip:port for TCP.
	target string
	kind   TransportKind

	mu     sync.Mutex
	closed bool
}

// OpenUSB opens a handle to the USB device with the given serial.
// Returns ErrAuthRequired (check the device screen) distinctly from
// ErrTransportUnavailable (device absent or not ready).
func (s *Server) OpenUSB(serial string, timeout time.Duration) (*Handle, error) {
	h := &Handle{server: s, target: serial, kind: TransportUSB}
	if err := h.verify(timeout); err != nil {
		return nil, errors.Wrap(err, "OpenUSB")
	}
	return h, nil
}

// OpenTCP asks the adb server to connect to addr (ip:port) and opens a
// handle to the resulting device.
func (s *Server) OpenTCP(addr string, timeout time.Duration) (*Handle, error) {
	if err := s.hostConnect(addr); err != nil {
		return nil, errors.Wrapf(ErrTransportUnavailable, "OpenTCP: %v", err)
	}
	h := &Handle{server: s, target: addr, kind: TransportTCP}
	if err := h.verify(timeout); err != nil {
		s.hostDisconnect(addr)
		return nil, errors.Wrap(err, "OpenTCP")
	}
	return h, nil
}

// verify checks the device's server-side state and probes the shell once.
func (h *Handle) verify(timeout time.Duration) error {
	state, err := h.server.deviceState(h.target)
	if err != nil {
		return mapDeviceErr(err)
	}
	switch state {
	case "device":
	case "unauthorized":
		return errors.Wrapf(ErrAuthRequired, "device %s", h.target)
	default:
		return errors.Wrapf(ErrTransportUnavailable, "device %s is %s", h.target, state)
	}
	if _, err := h.Shell("echo ok", timeout); err != nil {
		return mapDeviceErr(err)
	}
	return nil
}

func (h *Handle) Kind() TransportKind { return h.kind }

// Target returns the serial or ip:port this handle is bound to.
func (h *Handle) Target() string { return h.target }

// Shell runs a command on the device and returns its combined output.
// A nonzero exit comes back as *CommandError together with the output; a
// dropped link comes back as ErrTransportUnavailable.
func (h *Handle) Shell(command string, timeout time.Duration) (string, error) {
	if isBlank(command) {
		return "", errors.New("command cannot be empty")
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", errors.Wrap(ErrTransportUnavailable, "handle closed")
	}

	conn, err := dialConn(h.server.address, timeout)
	if err != nil {
		return "", errors.Wrapf(ErrTransportUnavailable, "Shell: %v", err)
	}
	defer conn.Close()

	req := "host:transport:" + h.target
	if err := conn.SendMessage([]byte(req)); err != nil {
		return "", errors.Wrapf(ErrTransportUnavailable, "Shell: %v", err)
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return "", mapDeviceErr(err)
	}

	// The trailing echo recovers the exit code, which the shell service
	// does not report on its own.
	req = "shell:" + command + "; echo :$?"
	if err := conn.SendMessage([]byte(req)); err != nil {
		return "", errors.Wrapf(ErrTransportUnavailable, "Shell: %v", err)
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return "", mapDeviceErr(err)
	}

	b := &strings.Builder{}
	if _, err := io.Copy(b, conn); err != nil {
		return "", errors.Wrapf(ErrTransportUnavailable, "Shell: %v", err)
	}

	output, exitCode := splitExitCode(b.String())
	if exitCode != 0 {
		return output, &CommandError{Command: command, ExitCode: exitCode, Output: output}
	}
	return output, nil
}

// EnableTCPIP switches the on-device ADB daemon into TCP mode on the given
// port. The daemon restarts, which drops this handle's link shortly after
// the call returns.
func (h *Handle) EnableTCPIP(port int, timeout time.Duration) error {
	conn, err := dialConn(h.server.address, timeout)
	if err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "EnableTCPIP: %v", err)
	}
	defer conn.Close()

	req := "host:transport:" + h.target
	if err := conn.SendMessage([]byte(req)); err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "EnableTCPIP: %v", err)
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return mapDeviceErr(err)
	}

	req = "tcpip:" + strconv.Itoa(port)
	if err := conn.SendMessage([]byte(req)); err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "EnableTCPIP: %v", err)
	}
	if _, err := conn.ReadStatus(req); err != nil {
		return errors.Wrap(err, "EnableTCPIP")
	}

	b := &strings.Builder{}
	io.Copy(b, conn)
	if resp := b.String(); resp != "" && !strings.Contains(resp, "restarting") {
		return errors.Errorf("EnableTCPIP: %s", strings.TrimSpace(resp))
	}
	return nil
}

// Close releases the handle. Idempotent and safe on every path. For TCP
// handles the server-side connection is dropped as well.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.kind == TransportTCP {
		return h.server.hostDisconnect(h.target)
	}
	return nil
}

// mapDeviceErr classifies a server error as auth-pending or unavailable.
func mapDeviceErr(err error) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	if cause == ErrAuthRequired || cause == ErrTransportUnavailable {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "unauthorized") {
		return errors.Wrapf(ErrAuthRequired, "%v", err)
	}
	if deviceNotFoundPattern.MatchString(msg) {
		return errors.Wrapf(ErrTransportUnavailable, "device gone: %v", err)
	}
	return errors.Wrapf(ErrTransportUnavailable, "%v", err)
}

// splitExitCode splits the `; echo :$?` suffix off shell output.
func splitExitCode(raw string) (string, int) {
	// The shell service converts "\n" to "\r\n"; convert it back.
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return raw, 0
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw[i+1:]))
	if err != nil {
		return raw, 0
	}
	out := raw[:i]
	out = strings.TrimSuffix(out, "\n")
	return out, code
}
