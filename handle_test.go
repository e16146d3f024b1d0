package bridge

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func testHandle(kind TransportKind, target string) *Handle {
	return &Handle{
		server: &Server{path: "adb", address: "localhost:5037"},
		target: target,
		kind:   kind,
	}
}

func TestHandleShell(t *testing.T) {
	conn := newMockConn("hello\r\nworld\r\n:0")
	swapDial(t, conn)

	h := testHandle(TransportUSB, "SER123")
	out, err := h.Shell("echo hello; echo world", 0)

	assert.NoError(t, err)
	assert.Equal(t, "hello\nworld", out)
	assert.Equal(t, []string{
		"host:transport:SER123",
		"shell:echo hello; echo world; echo :$?",
	}, conn.requests())
	assert.True(t, conn.closed)
}

func TestHandleShellExitCode(t *testing.T) {
	conn := newMockConn("ls: /nope: No such file or directory\r\n:2")
	swapDial(t, conn)

	h := testHandle(TransportUSB, "SER123")
	out, err := h.Shell("ls /nope", 0)

	cmdErr, ok := errors.Cause(err).(*CommandError)
	if !ok {
		t.Fatalf("want *CommandError, got %v", err)
	}
	assert.Equal(t, 2, cmdErr.ExitCode)
	assert.Equal(t, "ls /nope", cmdErr.Command)
	assert.Equal(t, "ls: /nope: No such file or directory", out)
}

func TestHandleShellDeviceGone(t *testing.T) {
	conn := newMockConn("")
	conn.statusErr["host:transport:SER123"] = errors.New("device 'SER123' not found")
	swapDial(t, conn)

	h := testHandle(TransportUSB, "SER123")
	_, err := h.Shell("echo ok", 0)
	assert.Equal(t, ErrTransportUnavailable, errors.Cause(err))
}

func TestHandleShellUnauthorized(t *testing.T) {
	conn := newMockConn("")
	conn.statusErr["host:transport:SER123"] = errors.New("device unauthorized")
	swapDial(t, conn)

	h := testHandle(TransportUSB, "SER123")
	_, err := h.Shell("echo ok", 0)
	assert.Equal(t, ErrAuthRequired, errors.Cause(err))
}

func TestHandleShellAfterClose(t *testing.T) {
	swapDial(t) // any dial fails the test
	h := testHandle(TransportUSB, "SER123")
	h.closed = true

	_, err := h.Shell("echo ok", 0)
	assert.Equal(t, ErrTransportUnavailable, errors.Cause(err))
}

func TestHandleShellEmptyCommand(t *testing.T) {
	swapDial(t)
	h := testHandle(TransportUSB, "SER123")
	_, err := h.Shell("   ", 0)
	assert.Error(t, err)
}

func TestHandleEnableTCPIP(t *testing.T) {
	conn := newMockConn("restarting in TCP mode port: 5555")
	swapDial(t, conn)

	h := testHandle(TransportUSB, "SER123")
	err := h.EnableTCPIP(5555, 0)

	assert.NoError(t, err)
	assert.Equal(t, []string{
		"host:transport:SER123",
		"tcpip:5555",
	}, conn.requests())
}

func TestHandleEnableTCPIPRefused(t *testing.T) {
	conn := newMockConn("error: closed")
	swapDial(t, conn)

	h := testHandle(TransportUSB, "SER123")
	err := h.EnableTCPIP(5555, 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "error: closed")
}

func TestHandleCloseTCPDisconnects(t *testing.T) {
	conn := newMockConn("", "disconnected 192.168.1.50:5555")
	swapDial(t, conn)

	h := testHandle(TransportTCP, "192.168.1.50:5555")
	assert.NoError(t, h.Close())
	assert.Equal(t, []string{"host:disconnect:192.168.1.50:5555"}, conn.requests())

	// Second close must not dial again; swapDial would flag it.
	assert.NoError(t, h.Close())
}

func TestHandleCloseUSB(t *testing.T) {
	swapDial(t)
	h := testHandle(TransportUSB, "SER123")
	assert.NoError(t, h.Close())
}

func TestSplitExitCode(t *testing.T) {
	var tests = []struct {
		raw  string
		out  string
		code int
	}{
		{"ok\r\n:0", "ok", 0},
		{":5", "", 5},
		{"a:b\r\n:3", "a:b", 3},
		{"no marker", "no marker", 0},
		{"trailing colon:", "trailing colon:", 0},
		{"", "", 0},
	}
	for _, test := range tests {
		out, code := splitExitCode(test.raw)
		if out != test.out || code != test.code {
			t.Errorf("splitExitCode(%q) = %q, %d; want %q, %d",
				test.raw, out, code, test.out, test.code)
		}
	}
}

func TestMapDeviceErr(t *testing.T) {
	assert.NoError(t, mapDeviceErr(nil))
	assert.Equal(t, ErrAuthRequired,
		errors.Cause(mapDeviceErr(errors.New("device unauthorized"))))
	assert.Equal(t, ErrTransportUnavailable,
		errors.Cause(mapDeviceErr(errors.New("device '05856558' not found"))))
	assert.Equal(t, ErrTransportUnavailable,
		errors.Cause(mapDeviceErr(errors.New("connection refused"))))
}
