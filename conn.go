package bridge

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/yosemite-open/go-adb/wire"
)

var _ Conn = &wire.Conn{}

// Conn is a single request-cycle connection to the adb server in message
// mode. The server closes the stream after one request-response exchange, so
// a Conn is short lived; shell output is read until EOF.
type Conn interface {
	io.ReadCloser
	ReadStatus(string) (string, error)

	SendMessage([]byte) error
	ReadMessage() ([]byte, error)
}

// dialConn creates message-mode connections to an adb server. Package level
// for easier mocking.
var dialConn = tcpDial

// tcpDial connects to the adb server at address. The whole request cycle is
// bounded by timeout via an absolute deadline on the socket.
func tcpDial(address string, timeout time.Duration) (Conn, error) {
	netConn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "error dialing %s", address)
	}
	if timeout > 0 {
		netConn.SetDeadline(time.Now().Add(timeout))
	}

	return &wire.Conn{
		Scanner: wire.Scanner{netConn},
		Sender:  wire.Sender{netConn},
	}, nil
}

// dialRaw creates raw connections for the binary sync protocol, which does
// not fit the message-mode framing. Package level for easier mocking.
var dialRaw = func(address string, timeout time.Duration) (net.Conn, error) {
	netConn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "error dialing %s", address)
	}
	if timeout > 0 {
		netConn.SetDeadline(time.Now().Add(timeout))
	}
	return netConn, nil
}

// roundTripSingleResponse sends a request over c and reads a single response
// message. A failure status is returned as an error.
func roundTripSingleResponse(c Conn, req string) ([]byte, error) {
	if err := c.SendMessage([]byte(req)); err != nil {
		return nil, err
	}
	if _, err := c.ReadStatus(req); err != nil {
		return nil, err
	}
	return c.ReadMessage()
}
