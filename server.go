package bridge

import (
	"bytes"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultExecutableName is the name of the adb binary on the PATH.
	DefaultExecutableName = "adb"
	// DefaultServerPort is the port the adb server listens on.
	DefaultServerPort = 5037
)

// serverTimeout bounds one host-service round trip. Host services answer out
// of the server's own tables and never wait on a device.
const serverTimeout = 10 * time.Second

// Server holds what is needed to reach an adb server repeatedly. Use
// NewServer or DefaultServer to create one; both ensure the server runs.
type Server struct {
	path    string
	address string
}

// DefaultServer connects to the adb server on localhost:5037, starting it if
// necessary.
func DefaultServer() (*Server, error) {
	return NewServer(DefaultExecutableName, "localhost", DefaultServerPort)
}

// NewServer creates a Server for the adb binary at path listening on
// host:port, starting it if necessary.
func NewServer(path, host string, port int) (*Server, error) {
	s := &Server{
		path:    path,
		address: host + ":" + strconv.Itoa(port),
	}
	if err := start(s); err != nil {
		return nil, err
	}
	return s, nil
}

func start(s *Server) error {
	out, err := exec.Command(s.path, "start-server").CombinedOutput()
	return errors.WithMessagef(err, "error starting server. Output:\n%s", out)
}

// requestResponse sends the complete service request msg to the server and
// returns the single response message.
func (s *Server) requestResponse(msg string) ([]byte, error) {
	conn, err := dialConn(s.address, serverTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return roundTripSingleResponse(conn, msg)
}

// send sends the service request msg and only checks the status.
func (s *Server) send(msg string) error {
	conn, err := dialConn(s.address, serverTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SendMessage([]byte(msg)); err != nil {
		return err
	}
	_, err = conn.ReadStatus(msg)
	return err
}

// Version asks the adb server for its internal version number.
func (s *Server) Version() (int, error) {
	b, err := s.requestResponse("host:version")
	if err != nil {
		return 0, errors.Wrap(err, "Version")
	}
	v, _ := strconv.ParseInt(string(b), 16, 32)
	return int(v), nil
}

// Kill tells the server to quit immediately.
func (s *Server) Kill() error {
	return s.send("host:kill")
}

// ListDevices returns all devices the server knows about, including
// unauthorized and offline ones.
func (s *Server) ListDevices() ([]DeviceInfo, error) {
	b, err := s.requestResponse("host:devices-l")
	if err != nil {
		return nil, errors.Wrap(err, "ListDevices")
	}
	return parseDeviceList(bytes.NewReader(b))
}

// Present reports whether the device with the given serial is enumerated,
// in any state. Used as the USB presence probe while disconnected.
func (s *Server) Present(serial string) (bool, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.Serial == serial {
			return true, nil
		}
	}
	return false, nil
}

// deviceState asks the server for the device's state: "device", "offline"
// or "unauthorized". An absent device comes back as an error.
func (s *Server) deviceState(serial string) (string, error) {
	b, err := s.requestResponse("host-serial:" + serial + ":get-state")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// hostConnect asks the server to connect to a wireless device at addr
// (ip:port). The server reports the outcome as text, not as a status code.
func (s *Server) hostConnect(addr string) error {
	b, err := s.requestResponse("host:connect:" + addr)
	if err != nil {
		return err
	}
	resp := string(b)
	// "connected to x" and "already connected to x" both mean success.
	if strings.Contains(resp, "connected to") && !strings.Contains(resp, "failed") &&
		!strings.Contains(resp, "unable") {
		return nil
	}
	return errors.Errorf("connect %s: %s", addr, strings.TrimSpace(resp))
}

// hostDisconnect drops the server's connection to a wireless device.
func (s *Server) hostDisconnect(addr string) error {
	_, err := s.requestResponse("host:disconnect:" + addr)
	return err
}
