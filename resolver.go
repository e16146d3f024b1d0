package bridge

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// shellRunner is the slice of a transport the resolver needs.
type shellRunner interface {
	Shell(command string, timeout time.Duration) (string, error)
}

// resolver extracts the device's network identity over an open handle.
type resolver struct {
	ifaces  []string
	timeout time.Duration
}

var inetPattern = regexp.MustCompile(`inet (\d{1,3}(?:\.\d{1,3}){3})/`)

// wifiAddr returns the device's IPv4 address by trying the configured
// interface names in order. A device with no addressed interface returns
// ErrAddrNotFound, which is retryable; link errors propagate as-is.
func (r resolver) wifiAddr(t shellRunner) (string, error) {
	for _, iface := range r.ifaces {
		out, err := t.Shell("ip addr show "+iface, r.timeout)
		if err != nil {
			if _, ok := errors.Cause(err).(*CommandError); ok {
				// Interface doesn't exist on this vendor; try the next.
				continue
			}
			return "", err
		}
		m := inetPattern.FindStringSubmatch(out)
		if m == nil {
			continue
		}
		ip := net.ParseIP(m[1])
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return m[1], nil
	}
	return "", errors.Wrapf(ErrAddrNotFound, "tried %s", strings.Join(r.ifaces, ", "))
}

// serialno reads the device's reported serial number.
func (r resolver) serialno(t shellRunner) (string, error) {
	out, err := t.Shell("getprop ro.serialno", r.timeout)
	if err != nil {
		return "", errors.Wrap(err, "serialno")
	}
	return strings.TrimSpace(out), nil
}

// wirelessPort reports whether the on-device daemon listens on TCP and on
// which port. The runtime property wins; some vendors only set the persisted
// one. "", "0" and "-1" all mean off.
func (r resolver) wirelessPort(t shellRunner) (int, bool) {
	for _, prop := range []string{"service.adb.tcp.port", "persist.adb.tcp.port"} {
		out, err := t.Shell("getprop "+prop, r.timeout)
		if err != nil {
			return 0, false
		}
		val := strings.TrimSpace(out)
		if val == "" || val == "0" || val == "-1" {
			continue
		}
		port, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		return port, true
	}
	return 0, false
}
