package bridge

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// DeviceInfo is one line of the server's device list.
type DeviceInfo struct {
	// Always set.
	Serial string
	// State is "device", "offline" or "unauthorized".
	State string
	// Product and Model are only present in the long listing.
	Product string
	Model   string
	// USB is only set for devices connected via USB.
	USB string
}

// IsUSB returns true if the device is connected via USB. Wireless devices
// carry their ip:port endpoint as serial.
func (d DeviceInfo) IsUSB() bool {
	return !strings.Contains(d.Serial, ":")
}

// parseDeviceList parses `host:devices-l` output: one device per line, serial
// and state followed by key:value attributes.
func parseDeviceList(list io.Reader) ([]DeviceInfo, error) {
	devices := []DeviceInfo{}
	scanner := bufio.NewScanner(list)

	for scanner.Scan() {
		line := scanner.Text()
		if isBlank(line) {
			continue
		}
		device, err := parseDeviceLine(line)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, scanner.Err()
}

func parseDeviceLine(line string) (DeviceInfo, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return DeviceInfo{}, errors.Errorf(
			"malformed device line, expected at least 2 fields but found %d", len(fields))
	}

	d := DeviceInfo{
		Serial: fields[0],
		State:  fields[1],
	}
	for _, field := range fields[2:] {
		key, val := parseKeyVal(field)
		switch key {
		case "product":
			d.Product = val
		case "model":
			d.Model = val
		case "usb":
			d.USB = val
		}
	}
	return d, nil
}

// parseKeyVal parses a key:val pair and returns key, val.
func parseKeyVal(pair string) (string, string) {
	split := strings.SplitN(pair, ":", 2)
	if len(split) != 2 {
		return "", ""
	}
	return split[0], split[1]
}
