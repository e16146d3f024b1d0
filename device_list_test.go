package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDeviceList(t *testing.T) {
	devs, err := parseDeviceList(strings.NewReader(
		"192.168.56.101:5555\tdevice\n05856558\tunauthorized\n"))

	assert.NoError(t, err)
	assert.Len(t, devs, 2)
	assert.Equal(t, "192.168.56.101:5555", devs[0].Serial)
	assert.Equal(t, "device", devs[0].State)
	assert.Equal(t, "05856558", devs[1].Serial)
	assert.Equal(t, "unauthorized", devs[1].State)
}

func TestParseDeviceLine(t *testing.T) {
	var tests = []struct {
		name      string
		parameter string
		want      DeviceInfo
	}{{
		name:      "Short",
		parameter: "192.168.56.101:5555\tdevice",
		want:      DeviceInfo{Serial: "192.168.56.101:5555", State: "device"},
	}, {
		name:      "Long",
		parameter: "SERIAL    device product:PRODUCT model:MODEL device:DEVICE",
		want: DeviceInfo{
			Serial:  "SERIAL",
			State:   "device",
			Product: "PRODUCT",
			Model:   "MODEL"},
	}, {
		name:      "LongUSB",
		parameter: "SERIAL    device usb:1234 product:PRODUCT model:MODEL device:DEVICE ",
		want: DeviceInfo{
			Serial:  "SERIAL",
			State:   "device",
			Product: "PRODUCT",
			Model:   "MODEL",
			USB:     "1234"},
	}, {
		name:      "Unauthorized",
		parameter: "SERIAL    unauthorized usb:1234",
		want:      DeviceInfo{Serial: "SERIAL", State: "unauthorized", USB: "1234"},
	}}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dev, err := parseDeviceLine(test.parameter)
			if err != nil {
				t.Errorf("got unexpected error: %v", err)
			}
			if dev != test.want {
				t.Errorf("want %+v, got %+v", test.want, dev)
			}
		})
	}
}

func TestParseDeviceLineMalformed(t *testing.T) {
	_, err := parseDeviceLine("SERIAL")
	assert.Error(t, err)
}

func TestIsUSB(t *testing.T) {
	assert.True(t, DeviceInfo{Serial: "0123456789ABCDEF"}.IsUSB())
	assert.False(t, DeviceInfo{Serial: "192.168.1.50:5555"}.IsUSB())
}
