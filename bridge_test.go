package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAddDeviceValidation(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeDialer{})

	assert.Error(t, h.b.AddDevice("  ", ""))

	assert.NoError(t, h.b.AddDevice(serial, "bedroom tv"))
	err := h.b.AddDevice(serial, "again")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already configured")
}

func TestDevicesSorted(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeDialer{})

	h.add("CCC")
	h.add("AAA")
	h.add("BBB")

	devs := h.b.Devices()
	assert.Len(t, devs, 3)
	assert.Equal(t, "AAA", devs[0].Serial)
	assert.Equal(t, "BBB", devs[1].Serial)
	assert.Equal(t, "CCC", devs[2].Serial)
	assert.Equal(t, StateDisconnected, devs[0].State)
}

func TestDeviceName(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeDialer{})

	h.add(serial)
	assert.NoError(t, h.b.AddDevice("NAMED", "bedroom tv"))

	rec, err := h.b.Device(serial)
	assert.NoError(t, err)
	assert.Equal(t, serial, rec.Name)

	rec, err = h.b.Device("NAMED")
	assert.NoError(t, err)
	assert.Equal(t, "bedroom tv", rec.Name)

	_, err = h.b.Device("UNKNOWN")
	assert.Equal(t, ErrUnknownDevice, errors.Cause(err))
}

func TestBridgeClose(t *testing.T) {
	usb := usbFake("")
	d := &fakeDialer{present: true}
	d.usb = func(int) (*fakeTransport, error) { return usb, nil }

	b, err := newBridge(d, testConfig())
	assert.NoError(t, err)
	sub := b.Subscribe()

	assert.NoError(t, b.AddDevice(serial, ""))
	deadline := time.After(2 * time.Second)
	for connected := false; !connected; {
		select {
		case ev := <-sub.C():
			connected = ev.New == StateConnectedUSB
		case <-deadline:
			t.Fatal("device never connected")
		}
	}
	assert.NoError(t, b.Close())

	assert.True(t, usb.isClosed())
	assert.Error(t, b.AddDevice("OTHER", ""))
	// Closing twice is fine.
	assert.NoError(t, b.Close())

	// The subscription channel is closed; drain to the end.
	for range sub.C() {
	}
}

func writeApk(t *testing.T) string {
	t.Helper()
	apk := filepath.Join(t.TempDir(), "app.apk")
	if err := os.WriteFile(apk, []byte("not really an apk"), 0o644); err != nil {
		t.Fatal(err)
	}
	return apk
}

func TestInstall(t *testing.T) {
	usb := usbFake("")
	usb.reply("pm install -r /data/local/tmp/app.apk", "Success\n")
	usb.reply("rm /data/local/tmp/app.apk", "")
	d := &fakeDialer{present: true}
	d.usb = func(int) (*fakeTransport, error) { return usb, nil }

	h := newHarness(t, testConfig(), d)
	h.add(serial)
	h.waitState(serial, StateConnectedUSB)

	apk := writeApk(t)
	var last, total int64
	err := h.b.Install(serial, apk, func(sent, tot int64) { last, total = sent, tot })
	assert.NoError(t, err)
	assert.Equal(t, int64(8), last)
	assert.Equal(t, int64(8), total)

	usb.mtx.Lock()
	pushes := usb.pushes
	usb.mtx.Unlock()
	assert.Equal(t, [][2]string{{apk, "/data/local/tmp/app.apk"}}, pushes)
	assert.Equal(t, 1, usb.shellCalls("pm install -r /data/local/tmp/app.apk"))
	assert.Equal(t, 1, usb.shellCalls("rm /data/local/tmp/app.apk"))
}

func TestInstallRejected(t *testing.T) {
	usb := usbFake("")
	usb.reply("pm install -r /data/local/tmp/app.apk", "Failure [INSTALL_FAILED_OLDER_SDK]\n")
	usb.reply("rm /data/local/tmp/app.apk", "")
	d := &fakeDialer{present: true}
	d.usb = func(int) (*fakeTransport, error) { return usb, nil }

	h := newHarness(t, testConfig(), d)
	h.add(serial)
	h.waitState(serial, StateConnectedUSB)

	err := h.b.Install(serial, writeApk(t), nil)
	instErr, ok := err.(*InstallError)
	if !ok {
		t.Fatalf("want *InstallError, got %v", err)
	}
	assert.Contains(t, instErr.Output, "INSTALL_FAILED_OLDER_SDK")

	// A rejected install is not a link failure.
	rec, _ := h.b.Device(serial)
	assert.Equal(t, StateConnectedUSB, rec.State)
	assert.Equal(t, 1, usb.shellCalls("rm /data/local/tmp/app.apk"))
}

func TestInstallUploadFails(t *testing.T) {
	usb := usbFake("")
	usb.pushErr = errors.Wrap(ErrTransportUnavailable, "yanked")
	d := &fakeDialer{present: true}
	d.usb = func(int) (*fakeTransport, error) { return usb, nil }

	h := newHarness(t, testConfig(), d)
	h.add(serial)
	h.waitState(serial, StateConnectedUSB)
	d.setPresent(false)

	err := h.b.Install(serial, writeApk(t), nil)
	transErr, ok := err.(*TransferError)
	if !ok {
		t.Fatalf("want *TransferError, got %v", err)
	}
	assert.Equal(t, ErrTransportUnavailable, errors.Cause(transErr.Err))
	assert.True(t, usb.isClosed())

	rec, _ := h.b.Device(serial)
	assert.Equal(t, StateDisconnected, rec.State)
}

func TestInstallNotConnected(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeDialer{})
	h.add(serial)

	err := h.b.Install(serial, writeApk(t), nil)
	assert.Equal(t, ErrNotConnected, errors.Cause(err))
}
