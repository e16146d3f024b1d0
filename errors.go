package bridge

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error values used by this package. Match them with errors.Cause.
var (
	// The device (or its adb port) is not reachable right now. Retryable.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// The device has not accepted this host's key yet. Check the device screen.
	ErrAuthRequired = errors.New("device authorization required")
	// No WiFi interface on the device holds an IPv4 address. Retryable.
	ErrAddrNotFound = errors.New("no wifi address")
	// A shell or install command was issued while the device is not connected.
	ErrNotConnected = errors.New("device not connected")
	// The command does not apply in the device's current state.
	ErrInvalidState = errors.New("command not valid in current state")
	// A WiFi-enable sequence is already running for this device.
	ErrAlreadyInProgress = errors.New("wifi enable already in progress")
	// The device's command queue is full.
	ErrBusy = errors.New("device busy")
	// The serial is not configured on this bridge.
	ErrUnknownDevice = errors.New("device not configured")
)

// CommandError reports a shell command that ran but exited nonzero.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("shell %q exit code %d", e.Command, e.ExitCode)
}

// TransferError reports a failed APK upload, as opposed to a failed install.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// InstallError reports the on-device package manager rejecting an APK.
type InstallError struct {
	Path   string
	Output string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %s", e.Path, e.Output)
}
