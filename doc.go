/*
Package bridge maintains a persistent ADB control channel to an Android device
and hands the channel off between the USB and TCP/WiFi transports.

Each configured device is driven by its own state machine which detects the
device over USB, waits out the on-screen authorization prompt, switches the
on-device ADB daemon into TCP mode ("tcpip 5555"), discovers the device's WiFi
address and re-establishes the channel over the network. Every step recovers
from failure with bounded retries; exhausted retries land in an observable
Failed state that requires an explicit reconnect.

The bridge talks to a local adb server, the same one the adb command uses.
State changes are published on a subscription channel so a host platform can
mirror them into sensors.

See README for more information. Use `go doc` or godoc.org for documentation.
*/
package bridge
