// A small app walking a USB device onto a wireless channel.
package bridge_test

import (
	"fmt"

	bridge "github.com/d1ced/adb-bridge"
)

func Example() {

	srv, _ := bridge.DefaultServer()

	b, _ := bridge.New(srv, bridge.DefaultConfig())
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	b.AddDevice("0123456789ABCDEF", "bedroom tv")

	for ev := range sub.C() {
		fmt.Printf("%s: %s -> %s\n", ev.Serial, ev.Old, ev.New)

		if ev.New == bridge.StateConnectedUSB {
			// Move the device onto WiFi; progress keeps arriving as events.
			b.EnableWifiADB(ev.Serial)
		}
		if ev.New == bridge.StateConnectedWifi {
			rec, _ := b.Device(ev.Serial)
			fmt.Println("reachable at", rec.Addr())
			break
		}
		if ev.New == bridge.StateFailed {
			fmt.Println("gave up:", ev.Err)
			break
		}
	}
}
