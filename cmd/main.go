package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/caarlos0/env/v8"
	"github.com/cheggaaa/pb"

	bridge "github.com/d1ced/adb-bridge"
)

var (
	adbPath = kingpin.Flag("adb",
		"Path of the adb executable.").
		Default(bridge.DefaultExecutableName).
		String()
	serverHost = kingpin.Flag("host",
		"Host the adb server listens on.").
		Default("localhost").
		String()
	serverPort = kingpin.Flag("port",
		"Port the adb server listens on.").
		Default("5037").
		Int()
	verbose = kingpin.Flag("verbose",
		"Enable debug logging.").
		Short('v').
		Bool()
	cachePath = kingpin.Flag("cache",
		"Path of the wireless-address cache file.").
		String()

	devicesCommand = kingpin.Command("devices",
		"List devices known to the adb server.")
	devicesLongFlag = devicesCommand.Flag("long",
		"Include extra detail about devices.").
		Short('l').
		Bool()

	watchCommand = kingpin.Command("watch",
		"Manage a device and print its state changes until interrupted.")
	watchSerialArg = watchCommand.Arg("serial",
		"Device serial.").
		Required().
		String()
	watchNameFlag = watchCommand.Flag("name",
		"Display name for the device.").
		String()

	enableWifiCommand = kingpin.Command("enable-wifi",
		"Connect over USB, switch the device to wireless ADB and reconnect over TCP.")
	enableWifiSerialArg = enableWifiCommand.Arg("serial",
		"Device serial.").
		Required().
		String()

	reconnectCommand = kingpin.Command("reconnect",
		"Reset the device's connection and reconnect.")
	reconnectSerialArg = reconnectCommand.Arg("serial",
		"Device serial.").
		Required().
		String()

	shellCommand = kingpin.Command("shell",
		"Run a shell command on the device.")
	shellSerialArg = shellCommand.Arg("serial",
		"Device serial.").
		Required().
		String()
	shellCommandArg = shellCommand.Arg("command",
		"Command to run on device.").
		Required().
		Strings()

	installCommand = kingpin.Command("install",
		"Push an APK to the device and install it.")
	installSerialArg = installCommand.Arg("serial",
		"Device serial.").
		Required().
		String()
	installApkArg = installCommand.Arg("apk",
		"Path of the APK file.").
		Required().
		String()
	installProgressFlag = installCommand.Flag("progress",
		"Show upload progress.").
		Short('p').
		Bool()
)

func main() {
	command := kingpin.Parse()

	log.SetHandler(cli.Default)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := bridge.DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		log.WithError(err).Fatal("bad environment configuration")
	}
	if *cachePath != "" {
		cfg.CachePath = *cachePath
	}

	srv, err := bridge.NewServer(*adbPath, *serverHost, *serverPort)
	if err != nil {
		log.WithError(err).Fatal("cannot reach adb server")
	}

	var exitCode int
	switch command {
	case "devices":
		exitCode = listDevices(srv, *devicesLongFlag)
	case "watch":
		exitCode = watch(srv, cfg, *watchSerialArg, *watchNameFlag)
	case "enable-wifi":
		exitCode = enableWifi(srv, cfg, *enableWifiSerialArg)
	case "reconnect":
		exitCode = reconnect(srv, cfg, *reconnectSerialArg)
	case "shell":
		exitCode = runShell(srv, cfg, *shellSerialArg, *shellCommandArg)
	case "install":
		exitCode = install(srv, cfg, *installSerialArg, *installApkArg, *installProgressFlag)
	}
	os.Exit(exitCode)
}

func listDevices(srv *bridge.Server, long bool) int {
	devices, err := srv.ListDevices()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	for _, device := range devices {
		if long {
			fmt.Printf("%s\t%s\tproduct:%s model:%s usb:%s\n",
				device.Serial, device.State, device.Product, device.Model, device.USB)
		} else {
			fmt.Printf("%s\t%s\n", device.Serial, device.State)
		}
	}
	return 0
}

func watch(srv *bridge.Server, cfg bridge.Config, serial, name string) int {
	b, err := bridge.New(srv, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	if err := b.AddDevice(serial, name); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev := <-sub.C():
			printEvent(ev)
		case <-interrupt:
			return 0
		}
	}
}

func enableWifi(srv *bridge.Server, cfg bridge.Config, serial string) int {
	b, err := bridge.New(srv, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	if err := b.AddDevice(serial, ""); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if !waitForState(sub, b, serial, time.Minute, func(s bridge.State) bool {
		return s == bridge.StateConnectedUSB
	}) {
		fmt.Fprintln(os.Stderr, "error: device did not connect over USB")
		return 1
	}

	if err := b.EnableWifiADB(serial); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if !waitForState(sub, b, serial, 2*time.Minute, func(s bridge.State) bool {
		return s == bridge.StateConnectedWifi || s == bridge.StateFailed
	}) {
		fmt.Fprintln(os.Stderr, "error: timed out waiting for the handoff")
		return 1
	}

	rec, err := b.Device(serial)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if rec.State != bridge.StateConnectedWifi {
		fmt.Fprintf(os.Stderr, "error: %s\n", rec.LastError)
		return 1
	}
	fmt.Printf("wireless ADB enabled on %s\n", rec.Addr())
	fmt.Printf("reconnect later with: %s\n", rec.ConnectHint())
	return 0
}

func reconnect(srv *bridge.Server, cfg bridge.Config, serial string) int {
	b, err := bridge.New(srv, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	if err := b.AddDevice(serial, ""); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if err := b.ForceReconnect(serial); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	waitForState(sub, b, serial, time.Minute, func(s bridge.State) bool {
		return s.Connected() || s == bridge.StateFailed
	})
	rec, _ := b.Device(serial)
	fmt.Printf("%s\t%s\n", rec.Serial, rec.State)
	if rec.LastError != "" {
		fmt.Fprintln(os.Stderr, rec.LastError)
		return 1
	}
	return 0
}

func runShell(srv *bridge.Server, cfg bridge.Config, serial string, commandAndArgs []string) int {
	if len(commandAndArgs) == 0 {
		fmt.Fprintln(os.Stderr, "error: no command")
		kingpin.Usage()
		return 1
	}
	command := commandAndArgs[0]
	for _, arg := range commandAndArgs[1:] {
		command += " " + arg
	}

	b, err := bridge.New(srv, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	if err := b.AddDevice(serial, ""); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if !waitForState(sub, b, serial, time.Minute, bridge.State.Connected) {
		fmt.Fprintln(os.Stderr, "error: device did not connect")
		return 1
	}

	output, err := b.RunShell(serial, command)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Print(output)
	return 0
}

func install(srv *bridge.Server, cfg bridge.Config, serial, apkPath string, showProgress bool) int {
	b, err := bridge.New(srv, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	if err := b.AddDevice(serial, ""); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if !waitForState(sub, b, serial, time.Minute, bridge.State.Connected) {
		fmt.Fprintln(os.Stderr, "error: device did not connect")
		return 1
	}

	var progress bridge.ProgressFunc
	var bar *pb.ProgressBar
	if showProgress {
		info, err := os.Stat(apkPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading %s: %s\n", apkPath, err)
			return 1
		}
		bar = pb.New64(info.Size())
		bar.Output = os.Stderr
		bar.ShowSpeed = true
		bar.ShowPercent = true
		bar.ShowTimeLeft = true
		bar.SetUnits(pb.U_BYTES)
		bar.Start()
		progress = func(sent, total int64) { bar.Set64(sent) }
	}

	err = b.Install(serial, apkPath, progress)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("installed %s\n", filepath.Base(apkPath))
	return 0
}

func printEvent(ev bridge.Event) {
	if ev.Err != "" {
		fmt.Printf("[%s] %s: %s -> %s (%s)\n",
			ev.Time.Format(time.RFC3339), ev.Serial, ev.Old, ev.New, ev.Err)
		return
	}
	fmt.Printf("[%s] %s: %s -> %s\n",
		ev.Time.Format(time.RFC3339), ev.Serial, ev.Old, ev.New)
}

// waitForState drains events until the device's state satisfies pred. The
// current snapshot is checked first in case the transition already happened.
func waitForState(sub *bridge.Subscription, b *bridge.Bridge, serial string,
	timeout time.Duration, pred func(bridge.State) bool) bool {

	if rec, err := b.Device(serial); err == nil && pred(rec.State) {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-sub.C():
			printEvent(ev)
			if ev.Serial == serial && pred(ev.New) {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}
