// Command test-peripheral is a manual test for the peripheral controller.
// It runs the controller on the simulated stack, connects fake centrals,
// reads the Cycling Power Feature and prints every notification received.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-peripheral [--peers 2] [--interval 1s] [--wobble] [--fail hr|cp|ftms]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/multifit/internal/ble"
	"github.com/chaz8081/multifit/internal/gatt"
	"github.com/chaz8081/multifit/internal/peripheral"
	"github.com/chaz8081/multifit/internal/sensor"
)

func main() {
	peers := flag.Int("peers", 2, "number of simulated centrals")
	interval := flag.Duration("interval", time.Second, "update interval")
	wobble := flag.Bool("wobble", false, "vary readings instead of sending fixed values")
	fail := flag.String("fail", "", "make registration of a service fail: hr, cp or ftms")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	stack := ble.NewSimStack(ble.DefaultSimOptions())
	switch *fail {
	case "":
	case "hr":
		stack.FailService(gatt.HeartRateServiceUUID, ble.StatusFailure)
	case "cp":
		stack.FailService(gatt.CyclingPowerServiceUUID, ble.StatusFailure)
	case "ftms":
		stack.FailService(gatt.FitnessMachineServiceUUID, ble.StatusFailure)
	default:
		fmt.Printf("Unknown service %q\n", *fail)
		os.Exit(2)
	}

	capability, err := ble.Grant("sim", nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	ctrl, err := peripheral.New(capability, stack, peripheral.DefaultOptions())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	srv := stack.Server()
	data, settings, _ := srv.Advertising()
	fmt.Printf("Advertising %q with %d services (mode %d, connectable=%t)\n",
		data.LocalName, len(data.ServiceUUIDs), settings.Mode, settings.Connectable)

	srv.OnNotify(func(n ble.SimNotification) {
		fmt.Printf("[%s] %-8s %s\n", time.Now().Format("15:04:05.000"), n.Peer, peripheral.DescribePayload(n.Char, n.Value))
	})

	for i := 1; i <= *peers; i++ {
		peer := ble.PeerID(fmt.Sprintf("central-%d", i))
		srv.Connect(peer)
		value, status, err := srv.Read(ctx, peer, gatt.CyclingPowerFeatureUUID)
		if err != nil {
			fmt.Printf("%s: feature read failed: %v\n", peer, err)
			continue
		}
		fmt.Printf("%s: feature read %s -> %s\n", peer, status, peripheral.DescribePayload(gatt.CyclingPowerFeatureUUID, value))
	}

	var src sensor.Source = sensor.Fixed(sensor.Reference)
	if *wobble {
		src = sensor.NewWobble(sensor.Reference, time.Now().UnixNano())
	}

	fmt.Println("Publishing. Press Ctrl+C to exit.")
	if err := ctrl.RunUpdates(ctx, src, *interval); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("\nDone!")
}
