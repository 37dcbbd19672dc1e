// Command multifit emulates a BLE fitness sensor that exposes Indoor Bike
// Data, Heart Rate and Cycling Power to any central, such as a training app.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/multifit/internal/ble"
	"github.com/chaz8081/multifit/internal/config"
	"github.com/chaz8081/multifit/internal/gatt"
	"github.com/chaz8081/multifit/internal/peripheral"
)

var version = "dev"

var (
	flgConfig   = cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/multifit/config.yaml)", EnvVar: "MULTIFIT_CONFIG"}
	flgBackend  = cli.StringFlag{Name: "backend, b", Usage: "radio backend: sim, tinygo or hci", EnvVar: "MULTIFIT_BACKEND"}
	flgName     = cli.StringFlag{Name: "name, n", Usage: "advertised device name"}
	flgInterval = cli.DurationFlag{Name: "interval, i", Usage: "update interval"}
	flgLogLevel = cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", EnvVar: "MULTIFIT_LOG_LEVEL"}
)

func main() {
	app := cli.NewApp()
	app.Name = "multifit"
	app.Usage = "emulate a BLE indoor bike, heart rate and power sensor"
	app.Version = version
	app.Flags = []cli.Flag{flgConfig, flgBackend, flgName, flgInterval, flgLogLevel}
	app.Action = runPeripheral
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "advertise and publish readings until interrupted (default)",
			Action: runPeripheral,
		},
		{
			Name:   "init-config",
			Usage:  "write the default config file",
			Action: initConfig,
		},
		{
			Name:   "services",
			Usage:  "print the GATT services the peripheral registers",
			Action: printServices,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "multifit: %v\n", err)
		os.Exit(1)
	}
}

func runPeripheral(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	printBanner(cfg)

	src, err := cfg.SensorSource()
	if err != nil {
		return err
	}

	stack, capability, err := buildStack(cfg)
	if err != nil {
		return err
	}

	ctrl, err := peripheral.New(capability, stack, cfg.PeripheralOptions())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	setupStart := time.Now()
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	slog.Info("Peripheral ready", "backend", cfg.Backend, "elapsed", time.Since(setupStart).Round(time.Millisecond))

	if sim, ok := stack.(*ble.SimStack); ok {
		attachSimPeers(ctx, sim.Server(), cfg.Sim.Peers)
	}

	slog.Info("Publishing readings. Ctrl+C to quit.", "interval", cfg.UpdateInterval)
	if err := ctrl.RunUpdates(ctx, src, cfg.UpdateInterval); err != nil {
		return err
	}

	slog.Info("Shutting down...")
	if err := ctrl.Close(); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	slog.Info("Goodbye!")
	return nil
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func printServices(c *cli.Context) error {
	p := gatt.NewProfile()
	fmt.Println("Registration order:")
	for i, svc := range p.Services {
		fmt.Printf("  %d. %s [%s]\n", i+1, svc, svc.Type)
		for _, ch := range svc.Characteristics() {
			fmt.Printf("       %s (%s)\n", ch, ch.Properties)
		}
	}
	fmt.Println("Advertised:")
	for _, u := range p.AdvertisedUUIDs() {
		fmt.Printf("  %s\n", u)
	}
	return nil
}

// resolveConfig loads the config file, applies command-line overrides and
// installs the logger.
func resolveConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if c.GlobalIsSet("backend") {
		cfg.Backend = c.GlobalString("backend")
	}
	if c.GlobalIsSet("name") {
		cfg.DeviceName = c.GlobalString("name")
	}
	if c.GlobalIsSet("interval") {
		cfg.UpdateInterval = c.GlobalDuration("interval")
	}
	if c.GlobalIsSet("log-level") {
		cfg.LogLevel = c.GlobalString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

// buildStack creates the radio stack for the configured backend and asks
// the host for permission to run a peripheral on it.
func buildStack(cfg *config.Config) (ble.Stack, ble.Capability, error) {
	var (
		stack ble.Stack
		check ble.PermissionCheck
	)
	switch cfg.Backend {
	case "sim":
		stack = ble.NewSimStack(ble.DefaultSimOptions())
	case "tinygo":
		s := ble.NewTinyGoStack()
		stack, check = s, s.Enable
	case "hci":
		stack, check = ble.NewHCIStack(cfg.HCIOptions()), requireRawHCI
	default:
		return nil, ble.Capability{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	capability, err := ble.Grant(cfg.Backend, check)
	if err != nil {
		slog.Error("Bluetooth unavailable. On Linux, run as root or grant CAP_NET_ADMIN. The tinygo backend needs Linux or Windows and the hci backend needs Linux; use --backend sim elsewhere.")
		return nil, ble.Capability{}, err
	}
	return stack, capability, nil
}

// requireRawHCI warns when the process is unlikely to open HCI sockets.
func requireRawHCI() error {
	if os.Geteuid() != 0 {
		slog.Warn("Not running as root; raw HCI access needs CAP_NET_ADMIN")
	}
	return nil
}

// attachSimPeers connects simulated centrals, lets each read the Cycling
// Power Feature and logs every notification they receive.
func attachSimPeers(ctx context.Context, srv *ble.SimServer, peers []string) {
	if srv == nil || len(peers) == 0 {
		return
	}
	srv.OnNotify(func(n ble.SimNotification) {
		slog.Debug("[SIM] notification", "peer", n.Peer, "characteristic", n.Char, "value", peripheral.DescribePayload(n.Char, n.Value))
	})
	for _, p := range peers {
		peer := ble.PeerID(p)
		srv.Connect(peer)

		readCtx, cancel := context.WithTimeout(ctx, time.Second)
		value, status, err := srv.Read(readCtx, peer, gatt.CyclingPowerFeatureUUID)
		cancel()
		if err != nil {
			slog.Warn("[SIM] feature read failed", "peer", peer, "error", err)
			continue
		}
		slog.Info("[SIM] feature read", "peer", peer, "status", status.String(), "value", peripheral.DescribePayload(gatt.CyclingPowerFeatureUUID, value))
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== multifit ===")
	fmt.Printf("  Name:      %s\n", cfg.DeviceName)
	fmt.Printf("  Backend:   %s\n", cfg.Backend)
	fmt.Printf("  Interval:  %s\n", cfg.UpdateInterval)
	fmt.Printf("  Sensor:    %s (%.1f km/h, %d rpm, %d W, %d bpm)\n", cfg.Sensor.Mode,
		cfg.Sensor.SpeedKmh, cfg.Sensor.CadenceRPM, cfg.Sensor.PowerWatts, cfg.Sensor.HeartRateBPM)
	fmt.Printf("  Advertise: %s, connectable=%t, timeout=%s\n", cfg.Advertising.Mode, cfg.Advertising.Connectable, cfg.Advertising.Timeout)
	if cfg.Backend == "sim" {
		fmt.Printf("  Sim peers: %d\n", len(cfg.Sim.Peers))
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
