package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/multifit/internal/ble"
	"github.com/chaz8081/multifit/internal/peripheral"
	"github.com/chaz8081/multifit/internal/sensor"
)

// Config holds all application configuration.
type Config struct {
	DeviceName     string             `yaml:"device_name"`
	Backend        string             `yaml:"backend"` // "sim", "tinygo" or "hci"
	UpdateInterval time.Duration      `yaml:"update_interval"`
	LogLevel       string             `yaml:"log_level"`
	Registration   RegistrationConfig `yaml:"registration"`
	Notify         NotifyConfig       `yaml:"notify"`
	Advertising    AdvertisingConfig  `yaml:"advertising"`
	HCI            HCIConfig          `yaml:"hci"`
	Sensor         SensorConfig       `yaml:"sensor"`
	Sim            SimConfig          `yaml:"sim"`
}

// RegistrationConfig holds service registration settings.
type RegistrationConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// NotifyConfig holds notification delivery settings.
type NotifyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AdvertisingConfig holds advertising parameters.
type AdvertisingConfig struct {
	Mode        string        `yaml:"mode"` // "low_power", "balanced" or "low_latency"
	Connectable bool          `yaml:"connectable"`
	Timeout     time.Duration `yaml:"timeout"` // 0 advertises until stopped
}

// HCIConfig holds settings for the raw HCI backend.
type HCIConfig struct {
	DeviceID       int `yaml:"device_id"`
	MaxConnections int `yaml:"max_connections"`
}

// SensorConfig holds the emulated readings.
type SensorConfig struct {
	Mode         string  `yaml:"mode"` // "fixed" or "wobble"
	SpeedKmh     float64 `yaml:"speed_kmh"`
	CadenceRPM   int     `yaml:"cadence_rpm"`
	PowerWatts   int     `yaml:"power_watts"`
	HeartRateBPM int     `yaml:"heart_rate_bpm"`
	Seed         int64   `yaml:"seed"`
}

// SimConfig holds settings for the simulated backend.
type SimConfig struct {
	Peers []string `yaml:"peers"` // centrals connected at startup
}

var advertiseModes = map[string]ble.AdvertiseMode{
	"low_power":   ble.AdvertiseModeLowPower,
	"balanced":    ble.AdvertiseModeBalanced,
	"low_latency": ble.AdvertiseModeLowLatency,
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "multifit")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	ref := sensor.Reference
	return &Config{
		DeviceName:     "MultiFit",
		Backend:        "sim",
		UpdateInterval: peripheral.DefaultInterval,
		LogLevel:       "info",
		Registration: RegistrationConfig{
			ConfirmTimeout: 5 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout: 500 * time.Millisecond,
		},
		Advertising: AdvertisingConfig{
			Mode:        "low_latency",
			Connectable: true,
		},
		HCI: HCIConfig{
			DeviceID:       -1,
			MaxConnections: 4,
		},
		Sensor: SensorConfig{
			Mode:         "fixed",
			SpeedKmh:     ref.SpeedKmh,
			CadenceRPM:   ref.CadenceRPM,
			PowerWatts:   ref.PowerWatts,
			HeartRateBPM: ref.HeartRateBPM,
			Seed:         1,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	// A complete local name AD structure is at most 29 bytes.
	if len(c.DeviceName) > 29 {
		return fmt.Errorf("device_name must be at most 29 bytes, got %d", len(c.DeviceName))
	}

	switch c.Backend {
	case "sim", "tinygo", "hci":
	default:
		return fmt.Errorf("backend must be \"sim\", \"tinygo\" or \"hci\", got %q", c.Backend)
	}

	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be > 0")
	}
	if c.Registration.ConfirmTimeout <= 0 {
		return fmt.Errorf("registration.confirm_timeout must be > 0")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be > 0")
	}

	if _, ok := advertiseModes[c.Advertising.Mode]; !ok {
		return fmt.Errorf("advertising.mode must be low_power, balanced, or low_latency, got %q", c.Advertising.Mode)
	}
	if c.Advertising.Timeout < 0 {
		return fmt.Errorf("advertising.timeout must be >= 0")
	}

	if c.Backend == "hci" && c.HCI.MaxConnections < 1 {
		return fmt.Errorf("hci.max_connections must be > 0")
	}

	switch c.Sensor.Mode {
	case "fixed", "wobble":
	default:
		return fmt.Errorf("sensor.mode must be \"fixed\" or \"wobble\", got %q", c.Sensor.Mode)
	}
	if c.Sensor.SpeedKmh < 0 {
		return fmt.Errorf("sensor.speed_kmh must be >= 0")
	}
	if c.Sensor.CadenceRPM < 0 || c.Sensor.CadenceRPM > 255 {
		return fmt.Errorf("sensor.cadence_rpm must be between 0 and 255, got %d", c.Sensor.CadenceRPM)
	}
	if c.Sensor.HeartRateBPM < 0 || c.Sensor.HeartRateBPM > 255 {
		return fmt.Errorf("sensor.heart_rate_bpm must be between 0 and 255, got %d", c.Sensor.HeartRateBPM)
	}

	if c.Backend != "sim" && len(c.Sim.Peers) > 0 {
		slog.Warn("sim.peers is ignored unless backend is sim", "backend", c.Backend)
	}
	for i, p := range c.Sim.Peers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("sim.peers[%d] must not be empty", i)
		}
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// ParseLogLevel maps log_level to a slog level. Unknown values fall back to
// info; Validate rejects them.
func ParseLogLevel(s string) slog.Level {
	lvl, err := parseLevel(s)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
}

// AdvertiseSettings converts the advertising section. Call Validate first;
// unknown names map to the defaults.
func (c *Config) AdvertiseSettings() ble.AdvertiseSettings {
	s := ble.DefaultAdvertiseSettings()
	if m, ok := advertiseModes[c.Advertising.Mode]; ok {
		s.Mode = m
	}
	s.Connectable = c.Advertising.Connectable
	s.Timeout = c.Advertising.Timeout
	return s
}

// PeripheralOptions returns the controller options.
func (c *Config) PeripheralOptions() peripheral.Options {
	return peripheral.Options{
		Name:           c.DeviceName,
		ConfirmTimeout: c.Registration.ConfirmTimeout,
		NotifyTimeout:  c.Notify.Timeout,
		Advertise:      c.AdvertiseSettings(),
	}
}

// HCIOptions returns the options of the raw HCI backend.
func (c *Config) HCIOptions() ble.HCIOptions {
	opts := ble.DefaultHCIOptions()
	opts.DeviceID = c.HCI.DeviceID
	if c.HCI.MaxConnections > 0 {
		opts.MaxConnections = c.HCI.MaxConnections
	}
	return opts
}

// SensorSource builds the reading source described by the sensor section.
func (c *Config) SensorSource() (sensor.Source, error) {
	base := sensor.Snapshot{
		SpeedKmh:     c.Sensor.SpeedKmh,
		CadenceRPM:   c.Sensor.CadenceRPM,
		PowerWatts:   c.Sensor.PowerWatts,
		HeartRateBPM: c.Sensor.HeartRateBPM,
	}
	return sensor.New(c.Sensor.Mode, base, c.Sensor.Seed)
}

const defaultHeader = `# multifit configuration
# backend: sim (no radio), tinygo (BlueZ / WinRT), hci (raw HCI socket, Linux)

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
