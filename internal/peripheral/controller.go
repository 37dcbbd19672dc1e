// Package peripheral runs the fitness peripheral: it registers the GATT
// services with the radio stack, advertises, tracks connected centrals and
// publishes sensor readings to them.
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/multifit/internal/ble"
	"github.com/chaz8081/multifit/internal/codec"
	"github.com/chaz8081/multifit/internal/gatt"
	"github.com/chaz8081/multifit/internal/sensor"
)

var (
	// ErrSetup wraps every failure that prevents the GATT server from
	// coming up. No services are left registered when it is returned.
	ErrSetup = errors.New("peripheral: setup failed")
	// ErrNoCapability is returned by New when the host did not grant
	// permission to run a peripheral.
	ErrNoCapability = errors.New("peripheral: peripheral capability not granted")
	// ErrNotSetUp is returned by operations that need a running server.
	ErrNotSetUp = errors.New("peripheral: server not set up")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("peripheral: controller closed")
)

// DefaultInterval is the update period of RunUpdates.
const DefaultInterval = time.Second

// Options configures the controller.
type Options struct {
	Name           string        // advertised local name
	ConfirmTimeout time.Duration // max wait for each service-added event
	NotifyTimeout  time.Duration // max wait for one notification fan-out
	Advertise      ble.AdvertiseSettings
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Name:           "MultiFit",
		ConfirmTimeout: 5 * time.Second,
		NotifyTimeout:  500 * time.Millisecond,
		Advertise:      ble.DefaultAdvertiseSettings(),
	}
}

// Controller owns the attribute tree and the connection registry for the
// lifetime of the peripheral.
type Controller struct {
	stack    ble.Stack
	opts     Options
	profile  *gatt.Profile
	registry *Registry

	mu       sync.Mutex
	server   ble.Server
	seq      *Sequencer
	notifier *Notifier
	closed   bool
}

// New creates a controller on stack. The capability must come from
// ble.Grant; the controller does not check host permissions itself.
func New(capability ble.Capability, stack ble.Stack, opts Options) (*Controller, error) {
	if !capability.Valid() {
		return nil, ErrNoCapability
	}
	if stack == nil {
		return nil, fmt.Errorf("peripheral: nil stack")
	}
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = def.ConfirmTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = def.NotifyTimeout
	}
	return &Controller{
		stack:    stack,
		opts:     opts,
		profile:  gatt.NewProfile(),
		registry: NewRegistry(),
	}, nil
}

// Profile returns the attribute tree served by the controller.
func (c *Controller) Profile() *gatt.Profile { return c.profile }

// Registry returns the connection registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Setup opens the GATT server and registers the Heart Rate, Cycling Power and
// Fitness Machine services, in that order. On failure the server is closed
// and the returned error wraps ErrSetup.
func (c *Controller) Setup(ctx context.Context) error {
	start := time.Now()

	seq := NewSequencer(c.opts.ConfirmTimeout)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.server != nil {
		c.mu.Unlock()
		return fmt.Errorf("peripheral: setup: server already open")
	}
	c.seq = seq
	c.mu.Unlock()

	// The stack serves reads from this value on backends that do not
	// forward read requests.
	c.profile.CyclingPowerFeature.SetValue(codec.CyclingPowerFeature())

	server, err := c.stack.OpenServer(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: open server: %w", ErrSetup, err)
	}

	c.mu.Lock()
	c.server = server
	c.notifier = NewNotifier(server, c.registry, c.opts.NotifyTimeout)
	c.mu.Unlock()

	if err := seq.Register(ctx, server, c.profile.Services); err != nil {
		slog.Error("[PERIPH] service registration failed", "error", err)
		c.teardown()
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	slog.Info("[PERIPH] GATT server ready", "services", len(seq.Registered()), "elapsed", time.Since(start).Round(time.Millisecond))
	for _, svc := range seq.Registered() {
		slog.Info("[PERIPH] service", "service", svc.String())
		for _, ch := range svc.Characteristics() {
			slog.Info("[PERIPH]   characteristic", "characteristic", ch.String(), "properties", ch.Properties.String())
		}
	}
	return nil
}

// StartAdvertising advertises the device name and the three service UUIDs.
// A stack failure is returned as a *ble.AdvertiseError; registered services
// stay up and nothing is retried.
func (c *Controller) StartAdvertising(ctx context.Context) error {
	c.mu.Lock()
	server, closed := c.server, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if server == nil {
		return ErrNotSetUp
	}

	data := ble.AdvertiseData{
		LocalName:    c.opts.Name,
		ServiceUUIDs: c.profile.AdvertisedUUIDs(),
	}
	if err := server.StartAdvertising(ctx, c.opts.Advertise, data); err != nil {
		slog.Error("[PERIPH] advertising failed", "error", err)
		return fmt.Errorf("peripheral: %w", err)
	}
	slog.Info("[PERIPH] advertising started", "name", c.opts.Name)
	return nil
}

// Start runs Setup followed by StartAdvertising.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Setup(ctx); err != nil {
		return err
	}
	return c.StartAdvertising(ctx)
}

// Run starts the peripheral and publishes readings from src every interval
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, src sensor.Source, interval time.Duration) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.RunUpdates(ctx, src, interval)
}

// RunUpdates publishes a reading immediately and then once per interval.
// Cancellation is checked between ticks; a tick in progress always updates
// all three characteristics. It returns nil when ctx is cancelled.
func (c *Controller) RunUpdates(ctx context.Context, src sensor.Source, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tickCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.publish(tickCtx, src.Next())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Controller) publish(ctx context.Context, s sensor.Snapshot) {
	ibd := c.UpdateIndoorBikeData(ctx, s.SpeedKmh, s.CadenceRPM, s.PowerWatts)
	hr := c.UpdateHeartRate(ctx, s.HeartRateBPM)
	cp := c.UpdateCyclingPower(ctx, s.PowerWatts)
	slog.Debug("[PERIPH] published", "reading", s.String(), "peers", c.registry.Len(),
		"indoor_bike_data", ibd, "heart_rate", hr, "cycling_power", cp)
}

// UpdateIndoorBikeData encodes and publishes an Indoor Bike Data reading.
// It returns the number of peers notified.
func (c *Controller) UpdateIndoorBikeData(ctx context.Context, speedKmh float64, cadenceRPM, powerW int) int {
	return c.update(ctx, c.profile.IndoorBikeData, codec.IndoorBikeData(speedKmh, cadenceRPM, powerW))
}

// UpdateHeartRate encodes and publishes a Heart Rate Measurement.
// It returns the number of peers notified.
func (c *Controller) UpdateHeartRate(ctx context.Context, bpm int) int {
	return c.update(ctx, c.profile.HeartRateMeasurement, codec.HeartRateMeasurement(bpm))
}

// UpdateCyclingPower encodes and publishes a Cycling Power Measurement.
// It returns the number of peers notified.
func (c *Controller) UpdateCyclingPower(ctx context.Context, powerW int) int {
	return c.update(ctx, c.profile.CyclingPowerMeasurement, codec.CyclingPowerMeasurement(powerW))
}

func (c *Controller) update(ctx context.Context, char *gatt.Characteristic, value []byte) int {
	c.mu.Lock()
	n := c.notifier
	c.mu.Unlock()
	if n == nil {
		char.SetValue(value)
		return 0
	}
	return n.Publish(ctx, char, value)
}

// Close stops advertising, closes the server and forgets every peer. It is
// safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.teardown()
}

func (c *Controller) teardown() error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.notifier = nil
	c.mu.Unlock()

	c.registry.Clear()
	if server == nil {
		return nil
	}
	var errs []error
	if err := server.StopAdvertising(); err != nil {
		errs = append(errs, err)
	}
	if err := server.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("peripheral: close: %w", err)
	}
	return nil
}

// OnConnectionStateChange implements ble.ServerCallbacks.
func (c *Controller) OnConnectionStateChange(peer ble.PeerID, state ble.ConnectionState) {
	switch state {
	case ble.StateConnected:
		if c.registry.Connect(peer) {
			slog.Info("[PERIPH] device connected", "peer", peer)
		}
	case ble.StateDisconnected:
		if c.registry.Disconnect(peer) {
			slog.Info("[PERIPH] device disconnected", "peer", peer)
		} else {
			slog.Debug("[PERIPH] disconnect for unknown peer", "peer", peer)
		}
	}
}

// OnServiceAdded implements ble.ServerCallbacks.
func (c *Controller) OnServiceAdded(status ble.Status, svc *gatt.Service) {
	c.mu.Lock()
	seq := c.seq
	c.mu.Unlock()
	slog.Debug("[PERIPH] service added event", "service", svcName(svc), "status", status.String())
	if seq == nil {
		slog.Warn("[PERIPH] service-added event before setup, ignoring", "service", svcName(svc))
		return
	}
	seq.Confirm(status, svc)
}

// OnCharacteristicReadRequest implements ble.ServerCallbacks. Only the Cycling
// Power Feature is readable; it is answered with the full feature mask
// whatever the requested offset.
func (c *Controller) OnCharacteristicReadRequest(peer ble.PeerID, requestID int, offset int, char *gatt.Characteristic) {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		slog.Warn("[PERIPH] read request with no server", "peer", peer)
		return
	}

	status, value := ble.StatusRequestNotSupported, []byte(nil)
	if char == c.profile.CyclingPowerFeature || (char != nil && char.UUID == gatt.CyclingPowerFeatureUUID) {
		status, value = ble.StatusSuccess, codec.CyclingPowerFeature()
	} else {
		slog.Warn("[PERIPH] read of unsupported characteristic", "peer", peer, "characteristic", charName(char))
	}

	if err := server.SendResponse(peer, requestID, status, offset, value); err != nil {
		slog.Warn("[PERIPH] read response failed", "peer", peer, "request", requestID, "error", err)
	}
}

// Compile-time check that Controller implements ble.ServerCallbacks.
var _ ble.ServerCallbacks = (*Controller)(nil)

func charName(c *gatt.Characteristic) string {
	if c == nil {
		return "<nil>"
	}
	return c.String()
}

// DescribePayload decodes a value of one of the served characteristics for
// logging.
func DescribePayload(u uuid.UUID, value []byte) string {
	switch u {
	case gatt.IndoorBikeDataUUID:
		f, err := codec.DecodeIndoorBikeData(value)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("speed=%.2fkm/h cadence=%drpm power=%dW", f.SpeedKmh, f.CadenceRPM, f.PowerW)
	case gatt.HeartRateMeasurementUUID:
		bpm, err := codec.DecodeHeartRateMeasurement(value)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("heart_rate=%dbpm", bpm)
	case gatt.CyclingPowerMeasurementUUID:
		_, power, err := codec.DecodeCyclingPowerMeasurement(value)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("power=%dW", power)
	case gatt.CyclingPowerFeatureUUID:
		mask, err := codec.DecodeCyclingPowerFeature(value)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("features=0x%08x", mask)
	default:
		return fmt.Sprintf("% x", value)
	}
}
