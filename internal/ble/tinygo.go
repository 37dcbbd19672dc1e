//go:build linux || windows

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/multifit/internal/gatt"
)

// TinyGoStack runs the peripheral on tinygo-org/bluetooth (BlueZ on Linux,
// WinRT on Windows). The library has no peripheral role on macOS.
//
// The library serves reads from the value stored at registration and
// notifies every subscribed central on each write, so per-peer notification
// requests collapse into one write per value version.
type TinyGoStack struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
}

// NewTinyGoStack creates a stack on the default adapter.
func NewTinyGoStack() *TinyGoStack {
	return &TinyGoStack{adapter: bluetooth.DefaultAdapter}
}

// Enable powers on the adapter. It is safe to call more than once and serves
// as the permission check for Grant.
func (s *TinyGoStack) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	s.enabled = true
	return nil
}

func (s *TinyGoStack) OpenServer(ctx context.Context, cb ServerCallbacks) (Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ble: open server: %w", err)
	}
	if err := s.Enable(); err != nil {
		return nil, err
	}

	srv := &tinyGoServer{
		adapter: s.adapter,
		cb:      cb,
		handles: make(map[*gatt.Characteristic]*bluetooth.Characteristic),
		pushed:  make(map[*gatt.Characteristic]uint64),
	}

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		state := StateDisconnected
		if connected {
			state = StateConnected
		}
		cb.OnConnectionStateChange(PeerID(device.Address.String()), state)
	})

	return srv, nil
}

// Compile-time check that TinyGoStack implements Stack.
var _ Stack = (*TinyGoStack)(nil)

type tinyGoServer struct {
	adapter *bluetooth.Adapter
	cb      ServerCallbacks

	// mu protects the maps below.
	mu      sync.Mutex
	handles map[*gatt.Characteristic]*bluetooth.Characteristic
	pushed  map[*gatt.Characteristic]uint64 // last value version written
	adv     *bluetooth.Advertisement
	advGen  int
	timer   *time.Timer
	closed  bool
}

func (s *tinyGoServer) AddService(svc *gatt.Service) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	svcUUID, err := bluetooth.ParseUUID(svc.UUID.String())
	if err != nil {
		slog.Error("[BLE] parse service UUID", "service", svc.String(), "error", err)
		return false
	}

	chars := svc.Characteristics()
	configs := make([]bluetooth.CharacteristicConfig, 0, len(chars))
	handles := make(map[*gatt.Characteristic]*bluetooth.Characteristic, len(chars))
	for _, c := range chars {
		u, err := bluetooth.ParseUUID(c.UUID.String())
		if err != nil {
			slog.Error("[BLE] parse characteristic UUID", "characteristic", c.String(), "error", err)
			return false
		}
		h := new(bluetooth.Characteristic)
		handles[c] = h
		configs = append(configs, bluetooth.CharacteristicConfig{
			Handle: h,
			UUID:   u,
			Value:  c.Value(),
			Flags:  tinyGoFlags(c),
		})
	}

	btSvc := &bluetooth.Service{UUID: svcUUID, Characteristics: configs}

	// AddService blocks on the D-Bus round trip; complete it the way an
	// asynchronous stack would.
	go func() {
		status := StatusSuccess
		if err := s.adapter.AddService(btSvc); err != nil {
			slog.Error("[BLE] add service", "service", svc.String(), "error", err)
			status = StatusFailure
		} else {
			s.mu.Lock()
			for c, h := range handles {
				s.handles[c] = h
			}
			s.mu.Unlock()
		}
		s.cb.OnServiceAdded(status, svc)
	}()
	return true
}

func tinyGoFlags(c *gatt.Characteristic) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if c.CanRead() {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if c.CanNotify() {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}

// SendResponse is never needed: the library answers reads itself from the
// registered value.
func (s *tinyGoServer) SendResponse(peer PeerID, requestID int, status Status, offset int, value []byte) error {
	return fmt.Errorf("ble: respond to %s: %w", peer, ErrNotSupported)
}

func (s *tinyGoServer) NotifyCharacteristicChanged(ctx context.Context, peer PeerID, char *gatt.Characteristic, confirm bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, version := char.Snapshot()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	h, ok := s.handles[char]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("ble: notify %s: characteristic %s not registered", peer, char)
	}
	if s.pushed[char] >= version {
		// Already broadcast to every subscriber.
		s.mu.Unlock()
		return nil
	}
	s.pushed[char] = version
	s.mu.Unlock()

	if _, err := h.Write(value); err != nil {
		return fmt.Errorf("ble: notify %s: %w", char, err)
	}
	return nil
}

func (s *tinyGoServer) StartAdvertising(ctx context.Context, settings AdvertiseSettings, data AdvertiseData) error {
	if err := ctx.Err(); err != nil {
		return &AdvertiseError{Code: AdvertiseFailedInternalError, Err: err}
	}

	uuids := make([]bluetooth.UUID, 0, len(data.ServiceUUIDs))
	for _, u := range data.ServiceUUIDs {
		bu, err := bluetooth.ParseUUID(u.String())
		if err != nil {
			return &AdvertiseError{Code: AdvertiseFailedInternalError, Err: err}
		}
		uuids = append(uuids, bu)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv != nil {
		return &AdvertiseError{Code: AdvertiseFailedAlreadyStarted}
	}

	advType := bluetooth.AdvertisingTypeInd
	if !settings.Connectable {
		advType = bluetooth.AdvertisingTypeNonConnInd
	}

	adv := s.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		AdvertisementType: advType,
		LocalName:         data.LocalName,
		ServiceUUIDs:      uuids,
		Interval:          bluetooth.NewDuration(settings.Mode.Interval()),
	})
	if err != nil {
		return &AdvertiseError{Code: AdvertiseFailedDataTooLarge, Err: err}
	}
	if err := adv.Start(); err != nil {
		return &AdvertiseError{Code: AdvertiseFailedInternalError, Err: err}
	}
	s.adv = adv
	s.advGen++
	if settings.Timeout > 0 {
		gen := s.advGen
		s.timer = time.AfterFunc(settings.Timeout, func() {
			if err := s.stopAdvertising(gen); err != nil {
				slog.Warn("[BLE] stop advertising after timeout", "error", err)
			}
		})
	}
	return nil
}

func (s *tinyGoServer) StopAdvertising() error {
	return s.stopAdvertising(0)
}

// stopAdvertising stops the current session. A non-zero gen only stops the
// session it names.
func (s *tinyGoServer) stopAdvertising(gen int) error {
	s.mu.Lock()
	if gen != 0 && gen != s.advGen {
		s.mu.Unlock()
		return nil
	}
	adv := s.adv
	s.adv = nil
	s.advGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if adv == nil {
		return nil
	}
	if err := adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

// Close stops advertising. The library has no way to remove services; they
// go away with the process.
func (s *tinyGoServer) Close() error {
	err := s.StopAdvertising()
	s.mu.Lock()
	s.closed = true
	s.handles = make(map[*gatt.Characteristic]*bluetooth.Characteristic)
	s.mu.Unlock()
	return err
}
