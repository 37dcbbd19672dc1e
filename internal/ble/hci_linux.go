//go:build linux

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	pgatt "github.com/paypal/gatt"

	"github.com/chaz8081/multifit/internal/gatt"
)

// HCIOptions configures the raw HCI stack.
type HCIOptions struct {
	DeviceID       int           // hciN index, -1 picks the first usable adapter
	MaxConnections int           // concurrent centrals accepted by the controller
	ReadTimeout    time.Duration // how long a read waits for SendResponse
	PowerOnTimeout time.Duration // how long OpenServer waits for the adapter
}

// DefaultHCIOptions returns sensible defaults.
func DefaultHCIOptions() HCIOptions {
	return HCIOptions{
		DeviceID:       -1,
		MaxConnections: 4,
		ReadTimeout:    2 * time.Second,
		PowerOnTimeout: 10 * time.Second,
	}
}

// HCIStack drives a Bluetooth controller directly over an HCI socket using
// paypal/gatt. It needs CAP_NET_ADMIN and an adapter not claimed by BlueZ.
type HCIStack struct {
	opts HCIOptions
}

// NewHCIStack creates a raw HCI stack.
func NewHCIStack(opts HCIOptions) *HCIStack {
	def := DefaultHCIOptions()
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = def.MaxConnections
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.PowerOnTimeout <= 0 {
		opts.PowerOnTimeout = def.PowerOnTimeout
	}
	return &HCIStack{opts: opts}
}

func (s *HCIStack) OpenServer(ctx context.Context, cb ServerCallbacks) (Server, error) {
	d, err := pgatt.NewDevice(
		pgatt.LnxMaxConnections(s.opts.MaxConnections),
		pgatt.LnxDeviceID(s.opts.DeviceID, true),
	)
	if err != nil {
		return nil, fmt.Errorf("ble: hci: open device: %w", err)
	}

	srv := &hciServer{
		dev:       d,
		cb:        cb,
		opts:      s.opts,
		notifiers: make(map[PeerID]map[*gatt.Characteristic]pgatt.Notifier),
		reads:     make(map[int]chan hciReadResult),
	}

	d.Handle(
		pgatt.CentralConnected(func(c pgatt.Central) {
			cb.OnConnectionStateChange(PeerID(c.ID()), StateConnected)
		}),
		pgatt.CentralDisconnected(func(c pgatt.Central) {
			srv.dropPeer(PeerID(c.ID()))
			cb.OnConnectionStateChange(PeerID(c.ID()), StateDisconnected)
		}),
	)

	states := make(chan pgatt.State, 1)
	err = d.Init(func(_ pgatt.Device, st pgatt.State) {
		slog.Debug("[BLE] hci state", "state", st.String())
		select {
		case states <- st:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ble: hci: init: %w", err)
	}

	timer := time.NewTimer(s.opts.PowerOnTimeout)
	defer timer.Stop()
	for {
		select {
		case st := <-states:
			if st == pgatt.StatePoweredOn {
				return srv, nil
			}
			if st == pgatt.StateUnauthorized || st == pgatt.StateUnsupported {
				return nil, fmt.Errorf("ble: hci: adapter %s", st)
			}
		case <-timer.C:
			return nil, fmt.Errorf("ble: hci: adapter did not power on within %s", s.opts.PowerOnTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("ble: hci: open server: %w", ctx.Err())
		}
	}
}

// Compile-time check that HCIStack implements Stack.
var _ Stack = (*HCIStack)(nil)

type hciReadResult struct {
	status Status
	value  []byte
}

type hciServer struct {
	dev  pgatt.Device
	cb   ServerCallbacks
	opts HCIOptions

	mu        sync.Mutex
	notifiers map[PeerID]map[*gatt.Characteristic]pgatt.Notifier
	reads     map[int]chan hciReadResult
	nextReq   int
	advGen    int
	advTimer  *time.Timer
	closed    bool
}

func (s *hciServer) AddService(svc *gatt.Service) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	psvc := pgatt.NewService(toGattUUID(svc.UUID))
	for _, c := range svc.Characteristics() {
		pc := psvc.AddCharacteristic(toGattUUID(c.UUID))
		if c.CanRead() {
			pc.HandleReadFunc(func(rsp pgatt.ResponseWriter, req *pgatt.ReadRequest) {
				s.serveRead(rsp, req, c)
			})
		}
		if c.CanNotify() {
			pc.HandleNotifyFunc(func(r pgatt.Request, n pgatt.Notifier) {
				s.subscribe(PeerID(r.Central.ID()), c, n)
			})
		}
	}

	go func() {
		status := StatusSuccess
		if err := s.dev.AddService(psvc); err != nil {
			slog.Error("[BLE] hci: add service", "service", svc.String(), "error", err)
			status = StatusFailure
		}
		s.cb.OnServiceAdded(status, svc)
	}()
	return true
}

// serveRead turns the library's synchronous read handler into a read request
// event answered by SendResponse.
func (s *hciServer) serveRead(rsp pgatt.ResponseWriter, req *pgatt.ReadRequest, c *gatt.Characteristic) {
	ch := make(chan hciReadResult, 1)
	s.mu.Lock()
	s.nextReq++
	id := s.nextReq
	s.reads[id] = ch
	s.mu.Unlock()

	s.cb.OnCharacteristicReadRequest(PeerID(req.Central.ID()), id, req.Offset, c)

	timer := time.NewTimer(s.opts.ReadTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		rsp.SetStatus(attStatus(r.status))
		if r.status == StatusSuccess {
			value := r.value
			if req.Cap > 0 && len(value) > req.Cap {
				value = value[:req.Cap]
			}
			rsp.Write(value)
		}
	case <-timer.C:
		s.mu.Lock()
		delete(s.reads, id)
		s.mu.Unlock()
		slog.Warn("[BLE] hci: read request not answered", "peer", req.Central.ID(), "characteristic", c.String())
		rsp.SetStatus(pgatt.StatusUnexpectedError)
	}
}

func (s *hciServer) subscribe(peer PeerID, c *gatt.Characteristic, n pgatt.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.notifiers[peer]
	if m == nil {
		m = make(map[*gatt.Characteristic]pgatt.Notifier)
		s.notifiers[peer] = m
	}
	m[c] = n
	slog.Debug("[BLE] hci: peer subscribed", "peer", peer, "characteristic", c.String())
}

func (s *hciServer) dropPeer(peer PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notifiers, peer)
}

func (s *hciServer) SendResponse(peer PeerID, requestID int, status Status, offset int, value []byte) error {
	s.mu.Lock()
	ch, ok := s.reads[requestID]
	delete(s.reads, requestID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: hci: respond to %s: %w", peer, ErrUnknownRequest)
	}
	ch <- hciReadResult{status: status, value: value}
	return nil
}

func (s *hciServer) NotifyCharacteristicChanged(ctx context.Context, peer PeerID, char *gatt.Characteristic, confirm bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	n := s.notifiers[peer][char]
	s.mu.Unlock()
	if n == nil {
		return fmt.Errorf("ble: hci: notify %s: %w", peer, ErrNotSubscribed)
	}
	if n.Done() {
		s.mu.Lock()
		delete(s.notifiers[peer], char)
		s.mu.Unlock()
		return fmt.Errorf("ble: hci: notify %s: %w", peer, ErrNotSubscribed)
	}

	value := char.Value()
	if c := n.Cap(); c > 0 && len(value) > c {
		value = value[:c]
	}
	if _, err := n.Write(value); err != nil {
		return fmt.Errorf("ble: hci: notify %s: %w", peer, err)
	}
	return nil
}

func (s *hciServer) StartAdvertising(ctx context.Context, settings AdvertiseSettings, data AdvertiseData) error {
	if err := ctx.Err(); err != nil {
		return &AdvertiseError{Code: AdvertiseFailedInternalError, Err: err}
	}
	if !settings.Connectable {
		return &AdvertiseError{Code: AdvertiseFailedFeatureUnsupported, Err: fmt.Errorf("hci: non-connectable advertising")}
	}
	uuids := make([]pgatt.UUID, 0, len(data.ServiceUUIDs))
	for _, u := range data.ServiceUUIDs {
		uuids = append(uuids, toGattUUID(u))
	}
	if err := s.dev.AdvertiseNameAndServices(data.LocalName, uuids); err != nil {
		return &AdvertiseError{Code: AdvertiseFailedInternalError, Err: err}
	}

	s.mu.Lock()
	s.advGen++
	if settings.Timeout > 0 {
		gen := s.advGen
		s.advTimer = time.AfterFunc(settings.Timeout, func() {
			if err := s.stopAdvertising(gen); err != nil {
				slog.Warn("[BLE] hci: stop advertising after timeout", "error", err)
			}
		})
	}
	s.mu.Unlock()
	return nil
}

func (s *hciServer) StopAdvertising() error {
	return s.stopAdvertising(0)
}

// stopAdvertising stops the current session. A non-zero gen only stops the
// session it names.
func (s *hciServer) stopAdvertising(gen int) error {
	s.mu.Lock()
	if gen != 0 && gen != s.advGen {
		s.mu.Unlock()
		return nil
	}
	s.advGen++
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
	s.mu.Unlock()

	if err := s.dev.StopAdvertising(); err != nil {
		return fmt.Errorf("ble: hci: stop advertising: %w", err)
	}
	return nil
}

func (s *hciServer) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.reads {
		ch <- hciReadResult{status: StatusFailure}
		delete(s.reads, id)
	}
	s.notifiers = make(map[PeerID]map[*gatt.Characteristic]pgatt.Notifier)
	s.mu.Unlock()

	errAdv := s.stopAdvertising(0)
	if err := s.dev.RemoveAllServices(); err != nil {
		return fmt.Errorf("ble: hci: remove services: %w", err)
	}
	return errAdv
}

// toGattUUID keeps assigned numbers in their 16-bit form so they fit the
// advertising packet.
func toGattUUID(u uuid.UUID) pgatt.UUID {
	if short, ok := gatt.ShortUUID(u); ok {
		return pgatt.UUID16(short)
	}
	return pgatt.MustParseUUID(u.String())
}

// attStatus maps a status to its one-byte ATT error code.
func attStatus(st Status) byte {
	if st < 0 || st > 0xFF {
		return pgatt.StatusUnexpectedError
	}
	return byte(st)
}
