package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/multifit/internal/gatt"
)

// SimOptions configures the simulated stack.
type SimOptions struct {
	ConfirmDelay time.Duration // delay before a service-added event is delivered
}

// DefaultSimOptions returns sensible defaults.
func DefaultSimOptions() SimOptions {
	return SimOptions{ConfirmDelay: 5 * time.Millisecond}
}

// SimNotification records one notification pushed by the simulated server.
type SimNotification struct {
	Peer    PeerID
	Char    uuid.UUID
	Value   []byte
	Confirm bool
}

// SimStack is an in-process stack with simulated centrals. Service
// registration completes asynchronously, like a real controller, and faults
// can be injected per service or per peer.
type SimStack struct {
	opts SimOptions

	mu       sync.Mutex
	server   *SimServer
	openErr  error
	advErr   *AdvertiseError
	rejects  map[uuid.UUID]bool
	failures map[uuid.UUID]Status
	drops    map[uuid.UUID]bool
}

// NewSimStack creates a simulated stack.
func NewSimStack(opts SimOptions) *SimStack {
	if opts.ConfirmDelay < 0 {
		opts.ConfirmDelay = 0
	}
	return &SimStack{
		opts:     opts,
		rejects:  make(map[uuid.UUID]bool),
		failures: make(map[uuid.UUID]Status),
		drops:    make(map[uuid.UUID]bool),
	}
}

// FailOpen makes the next OpenServer calls fail with err.
func (s *SimStack) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// RejectService makes AddService refuse the service immediately.
func (s *SimStack) RejectService(u uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[u] = true
}

// FailService makes registration of the service complete with status.
func (s *SimStack) FailService(u uuid.UUID, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[u] = status
}

// DropConfirmation accepts the service but never delivers its service-added event.
func (s *SimStack) DropConfirmation(u uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops[u] = true
}

// FailAdvertising makes StartAdvertising fail with the given code.
func (s *SimStack) FailAdvertising(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advErr = &AdvertiseError{Code: code}
}

// Server returns the most recently opened server, or nil.
func (s *SimStack) Server() *SimServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func (s *SimStack) OpenServer(ctx context.Context, cb ServerCallbacks) (Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ble: sim: open server: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, fmt.Errorf("ble: sim: open server: %w", s.openErr)
	}
	srv := &SimServer{
		stack:     s,
		cb:        cb,
		peers:     make(map[PeerID]bool),
		reads:     make(map[int]chan simReadResult),
		notifyErr: make(map[PeerID]error),
		blocked:   make(map[PeerID]chan struct{}),
	}
	s.server = srv
	return srv, nil
}

// Compile-time check that SimStack implements Stack.
var _ Stack = (*SimStack)(nil)

type simReadResult struct {
	status Status
	value  []byte
}

// SimServer is the GATT server of a SimStack. Besides the Server methods it
// exposes the central side: connecting peers, reading characteristics and
// inspecting what was notified.
type SimServer struct {
	stack *SimStack
	cb    ServerCallbacks

	mu          sync.Mutex
	closed      bool
	pending     *gatt.Service
	submitted   []*gatt.Service
	services    []*gatt.Service
	overlaps    int
	advertising bool
	advData     AdvertiseData
	advSettings AdvertiseSettings
	advGen      int // bumped on every start and stop
	advTimer    *time.Timer
	peers       map[PeerID]bool
	nextReq     int
	reads       map[int]chan simReadResult
	sent        []SimNotification
	notifyErr   map[PeerID]error
	blocked     map[PeerID]chan struct{}
	observer    func(SimNotification)
}

func (s *SimServer) AddService(svc *gatt.Service) bool {
	s.stack.mu.Lock()
	reject := s.stack.rejects[svc.UUID]
	status, failed := s.stack.failures[svc.UUID]
	drop := s.stack.drops[svc.UUID]
	delay := s.stack.opts.ConfirmDelay
	s.stack.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.submitted = append(s.submitted, svc)
	if s.pending != nil {
		// A real stack would lose track of which request a completion
		// belongs to; count it so tests can detect the overlap.
		s.overlaps++
		slog.Warn("[BLE] sim: add service while another is pending", "pending", s.pending.String(), "service", svc.String())
		s.mu.Unlock()
		return false
	}
	if reject {
		s.mu.Unlock()
		return false
	}
	s.pending = svc
	s.mu.Unlock()

	if !failed {
		status = StatusSuccess
	}

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		if s.pending == svc {
			s.pending = nil
		}
		if s.closed || drop {
			s.mu.Unlock()
			return
		}
		if status == StatusSuccess {
			s.services = append(s.services, svc)
		}
		s.mu.Unlock()
		s.cb.OnServiceAdded(status, svc)
	}()
	return true
}

func (s *SimServer) SendResponse(peer PeerID, requestID int, status Status, offset int, value []byte) error {
	s.mu.Lock()
	ch, ok := s.reads[requestID]
	if ok {
		delete(s.reads, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: sim: respond to %s: %w", peer, ErrUnknownRequest)
	}
	v := make([]byte, len(value))
	copy(v, value)
	ch <- simReadResult{status: status, value: v}
	return nil
}

func (s *SimServer) NotifyCharacteristicChanged(ctx context.Context, peer PeerID, char *gatt.Characteristic, confirm bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if !s.peers[peer] {
		s.mu.Unlock()
		return fmt.Errorf("ble: sim: notify %s: %w", peer, ErrUnknownPeer)
	}
	if err := s.notifyErr[peer]; err != nil {
		s.mu.Unlock()
		return err
	}
	block := s.blocked[peer]
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return fmt.Errorf("ble: sim: notify %s: %w", peer, ctx.Err())
		}
	}

	n := SimNotification{Peer: peer, Char: char.UUID, Value: char.Value(), Confirm: confirm}
	s.mu.Lock()
	s.sent = append(s.sent, n)
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(n)
	}
	return nil
}

func (s *SimServer) StartAdvertising(ctx context.Context, settings AdvertiseSettings, data AdvertiseData) error {
	if err := ctx.Err(); err != nil {
		return &AdvertiseError{Code: AdvertiseFailedInternalError, Err: err}
	}
	s.stack.mu.Lock()
	advErr := s.stack.advErr
	s.stack.mu.Unlock()
	if advErr != nil {
		return advErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &AdvertiseError{Code: AdvertiseFailedInternalError, Err: ErrServerClosed}
	}
	if s.advertising {
		return &AdvertiseError{Code: AdvertiseFailedAlreadyStarted}
	}
	s.advertising = true
	s.advData = data
	s.advSettings = settings
	s.advGen++
	if settings.Timeout > 0 {
		gen := s.advGen
		s.advTimer = time.AfterFunc(settings.Timeout, func() { s.expireAdvertising(gen) })
	}
	return nil
}

// expireAdvertising ends the advertising session gen once its timeout
// elapses, unless it was already stopped or replaced.
func (s *SimServer) expireAdvertising(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising || s.advGen != gen {
		return
	}
	slog.Debug("[BLE] sim: advertising timed out", "after", s.advSettings.Timeout)
	s.stopAdvertisingLocked()
}

func (s *SimServer) stopAdvertisingLocked() {
	s.advertising = false
	s.advGen++
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
}

func (s *SimServer) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAdvertisingLocked()
	return nil
}

func (s *SimServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopAdvertisingLocked()
	s.services = nil
	for id, ch := range s.reads {
		ch <- simReadResult{status: StatusFailure}
		delete(s.reads, id)
	}
	return nil
}

// Compile-time check that SimServer implements Server.
var _ Server = (*SimServer)(nil)

// Connect simulates a central connecting.
func (s *SimServer) Connect(peer PeerID) {
	s.mu.Lock()
	s.peers[peer] = true
	s.mu.Unlock()
	s.cb.OnConnectionStateChange(peer, StateConnected)
}

// Disconnect simulates a central disconnecting. The event is delivered even
// if the peer is not connected, as stacks may report duplicate disconnects.
func (s *SimServer) Disconnect(peer PeerID) {
	s.mu.Lock()
	delete(s.peers, peer)
	s.mu.Unlock()
	s.cb.OnConnectionStateChange(peer, StateDisconnected)
}

// Read simulates a central reading a characteristic at offset 0.
func (s *SimServer) Read(ctx context.Context, peer PeerID, u uuid.UUID) ([]byte, Status, error) {
	return s.ReadAt(ctx, peer, u, 0)
}

// ReadAt simulates a central reading a characteristic at the given offset. It
// waits for the server's SendResponse.
func (s *SimServer) ReadAt(ctx context.Context, peer PeerID, u uuid.UUID, offset int) ([]byte, Status, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, StatusFailure, ErrServerClosed
	}
	if !s.peers[peer] {
		s.mu.Unlock()
		return nil, StatusFailure, fmt.Errorf("ble: sim: read from %s: %w", peer, ErrUnknownPeer)
	}
	var char *gatt.Characteristic
	for _, svc := range s.services {
		if c := svc.Characteristic(u); c != nil {
			char = c
			break
		}
	}
	if char == nil {
		s.mu.Unlock()
		return nil, StatusFailure, fmt.Errorf("ble: sim: characteristic %s not registered", u)
	}
	if !char.CanRead() {
		s.mu.Unlock()
		return nil, StatusReadNotPermitted, nil
	}
	s.nextReq++
	id := s.nextReq
	ch := make(chan simReadResult, 1)
	s.reads[id] = ch
	s.mu.Unlock()

	s.cb.OnCharacteristicReadRequest(peer, id, offset, char)

	select {
	case r := <-ch:
		return r.value, r.status, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.reads, id)
		s.mu.Unlock()
		return nil, StatusFailure, fmt.Errorf("ble: sim: read from %s: %w", peer, ctx.Err())
	}
}

// ConfirmService delivers a service-added event that no AddService call asked
// for.
func (s *SimServer) ConfirmService(status Status, svc *gatt.Service) {
	s.cb.OnServiceAdded(status, svc)
}

// SetNotifyError makes notifications to peer fail with err. A nil err clears it.
func (s *SimServer) SetNotifyError(peer PeerID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.notifyErr, peer)
		return
	}
	s.notifyErr[peer] = err
}

// BlockNotify makes notifications to peer hang until the returned release
// function is called or the caller's context ends.
func (s *SimServer) BlockNotify(peer PeerID) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.blocked[peer] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.blocked[peer] == ch {
				delete(s.blocked, peer)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// OnNotify registers an observer called for every delivered notification.
func (s *SimServer) OnNotify(fn func(SimNotification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Notifications returns every delivered notification in order.
func (s *SimServer) Notifications() []SimNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimNotification, len(s.sent))
	copy(out, s.sent)
	return out
}

// NotificationsFor returns the notifications delivered to peer for char.
func (s *SimServer) NotificationsFor(peer PeerID, char uuid.UUID) []SimNotification {
	var out []SimNotification
	for _, n := range s.Notifications() {
		if n.Peer == peer && n.Char == char {
			out = append(out, n)
		}
	}
	return out
}

// Submitted returns every service passed to AddService, accepted or not.
func (s *SimServer) Submitted() []*gatt.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gatt.Service, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// Services returns the services whose registration succeeded.
func (s *SimServer) Services() []*gatt.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gatt.Service, len(s.services))
	copy(out, s.services)
	return out
}

// Overlaps counts AddService calls made while a previous one was unconfirmed.
func (s *SimServer) Overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps
}

// Advertising reports whether the server is advertising and with what payload.
func (s *SimServer) Advertising() (AdvertiseData, AdvertiseSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advData, s.advSettings, s.advertising
}

// Peers returns the connected peers, sorted.
func (s *SimServer) Peers() []PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Closed reports whether Close was called.
func (s *SimServer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
