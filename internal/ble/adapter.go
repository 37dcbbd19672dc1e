// Package ble abstracts the radio stack the fitness peripheral runs on. It
// defines the GATT server surface the peripheral needs and provides a
// simulated stack, a tinygo-org/bluetooth stack and, on Linux, a raw HCI
// stack built on paypal/gatt.
package ble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/multifit/internal/gatt"
)

// PeerID identifies a connected central. It is an opaque token from the stack,
// usually the device address.
type PeerID string

// ConnectionState is the link state reported for a peer.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Status is an ATT/GATT operation status.
type Status int

const (
	StatusSuccess             Status = 0x00
	StatusReadNotPermitted    Status = 0x02
	StatusRequestNotSupported Status = 0x06
	StatusInvalidOffset       Status = 0x07
	StatusFailure             Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusRequestNotSupported:
		return "request not supported"
	case StatusInvalidOffset:
		return "invalid offset"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status 0x%02x", int(s))
	}
}

// ServerCallbacks receives events from the stack. Methods may be invoked on
// any goroutine, including from inside a Server call.
type ServerCallbacks interface {
	OnConnectionStateChange(peer PeerID, state ConnectionState)
	// OnServiceAdded completes the most recent accepted AddService call.
	// The stack keeps a single pending slot and does not correlate events
	// with requests.
	OnServiceAdded(status Status, svc *gatt.Service)
	OnCharacteristicReadRequest(peer PeerID, requestID int, offset int, char *gatt.Characteristic)
}

// Server is an open GATT server.
type Server interface {
	// AddService submits a service for registration. A true return means the
	// request was accepted; the outcome arrives via OnServiceAdded.
	AddService(svc *gatt.Service) bool
	// SendResponse answers a read request delivered to OnCharacteristicReadRequest.
	SendResponse(peer PeerID, requestID int, status Status, offset int, value []byte) error
	// NotifyCharacteristicChanged pushes the characteristic's current value to peer.
	NotifyCharacteristicChanged(ctx context.Context, peer PeerID, char *gatt.Characteristic, confirm bool) error
	StartAdvertising(ctx context.Context, settings AdvertiseSettings, data AdvertiseData) error
	StopAdvertising() error
	// Close stops advertising and removes all registered services.
	Close() error
}

// Stack opens GATT servers.
type Stack interface {
	OpenServer(ctx context.Context, cb ServerCallbacks) (Server, error)
}

// AdvertiseMode trades advertising latency against power.
type AdvertiseMode int

const (
	AdvertiseModeLowPower AdvertiseMode = iota
	AdvertiseModeBalanced
	AdvertiseModeLowLatency
)

// Interval returns the advertising interval used for the mode.
func (m AdvertiseMode) Interval() time.Duration {
	switch m {
	case AdvertiseModeLowLatency:
		return 100 * time.Millisecond
	case AdvertiseModeBalanced:
		return 250 * time.Millisecond
	default:
		return time.Second
	}
}

// AdvertiseSettings controls how the peripheral advertises. Transmit power
// is left to the radio stack.
type AdvertiseSettings struct {
	Mode AdvertiseMode
	// Connectable selects connectable undirected advertising. Backends that
	// cannot advertise otherwise reject false with
	// AdvertiseFailedFeatureUnsupported.
	Connectable bool
	// Timeout stops advertising after the given duration; zero advertises
	// until StopAdvertising.
	Timeout time.Duration
}

// DefaultAdvertiseSettings returns low-latency, connectable advertising
// without a timeout.
func DefaultAdvertiseSettings() AdvertiseSettings {
	return AdvertiseSettings{
		Mode:        AdvertiseModeLowLatency,
		Connectable: true,
	}
}

// AdvertiseData is the advertising payload.
type AdvertiseData struct {
	LocalName    string
	ServiceUUIDs []uuid.UUID
}

// Advertising failure codes.
const (
	AdvertiseFailedDataTooLarge       = 1
	AdvertiseFailedTooManyAdvertisers = 2
	AdvertiseFailedAlreadyStarted     = 3
	AdvertiseFailedInternalError      = 4
	AdvertiseFailedFeatureUnsupported = 5
)

// AdvertiseError reports a failure to start advertising.
type AdvertiseError struct {
	Code int
	Err  error
}

func (e *AdvertiseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: start advertising failed (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("ble: start advertising failed (code %d)", e.Code)
}

func (e *AdvertiseError) Unwrap() error { return e.Err }

var (
	// ErrNotSubscribed means the peer has not enabled notifications for the
	// characteristic.
	ErrNotSubscribed = errors.New("ble: peer not subscribed")
	// ErrUnknownPeer means the peer is not connected.
	ErrUnknownPeer = errors.New("ble: unknown peer")
	// ErrUnknownRequest means a read response named no outstanding request.
	ErrUnknownRequest = errors.New("ble: unknown request id")
	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("ble: server closed")
	// ErrNotSupported is returned for operations the backend cannot perform.
	ErrNotSupported = errors.New("ble: operation not supported by backend")
)

// Capability is proof that the host granted the process permission to run a
// peripheral (advertise and accept connections). It is obtained from Grant
// and required to build a controller.
type Capability struct {
	backend string
}

// Backend returns the name of the stack the capability was granted for.
func (c Capability) Backend() string { return c.backend }

// Valid reports whether the capability came from Grant.
func (c Capability) Valid() bool { return c.backend != "" }

// PermissionCheck verifies host permissions for a backend. It returns nil
// when the process may advertise.
type PermissionCheck func() error

// Grant runs the check and returns a capability for backend on success.
func Grant(backend string, check PermissionCheck) (Capability, error) {
	if backend == "" {
		return Capability{}, fmt.Errorf("ble: grant: empty backend name")
	}
	if check != nil {
		if err := check(); err != nil {
			return Capability{}, fmt.Errorf("ble: %s: permission denied: %w", backend, err)
		}
	}
	return Capability{backend: backend}, nil
}
