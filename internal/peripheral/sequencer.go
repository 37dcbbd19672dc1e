package peripheral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/multifit/internal/ble"
	"github.com/chaz8081/multifit/internal/gatt"
)

// Registration errors. They are wrapped in ErrSetup by the controller.
var (
	ErrServiceRejected     = errors.New("service rejected by stack")
	ErrServiceFailed       = errors.New("service registration failed")
	ErrConfirmationTimeout = errors.New("no service-added confirmation")
	ErrSequencerBusy       = errors.New("sequencer is not idle")
)

// SeqState is the state of a Sequencer.
type SeqState int

const (
	SeqIdle SeqState = iota
	SeqSubmitting
	SeqAwaitingConfirmation
	SeqFailed
)

func (s SeqState) String() string {
	switch s {
	case SeqIdle:
		return "idle"
	case SeqSubmitting:
		return "submitting"
	case SeqAwaitingConfirmation:
		return "awaiting-confirmation"
	case SeqFailed:
		return "failed"
	default:
		return fmt.Sprintf("SeqState(%d)", int(s))
	}
}

// Sequencer registers services with the stack one at a time. The stack
// reports completion through a single server-wide callback with no request
// id, so a second service is never submitted before the first resolves.
//
// Confirm is the only method that may be called concurrently with Register.
type Sequencer struct {
	timeout time.Duration

	mu         sync.Mutex
	state      SeqState
	pending    *gatt.Service
	done       chan ble.Status // one-shot, nil once consumed
	submitted  int
	registered []*gatt.Service
	stale      int
}

// NewSequencer creates a sequencer that waits at most timeout for each
// confirmation. A non-positive timeout waits until the context ends.
func NewSequencer(timeout time.Duration) *Sequencer {
	return &Sequencer{timeout: timeout}
}

// Register submits services in order and waits for each confirmation. It
// stops at the first failure; later services are never submitted.
func (s *Sequencer) Register(ctx context.Context, server ble.Server, services []*gatt.Service) error {
	for _, svc := range services {
		if err := s.register(ctx, server, svc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) register(ctx context.Context, server ble.Server, svc *gatt.Service) error {
	s.mu.Lock()
	if s.state != SeqIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("register %s: %w (state %s)", svc, ErrSequencerBusy, state)
	}
	done := make(chan ble.Status, 1)
	s.state = SeqSubmitting
	s.pending = svc
	s.done = done
	s.submitted++
	s.mu.Unlock()

	slog.Debug("[SEQ] submitting service", "service", svc.String())

	// The confirmation may arrive before AddService returns.
	if !server.AddService(svc) {
		s.fail()
		return fmt.Errorf("register %s: %w", svc, ErrServiceRejected)
	}

	s.mu.Lock()
	if s.state == SeqSubmitting {
		s.state = SeqAwaitingConfirmation
	}
	s.mu.Unlock()

	// Expiry and Confirm both take s.mu, so a confirmation either completes
	// the registration or is counted as stale, never both.
	expired := make(chan error, 1)
	if s.timeout > 0 {
		timer := time.AfterFunc(s.timeout, func() {
			if s.expire(done) {
				expired <- fmt.Errorf("%w within %s", ErrConfirmationTimeout, s.timeout)
			}
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() {
		if s.expire(done) {
			expired <- ctx.Err()
		}
	})
	defer stop()

	select {
	case status := <-done:
		if status != ble.StatusSuccess {
			s.fail()
			return fmt.Errorf("register %s: %w (%s)", svc, ErrServiceFailed, status)
		}
		s.mu.Lock()
		s.state = SeqIdle
		s.pending = nil
		s.registered = append(s.registered, svc)
		s.mu.Unlock()
		slog.Debug("[SEQ] service registered", "service", svc.String())
		return nil
	case err := <-expired:
		return fmt.Errorf("register %s: %w", svc, err)
	}
}

// expire fails the registration waiting on done unless its confirmation
// was already accepted. It reports whether it did.
func (s *Sequencer) expire(done chan ble.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return false
	}
	s.state = SeqFailed
	s.pending = nil
	s.done = nil
	return true
}

// fail moves to Failed and closes the pending slot so that a late
// confirmation is treated as stale.
func (s *Sequencer) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SeqFailed
	s.pending = nil
	s.done = nil
}

// Confirm delivers a service-added event from the stack. Events that do not
// match the pending registration are logged and dropped; they never change
// the sequencer state. It reports whether the event was accepted.
func (s *Sequencer) Confirm(status ble.Status, svc *gatt.Service) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil || s.pending == nil {
		s.stale++
		slog.Warn("[SEQ] service-added event with no pending registration, ignoring",
			"service", svcName(svc), "status", status.String(), "state", s.state.String())
		return false
	}
	if svc != nil && svc.UUID != s.pending.UUID {
		s.stale++
		slog.Warn("[SEQ] service-added event for a service that is not pending, ignoring",
			"service", svc.String(), "pending", s.pending.String(), "status", status.String())
		return false
	}

	s.done <- status
	s.done = nil
	return true
}

// State returns the current state.
func (s *Sequencer) State() SeqState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Submitted returns how many services were passed to the stack.
func (s *Sequencer) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Registered returns the services confirmed so far, in order.
func (s *Sequencer) Registered() []*gatt.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*gatt.Service, len(s.registered))
	copy(out, s.registered)
	return out
}

// Stale returns how many service-added events were ignored.
func (s *Sequencer) Stale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

func svcName(svc *gatt.Service) string {
	if svc == nil {
		return "<nil>"
	}
	return svc.String()
}
