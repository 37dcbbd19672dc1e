package peripheral

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/multifit/internal/ble"
	"github.com/chaz8081/multifit/internal/gatt"
)

// Notifier stores fresh characteristic values and pushes them to every
// connected peer. Delivery is best effort and independent per peer.
type Notifier struct {
	server   ble.Server
	registry *Registry
	timeout  time.Duration

	mu       sync.Mutex
	inflight map[delivery]bool
}

// delivery identifies one characteristic on one peer. A stuck delivery only
// holds back later values of the same characteristic to the same peer.
type delivery struct {
	peer ble.PeerID
	char *gatt.Characteristic
}

// NewNotifier creates a notifier. Each fan-out waits at most timeout for the
// stack; a non-positive timeout waits for every delivery.
func NewNotifier(server ble.Server, registry *Registry, timeout time.Duration) *Notifier {
	return &Notifier{
		server:   server,
		registry: registry,
		timeout:  timeout,
		inflight: make(map[delivery]bool),
	}
}

// Publish writes value into char and requests an unconfirmed notification for
// each connected peer. It returns the number of peers the stack accepted the
// notification for. Failures are logged, never returned.
func (n *Notifier) Publish(ctx context.Context, char *gatt.Characteristic, value []byte) int {
	char.SetValue(value)

	peers := n.registry.Peers()
	if len(peers) == 0 {
		return 0
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	// Buffered so that a delivery finishing after the deadline never blocks.
	results := make(chan bool, len(peers))
	started := 0
	for _, peer := range peers {
		if !n.claim(peer, char) {
			slog.Warn("[PERIPH] previous notification still in flight, skipping peer",
				"peer", peer, "characteristic", char.String())
			continue
		}
		started++
		go func(peer ble.PeerID) {
			err := n.server.NotifyCharacteristicChanged(ctx, peer, char, false)
			// Released before reporting so the next publish can claim it.
			n.release(peer, char)
			if err != nil {
				logDeliveryFailure(peer, char, err)
				results <- false
				return
			}
			results <- true
		}(peer)
	}

	delivered := 0
	for i := 0; i < started; i++ {
		select {
		case ok := <-results:
			if ok {
				delivered++
			}
		case <-ctx.Done():
			slog.Warn("[PERIPH] notification fan-out cut short",
				"characteristic", char.String(), "pending", started-i, "error", ctx.Err())
			return delivered
		}
	}
	return delivered
}

// claim marks a delivery of char to peer as in flight. It fails if one
// already is.
func (n *Notifier) claim(peer ble.PeerID, char *gatt.Characteristic) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := delivery{peer: peer, char: char}
	if n.inflight[key] {
		return false
	}
	n.inflight[key] = true
	return true
}

func (n *Notifier) release(peer ble.PeerID, char *gatt.Characteristic) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inflight, delivery{peer: peer, char: char})
}

// InFlight reports whether a delivery of char to peer has not returned yet.
func (n *Notifier) InFlight(peer ble.PeerID, char *gatt.Characteristic) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inflight[delivery{peer: peer, char: char}]
}

func logDeliveryFailure(peer ble.PeerID, char *gatt.Characteristic, err error) {
	if errors.Is(err, ble.ErrNotSubscribed) {
		slog.Debug("[PERIPH] peer not subscribed", "peer", peer, "characteristic", char.String())
		return
	}
	slog.Warn("[PERIPH] notification delivery failed", "peer", peer, "characteristic", char.String(), "error", err)
}
