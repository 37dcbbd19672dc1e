package peripheral

import (
	"sort"
	"sync"

	"github.com/chaz8081/multifit/internal/ble"
)

// Registry tracks the centrals currently connected to the peripheral.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[ble.PeerID]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[ble.PeerID]struct{})}
}

// Connect records peer as connected. It reports whether the peer was new.
func (r *Registry) Connect(peer ble.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peer]; ok {
		return false
	}
	r.peers[peer] = struct{}{}
	return true
}

// Disconnect removes peer. Removing an absent peer is a no-op; it reports
// whether the peer was present.
func (r *Registry) Disconnect(peer ble.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peer]; !ok {
		return false
	}
	delete(r.peers, peer)
	return true
}

// Peers returns a sorted snapshot of the connected peers.
func (r *Registry) Peers() []ble.PeerID {
	r.mu.RLock()
	out := make([]ble.PeerID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of connected peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Clear removes every peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[ble.PeerID]struct{})
}
