// Package sensor produces the readings the peripheral publishes.
package sensor

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Snapshot is one set of readings.
type Snapshot struct {
	SpeedKmh     float64
	CadenceRPM   int
	PowerWatts   int
	HeartRateBPM int
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%.2f km/h, %d rpm, %d W, %d bpm", s.SpeedKmh, s.CadenceRPM, s.PowerWatts, s.HeartRateBPM)
}

// Reference is the reading a stationary trainer session is emulated with.
var Reference = Snapshot{
	SpeedKmh:     25.5,
	CadenceRPM:   80,
	PowerWatts:   150,
	HeartRateBPM: 130,
}

// Source yields readings. Next is called once per update tick.
type Source interface {
	Next() Snapshot
}

// Fixed always returns the same snapshot.
type Fixed Snapshot

func (f Fixed) Next() Snapshot { return Snapshot(f) }

// Wobble varies each metric around a base snapshot by a bounded random step,
// like a rider holding a steady effort.
type Wobble struct {
	base Snapshot

	mu  sync.Mutex
	rng *rand.Rand
	cur Snapshot
}

// Maximum deviation from the base reading.
const (
	wobbleSpeed   = 1.5
	wobbleCadence = 6
	wobblePower   = 25
	wobbleHR      = 8
)

// NewWobble creates a wobbling source seeded with seed.
func NewWobble(base Snapshot, seed int64) *Wobble {
	return &Wobble{
		base: base,
		rng:  rand.New(rand.NewSource(seed)),
		cur:  base,
	}
}

func (w *Wobble) Next() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cur.SpeedKmh = clampFloat(w.cur.SpeedKmh+(w.rng.Float64()-0.5)*0.6, w.base.SpeedKmh-wobbleSpeed, w.base.SpeedKmh+wobbleSpeed)
	w.cur.CadenceRPM = clampInt(w.cur.CadenceRPM+w.rng.Intn(5)-2, w.base.CadenceRPM-wobbleCadence, w.base.CadenceRPM+wobbleCadence)
	w.cur.PowerWatts = clampInt(w.cur.PowerWatts+w.rng.Intn(11)-5, w.base.PowerWatts-wobblePower, w.base.PowerWatts+wobblePower)
	w.cur.HeartRateBPM = clampInt(w.cur.HeartRateBPM+w.rng.Intn(3)-1, w.base.HeartRateBPM-wobbleHR, w.base.HeartRateBPM+wobbleHR)

	// Small bases must not wobble below zero.
	w.cur.SpeedKmh = math.Max(w.cur.SpeedKmh, 0)
	w.cur.CadenceRPM = max(w.cur.CadenceRPM, 0)
	w.cur.HeartRateBPM = max(w.cur.HeartRateBPM, 0)
	return w.cur
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// New returns the source for a mode name: "fixed" or "wobble".
func New(mode string, base Snapshot, seed int64) (Source, error) {
	switch mode {
	case "", "fixed":
		return Fixed(base), nil
	case "wobble":
		return NewWobble(base, seed), nil
	default:
		return nil, fmt.Errorf("sensor: unknown mode %q", mode)
	}
}
