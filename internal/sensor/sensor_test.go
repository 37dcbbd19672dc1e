package sensor

import (
	"testing"
)

func TestFixed(t *testing.T) {
	src := Fixed(Reference)
	for i := 0; i < 3; i++ {
		if got := src.Next(); got != Reference {
			t.Errorf("Next() = %v, want %v", got, Reference)
		}
	}
}

func TestReferenceValues(t *testing.T) {
	if Reference.SpeedKmh != 25.5 || Reference.CadenceRPM != 80 || Reference.PowerWatts != 150 || Reference.HeartRateBPM != 130 {
		t.Errorf("Reference = %v", Reference)
	}
}

func TestWobbleStaysInBounds(t *testing.T) {
	w := NewWobble(Reference, 42)
	for i := 0; i < 1000; i++ {
		s := w.Next()
		if s.SpeedKmh < Reference.SpeedKmh-wobbleSpeed || s.SpeedKmh > Reference.SpeedKmh+wobbleSpeed {
			t.Fatalf("speed %v out of bounds at step %d", s.SpeedKmh, i)
		}
		if s.CadenceRPM < Reference.CadenceRPM-wobbleCadence || s.CadenceRPM > Reference.CadenceRPM+wobbleCadence {
			t.Fatalf("cadence %d out of bounds at step %d", s.CadenceRPM, i)
		}
		if s.PowerWatts < Reference.PowerWatts-wobblePower || s.PowerWatts > Reference.PowerWatts+wobblePower {
			t.Fatalf("power %d out of bounds at step %d", s.PowerWatts, i)
		}
		if s.HeartRateBPM < Reference.HeartRateBPM-wobbleHR || s.HeartRateBPM > Reference.HeartRateBPM+wobbleHR {
			t.Fatalf("heart rate %d out of bounds at step %d", s.HeartRateBPM, i)
		}
	}
}

func TestWobbleDeterministic(t *testing.T) {
	a, b := NewWobble(Reference, 7), NewWobble(Reference, 7)
	for i := 0; i < 20; i++ {
		if x, y := a.Next(), b.Next(); x != y {
			t.Fatalf("step %d: %v != %v", i, x, y)
		}
	}
}

func TestWobbleNeverNegative(t *testing.T) {
	w := NewWobble(Snapshot{SpeedKmh: 0.2, CadenceRPM: 3, PowerWatts: 10, HeartRateBPM: 2}, 1)
	for i := 0; i < 500; i++ {
		s := w.Next()
		if s.SpeedKmh < 0 {
			t.Fatalf("negative speed %v at step %d", s.SpeedKmh, i)
		}
		if s.CadenceRPM < 0 {
			t.Fatalf("negative cadence %d at step %d", s.CadenceRPM, i)
		}
		if s.HeartRateBPM < 0 {
			t.Fatalf("negative heart rate %d at step %d", s.HeartRateBPM, i)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr bool
	}{
		{"", false},
		{"fixed", false},
		{"wobble", false},
		{"random", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			src, err := New(tt.mode, Reference, 1)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			}
			if !tt.wantErr && src == nil {
				t.Fatal("New() returned nil source")
			}
		})
	}
}
