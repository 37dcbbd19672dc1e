//go:build linux

package ble

import (
	"testing"

	"github.com/google/uuid"
	pgatt "github.com/paypal/gatt"

	"github.com/chaz8081/multifit/internal/gatt"
)

func TestToGattUUID(t *testing.T) {
	got := toGattUUID(gatt.HeartRateServiceUUID)
	if !got.Equal(pgatt.UUID16(0x180D)) {
		t.Errorf("toGattUUID(Heart Rate) = %s, want 16-bit 180d", got)
	}

	custom := uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	if got := toGattUUID(custom); got.Equal(pgatt.UUID16(0x0001)) || len(got.String()) != 32 {
		t.Errorf("toGattUUID(custom) = %s, want the full 128-bit UUID", got)
	}
}

func TestAttStatus(t *testing.T) {
	tests := []struct {
		in   Status
		want byte
	}{
		{StatusSuccess, 0x00},
		{StatusReadNotPermitted, 0x02},
		{StatusRequestNotSupported, 0x06},
		{StatusInvalidOffset, 0x07},
		{StatusFailure, pgatt.StatusUnexpectedError},
		{Status(-1), pgatt.StatusUnexpectedError},
	}
	for _, tt := range tests {
		if got := attStatus(tt.in); got != tt.want {
			t.Errorf("attStatus(%s) = 0x%02x, want 0x%02x", tt.in, got, tt.want)
		}
	}
}
