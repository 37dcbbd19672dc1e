package ble

import (
	"errors"
	"testing"
	"time"
)

func TestGrant(t *testing.T) {
	c, err := Grant("sim", nil)
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if !c.Valid() || c.Backend() != "sim" {
		t.Errorf("Grant() = %+v, want valid sim capability", c)
	}

	denied := errors.New("bluetooth permission denied by user")
	c, err = Grant("tinygo", func() error { return denied })
	if !errors.Is(err, denied) {
		t.Errorf("Grant() error = %v, want wrapped denial", err)
	}
	if c.Valid() {
		t.Error("denied Grant() returned a valid capability")
	}

	if _, err := Grant("", nil); err == nil {
		t.Error("Grant(\"\") error = nil, want failure")
	}

	var zero Capability
	if zero.Valid() {
		t.Error("zero Capability is valid")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusSuccess, "success"},
		{StatusReadNotPermitted, "read not permitted"},
		{StatusRequestNotSupported, "request not supported"},
		{StatusInvalidOffset, "invalid offset"},
		{StatusFailure, "failure"},
		{Status(0x0e), "status 0x0e"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.want)
		}
	}
}

func TestAdvertiseError(t *testing.T) {
	cause := errors.New("hci: command disallowed")
	err := error(&AdvertiseError{Code: AdvertiseFailedInternalError, Err: cause})

	if !errors.Is(err, cause) {
		t.Error("AdvertiseError does not unwrap to its cause")
	}
	var advErr *AdvertiseError
	if !errors.As(err, &advErr) || advErr.Code != AdvertiseFailedInternalError {
		t.Errorf("errors.As() = %v", advErr)
	}
	if got := (&AdvertiseError{Code: AdvertiseFailedDataTooLarge}).Error(); got != "ble: start advertising failed (code 1)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestAdvertiseModeInterval(t *testing.T) {
	if AdvertiseModeLowLatency.Interval() >= AdvertiseModeBalanced.Interval() {
		t.Error("low latency interval should be shorter than balanced")
	}
	if AdvertiseModeBalanced.Interval() >= AdvertiseModeLowPower.Interval() {
		t.Error("balanced interval should be shorter than low power")
	}
	if got := AdvertiseModeLowLatency.Interval(); got != 100*time.Millisecond {
		t.Errorf("low latency Interval() = %s, want 100ms", got)
	}
}

func TestDefaultAdvertiseSettings(t *testing.T) {
	s := DefaultAdvertiseSettings()
	if s.Mode != AdvertiseModeLowLatency || !s.Connectable || s.Timeout != 0 {
		t.Errorf("DefaultAdvertiseSettings() = %+v", s)
	}
}
