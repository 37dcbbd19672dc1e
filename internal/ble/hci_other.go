//go:build !linux

package ble

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// HCIOptions configures the raw HCI stack.
type HCIOptions struct {
	DeviceID       int
	MaxConnections int
	ReadTimeout    time.Duration
	PowerOnTimeout time.Duration
}

// DefaultHCIOptions returns sensible defaults.
func DefaultHCIOptions() HCIOptions {
	return HCIOptions{DeviceID: -1, MaxConnections: 4, ReadTimeout: 2 * time.Second, PowerOnTimeout: 10 * time.Second}
}

// HCIStack is only available on Linux.
type HCIStack struct{}

// NewHCIStack creates a stack whose OpenServer always fails.
func NewHCIStack(HCIOptions) *HCIStack { return &HCIStack{} }

func (s *HCIStack) OpenServer(context.Context, ServerCallbacks) (Server, error) {
	return nil, fmt.Errorf("ble: hci backend is not supported on %s: %w", runtime.GOOS, ErrNotSupported)
}
