//go:build !linux && !windows

package ble

import (
	"context"
	"fmt"
	"runtime"
)

// TinyGoStack is only available on Linux and Windows; tinygo-org/bluetooth
// has no GATT server on other hosts.
type TinyGoStack struct{}

// NewTinyGoStack creates a stack whose Enable and OpenServer always fail.
func NewTinyGoStack() *TinyGoStack { return &TinyGoStack{} }

// Enable fails, so Grant refuses a capability for this backend.
func (s *TinyGoStack) Enable() error {
	return fmt.Errorf("ble: tinygo backend is not supported on %s: %w", runtime.GOOS, ErrNotSupported)
}

func (s *TinyGoStack) OpenServer(context.Context, ServerCallbacks) (Server, error) {
	return nil, s.Enable()
}
