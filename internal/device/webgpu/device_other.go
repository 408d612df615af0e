//go:build !windows

package webgpu

import (
	"fmt"

	"github.com/born-ml/layerkit/internal/device"
)

// Device is unavailable on this platform.
type Device struct{ device.Device }

// New reports that no WebGPU adapter can be opened on this platform.
func New() (*Device, error) {
	return nil, fmt.Errorf("webgpu: %w on this platform", device.ErrUnavailable)
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool { return false }

// Release is a no-op.
func (d *Device) Release() {}
