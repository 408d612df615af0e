// Package device implements the accelerator side of layer buffers.
//
// A Device holds float32 buffers and runs element-wise kernels on them. A
// Manager groups the devices one process drives, and a Mirror keeps the
// device-resident copies of a layer's four buffers, split by mini-batch
// columns across the manager's devices.
//
// Device memory is a cache. The host-resident distributed matrix stays
// authoritative; the mirror is filled and drained only at explicit,
// synchronous transfer points.
package device

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrUnavailable    = errors.New("device: accelerator not available")
	ErrOutOfMemory    = errors.New("device: out of memory")
	ErrForeignBuffer  = errors.New("device: buffer belongs to another device")
	ErrBufferTooSmall = errors.New("device: buffer too small")
	ErrUnsupportedOp  = errors.New("device: unsupported op")
)

// Op is an element-wise kernel a device can run.
type Op int

// Supported element-wise ops.
const (
	Identity Op = iota
	ReLU
	Sigmoid
	Tanh
)

// String returns the op name.
func (op Op) String() string {
	switch op {
	case Identity:
		return "identity"
	case ReLU:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	case Tanh:
		return "tanh"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// ParseOp maps an op name to its Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "identity":
		return Identity, nil
	case "relu":
		return ReLU, nil
	case "sigmoid":
		return Sigmoid, nil
	case "tanh":
		return Tanh, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedOp, s)
	}
}

// Buffer is a device-resident array of float32 values.
type Buffer interface {
	// Len returns the capacity in elements.
	Len() int
}

// Device is one accelerator.
//
// All methods are synchronous: when they return, the data movement or
// kernel has completed.
type Device interface {
	// Name returns a human-readable device name.
	Name() string

	// Alloc reserves a buffer of n elements.
	Alloc(n int) (Buffer, error)

	// Upload copies src into the start of dst.
	Upload(dst Buffer, src []float32) error

	// Download copies the first len(dst) elements of src into dst.
	Download(dst []float32, src Buffer) error

	// Apply computes dst[i] = op(src[i]) for i in [0, n).
	Apply(op Op, dst, src Buffer, n int) error

	// ApplyGrad computes dst[i] = grad[i] * op'(x) for i in [0, n), where the
	// derivative is expressed through the op's forward output out[i].
	ApplyGrad(op Op, dst, grad, out Buffer, n int) error

	// Free releases a buffer. Freeing nil is a no-op.
	Free(b Buffer)
}
