package device

import (
	"fmt"
	"sync"

	"github.com/born-ml/layerkit/internal/parallel"
	"github.com/chewxy/math32"
)

// SimConfig configures a simulated device.
type SimConfig struct {
	Name     string          // Device name (default "sim")
	Capacity int             // Memory limit in elements (0 = unlimited)
	Parallel parallel.Config // Element-loop fan-out
}

// Sim is an accelerator simulated in host memory.
//
// It honours the Device contract exactly (separate address space, explicit
// transfers, float32 storage) and is always available, which makes it the
// default device for tests and for machines without a GPU.
type Sim struct {
	name     string
	capacity int
	par      parallel.Config

	mu        sync.Mutex
	allocated int
	peak      int
	live      int
}

type simBuffer struct {
	dev  *Sim
	data []float32
}

func (b *simBuffer) Len() int { return len(b.data) }

// NewSim creates a simulated device.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	return &Sim{
		name:     cfg.Name,
		capacity: cfg.Capacity,
		par:      cfg.Parallel,
	}
}

// Name implements Device.
func (s *Sim) Name() string { return s.name }

// Alloc implements Device.
func (s *Sim) Alloc(n int) (Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("device %s: negative allocation %d", s.name, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && s.allocated+n > s.capacity {
		return nil, fmt.Errorf("%w: %s: %d elements requested, %d of %d in use",
			ErrOutOfMemory, s.name, n, s.allocated, s.capacity)
	}
	s.allocated += n
	s.peak = max(s.peak, s.allocated)
	s.live++
	return &simBuffer{dev: s, data: make([]float32, n)}, nil
}

// Free implements Device.
func (s *Sim) Free(b Buffer) {
	sb, ok := b.(*simBuffer)
	if !ok || sb == nil || sb.dev != s || sb.data == nil {
		return
	}
	s.mu.Lock()
	s.allocated -= len(sb.data)
	s.live--
	s.mu.Unlock()
	sb.data = nil
}

// Allocated returns the elements currently allocated, the peak, and the
// number of live buffers.
func (s *Sim) Allocated() (current, peak, buffers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated, s.peak, s.live
}

func (s *Sim) own(b Buffer, n int) ([]float32, error) {
	sb, ok := b.(*simBuffer)
	if !ok || sb.dev != s {
		return nil, fmt.Errorf("%w: %s", ErrForeignBuffer, s.name)
	}
	if len(sb.data) < n {
		return nil, fmt.Errorf("%w: need %d elements, have %d", ErrBufferTooSmall, n, len(sb.data))
	}
	return sb.data[:n], nil
}

// Upload implements Device.
func (s *Sim) Upload(dst Buffer, src []float32) error {
	d, err := s.own(dst, len(src))
	if err != nil {
		return err
	}
	copy(d, src)
	return nil
}

// Download implements Device.
func (s *Sim) Download(dst []float32, src Buffer) error {
	d, err := s.own(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, d)
	return nil
}

// Apply implements Device.
func (s *Sim) Apply(op Op, dst, src Buffer, n int) error {
	out, err := s.own(dst, n)
	if err != nil {
		return err
	}
	in, err := s.own(src, n)
	if err != nil {
		return err
	}
	var f func(x float32) float32
	switch op {
	case Identity:
		copy(out, in)
		return nil
	case ReLU:
		f = func(x float32) float32 { return math32.Max(0, x) }
	case Sigmoid:
		f = func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) }
	case Tanh:
		f = math32.Tanh
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedOp, op)
	}
	parallel.Range(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = f(in[i])
		}
	}, s.par)
	return nil
}

// ApplyGrad implements Device.
func (s *Sim) ApplyGrad(op Op, dst, grad, out Buffer, n int) error {
	d, err := s.own(dst, n)
	if err != nil {
		return err
	}
	g, err := s.own(grad, n)
	if err != nil {
		return err
	}
	y, err := s.own(out, n)
	if err != nil {
		return err
	}
	var f func(g, y float32) float32
	switch op {
	case Identity:
		copy(d, g)
		return nil
	case ReLU:
		f = func(g, y float32) float32 {
			if y > 0 {
				return g
			}
			return 0
		}
	case Sigmoid:
		f = func(g, y float32) float32 { return g * y * (1 - y) }
	case Tanh:
		f = func(g, y float32) float32 { return g * (1 - y*y) }
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedOp, op)
	}
	parallel.Range(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			d[i] = f(g[i], y[i])
		}
	}, s.par)
	return nil
}
