package device

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Slot names one of the four per-layer buffers mirrored on the devices.
type Slot int

// Mirrored buffers.
const (
	PrevActivations Slot = iota // forward input
	Activations                 // forward output
	PrevErrorSignal             // backward input
	ErrorSignal                 // backward output
	numSlots
)

// NoSlot marks an unused shard operand.
const NoSlot Slot = -1

func (s Slot) String() string {
	switch s {
	case PrevActivations:
		return "prev_activations"
	case Activations:
		return "activations"
	case PrevErrorSignal:
		return "prev_error_signal"
	case ErrorSignal:
		return "error_signal"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// ErrMirror reports misuse of a Mirror.
var ErrMirror = errors.New("device: mirror")

// Pinned selects which buffers keep a reusable host staging area. A pinned
// slot converts through the same float32 slice on every transfer; an
// unpinned one allocates per transfer.
type Pinned struct {
	FPInput  bool
	FPOutput bool
	BPInput  bool
	BPOutput bool
}

func (p Pinned) slot(s Slot) bool {
	switch s {
	case PrevActivations:
		return p.FPInput
	case Activations:
		return p.FPOutput
	case PrevErrorSignal:
		return p.BPInput
	case ErrorSignal:
		return p.BPOutput
	}
	return false
}

// Stats counts host/device traffic of a Mirror.
type Stats struct {
	Uploads       int
	Downloads     int
	UploadBytes   int64
	DownloadBytes int64
}

// Shard is the per-device slice of work handed to a device kernel.
type Shard struct {
	Device Device
	In     Buffer
	Out    Buffer
	Aux    Buffer // nil when the kernel takes no third operand
	N      int    // elements to process
}

// MirrorConfig sizes a Mirror.
type MirrorConfig struct {
	PrevRows int // local rows of the previous layer's output
	Rows     int // local rows of this layer's output
	MaxCols  int // local columns at the configured mini-batch size
	Pinned   Pinned
}

// Mirror holds the device-resident copies of one layer's buffers.
//
// Columns are split into contiguous blocks of PerDevice columns, one block
// per device; each block is stored column-major.
type Mirror struct {
	mgr          *Manager
	rows         [numSlots]int
	maxPerDevice int
	perDevice    int
	cols         int
	pinned       Pinned

	bufs     [numSlots][]Buffer
	borrowed [numSlots][]Buffer
	staging  [numSlots][]float32

	stats Stats
}

// NewMirror allocates the four buffers on every device of mgr.
func NewMirror(mgr *Manager, cfg MirrorConfig) (*Mirror, error) {
	if !mgr.Available() {
		return nil, ErrUnavailable
	}
	if cfg.PrevRows < 0 || cfg.Rows < 0 || cfg.MaxCols < 0 {
		return nil, fmt.Errorf("%w: negative extent %+v", ErrMirror, cfg)
	}
	m := &Mirror{
		mgr:    mgr,
		pinned: cfg.Pinned,
	}
	m.rows[PrevActivations] = cfg.PrevRows
	m.rows[Activations] = cfg.Rows
	m.rows[PrevErrorSignal] = cfg.Rows
	m.rows[ErrorSignal] = cfg.PrevRows
	m.maxPerDevice = ceilDiv(cfg.MaxCols, mgr.NumDevices())
	m.perDevice = m.maxPerDevice
	m.cols = cfg.MaxCols

	for s := Slot(0); s < numSlots; s++ {
		n := m.rows[s] * m.maxPerDevice
		m.bufs[s] = make([]Buffer, mgr.NumDevices())
		for d := range m.bufs[s] {
			b, err := mgr.Device(d).Alloc(n)
			if err != nil {
				m.Close()
				return nil, fmt.Errorf("allocate %v on %s: %w", s, mgr.Device(d).Name(), err)
			}
			m.bufs[s][d] = b
		}
		if m.pinned.slot(s) {
			m.staging[s] = make([]float32, n)
		}
	}
	return m, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Manager returns the manager the mirror allocates on.
func (m *Mirror) Manager() *Manager { return m.mgr }

// SetColumns sets the number of live local columns, recomputing the
// per-device split. It never reallocates.
func (m *Mirror) SetColumns(cols int) error {
	per := ceilDiv(cols, m.mgr.NumDevices())
	if cols < 0 || per > m.maxPerDevice {
		return fmt.Errorf("%w: %d columns exceed capacity of %d per device", ErrMirror, cols, m.maxPerDevice)
	}
	m.cols = cols
	m.perDevice = per
	return nil
}

// Columns returns the live local column count.
func (m *Mirror) Columns() int { return m.cols }

// PerDevice returns the number of columns assigned to each device.
func (m *Mirror) PerDevice() int { return m.perDevice }

// Rows returns the local row count of slot s.
func (m *Mirror) Rows(s Slot) int { return m.rows[s] }

// Pinned reports the staging configuration.
func (m *Mirror) Pinned() Pinned { return m.pinned }

// Stats returns the transfer counters.
func (m *Mirror) Stats() Stats { return m.stats }

// Buffers returns the device buffers of slot s, one per device. A borrowed
// slot returns the lender's buffers.
func (m *Mirror) Buffers(s Slot) []Buffer {
	if b := m.borrowed[s]; b != nil {
		return b
	}
	return m.bufs[s]
}

// Owned returns the buffers allocated by this mirror for slot s, ignoring
// any borrow.
func (m *Mirror) Owned(s Slot) []Buffer { return m.bufs[s] }

// Borrow makes slot s read from another layer's device buffers until the
// next Upload into s or Release.
func (m *Mirror) Borrow(s Slot, bufs []Buffer) error {
	if len(bufs) != m.mgr.NumDevices() {
		return fmt.Errorf("%w: borrow %v: %d buffers for %d devices", ErrMirror, s, len(bufs), m.mgr.NumDevices())
	}
	m.borrowed[s] = bufs
	return nil
}

// Release drops a borrow on slot s.
func (m *Mirror) Release(s Slot) { m.borrowed[s] = nil }

// Borrowed reports whether slot s currently reads another layer's buffers.
func (m *Mirror) Borrowed(s Slot) bool { return m.borrowed[s] != nil }

// span returns the column range [lo, hi) held by device d.
func (m *Mirror) span(d int) (lo, hi int) {
	lo = min(d*m.perDevice, m.cols)
	hi = min(lo+m.perDevice, m.cols)
	return lo, hi
}

func (m *Mirror) stage(s Slot, n int) []float32 {
	if m.pinned.slot(s) && cap(m.staging[s]) >= n {
		return m.staging[s][:n]
	}
	return make([]float32, n)
}

func (m *Mirror) checkHost(s Slot, src *mat.Dense) error {
	if src == nil {
		if m.rows[s]*m.cols != 0 {
			return fmt.Errorf("%w: %v: nil host matrix for %dx%d", ErrMirror, s, m.rows[s], m.cols)
		}
		return nil
	}
	r, c := src.Dims()
	if r != m.rows[s] || c != m.cols {
		return fmt.Errorf("%w: %v: host matrix %dx%d, mirror expects %dx%d", ErrMirror, s, r, c, m.rows[s], m.cols)
	}
	return nil
}

// Upload copies the host matrix src into slot s, splitting its columns
// across devices. Any borrow on s is released.
func (m *Mirror) Upload(s Slot, src *mat.Dense) error {
	if err := m.checkHost(s, src); err != nil {
		return err
	}
	m.borrowed[s] = nil
	if src == nil {
		return nil
	}
	raw := src.RawMatrix()
	rows := m.rows[s]
	for d, buf := range m.bufs[s] {
		lo, hi := m.span(d)
		if lo >= hi {
			continue
		}
		stage := m.stage(s, rows*(hi-lo))
		for j := lo; j < hi; j++ {
			col := stage[(j-lo)*rows : (j-lo+1)*rows]
			for i := range col {
				col[i] = float32(raw.Data[i*raw.Stride+j])
			}
		}
		if err := m.mgr.Device(d).Upload(buf, stage); err != nil {
			return fmt.Errorf("upload %v to %s: %w", s, m.mgr.Device(d).Name(), err)
		}
		m.stats.Uploads++
		m.stats.UploadBytes += int64(len(stage)) * 4
	}
	return nil
}

// Download copies slot s back into the host matrix dst.
func (m *Mirror) Download(s Slot, dst *mat.Dense) error {
	if err := m.checkHost(s, dst); err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	raw := dst.RawMatrix()
	rows := m.rows[s]
	for d, buf := range m.Buffers(s) {
		lo, hi := m.span(d)
		if lo >= hi {
			continue
		}
		stage := m.stage(s, rows*(hi-lo))
		if err := m.mgr.Device(d).Download(stage, buf); err != nil {
			return fmt.Errorf("download %v from %s: %w", s, m.mgr.Device(d).Name(), err)
		}
		m.stats.Downloads++
		m.stats.DownloadBytes += int64(len(stage)) * 4
		for j := lo; j < hi; j++ {
			col := stage[(j-lo)*rows : (j-lo+1)*rows]
			for i, v := range col {
				raw.Data[i*raw.Stride+j] = float64(v)
			}
		}
	}
	return nil
}

// Shards describes the per-device work of a kernel that reads in, writes
// out and optionally reads aux. N counts the elements of out on each device.
func (m *Mirror) Shards(in, out, aux Slot) []Shard {
	shards := make([]Shard, 0, m.mgr.NumDevices())
	for d := 0; d < m.mgr.NumDevices(); d++ {
		lo, hi := m.span(d)
		sh := Shard{
			Device: m.mgr.Device(d),
			In:     m.Buffers(in)[d],
			Out:    m.Buffers(out)[d],
			N:      m.rows[out] * (hi - lo),
		}
		if aux != NoSlot {
			sh.Aux = m.Buffers(aux)[d]
		}
		shards = append(shards, sh)
	}
	return shards
}

// Close frees every owned buffer. Borrowed buffers are left to their owner.
func (m *Mirror) Close() {
	for s := Slot(0); s < numSlots; s++ {
		for d, b := range m.bufs[s] {
			if b != nil {
				m.mgr.Device(d).Free(b)
			}
		}
		m.bufs[s] = nil
		m.borrowed[s] = nil
		m.staging[s] = nil
	}
}
