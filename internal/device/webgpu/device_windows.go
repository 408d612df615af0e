//go:build windows

// Package webgpu runs the element-wise layer kernels on a WebGPU adapter.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO bindings.
package webgpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/born-ml/layerkit/internal/device"
	"github.com/go-webgpu/webgpu/wgpu"
)

// Device is a device.Device backed by one WebGPU adapter.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string

	mu        sync.RWMutex
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline

	allocated uint64
	live      int
}

type buffer struct {
	owner *Device
	buf   *wgpu.Buffer
	n     int
}

func (b *buffer) Len() int { return b.n }

var _ device.Device = (*Device)(nil)

// New opens the high-performance adapter.
func New() (dev *Device, err error) {
	// wgpu_native panics when the library is missing.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("webgpu: native library: %v: %w", r, device.ErrUnavailable)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: request adapter: %w: %w", device.ErrUnavailable, err)
	}
	d, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: request device: %w: %w", device.ErrUnavailable, err)
	}
	queue := d.GetQueue()
	if queue == nil {
		d.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: no queue: %w", device.ErrUnavailable)
	}

	return &Device{
		instance:  instance,
		adapter:   adapter,
		device:    d,
		queue:     queue,
		name:      "webgpu",
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}, nil
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool {
	d, err := New()
	if err != nil {
		return false
	}
	d.Release()
	return true
}

// Name implements device.Device.
func (d *Device) Name() string { return d.name }

func byteSize(n int) uint64 {
	//nolint:gosec // G115: n is non-negative
	return uint64(max(n, 1)) * 4
}

// Alloc implements device.Device.
func (d *Device) Alloc(n int) (device.Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("webgpu: negative allocation %d", n)
	}
	size := byteSize(n)
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	if buf == nil {
		return nil, fmt.Errorf("webgpu: %w: %d bytes", device.ErrOutOfMemory, size)
	}
	d.mu.Lock()
	d.allocated += size
	d.live++
	d.mu.Unlock()
	return &buffer{owner: d, buf: buf, n: n}, nil
}

// Free implements device.Device.
func (d *Device) Free(b device.Buffer) {
	wb, ok := b.(*buffer)
	if !ok || wb == nil || wb.owner != d || wb.buf == nil {
		return
	}
	wb.buf.Release()
	wb.buf = nil
	d.mu.Lock()
	d.allocated -= byteSize(wb.n)
	d.live--
	d.mu.Unlock()
}

// Allocated returns the bytes and buffers currently held.
func (d *Device) Allocated() (bytes uint64, buffers int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.allocated, d.live
}

func (d *Device) own(b device.Buffer, n int) (*wgpu.Buffer, error) {
	wb, ok := b.(*buffer)
	if !ok || wb.owner != d || wb.buf == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrForeignBuffer, d.name)
	}
	if wb.n < n {
		return nil, fmt.Errorf("%w: need %d elements, have %d", device.ErrBufferTooSmall, n, wb.n)
	}
	return wb.buf, nil
}

// mapped creates a buffer initialised from data.
func (d *Device) mapped(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	ptr := buf.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice over the mapped range
	copy(unsafe.Slice((*byte)(ptr), size), data)
	buf.Unmap()
	return buf
}

// Upload implements device.Device.
func (d *Device) Upload(dst device.Buffer, src []float32) error {
	buf, err := d.own(dst, len(src))
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	size := uint64(len(src)) * 4
	//nolint:gosec // reinterpret float32 storage as bytes
	staging := d.mapped(unsafe.Slice((*byte)(unsafe.Pointer(&src[0])), size), wgpu.BufferUsageCopySrc)
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, buf, 0, size)
	d.queue.Submit(encoder.Finish(nil))
	return nil
}

// Download implements device.Device.
func (d *Device) Download(dst []float32, src device.Buffer) error {
	buf, err := d.own(src, len(dst))
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	size := uint64(len(dst)) * 4
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(buf, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("webgpu: map staging buffer: %w", err)
	}
	ptr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice over the mapped range
	copy(dst, unsafe.Slice((*float32)(ptr), len(dst)))
	staging.Unmap()
	return nil
}

func (d *Device) pipeline(name, code string) *wgpu.ComputePipeline {
	d.mu.RLock()
	p, ok := d.pipelines[name]
	d.mu.RUnlock()
	if ok {
		return p
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipelines[name]; ok {
		return p
	}
	shader := d.device.CreateShaderModuleWGSL(code)
	d.shaders[name] = shader
	p = d.device.CreateComputePipelineSimple(nil, shader, "main")
	d.pipelines[name] = p
	return p
}

// dispatch runs a kernel whose storage bindings are bufs followed by the
// size uniform.
func (d *Device) dispatch(op device.Op, grad bool, n int, bufs ...*wgpu.Buffer) error {
	name, code, ok := shaderSource(op, grad)
	if !ok {
		return fmt.Errorf("%w: %v", device.ErrUnsupportedOp, op)
	}
	if n == 0 {
		return nil
	}
	pipeline := d.pipeline(name, code)

	params := make([]byte, 16)
	//nolint:gosec // G115: n is non-negative
	binary.LittleEndian.PutUint32(params[0:4], uint32(n))
	uniform := d.mapped(params, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	defer uniform.Release()

	size := uint64(n) * 4
	entries := make([]wgpu.BindGroupEntry, 0, len(bufs)+1)
	for i, b := range bufs {
		//nolint:gosec // G115: binding index is small
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), b, 0, size))
	}
	//nolint:gosec // G115: binding index is small
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(bufs)), uniform, 0, 16))
	bindGroup := d.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // G115: workgroup count is non-negative
	pass.DispatchWorkgroups(uint32((n+workgroupSize-1)/workgroupSize), 1, 1)
	pass.End()
	d.queue.Submit(encoder.Finish(nil))
	return nil
}

// Apply implements device.Device.
func (d *Device) Apply(op device.Op, dst, src device.Buffer, n int) error {
	out, err := d.own(dst, n)
	if err != nil {
		return err
	}
	in, err := d.own(src, n)
	if err != nil {
		return err
	}
	return d.dispatch(op, false, n, in, out)
}

// ApplyGrad implements device.Device.
func (d *Device) ApplyGrad(op device.Op, dst, grad, out device.Buffer, n int) error {
	res, err := d.own(dst, n)
	if err != nil {
		return err
	}
	g, err := d.own(grad, n)
	if err != nil {
		return err
	}
	y, err := d.own(out, n)
	if err != nil {
		return err
	}
	return d.dispatch(op, true, n, g, y, res)
}

// Release frees the cached pipelines and the adapter.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, p := range d.pipelines {
		p.Release()
		delete(d.pipelines, name)
	}
	for name, s := range d.shaders {
		s.Release()
		delete(d.shaders, name)
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}
