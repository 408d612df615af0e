package layer

import (
	"fmt"

	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
)

// fpStageIn makes the forward input resident on the devices.
func (l *Layer) fpStageIn() error {
	if err := l.mirror.SetColumns(l.activationsV.LocalCols()); err != nil {
		return fmt.Errorf("%w: layer %d: %w", ErrTransfer, l.index, err)
	}
	if l.prevActivationsV == nil {
		return nil
	}
	if l.prevUsingGPUs && l.canBorrow(l.fpInput, l.fpInputD, device.Activations, device.PrevActivations) {
		return l.borrow(device.PrevActivations, l.fpInputD.Buffers(device.Activations))
	}
	return l.stageIn(device.PrevActivations, l.prevActivationsV)
}

// bpStageIn makes the backward input resident on the devices. The forward
// buffers are reused when a device forward pass has run since the last host
// rewrite; otherwise they are uploaded again from the host views.
func (l *Layer) bpStageIn() error {
	if err := l.mirror.SetColumns(l.prevErrorSignalV.LocalCols()); err != nil {
		return fmt.Errorf("%w: layer %d: %w", ErrTransfer, l.index, err)
	}
	if !l.deviceFresh {
		if err := l.stageIn(device.Activations, l.activationsV); err != nil {
			return err
		}
		if l.prevActivationsV != nil {
			if err := l.stageIn(device.PrevActivations, l.prevActivationsV); err != nil {
				return err
			}
		}
		l.deviceFresh = true
	}
	if l.nextUsingGPUs && l.canBorrow(l.bpInput, l.bpInputD, device.ErrorSignal, device.PrevErrorSignal) {
		return l.borrow(device.PrevErrorSignal, l.bpInputD.Buffers(device.ErrorSignal))
	}
	return l.stageIn(device.PrevErrorSignal, l.prevErrorSignalV)
}

// canBorrow reports whether a neighbour's device buffers hold exactly what
// an upload of the borrowed host input would produce.
func (l *Layer) canBorrow(host *dist.Matrix, peer *device.Mirror, from, to device.Slot) bool {
	return host != nil && peer != nil &&
		host.Layout() == l.layout &&
		peer.Manager() == l.mirror.Manager() &&
		peer.Columns() == l.mirror.Columns() &&
		peer.PerDevice() == l.mirror.PerDevice() &&
		peer.Rows(from) == l.mirror.Rows(to)
}

func (l *Layer) borrow(slot device.Slot, bufs []device.Buffer) error {
	if err := l.mirror.Borrow(slot, bufs); err != nil {
		return fmt.Errorf("%w: layer %d: %w", ErrTransfer, l.index, err)
	}
	l.logger.Debug("reusing neighbour device buffers", "slot", slot.String())
	return nil
}

func (l *Layer) stageIn(slot device.Slot, v *dist.View) error {
	if err := l.mirror.Upload(slot, v.Local()); err != nil {
		return fmt.Errorf("%w: layer %d: upload %v: %w", ErrTransfer, l.index, slot, err)
	}
	return nil
}

// stageOut copies a device result back to the host view.
func (l *Layer) stageOut(slot device.Slot, v *dist.View) error {
	if v == nil {
		return nil
	}
	if err := l.mirror.Download(slot, v.Local()); err != nil {
		return fmt.Errorf("%w: layer %d: download %v: %w", ErrTransfer, l.index, slot, err)
	}
	return nil
}
