package layer

import (
	"context"
	"fmt"
	"io"

	"github.com/born-ml/layerkit/internal/checkpoint"
	"github.com/born-ml/layerkit/internal/dist"
	"gonum.org/v1/gonum/mat"
)

// Persisted tensor names. Incoming buffers are never persisted: they are
// views of a neighbour's output and are rebuilt on the next pass.
const (
	TensorActivations = "activations"
	TensorErrorSignal = "error_signal"
)

// SaveToCheckpoint writes this rank's shards and the kernel state to w and
// returns the number of bytes written.
func (l *Layer) SaveToCheckpoint(w io.Writer) (int64, error) {
	if err := l.requireSetup(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	rec := l.record(false)
	for _, m := range l.persisted() {
		rec.Tensors = append(rec.Tensors, checkpoint.Tensor{
			Name: m.name,
			Rows: m.matrix.LocalRows(),
			Cols: m.matrix.LocalCols(),
			Data: m.matrix.LocalData(),
		})
	}
	l.appendState(rec)
	n, err := checkpoint.Encode(w, rec)
	if err != nil {
		return n, fmt.Errorf("layer %d: %w", l.index, err)
	}
	return n, nil
}

// LoadFromCheckpoint restores the state written by SaveToCheckpoint on the
// same rank. A layer that is not set up is set up first with the persisted
// configured mini-batch size.
func (l *Layer) LoadFromCheckpoint(ctx context.Context, r io.Reader) (int64, error) {
	rec, n, err := checkpoint.Decode(r)
	if err != nil {
		return n, fmt.Errorf("layer %d: %w", l.index, err)
	}
	if rec.Header.Shared {
		return n, l.checkpointError("record was written in shared mode")
	}
	if rec.Header.Rank != l.group.Rank() {
		return n, l.checkpointError(fmt.Sprintf("record belongs to rank %d", rec.Header.Rank))
	}
	if err := l.prepareLoad(ctx, rec); err != nil {
		return n, err
	}
	for _, m := range l.persisted() {
		t, err := l.tensor(rec, m.name, m.matrix.LocalRows(), m.matrix.LocalCols())
		if err != nil {
			return n, err
		}
		if err := m.matrix.SetLocalData(t.Data); err != nil {
			return n, fmt.Errorf("%w: layer %d: %w", ErrCheckpoint, l.index, err)
		}
	}
	if err := l.restoreState(rec); err != nil {
		return n, err
	}
	l.finishLoad(rec)
	return n, nil
}

// SaveToCheckpointShared gathers every buffer to its full logical extent
// and writes one record through the root of p. It is a collective.
func (l *Layer) SaveToCheckpointShared(ctx context.Context, p *checkpoint.Persist) error {
	if err := l.requireSetup(); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	rec := l.record(true)
	for _, m := range l.persisted() {
		full, err := m.matrix.Gather(ctx)
		if err != nil {
			return fmt.Errorf("%w: layer %d: gather %s: %w", ErrCheckpoint, l.index, m.name, err)
		}
		rec.Tensors = append(rec.Tensors, checkpoint.Tensor{
			Name: m.name,
			Rows: m.matrix.Rows(),
			Cols: m.matrix.Cols(),
			Data: flatten(full),
		})
	}
	l.appendState(rec)
	if !p.IsRoot() {
		rec = nil
	}
	if err := p.Save(ctx, rec); err != nil {
		return fmt.Errorf("layer %d: %w", l.index, err)
	}
	return nil
}

// LoadFromCheckpointShared reads the next record of p and scatters it over
// the group. It is a collective.
func (l *Layer) LoadFromCheckpointShared(ctx context.Context, p *checkpoint.Persist) error {
	rec, err := p.Load(ctx)
	if err != nil {
		return fmt.Errorf("layer %d: %w", l.index, err)
	}
	if err := l.prepareLoad(ctx, rec); err != nil {
		return err
	}
	for _, m := range l.persisted() {
		t, err := l.tensor(rec, m.name, m.matrix.Rows(), m.matrix.Cols())
		if err != nil {
			return err
		}
		if err := m.matrix.Scatter(mat.NewDense(t.Rows, t.Cols, t.Data)); err != nil {
			return fmt.Errorf("%w: layer %d: %w", ErrCheckpoint, l.index, err)
		}
	}
	if err := l.restoreState(rec); err != nil {
		return err
	}
	l.finishLoad(rec)
	return nil
}

type namedMatrix struct {
	name   string
	matrix *dist.Matrix
}

// persisted lists the owned buffers in record order.
func (l *Layer) persisted() []namedMatrix {
	out := []namedMatrix{{TensorActivations, l.activations}}
	if l.errorSignal != nil {
		out = append(out, namedMatrix{TensorErrorSignal, l.errorSignal})
	}
	return out
}

func (l *Layer) record(shared bool) *checkpoint.Record {
	rec := &checkpoint.Record{
		Header: checkpoint.Header{
			Index:              l.index,
			Type:               l.typ.String(),
			Rank:               l.group.Rank(),
			MaxMinibatch:       l.maxMB,
			Minibatch:          l.mbSize,
			EffectiveMinibatch: l.effectiveMB,
			Shared:             shared,
		},
	}
	if shared {
		rec.Header.Rank = checkpoint.Root
	}
	return rec
}

func (l *Layer) appendState(rec *checkpoint.Record) {
	s, ok := l.kernel.(Stateful)
	if !ok {
		return
	}
	for _, st := range s.State() {
		r, c := st.Value.Dims()
		rec.Tensors = append(rec.Tensors, checkpoint.Tensor{Name: st.Name, Rows: r, Cols: c, Data: flatten(st.Value)})
		rec.Flags |= checkpoint.FlagHasState
	}
}

func (l *Layer) restoreState(rec *checkpoint.Record) error {
	s, ok := l.kernel.(Stateful)
	if !ok {
		return nil
	}
	for _, st := range s.State() {
		r, c := st.Value.Dims()
		t, err := l.tensor(rec, st.Name, r, c)
		if err != nil {
			return err
		}
		for i := 0; i < r; i++ {
			st.Value.SetRow(i, t.Data[i*c:(i+1)*c])
		}
	}
	return nil
}

// prepareLoad checks that rec belongs to this layer and sets the layer up
// if needed.
func (l *Layer) prepareLoad(ctx context.Context, rec *checkpoint.Record) error {
	h := rec.Header
	if h.Index != l.index || h.Type != l.typ.String() {
		return l.checkpointError(fmt.Sprintf("record is for %s layer %d", h.Type, h.Index))
	}
	if h.Minibatch <= 0 || h.Minibatch > h.MaxMinibatch {
		return l.checkpointError(fmt.Sprintf("mini-batch %d of %d", h.Minibatch, h.MaxMinibatch))
	}
	if !l.ready {
		return l.Setup(ctx, h.MaxMinibatch)
	}
	if l.maxMB != h.MaxMinibatch {
		return l.checkpointError(fmt.Sprintf("record has mini-batch size %d, layer was set up for %d", h.MaxMinibatch, l.maxMB))
	}
	return nil
}

func (l *Layer) finishLoad(rec *checkpoint.Record) {
	l.mbSize = rec.Header.Minibatch
	l.effectiveMB = rec.Header.EffectiveMinibatch
	l.prevActivationsV, l.activationsV = nil, nil
	l.prevErrorSignalV, l.errorSignalV = nil, nil
	l.deviceFresh = false
	l.logger.Debug("restored from checkpoint", "minibatch", l.mbSize, "effective", l.effectiveMB)
}

func (l *Layer) tensor(rec *checkpoint.Record, name string, rows, cols int) (*checkpoint.Tensor, error) {
	t, ok := rec.Tensor(name)
	if !ok {
		return nil, l.checkpointError(fmt.Sprintf("missing tensor %q", name))
	}
	if t.Rows != rows || t.Cols != cols {
		return nil, l.checkpointError(fmt.Sprintf("tensor %q is %dx%d, layer expects %dx%d", name, t.Rows, t.Cols, rows, cols))
	}
	return t, nil
}

func (l *Layer) checkpointError(details string) error {
	return fmt.Errorf("%w: layer %d: %s", ErrCheckpoint, l.index, details)
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, r*c)
	for i := 0; i < r; i++ {
		mat.Row(out[i*c:(i+1)*c], i, m)
	}
	return out
}
