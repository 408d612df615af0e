package dist

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/layerkit/internal/comm"
	"gonum.org/v1/gonum/mat"
)

// Common errors.
var (
	ErrInvalidShape  = errors.New("dist: invalid shape")
	ErrShapeMismatch = errors.New("dist: shape mismatch")
	ErrViewBounds    = errors.New("dist: view exceeds matrix")
	ErrLayout        = errors.New("dist: invalid layout")
)

// Matrix is a logical matrix sharded across a process group.
type Matrix struct {
	group     comm.Group
	layout    Layout
	rows      int
	cols      int
	localRows int
	localCols int
	local     *mat.Dense // nil when this rank owns no elements
}

// New allocates a zeroed rows x cols matrix distributed over g.
func New(g comm.Group, layout Layout, rows, cols int) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidShape, rows, cols)
	}
	m := &Matrix{
		group:  g,
		layout: layout,
		rows:   rows,
		cols:   cols,
	}
	switch layout {
	case ModelParallel:
		m.localRows = localCount(rows, g.Rank(), g.Size())
		m.localCols = cols
	case DataParallel:
		m.localRows = rows
		m.localCols = localCount(cols, g.Rank(), g.Size())
	default:
		return nil, fmt.Errorf("%w: %v", ErrLayout, layout)
	}
	if m.localRows > 0 && m.localCols > 0 {
		m.local = mat.NewDense(m.localRows, m.localCols, nil)
	}
	return m, nil
}

// Group returns the process group the matrix is distributed over.
func (m *Matrix) Group() comm.Group { return m.group }

// Layout returns the distribution layout.
func (m *Matrix) Layout() Layout { return m.layout }

// Rows returns the logical row count.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the logical column count.
func (m *Matrix) Cols() int { return m.cols }

// LocalRows returns the number of rows stored on this rank.
func (m *Matrix) LocalRows() int { return m.localRows }

// LocalCols returns the number of columns stored on this rank.
func (m *Matrix) LocalCols() int { return m.localCols }

// Local returns the local shard, or nil when this rank owns no elements.
// The returned matrix shares storage with m.
func (m *Matrix) Local() *mat.Dense { return m.local }

// GlobalRow maps a local row index to its logical row.
func (m *Matrix) GlobalRow(i int) int {
	if m.layout == ModelParallel {
		return m.group.Rank() + i*m.group.Size()
	}
	return i
}

// GlobalCol maps a local column index to its logical column.
func (m *Matrix) GlobalCol(j int) int {
	if m.layout == DataParallel {
		return m.group.Rank() + j*m.group.Size()
	}
	return j
}

// Fill sets every local element from f(globalRow, globalCol).
func (m *Matrix) Fill(f func(i, j int) float64) {
	for i := 0; i < m.localRows; i++ {
		gi := m.GlobalRow(i)
		for j := 0; j < m.localCols; j++ {
			m.local.Set(i, j, f(gi, m.GlobalCol(j)))
		}
	}
}

// Zero sets every local element to zero.
func (m *Matrix) Zero() {
	if m.local != nil {
		m.local.Zero()
	}
}

// LocalData returns a row-major copy of the local shard.
func (m *Matrix) LocalData() []float64 {
	return denseData(m.local, m.localRows, m.localCols)
}

// SetLocalData overwrites the local shard from row-major data.
func (m *Matrix) SetLocalData(data []float64) error {
	if len(data) != m.localRows*m.localCols {
		return fmt.Errorf("%w: %d values for a %dx%d shard", ErrShapeMismatch, len(data), m.localRows, m.localCols)
	}
	setDenseData(m.local, m.localCols, data)
	return nil
}

// shardExtent returns the local extent rank r holds of a rows x cols prefix.
func (m *Matrix) shardExtent(rows, cols, rank int) (int, int) {
	size := m.group.Size()
	if m.layout == ModelParallel {
		return localCount(rows, rank, size), cols
	}
	return rows, localCount(cols, rank, size)
}

// Gather assembles the full logical matrix on every rank.
// This is a collective: every rank of the group must call it.
func (m *Matrix) Gather(ctx context.Context) (*mat.Dense, error) {
	return m.gatherPrefix(ctx, m.rows, m.cols, m.LocalData())
}

// gatherPrefix assembles the logical rows x cols prefix whose local part on
// this rank is local.
func (m *Matrix) gatherPrefix(ctx context.Context, rows, cols int, local []float64) (*mat.Dense, error) {
	parts, err := m.group.AllGather(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("dist: gather: %w", err)
	}
	full := mat.NewDense(rows, cols, nil)
	size := len(parts)
	for r, part := range parts {
		lr, lc := m.shardExtent(rows, cols, r)
		if len(part) != lr*lc {
			return nil, fmt.Errorf("%w: rank %d sent %d values for a %dx%d shard", ErrShapeMismatch, r, len(part), lr, lc)
		}
		for i := 0; i < lr; i++ {
			for j := 0; j < lc; j++ {
				gi, gj := i, j
				if m.layout == ModelParallel {
					gi = r + i*size
				} else {
					gj = r + j*size
				}
				full.Set(gi, gj, part[i*lc+j])
			}
		}
	}
	return full, nil
}

// Scatter overwrites the local shard with this rank's part of full.
// No communication takes place.
func (m *Matrix) Scatter(full mat.Matrix) error {
	r, c := full.Dims()
	if r != m.rows || c != m.cols {
		return fmt.Errorf("%w: scatter %dx%d into %dx%d", ErrShapeMismatch, r, c, m.rows, m.cols)
	}
	m.Fill(full.At)
	return nil
}

// CopyFrom overwrites m with the logical contents of src.
//
// When both matrices share a layout the copy is local. Otherwise the data is
// redistributed, which is a collective over the group.
func (m *Matrix) CopyFrom(ctx context.Context, src *Matrix) error {
	if src.rows != m.rows || src.cols != m.cols {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrShapeMismatch, src.rows, src.cols, m.rows, m.cols)
	}
	if src.layout == m.layout && src.group.Size() == m.group.Size() {
		if m.local != nil {
			m.local.Copy(src.local)
		}
		return nil
	}
	full, err := src.Gather(ctx)
	if err != nil {
		return err
	}
	return m.Scatter(full)
}

// View returns a view restricted to the logical prefix [0,rows) x [0,cols).
func (m *Matrix) View(rows, cols int) (*View, error) {
	if rows <= 0 || cols <= 0 || rows > m.rows || cols > m.cols {
		return nil, fmt.Errorf("%w: %dx%d view of %dx%d", ErrViewBounds, rows, cols, m.rows, m.cols)
	}
	lr, lc := m.shardExtent(rows, cols, m.group.Rank())
	v := &View{
		parent:    m,
		rows:      rows,
		cols:      cols,
		localRows: lr,
		localCols: lc,
	}
	if lr > 0 && lc > 0 {
		v.local = m.local.Slice(0, lr, 0, lc).(*mat.Dense)
	}
	return v, nil
}

func denseData(d *mat.Dense, rows, cols int) []float64 {
	out := make([]float64, rows*cols)
	if d == nil {
		return out
	}
	for i := 0; i < rows; i++ {
		mat.Row(out[i*cols:(i+1)*cols], i, d)
	}
	return out
}

func setDenseData(d *mat.Dense, cols int, data []float64) {
	if d == nil {
		return
	}
	rows, _ := d.Dims()
	for i := 0; i < rows; i++ {
		d.SetRow(i, data[i*cols:(i+1)*cols])
	}
}
