package dist

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// View is a non-owning window onto the logical prefix of a Matrix.
//
// A view shares storage with its parent and must not outlive it. Views are
// cheap and are rebuilt for every propagation pass.
type View struct {
	parent    *Matrix
	rows      int
	cols      int
	localRows int
	localCols int
	local     *mat.Dense // nil when this rank owns none of the prefix
}

// Parent returns the matrix the view was taken from.
func (v *View) Parent() *Matrix { return v.parent }

// Layout returns the parent's layout.
func (v *View) Layout() Layout { return v.parent.layout }

// Rows returns the logical row count of the view.
func (v *View) Rows() int { return v.rows }

// Cols returns the logical column count of the view.
func (v *View) Cols() int { return v.cols }

// LocalRows returns the number of view rows stored on this rank.
func (v *View) LocalRows() int { return v.localRows }

// LocalCols returns the number of view columns stored on this rank.
func (v *View) LocalCols() int { return v.localCols }

// Local returns the local part of the view, or nil when it is empty.
// Writes through it are visible in the parent.
func (v *View) Local() *mat.Dense { return v.local }

// GlobalRow maps a local row index of the view to its logical row.
func (v *View) GlobalRow(i int) int { return v.parent.GlobalRow(i) }

// GlobalCol maps a local column index of the view to its logical column.
func (v *View) GlobalCol(j int) int { return v.parent.GlobalCol(j) }

// LocalData returns a row-major copy of the local part of the view.
func (v *View) LocalData() []float64 {
	return denseData(v.local, v.localRows, v.localCols)
}

// SetLocalData overwrites the local part of the view from row-major data.
func (v *View) SetLocalData(data []float64) error {
	if len(data) != v.localRows*v.localCols {
		return fmt.Errorf("%w: %d values for a %dx%d view", ErrShapeMismatch, len(data), v.localRows, v.localCols)
	}
	setDenseData(v.local, v.localCols, data)
	return nil
}

// CopyFrom copies src into v element-wise. Both views must have the same
// local extent; no communication takes place.
func (v *View) CopyFrom(src *View) error {
	if src.localRows != v.localRows || src.localCols != v.localCols {
		return fmt.Errorf("%w: local %dx%d into %dx%d", ErrShapeMismatch,
			src.localRows, src.localCols, v.localRows, v.localCols)
	}
	if v.local != nil {
		v.local.Copy(src.local)
	}
	return nil
}

// Apply replaces every local element x of the view with fn(x).
func (v *View) Apply(fn func(x float64) float64) {
	if v.local == nil {
		return
	}
	v.local.Apply(func(_, _ int, x float64) float64 { return fn(x) }, v.local)
}

// Gather assembles the logical extent of the view on every rank.
// This is a collective over the parent's group.
func (v *View) Gather(ctx context.Context) (*mat.Dense, error) {
	return v.parent.gatherPrefix(ctx, v.rows, v.cols, v.LocalData())
}

// Scatter overwrites the local part of the view with this rank's share of
// full, which must have the view's logical extent.
func (v *View) Scatter(full mat.Matrix) error {
	r, c := full.Dims()
	if r != v.rows || c != v.cols {
		return fmt.Errorf("%w: scatter %dx%d into a %dx%d view", ErrShapeMismatch, r, c, v.rows, v.cols)
	}
	for i := 0; i < v.localRows; i++ {
		gi := v.GlobalRow(i)
		for j := 0; j < v.localCols; j++ {
			v.local.Set(i, j, full.At(gi, v.GlobalCol(j)))
		}
	}
	return nil
}

// Redistribute overwrites v with the logical contents of src. Views with the
// same layout copy locally; otherwise the data moves through a collective.
// Only the views' extents are read and written.
func (v *View) Redistribute(ctx context.Context, src *View) error {
	if src.rows != v.rows || src.cols != v.cols {
		return fmt.Errorf("%w: redistribute %dx%d into %dx%d", ErrShapeMismatch, src.rows, src.cols, v.rows, v.cols)
	}
	if src.Layout() == v.Layout() && src.parent.group.Size() == v.parent.group.Size() {
		return v.CopyFrom(src)
	}
	full, err := src.Gather(ctx)
	if err != nil {
		return err
	}
	return v.Scatter(full)
}
