package kinds

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dataset is a labelled sample collection.
type Dataset interface {
	Len() int
	NumFeatures() int
	NumClasses() int
	// Features copies sample i into dst, which has NumFeatures elements.
	Features(i int, dst []float64)
	Label(i int) int
}

// Memory is a Dataset held in memory, one sample per row of X.
type Memory struct {
	x       *mat.Dense
	y       []int
	classes int
}

// NewMemory wraps samples x (samples x features) and labels y.
func NewMemory(x *mat.Dense, y []int, classes int) (*Memory, error) {
	n, _ := x.Dims()
	if n != len(y) {
		return nil, fmt.Errorf("kinds: %d samples, %d labels", n, len(y))
	}
	for i, l := range y {
		if l < 0 || l >= classes {
			return nil, fmt.Errorf("kinds: sample %d has label %d outside [0, %d)", i, l, classes)
		}
	}
	return &Memory{x: x, y: y, classes: classes}, nil
}

// Len implements Dataset.
func (m *Memory) Len() int { return len(m.y) }

// NumFeatures implements Dataset.
func (m *Memory) NumFeatures() int {
	_, c := m.x.Dims()
	return c
}

// NumClasses implements Dataset.
func (m *Memory) NumClasses() int { return m.classes }

// Features implements Dataset.
func (m *Memory) Features(i int, dst []float64) { mat.Row(dst, i, m.x) }

// Label implements Dataset.
func (m *Memory) Label(i int) int { return m.y[i] }

// Synthetic returns n samples of Gaussian blobs, one blob per class, with
// well separated centres. The same seed yields the same data.
func Synthetic(n, features, classes int, seed uint64) *Memory {
	rng := newRand(seed, 0)
	centres := mat.NewDense(classes, features, nil)
	for i := 0; i < classes; i++ {
		for j := 0; j < features; j++ {
			centres.Set(i, j, 3*rng.NormFloat64())
		}
	}
	x := mat.NewDense(n, features, nil)
	y := make([]int, n)
	for i := range y {
		y[i] = i % classes
		for j := 0; j < features; j++ {
			x.Set(i, j, centres.At(y[i], j)+0.5*rng.NormFloat64())
		}
	}
	return &Memory{x: x, y: y, classes: classes}
}
