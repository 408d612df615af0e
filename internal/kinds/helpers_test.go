package kinds

import (
	"io"
	"log/slog"
	"testing"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testLayer struct {
	typ     layer.Type
	neurons int
	prev    int
	gpus    bool
	devices *device.Manager
}

func build(g comm.Group, c testLayer, k layer.Kernel) (*layer.Layer, error) {
	return layer.New(layer.Config{
		Type:           c.typ,
		NumNeurons:     c.neurons,
		NumPrevNeurons: c.prev,
		UseGPUs:        c.gpus,
		Logger:         quiet,
	}, g, k, c.devices)
}

func mustBuild(t *testing.T, c testLayer, k layer.Kernel) *layer.Layer {
	t.Helper()
	l, err := build(nil, c, k)
	require.NoError(t, err)
	return l
}

func matrix(g comm.Group, layout dist.Layout, rows, cols int, f func(i, j int) float64) (*dist.Matrix, error) {
	if g == nil {
		g = comm.Self()
	}
	m, err := dist.New(g, layout, rows, cols)
	if err != nil {
		return nil, err
	}
	m.Fill(f)
	return m, nil
}

func mustMatrix(t *testing.T, layout dist.Layout, rows, cols int, f func(i, j int) float64) *dist.Matrix {
	t.Helper()
	m, err := matrix(nil, layout, rows, cols, f)
	require.NoError(t, err)
	return m
}

func fromRows(rows ...[]float64) func(i, j int) float64 {
	return func(i, j int) float64 { return rows[i][j] }
}

// blobs is a small two-class dataset whose feature f of sample i is
// 10*i + f.
func blobs(t *testing.T, n int) *Memory {
	t.Helper()
	x := mat.NewDense(n, 2, nil)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		x.Set(i, 0, float64(10*i))
		x.Set(i, 1, float64(10*i+1))
		y[i] = i % 2
	}
	ds, err := NewMemory(x, y, 2)
	require.NoError(t, err)
	return ds
}
