package kinds

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/layer"
	"github.com/born-ml/layerkit/internal/optim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRegistry(t *testing.T) {
	reader, err := NewReader(blobs(t, 4), 2, false, 0)
	require.NoError(t, err)
	r := NewRegistry()

	registered := map[layer.Type]bool{}
	for _, typ := range r.Types() {
		registered[typ] = true
		k, err := r.Build(Spec{Type: typ, Reader: reader})
		require.NoError(t, err, typ.String())
		_, ok := k.(layer.LayoutDeclarer)
		assert.True(t, ok, "%s declares its layout", typ)
	}
	assert.True(t, registered[layer.FullyConnected])
	assert.True(t, registered[layer.Reconstruction])

	for _, typ := range []layer.Type{layer.Convolution, layer.Pooling, layer.BatchNormalization, layer.Invalid} {
		_, err := r.Build(Spec{Type: typ})
		require.ErrorIs(t, err, layer.ErrConfiguration, typ.String())
	}

	r.Register(layer.Pooling, func(s Spec) (layer.Kernel, error) { return NewActivation(s), nil })
	_, err = r.Build(Spec{Type: layer.Pooling})
	require.NoError(t, err)

	_, err = r.Build(Spec{Type: layer.InputDistributedMinibatch})
	require.ErrorIs(t, err, layer.ErrConfiguration)
	_, err = r.Build(Spec{Type: layer.FullyConnected, Optimizer: optim.Spec{Kind: "newton"}})
	require.ErrorIs(t, err, layer.ErrConfiguration)
	_, err = r.Build(Spec{Type: layer.Dropout, KeepProb: 1.5})
	require.ErrorIs(t, err, layer.ErrConfiguration)
}

func TestFullyConnected(t *testing.T) {
	ctx := context.Background()
	k, err := NewFullyConnected(Spec{Optimizer: optim.Spec{Kind: "sgd", LR: 1}})
	require.NoError(t, err)
	l := mustBuild(t, testLayer{typ: layer.FullyConnected, neurons: 3, prev: 2}, k)
	require.NoError(t, l.Setup(ctx, 2))
	assert.Equal(t, dist.DataParallel, l.DataLayout())

	k.Weights().Copy(mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}))
	k.Bias().Copy(mat.NewDense(3, 1, []float64{0.5, -1, 0}))
	require.NoError(t, l.SetupFPInput(mustMatrix(t, dist.DataParallel, 2, 2, fromRows([]float64{1, 0}, []float64{2, -1}))))
	require.NoError(t, l.SetupBPInput(mustMatrix(t, dist.DataParallel, 3, 2, fromRows([]float64{1, 0}, []float64{0, 1}, []float64{1, 1}))))

	require.NoError(t, l.ForwardProp(ctx))
	assert.Equal(t, []float64{5.5, -1.5, 10, -5, 17, -6}, l.Activations().LocalData())

	require.NoError(t, l.BackProp(ctx))
	assert.Equal(t, []float64{6, 8, 8, 10}, l.BPOutput().LocalData())
	assert.InDeltaSlice(t, []float64{0.5, 1, 0, -0.5, 0.5, 0.5}, k.gradW.RawMatrix().Data, 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 1}, k.gradB.RawMatrix().Data, 1e-12)

	done, err := l.Update(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.InDeltaSlice(t, []float64{0.5, 1, 3, 4.5, 4.5, 5.5}, k.Weights().RawMatrix().Data, 1e-12)
	assert.InDeltaSlice(t, []float64{0, -1.5, -1}, k.Bias().RawMatrix().Data, 1e-12)

	l.SetExecutionMode(layer.Testing)
	before := mat.DenseCopyOf(k.Weights())
	_, err = l.Update(ctx)
	require.NoError(t, err)
	assert.True(t, mat.Equal(before, k.Weights()), "no update outside training")
}

func TestFullyConnectedGradientCheck(t *testing.T) {
	ctx := context.Background()
	k, err := NewFullyConnected(Spec{Seed: 3})
	require.NoError(t, err)
	l := mustBuild(t, testLayer{typ: layer.FullyConnected, neurons: 3, prev: 4}, k)
	require.NoError(t, l.Setup(ctx, 5))

	diff, err := l.CheckGradientMB(ctx, nil, 1e-4)
	require.NoError(t, err)
	assert.Zero(t, diff, "nothing to check before a backward pass")

	require.NoError(t, l.SetupFPInput(mustMatrix(t, dist.DataParallel, 4, 5, func(i, j int) float64 { return math.Sin(float64(i*5 + j)) })))
	require.NoError(t, l.SetupBPInput(mustMatrix(t, dist.DataParallel, 3, 5, func(i, j int) float64 { return math.Cos(float64(i + 2*j)) })))
	require.NoError(t, l.ForwardProp(ctx))
	require.NoError(t, l.BackProp(ctx))

	diff, err = l.CheckGradientMB(ctx, nil, 1e-4)
	require.NoError(t, err)
	assert.Less(t, diff, 1e-6)
}

// trainStep runs one forward, backward and update step of a fully connected
// layer on group g and returns the resulting weights.
func trainStep(ctx context.Context, g comm.Group) (*mat.Dense, error) {
	const in, out, mb = 3, 2, 5
	k, err := NewFullyConnected(Spec{Seed: 9, Optimizer: optim.Spec{Kind: "sgd", LR: 0.1, Momentum: 0.5}})
	if err != nil {
		return nil, err
	}
	l, err := build(g, testLayer{typ: layer.FullyConnected, neurons: out, prev: in}, k)
	if err != nil {
		return nil, err
	}
	if err := l.Setup(ctx, mb); err != nil {
		return nil, err
	}
	x, err := matrix(g, dist.DataParallel, in, mb, func(i, j int) float64 { return math.Sin(float64(3*i + j)) })
	if err != nil {
		return nil, err
	}
	grad, err := matrix(g, dist.DataParallel, out, mb, func(i, j int) float64 { return math.Cos(float64(i - 2*j)) })
	if err != nil {
		return nil, err
	}
	if err := l.SetupFPInput(x); err != nil {
		return nil, err
	}
	if err := l.SetupBPInput(grad); err != nil {
		return nil, err
	}
	for range 2 {
		if err := l.ForwardProp(ctx); err != nil {
			return nil, err
		}
		if err := l.BackProp(ctx); err != nil {
			return nil, err
		}
		if _, err := l.Update(ctx); err != nil {
			return nil, err
		}
	}
	return k.Weights(), nil
}

func TestFullyConnectedReplicasAgree(t *testing.T) {
	want, err := trainStep(context.Background(), comm.Self())
	require.NoError(t, err)

	const ranks = 3
	got := make([]*mat.Dense, ranks)
	err = comm.Run(context.Background(), ranks, func(ctx context.Context, g comm.Group) error {
		w, err := trainStep(ctx, g)
		got[g.Rank()] = w
		return err
	})
	require.NoError(t, err)
	for r, w := range got {
		assert.InDeltaSlice(t, want.RawMatrix().Data, w.RawMatrix().Data, 1e-9, "rank %d", r)
	}
}

func TestFullyConnectedStateAndFiles(t *testing.T) {
	ctx := context.Background()
	newFC := func() (*FullyConnected, *layer.Layer) {
		k, err := NewFullyConnected(Spec{Seed: 3, Optimizer: optim.Spec{Kind: "adam", LR: 0.01}})
		require.NoError(t, err)
		return k, mustBuild(t, testLayer{typ: layer.FullyConnected, neurons: 2, prev: 3}, k)
	}
	k, l := newFC()
	require.NoError(t, l.Setup(ctx, 4))
	require.NoError(t, l.ForwardProp(ctx))
	require.NoError(t, l.BackProp(ctx))
	_, err := l.Update(ctx)
	require.NoError(t, err)

	var names []string
	for _, s := range k.State() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"weights", "bias", "weights/step", "weights/m", "weights/v", "bias/step", "bias/m", "bias/v"}, names)

	var ckpt bytes.Buffer
	_, err = l.SaveToCheckpoint(&ckpt)
	require.NoError(t, err)
	k2, l2 := newFC()
	k2.seed = 4
	_, err = l2.LoadFromCheckpoint(ctx, &ckpt)
	require.NoError(t, err)
	assert.True(t, mat.Equal(k.Weights(), k2.Weights()))
	assert.Equal(t, 1, k2.optW.(*optim.Adam).Timestep())

	var file bytes.Buffer
	k.Weights().Set(0, 0, 42)
	require.NoError(t, l.SaveToFile(&file))
	require.NoError(t, l2.LoadFromFile(&file))
	assert.Equal(t, 42.0, k2.Weights().At(0, 0))

	k3, err := NewFullyConnected(Spec{})
	require.NoError(t, err)
	l3 := mustBuild(t, testLayer{typ: layer.FullyConnected, neurons: 3, prev: 3}, k3)
	require.NoError(t, l3.Setup(ctx, 4))
	file.Reset()
	require.NoError(t, l.SaveToFile(&file))
	require.Error(t, l3.LoadFromFile(&file))
}

func TestActivationHostAndDevice(t *testing.T) {
	ctx := context.Background()
	for _, op := range []device.Op{device.Identity, device.ReLU, device.Sigmoid, device.Tanh} {
		t.Run(op.String(), func(t *testing.T) {
			run := func(gpus bool) *layer.Layer {
				cfg := testLayer{typ: layer.Activation, neurons: 4, prev: 4, gpus: gpus,
					devices: device.NewSimManager(2, device.SimConfig{})}
				l := mustBuild(t, cfg, NewActivation(Spec{Activation: op}))
				require.Equal(t, gpus, l.UsingGPUs())
				require.NoError(t, l.Setup(ctx, 3))
				require.NoError(t, l.SetupFPInput(mustMatrix(t, dist.ModelParallel, 4, 3,
					func(i, j int) float64 { return float64(i-j) / 2 })))
				require.NoError(t, l.SetupBPInput(mustMatrix(t, dist.ModelParallel, 4, 3,
					func(i, j int) float64 { return float64(1 + i*j) })))
				require.NoError(t, l.ForwardProp(ctx))
				require.NoError(t, l.BackProp(ctx))
				return l
			}
			host, accel := run(false), run(true)
			for i, x := range []float64{0, -0.5, -1} {
				assert.InDelta(t, activate(op, x), host.Activations().Local().At(0, i), 1e-12)
			}
			assert.InDeltaSlice(t, host.Activations().LocalData(), accel.Activations().LocalData(), 1e-6)
			assert.InDeltaSlice(t, host.BPOutput().LocalData(), accel.BPOutput().LocalData(), 1e-5)
		})
	}
}

func TestDerivativeMatchesFiniteDifference(t *testing.T) {
	const h = 1e-6
	for _, op := range []device.Op{device.Identity, device.ReLU, device.Sigmoid, device.Tanh} {
		for _, x := range []float64{-1.3, -0.2, 0.4, 2} {
			numeric := (activate(op, x+h) - activate(op, x-h)) / (2 * h)
			assert.InDelta(t, numeric, derivative(op, activate(op, x)), 1e-6, "%s at %v", op, x)
		}
	}
}

func TestSoftmax(t *testing.T) {
	ctx := context.Background()
	k := NewSoftmax(Spec{})
	l := mustBuild(t, testLayer{typ: layer.Softmax, neurons: 3, prev: 3}, k)
	require.NoError(t, l.Setup(ctx, 2))
	require.NoError(t, l.SetupFPInput(mustMatrix(t, dist.DataParallel, 3, 2,
		fromRows([]float64{1, 1000}, []float64{2, 1000}, []float64{3, 1000}))))
	g := mustMatrix(t, dist.DataParallel, 3, 2, fromRows([]float64{1, 0}, []float64{0, 0}, []float64{0, 1}))
	require.NoError(t, l.SetupBPInput(g))

	require.NoError(t, l.ForwardProp(ctx))
	y := l.Activations().Local()
	for j := 0; j < 2; j++ {
		assert.InDelta(t, 1, mat.Sum(y.ColView(j)), 1e-12)
	}
	assert.InDelta(t, 1.0/3, y.At(0, 1), 1e-12, "large inputs stay finite")
	assert.Greater(t, y.At(2, 0), y.At(1, 0))

	require.NoError(t, l.BackProp(ctx))
	es := l.BPOutput().Local()
	for j := 0; j < 2; j++ {
		assert.InDelta(t, 0, mat.Sum(es.ColView(j)), 1e-12, "softmax gradient is orthogonal to ones")
	}
	y0 := y.At(0, 0)
	assert.InDelta(t, y0*(1-y0), es.At(0, 0), 1e-12)

	jacobian := l.BPOutput().LocalData()
	reader, err := NewReader(blobs(t, 2), 2, false, 0)
	require.NoError(t, err)
	ce, err := NewTarget(Spec{Type: layer.TargetDistributedMinibatch, Reader: reader})
	require.NoError(t, err)
	mse, err := NewTarget(Spec{Type: layer.TargetDistributedMinibatch, Reader: reader, Loss: MeanSquared})
	require.NoError(t, err)

	l.SetNextLayerType(layer.TargetDistributedMinibatch)
	l.SetNextLayerKernel(ce)
	require.NoError(t, l.BackProp(ctx))
	assert.Equal(t, g.LocalData(), l.BPOutput().LocalData(), "cross entropy already produced the logit gradient")

	l.SetNextLayerKernel(mse)
	require.NoError(t, l.BackProp(ctx))
	assert.Equal(t, jacobian, l.BPOutput().LocalData())
}

func TestSoftmaxBeforeMeanSquaredTarget(t *testing.T) {
	ctx := context.Background()
	ds, err := NewMemory(mat.NewDense(1, 2, []float64{1, 0}), []int{0}, 2)
	require.NoError(t, err)
	reader, err := NewReader(ds, 1, false, 0)
	require.NoError(t, err)

	sk := NewSoftmax(Spec{})
	sm := mustBuild(t, testLayer{typ: layer.Softmax, neurons: 2, prev: 2}, sk)
	tk, err := NewTarget(Spec{Type: layer.TargetDistributedMinibatch, Reader: reader, Loss: MeanSquared})
	require.NoError(t, err)
	tl := mustBuild(t, testLayer{typ: layer.TargetDistributedMinibatch, neurons: 2, prev: 2}, tk)
	tl.SetModel(reader)

	require.NoError(t, sm.Setup(ctx, 1))
	require.NoError(t, tl.Setup(ctx, 1))
	require.NoError(t, sm.SetupFPInput(mustMatrix(t, dist.DataParallel, 2, 1, fromRows([]float64{2}, []float64{0}))))
	require.NoError(t, tl.SetupFPInput(sm.FPOutput()))
	require.NoError(t, sm.SetupBPInput(tl.BPOutput()))
	sm.SetNextLayerType(tl.Type())
	sm.SetNextLayerKernel(tk)
	tl.SetPrevLayerType(sm.Type())

	require.NoError(t, sm.ForwardProp(ctx))
	require.NoError(t, tl.ForwardProp(ctx))
	require.NoError(t, tl.BackProp(ctx))
	require.NoError(t, sm.BackProp(ctx))

	y := sm.Activations().LocalData()
	g := []float64{y[0] - 1, y[1]}
	dot := y[0]*g[0] + y[1]*g[1]
	got := sm.BPOutput().LocalData()
	for i := range g {
		assert.InDelta(t, y[i]*(g[i]-dot), got[i], 1e-12, "row %d", i)
	}
	assert.InDelta(t, -0.02503, got[0], 1e-5)
	assert.InDelta(t, 0.02503, got[1], 1e-5)
}

func TestDropout(t *testing.T) {
	ctx := context.Background()
	const n, mb, keep = 40, 25, 0.5
	k, err := NewDropout(Spec{KeepProb: keep, Seed: 11})
	require.NoError(t, err)
	l := mustBuild(t, testLayer{typ: layer.Dropout, neurons: n, prev: n}, k)
	require.NoError(t, l.Setup(ctx, mb))
	in := mustMatrix(t, dist.ModelParallel, n, mb, func(i, j int) float64 { return float64(1 + i + j) })
	require.NoError(t, l.SetupFPInput(in))
	require.NoError(t, l.SetupBPInput(mustMatrix(t, dist.ModelParallel, n, mb, func(int, int) float64 { return 1 })))

	require.NoError(t, l.ForwardProp(ctx))
	require.NotNil(t, k.Mask())
	dropped := 0
	y := l.Activations().Local()
	for i := 0; i < n; i++ {
		for j := 0; j < mb; j++ {
			x := in.Local().At(i, j)
			switch y.At(i, j) {
			case 0:
				dropped++
			case x / keep:
			default:
				t.Fatalf("(%d,%d) = %v from %v", i, j, y.At(i, j), x)
			}
		}
	}
	assert.InDelta(t, n*mb/2, dropped, n*mb/10)

	require.NoError(t, l.BackProp(ctx))
	assert.True(t, mat.Equal(k.Mask(), l.BPOutput().Local()))

	l.SetExecutionMode(layer.Validation)
	require.NoError(t, l.ForwardProp(ctx))
	assert.Nil(t, k.Mask())
	assert.Equal(t, in.LocalData(), l.Activations().LocalData())
}

func TestInputReadsOwnColumns(t *testing.T) {
	ds := blobs(t, 5)
	reader, err := NewReader(ds, 2, false, 0)
	require.NoError(t, err)
	ctx := context.Background()
	k, err := NewInput(Spec{Reader: reader})
	require.NoError(t, err)
	l := mustBuild(t, testLayer{typ: layer.InputDistributedMinibatch, neurons: 2}, k)
	l.SetModel(reader)
	require.NoError(t, l.Setup(ctx, reader.MinibatchSize()))

	var seen []int
	epochEnd := []bool{}
	for range 3 {
		require.NoError(t, l.ForwardProp(ctx))
		n := l.MinibatchSize()
		for j := 0; j < n; j++ {
			s := l.SampleIndicesPerMB()[j]
			assert.Equal(t, float64(10*s+1), l.Activations().Local().At(1, j))
		}
		seen = append(seen, l.SampleIndicesPerMB()...)
		done, err := l.Update(ctx)
		require.NoError(t, err)
		epochEnd = append(epochEnd, done)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
	assert.Equal(t, []bool{false, false, true}, epochEnd)
	assert.Equal(t, 1, reader.Epoch())
	assert.Equal(t, 2, reader.CurrentMinibatchSize())

	bad := mustBuild(t, testLayer{typ: layer.InputDistributedMinibatch, neurons: 3}, &Input{base: base{layout: dist.DataParallel}, reader: reader})
	require.ErrorIs(t, bad.Setup(ctx, 2), layer.ErrConfiguration)
}

func TestInputAcrossRanks(t *testing.T) {
	ds := blobs(t, 6)
	indices := make([][]int, 2)
	err := comm.Run(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		reader, err := NewReader(ds, 3, true, 5)
		if err != nil {
			return err
		}
		k, err := NewInput(Spec{Reader: reader})
		if err != nil {
			return err
		}
		l, err := build(g, testLayer{typ: layer.InputDistributedMinibatch, neurons: 2}, k)
		if err != nil {
			return err
		}
		l.SetModel(reader)
		if err := l.Setup(ctx, 3); err != nil {
			return err
		}
		if err := l.ForwardProp(ctx); err != nil {
			return err
		}
		indices[g.Rank()] = append([]int(nil), l.SampleIndicesPerMB()...)
		return nil
	})
	require.NoError(t, err)

	ref, err := NewReader(ds, 3, true, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{ref.Sample(0), ref.Sample(2)}, indices[0])
	assert.Equal(t, []int{ref.Sample(1)}, indices[1])
}

func TestReaderShuffleIsDeterministic(t *testing.T) {
	a, err := NewReader(blobs(t, 10), 4, true, 7)
	require.NoError(t, err)
	b, err := NewReader(blobs(t, 10), 4, true, 7)
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		seen := map[int]bool{}
		var sizes []int
		for {
			n := a.CurrentMinibatchSize()
			require.Equal(t, n, b.CurrentMinibatchSize())
			sizes = append(sizes, n)
			for j := 0; j < n; j++ {
				require.Equal(t, a.Sample(j), b.Sample(j))
				seen[a.Sample(j)] = true
			}
			done := a.Advance()
			require.Equal(t, done, b.Advance())
			if done {
				break
			}
		}
		assert.Len(t, seen, 10, "epoch %d visits every sample once", epoch)
		assert.Equal(t, []int{4, 4, 2}, sizes)
	}
	assert.Equal(t, 2, a.Epoch())

	require.False(t, a.Advance())
	a.Reset()
	assert.Zero(t, a.Position())

	plain, err := NewReader(blobs(t, 3), 2, false, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int{plain.Sample(0), plain.Sample(1)})

	_, err = NewReader(blobs(t, 1), 0, false, 0)
	require.Error(t, err)
	_, err = NewMemory(mat.NewDense(2, 1, nil), []int{0, 2}, 2)
	require.Error(t, err)
}
