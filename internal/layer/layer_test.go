package layer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/born-ml/layerkit/internal/summary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupAllocatesBuffers(t *testing.T) {
	ctx := context.Background()
	for _, mb := range []int{1, 3, 8} {
		l := mustLayer(t, Config{Index: 1, Type: FullyConnected, NumNeurons: 4, NumPrevNeurons: 6},
			comm.Self(), &copyKernel{layout: dist.DataParallel}, nil)
		require.NoError(t, l.Setup(ctx, mb))

		assert.True(t, l.IsSetup())
		assert.Equal(t, mb, l.MinibatchSize())
		assert.Equal(t, mb, l.MaxMinibatchSize())
		assert.Equal(t, mb, l.EffectiveMinibatchSize())
		assert.Equal(t, dist.DataParallel, l.DataLayout())
		for _, m := range []*dist.Matrix{l.prevActivations, l.activations, l.prevErrorSignal, l.errorSignal} {
			require.NotNil(t, m)
			assert.Equal(t, mb, m.Cols())
		}
		assert.Equal(t, 4, l.Activations().Rows())
		assert.Equal(t, 6, l.BPOutput().Rows())
		assert.Same(t, l.Activations(), l.FPOutput())
	}
}

func TestInputLayerHasNoIncomingBuffers(t *testing.T) {
	l := mustLayer(t, Config{Type: InputDistributedMinibatch, NumNeurons: 3}, nil, &sourceKernel{}, nil)
	require.NoError(t, l.Setup(context.Background(), 4))
	assert.Nil(t, l.prevActivations)
	assert.Nil(t, l.BPOutput())
	assert.Equal(t, 4, l.prevErrorSignal.Cols())

	require.NoError(t, l.ForwardProp(context.Background()))
	assert.Equal(t, sourceValue(2, 3), l.Activations().Local().At(2, 3))
	require.NoError(t, l.BackProp(context.Background()))
}

func TestCheckSetup(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"invalid type", Config{Type: Invalid, NumNeurons: 2, NumPrevNeurons: 2}, "type"},
		{"no neurons", Config{Type: Activation, NumPrevNeurons: 2}, "num_neurons"},
		{"negative prev", Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: -1}, "num_prev_neurons"},
		{"missing prev for non-io", Config{Type: Dropout, NumNeurons: 2}, "num_prev_neurons"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := mustLayer(t, tt.cfg, nil, &copyKernel{}, nil)
			err := l.Setup(context.Background(), 4)
			require.ErrorIs(t, err, ErrConfiguration)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
			assert.False(t, l.IsSetup())
		})
	}

	_, err := newLayer(Config{Type: Type(42), NumNeurons: 1}, nil, nil, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	l := mustLayer(t, Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: 2}, nil, &copyKernel{}, nil)
	require.ErrorIs(t, l.Setup(context.Background(), 0), ErrConfiguration)
}

func TestTopologyMismatch(t *testing.T) {
	ctx := context.Background()
	l := mustLayer(t, Config{Index: 2, Type: Activation, NumNeurons: 4, NumPrevNeurons: 5}, nil, &copyKernel{}, nil)
	require.NoError(t, l.Setup(ctx, 4))

	wrongRows := filled(t, comm.Self(), dist.ModelParallel, 4, 4, func(_, _ int) float64 { return 0 })
	err := l.SetupFPInput(wrongRows)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "fp_input", cerr.Field)
	assert.Equal(t, 2, cerr.Layer)

	wrongCols := filled(t, comm.Self(), dist.ModelParallel, 5, 3, func(_, _ int) float64 { return 0 })
	require.ErrorIs(t, l.SetupFPInput(wrongCols), ErrConfiguration)

	wrongBP := filled(t, comm.Self(), dist.ModelParallel, 5, 4, func(_, _ int) float64 { return 0 })
	require.ErrorIs(t, l.SetupBPInput(wrongBP), ErrConfiguration)

	ok := filled(t, comm.Self(), dist.ModelParallel, 5, 4, func(_, _ int) float64 { return 0 })
	require.NoError(t, l.SetupFPInput(ok))
	require.NoError(t, l.CheckSetup())
}

func TestPropagationRequiresSetup(t *testing.T) {
	ctx := context.Background()
	l := mustLayer(t, Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: 2}, nil, &copyKernel{}, nil)
	require.ErrorIs(t, l.ForwardProp(ctx), ErrNotSetup)
	require.ErrorIs(t, l.BackProp(ctx), ErrNotSetup)
	_, err := l.Update(ctx)
	require.ErrorIs(t, err, ErrNotSetup)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestRowCountInvariantAcrossMinibatches(t *testing.T) {
	ctx := context.Background()
	for _, mb := range []int{1, 2, 7, 16} {
		l := mustLayer(t, Config{Type: Activation, NumNeurons: 5, NumPrevNeurons: 5}, nil, &copyKernel{}, nil)
		require.NoError(t, l.Setup(ctx, mb))
		require.NoError(t, l.ForwardProp(ctx))
		require.NoError(t, l.BackProp(ctx))
		assert.Equal(t, l.NumNeurons(), l.Activations().Rows())
		assert.Equal(t, l.NumNeurons(), l.activationsV.Rows())
	}
}

func TestPartialMinibatchTouchesOnlyActiveColumns(t *testing.T) {
	const rows, maxMB, cur = 3, 6, 4
	ctx := context.Background()
	k := &copyKernel{}
	l := mustLayer(t, Config{Type: Activation, NumNeurons: rows, NumPrevNeurons: rows}, nil, k, nil)
	require.NoError(t, l.Setup(ctx, maxMB))
	l.SetModel(&fixedModel{cur: cur})

	in := filled(t, comm.Self(), dist.ModelParallel, rows, maxMB, sourceValue)
	next := filled(t, comm.Self(), dist.ModelParallel, rows, maxMB, func(i, j int) float64 { return -sourceValue(i, j) })
	require.NoError(t, l.SetupFPInput(in))
	require.NoError(t, l.SetupBPInput(next))

	const sentinel = -7
	l.Activations().Fill(func(_, _ int) float64 { return sentinel })
	l.BPOutput().Fill(func(_, _ int) float64 { return sentinel })

	require.NoError(t, l.ForwardProp(ctx))
	require.NoError(t, l.BackProp(ctx))
	assert.Equal(t, cur, l.MinibatchSize())
	assert.Equal(t, []int{cur}, k.fpCols)
	assert.Equal(t, []int{cur}, k.bpCols)

	_, c := l.prevActivationsV.Local().Dims()
	assert.Equal(t, cur, c)

	for i := 0; i < rows; i++ {
		for j := 0; j < maxMB; j++ {
			act := l.Activations().Local().At(i, j)
			es := l.BPOutput().Local().At(i, j)
			if j < cur {
				assert.Equal(t, sourceValue(i, j), act)
				assert.Equal(t, -sourceValue(i, j), es)
			} else {
				assert.Equal(t, float64(sentinel), act, "column %d beyond the mini-batch", j)
				assert.Equal(t, float64(sentinel), es, "column %d beyond the mini-batch", j)
			}
		}
	}

	l.SetModel(&fixedModel{cur: maxMB + 1})
	require.ErrorIs(t, l.ForwardProp(ctx), ErrConfiguration)
}

func TestEffectiveMinibatchSizeSurvivesPropagation(t *testing.T) {
	ctx := context.Background()
	l := mustLayer(t, Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: 2}, nil, &copyKernel{}, nil)
	require.NoError(t, l.Setup(ctx, 4))
	l.SetModel(&fixedModel{cur: 3})
	l.SetEffectiveMinibatchSize(64)

	require.NoError(t, l.ForwardProp(ctx))
	require.NoError(t, l.BackProp(ctx))
	_, err := l.Update(ctx)
	require.NoError(t, err)

	assert.Equal(t, 64, l.EffectiveMinibatchSize())
	assert.Equal(t, 3, l.MinibatchSize())
}

func TestTwoLayerChainAliasesBuffers(t *testing.T) {
	ctx := context.Background()
	l0 := mustLayer(t, Config{Index: 0, Type: InputDistributedMinibatch, NumNeurons: 4}, nil, &sourceKernel{}, nil)
	k1 := &copyKernel{done: true}
	l1 := mustLayer(t, Config{Index: 1, Type: Activation, NumNeurons: 4, NumPrevNeurons: 4}, nil, k1, nil)

	l0.SetNextLayerType(l1.Type())
	l1.SetPrevLayerType(l0.Type())
	require.NoError(t, l0.Setup(ctx, 8))
	require.NoError(t, l1.Setup(ctx, 8))
	require.NoError(t, l1.SetupFPInput(l0.FPOutput()))
	require.NoError(t, l0.SetupBPInput(l1.BPOutput()))

	require.NoError(t, l0.ForwardProp(ctx))
	require.NoError(t, l1.ForwardProp(ctx))
	require.NoError(t, l1.BackProp(ctx))
	require.NoError(t, l0.BackProp(ctx))
	for _, l := range []*Layer{l0, l1} {
		done, err := l.Update(ctx)
		require.NoError(t, err)
		assert.True(t, done)
	}
	assert.Equal(t, 1, k1.updates)

	assert.Same(t, l0.Activations(), l1.prevActivationsV.Parent())
	assert.Same(t, l1.BPOutput(), l0.prevErrorSignalV.Parent())
	assert.Equal(t, sourceValue(3, 7), l1.Activations().Local().At(3, 7))

	l0.Activations().Local().Set(1, 2, 42)
	assert.Equal(t, 42.0, l1.prevActivationsV.Local().At(1, 2))
	l1.prevActivationsV.Local().Set(0, 0, -1)
	assert.Equal(t, -1.0, l0.Activations().Local().At(0, 0))
	assert.Equal(t, InputDistributedMinibatch, l1.PrevLayerType())
	assert.Equal(t, Activation, l0.NextLayerType())
}

func TestLayoutMismatchRedistributes(t *testing.T) {
	const rows, mb = 5, 6
	err := comm.Run(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		l0, err := newLayer(Config{Index: 0, Type: InputDistributedMinibatch, NumNeurons: rows}, g,
			&sourceKernel{layout: dist.ModelParallel}, nil)
		if err != nil {
			return err
		}
		l1, err := newLayer(Config{Index: 1, Type: Activation, NumNeurons: rows, NumPrevNeurons: rows}, g,
			&copyKernel{layout: dist.DataParallel}, nil)
		if err != nil {
			return err
		}
		for _, l := range []*Layer{l0, l1} {
			if err := l.Setup(ctx, mb); err != nil {
				return err
			}
		}
		if err := l1.SetupFPInput(l0.FPOutput()); err != nil {
			return err
		}
		if err := l0.SetupBPInput(l1.BPOutput()); err != nil {
			return err
		}
		l1.prevErrorSignal.Fill(func(i, j int) float64 { return float64(i - j) })

		for _, step := range []func(context.Context) error{l0.ForwardProp, l1.ForwardProp, l1.BackProp, l0.BackProp} {
			if err := step(ctx); err != nil {
				return err
			}
		}
		if l1.prevActivationsV.Parent() != l1.prevActivations {
			return errors.New("mismatched layouts must not alias")
		}

		full, err := l1.Activations().Gather(ctx)
		if err != nil {
			return err
		}
		back, err := l0.prevErrorSignal.Gather(ctx)
		if err != nil {
			return err
		}
		for i := 0; i < rows; i++ {
			for j := 0; j < mb; j++ {
				if full.At(i, j) != sourceValue(i, j) {
					return errors.New("forward redistribution lost data")
				}
				if back.At(i, j) != float64(i-j) {
					return errors.New("backward redistribution lost data")
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCountersAccumulateAndReset(t *testing.T) {
	ctx := context.Background()
	l := mustLayer(t, Config{Type: Activation, NumNeurons: 3, NumPrevNeurons: 3}, nil, &copyKernel{}, nil)
	require.NoError(t, l.Setup(ctx, 4))

	var prev Counters
	for i := 0; i < 3; i++ {
		require.NoError(t, l.ForwardProp(ctx))
		require.NoError(t, l.BackProp(ctx))
		_, err := l.Update(ctx)
		require.NoError(t, err)

		c := l.Counters()
		assert.GreaterOrEqual(t, c.FP, prev.FP)
		assert.GreaterOrEqual(t, c.BP, prev.BP)
		assert.GreaterOrEqual(t, c.Update, prev.Update)
		assert.GreaterOrEqual(t, c.FP, c.FPCompute)
		assert.GreaterOrEqual(t, c.BP, c.BPCompute)
		prev = c
	}
	assert.Positive(t, prev.FP)

	l.ResetCounters()
	assert.Equal(t, Counters{}, l.Counters())
	assert.Equal(t, time.Duration(0), l.Counters().FP)
}

func TestUpdateDefaultsToDone(t *testing.T) {
	l := mustLayer(t, Config{Type: Reconstruction, NumNeurons: 2, NumPrevNeurons: 2}, nil, nil, nil)
	require.NoError(t, l.Setup(context.Background(), 2))
	assert.Equal(t, dist.ModelParallel, l.DataLayout())
	require.NoError(t, l.ForwardProp(context.Background()))
	done, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	k := &copyKernel{done: false}
	l = mustLayer(t, Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: 2}, nil, k, nil)
	require.NoError(t, l.Setup(context.Background(), 2))
	done, err = l.Update(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestAcceleratedChainReusesDeviceOutput(t *testing.T) {
	const rows, mb = 3, 4
	ctx := context.Background()
	mgr := device.NewSimManager(2, device.SimConfig{})

	k0, k1 := &reluKernel{}, &reluKernel{}
	cfg := Config{Type: Activation, NumNeurons: rows, NumPrevNeurons: rows, UseGPUs: true,
		Pinned: device.Pinned{FPInput: true, BPOutput: true}}
	l0 := mustLayer(t, cfg, nil, k0, mgr)
	cfg.Index = 1
	l1 := mustLayer(t, cfg, nil, k1, mgr)
	require.True(t, l0.UsingGPUs())
	require.True(t, l1.UsingGPUs())

	require.NoError(t, l0.Setup(ctx, mb))
	require.NoError(t, l1.Setup(ctx, mb))
	in := filled(t, comm.Self(), dist.ModelParallel, rows, mb, func(i, j int) float64 { return float64(i - j) })
	require.NoError(t, l0.SetupFPInput(in))
	require.NoError(t, l1.SetupFPInput(l0.FPOutput()))
	require.NoError(t, l0.SetupBPInput(l1.BPOutput()))
	l0.SetNextLayerUsingGPUs(l1.UsingGPUs())
	l1.SetPrevLayerUsingGPUs(l0.UsingGPUs())
	l1.SetupFPInputDevice(l0.FPOutputDevice())
	l0.SetupBPInputDevice(l1.BPOutputDevice())
	l1.prevErrorSignal.Fill(func(i, j int) float64 { return float64(1 + i + j) })

	require.NoError(t, l0.ForwardProp(ctx))
	require.NoError(t, l1.ForwardProp(ctx))
	assert.Zero(t, l1.FPOutputDevice().Stats().Uploads, "forward input comes from the previous layer's device buffers")
	assert.Equal(t, 2, l0.FPOutputDevice().Stats().Uploads)

	require.NoError(t, l1.BackProp(ctx))
	require.NoError(t, l0.BackProp(ctx))
	assert.Equal(t, 2, l0.FPOutputDevice().Stats().Uploads, "backward input comes from the next layer's device buffers")
	assert.Equal(t, 2, l1.FPOutputDevice().Stats().Uploads)
	assert.Equal(t, 1, k0.deviceFP)
	assert.Equal(t, 1, k0.deviceBP)

	for i := 0; i < rows; i++ {
		for j := 0; j < mb; j++ {
			x := float64(i - j)
			assert.Equal(t, max(0, x), l1.Activations().Local().At(i, j))
			want := 0.0
			if x > 0 {
				want = float64(1 + i + j)
			}
			assert.Equal(t, want, l0.BPOutput().Local().At(i, j), "(%d,%d)", i, j)
		}
	}

	l0.Close()
	l1.Close()
	assert.False(t, l0.IsSetup())
}

func TestAcceleratedMatchesHost(t *testing.T) {
	const rows, mb, cur = 4, 5, 3
	ctx := context.Background()
	run := func(gpus bool) *Layer {
		cfg := Config{Type: Activation, NumNeurons: rows, NumPrevNeurons: rows, UseGPUs: gpus}
		l := mustLayer(t, cfg, nil, &reluKernel{}, device.NewSimManager(3, device.SimConfig{}))
		require.NoError(t, l.Setup(ctx, mb))
		l.SetModel(&fixedModel{cur: cur})
		in := filled(t, comm.Self(), dist.ModelParallel, rows, mb, func(i, j int) float64 { return float64(2*i-j) / 4 })
		require.NoError(t, l.SetupFPInput(in))
		require.NoError(t, l.ForwardProp(ctx))
		require.NoError(t, l.BackProp(ctx))
		return l
	}
	host, accel := run(false), run(true)
	assert.False(t, host.UsingGPUs())
	assert.True(t, accel.UsingGPUs())
	assert.Equal(t, 1, accel.FPOutputDevice().PerDevice())
	assert.Equal(t, host.Activations().LocalData(), accel.Activations().LocalData())
	assert.Equal(t, host.BPOutput().LocalData(), accel.BPOutput().LocalData())
}

func TestGPURequestWithoutSupport(t *testing.T) {
	cfg := Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: 2, UseGPUs: true}
	assert.False(t, mustLayer(t, cfg, nil, &reluKernel{}, nil).UsingGPUs())
	assert.False(t, mustLayer(t, cfg, nil, &copyKernel{}, device.NewSimManager(1, device.SimConfig{})).UsingGPUs())
	assert.Nil(t, mustLayer(t, cfg, nil, &copyKernel{}, nil).FPOutputDevice())
}

func TestDeviceAllocationFailure(t *testing.T) {
	mgr := device.NewManager(device.NewSim(device.SimConfig{Capacity: 4}))
	cfg := Config{Type: Activation, NumNeurons: 8, NumPrevNeurons: 8, UseGPUs: true}
	l := mustLayer(t, cfg, nil, &reluKernel{}, mgr)
	err := l.Setup(context.Background(), 4)
	require.ErrorIs(t, err, ErrResource)
	require.ErrorIs(t, err, device.ErrOutOfMemory)
	assert.False(t, l.IsSetup())
}

type failingDevice struct{ reluKernel }

func (k *failingDevice) FPComputeDevice(context.Context, *DevicePass) error {
	return errors.New("kernel launch failed")
}

func TestDeviceComputeFailureIsTransferError(t *testing.T) {
	cfg := Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: 2, UseGPUs: true}
	l := mustLayer(t, cfg, nil, &failingDevice{}, device.NewSimManager(1, device.SimConfig{}))
	require.NoError(t, l.Setup(context.Background(), 2))
	require.ErrorIs(t, l.ForwardProp(context.Background()), ErrTransfer)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	l := mustLayer(t, Config{Index: 3, Type: Activation, NumNeurons: 2, NumPrevNeurons: 2}, nil, &copyKernel{}, nil)
	require.NoError(t, l.Setup(ctx, 2))
	require.NoError(t, l.ForwardProp(ctx))

	rec := summary.NewRecorder()
	require.NoError(t, l.Summarize(ctx, summary.New(comm.Self(), rec), 10))
	assert.Equal(t, []string{
		"layer3/bp_compute_time", "layer3/bp_time", "layer3/fp_compute_time", "layer3/fp_time", "layer3/update_time",
	}, rec.Tags())
	fp, _ := rec.Last("layer3/fp_time")
	assert.Equal(t, l.Counters().FP.Seconds(), fp)
}

func TestSummarizeAveragesTimingsOverRanks(t *testing.T) {
	rec := summary.NewRecorder()
	err := comm.Run(context.Background(), 2, func(ctx context.Context, g comm.Group) error {
		l, err := newLayer(Config{Index: 1, Type: Activation, NumNeurons: 2, NumPrevNeurons: 2}, g, &copyKernel{}, nil)
		if err != nil {
			return err
		}
		l.counters.FP = time.Duration(g.Rank()+1) * time.Second
		return l.Summarize(ctx, summary.New(g, rec), 4)
	})
	require.NoError(t, err)
	fp, ok := rec.Last("layer1/fp_time")
	require.True(t, ok)
	assert.Equal(t, 1.5, fp)
}

func TestDefaultHooks(t *testing.T) {
	ctx := context.Background()
	l := mustLayer(t, Config{Type: Activation, NumNeurons: 2, NumPrevNeurons: 2}, nil, &copyKernel{}, nil)
	require.NoError(t, l.EpochPrint(ctx))
	l.EpochReset()
	diff, err := l.CheckGradientMB(ctx, nil, 1e-4)
	require.NoError(t, err)
	assert.Zero(t, diff)
	require.NoError(t, l.SaveToFile(nil))
	require.NoError(t, l.LoadFromFile(nil))
	assert.Nil(t, l.SampleIndicesPerMB())

	l.SetName("act")
	l.SetIndex(7)
	l.SetExecutionMode(Validation)
	assert.Equal(t, "activation(7, act)", l.String())
	assert.Equal(t, Validation, l.ExecutionMode())
}
