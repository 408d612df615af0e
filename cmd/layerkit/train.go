package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/device"
	"github.com/born-ml/layerkit/internal/device/webgpu"
	"github.com/born-ml/layerkit/internal/kinds"
	"github.com/born-ml/layerkit/internal/model"
	"github.com/born-ml/layerkit/internal/summary"
)

// devices opens the accelerators for one rank. The returned release
// function must be called once the model is closed.
func devices(c RunConfig) (*device.Manager, func(), error) {
	switch c.Device {
	case "sim":
		return device.NewSimManager(c.Devices, device.SimConfig{}), func() {}, nil
	case "webgpu":
		d, err := webgpu.New()
		if err != nil {
			return nil, nil, err
		}
		return device.NewManager(d), d.Release, nil
	default:
		return nil, func() {}, nil
	}
}

// train runs c on c.Ranks in-process ranks. Rank 0 writes one line per
// epoch to out and the checkpoint, if any.
func train(ctx context.Context, c RunConfig, logger *slog.Logger, out io.Writer) error {
	ds, err := c.Dataset()
	if err != nil {
		return err
	}
	return comm.Run(ctx, c.Ranks, func(ctx context.Context, g comm.Group) error {
		root := g.Rank() == 0
		reader, err := kinds.NewReader(ds, c.Minibatch, c.Shuffle, c.Seed)
		if err != nil {
			return err
		}
		mgr, release, err := devices(c)
		if err != nil {
			return err
		}
		defer release()

		m, err := model.New(model.Config{Reader: reader, Devices: mgr, Logger: logger}, g, c.Layers())
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Setup(ctx); err != nil {
			return err
		}

		sum := summary.New(g, summary.LogSink{Logger: logger, Level: slog.LevelDebug})
		for range c.Epochs {
			s, err := m.TrainEpoch(ctx)
			if err != nil {
				return err
			}
			if c.Summary {
				if err := m.Summarize(ctx, sum); err != nil {
					return err
				}
			}
			if root {
				fmt.Fprintf(out, "epoch %d: loss %.4f accuracy %.4f samples %d\n", s.Epoch, s.Loss, s.Accuracy, s.Samples)
			}
		}

		s, err := m.Evaluate(ctx)
		if err != nil {
			return err
		}
		if root {
			fmt.Fprintf(out, "eval: loss %.4f accuracy %.4f\n", s.Loss, s.Accuracy)
		}

		if c.Checkpoint == "" {
			return nil
		}
		return saveCheckpoint(ctx, m, c.Checkpoint, root)
	})
}

func saveCheckpoint(ctx context.Context, m *model.Model, path string, root bool) (err error) {
	if !root {
		return m.SaveCheckpoint(ctx, nil)
	}
	f, cerr := os.Create(path)
	if cerr != nil {
		// Every rank has to take part in the save.
		return m.SaveCheckpoint(ctx, failingWriter{cerr})
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return m.SaveCheckpoint(ctx, f)
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }
