package summary

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/dist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceStatistics(t *testing.T) {
	rec := NewRecorder()
	err := comm.Run(context.Background(), 3, func(ctx context.Context, g comm.Group) error {
		m, err := dist.New(g, dist.ModelParallel, 4, 2)
		if err != nil {
			return err
		}
		// Values 0..7.
		m.Fill(func(i, j int) float64 { return float64(2*i + j) })

		s := New(g, rec)
		for _, f := range []func(context.Context, string, *dist.Matrix, int) error{
			s.ReduceMean, s.ReduceMin, s.ReduceMax, s.ReduceStdev,
		} {
			if err := f(ctx, "x", m, 1); err != nil {
				return err
			}
		}
		s.RecordScalar("lr", 0.1, 1)
		if err := s.SumScalar(ctx, "rank_sum", float64(g.Rank()), 1); err != nil {
			return err
		}
		return s.MeanScalar(ctx, "rank_mean", float64(g.Rank()), 1)
	})
	require.NoError(t, err)

	entries := rec.Entries()
	require.Len(t, entries, 7, "only rank 0 records")
	assert.Equal(t, 3.5, entries[0].Value)
	assert.Equal(t, 0.0, entries[1].Value)
	assert.Equal(t, 7.0, entries[2].Value)
	assert.InDelta(t, math.Sqrt(5.25), entries[3].Value, 1e-12)

	v, ok := rec.Last("rank_sum")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
	v, ok = rec.Last("rank_mean")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, []string{"lr", "rank_mean", "rank_sum", "x"}, rec.Tags())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil)), Level: slog.LevelInfo}
	New(comm.Self(), sink).RecordScalar("layer0/fp_time", 0.25, 7)
	assert.Contains(t, buf.String(), "tag=layer0/fp_time")
	assert.Contains(t, buf.String(), "step=7")
}
