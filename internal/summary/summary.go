// Package summary collects per-step training statistics.
//
// A Summarizer reduces values across the ranks of a group and hands the
// result to a Sink on rank 0. Scalars are recorded as given; matrix
// statistics are collectives and must be entered by every rank.
package summary

import (
	"context"
	"fmt"
	"math"

	"github.com/born-ml/layerkit/internal/comm"
	"github.com/born-ml/layerkit/internal/dist"
	"gonum.org/v1/gonum/floats"
)

// Sink receives reduced values.
type Sink interface {
	Record(tag string, value float64, step int)
}

// Summarizer reduces statistics across a group and records them on rank 0.
type Summarizer struct {
	group comm.Group
	sink  Sink
}

// New creates a summarizer writing to sink.
func New(g comm.Group, sink Sink) *Summarizer {
	return &Summarizer{group: g, sink: sink}
}

func (s *Summarizer) record(tag string, v float64, step int) {
	if s.group.Rank() == 0 {
		s.sink.Record(tag, v, step)
	}
}

// RecordScalar records rank 0's value as is. Use it for values that are
// already identical on every rank.
func (s *Summarizer) RecordScalar(tag string, v float64, step int) {
	s.record(tag, v, step)
}

// MeanScalar records the mean of v over all ranks.
func (s *Summarizer) MeanScalar(ctx context.Context, tag string, v float64, step int) error {
	buf := []float64{v}
	if err := s.group.AllReduceSum(ctx, buf); err != nil {
		return fmt.Errorf("summary: %s: %w", tag, err)
	}
	s.record(tag, buf[0]/float64(s.group.Size()), step)
	return nil
}

// SumScalar records the sum of v over all ranks.
func (s *Summarizer) SumScalar(ctx context.Context, tag string, v float64, step int) error {
	buf := []float64{v}
	if err := s.group.AllReduceSum(ctx, buf); err != nil {
		return fmt.Errorf("summary: %s: %w", tag, err)
	}
	s.record(tag, buf[0], step)
	return nil
}

func (s *Summarizer) moments(ctx context.Context, tag string, m *dist.Matrix) (n, sum, sumSq float64, err error) {
	local := m.LocalData()
	buf := []float64{float64(len(local)), floats.Sum(local), floats.Dot(local, local)}
	if err := s.group.AllReduceSum(ctx, buf); err != nil {
		return 0, 0, 0, fmt.Errorf("summary: %s: %w", tag, err)
	}
	return buf[0], buf[1], buf[2], nil
}

// ReduceMean records the mean of every element of m.
func (s *Summarizer) ReduceMean(ctx context.Context, tag string, m *dist.Matrix, step int) error {
	n, sum, _, err := s.moments(ctx, tag, m)
	if err != nil {
		return err
	}
	s.record(tag, sum/n, step)
	return nil
}

// ReduceStdev records the population standard deviation of m.
func (s *Summarizer) ReduceStdev(ctx context.Context, tag string, m *dist.Matrix, step int) error {
	n, sum, sumSq, err := s.moments(ctx, tag, m)
	if err != nil {
		return err
	}
	mean := sum / n
	s.record(tag, math.Sqrt(math.Max(0, sumSq/n-mean*mean)), step)
	return nil
}

// ReduceMin records the minimum element of m.
func (s *Summarizer) ReduceMin(ctx context.Context, tag string, m *dist.Matrix, step int) error {
	return s.extreme(ctx, tag, m, step, floats.Min, math.Inf(1))
}

// ReduceMax records the maximum element of m.
func (s *Summarizer) ReduceMax(ctx context.Context, tag string, m *dist.Matrix, step int) error {
	return s.extreme(ctx, tag, m, step, floats.Max, math.Inf(-1))
}

func (s *Summarizer) extreme(ctx context.Context, tag string, m *dist.Matrix, step int,
	pick func([]float64) float64, empty float64) error {
	local := empty
	if data := m.LocalData(); len(data) > 0 {
		local = pick(data)
	}
	parts, err := s.group.AllGather(ctx, []float64{local})
	if err != nil {
		return fmt.Errorf("summary: %s: %w", tag, err)
	}
	all := make([]float64, len(parts))
	for i, p := range parts {
		all[i] = p[0]
	}
	s.record(tag, pick(all), step)
	return nil
}
