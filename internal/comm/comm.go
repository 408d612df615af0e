// Package comm provides the process group used by distributed layers.
//
// A Group is one member of a set of cooperating ranks. Every rank owns a
// shard of each distributed matrix and takes part in the collectives that
// the matrix layout implies (redistribution, gradient reduction, checkpoint
// gathering). Collectives are blocking: a rank returns from a collective
// only after every rank of the group has entered it.
//
// Two implementations are provided:
//   - Self: the trivial single-rank group
//   - NewWorld: n in-process ranks that rendezvous through shared memory,
//     one goroutine per rank (see Run)
package comm

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrCollectiveMismatch = errors.New("comm: ranks entered different collectives")
	ErrInvalidRank        = errors.New("comm: invalid rank")
	ErrLengthMismatch     = errors.New("comm: contribution length mismatch")
)

// Group is a handle to a distributed process group.
//
// All collectives must be entered by every rank of the group in the same
// order. A failed collective leaves the group unusable; callers treat it as
// fatal and restart from a checkpoint.
type Group interface {
	// Rank returns this member's rank in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// AllReduceSum replaces buf on every rank with the element-wise sum of
	// all ranks' buf. All ranks must pass slices of the same length.
	AllReduceSum(ctx context.Context, buf []float64) error

	// AllGather returns every rank's contribution, indexed by rank.
	// Contributions may differ in length.
	AllGather(ctx context.Context, local []float64) ([][]float64, error)

	// Broadcast returns root's buf on every rank. Non-root ranks may pass nil.
	Broadcast(ctx context.Context, root int, buf []float64) ([]float64, error)

	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error
}

// self is the single-rank group.
type self struct{}

// Self returns a group containing only the calling process.
func Self() Group {
	return self{}
}

func (self) Rank() int { return 0 }
func (self) Size() int { return 1 }

func (self) AllReduceSum(_ context.Context, _ []float64) error { return nil }

func (self) AllGather(_ context.Context, local []float64) ([][]float64, error) {
	return [][]float64{clone(local)}, nil
}

func (self) Broadcast(_ context.Context, root int, buf []float64) ([]float64, error) {
	if root != 0 {
		return nil, ErrInvalidRank
	}
	return clone(buf), nil
}

func (self) Barrier(_ context.Context) error { return nil }

func clone(buf []float64) []float64 {
	if buf == nil {
		return nil
	}
	out := make([]float64, len(buf))
	copy(out, buf)
	return out
}
