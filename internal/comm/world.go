package comm

import (
	"context"
	"fmt"
	"sync"
)

type collective int

const (
	opAllReduce collective = iota
	opAllGather
	opBroadcast
	opBarrier
)

func (c collective) String() string {
	switch c {
	case opAllReduce:
		return "allreduce"
	case opAllGather:
		return "allgather"
	case opBroadcast:
		return "broadcast"
	case opBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// round is one collective in flight. Ranks deposit their contribution and
// wait for done; the last rank to arrive closes it.
type round struct {
	op      collective
	parts   [][]float64
	arrived int
	err     error
	done    chan struct{}
}

// world is the shared rendezvous state of an in-process group.
type world struct {
	size    int
	mu      sync.Mutex
	current *round
}

// Member is one rank of an in-process world.
type Member struct {
	w    *world
	rank int
}

// NewWorld creates an in-process group of n ranks.
// Each member must be driven by its own goroutine.
func NewWorld(n int) []*Member {
	if n <= 0 {
		panic(fmt.Sprintf("comm: world size must be positive, got %d", n))
	}
	w := &world{size: n}
	members := make([]*Member, n)
	for i := range members {
		members[i] = &Member{w: w, rank: i}
	}
	return members
}

// Rank implements Group.
func (m *Member) Rank() int { return m.rank }

// Size implements Group.
func (m *Member) Size() int { return m.w.size }

// exchange deposits data for the current round and returns all
// contributions once every rank has arrived.
func (w *world) exchange(ctx context.Context, rank int, op collective, data []float64) ([][]float64, error) {
	w.mu.Lock()
	r := w.current
	if r == nil {
		r = &round{
			op:    op,
			parts: make([][]float64, w.size),
			done:  make(chan struct{}),
		}
		w.current = r
	}
	if r.op != op && r.err == nil {
		r.err = fmt.Errorf("%w: rank %d entered %s while %s is in flight", ErrCollectiveMismatch, rank, op, r.op)
	}
	r.parts[rank] = clone(data)
	r.arrived++
	if r.arrived == w.size {
		w.current = nil
		close(r.done)
	}
	w.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.parts, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("comm: rank %d waiting in %s: %w", rank, op, ctx.Err())
	}
}

// AllReduceSum implements Group.
func (m *Member) AllReduceSum(ctx context.Context, buf []float64) error {
	parts, err := m.w.exchange(ctx, m.rank, opAllReduce, buf)
	if err != nil {
		return err
	}
	for r, p := range parts {
		if len(p) != len(buf) {
			return fmt.Errorf("%w: rank %d sent %d values, rank %d expects %d",
				ErrLengthMismatch, r, len(p), m.rank, len(buf))
		}
	}
	for i := range buf {
		var sum float64
		// Summation in rank order keeps every rank bit-identical.
		for _, p := range parts {
			sum += p[i]
		}
		buf[i] = sum
	}
	return nil
}

// AllGather implements Group.
func (m *Member) AllGather(ctx context.Context, local []float64) ([][]float64, error) {
	parts, err := m.w.exchange(ctx, m.rank, opAllGather, local)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(parts))
	for i, p := range parts {
		out[i] = clone(p)
	}
	return out, nil
}

// Broadcast implements Group.
func (m *Member) Broadcast(ctx context.Context, root int, buf []float64) ([]float64, error) {
	if root < 0 || root >= m.w.size {
		return nil, fmt.Errorf("%w: broadcast root %d in group of %d", ErrInvalidRank, root, m.w.size)
	}
	var data []float64
	if m.rank == root {
		data = buf
	}
	parts, err := m.w.exchange(ctx, m.rank, opBroadcast, data)
	if err != nil {
		return nil, err
	}
	return clone(parts[root]), nil
}

// Barrier implements Group.
func (m *Member) Barrier(ctx context.Context) error {
	_, err := m.w.exchange(ctx, m.rank, opBarrier, nil)
	return err
}
