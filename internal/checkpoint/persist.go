package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/born-ml/layerkit/internal/comm"
)

// Root is the rank that owns the shared stream.
const Root = 0

// Persist is a checkpoint stream shared by every rank of a group.
//
// Only the root rank touches the underlying writer or reader; the other
// ranks may construct their Persist with a nil stream. Every method is a
// collective and must be called by all ranks in the same order.
type Persist struct {
	group comm.Group
	w     io.Writer
	r     io.Reader
	bytes int64
}

// NewPersistWriter returns a shared stream for saving.
func NewPersistWriter(g comm.Group, w io.Writer) *Persist {
	return &Persist{group: g, w: w}
}

// NewPersistReader returns a shared stream for loading.
func NewPersistReader(g comm.Group, r io.Reader) *Persist {
	return &Persist{group: g, r: r}
}

// Group returns the group sharing the stream.
func (p *Persist) Group() comm.Group { return p.group }

// IsRoot reports whether this rank owns the stream.
func (p *Persist) IsRoot() bool { return p.group.Rank() == Root }

// Bytes returns the bytes the root has moved through the stream so far.
// It is zero on other ranks.
func (p *Persist) Bytes() int64 { return p.bytes }

// Save appends rec to the stream. Only the root's rec is used; other ranks
// may pass nil. The root's outcome is shared so that every rank returns an
// error if the write failed.
func (p *Persist) Save(ctx context.Context, rec *Record) error {
	var werr error
	if p.IsRoot() {
		switch {
		case p.w == nil:
			werr = fmt.Errorf("%w: no writer on root", ErrCheckpoint)
		case rec == nil:
			werr = fmt.Errorf("%w: no record on root", ErrCheckpoint)
		default:
			rec.Header.Shared = true
			var n int64
			n, werr = Encode(p.w, rec)
			p.bytes += n
		}
	}
	return p.agree(ctx, werr)
}

// Load reads the next record from the stream and returns it on every rank.
func (p *Persist) Load(ctx context.Context) (*Record, error) {
	var (
		rec  *Record
		rerr error
	)
	if p.IsRoot() {
		if p.r == nil {
			rerr = fmt.Errorf("%w: no reader on root", ErrCheckpoint)
		} else {
			var n int64
			rec, n, rerr = Decode(p.r)
			p.bytes += n
			if rerr == nil && !rec.Header.Shared {
				rerr = &ValidationError{Type: "mode", Details: "record was not written in shared mode"}
			}
		}
	}

	// Status and header travel in one broadcast.
	var meta []float64
	if p.IsRoot() {
		meta = []float64{0}
		if rerr == nil {
			headerJSON, err := json.Marshal(rec.Header)
			if err != nil {
				rerr = fmt.Errorf("%w: marshal header: %w", ErrCheckpoint, err)
			} else {
				meta = append(meta, float64(rec.Flags))
				meta = appendBytes(meta, headerJSON)
				meta[0] = 1
			}
		}
	}
	meta, err := p.group.Broadcast(ctx, Root, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast header: %w", ErrCheckpoint, err)
	}
	if meta[0] != 1 {
		if rerr != nil {
			return nil, rerr
		}
		return nil, ErrRootFailed
	}
	if !p.IsRoot() {
		rec = &Record{Flags: uint32(meta[1])}
		if err := json.Unmarshal(bytesOf(meta[2:]), &rec.Header); err != nil {
			return nil, fmt.Errorf("%w: parse header: %w", ErrCheckpoint, err)
		}
	}

	var data []float64
	if p.IsRoot() {
		for _, t := range rec.Tensors {
			data = append(data, t.Data...)
		}
	}
	data, err = p.group.Broadcast(ctx, Root, data)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast tensors: %w", ErrCheckpoint, err)
	}
	if !p.IsRoot() {
		rec.Tensors = make([]Tensor, len(rec.Header.Tensors))
		var off int
		for i, meta := range rec.Header.Tensors {
			n := meta.Rows * meta.Cols
			if off+n > len(data) {
				return nil, &ValidationError{Type: "out_of_bounds", Tensor: meta.Name, Details: "broadcast data too short"}
			}
			rec.Tensors[i] = Tensor{Name: meta.Name, Rows: meta.Rows, Cols: meta.Cols, Data: data[off : off+n]}
			off += n
		}
	}
	return rec, nil
}

// agree broadcasts the root's error state and returns an error on every
// rank if the root failed.
func (p *Persist) agree(ctx context.Context, rootErr error) error {
	status := []float64{1}
	if rootErr != nil {
		status[0] = 0
	}
	got, err := p.group.Broadcast(ctx, Root, status)
	if err != nil {
		return fmt.Errorf("%w: broadcast status: %w", ErrCheckpoint, err)
	}
	if got[0] == 1 {
		return nil
	}
	if rootErr != nil {
		return rootErr
	}
	return ErrRootFailed
}

func appendBytes(dst []float64, b []byte) []float64 {
	for _, c := range b {
		dst = append(dst, float64(c))
	}
	return dst
}

func bytesOf(vals []float64) []byte {
	b := make([]byte, len(vals))
	for i, v := range vals {
		b[i] = byte(v)
	}
	return b
}
