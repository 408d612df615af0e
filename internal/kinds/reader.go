package kinds

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Reader walks a Dataset in mini-batches. Input and target layers of one
// model share a Reader; the input layer advances it in its update step.
//
// Every rank builds its own Reader with the same seed, so all ranks agree
// on the sample order without communicating.
type Reader struct {
	ds      Dataset
	batch   int
	shuffle bool
	rng     *rand.Rand
	order   []int
	pos     int
	epoch   int
}

// NewReader creates a reader producing mini-batches of batch samples.
func NewReader(ds Dataset, batch int, shuffle bool, seed uint64) (*Reader, error) {
	if ds.Len() == 0 {
		return nil, errors.New("kinds: empty dataset")
	}
	if batch <= 0 {
		return nil, fmt.Errorf("kinds: mini-batch size %d", batch)
	}
	r := &Reader{
		ds:      ds,
		batch:   batch,
		shuffle: shuffle,
		rng:     newRand(seed, 1),
		order:   make([]int, ds.Len()),
	}
	for i := range r.order {
		r.order[i] = i
	}
	r.permute()
	return r, nil
}

func (r *Reader) permute() {
	if r.shuffle {
		r.rng.Shuffle(len(r.order), func(i, j int) { r.order[i], r.order[j] = r.order[j], r.order[i] })
	}
}

// Dataset returns the underlying dataset.
func (r *Reader) Dataset() Dataset { return r.ds }

// MinibatchSize returns the configured mini-batch size.
func (r *Reader) MinibatchSize() int { return r.batch }

// CurrentMinibatchSize returns the size of the current mini-batch, which
// is smaller than the configured size at the end of an epoch.
func (r *Reader) CurrentMinibatchSize() int {
	return min(r.batch, len(r.order)-r.pos)
}

// Sample returns the dataset index of column j of the current mini-batch.
func (r *Reader) Sample(j int) int { return r.order[r.pos+j] }

// Position returns the offset of the current mini-batch in the epoch.
func (r *Reader) Position() int { return r.pos }

// Epoch returns the number of completed epochs.
func (r *Reader) Epoch() int { return r.epoch }

// Advance moves to the next mini-batch. It reports true when that ends
// the epoch, in which case the reader restarts from the first mini-batch.
func (r *Reader) Advance() bool {
	r.pos += r.batch
	if r.pos < len(r.order) {
		return false
	}
	r.pos = 0
	r.epoch++
	r.permute()
	return true
}

// Reset restarts the current epoch from its first mini-batch.
func (r *Reader) Reset() { r.pos = 0 }
