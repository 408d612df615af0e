package kinds

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// xavier returns an out x in matrix drawn from the Glorot uniform
// distribution U(-sqrt(6/(in+out)), sqrt(6/(in+out))).
func xavier(out, in int, rng *rand.Rand) *mat.Dense {
	bound := math.Sqrt(6.0 / float64(in+out))
	data := make([]float64, out*in)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
	return mat.NewDense(out, in, data)
}

// newRand returns a deterministic generator. Ranks that pass the same
// seeds draw the same sequence.
func newRand(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}
