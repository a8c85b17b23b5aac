package sampling

import (
	"fmt"
	"math/rand/v2"
)

// rngStateSize is the length of a marshaled PCG state.
const rngStateSize = 20

// RNGStateSize is the size probe for the per-sequence RNG region, in bytes.
func RNGStateSize() int {
	return rngStateSize
}

// RNG keeps one PCG state per sequence in arena memory. Each draw loads the
// state, advances it and stores it back, so a sequence's stream depends only
// on its seed and the number of draws.
type RNG struct {
	states []byte
	batch  int
}

func NewRNG(region []byte, batch int) (*RNG, error) {
	if len(region) < batch*rngStateSize {
		return nil, fmt.Errorf("rng: region holds %d bytes, need %d", len(region), batch*rngStateSize)
	}
	return &RNG{states: region, batch: batch}, nil
}

func (r *RNG) slot(b int) []byte {
	off := b * rngStateSize
	return r.states[off : off : off+rngStateSize]
}

// Seed initializes sequence b's state from (seed, b) for every sequence.
func (r *RNG) Seed(seed uint64) error {
	for b := 0; b < r.batch; b++ {
		if err := r.store(b, rand.NewPCG(seed, uint64(b))); err != nil {
			return err
		}
	}
	return nil
}

func (r *RNG) store(b int, p *rand.PCG) error {
	out, err := p.AppendBinary(r.slot(b))
	if err != nil {
		return fmt.Errorf("rng: store sequence %d: %w", b, err)
	}
	if len(out) != rngStateSize {
		return fmt.Errorf("rng: sequence %d state is %d bytes", b, len(out))
	}
	return nil
}

// Float64 draws a uniform value in [0, 1) from sequence b's stream.
func (r *RNG) Float64(b int) (float64, error) {
	if b < 0 || b >= r.batch {
		return 0, fmt.Errorf("rng: sequence %d out of range [0, %d)", b, r.batch)
	}
	var p rand.PCG
	if err := p.UnmarshalBinary(r.slot(b)[:rngStateSize]); err != nil {
		return 0, fmt.Errorf("rng: load sequence %d: %w", b, err)
	}
	u := rand.New(&p).Float64()
	if err := r.store(b, &p); err != nil {
		return 0, err
	}
	return u, nil
}
