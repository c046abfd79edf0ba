package sdruntime

import "math/rand/v2"

// pcgStream selects the PCG stream; the seed selects the state.
const pcgStream = 0x9e3779b97f4a7c15

// Generator is the single random source of one batch. Every image in the
// batch draws from it in order, so batch outputs depend on their position.
// A Generator is not safe for concurrent use.
type Generator struct {
	seed int64
	rng  *rand.Rand
}

// NewGenerator seeds a PCG generator.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		seed: seed,
		rng:  rand.New(rand.NewPCG(uint64(seed), pcgStream)),
	}
}

// Seed returns the value the generator was created with.
func (g *Generator) Seed() int64 {
	return g.seed
}

func (g *Generator) NormFloat64() float64 {
	return g.rng.NormFloat64()
}

func (g *Generator) Float64() float64 {
	return g.rng.Float64()
}

func (g *Generator) Uint64() uint64 {
	return g.rng.Uint64()
}
