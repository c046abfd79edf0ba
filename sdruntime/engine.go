package sdruntime

import (
	"context"
	"fmt"
	"image"
	"sync"

	"flux_backend/core"
	"flux_backend/geometry"
	"flux_backend/vision"
)

// Synthesis generates from text alone.
type Synthesis struct {
	weights *Weights
	once    sync.Once
}

// NewSynthesis retains w for the lifetime of the handler.
func NewSynthesis(w *Weights) (*Synthesis, error) {
	if err := w.Retain(); err != nil {
		return nil, err
	}
	return &Synthesis{weights: w}, nil
}

// Run generates params.BatchSize images. Any conditioning is ignored.
func (s *Synthesis) Run(ctx context.Context, params GenerateParams, gen *Generator) ([]image.Image, error) {
	params.Conditioning = nil
	params.Strength = 0
	return s.weights.denoise(ctx, DenoiseRequest{GenerateParams: params, Generator: gen})
}

// Close releases the handler's reference.
func (s *Synthesis) Close() error {
	var err error
	s.once.Do(func() { err = s.weights.Release() })
	return err
}

// ConditionedSynthesis generates from text plus a seed image at a
// denoising strength.
type ConditionedSynthesis struct {
	weights *Weights
	once    sync.Once
}

// NewConditionedSynthesis retains w for the lifetime of the handler.
func NewConditionedSynthesis(w *Weights) (*ConditionedSynthesis, error) {
	if err := w.Retain(); err != nil {
		return nil, err
	}
	return &ConditionedSynthesis{weights: w}, nil
}

// Run generates params.BatchSize images from cond at strength.
func (c *ConditionedSynthesis) Run(ctx context.Context, params GenerateParams, cond vision.Tensor, strength float64, gen *Generator) ([]image.Image, error) {
	params.Conditioning = &cond
	params.Strength = strength
	return c.weights.denoise(ctx, DenoiseRequest{GenerateParams: params, Generator: gen})
}

func (c *ConditionedSynthesis) Close() error {
	var err error
	c.once.Do(func() { err = c.weights.Release() })
	return err
}

// Request is one engine call as seen by the orchestrator.
type Request struct {
	Prompt   string
	Geometry geometry.Geometry
	// SeedImage selects conditioned synthesis when non-nil.
	SeedImage image.Image
	Strength  float64
	Steps     int
	Guidance  float64
	// Seed is drawn from crypto/rand when nil.
	Seed      *int64
	BatchSize int
}

// Result is the engine output.
type Result struct {
	Seed       int64
	Mode       Mode
	Candidates []Candidate
}

// Engine selects the generation mode and owns the determinism contract.
type Engine struct {
	weights     *Weights
	synthesis   *Synthesis
	conditioned *ConditionedSynthesis
	maxSeqLen   int
	closeOnce   sync.Once
}

// NewEngine builds both mode handlers over w. The engine holds its own
// references; the caller keeps ownership of the one it passed in.
func NewEngine(w *Weights, maxSequenceLength int) (*Engine, error) {
	if maxSequenceLength <= 0 {
		maxSequenceLength = DefaultMaxSequenceLength
	}
	synthesis, err := NewSynthesis(w)
	if err != nil {
		return nil, err
	}
	conditioned, err := NewConditionedSynthesis(w)
	if err != nil {
		synthesis.Close()
		return nil, err
	}
	return &Engine{
		weights:     w,
		synthesis:   synthesis,
		conditioned: conditioned,
		maxSeqLen:   maxSequenceLength,
	}, nil
}

// Weights returns the shared handle the adapter manager mutates.
func (e *Engine) Weights() *Weights {
	return e.weights
}

// SelectMode picks conditioned synthesis when a seed image is present.
func SelectMode(req Request) Mode {
	if req.SeedImage != nil {
		return ModeConditioned
	}
	return ModeSynthesis
}

// Generate produces exactly req.BatchSize candidates or fails with
// core.ErrGenerationFailed. One Generator seeded from req.Seed drives the
// whole batch.
func (e *Engine) Generate(ctx context.Context, req Request) (*Result, error) {
	seed, err := resolveSeed(req.Seed)
	if err != nil {
		return nil, err
	}

	params := GenerateParams{
		Prompt:            req.Prompt,
		Width:             req.Geometry.Width,
		Height:            req.Geometry.Height,
		Steps:             req.Steps,
		Guidance:          req.Guidance,
		Seed:              seed,
		BatchSize:         req.BatchSize,
		MaxSequenceLength: e.maxSeqLen,
	}

	mode := SelectMode(req)
	var cond vision.Tensor
	if mode == ModeConditioned {
		cond, err = vision.PrepareConditioning(req.SeedImage, params.Width, params.Height)
		if err != nil {
			return nil, fmt.Errorf("%w: seed image: %v", core.ErrInvalidParameter, err)
		}
		params.Conditioning = &cond
		params.Strength = req.Strength
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}

	gen := NewGenerator(seed)
	var images []image.Image
	switch mode {
	case ModeConditioned:
		images, err = e.conditioned.Run(ctx, params, cond, req.Strength, gen)
	default:
		images, err = e.synthesis.Run(ctx, params, gen)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrGenerationFailed, err)
	}
	if len(images) != req.BatchSize {
		return nil, fmt.Errorf("%w: backend returned %d images, want %d",
			core.ErrGenerationFailed, len(images), req.BatchSize)
	}

	candidates := make([]Candidate, len(images))
	for i, img := range images {
		if img == nil {
			return nil, fmt.Errorf("%w: backend returned no image at index %d", core.ErrGenerationFailed, i)
		}
		candidates[i] = Candidate{Index: i, Image: img}
	}
	return &Result{Seed: seed, Mode: mode, Candidates: candidates}, nil
}

// Close releases both handlers' references.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err1 := e.synthesis.Close()
		err2 := e.conditioned.Close()
		if err1 != nil {
			err = err1
		} else {
			err = err2
		}
	})
	return err
}

func resolveSeed(seed *int64) (int64, error) {
	if seed != nil {
		if *seed < 0 {
			return 0, fmt.Errorf("%w: seed %d must be non-negative", core.ErrInvalidParameter, *seed)
		}
		return *seed, nil
	}
	s, err := RandomSeed()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", core.ErrGenerationFailed, err)
	}
	return s, nil
}
