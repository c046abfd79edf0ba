package sdruntime

import (
	"fmt"
	"image"

	"flux_backend/core"
	"flux_backend/geometry"
	"flux_backend/vision"
)

// Parameter bounds accepted by the engine.
const (
	MinSteps = 1
	MaxSteps = 50

	MinGuidance = 0.0
	MaxGuidance = 10.0

	MinBatchSize = 1
	MaxBatchSize = 4

	DefaultMaxSequenceLength = 512
)

// Mode is the generation mode, chosen by the presence of a seed image.
type Mode int

const (
	ModeSynthesis Mode = iota
	ModeConditioned
)

func (m Mode) String() string {
	switch m {
	case ModeSynthesis:
		return "txt2img"
	case ModeConditioned:
		return "img2img"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Adapter is one attached adapter and the scale it is applied at.
type Adapter struct {
	Handle string
	Scale  float64
}

// GenerateParams is the fully resolved input of one batched backend call.
type GenerateParams struct {
	Prompt            string
	Width             int
	Height            int
	Steps             int
	Guidance          float64
	Seed              int64
	BatchSize         int
	MaxSequenceLength int

	// JointAttentionScale is set to 1.0 while adapters are active and nil otherwise.
	JointAttentionScale *float64

	// Conditioning is the [-1, 1] seed image tensor, nil for plain synthesis.
	Conditioning *vision.Tensor
	Strength     float64
}

// Mode reports which handler the params are meant for.
func (p GenerateParams) Mode() Mode {
	if p.Conditioning != nil {
		return ModeConditioned
	}
	return ModeSynthesis
}

// ValidateParams checks every bound the backends rely on.
func ValidateParams(p GenerateParams) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}

	if !(geometry.Geometry{Width: p.Width, Height: p.Height}).Aligned(geometry.Alignment) {
		return fmt.Errorf("%w: %dx%d must be positive multiples of %d",
			core.ErrInvalidParameter, p.Width, p.Height, geometry.Alignment)
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: num_inference_steps %d must be between %d and %d",
			core.ErrInvalidParameter, p.Steps, MinSteps, MaxSteps)
	}
	if p.Guidance < MinGuidance || p.Guidance > MaxGuidance {
		return fmt.Errorf("%w: guidance_scale %.2f must be between %.0f and %.0f",
			core.ErrInvalidParameter, p.Guidance, MinGuidance, MaxGuidance)
	}
	if p.BatchSize < MinBatchSize || p.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: num_outputs %d must be between %d and %d",
			core.ErrInvalidParameter, p.BatchSize, MinBatchSize, MaxBatchSize)
	}
	if p.MaxSequenceLength <= 0 || p.MaxSequenceLength > DefaultMaxSequenceLength {
		return fmt.Errorf("%w: max_sequence_length %d must be between 1 and %d",
			core.ErrInvalidParameter, p.MaxSequenceLength, DefaultMaxSequenceLength)
	}
	if p.Seed < 0 {
		return fmt.Errorf("%w: seed %d must be non-negative", core.ErrInvalidParameter, p.Seed)
	}

	if p.Conditioning != nil {
		if p.Strength < 0 || p.Strength > 1 {
			return fmt.Errorf("%w: prompt_strength %.2f must be between 0 and 1", core.ErrInvalidParameter, p.Strength)
		}
		c := p.Conditioning
		if c.Channels != 3 || c.Width != p.Width || c.Height != p.Height || len(c.Data) != 3*c.Width*c.Height {
			return fmt.Errorf("%w: conditioning tensor %dx%dx%d does not match %dx%d",
				core.ErrInvalidParameter, c.Channels, c.Height, c.Width, p.Height, p.Width)
		}
	}
	return nil
}

// Verdict is the safety classification of a candidate.
type Verdict int

const (
	VerdictUnchecked Verdict = iota
	VerdictSafe
	VerdictUnsafe
)

func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictUnsafe:
		return "unsafe"
	default:
		return "unchecked"
	}
}

// Candidate is one generated image and its position in the batch.
type Candidate struct {
	Index   int
	Image   image.Image
	Verdict Verdict
}
