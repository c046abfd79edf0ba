package predictor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"flux_backend/artifacts"
	"flux_backend/core"
	"flux_backend/geometry"
	"flux_backend/sdruntime"

	"github.com/go-playground/validator/v10"
)

// DefaultAdapter is attached when a request does not name any adapters.
const DefaultAdapter = "Cyberpunk Anime.safetensors"

// MaxTargetEdge is the largest accepted target_width or target_height and
// matches the lte bound in the binding tags.
const MaxTargetEdge = 8192

// Prediction ids name artifacts and key the history table.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID checks a caller-supplied prediction id.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id must be 1-64 letters, digits, '-' or '_'", core.ErrInvalidParameter)
	}
	return nil
}

// Request is one prediction input. Field names follow the cog predictor
// schema; the binding tags are enforced both by gin and by Validate.
type Request struct {
	Prompt         string  `json:"prompt" binding:"required"`
	AspectRatio    string  `json:"aspect_ratio"`
	Image          string  `json:"image,omitempty"`
	PromptStrength float64 `json:"prompt_strength" binding:"gte=0,lte=1"`

	NumOutputs        int     `json:"num_outputs" binding:"gte=1,lte=4"`
	NumInferenceSteps int     `json:"num_inference_steps" binding:"gte=1,lte=50"`
	GuidanceScale     float64 `json:"guidance_scale" binding:"gte=0,lte=10"`
	Seed              *int64  `json:"seed,omitempty" binding:"omitempty,gte=0"`

	OutputFormat  string `json:"output_format" binding:"required"`
	OutputQuality int    `json:"output_quality" binding:"gte=0,lte=100"`

	HFLoras    []string  `json:"hf_loras"`
	LoraScales []float64 `json:"lora_scales,omitempty"`

	DisableSafetyChecker bool `json:"disable_safety_checker"`

	TargetWidth  int `json:"target_width" binding:"gt=0,lte=8192"`
	TargetHeight int `json:"target_height" binding:"gt=0,lte=8192"`
}

// DefaultRequest returns the defaults a decoded body is layered over.
func DefaultRequest() Request {
	return Request{
		AspectRatio:       geometry.DefaultAspectRatio,
		PromptStrength:    0.5,
		NumOutputs:        1,
		NumInferenceSteps: 4,
		GuidanceScale:     5.0,
		OutputFormat:      string(artifacts.FormatWebP),
		OutputQuality:     artifacts.DefaultQuality,
		HFLoras:           []string{DefaultAdapter},
		TargetWidth:       2048,
		TargetHeight:      2048,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// requestValidator shares gin's tag name so one set of tags drives both.
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.SetTagName("binding")
	})
	return validate
}

// Validate checks every field. Failures wrap core.ErrInvalidParameter.
func (r *Request) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", core.ErrInvalidParameter, describe(verrs))
		}
		return fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
	}

	if err := sdruntime.ValidatePrompt(r.Prompt); err != nil {
		return err
	}
	if r.Image == "" && r.AspectRatio != "" && !geometry.IsAspectRatio(r.AspectRatio) {
		return fmt.Errorf("%w: aspect_ratio %q must be one of %s",
			core.ErrInvalidParameter, r.AspectRatio, strings.Join(geometry.AspectRatios(), ", "))
	}
	if _, err := artifacts.ParseFormat(r.OutputFormat); err != nil {
		return err
	}
	if err := artifacts.ValidateQuality(r.OutputQuality); err != nil {
		return err
	}
	return nil
}

// describe renders validator errors with the JSON field names callers sent.
func describe(verrs validator.ValidationErrors) string {
	jsonNames := map[string]string{
		"Prompt":            "prompt",
		"PromptStrength":    "prompt_strength",
		"NumOutputs":        "num_outputs",
		"NumInferenceSteps": "num_inference_steps",
		"GuidanceScale":     "guidance_scale",
		"Seed":              "seed",
		"OutputFormat":      "output_format",
		"OutputQuality":     "output_quality",
		"TargetWidth":       "target_width",
		"TargetHeight":      "target_height",
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := jsonNames[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		switch fe.Tag() {
		case "required":
			parts = append(parts, name+" is required")
		case "gte":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", name, fe.Param()))
		case "lte":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", name, fe.Param()))
		case "gt":
			parts = append(parts, fmt.Sprintf("%s must be greater than %s", name, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
