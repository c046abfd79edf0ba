package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"flux_backend/vision"
)

// PreprocessorConfigFile is the file read from the feature-extractor directory.
const PreprocessorConfigFile = "preprocessor_config.json"

// FeatureExtractor turns candidates into classifier input.
type FeatureExtractor interface {
	Extract(images []image.Image) ([]vision.Tensor, error)
}

// CLIPExtractor produces CLIP pixel values.
type CLIPExtractor struct {
	opts vision.CLIPOptions
}

// NewCLIPExtractor validates opts.
func NewCLIPExtractor(opts vision.CLIPOptions) (*CLIPExtractor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &CLIPExtractor{opts: opts}, nil
}

// LoadCLIPExtractor reads dir/preprocessor_config.json. A missing directory
// or file yields the stock CLIP options.
func LoadCLIPExtractor(dir string) (*CLIPExtractor, error) {
	opts := vision.DefaultCLIPOptions()
	data, err := os.ReadFile(filepath.Join(dir, PreprocessorConfigFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return NewCLIPExtractor(opts)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", PreprocessorConfigFile, err)
	}

	var cfg preprocessorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PreprocessorConfigFile, err)
	}
	if err := cfg.apply(&opts); err != nil {
		return nil, fmt.Errorf("%s: %w", PreprocessorConfigFile, err)
	}
	return NewCLIPExtractor(opts)
}

// Options returns the preprocessing in effect.
func (e *CLIPExtractor) Options() vision.CLIPOptions {
	return e.opts
}

func (e *CLIPExtractor) Extract(images []image.Image) ([]vision.Tensor, error) {
	out := make([]vision.Tensor, len(images))
	for i, img := range images {
		t, err := vision.CLIPPixelValues(img, e.opts)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

// preprocessorConfig mirrors the subset of the image processor config we
// honour. size and crop_size are either a bare int or an object.
type preprocessorConfig struct {
	Size      json.RawMessage `json:"size"`
	CropSize  json.RawMessage `json:"crop_size"`
	ImageMean []float32       `json:"image_mean"`
	ImageStd  []float32       `json:"image_std"`
}

func (c preprocessorConfig) apply(opts *vision.CLIPOptions) error {
	if len(c.Size) > 0 {
		n, err := sizeValue(c.Size, "shortest_edge")
		if err != nil {
			return fmt.Errorf("size: %w", err)
		}
		opts.ShortestEdge = n
	}
	if len(c.CropSize) > 0 {
		n, err := sizeValue(c.CropSize, "height")
		if err != nil {
			return fmt.Errorf("crop_size: %w", err)
		}
		opts.CropSize = n
	}
	if c.ImageMean != nil {
		if len(c.ImageMean) != 3 {
			return fmt.Errorf("image_mean needs 3 values, got %d", len(c.ImageMean))
		}
		copy(opts.Mean[:], c.ImageMean)
	}
	if c.ImageStd != nil {
		if len(c.ImageStd) != 3 {
			return fmt.Errorf("image_std needs 3 values, got %d", len(c.ImageStd))
		}
		copy(opts.Std[:], c.ImageStd)
	}
	return nil
}

func sizeValue(raw json.RawMessage, key string) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var obj map[string]int
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, err
	}
	n, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	return n, nil
}
