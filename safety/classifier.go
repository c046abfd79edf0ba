package safety

import (
	"context"
	"errors"
	"fmt"
	"image"

	"flux_backend/vision"
	"flux_backend/worker"
)

// DefaultSkinThreshold is the skin-pixel ratio above which an image is
// flagged.
const DefaultSkinThreshold = 0.45

// Classifier flags unsafe images. The result is parallel to images and
// true means unsafe.
type Classifier interface {
	Classify(ctx context.Context, images []image.Image, features []vision.Tensor) ([]bool, error)
}

// SkinToneClassifier flags images whose share of skin-coloured pixels in
// the feature crop exceeds Threshold.
type SkinToneClassifier struct {
	Threshold float64
	// Options must match the extractor so the crop can be denormalised.
	Options vision.CLIPOptions
}

// NewSkinToneClassifier returns a classifier with the given threshold;
// values outside (0, 1] fall back to DefaultSkinThreshold.
func NewSkinToneClassifier(threshold float64, opts vision.CLIPOptions) *SkinToneClassifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSkinThreshold
	}
	return &SkinToneClassifier{Threshold: threshold, Options: opts}
}

func (c *SkinToneClassifier) Classify(ctx context.Context, images []image.Image, features []vision.Tensor) ([]bool, error) {
	if len(features) != len(images) {
		return nil, fmt.Errorf("safety: %d feature tensors for %d images", len(features), len(images))
	}
	out := make([]bool, len(features))
	for i, f := range features {
		ratio, err := c.SkinRatio(f)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = ratio > c.Threshold
	}
	return out, nil
}

// SkinRatio returns the share of pixels in t matching a skin-tone rule.
func (c *SkinToneClassifier) SkinRatio(t vision.Tensor) (float64, error) {
	if t.Channels != 3 || len(t.Data) != 3*t.Height*t.Width || t.Height == 0 || t.Width == 0 {
		return 0, fmt.Errorf("%w: %dx%dx%d", vision.ErrTensorShape, t.Channels, t.Height, t.Width)
	}
	var skin int
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			var rgb [3]float32
			for ch := 0; ch < 3; ch++ {
				rgb[ch] = (t.At(ch, y, x)*c.Options.Std[ch] + c.Options.Mean[ch]) * 255
			}
			if isSkin(rgb[0], rgb[1], rgb[2]) {
				skin++
			}
		}
	}
	return float64(skin) / float64(t.Height*t.Width), nil
}

// isSkin is the Peer et al. RGB rule for uniform daylight.
func isSkin(r, g, b float32) bool {
	hi := max(r, g, b)
	lo := min(r, g, b)
	diff := r - g
	if diff < 0 {
		diff = -diff
	}
	return r > 95 && g > 40 && b > 20 && hi-lo > 15 && diff > 15 && r > g && r > b
}

// WorkerClassifier runs the safety checker on the accelerator sidecar.
type WorkerClassifier struct {
	client *worker.Client
}

func NewWorkerClassifier(client *worker.Client) (*WorkerClassifier, error) {
	if client == nil {
		return nil, errors.New("safety: nil worker client")
	}
	return &WorkerClassifier{client: client}, nil
}

func (c *WorkerClassifier) Classify(ctx context.Context, images []image.Image, features []vision.Tensor) ([]bool, error) {
	pixels := make([][]float32, len(features))
	for i, f := range features {
		pixels[i] = f.Data
	}
	return c.client.ClassifySafety(ctx, images, pixels)
}
