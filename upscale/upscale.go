// Package upscale runs the fixed 4x super-resolution step followed by an
// exact Lanczos resample to the requested output size.
package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"flux_backend/core"
	"flux_backend/logging"
	"flux_backend/sdruntime"
	"flux_backend/worker"

	"github.com/nfnt/resize"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Factor is the fixed super-resolution scale.
const Factor = 4

// SuperResolver enlarges images by Factor.
type SuperResolver interface {
	Upscale(ctx context.Context, images []image.Image) ([]image.Image, error)
}

// BicubicResolver is the CPU stand-in for the FSRCNN model. It still
// requires the weights file so deployments fail at setup the same way.
type BicubicResolver struct {
	weightsPath string
}

// NewBicubicResolver checks that weightsPath exists.
func NewBicubicResolver(weightsPath string) (*BicubicResolver, error) {
	info, err := os.Stat(weightsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: super-resolution weights not found: %s", core.ErrMissingResource, weightsPath)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: super-resolution weights %s is a directory", core.ErrMissingResource, weightsPath)
	}
	return &BicubicResolver{weightsPath: weightsPath}, nil
}

func (r *BicubicResolver) Upscale(ctx context.Context, images []image.Image) ([]image.Image, error) {
	out := make([]image.Image, len(images))
	for i, img := range images {
		b := img.Bounds()
		if b.Empty() {
			return nil, fmt.Errorf("image %d is empty", i)
		}
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*Factor, b.Dy()*Factor))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		out[i] = dst
	}
	return out, nil
}

// WorkerResolver runs super-resolution on the accelerator sidecar.
type WorkerResolver struct {
	client *worker.Client
}

func NewWorkerResolver(client *worker.Client) *WorkerResolver {
	return &WorkerResolver{client: client}
}

func (r *WorkerResolver) Upscale(ctx context.Context, images []image.Image) ([]image.Image, error) {
	return r.client.Upscale(ctx, images, Factor)
}

// Stage applies the resolver and the final resample per candidate.
type Stage struct {
	resolver SuperResolver
	logger   *logging.Logger
}

func NewStage(resolver SuperResolver, logger *logging.Logger) *Stage {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Stage{resolver: resolver, logger: logger.Named("upscale")}
}

// Apply upscales every candidate to exactly width x height, in order.
// A failure is a *core.UpscaleError naming the candidate's batch index.
func (s *Stage) Apply(ctx context.Context, candidates []sdruntime.Candidate, width, height int) ([]image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: target size %dx%d must be positive", core.ErrInvalidParameter, width, height)
	}
	out := make([]image.Image, len(candidates))
	for i, c := range candidates {
		img, err := s.one(ctx, c.Image, width, height)
		if err != nil {
			s.logger.Error("Upscale failed", zap.Int("index", c.Index), zap.Error(err))
			return nil, &core.UpscaleError{Index: c.Index, Cause: err}
		}
		out[i] = img
	}
	return out, nil
}

func (s *Stage) one(ctx context.Context, img image.Image, width, height int) (image.Image, error) {
	if img == nil {
		return nil, errors.New("no image")
	}
	enlarged, err := s.resolver.Upscale(ctx, []image.Image{img})
	if err != nil {
		return nil, err
	}
	if len(enlarged) != 1 || enlarged[0] == nil {
		return nil, fmt.Errorf("super-resolution returned %d images", len(enlarged))
	}
	return Resample(enlarged[0], width, height), nil
}

// Resample resizes img to exactly width x height with Lanczos3.
func Resample(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
}
