package upscale

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"flux_backend/core"
	"flux_backend/sdruntime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingResolver struct {
	failAt int
	calls  int
}

func (f *failingResolver) Upscale(ctx context.Context, images []image.Image) ([]image.Image, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, errors.New("dnn_superres: out of memory")
	}
	return images, nil
}

func weightsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "FSRCNN_x4.pb")
	require.NoError(t, os.WriteFile(path, []byte("fsrcnn"), 0644))
	return path
}

func batch(sizes ...image.Point) []sdruntime.Candidate {
	out := make([]sdruntime.Candidate, len(sizes))
	for i, p := range sizes {
		img := image.NewRGBA(image.Rect(0, 0, p.X, p.Y))
		for j := range img.Pix {
			img.Pix[j] = uint8(j)
		}
		out[i] = sdruntime.Candidate{Index: i * 2, Image: img}
	}
	return out
}

func TestNewBicubicResolver(t *testing.T) {
	_, err := NewBicubicResolver(filepath.Join(t.TempDir(), "FSRCNN_x4.pb"))
	assert.ErrorIs(t, err, core.ErrMissingResource)

	_, err = NewBicubicResolver(t.TempDir())
	assert.ErrorIs(t, err, core.ErrMissingResource)

	r, err := NewBicubicResolver(weightsFile(t))
	require.NoError(t, err)
	out, err := r.Upscale(context.Background(), []image.Image{image.NewRGBA(image.Rect(0, 0, 16, 8))})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), out[0].Bounds())
}

func TestStageExactTargetSize(t *testing.T) {
	r, err := NewBicubicResolver(weightsFile(t))
	require.NoError(t, err)
	stage := NewStage(r, nil)

	tests := []struct {
		name          string
		width, height int
	}{
		{"larger than 4x", 300, 200},
		{"smaller than 4x", 50, 40},
		{"exactly 4x", 128, 64},
		{"aspect change", 2048, 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := stage.Apply(context.Background(), batch(image.Pt(32, 16), image.Pt(16, 16)), tt.width, tt.height)
			require.NoError(t, err)
			require.Len(t, out, 2)
			for _, img := range out {
				assert.Equal(t, tt.width, img.Bounds().Dx())
				assert.Equal(t, tt.height, img.Bounds().Dy())
			}
		})
	}
}

func TestStageReportsFailingIndex(t *testing.T) {
	stage := NewStage(&failingResolver{failAt: 2}, nil)
	_, err := stage.Apply(context.Background(), batch(image.Pt(8, 8), image.Pt(8, 8), image.Pt(8, 8)), 64, 64)

	assert.ErrorIs(t, err, core.ErrUpscaleFailed)
	var upErr *core.UpscaleError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, 2, upErr.Index, "second candidate carries batch index 2")
}

func TestStageRejectsBadTarget(t *testing.T) {
	stage := NewStage(&failingResolver{}, nil)
	_, err := stage.Apply(context.Background(), batch(image.Pt(8, 8)), 0, 64)
	assert.ErrorIs(t, err, core.ErrInvalidParameter)
}

func TestResamplePreservesColour(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	out := Resample(src, 37, 23)
	assert.Equal(t, image.Rect(0, 0, 37, 23), out.Bounds())
	r, g, _, _ := out.At(18, 11).RGBA()
	assert.InDelta(t, 200, r>>8, 2)
	assert.InDelta(t, 10, g>>8, 2)

	assert.Same(t, src, Resample(src, 10, 10).(*image.RGBA))
}
