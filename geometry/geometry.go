// Package geometry resolves the pixel dimensions handed to the diffusion
// backend, either from a named aspect ratio or from a seed image.
package geometry

import (
	"fmt"
	"image"

	"flux_backend/core"
)

const (
	// Alignment is the tiling constraint of the generation backend.
	Alignment = 16
	// DefaultMaxEdge bounds either edge of a seed image before alignment.
	DefaultMaxEdge = 1440
	// DefaultAspectRatio is used when the request names none.
	DefaultAspectRatio = "1:1"
)

// Geometry is a resolved width and height in pixels.
type Geometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// Aligned reports whether both edges are positive multiples of alignment.
func (g Geometry) Aligned(alignment int) bool {
	return g.Width > 0 && g.Height > 0 && g.Width%alignment == 0 && g.Height%alignment == 0
}

var aspectTokens = []string{"1:1", "16:9", "21:9", "3:2", "2:3", "4:5", "5:4", "3:4", "4:3", "9:16", "9:21"}

var aspectRatios = map[string]Geometry{
	"1:1":  {1024, 1024},
	"16:9": {1344, 768},
	"21:9": {1536, 640},
	"3:2":  {1216, 832},
	"2:3":  {832, 1216},
	"4:5":  {896, 1088},
	"5:4":  {1088, 896},
	"3:4":  {896, 1152},
	"4:3":  {1152, 896},
	"9:16": {768, 1344},
	"9:21": {640, 1536},
}

// AspectRatios returns the accepted tokens in table order.
func AspectRatios() []string {
	out := make([]string, len(aspectTokens))
	copy(out, aspectTokens)
	return out
}

// IsAspectRatio reports whether token is one of the accepted tokens.
func IsAspectRatio(token string) bool {
	_, ok := aspectRatios[token]
	return ok
}

// FromAspectRatio looks token up in the fixed table. Table entries are
// already aligned and are not subject to the edge bound.
func FromAspectRatio(token string) (Geometry, error) {
	g, ok := aspectRatios[token]
	if !ok {
		return Geometry{}, fmt.Errorf("%w: unknown aspect_ratio %q", core.ErrInvalidParameter, token)
	}
	return g, nil
}

// FromSize derives geometry from a source of width x height.
//
// The source is scaled down by min(maxEdge/w, maxEdge/h, 1), truncating, and
// each edge is then rounded up to a multiple of alignment. Rounding can move
// the aspect ratio by up to alignment-1 pixels per edge.
func FromSize(width, height, maxEdge, alignment int) (Geometry, error) {
	if width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("%w: image dimensions %dx%d must be positive", core.ErrInvalidParameter, width, height)
	}
	if maxEdge <= 0 || alignment <= 0 {
		return Geometry{}, fmt.Errorf("%w: max edge %d and alignment %d must be positive", core.ErrInvalidParameter, maxEdge, alignment)
	}

	scale := min(float64(maxEdge)/float64(width), float64(maxEdge)/float64(height), 1.0)
	if scale < 1 {
		width = int(float64(width) * scale)
		height = int(float64(height) * scale)
	}

	return Geometry{
		Width:  AlignUp(max(width, 1), alignment),
		Height: AlignUp(max(height, 1), alignment),
	}, nil
}

// FromImage is FromSize over img's bounds.
func FromImage(img image.Image, maxEdge, alignment int) (Geometry, error) {
	if img == nil {
		return Geometry{}, fmt.Errorf("%w: nil image", core.ErrInvalidParameter)
	}
	b := img.Bounds()
	return FromSize(b.Dx(), b.Dy(), maxEdge, alignment)
}

// Resolve picks the image path when img is non-nil and the token path otherwise.
func Resolve(token string, img image.Image, maxEdge, alignment int) (Geometry, error) {
	if img != nil {
		return FromImage(img, maxEdge, alignment)
	}
	if token == "" {
		token = DefaultAspectRatio
	}
	return FromAspectRatio(token)
}

// AlignUp rounds n up to the next multiple of alignment.
func AlignUp(n, alignment int) int {
	return ((n + alignment - 1) / alignment) * alignment
}
