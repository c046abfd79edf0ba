package vision

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// CLIPOptions describes the pixel preprocessing of a CLIP image encoder.
type CLIPOptions struct {
	ShortestEdge int
	CropSize     int
	Mean         [3]float32
	Std          [3]float32
}

// DefaultCLIPOptions returns the stock openai/clip-vit-large-patch14 values.
func DefaultCLIPOptions() CLIPOptions {
	return CLIPOptions{
		ShortestEdge: 224,
		CropSize:     224,
		Mean:         [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:          [3]float32{0.26862954, 0.26130258, 0.27577711},
	}
}

// Validate rejects sizes that cannot produce a crop.
func (o CLIPOptions) Validate() error {
	if o.ShortestEdge <= 0 || o.CropSize <= 0 {
		return fmt.Errorf("%w: shortest edge %d, crop %d", ErrInvalidDimensions, o.ShortestEdge, o.CropSize)
	}
	for _, s := range o.Std {
		if s == 0 {
			return fmt.Errorf("%w: zero std", ErrInvalidDimensions)
		}
	}
	return nil
}

// CLIPPixelValues resizes img so its shortest side is ShortestEdge, center
// crops CropSize x CropSize and normalizes each channel with Mean and Std.
func CLIPPixelValues(img image.Image, opts CLIPOptions) (Tensor, error) {
	if err := opts.Validate(); err != nil {
		return Tensor{}, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Tensor{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, b.Dx(), b.Dy())
	}

	w, h := shortestEdgeSize(b.Dx(), b.Dy(), opts.ShortestEdge)
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(resized, resized.Bounds(), ConvertToRGB(img), image.Rect(0, 0, b.Dx(), b.Dy()), draw.Src, nil)

	crop := opts.CropSize
	x0 := (w - crop) / 2
	y0 := (h - crop) / 2
	plane := crop * crop
	out := Tensor{Channels: 3, Height: crop, Width: crop, Data: make([]float32, 3*plane)}

	for y := 0; y < crop; y++ {
		sy := y + y0
		for x := 0; x < crop; x++ {
			sx := x + x0
			i := y*crop + x
			for c := 0; c < 3; c++ {
				var v float32
				// Crops larger than the resized image are zero padded.
				if sx >= 0 && sy >= 0 && sx < w && sy < h {
					v = float32(resized.Pix[sy*resized.Stride+sx*4+c]) / 255
				}
				out.Data[c*plane+i] = (v - opts.Mean[c]) / opts.Std[c]
			}
		}
	}
	return out, nil
}

func shortestEdgeSize(w, h, edge int) (int, int) {
	if w <= h {
		return edge, max(1, int(float64(h)*float64(edge)/float64(w)))
	}
	return max(1, int(float64(w)*float64(edge)/float64(h))), edge
}
