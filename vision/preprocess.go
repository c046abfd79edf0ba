// Package vision decodes images and converts them into the tensors consumed
// by the generation and safety backends.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxImagePixels bounds the decoded size of an input image. Compressed
// data can declare far larger dimensions than its byte size suggests.
const MaxImagePixels = 40_000_000

// Image preprocessing errors
var (
	ErrInvalidImage      = errors.New("vision: invalid image data")
	ErrInvalidDimensions = errors.New("vision: invalid dimensions")
	ErrEmptyImage        = errors.New("vision: empty image data")
	ErrImageTooLarge     = errors.New("vision: image too large")
	ErrTensorShape       = errors.New("vision: tensor shape mismatch")
)

// DecodeImage decodes PNG, JPEG, GIF or WebP data. The header is checked
// against MaxImagePixels before any pixel buffer is allocated.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, MaxImagePixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// DecodeFile reads and decodes the image at path.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ConvertToRGB returns an opaque RGBA copy of img with its origin at (0,0).
// Transparent regions composite onto black.
func ConvertToRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Over)
	return rgba
}

// Resize scales img to exactly width x height with CatmullRom.
func Resize(img image.Image, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// Tensor is a dense float32 tensor in channel, height, width order.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// At returns the value at channel c, row y, column x.
func (t Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

func (t Tensor) validate() error {
	if t.Channels <= 0 || t.Height <= 0 || t.Width <= 0 || len(t.Data) != t.Channels*t.Height*t.Width {
		return fmt.Errorf("%w: %dx%dx%d with %d values", ErrTensorShape, t.Channels, t.Height, t.Width, len(t.Data))
	}
	return nil
}

// ToSignedTensor converts img to a 3xHxW tensor with values in [-1, 1].
func ToSignedTensor(img image.Image) Tensor {
	rgb := ConvertToRGB(img)
	w, h := rgb.Rect.Dx(), rgb.Rect.Dy()
	plane := w * h
	out := Tensor{Channels: 3, Height: h, Width: w, Data: make([]float32, 3*plane)}

	for y := 0; y < h; y++ {
		row := rgb.Pix[y*rgb.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			out.Data[i] = float32(row[x*4])/127.5 - 1
			out.Data[plane+i] = float32(row[x*4+1])/127.5 - 1
			out.Data[2*plane+i] = float32(row[x*4+2])/127.5 - 1
		}
	}
	return out
}

// SignedTensorToImage is the inverse of ToSignedTensor; values are clamped.
func SignedTensorToImage(t Tensor) (*image.RGBA, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if t.Channels != 3 {
		return nil, fmt.Errorf("%w: want 3 channels, got %d", ErrTensorShape, t.Channels)
	}

	img := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			o := y*img.Stride + x*4
			for c := 0; c < 3; c++ {
				img.Pix[o+c] = unitToByte((t.At(c, y, x) + 1) / 2)
			}
			img.Pix[o+3] = 0xff
		}
	}
	return img, nil
}

// PrepareConditioning converts a seed image into the conditioning tensor for
// a generation of width x height.
// The source is scaled straight onto an opaque black canvas, so no
// full-resolution copy is made.
func PrepareConditioning(img image.Image, width, height int) (Tensor, error) {
	if width <= 0 || height <= 0 {
		return Tensor{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return ToSignedTensor(dst), nil
}

func unitToByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xff
	default:
		return uint8(v*255 + 0.5)
	}
}
