package artifacts

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"flux_backend/core"

	"github.com/chai2010/webp"
)

// Format is an output image encoding.
type Format string

const (
	FormatWebP Format = "webp"
	FormatJPG  Format = "jpg"
	FormatPNG  Format = "png"
)

// Quality bounds; quality is ignored for png.
const (
	MinQuality     = 0
	MaxQuality     = 100
	DefaultQuality = 80
)

// Formats returns the accepted output formats.
func Formats() []Format {
	return []Format{FormatWebP, FormatJPG, FormatPNG}
}

// ParseFormat accepts webp, jpg (or jpeg) and png, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "webp":
		return FormatWebP, nil
	case "jpg", "jpeg":
		return FormatJPG, nil
	case "png":
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("%w: output_format %q must be one of webp, jpg, png", core.ErrInvalidParameter, s)
	}
}

// Ext returns the file extension without the dot.
func (f Format) Ext() string {
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatWebP:
		return "image/webp"
	case FormatJPG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// ValidateQuality checks the 0..100 range.
func ValidateQuality(q int) error {
	if q < MinQuality || q > MaxQuality {
		return fmt.Errorf("%w: output_quality %d must be between %d and %d",
			core.ErrInvalidParameter, q, MinQuality, MaxQuality)
	}
	return nil
}

// Encode writes img in format. Webp is lossy at quality; jpg uses quality
// directly; png ignores it.
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	if err := ValidateQuality(quality); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: float32(quality)})
	case FormatJPG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: max(quality, 1)})
	case FormatPNG:
		err = png.Encode(&buf, img)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", core.ErrInvalidParameter, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
