package adapters

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"flux_backend/core"
)

// DefaultScale applies to adapters requested without an explicit scale.
const DefaultScale = 0.8

// Entry is one requested adapter: a file name under the adapter directory
// and the scale it is applied at.
type Entry struct {
	Source string  `json:"source"`
	Scale  float64 `json:"scale"`
}

// Set is an ordered adapter request. Two sets are equal when every
// (source, scale) pair matches in order.
type Set []Entry

// Equal compares sets pairwise.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Sources returns the file names in order.
func (s Set) Sources() []string {
	out := make([]string, len(s))
	for i, e := range s {
		out[i] = e.Source
	}
	return out
}

// BuildSet pairs sources with scales. No scales means DefaultScale for
// every adapter; a single scale is broadcast; otherwise the counts must
// match.
func BuildSet(sources []string, scales []float64) (Set, error) {
	if len(sources) == 0 {
		if len(scales) > 1 {
			return nil, fmt.Errorf("%w: %d lora_scales given without hf_loras", core.ErrInvalidParameter, len(scales))
		}
		return Set{}, nil
	}

	for _, sc := range scales {
		if math.IsNaN(sc) || math.IsInf(sc, 0) {
			return nil, fmt.Errorf("%w: lora scale %v is not a finite number", core.ErrInvalidParameter, sc)
		}
	}

	set := make(Set, len(sources))
	for i, src := range sources {
		set[i].Source = strings.TrimSpace(src)
		switch len(scales) {
		case 0:
			set[i].Scale = DefaultScale
		case 1:
			set[i].Scale = scales[0]
		case len(sources):
			set[i].Scale = scales[i]
		default:
			return nil, fmt.Errorf("%w: got %d lora_scales for %d hf_loras",
				core.ErrInvalidParameter, len(scales), len(sources))
		}
	}
	return set, nil
}

// ValidateSource rejects anything that is not a plain file name.
func ValidateSource(source string) error {
	switch {
	case source == "", source == ".", source == "..":
		return fmt.Errorf("%w: invalid adapter name %q", core.ErrInvalidParameter, source)
	case strings.ContainsAny(source, `/\`), strings.ContainsRune(source, 0):
		return fmt.Errorf("%w: adapter name %q must be a plain file name", core.ErrInvalidParameter, source)
	case filepath.IsAbs(source), filepath.Base(source) != source, filepath.VolumeName(source) != "":
		return fmt.Errorf("%w: adapter name %q must be a plain file name", core.ErrInvalidParameter, source)
	}
	return nil
}
