package adapters

import (
	"fmt"
	"strings"

	"flux_backend/core"
)

// HandleName returns the i-th adapter handle: a..z, then aa, ab, and so on.
func HandleName(i int) string {
	var b []byte
	for n := i + 1; n > 0; n /= 26 {
		n--
		b = append(b, byte('a'+n%26))
	}
	for l, r := 0, len(b)-1; l < r; l, r = l+1, r-1 {
		b[l], b[r] = b[r], b[l]
	}
	return string(b)
}

// Namespace maps source identifiers to loaded-adapter handles. Handles are
// assigned in order and freed together on Reset.
type Namespace struct {
	capacity int
	handles  map[string]string
	order    []string
}

// NewNamespace returns an empty namespace with room for capacity handles.
func NewNamespace(capacity int) *Namespace {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Namespace{capacity: capacity, handles: make(map[string]string)}
}

// Assign hands out the next unused handle for source.
func (n *Namespace) Assign(source string) (string, error) {
	if h, ok := n.handles[source]; ok {
		return "", fmt.Errorf("%w: adapter %q already assigned to %q", core.ErrInvalidParameter, source, h)
	}
	if len(n.order) >= n.capacity {
		return "", fmt.Errorf("%w: adapter namespace holds at most %d entries", core.ErrCapacityExceeded, n.capacity)
	}
	h := HandleName(len(n.order))
	n.handles[source] = h
	n.order = append(n.order, source)
	return h, nil
}

// Handle returns the handle assigned to source.
func (n *Namespace) Handle(source string) (string, bool) {
	h, ok := n.handles[source]
	return h, ok
}

// Len returns the number of assigned handles.
func (n *Namespace) Len() int {
	return len(n.order)
}

func (n *Namespace) Capacity() int {
	return n.capacity
}

// Reset frees every handle.
func (n *Namespace) Reset() {
	n.handles = make(map[string]string)
	n.order = nil
}

// String lists assignments in handle order, e.g. "a=foo.safetensors,b=bar.safetensors".
func (n *Namespace) String() string {
	parts := make([]string, len(n.order))
	for i, src := range n.order {
		parts[i] = n.handles[src] + "=" + src
	}
	return strings.Join(parts, ",")
}
