package sdruntime

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

// Weights is the shared, reference-counted handle over a loaded Backend.
//
// Both mode handlers retain the same Weights, so an adapter swap is visible
// to both. Adapter mutation takes the write lock and generation the read
// lock; a generation never observes a half-applied swap. The backend is
// closed when the last reference is released.
type Weights struct {
	backend   Backend
	modelPath string
	refs      atomic.Int64

	mu     sync.RWMutex
	loaded map[string]string
	active []Adapter
}

// LoadWeights loads modelPath into backend and returns a handle holding one
// reference.
func LoadWeights(ctx context.Context, backend Backend, modelPath string) (*Weights, error) {
	if err := backend.Load(ctx, modelPath); err != nil {
		return nil, fmt.Errorf("load weights %s: %w", modelPath, err)
	}
	w := &Weights{
		backend:   backend,
		modelPath: modelPath,
		loaded:    make(map[string]string),
	}
	w.refs.Store(1)
	return w, nil
}

// Retain adds a reference. It fails once the handle has been fully released.
func (w *Weights) Retain() error {
	for {
		n := w.refs.Load()
		if n <= 0 {
			return ErrWeightsReleased
		}
		if w.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference and closes the backend when it was the last one.
func (w *Weights) Release() error {
	n := w.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n == 0:
		w.mu.Lock()
		defer w.mu.Unlock()
		w.loaded = map[string]string{}
		w.active = nil
		return w.backend.Close()
	default:
		w.refs.Add(1)
		return ErrWeightsReleased
	}
}

// Refs returns the current reference count.
func (w *Weights) Refs() int64 {
	return w.refs.Load()
}

func (w *Weights) ModelPath() string {
	return w.modelPath
}

// LoadAdapter attaches the adapter at path under handle. It does not
// activate it.
func (w *Weights) LoadAdapter(ctx context.Context, handle, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs.Load() <= 0 {
		return ErrWeightsReleased
	}
	if err := w.backend.LoadAdapter(ctx, handle, path); err != nil {
		return err
	}
	w.loaded[handle] = path
	return nil
}

// UnloadAdapters detaches and deactivates every adapter.
func (w *Weights) UnloadAdapters(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs.Load() <= 0 {
		return ErrWeightsReleased
	}
	err := w.backend.UnloadAdapters(ctx)
	// Tracked state is cleared even when the backend call fails.
	w.loaded = map[string]string{}
	w.active = nil
	return err
}

// SetAdapters activates loaded adapters with their scales in one call.
func (w *Weights) SetAdapters(ctx context.Context, adapters []Adapter) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs.Load() <= 0 {
		return ErrWeightsReleased
	}
	for _, a := range adapters {
		if _, ok := w.loaded[a.Handle]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAdapter, a.Handle)
		}
	}
	if err := w.backend.SetAdapters(ctx, adapters); err != nil {
		return err
	}
	w.active = append([]Adapter(nil), adapters...)
	return nil
}

// ActiveAdapters returns a copy of the active set.
func (w *Weights) ActiveAdapters() []Adapter {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Adapter(nil), w.active...)
}

// LoadedAdapters returns how many adapters are attached.
func (w *Weights) LoadedAdapters() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.loaded)
}

// denoise runs req under the read lock with the joint-attention scale
// derived from the active set at that moment.
func (w *Weights) denoise(ctx context.Context, req DenoiseRequest) ([]image.Image, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.refs.Load() <= 0 {
		return nil, ErrWeightsReleased
	}

	req.JointAttentionScale = nil
	if len(w.active) > 0 {
		scale := 1.0
		req.JointAttentionScale = &scale
	}
	return w.backend.Denoise(ctx, req)
}
