package sdruntime

import (
	"context"
	"image"
)

// DenoiseRequest is one batched generation call.
type DenoiseRequest struct {
	GenerateParams
	// Generator is shared by every image of the batch.
	Generator *Generator
}

// Backend is the boundary to the diffusion model. Implementations are not
// required to be safe for concurrent use; Weights serialises mutation.
type Backend interface {
	// Load loads the base weights bundle at modelPath.
	Load(ctx context.Context, modelPath string) error
	// LoadAdapter attaches the adapter file at path under handle.
	LoadAdapter(ctx context.Context, handle, path string) error
	// UnloadAdapters detaches every adapter.
	UnloadAdapters(ctx context.Context) error
	// SetAdapters activates the given loaded adapters with their scales.
	SetAdapters(ctx context.Context, adapters []Adapter) error
	// Denoise runs the full sampling loop and returns BatchSize images.
	Denoise(ctx context.Context, req DenoiseRequest) ([]image.Image, error)
	Close() error
}
