package sdruntime

import (
	"context"
	"fmt"
	"image"

	"flux_backend/vision"
	"flux_backend/worker"
)

// WorkerBackend forwards every call to the accelerator sidecar. The sidecar
// seeds its own generator from the request seed.
type WorkerBackend struct {
	client *worker.Client
}

// NewWorkerBackend wraps client.
func NewWorkerBackend(client *worker.Client) *WorkerBackend {
	return &WorkerBackend{client: client}
}

func (b *WorkerBackend) Load(ctx context.Context, modelPath string) error {
	return b.client.Load(ctx, worker.LoadRequest{ModelPath: modelPath})
}

func (b *WorkerBackend) LoadAdapter(ctx context.Context, handle, path string) error {
	return b.client.LoadAdapter(ctx, worker.AdapterLoadRequest{Handle: handle, Path: path})
}

func (b *WorkerBackend) UnloadAdapters(ctx context.Context) error {
	return b.client.UnloadAdapters(ctx)
}

func (b *WorkerBackend) SetAdapters(ctx context.Context, adapters []Adapter) error {
	active := make([]worker.ActiveAdapter, len(adapters))
	for i, a := range adapters {
		active[i] = worker.ActiveAdapter{Handle: a.Handle, Scale: a.Scale}
	}
	return b.client.ActivateAdapters(ctx, active)
}

func (b *WorkerBackend) Denoise(ctx context.Context, req DenoiseRequest) ([]image.Image, error) {
	seed := req.Seed
	if req.Generator != nil {
		seed = req.Generator.Seed()
	}
	wreq := worker.GenerateRequest{
		Prompt:              req.Prompt,
		NumOutputs:          req.BatchSize,
		Width:               req.Width,
		Height:              req.Height,
		Steps:               req.Steps,
		Guidance:            req.Guidance,
		Seed:                seed,
		MaxSequenceLength:   req.MaxSequenceLength,
		JointAttentionScale: req.JointAttentionScale,
	}
	if req.Conditioning != nil {
		img, err := vision.SignedTensorToImage(*req.Conditioning)
		if err != nil {
			return nil, fmt.Errorf("conditioning: %w", err)
		}
		encoded, err := worker.EncodeImage(img)
		if err != nil {
			return nil, err
		}
		wreq.Conditioning = &worker.Conditioning{Image: encoded, Strength: req.Strength}
	}
	return b.client.Generate(ctx, wreq)
}

// Close is a no-op; the sidecar outlives the process.
func (b *WorkerBackend) Close() error {
	return nil
}
