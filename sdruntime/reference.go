package sdruntime

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"image"
	"math"
	"os"
	"sync"

	"flux_backend/core"
	"flux_backend/geometry"

	"golang.org/x/image/draw"
)

// latentFactor is the ratio between pixel and latent grid size.
const latentFactor = geometry.Alignment

// ReferenceBackend renders procedural images on the CPU. Output is a pure
// function of the request and the generator state, which makes it suitable
// for tests and accelerator-less deployments.
type ReferenceBackend struct {
	mu        sync.Mutex
	modelPath string
	adapters  map[string][3]float64 // handle -> colour tint
	active    []Adapter
	closed    bool
}

// NewReferenceBackend returns an unloaded backend.
func NewReferenceBackend() *ReferenceBackend {
	return &ReferenceBackend{adapters: make(map[string][3]float64)}
}

// Load only checks that modelPath exists.
func (b *ReferenceBackend) Load(ctx context.Context, modelPath string) error {
	if _, err := os.Stat(modelPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: model weights not found at %s", core.ErrMissingResource, modelPath)
		}
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modelPath = modelPath
	b.closed = false
	return nil
}

// LoadAdapter derives the adapter's tint from the file digest.
func (b *ReferenceBackend) LoadAdapter(ctx context.Context, handle, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: adapter %s", core.ErrMissingResource, path)
	}
	digest, err := core.ComputeSHA256(path)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(digest[:6])
	if err != nil {
		return err
	}
	var tint [3]float64
	for c := range tint {
		tint[c] = float64(raw[c])/127.5 - 1
	}
	b.adapters[handle] = tint
	return nil
}

func (b *ReferenceBackend) UnloadAdapters(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters = make(map[string][3]float64)
	b.active = nil
	return nil
}

func (b *ReferenceBackend) SetAdapters(ctx context.Context, adapters []Adapter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return err
	}
	for _, a := range adapters {
		if _, ok := b.adapters[a.Handle]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAdapter, a.Handle)
		}
	}
	b.active = append([]Adapter(nil), adapters...)
	return nil
}

// Denoise runs a fixed-point sampler on a latent grid of width/16 by
// height/16 and upsamples the result.
func (b *ReferenceBackend) Denoise(ctx context.Context, req DenoiseRequest) ([]image.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	if req.Generator == nil {
		return nil, fmt.Errorf("sdruntime: denoise without a generator")
	}

	gw := max(req.Width/latentFactor, 1)
	gh := max(req.Height/latentFactor, 1)
	target := b.target(req.GenerateParams, gw, gh)

	var cond []float64
	steps := req.Steps
	if req.Conditioning != nil {
		cond = downsample(req.Conditioning.Data, req.Conditioning.Width, req.Conditioning.Height, gw, gh)
		steps = int(float64(req.Steps) * req.Strength)
	}
	rate := 0.35 + 0.035*req.Guidance

	images := make([]image.Image, 0, req.BatchSize)
	for i := 0; i < req.BatchSize; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		latent := make([]float64, len(target))
		for j := range latent {
			noise := req.Generator.NormFloat64()
			if cond != nil {
				latent[j] = (1-req.Strength)*cond[j] + req.Strength*noise
			} else {
				latent[j] = noise
			}
		}
		for s := 0; s < steps; s++ {
			for j := range latent {
				latent[j] += rate * (target[j] - latent[j])
			}
		}
		images = append(images, render(latent, gw, gh, req.Width, req.Height))
	}
	return images, nil
}

func (b *ReferenceBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.modelPath = ""
	b.adapters = make(map[string][3]float64)
	b.active = nil
	return nil
}

func (b *ReferenceBackend) ready() error {
	if b.closed || b.modelPath == "" {
		return ErrNotLoaded
	}
	return nil
}

// target is the planar 3 x gh x gw latent the sampler converges to. It
// depends on the prompt, guidance and the active adapters.
func (b *ReferenceBackend) target(p GenerateParams, gw, gh int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(p.Prompt))
	sum := h.Sum64()

	var from, to [3]float64
	for c := 0; c < 3; c++ {
		from[c] = float64(byte(sum>>(8*c)))/127.5 - 1
		to[c] = float64(byte(sum>>(8*(c+3))))/127.5 - 1
	}
	fx := 1 + float64(byte(sum>>48)%5)
	fy := 1 + float64(byte(sum>>56)%5)

	var tint [3]float64
	joint := 0.0
	if p.JointAttentionScale != nil {
		joint = *p.JointAttentionScale
	}
	for _, a := range b.active {
		t := b.adapters[a.Handle]
		for c := range tint {
			tint[c] += t[c] * a.Scale * joint
		}
	}

	gain := 1 + p.Guidance/10
	plane := gw * gh
	out := make([]float64, 3*plane)
	for y := 0; y < gh; y++ {
		for x := 0; x < gw; x++ {
			m := 0.5 + 0.5*math.Sin(2*math.Pi*(fx*float64(x)/float64(gw)+fy*float64(y)/float64(gh)))
			for c := 0; c < 3; c++ {
				v := from[c]*(1-m) + to[c]*m + tint[c]
				out[c*plane+y*gw+x] = gain * v
			}
		}
	}
	return out
}

// downsample box-filters a planar 3 x h x w tensor down to 3 x gh x gw.
func downsample(data []float32, w, h, gw, gh int) []float64 {
	out := make([]float64, 3*gw*gh)
	for c := 0; c < 3; c++ {
		for gy := 0; gy < gh; gy++ {
			y0, y1 := gy*h/gh, max((gy+1)*h/gh, gy*h/gh+1)
			for gx := 0; gx < gw; gx++ {
				x0, x1 := gx*w/gw, max((gx+1)*w/gw, gx*w/gw+1)
				var sum float64
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						sum += float64(data[(c*h+y)*w+x])
					}
				}
				out[(c*gh+gy)*gw+gx] = sum / float64((y1-y0)*(x1-x0))
			}
		}
	}
	return out
}

func render(latent []float64, gw, gh, width, height int) image.Image {
	small := image.NewRGBA(image.Rect(0, 0, gw, gh))
	plane := gw * gh
	for y := 0; y < gh; y++ {
		for x := 0; x < gw; x++ {
			o := y*small.Stride + x*4
			for c := 0; c < 3; c++ {
				v := (math.Tanh(latent[c*plane+y*gw+x]) + 1) / 2
				small.Pix[o+c] = uint8(math.Round(v * 255))
			}
			small.Pix[o+3] = 0xff
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(out, out.Bounds(), small, small.Bounds(), draw.Src, nil)
	return out
}
