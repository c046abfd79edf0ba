// Package predictor sequences one prediction: geometry, adapters,
// generation, safety filtering, super-resolution and persistence.
//
// All model state sits behind a single-slot queue. A request waits for the
// slot under its own context and then runs to completion; only artifact
// persistence still observes the caller's cancellation.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flux_backend/adapters"
	"flux_backend/artifacts"
	"flux_backend/core"
	"flux_backend/db"
	"flux_backend/geometry"
	"flux_backend/logging"
	"flux_backend/metrics"
	"flux_backend/safety"
	"flux_backend/sdruntime"
	"flux_backend/upscale"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Components are the collaborators a Predictor sequences.
type Components struct {
	Engine   *sdruntime.Engine
	Adapters *adapters.Manager
	Safety   *safety.Filter
	Upscaler *upscale.Stage
	Store    artifacts.Store
	// StoreKind labels the store in logs
	StoreKind string

	// History and Metrics are optional.
	History *db.Repository
	Metrics metrics.Collector
}

// Options tune request handling.
type Options struct {
	MaxImageEdge int
	// QueueTimeout bounds the wait for the generation slot; zero waits
	// for as long as the caller's context allows
	QueueTimeout time.Duration
	// HTTPClient fetches URL seed images
	HTTPClient *http.Client
}

// Result is a successful prediction.
type Result struct {
	ID string
	// Outputs are the upscaled artifact locations in batch order
	Outputs []string
	// Originals are the pre-upscale artifacts of the same candidates
	Originals []string
	Artifacts []artifacts.Artifact

	Seed     int64
	Mode     string
	Width    int
	Height   int
	Rejected int

	PredictTime time.Duration
	Metrics     logging.PredictionMetrics
}

// Predictor is safe for concurrent use; requests are serialised internally.
type Predictor struct {
	c      Components
	opts   Options
	slot   *sdruntime.Slot
	logger *logging.Logger

	mu     sync.Mutex
	active map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// New takes ownership of c.Engine together with the weights reference the
// caller obtained from sdruntime.LoadWeights; both are released by Close.
func New(c Components, opts Options, logger *logging.Logger) (*Predictor, error) {
	switch {
	case c.Engine == nil:
		return nil, errors.New("predictor: engine is required")
	case c.Adapters == nil:
		return nil, errors.New("predictor: adapter manager is required")
	case c.Safety == nil:
		return nil, errors.New("predictor: safety filter is required")
	case c.Upscaler == nil:
		return nil, errors.New("predictor: upscale stage is required")
	case c.Store == nil:
		return nil, errors.New("predictor: artifact store is required")
	}
	if opts.MaxImageEdge <= 0 {
		opts.MaxImageEdge = geometry.DefaultMaxEdge
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Predictor{
		c:      c,
		opts:   opts,
		slot:   sdruntime.NewSlot(),
		logger: logger.Named("predictor"),
		active: make(map[string]struct{}),
	}, nil
}

// QueueDepth reports how many requests wait for the slot.
func (p *Predictor) QueueDepth() int {
	return p.slot.Waiting()
}

// Busy reports whether a prediction is running.
func (p *Predictor) Busy() bool {
	return p.slot.Busy()
}

// Predict runs one request. An empty id gets a random UUID; a supplied id
// must pass ValidateID and must not belong to a running or recorded
// prediction.
func (p *Predictor) Predict(ctx context.Context, id string, req Request) (*Result, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := p.claim(ctx, id); err != nil {
		return nil, err
	}
	defer p.unclaim(id)

	start := time.Now()
	m := logging.PredictionMetrics{
		ID:            id,
		Outputs:       req.NumOutputs,
		Steps:         req.NumInferenceSteps,
		Adapters:      len(req.HFLoras),
		ArtifactStore: p.c.StoreKind,
	}

	res, err := p.predict(ctx, id, req, &m)

	m.Total = time.Since(start)
	if res != nil {
		res.PredictTime = m.Total
		res.Metrics = m
	}
	p.finish(req, res, err, m)
	return res, err
}

func (p *Predictor) predict(ctx context.Context, id string, req Request, m *logging.PredictionMetrics) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	format, err := artifacts.ParseFormat(req.OutputFormat)
	if err != nil {
		return nil, err
	}
	seedImage, err := loadSeedImage(ctx, p.opts.HTTPClient, req.Image)
	if err != nil {
		return nil, err
	}
	geo, err := geometry.Resolve(req.AspectRatio, seedImage, p.opts.MaxImageEdge, geometry.Alignment)
	if err != nil {
		return nil, err
	}
	m.Width, m.Height = geo.Width, geo.Height
	set, err := adapters.BuildSet(req.HFLoras, req.LoraScales)
	if err != nil {
		return nil, err
	}

	waitStart := time.Now()
	release, err := p.slot.Acquire(ctx, p.opts.QueueTimeout)
	m.QueueWait = time.Since(waitStart)
	p.observeQueueWait(m.QueueWait)
	if err != nil {
		return nil, err
	}
	defer release()

	// holding the slot: generation runs to completion
	work := context.WithoutCancel(ctx)

	stageStart := time.Now()
	reloaded, err := p.c.Adapters.Ensure(work, set)
	m.AdapterLoad = time.Since(stageStart)
	m.AdapterReload = reloaded
	p.observeStage(metrics.StageAdapters, m.AdapterLoad)
	if reloaded && p.c.Metrics != nil {
		p.c.Metrics.AdapterReload()
	}
	if err != nil {
		return nil, err
	}

	stageStart = time.Now()
	out, err := p.c.Engine.Generate(work, sdruntime.Request{
		Prompt:    sdruntime.SanitizePrompt(req.Prompt),
		Geometry:  geo,
		SeedImage: seedImage,
		Strength:  req.PromptStrength,
		Steps:     req.NumInferenceSteps,
		Guidance:  req.GuidanceScale,
		Seed:      req.Seed,
		BatchSize: req.NumOutputs,
	})
	m.Generation = time.Since(stageStart)
	p.observeStage(metrics.StageGenerate, m.Generation)
	if err != nil {
		return nil, err
	}
	m.Seed = out.Seed
	m.Mode = out.Mode.String()
	p.logger.Info("Using seed", zap.String("id", id), zap.Int64("seed", out.Seed), zap.String("mode", m.Mode))

	stageStart = time.Now()
	kept, unsafe, err := p.c.Safety.Apply(work, out.Candidates, req.DisableSafetyChecker)
	m.SafetyCheck = time.Since(stageStart)
	p.observeStage(metrics.StageSafety, m.SafetyCheck)
	for _, u := range unsafe {
		if u {
			m.Rejected++
		}
	}
	if err != nil {
		return nil, err
	}
	m.Accepted = len(kept)

	stageStart = time.Now()
	res := &Result{
		ID:       id,
		Seed:     out.Seed,
		Mode:     m.Mode,
		Width:    geo.Width,
		Height:   geo.Height,
		Rejected: m.Rejected,
	}
	for _, c := range kept {
		a, err := artifacts.Save(ctx, p.c.Store, id, c.Index, c.Image, format, req.OutputQuality, false)
		if err != nil {
			return nil, fmt.Errorf("persist original %d: %w", c.Index, err)
		}
		res.Originals = append(res.Originals, a.Location)
		res.Artifacts = append(res.Artifacts, a)
	}
	persistOriginals := time.Since(stageStart)

	stageStart = time.Now()
	upscaled, err := p.c.Upscaler.Apply(work, kept, req.TargetWidth, req.TargetHeight)
	m.Upscale = time.Since(stageStart)
	p.observeStage(metrics.StageUpscale, m.Upscale)
	if err != nil {
		return nil, err
	}
	m.Upscaled = true

	stageStart = time.Now()
	for i, img := range upscaled {
		a, err := artifacts.Save(ctx, p.c.Store, id, kept[i].Index, img, format, req.OutputQuality, true)
		if err != nil {
			return nil, fmt.Errorf("persist output %d: %w", kept[i].Index, err)
		}
		res.Outputs = append(res.Outputs, a.Location)
		res.Artifacts = append(res.Artifacts, a)
	}
	p.observeStage(metrics.StagePersist, persistOriginals+time.Since(stageStart))
	return res, nil
}

// claim reserves id for the duration of one prediction.
func (p *Predictor) claim(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.active[id]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: id %q is already running", core.ErrInvalidParameter, id)
	}
	p.active[id] = struct{}{}
	p.mu.Unlock()

	if p.c.History != nil {
		_, err := p.c.History.GetPrediction(ctx, id)
		switch {
		case err == nil:
			p.unclaim(id)
			return fmt.Errorf("%w: id %q was already used", core.ErrInvalidParameter, id)
		case !errors.Is(err, db.ErrNotFound):
			p.logger.Warn("Could not check prediction id against history", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

func (p *Predictor) unclaim(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func (p *Predictor) finish(req Request, res *Result, err error, m logging.PredictionMetrics) {
	status := metrics.StatusSucceeded
	rec := db.PredictionRecord{
		ID:         m.ID,
		Prompt:     req.Prompt,
		Mode:       m.Mode,
		Seed:       m.Seed,
		Width:      m.Width,
		Height:     m.Height,
		NumOutputs: req.NumOutputs,
		Rejected:   m.Rejected,
		DurationMS: m.Total.Milliseconds(),
		CreatedAt:  time.Now(),
	}

	if err != nil {
		status = metrics.StatusFailed
		m.ErrorKind = core.ErrorKind(err)
		rec.ErrorKind = m.ErrorKind
		rec.ErrorMessage = err.Error()
		p.logger.Warn("Prediction failed", logging.PredictionField(m), zap.Error(err))
	} else {
		rec.Outputs = res.Outputs
		p.logger.Info("Prediction complete", logging.PredictionField(m))
	}
	rec.Status = status

	if p.c.History != nil && !p.c.History.RecordPrediction(rec) {
		p.logger.Warn("Prediction history write dropped", zap.String("id", m.ID))
	}
	if p.c.Metrics != nil {
		images := 0
		if res != nil {
			images = len(res.Outputs)
		}
		p.c.Metrics.RecordPrediction(metrics.Sample{
			ID:       m.ID,
			Status:   status,
			Mode:     m.Mode,
			Kind:     m.ErrorKind,
			Images:   images,
			Rejected: m.Rejected,
			Duration: m.Total,
			At:       time.Now(),
		})
	}
}

func (p *Predictor) observeStage(stage string, d time.Duration) {
	if p.c.Metrics != nil {
		p.c.Metrics.ObserveStage(stage, d)
	}
}

func (p *Predictor) observeQueueWait(d time.Duration) {
	if p.c.Metrics != nil {
		p.c.Metrics.ObserveQueueWait(d)
	}
}

// Close stops accepting requests and waits for the running one up to ctx.
// The model weights are released only once nothing is running.
func (p *Predictor) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if err := p.slot.Drain(ctx); err != nil {
			p.logger.Warn("Prediction still running at shutdown, weights left loaded", zap.Error(err))
			p.closeErr = err
			return
		}
		weights := p.c.Engine.Weights()
		p.closeErr = p.c.Engine.Close()
		if err := weights.Release(); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
	})
	return p.closeErr
}
