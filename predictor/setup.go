package predictor

import (
	"context"
	"fmt"
	"time"

	"flux_backend/adapters"
	"flux_backend/artifacts"
	"flux_backend/core"
	"flux_backend/db"
	"flux_backend/logging"
	"flux_backend/metrics"
	"flux_backend/safety"
	"flux_backend/sdruntime"
	"flux_backend/upscale"
	"flux_backend/worker"

	"go.uber.org/zap"
)

// SetupOptions carries the optional sinks Setup wires in.
type SetupOptions struct {
	History *db.Repository
	Metrics metrics.Collector
}

// Provision makes every setup resource present locally, downloading the
// weight bundles that are missing.
func Provision(ctx context.Context, cfg *core.Config, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	resources, err := core.ResolveResources(cfg)
	if err != nil {
		return err
	}

	wm := core.NewWeightsManager(resources,
		core.WithMaxRetries(cfg.DownloadRetries),
		core.WithLogger(logger.Zap()),
	)
	return wm.EnsureAll(ctx)
}

// Setup provisions weights, loads every collaborator once and returns a
// ready Predictor. Any error here is fatal for the process.
func Setup(ctx context.Context, cfg *core.Config, logger *logging.Logger, opts SetupOptions) (*Predictor, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	start := time.Now()

	if err := Provision(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("provision weights: %w", err)
	}

	var (
		backend    sdruntime.Backend
		classifier safety.Classifier
		resolver   upscale.SuperResolver
	)

	// the super-resolution weights must exist whichever resolver runs
	bicubic, err := upscale.NewBicubicResolver(cfg.UpscalerWeights)
	if err != nil {
		return nil, err
	}
	extractor, err := safety.LoadCLIPExtractor(cfg.FeatureExtractor)
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}

	if cfg.UsesWorker() {
		client, err := worker.NewClient(worker.Config{BaseURL: cfg.WorkerURL, Timeout: cfg.WorkerTimeout}, logger)
		if err != nil {
			return nil, err
		}
		backend = sdruntime.NewWorkerBackend(client)
		if classifier, err = safety.NewWorkerClassifier(client); err != nil {
			return nil, err
		}
		resolver = upscale.NewWorkerResolver(client)
	} else {
		backend = sdruntime.NewReferenceBackend()
		classifier = safety.NewSkinToneClassifier(cfg.SafetyThreshold, extractor.Options())
		resolver = bicubic
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	weights, err := sdruntime.LoadWeights(ctx, backend, cfg.ModelCache)
	if err != nil {
		backend.Close()
		return nil, err
	}
	engine, err := sdruntime.NewEngine(weights, cfg.MaxSequenceLength)
	if err != nil {
		weights.Release()
		return nil, err
	}

	p, err := New(Components{
		Engine:    engine,
		Adapters:  adapters.NewManager(weights, cfg.AdapterDir, cfg.AdapterCapacity, logger),
		Safety:    safety.NewFilter(extractor, classifier, logger),
		Upscaler:  upscale.NewStage(resolver, logger),
		Store:     store,
		StoreKind: cfg.ArtifactStore,
		History:   opts.History,
		Metrics:   opts.Metrics,
	}, Options{
		MaxImageEdge: cfg.MaxImageEdge,
		QueueTimeout: cfg.QueueTimeout,
	}, logger)
	if err != nil {
		engine.Close()
		weights.Release()
		return nil, err
	}

	logger.Info("Setup complete",
		zap.String("backend", cfg.Backend),
		zap.String("model", cfg.ModelCache),
		zap.String("artifact_store", cfg.ArtifactStore),
		zap.Int("adapter_capacity", cfg.AdapterCapacity),
		zap.Duration("took", time.Since(start)),
	)
	return p, nil
}

func newStore(ctx context.Context, cfg *core.Config) (artifacts.Store, error) {
	switch cfg.ArtifactStore {
	case core.StoreS3:
		return artifacts.NewS3Store(ctx, artifacts.S3ConfigFromCore(cfg))
	default:
		return artifacts.NewLocalStore(cfg.OutputDir)
	}
}
