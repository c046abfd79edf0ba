// Package safety classifies generated candidates and drops unsafe ones.
package safety

import (
	"context"
	"fmt"
	"image"

	"flux_backend/core"
	"flux_backend/logging"
	"flux_backend/sdruntime"

	"go.uber.org/zap"
)

// Filter runs feature extraction then classification over a batch.
type Filter struct {
	extractor  FeatureExtractor
	classifier Classifier
	logger     *logging.Logger
}

// NewFilter wires an extractor and a classifier.
func NewFilter(extractor FeatureExtractor, classifier Classifier, logger *logging.Logger) *Filter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Filter{extractor: extractor, classifier: classifier, logger: logger.Named("safety")}
}

// Apply sets the verdict of every candidate and returns the safe ones in
// batch order together with the parallel unsafe flags.
//
// With disabled set, every candidate is safe and the classifier is not
// invoked. When every candidate is unsafe the error is
// core.ErrContentRejected; classifier problems are core.ErrGenerationFailed.
func (f *Filter) Apply(ctx context.Context, candidates []sdruntime.Candidate, disabled bool) ([]sdruntime.Candidate, []bool, error) {
	unsafe := make([]bool, len(candidates))
	if disabled {
		kept := make([]sdruntime.Candidate, len(candidates))
		for i := range candidates {
			candidates[i].Verdict = sdruntime.VerdictSafe
			kept[i] = candidates[i]
		}
		return kept, unsafe, nil
	}

	images := make([]image.Image, len(candidates))
	for i, c := range candidates {
		images[i] = c.Image
	}
	features, err := f.extractor.Extract(images)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: safety feature extraction: %w", core.ErrGenerationFailed, err)
	}
	flags, err := f.classifier.Classify(ctx, images, features)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: safety classifier: %w", core.ErrGenerationFailed, err)
	}
	if len(flags) != len(candidates) {
		return nil, nil, fmt.Errorf("%w: safety classifier returned %d verdicts for %d images",
			core.ErrGenerationFailed, len(flags), len(candidates))
	}

	kept := make([]sdruntime.Candidate, 0, len(candidates))
	for i := range candidates {
		unsafe[i] = flags[i]
		if flags[i] {
			candidates[i].Verdict = sdruntime.VerdictUnsafe
			f.logger.Warn("NSFW content detected", zap.Int("index", candidates[i].Index))
			continue
		}
		candidates[i].Verdict = sdruntime.VerdictSafe
		kept = append(kept, candidates[i])
	}

	if len(kept) == 0 {
		return nil, unsafe, fmt.Errorf("%w: NSFW content detected in all %d images, try running it again or use a different prompt",
			core.ErrContentRejected, len(candidates))
	}
	return kept, unsafe, nil
}
