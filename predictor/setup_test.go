package predictor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flux_backend/core"
	"flux_backend/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localConfig points every resource at pre-populated local paths so Setup
// never downloads.
func localConfig(t *testing.T) *core.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &core.Config{
		ModelCache:        filepath.Join(root, "FLUX.1-schnell"),
		ModelURL:          "http://127.0.0.1:1/unused.tar",
		SafetyCache:       filepath.Join(root, "safety-cache"),
		SafetyURL:         "http://127.0.0.1:1/unused.tar",
		FeatureExtractor:  filepath.Join(root, "feature-extractor"),
		UpscalerWeights:   filepath.Join(root, "FSRCNN_x4.pb"),
		DownloadRetries:   1,
		AdapterDir:        filepath.Join(root, "loras"),
		AdapterCapacity:   26,
		Backend:           core.BackendReference,
		MaxSequenceLength: 512,
		MaxImageEdge:      1440,
		SafetyThreshold:   0.45,
		OutputDir:         filepath.Join(root, "out"),
		ArtifactStore:     core.StoreLocal,
		QueueTimeout:      time.Minute,
	}
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ModelCache, "transformer"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ModelCache, "model_index.json"), []byte("{}"), 0644))
	require.NoError(t, os.MkdirAll(cfg.SafetyCache, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SafetyCache, "config.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(cfg.UpscalerWeights, []byte("fsrcnn"), 0644))
	return cfg
}

func TestSetupReferenceBackend(t *testing.T) {
	cfg := localConfig(t)
	m := metrics.New(metrics.DefaultStoreConfig())

	p, err := Setup(context.Background(), cfg, nil, SetupOptions{Metrics: m})
	require.NoError(t, err)
	defer p.Close(context.Background())

	req := quickRequest()
	res, err := p.Predict(context.Background(), "setup", req)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.FileExists(t, res.Outputs[0])
	assert.Equal(t, filepath.Dir(res.Outputs[0]), cfg.OutputDir)

	assert.Equal(t, int64(1), m.Store().Summary().Succeeded)
}

func TestSetupMissingUpscalerWeights(t *testing.T) {
	cfg := localConfig(t)
	require.NoError(t, os.Remove(cfg.UpscalerWeights))

	_, err := Setup(context.Background(), cfg, nil, SetupOptions{})
	require.ErrorIs(t, err, core.ErrMissingResource)
}

func TestSetupBadFeatureExtractorConfig(t *testing.T) {
	cfg := localConfig(t)
	require.NoError(t, os.MkdirAll(cfg.FeatureExtractor, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.FeatureExtractor, "preprocessor_config.json"), []byte("{"), 0644))

	_, err := Setup(context.Background(), cfg, nil, SetupOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feature extractor")
}

func TestProvisionAppliesManifest(t *testing.T) {
	cfg := localConfig(t)
	manifest := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
resources:
  - name: upscaler
    dest: `+filepath.Join(t.TempDir(), "elsewhere.pb")+`
`), 0644))
	cfg.WeightsManifest = manifest

	err := Provision(context.Background(), cfg, nil)
	require.ErrorIs(t, err, core.ErrMissingResource)
}
