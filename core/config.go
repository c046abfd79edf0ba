package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Runtime backends selectable through SD_BACKEND.
const (
	BackendReference = "reference"
	BackendWorker    = "worker"
)

// Artifact stores selectable through ARTIFACT_STORE.
const (
	StoreLocal = "local"
	StoreS3    = "s3"
)

// Default weight locations.
const (
	DefaultModelURL  = "https://weights.replicate.delivery/default/black-forest-labs/FLUX.1-schnell/files.tar"
	DefaultSafetyURL = "https://weights.replicate.delivery/default/sdxl/safety-1.0.tar"
)

// Config holds all process configuration loaded from the environment.
type Config struct {
	// Weights and caches
	ModelCache       string // extracted base weights bundle
	ModelURL         string
	SafetyCache      string // extracted safety classifier bundle
	SafetyURL        string
	FeatureExtractor string // directory holding preprocessor_config.json
	UpscalerWeights  string // super-resolution weights file, never downloaded
	WeightsManifest  string // optional YAML overrides for the resources above
	DownloadRetries  int

	// Adapters
	AdapterDir      string
	AdapterCapacity int

	// Runtime
	Backend           string
	WorkerURL         string
	WorkerTimeout     time.Duration
	MaxSequenceLength int
	MaxImageEdge      int
	SafetyThreshold   float64

	// Outputs
	OutputDir     string
	ArtifactStore string
	S3Bucket      string
	S3Prefix      string
	S3Endpoint    string
	S3Region      string

	// Serving
	HTTPAddr     string
	APITokenHash string
	QueueTimeout time.Duration
	DatabasePath string
	// HistoryRetentionDays of 0 keeps prediction history forever
	HistoryRetentionDays int

	// Process
	LogLevel string
	LogFile  string
	DevMode  bool
}

// LoadConfig reads the environment into a Config and validates it.
// Callers are expected to have loaded .env beforehand.
func LoadConfig() (*Config, error) {
	p := &envParser{}

	cfg := &Config{
		ModelCache:       getEnvOrDefault("MODEL_CACHE", "FLUX.1-schnell"),
		ModelURL:         getEnvOrDefault("MODEL_URL", DefaultModelURL),
		SafetyCache:      getEnvOrDefault("SAFETY_CACHE", "safety-cache"),
		SafetyURL:        getEnvOrDefault("SAFETY_URL", DefaultSafetyURL),
		FeatureExtractor: getEnvOrDefault("FEATURE_EXTRACTOR", "feature-extractor"),
		UpscalerWeights:  getEnvOrDefault("UPSCALER_WEIGHTS", "FSRCNN_x4.pb"),
		WeightsManifest:  os.Getenv("WEIGHTS_MANIFEST"),
		DownloadRetries:  p.int("DOWNLOAD_RETRIES", 3),

		AdapterDir:      getEnvOrDefault("ADAPTER_DIR", "loras"),
		AdapterCapacity: p.int("ADAPTER_CAPACITY", 26),

		Backend:           strings.ToLower(getEnvOrDefault("SD_BACKEND", BackendReference)),
		WorkerURL:         os.Getenv("SD_WORKER_URL"),
		WorkerTimeout:     p.seconds("SD_WORKER_TIMEOUT", 600),
		MaxSequenceLength: p.int("SD_MAX_SEQUENCE_LENGTH", 512),
		MaxImageEdge:      p.int("MAX_IMAGE_EDGE", 1440),
		SafetyThreshold:   p.float("SAFETY_THRESHOLD", 0.45),

		OutputDir:     getEnvOrDefault("OUTPUT_DIR", os.TempDir()),
		ArtifactStore: strings.ToLower(getEnvOrDefault("ARTIFACT_STORE", StoreLocal)),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3Prefix:      os.Getenv("S3_PREFIX"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		S3Region:      getEnvOrDefault("S3_REGION", "us-east-1"),

		HTTPAddr:     getEnvOrDefault("HTTP_ADDR", ":5000"),
		APITokenHash: os.Getenv("API_TOKEN_HASH"),
		QueueTimeout: p.seconds("QUEUE_TIMEOUT", 300),
		DatabasePath: getEnvOrDefault("DATABASE_PATH", "predictions.db"),

		HistoryRetentionDays: p.int("HISTORY_RETENTION_DAYS", 30),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:  getEnvOrDefault("LOG_FILE", "flux_backend.log"),
		DevMode:  p.bool("DEV_MODE", false),
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and value ranges.
func (c *Config) Validate() error {
	if c.AdapterCapacity < 1 {
		return ErrInvalidValue("ADAPTER_CAPACITY", strconv.Itoa(c.AdapterCapacity), "a positive integer")
	}
	if c.DownloadRetries < 1 {
		return ErrInvalidValue("DOWNLOAD_RETRIES", strconv.Itoa(c.DownloadRetries), "a positive integer")
	}
	if c.HistoryRetentionDays < 0 {
		return ErrInvalidValue("HISTORY_RETENTION_DAYS", strconv.Itoa(c.HistoryRetentionDays), "zero or a positive integer")
	}
	if c.MaxSequenceLength < 1 || c.MaxSequenceLength > 512 {
		return ErrInvalidValue("SD_MAX_SEQUENCE_LENGTH", strconv.Itoa(c.MaxSequenceLength), "a value between 1 and 512")
	}
	if c.MaxImageEdge < 16 {
		return ErrInvalidValue("MAX_IMAGE_EDGE", strconv.Itoa(c.MaxImageEdge), "at least 16")
	}
	if c.SafetyThreshold <= 0 || c.SafetyThreshold > 1 {
		return ErrInvalidValue("SAFETY_THRESHOLD", fmt.Sprintf("%g", c.SafetyThreshold), "a value in (0, 1]")
	}

	switch c.Backend {
	case BackendReference:
	case BackendWorker:
		if c.WorkerURL == "" {
			return ErrMissingConfig("SD_WORKER_URL")
		}
	default:
		return ErrInvalidBackend(c.Backend)
	}

	switch c.ArtifactStore {
	case StoreLocal:
		if c.OutputDir == "" {
			return ErrMissingConfig("OUTPUT_DIR")
		}
	case StoreS3:
		if c.S3Bucket == "" {
			return ErrMissingConfig("S3_BUCKET")
		}
	default:
		return ErrInvalidStore(c.ArtifactStore)
	}

	return nil
}

// UsesWorker reports whether the accelerator sidecar backs the collaborators.
func (c *Config) UsesWorker() bool {
	return c.Backend == BackendWorker
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// envParser collects the first malformed value instead of silently falling
// back to the default.
type envParser struct {
	err error
}

func (p *envParser) fail(key, value, expected string) {
	if p.err == nil {
		p.err = ErrInvalidValue(key, value, expected)
	}
}

func (p *envParser) int(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, "an integer")
		return defaultValue
	}
	return n
}

func (p *envParser) float(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, "a number")
		return defaultValue
	}
	return f
}

func (p *envParser) bool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		p.fail(key, value, "true or false")
		return defaultValue
	}
}

// seconds accepts either a bare number of seconds or a Go duration string.
func (p *envParser) seconds(key string, defaultSeconds int) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return time.Duration(defaultSeconds) * time.Second
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, "seconds or a duration such as 90s")
		return time.Duration(defaultSeconds) * time.Second
	}
	return d
}
