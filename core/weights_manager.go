package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/mholt/archiver/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Setup-time resource names.
const (
	ResourceBase             = "base"
	ResourceSafety           = "safety"
	ResourceFeatureExtractor = "feature-extractor"
	ResourceUpscaler         = "upscaler"
)

// WeightsResource describes one file or bundle the process needs before it
// can serve predictions.
type WeightsResource struct {
	Name string
	// URL is empty for resources that must be provided locally
	URL string
	// Dest is the path whose existence means the resource is present
	Dest string
	// Archive marks URL as a tar bundle to be unpacked into ExtractDir
	Archive    bool
	ExtractDir string
	// Required resources fail setup when they cannot be made present
	Required       bool
	ExpectedSHA256 string
	SizeBytes      int64
}

// DefaultResources returns the resource set for cfg.
func DefaultResources(cfg *Config) []WeightsResource {
	return []WeightsResource{
		{
			Name:       ResourceBase,
			URL:        cfg.ModelURL,
			Dest:       cfg.ModelCache,
			Archive:    true,
			ExtractDir: filepath.Dir(filepath.Clean(cfg.ModelCache)),
			Required:   true,
		},
		{
			Name:       ResourceSafety,
			URL:        cfg.SafetyURL,
			Dest:       cfg.SafetyCache,
			Archive:    true,
			ExtractDir: cfg.SafetyCache,
			Required:   true,
		},
		{
			Name: ResourceFeatureExtractor,
			Dest: cfg.FeatureExtractor,
		},
		{
			Name:     ResourceUpscaler,
			Dest:     cfg.UpscalerWeights,
			Required: true,
		},
	}
}

// WeightsManager makes setup resources present locally. Every operation is
// idempotent: a resource whose Dest already exists is left untouched.
type WeightsManager struct {
	resources      map[string]WeightsResource
	httpClient     *http.Client
	logger         *zap.Logger
	maxRetries     int
	baseRetryDelay time.Duration
	lockRetry      time.Duration
	group          singleflight.Group
}

// WeightsManagerOption is a functional option for configuring WeightsManager.
type WeightsManagerOption func(*WeightsManager)

// WithMaxRetries sets the number of download attempts per resource.
func WithMaxRetries(n int) WeightsManagerOption {
	return func(wm *WeightsManager) {
		if n > 0 {
			wm.maxRetries = n
		}
	}
}

// WithBaseRetryDelay sets the first backoff delay; it doubles per attempt.
func WithBaseRetryDelay(d time.Duration) WeightsManagerOption {
	return func(wm *WeightsManager) {
		if d > 0 {
			wm.baseRetryDelay = d
		}
	}
}

// WithHTTPClient overrides the download client.
func WithHTTPClient(client *http.Client) WeightsManagerOption {
	return func(wm *WeightsManager) {
		if client != nil {
			wm.httpClient = client
		}
	}
}

// WithLogger attaches a logger for progress reporting.
func WithLogger(logger *zap.Logger) WeightsManagerOption {
	return func(wm *WeightsManager) {
		if logger != nil {
			wm.logger = logger
		}
	}
}

// NewWeightsManager creates a manager over resources.
//
// Default behavior:
//   - 3 attempts with exponential backoff (2s, 4s)
//   - cross-process lock polling every 500ms
func NewWeightsManager(resources []WeightsResource, opts ...WeightsManagerOption) *WeightsManager {
	wm := &WeightsManager{
		resources:      make(map[string]WeightsResource, len(resources)),
		httpClient:     &http.Client{},
		logger:         zap.NewNop(),
		maxRetries:     3,
		baseRetryDelay: 2 * time.Second,
		lockRetry:      500 * time.Millisecond,
	}
	for _, r := range resources {
		wm.resources[r.Name] = r
	}
	for _, opt := range opts {
		opt(wm)
	}
	return wm
}

// Resource returns the registered resource by name.
func (wm *WeightsManager) Resource(name string) (WeightsResource, bool) {
	r, ok := wm.resources[name]
	return r, ok
}

// Present reports whether the resource's destination exists and is non-empty.
func (wm *WeightsManager) Present(name string) bool {
	r, ok := wm.resources[name]
	if !ok {
		return false
	}
	present, _ := destPresent(r.Dest)
	return present
}

// EnsureAll makes every registered resource present, in name order, and
// stops at the first required resource that cannot be provisioned.
func (wm *WeightsManager) EnsureAll(ctx context.Context) error {
	names := make([]string, 0, len(wm.resources))
	for name := range wm.resources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := wm.EnsurePresent(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePresent makes one resource present locally.
//
// The function:
//  1. Returns immediately when Dest already exists
//  2. Fails with ErrMissingResource for required resources without a URL
//  3. Takes a file lock on Dest + ".lock" so parallel processes download once
//  4. Downloads with retries, verifies the checksum and unpacks bundles
//
// Concurrent calls for the same name within the process share one attempt.
func (wm *WeightsManager) EnsurePresent(ctx context.Context, name string) error {
	r, ok := wm.resources[name]
	if !ok {
		return fmt.Errorf("unknown weights resource %q", name)
	}

	_, err, _ := wm.group.Do(name, func() (interface{}, error) {
		return nil, wm.ensure(ctx, r)
	})
	return err
}

func (wm *WeightsManager) ensure(ctx context.Context, r WeightsResource) error {
	present, err := destPresent(r.Dest)
	if err != nil {
		return err
	}
	if present {
		wm.logger.Debug("Weights present", zap.String("resource", r.Name), zap.String("path", r.Dest))
		return nil
	}

	if r.URL == "" {
		if r.Required {
			return fmt.Errorf("%w: %s weights not found at %s", ErrMissingResource, r.Name, r.Dest)
		}
		wm.logger.Warn("Optional weights not found, using built-in defaults",
			zap.String("resource", r.Name),
			zap.String("path", r.Dest),
		)
		return nil
	}

	lockPath := filepath.Clean(r.Dest) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLockContext(ctx, wm.lockRetry)
	if err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", lockPath)
	}
	defer fileLock.Unlock()

	// Another process may have finished while we waited for the lock.
	if present, _ := destPresent(r.Dest); present {
		return nil
	}

	start := time.Now()
	wm.logger.Info("Downloading weights",
		zap.String("resource", r.Name),
		zap.String("url", r.URL),
		zap.String("dest", r.Dest),
	)

	if err := wm.download(ctx, r); err != nil {
		return err
	}

	wm.logger.Info("Weights ready",
		zap.String("resource", r.Name),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (wm *WeightsManager) download(ctx context.Context, r WeightsResource) error {
	target := filepath.Clean(r.Dest) + ".partial"
	if r.Archive {
		target = filepath.Clean(r.Dest) + ".tar.partial"
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= wm.maxRetries; attempt++ {
		attempts = attempt
		if attempt > 1 {
			delay := wm.baseRetryDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		_, err := DownloadWithProgress(ctx, DownloadOptions{
			Resource:       r.Name,
			URL:            r.URL,
			DestPath:       target,
			ExpectedSHA256: r.ExpectedSHA256,
			HTTPClient:     wm.httpClient,
			Resume:         true,
			OnProgress: func(p ProgressInfo) {
				wm.logger.Debug("Download progress", zap.String("resource", p.Resource), zap.Stringer("progress", p))
			},
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		wm.logger.Warn("Weights download attempt failed",
			zap.String("resource", r.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if errors.Is(err, ErrChecksumMismatch) {
			_ = os.Remove(target)
		}
		if !isRetryable(err) {
			break
		}
	}
	if lastErr != nil {
		return &WeightsDownloadError{
			Resource: r.Name,
			URL:      r.URL,
			DestPath: r.Dest,
			Attempts: attempts,
			Cause:    lastErr,
		}
	}

	if !r.Archive {
		if err := os.Rename(target, r.Dest); err != nil {
			return fmt.Errorf("move %s weights into place: %w", r.Name, err)
		}
		return nil
	}
	defer os.Remove(target)

	extractDir := r.ExtractDir
	if extractDir == "" {
		extractDir = r.Dest
	}
	if err := ExtractTar(target, extractDir); err != nil {
		return fmt.Errorf("extract %s weights: %w", r.Name, err)
	}
	if present, _ := destPresent(r.Dest); !present {
		return fmt.Errorf("%w: %s bundle did not contain %s", ErrMissingResource, r.Name, r.Dest)
	}
	return nil
}

// ExtractTar unpacks a tar bundle into dst, overwriting existing files.
// Bundles containing symlinks are rejected.
func ExtractTar(archive, dst string) error {
	tar := &archiver.Tar{
		OverwriteExisting:      true,
		MkdirAll:               true,
		ImplicitTopLevelFolder: false,
	}

	err := tar.Walk(archive, func(f archiver.File) error {
		if f.FileInfo.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive contains a symlink: %s", f.Name())
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("create extract directory: %w", err)
	}
	return tar.Unarchive(archive, dst)
}

func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrChecksumMismatch):
		return false
	default:
		return true
	}
}

func destPresent(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() && info.Size() == 0 {
		return false, nil
	}
	return true, nil
}

// WeightsDownloadError reports a resource that could not be fetched.
type WeightsDownloadError struct {
	Resource string
	URL      string
	DestPath string
	Attempts int
	Cause    error
}

func (e *WeightsDownloadError) Error() string {
	return fmt.Sprintf("weights download failed: %s after %d attempts: %v (fetch %s manually into %s)",
		e.Resource, e.Attempts, e.Cause, e.URL, e.DestPath)
}

func (e *WeightsDownloadError) Unwrap() error {
	return e.Cause
}
