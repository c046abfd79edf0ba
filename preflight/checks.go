package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flux_backend/core"
)

// Download size estimates for bundles whose manifest entry has no size_bytes.
const (
	EstimatedBaseBytes   int64 = 34 * core.BytesPerGB
	EstimatedSafetyBytes int64 = 2 * core.BytesPerGB
	// DiskBufferPercent is added on top of the archive plus its extracted copy.
	DiskBufferPercent = 10
)

func (s *Suite) checkArtifactStore(ctx context.Context) (StepStatus, string, error) {
	if s.cfg.ArtifactStore == core.StoreS3 {
		location := "s3://" + s.cfg.S3Bucket
		if s.cfg.S3Prefix != "" {
			location += "/" + strings.Trim(s.cfg.S3Prefix, "/")
		}
		return StepPassed, location + " (credentials checked on first upload)", nil
	}
	if err := checkWritableDir(s.cfg.OutputDir); err != nil {
		return StepFailed, "Output directory is not writable", err
	}
	return StepPassed, s.cfg.OutputDir, nil
}

func (s *Suite) checkDatabase(ctx context.Context) (StepStatus, string, error) {
	if s.cfg.DatabasePath == "" {
		return StepSkipped, "History disabled", nil
	}
	dir := filepath.Dir(s.cfg.DatabasePath)
	if err := checkWritableDir(dir); err != nil {
		return StepFailed, "Database directory is not writable", err
	}
	return StepPassed, s.cfg.DatabasePath, nil
}

func (s *Suite) checkWeights(ctx context.Context) (StepStatus, string, error) {
	resources, err := core.ResolveResources(s.cfg)
	if err != nil {
		return StepFailed, "Weights manifest could not be applied", err
	}
	wm := core.NewWeightsManager(resources)

	var download, unavailable, defaults []string
	for _, r := range resources {
		if wm.Present(r.Name) {
			continue
		}
		switch {
		case r.URL != "":
			download = append(download, r.Name)
		case r.Required:
			unavailable = append(unavailable, fmt.Sprintf("%s (%s)", r.Name, r.Dest))
		default:
			defaults = append(defaults, r.Name)
		}
	}

	switch {
	case len(unavailable) > 0:
		return StepFailed, "Required weights are missing and have no download URL",
			fmt.Errorf("%w: %s", core.ErrMissingResource, strings.Join(unavailable, ", "))
	case len(download) > 0:
		return StepWarning, "Will download " + strings.Join(download, ", "), nil
	case len(defaults) > 0:
		return StepWarning, "Using built-in defaults for " + strings.Join(defaults, ", "), nil
	default:
		return StepPassed, fmt.Sprintf("All %d resources present", len(resources)), nil
	}
}

func (s *Suite) checkDiskSpace(ctx context.Context) (StepStatus, string, error) {
	resources, err := core.ResolveResources(s.cfg)
	if err != nil {
		return StepSkipped, "Weights manifest could not be applied", nil
	}
	needed := RequiredDownloadSpace(resources, core.NewWeightsManager(resources).Present)
	if len(needed) == 0 {
		return StepSkipped, "Nothing to download", nil
	}

	dirs := make([]string, 0, len(needed))
	for dir := range needed {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var free []string
	for _, dir := range dirs {
		info, err := s.diskSpace(dir)
		if err != nil {
			return StepWarning, "Free space could not be determined", nil
		}
		if info.Free < needed[dir] {
			return StepFailed, "Not enough space for the weight downloads", &DiskSpaceError{
				Path:      dir,
				Required:  needed[dir],
				Available: info.Free,
			}
		}
		free = append(free, fmt.Sprintf("%s free at %s", info.FreeFormatted, dir))
	}
	return StepPassed, strings.Join(free, ", "), nil
}

// RequiredDownloadSpace returns the bytes needed per target directory for the
// resources that are not present and can be downloaded. Archives count twice,
// once for the bundle and once for its extracted contents.
func RequiredDownloadSpace(resources []core.WeightsResource, present func(name string) bool) map[string]int64 {
	needed := make(map[string]int64)
	for _, r := range resources {
		if r.URL == "" || present(r.Name) {
			continue
		}
		size := r.SizeBytes
		if size <= 0 {
			size = estimatedSize(r.Name)
		}
		if r.Archive {
			size *= 2
		}
		size += size * DiskBufferPercent / 100
		needed[filepath.Dir(filepath.Clean(r.Dest))] += size
	}
	return needed
}

func estimatedSize(name string) int64 {
	switch name {
	case core.ResourceBase:
		return EstimatedBaseBytes
	case core.ResourceSafety:
		return EstimatedSafetyBytes
	default:
		return 0
	}
}

func (s *Suite) checkWorker(ctx context.Context) (StepStatus, string, error) {
	if !s.cfg.UsesWorker() {
		return StepSkipped, "Reference backend in use", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.WorkerURL, nil)
	if err != nil {
		return StepFailed, "Invalid SD_WORKER_URL", err
	}
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return StepFailed, "Worker unreachable", fmt.Errorf("%s: %w", s.cfg.WorkerURL, err)
	}
	resp.Body.Close()
	latency := time.Since(start).Round(time.Millisecond)

	if resp.StatusCode >= http.StatusInternalServerError {
		return StepWarning, fmt.Sprintf("Worker answered %d (latency: %v)", resp.StatusCode, latency), nil
	}
	return StepPassed, fmt.Sprintf("%s (latency: %v)", s.cfg.WorkerURL, latency), nil
}

// checkWritableDir creates dir when needed and proves a file can be written there.
func checkWritableDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("write to %s: %w", dir, err)
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}
