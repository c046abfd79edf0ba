package preflight

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flux_backend/core"
)

// readyConfig returns a reference-backend config whose weights all exist.
func readyConfig(t *testing.T) *core.Config {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{"FLUX.1-schnell", "safety-cache", "feature-extractor"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "FSRCNN_x4.pb"), []byte("weights"), 0644); err != nil {
		t.Fatal(err)
	}
	return &core.Config{
		ModelCache:       filepath.Join(dir, "FLUX.1-schnell"),
		ModelURL:         "http://127.0.0.1:1/files.tar",
		SafetyCache:      filepath.Join(dir, "safety-cache"),
		SafetyURL:        "http://127.0.0.1:1/safety.tar",
		FeatureExtractor: filepath.Join(dir, "feature-extractor"),
		UpscalerWeights:  filepath.Join(dir, "FSRCNN_x4.pb"),
		Backend:          core.BackendReference,
		OutputDir:        filepath.Join(dir, "out"),
		ArtifactStore:    core.StoreLocal,
		DatabasePath:     filepath.Join(dir, "data", "predictions.db"),
	}
}

func quietSuite(cfg *core.Config) *Suite {
	return NewSuite(cfg).WithShowProgress(false)
}

func statuses(r Result) map[string]StepStatus {
	out := make(map[string]StepStatus, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestStepStatus_String(t *testing.T) {
	tests := []struct {
		status   StepStatus
		expected string
	}{
		{StepPending, "pending"},
		{StepPassed, "passed"},
		{StepFailed, "failed"},
		{StepWarning, "warning"},
		{StepSkipped, "skipped"},
		{StepStatus(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("StepStatus(%d).String() = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestRun_AllPresent(t *testing.T) {
	var buf bytes.Buffer
	result := NewSuite(readyConfig(t)).WithOutput(&buf).Run(context.Background())

	if !result.Success {
		t.Fatalf("Success = false: %s (%v)", result.Summary(), result.FirstError())
	}
	want := map[string]StepStatus{
		"Artifact store":     StepPassed,
		"History database":   StepPassed,
		"Weights":            StepPassed,
		"Disk space":         StepSkipped,
		"Accelerator worker": StepSkipped,
	}
	got := statuses(result)
	for name, status := range want {
		if got[name] != status {
			t.Errorf("%s = %v, want %v", name, got[name], status)
		}
	}
	if !strings.Contains(buf.String(), "Preflight Passed") {
		t.Errorf("output missing summary:\n%s", buf.String())
	}
	if !strings.Contains(result.Summary(), "3/5 checks passed") {
		t.Errorf("Summary() = %q", result.Summary())
	}
}

func TestRun_MissingLocalOnlyWeights(t *testing.T) {
	cfg := readyConfig(t)
	if err := os.Remove(cfg.UpscalerWeights); err != nil {
		t.Fatal(err)
	}

	result := quietSuite(cfg).Run(context.Background())
	if result.Success {
		t.Fatal("Success = true, want false")
	}
	if !errors.Is(result.FirstError(), core.ErrMissingResource) {
		t.Errorf("FirstError() = %v, want ErrMissingResource", result.FirstError())
	}
	if !strings.Contains(result.FirstError().Error(), "upscaler") {
		t.Errorf("error should name the resource: %v", result.FirstError())
	}
}

func TestRun_OptionalWeightsMissingWarns(t *testing.T) {
	cfg := readyConfig(t)
	if err := os.Remove(cfg.FeatureExtractor); err != nil {
		t.Fatal(err)
	}

	result := quietSuite(cfg).Run(context.Background())
	if !result.Success {
		t.Fatalf("Success = false: %v", result.FirstError())
	}
	if statuses(result)["Weights"] != StepWarning || result.Warnings != 1 {
		t.Errorf("Weights = %v, warnings = %d", statuses(result)["Weights"], result.Warnings)
	}
}

func TestRun_FailFast(t *testing.T) {
	cfg := readyConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.OutputDir = blocker

	var buf bytes.Buffer
	result := NewSuite(cfg).WithOutput(&buf).WithFailFast(true).Run(context.Background())
	if result.Success || result.Failed != 1 {
		t.Fatalf("Success = %v, Failed = %d", result.Success, result.Failed)
	}
	if len(result.Steps) != 5 {
		t.Fatalf("len(Steps) = %d, want 5", len(result.Steps))
	}
	for _, step := range result.Steps[1:] {
		if step.Status != StepSkipped {
			t.Errorf("%s = %v, want skipped", step.Name, step.Status)
		}
	}
	if !strings.Contains(buf.String(), "Preflight Failed") {
		t.Errorf("output missing failure summary:\n%s", buf.String())
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := quietSuite(readyConfig(t)).Run(ctx)
	for _, step := range result.Steps {
		if step.Status != StepSkipped {
			t.Errorf("%s = %v, want skipped", step.Name, step.Status)
		}
	}
}

func TestCheckArtifactStore_S3(t *testing.T) {
	cfg := readyConfig(t)
	cfg.ArtifactStore = core.StoreS3
	cfg.S3Bucket = "renders"
	cfg.S3Prefix = "/flux/"

	status, msg, err := quietSuite(cfg).checkArtifactStore(context.Background())
	if status != StepPassed || err != nil {
		t.Fatalf("status = %v, err = %v", status, err)
	}
	if !strings.HasPrefix(msg, "s3://renders/flux") {
		t.Errorf("message = %q", msg)
	}
}

func TestCheckDatabase_Disabled(t *testing.T) {
	cfg := readyConfig(t)
	cfg.DatabasePath = ""
	if status, _, _ := quietSuite(cfg).checkDatabase(context.Background()); status != StepSkipped {
		t.Errorf("status = %v, want skipped", status)
	}
}

func TestCheckDiskSpace(t *testing.T) {
	cfg := readyConfig(t)
	if err := os.Remove(cfg.ModelCache); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		free int64
		want StepStatus
	}{
		{"enough", 200 * core.BytesPerGB, StepPassed},
		{"too little", 10 * core.BytesPerGB, StepFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := quietSuite(cfg)
			s.diskSpace = func(path string) (DiskSpaceInfo, error) {
				return DiskSpaceInfo{Path: path, Free: tt.free, FreeFormatted: core.FormatBytes(tt.free)}, nil
			}
			status, _, err := s.checkDiskSpace(context.Background())
			if status != tt.want {
				t.Fatalf("status = %v, want %v (err %v)", status, tt.want, err)
			}
			if tt.want == StepFailed {
				var dsErr *DiskSpaceError
				if !errors.As(err, &dsErr) {
					t.Fatalf("error = %v, want DiskSpaceError", err)
				}
				if dsErr.Available != tt.free {
					t.Errorf("Available = %d, want %d", dsErr.Available, tt.free)
				}
			}
		})
	}
}

func TestRequiredDownloadSpace(t *testing.T) {
	resources := []core.WeightsResource{
		{Name: core.ResourceBase, URL: "u", Dest: "/models/FLUX.1-schnell", Archive: true},
		{Name: core.ResourceSafety, URL: "u", Dest: "/models/safety-cache", Archive: true, SizeBytes: core.BytesPerGB},
		{Name: core.ResourceUpscaler, Dest: "/models/FSRCNN_x4.pb"},
		{Name: "extra", URL: "u", Dest: "/cache/extra.bin", SizeBytes: 100},
	}
	present := func(name string) bool { return name == core.ResourceSafety }

	got := RequiredDownloadSpace(resources, present)
	wantModels := 2 * EstimatedBaseBytes
	wantModels += wantModels * DiskBufferPercent / 100
	if got["/models"] != wantModels {
		t.Errorf("/models = %d, want %d", got["/models"], wantModels)
	}
	if got["/cache"] != 110 {
		t.Errorf("/cache = %d, want 110", got["/cache"])
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2: %v", len(got), got)
	}
}

func TestCheckWorker(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	gone := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	gone.Close()

	tests := []struct {
		name string
		url  string
		want StepStatus
	}{
		{"reachable", ok.URL, StepPassed},
		{"server error", broken.URL, StepWarning},
		{"unreachable", gone.URL, StepFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := readyConfig(t)
			cfg.Backend = core.BackendWorker
			cfg.WorkerURL = tt.url
			status, msg, _ := quietSuite(cfg).checkWorker(context.Background())
			if status != tt.want {
				t.Errorf("status = %v, want %v (%s)", status, tt.want, msg)
			}
		})
	}
}

func TestGetDiskSpace(t *testing.T) {
	dir := t.TempDir()
	info, err := GetDiskSpace(filepath.Join(dir, "not", "yet", "created"))
	if err != nil {
		t.Fatalf("GetDiskSpace() error = %v", err)
	}
	if info.Path != dir {
		t.Errorf("Path = %q, want %q", info.Path, dir)
	}
	if info.Total <= 0 || info.Free < 0 || info.Free > info.Total {
		t.Errorf("implausible sizes: %+v", info)
	}
}

func TestDiskSpaceError(t *testing.T) {
	err := &DiskSpaceError{Path: "/models", Required: 2 * core.BytesPerGB, Available: core.BytesPerGB}
	want := "insufficient disk space at /models: need 2.00 GB, have 1.00 GB free"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
