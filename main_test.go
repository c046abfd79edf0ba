package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flux_backend/core"
	"flux_backend/httpapi"
	"flux_backend/logging"
	"flux_backend/predictor"
	"flux_backend/shutdown"
)

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(append(args, "--env-file", ""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// readyEnv points every weight location at files that exist.
func readyEnv(t *testing.T) string {
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
	t.Setenv("MODEL_CACHE", filepath.Join(dir, "FLUX.1-schnell"))
	t.Setenv("SAFETY_CACHE", filepath.Join(dir, "safety-cache"))
	t.Setenv("FEATURE_EXTRACTOR", filepath.Join(dir, "feature-extractor"))
	t.Setenv("UPSCALER_WEIGHTS", filepath.Join(dir, "FSRCNN_x4.pb"))
	t.Setenv("OUTPUT_DIR", filepath.Join(dir, "out"))
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "predictions.db"))
	t.Setenv("SD_BACKEND", core.BackendReference)
	t.Setenv("ARTIFACT_STORE", core.StoreLocal)
	return dir
}

func TestExecuteVersion(t *testing.T) {
	code, out, _ := execute(t, "--version")
	if code != core.ExitCodeSuccess {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out, core.Version) {
		t.Errorf("output %q does not contain version %q", out, core.Version)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	code, _, stderr := execute(t, "paint")
	if code != core.ExitCodeError {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeError)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExecuteConfigError(t *testing.T) {
	t.Setenv("SD_BACKEND", "onnx")

	code, _, stderr := execute(t, "check")
	if code != core.ExitCodeConfigError {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeConfigError)
	}
	if !strings.Contains(stderr, "onnx") {
		t.Errorf("stderr should name the bad value: %q", stderr)
	}
}

func TestCheckCommand(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		readyEnv(t)
		code, out, stderr := execute(t, "check")
		if code != core.ExitCodeSuccess {
			t.Fatalf("exit code = %d, stderr = %s\n%s", code, stderr, out)
		}
		if !strings.Contains(out, "Preflight Passed") {
			t.Errorf("output missing summary:\n%s", out)
		}
	})

	t.Run("missing upscaler", func(t *testing.T) {
		dir := readyEnv(t)
		if err := os.Remove(filepath.Join(dir, "FSRCNN_x4.pb")); err != nil {
			t.Fatal(err)
		}
		code, out, stderr := execute(t, "check")
		if code != core.ExitCodeModelError {
			t.Errorf("exit code = %d, want %d", code, core.ExitCodeModelError)
		}
		if stderr != "" {
			t.Errorf("failure is reported by the suite, stderr = %q", stderr)
		}
		if !strings.Contains(out, "upscaler") {
			t.Errorf("output should name the missing resource:\n%s", out)
		}
	})
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, core.ExitCodeSuccess},
		{"plain", errors.New("boom"), core.ExitCodeError},
		{"config", core.ErrMissingConfig("S3_BUCKET"), core.ExitCodeConfigError},
		{"wrapped config", fmt.Errorf("load: %w", core.ErrInvalidBackend("onnx")), core.ExitCodeConfigError},
		{"setup", setupFailed(core.ErrMissingResource), core.ExitCodeModelError},
		{"signal", &exitError{code: core.ExitCodeSIGTERM}, core.ExitCodeSIGTERM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Errorf("exitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.env")
	if err := os.WriteFile(good, []byte("FLUX_BACKEND_TEST_VAR=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("FLUX_BACKEND_TEST_VAR") })
	if err := loadEnvFile(good); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}
	if got := os.Getenv("FLUX_BACKEND_TEST_VAR"); got != "from-file" {
		t.Errorf("FLUX_BACKEND_TEST_VAR = %q", got)
	}

	if err := loadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file error = %v, want nil", err)
	}

	bad := filepath.Join(dir, "bad.env")
	if err := os.WriteFile(bad, []byte("BAD-KEY=1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := core.IsConfigError(loadEnvFile(bad)); !ok {
		t.Error("malformed file should be a ConfigError")
	}
}

func TestHashTokenCommand(t *testing.T) {
	code, out, stderr := execute(t, "hash-token", "s3cret", "--cost", "10")
	if code != core.ExitCodeSuccess {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	if err := httpapi.VerifyToken("s3cret", strings.TrimSpace(out)); err != nil {
		t.Errorf("VerifyToken() error = %v", err)
	}

	code, _, _ = execute(t, "hash-token", "s3cret", "--cost", "4")
	if code != core.ExitCodeError {
		t.Errorf("low cost exit code = %d, want %d", code, core.ExitCodeError)
	}
}

func TestHashTokenFromStdin(t *testing.T) {
	root := NewCLI()
	var out bytes.Buffer
	root.SetArgs([]string{"hash-token", "--cost", "10", "--env-file", ""})
	root.SetIn(strings.NewReader("piped-token\n"))
	root.SetOut(&out)

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := httpapi.VerifyToken("piped-token", strings.TrimSpace(out.String())); err != nil {
		t.Errorf("VerifyToken() error = %v", err)
	}
}

func TestRequestFromFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cmd := newPredictCmd()
		if err := cmd.ParseFlags([]string{"-p", "a red fox"}); err != nil {
			t.Fatal(err)
		}
		req := requestFromFlags(cmd)
		want := predictor.DefaultRequest()
		want.Prompt = "a red fox"
		if req.Prompt != want.Prompt || req.NumOutputs != want.NumOutputs || req.OutputFormat != want.OutputFormat {
			t.Errorf("req = %+v", req)
		}
		if req.Seed != nil {
			t.Errorf("Seed = %d, want nil", *req.Seed)
		}
		if len(req.HFLoras) != 1 || req.HFLoras[0] != predictor.DefaultAdapter {
			t.Errorf("HFLoras = %v", req.HFLoras)
		}
		if err := req.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		cmd := newPredictCmd()
		err := cmd.ParseFlags([]string{
			"-p", "a red fox", "-n", "3", "--seed", "42", "--steps", "8",
			"--lora", "a.safetensors,b.safetensors", "--lora-scale", "0.5",
			"--output-format", "png", "--target-width", "1024", "--disable-safety-checker",
		})
		if err != nil {
			t.Fatal(err)
		}
		req := requestFromFlags(cmd)
		if req.NumOutputs != 3 || req.NumInferenceSteps != 8 || req.OutputFormat != "png" || req.TargetWidth != 1024 {
			t.Errorf("req = %+v", req)
		}
		if req.Seed == nil || *req.Seed != 42 {
			t.Errorf("Seed = %v, want 42", req.Seed)
		}
		if len(req.HFLoras) != 2 || len(req.LoraScales) != 1 || req.LoraScales[0] != 0.5 {
			t.Errorf("adapters = %v / %v", req.HFLoras, req.LoraScales)
		}
		if !req.DisableSafetyChecker {
			t.Error("DisableSafetyChecker = false")
		}
	})
}

func TestPredictRejectsInvalidFlagsBeforeSetup(t *testing.T) {
	code, _, stderr := execute(t, "predict", "-p", "fox", "--steps", "99")
	if code != core.ExitCodeError {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeError)
	}
	if !strings.Contains(stderr, "num_inference_steps") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &predictor.Result{
		ID:          "abc",
		Outputs:     []string{"/tmp/out-abc-0-upscaled.webp"},
		Originals:   []string{"/tmp/out-abc-0.webp"},
		Seed:        7,
		Mode:        "txt2img",
		Width:       1024,
		Height:      1024,
		Rejected:    1,
		PredictTime: 1500 * time.Millisecond,
	})
	out := buf.String()
	for _, want := range []string{"abc", "seed 7", "1024x1024", "out-abc-0-upscaled.webp", "out-abc-0.webp", "1 image(s) rejected"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

type stubPredictor struct {
	calls int
}

func (s *stubPredictor) Predict(ctx context.Context, id string, req predictor.Request) (*predictor.Result, error) {
	s.calls++
	return &predictor.Result{ID: id}, nil
}

func (s *stubPredictor) QueueDepth() int { return 2 }
func (s *stubPredictor) Busy() bool      { return true }

func TestTrackedPredictor(t *testing.T) {
	stub := &stubPredictor{}
	mgr := shutdown.NewManager(logging.NewNop())
	tp := &trackedPredictor{p: stub, mgr: mgr}

	res, err := tp.Predict(context.Background(), "one", predictor.Request{})
	if err != nil || res.ID != "one" {
		t.Fatalf("Predict() = %v, %v", res, err)
	}
	if tp.QueueDepth() != 2 || !tp.Busy() {
		t.Error("queue state not passed through")
	}

	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := tp.Predict(context.Background(), "two", predictor.Request{}); !errors.Is(err, shutdown.ErrTrackerClosed) {
		t.Errorf("Predict() after shutdown error = %v, want ErrTrackerClosed", err)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1", stub.calls)
	}
}

func TestRunServerSetupFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := &core.Config{
		ModelCache:           filepath.Join(dir, "missing-model"),
		SafetyCache:          filepath.Join(dir, "safety-cache"),
		FeatureExtractor:     filepath.Join(dir, "feature-extractor"),
		UpscalerWeights:      filepath.Join(dir, "FSRCNN_x4.pb"),
		Backend:              core.BackendReference,
		OutputDir:            filepath.Join(dir, "out"),
		ArtifactStore:        core.StoreLocal,
		DatabasePath:         filepath.Join(dir, "predictions.db"),
		HistoryRetentionDays: 30,
		HTTPAddr:             "127.0.0.1:0",
	}
	mgr := shutdown.NewManager(logging.NewNop(), shutdown.WithTimeout(5*time.Second))

	err := runServer(cfg, logging.NewNop(), mgr)
	if !errors.Is(err, core.ErrMissingResource) {
		t.Fatalf("runServer() error = %v, want ErrMissingResource", err)
	}
	if code := exitCodeFor(err); code != core.ExitCodeModelError {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeModelError)
	}
	if !mgr.IsShuttingDown() {
		t.Error("shutdown did not run after setup failure")
	}

	registered := strings.Join(mgr.RegisteredHandlers(), ",")
	for _, name := range []string{"history writer", "database", "log sync"} {
		if !strings.Contains(registered, name) {
			t.Errorf("handler %q not registered: %s", name, registered)
		}
	}
	if strings.Contains(registered, "http server") {
		t.Error("http server registered although setup failed")
	}
}
