package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flux_backend/core"
	"flux_backend/logging"
	"flux_backend/shutdown"

	"github.com/kardianos/service"
)

func TestServiceConfig(t *testing.T) {
	cfg, err := serviceConfig(".env")
	if err != nil {
		t.Fatalf("serviceConfig() error = %v", err)
	}
	if cfg.Name != serviceName {
		t.Errorf("Name = %q", cfg.Name)
	}

	wd, _ := os.Getwd()
	if cfg.WorkingDirectory != wd {
		t.Errorf("WorkingDirectory = %q, want %q", cfg.WorkingDirectory, wd)
	}
	want := []string{"service", "run", "--env-file", filepath.Join(wd, ".env")}
	if len(cfg.Arguments) != len(want) {
		t.Fatalf("Arguments = %v, want %v", cfg.Arguments, want)
	}
	for i := range want {
		if cfg.Arguments[i] != want[i] {
			t.Errorf("Arguments[%d] = %q, want %q", i, cfg.Arguments[i], want[i])
		}
	}
	if len(cfg.Option) == 0 {
		t.Error("platform options are empty")
	}
}

func TestServiceConfigWithoutEnvFile(t *testing.T) {
	cfg, err := serviceConfig("")
	if err != nil {
		t.Fatalf("serviceConfig() error = %v", err)
	}
	if len(cfg.Arguments) != 2 {
		t.Errorf("Arguments = %v, want [service run]", cfg.Arguments)
	}
}

func TestProgramStartStop(t *testing.T) {
	p := newProgram(&core.Config{}, logging.NewNop(), time.Second)
	started := make(chan struct{})
	p.run = func(cfg *core.Config, logger *logging.Logger, mgr *shutdown.Manager) error {
		close(started)
		<-mgr.Done()
		return mgr.Shutdown()
	}
	p.exit = func(code int) {
		t.Errorf("exit(%d) called on a clean stop", code)
	}

	if err := p.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started
	if err := p.Stop(nil); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestProgramExitsWhenServerFails(t *testing.T) {
	p := newProgram(&core.Config{}, logging.NewNop(), time.Second)
	p.run = func(*core.Config, *logging.Logger, *shutdown.Manager) error {
		return setupFailed(errors.New("weights missing"))
	}
	codes := make(chan int, 1)
	p.exit = func(code int) { codes <- code }

	if err := p.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case code := <-codes:
		if code != core.ExitCodeModelError {
			t.Errorf("exit code = %d, want %d", code, core.ExitCodeModelError)
		}
	case <-time.After(time.Second):
		t.Fatal("exit was not called")
	}
}

func TestProgramStopBeforeStart(t *testing.T) {
	if err := (&program{}).Stop(nil); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		status service.Status
		want   string
	}{
		{service.StatusRunning, "Service is running"},
		{service.StatusStopped, "Service is stopped"},
		{service.StatusUnknown, "Service status unknown"},
	}
	for _, tt := range tests {
		if got := statusText(tt.status); got != tt.want {
			t.Errorf("statusText(%v) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
