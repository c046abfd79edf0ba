// Package preflight checks that the host can serve predictions before any
// weights are loaded: store and database paths are writable, weights are
// present or downloadable, the disk can hold what is missing, and the
// accelerator sidecar answers when one is configured.
package preflight

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"flux_backend/core"

	"github.com/fatih/color"
)

// Step is one finished check.
type Step struct {
	Name    string
	Status  StepStatus
	Message string
	Err     error
	Latency time.Duration
}

// StepStatus is the outcome of a Step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result is the outcome of a whole run.
type Result struct {
	Steps    []Step
	Passed   int
	Failed   int
	Warnings int
	Duration time.Duration
	Success  bool
}

// FirstError returns the error of the first failed step, or nil.
func (r Result) FirstError() error {
	for _, step := range r.Steps {
		if step.Status == StepFailed && step.Err != nil {
			return step.Err
		}
	}
	return nil
}

// Summary renders the result on one line for logs.
func (r Result) Summary() string {
	var sb strings.Builder
	if r.Success {
		sb.WriteString("Preflight passed: ")
	} else {
		sb.WriteString("Preflight failed: ")
	}
	fmt.Fprintf(&sb, "%d/%d checks passed", r.Passed, len(r.Steps))
	if r.Failed > 0 {
		fmt.Fprintf(&sb, ", %d failed", r.Failed)
	}
	if r.Warnings > 0 {
		fmt.Fprintf(&sb, ", %d warnings", r.Warnings)
	}
	fmt.Fprintf(&sb, " (took %v)", r.Duration.Round(time.Millisecond))
	return sb.String()
}

// check returns a status, a short message and the cause of a failure.
type check func(ctx context.Context) (StepStatus, string, error)

// Suite runs the preflight checks for one configuration.
type Suite struct {
	cfg          *core.Config
	output       io.Writer
	httpClient   *http.Client
	showProgress bool
	failFast     bool

	// diskSpace is swapped in tests
	diskSpace func(path string) (DiskSpaceInfo, error)
}

// NewSuite returns a Suite that prints progress to stdout.
func NewSuite(cfg *core.Config) *Suite {
	return &Suite{
		cfg:          cfg,
		output:       os.Stdout,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		showProgress: true,
		diskSpace:    GetDiskSpace,
	}
}

// WithOutput sets the writer progress goes to.
func (s *Suite) WithOutput(w io.Writer) *Suite {
	s.output = w
	return s
}

// WithShowProgress enables or disables progress output.
func (s *Suite) WithShowProgress(show bool) *Suite {
	s.showProgress = show
	return s
}

// WithFailFast stops the run at the first failed check.
func (s *Suite) WithFailFast(failFast bool) *Suite {
	s.failFast = failFast
	return s
}

// WithHTTPClient overrides the client used to reach the worker.
func (s *Suite) WithHTTPClient(client *http.Client) *Suite {
	if client != nil {
		s.httpClient = client
	}
	return s
}

// Run executes every check in order.
func (s *Suite) Run(ctx context.Context) Result {
	start := time.Now()
	if s.showProgress {
		s.printHeader("flux_backend preflight " + core.Version)
	}

	checks := []struct {
		name string
		fn   check
	}{
		{"Artifact store", s.checkArtifactStore},
		{"History database", s.checkDatabase},
		{"Weights", s.checkWeights},
		{"Disk space", s.checkDiskSpace},
		{"Accelerator worker", s.checkWorker},
	}

	steps := make([]Step, 0, len(checks))
	for i, c := range checks {
		if ctx.Err() != nil {
			steps = append(steps, s.skip(c.name, "Cancelled"))
			continue
		}
		step := s.runStep(ctx, c.name, c.fn)
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			for _, rest := range checks[i+1:] {
				steps = append(steps, s.skip(rest.name, "Skipped after failure"))
			}
			break
		}
	}

	result := buildResult(steps, start)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

func (s *Suite) runStep(ctx context.Context, name string, fn check) Step {
	if s.showProgress {
		fmt.Fprintf(s.output, "  ◌ %s...", name)
	}
	start := time.Now()
	status, msg, err := fn(ctx)
	step := Step{
		Name:    name,
		Status:  status,
		Message: msg,
		Err:     err,
		Latency: time.Since(start),
	}
	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func (s *Suite) skip(name, msg string) Step {
	step := Step{Name: name, Status: StepSkipped, Message: msg}
	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func buildResult(steps []Step, start time.Time) Result {
	result := Result{Steps: steps, Duration: time.Since(start), Success: true}
	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.Passed++
		case StepFailed:
			result.Failed++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}
	return result
}

func (s *Suite) printHeader(title string) {
	fmt.Fprintln(s.output)
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

func (s *Suite) printStep(step Step) {
	var icon string
	var clr *color.Color
	switch step.Status {
	case StepPassed:
		icon, clr = "✓", color.New(color.FgGreen)
	case StepFailed:
		icon, clr = "✗", color.New(color.FgRed)
	case StepWarning:
		icon, clr = "!", color.New(color.FgYellow)
	case StepSkipped:
		icon, clr = "○", color.New(color.FgHiBlack)
	default:
		icon, clr = "?", color.New(color.FgWhite)
	}

	fmt.Fprint(s.output, "\r")
	clr.Fprintf(s.output, "  %s %s", icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Status == StepFailed && step.Err != nil {
		color.New(color.FgRed).Fprintf(s.output, "    └─ %s\n", step.Err.Error())
	}
}

func (s *Suite) printSummary(result Result) {
	fmt.Fprintln(s.output)
	if result.Success {
		ok := color.New(color.FgGreen, color.Bold)
		ok.Fprint(s.output, "━━━ Preflight Passed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d/%d checks passed in %v)",
			result.Passed, len(result.Steps), result.Duration.Round(time.Millisecond))
		ok.Fprintln(s.output, " ━━━")
	} else {
		fail := color.New(color.FgRed, color.Bold)
		fail.Fprint(s.output, "━━━ Preflight Failed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d passed, %d failed)", result.Passed, result.Failed)
		fail.Fprintln(s.output, " ━━━")
	}
	fmt.Fprintln(s.output)
}
