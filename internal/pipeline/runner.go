package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Step and run statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Builtin is the implementation of a `uses:` step.
type Builtin func(ctx context.Context) error

// Command is one external process invocation.
type Command struct {
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Commander starts external processes. Satisfied by execCommander in
// production and by fakes in tests.
type Commander interface {
	Run(ctx context.Context, cmd Command) error
}

type execCommander struct{}

func (execCommander) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	return cmd.Run()
}

// StepResult records the execution of one step.
type StepResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	Always   bool          `json:"always,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunResult is the outcome of a whole pipeline run.
type RunResult struct {
	Status string       `json:"status"`
	Steps  []StepResult `json:"steps"`
}

// Failed reports whether any step failed.
func (r *RunResult) Failed() bool {
	return r.Status == StatusFailed
}

// Runner executes pipelines step by step.
type Runner struct {
	builtins map[string]Builtin
	cmd      Commander
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
	environ  func() []string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCommander replaces the process launcher.
func WithCommander(c Commander) RunnerOption {
	return func(r *Runner) { r.cmd = c }
}

// WithOutput sets where command output goes when a step does not redirect it.
func WithOutput(stdout, stderr io.Writer) RunnerOption {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithEnviron replaces the base environment passed to commands.
func WithEnviron(fn func() []string) RunnerOption {
	return func(r *Runner) { r.environ = fn }
}

// NewRunner returns a Runner with the given built-ins.
func NewRunner(builtins map[string]Builtin, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		builtins: builtins,
		cmd:      execCommander{},
		logger:   logger,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		environ:  os.Environ,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes p in order. Once a step fails, later steps are skipped unless
// marked always. The returned error covers only an invalid pipeline; step
// failures are reported in the result.
func (r *Runner) Run(ctx context.Context, p *Pipeline) (*RunResult, error) {
	if err := Validate(p, r.builtins); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	result := &RunResult{Status: StatusPassed, Steps: make([]StepResult, 0, len(p.Steps))}
	failed := false

	for _, step := range p.Steps {
		name := step.DisplayName()
		log := r.logger.With("step", name)

		if failed && !step.Always {
			log.Info("step skipped after earlier failure")
			result.Steps = append(result.Steps, StepResult{Name: name, Status: StatusSkipped})
			continue
		}

		log.Info("step started", "always", step.Always)
		start := time.Now()
		err := r.runStep(ctx, step)
		sr := StepResult{Name: name, Status: StatusPassed, Always: step.Always, Duration: time.Since(start)}

		if err != nil {
			failed = true
			sr.Status = StatusFailed
			sr.Error = err.Error()
			log.Error("step failed", "err", err, "duration_ms", sr.Duration.Milliseconds())
		} else {
			log.Info("step passed", "duration_ms", sr.Duration.Milliseconds())
		}
		result.Steps = append(result.Steps, sr)
	}

	if failed {
		result.Status = StatusFailed
	}
	return result, nil
}

func (r *Runner) runStep(ctx context.Context, step Step) error {
	if step.Uses != "" {
		return r.builtins[step.Uses](ctx)
	}

	stdout := r.stdout
	if step.Stdout != "" {
		f, err := os.Create(step.Stdout)
		if err != nil {
			return fmt.Errorf("opening stdout file: %w", err)
		}
		defer f.Close()
		stdout = f
	}

	err := r.cmd.Run(ctx, Command{
		Args:   step.Run,
		Env:    mergeEnv(r.environ(), step.Env),
		Stdout: stdout,
		Stderr: r.stderr,
	})
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with status %d", step.Run[0], exitErr.ExitCode())
	}
	return fmt.Errorf("running %s: %w", step.Run[0], err)
}

// mergeEnv appends extra in key order; later entries win for exec.
func mergeEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// RunID identifies a pipeline run: the GitHub Actions run id when present,
// otherwise a UTC timestamp.
func RunID(getenv func(string) string, now func() time.Time) string {
	if id := getenv("GITHUB_RUN_ID"); id != "" {
		if attempt := getenv("GITHUB_RUN_ATTEMPT"); attempt != "" && attempt != "1" {
			return id + "-" + attempt
		}
		return id
	}
	return now().UTC().Format("20060102T150405Z")
}
