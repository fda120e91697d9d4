package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Employeest/employeest-be/internal/config"
	"github.com/Employeest/employeest-be/internal/provision"
	"github.com/Employeest/employeest-be/internal/telemetry"
)

// ErrBootstrapInProgress is returned when Run is called while a boot is
// already running.
var ErrBootstrapInProgress = errors.New("bootstrap already in progress")

// ErrAlreadyRun is returned when Run is called on an orchestrator whose state
// machine has already reached a terminal state.
var ErrAlreadyRun = errors.New("bootstrap already ran")

// Migrator is satisfied by *migrations.Migrator.
type Migrator interface {
	Up(ctx context.Context) error
}

// Provisioner is satisfied by *provision.Provisioner.
type Provisioner interface {
	Provision(ctx context.Context, creds config.AdminConfig) provision.Result
}

// Launcher hands the process over to the long-running service. A successful
// Handoff does not return; any return carries the reason it failed.
type Launcher interface {
	Handoff(ctx context.Context) error
}

// Orchestrator runs migrate → provision → serve once, in that order.
type Orchestrator struct {
	migrator    Migrator
	provisioner Provisioner
	launcher    Launcher
	creds       config.AdminConfig
	logger      *slog.Logger

	policy           PolicyTable
	migrateTimeout   time.Duration
	provisionTimeout time.Duration
	reportPath       string

	running     atomic.Bool
	mu          sync.Mutex
	state       State
	transitions []State
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(t PolicyTable) Option {
	return func(o *Orchestrator) { o.policy = t }
}

// WithTimeouts bounds the migrate and provision steps. Zero means no deadline.
func WithTimeouts(migrate, provision time.Duration) Option {
	return func(o *Orchestrator) {
		o.migrateTimeout = migrate
		o.provisionTimeout = provision
	}
}

// WithReportPath writes the BootstrapResult as JSON to path before handoff
// (or abort).
func WithReportPath(path string) Option {
	return func(o *Orchestrator) { o.reportPath = path }
}

// New constructs an Orchestrator. The concrete collaborators satisfy the
// interfaces defined in this package.
func New(m Migrator, p Provisioner, l Launcher, creds config.AdminConfig, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		migrator:    m,
		provisioner: p,
		launcher:    l,
		creds:       creds,
		logger:      logger,
		policy:      DefaultPolicy,
		state:       StateStart,
		transitions: []State{StateStart},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the boot sequence. It returns a non-nil error when migration
// aborts the boot or when the handoff to the service fails; provisioning
// never makes Run fail under DefaultPolicy. With a real launcher a successful
// Run does not return at all.
func (o *Orchestrator) Run(ctx context.Context) (*BootstrapResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrBootstrapInProgress
	}
	defer o.running.Store(false)

	if o.State() != StateStart {
		return nil, ErrAlreadyRun
	}

	result := &BootstrapResult{
		Status:    StatusInProgress,
		State:     StateStart,
		StartedAt: time.Now().UTC(),
		Phases:    make(map[string]PhaseResult),
	}

	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "bootstrap")
	defer span.End()

	// Step 1: migrate. Failure is terminal.
	o.transition(result, StateMigrating)
	if err := o.migrate(ctx, result); err != nil {
		o.transition(result, StateAborted)
		o.finish(ctx, result, StatusError)
		span.SetStatus(codes.Error, "migration failed")
		return result, err
	}

	// Step 2: provision.
	o.transition(result, StateProvisioning)
	if err := o.provision(ctx, result); err != nil {
		o.transition(result, StateAborted)
		o.finish(ctx, result, StatusError)
		span.SetStatus(codes.Error, "provisioning aborted boot")
		return result, err
	}

	// Step 3: serve. Ownership of the process passes to the service.
	o.transition(result, StateServing)
	result.Phases[PhaseServe] = PhaseResult{Name: PhaseServe, Status: StatusOK}
	o.finish(ctx, result, StatusOK)
	span.SetStatus(codes.Ok, "")

	serveLog := telemetry.Stage(o.logger, PhaseServe)
	serveLog.InfoContext(ctx, "handing off to service process")
	span.End()

	if err := o.launcher.Handoff(ctx); err != nil {
		serveLog.ErrorContext(ctx, "service handoff failed", "error", err)
		result.Phases[PhaseServe] = PhaseResult{Name: PhaseServe, Status: StatusError, Error: err.Error()}
		o.finish(ctx, result, StatusError)
		return result, fmt.Errorf("starting service: %w", err)
	}
	return result, nil
}

// State returns the current state machine position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Transitions returns every state visited so far, in order.
func (o *Orchestrator) Transitions() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, len(o.transitions))
	copy(out, o.transitions)
	return out
}

func (o *Orchestrator) migrate(ctx context.Context, result *BootstrapResult) error {
	log := telemetry.Stage(o.logger, PhaseMigrate)
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "bootstrap.migrate")
	defer span.End()

	log.InfoContext(ctx, "applying database migrations")

	stepCtx, cancel := withOptionalTimeout(ctx, o.migrateTimeout)
	defer cancel()

	err := o.migrator.Up(stepCtx)

	outcome := OutcomeMigrated
	if err != nil {
		outcome = OutcomeMigrationFailed
	}
	policy := o.policy.Lookup(outcome)

	phase := PhaseResult{Name: PhaseMigrate, Status: policy.Status, Outcome: outcome}
	attrs := []any{"outcome", outcome}
	if err != nil {
		phase.Error = err.Error()
		attrs = append(attrs, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	result.Phases[PhaseMigrate] = phase
	span.SetAttributes(attribute.String("bootstrap.outcome", string(outcome)))

	if policy.Action == ActionAbort {
		log.Log(ctx, policy.Level, "migration failed, aborting boot", attrs...)
		if err == nil {
			err = fmt.Errorf("outcome %q aborts boot", outcome)
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Log(ctx, policy.Level, "migrations complete", attrs...)
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, result *BootstrapResult) error {
	log := telemetry.Stage(o.logger, PhaseProvision)
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "bootstrap.provision")
	defer span.End()

	stepCtx, cancel := withOptionalTimeout(ctx, o.provisionTimeout)
	defer cancel()

	res := o.provisioner.Provision(stepCtx, o.creds)

	outcome := Outcome(res.Outcome)
	policy := o.policy.Lookup(outcome)

	phase := PhaseResult{Name: PhaseProvision, Status: policy.Status, Outcome: outcome}
	attrs := []any{"outcome", outcome}
	if res.Username != "" {
		attrs = append(attrs, "username", res.Username)
	}
	if res.Matches > 1 {
		attrs = append(attrs, "matches", res.Matches)
	}
	if res.Err != nil {
		phase.Error = res.Err.Error()
		attrs = append(attrs, "error", res.Err.Error())
		span.RecordError(res.Err)
	}
	result.Phases[PhaseProvision] = phase
	span.SetAttributes(attribute.String("bootstrap.outcome", string(outcome)))

	log.Log(ctx, policy.Level, res.Message(), attrs...)

	if policy.Action == ActionAbort {
		span.SetStatus(codes.Error, string(outcome))
		if res.Err != nil {
			return fmt.Errorf("provisioning %s: %w", outcome, res.Err)
		}
		return fmt.Errorf("provisioning outcome %q aborts boot", outcome)
	}
	return nil
}

func (o *Orchestrator) transition(result *BootstrapResult, to State) {
	o.mu.Lock()
	o.state = to
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
	result.State = to
}

func (o *Orchestrator) finish(ctx context.Context, result *BootstrapResult, status string) {
	result.Status = status
	result.FinishedAt = time.Now().UTC()
	if o.reportPath == "" {
		return
	}
	if err := writeReport(o.reportPath, result); err != nil {
		o.logger.WarnContext(ctx, "writing bootstrap report", "path", o.reportPath, "error", err)
	}
}

func writeReport(path string, result *BootstrapResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadReport loads a BootstrapResult written by a previous boot.
func ReadReport(path string) (*BootstrapResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var result BootstrapResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding bootstrap report: %w", err)
	}
	return &result, nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
