// Package provision creates the privileged administrator account on boot.
//
// Provisioning is a convenience, not a precondition for serving: every path
// through Provision ends in a Result and never in a returned error. Deciding
// what a Result means for the boot is the orchestrator's job.
package provision

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Employeest/employeest-be/internal/config"
	"github.com/Employeest/employeest-be/internal/telemetry"
)

// ErrAccountExists is returned by AccountStore.CreatePrivilegedAccount when the
// username is already taken, typically because a concurrent boot created it
// between lookup and insert.
var ErrAccountExists = errors.New("account already exists")

// AccountStore is the capability the managed service exposes for accounts.
// *clients.PostgresClient satisfies it.
type AccountStore interface {
	AccountExists(ctx context.Context, username string) (bool, error)
	CountAccountsMatching(ctx context.Context, username string) (int, error)
	CreatePrivilegedAccount(ctx context.Context, username, email, password string) error
}

// Outcome classifies what a provisioning attempt did.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeExists    Outcome = "exists"
	OutcomeAmbiguous Outcome = "ambiguous"
	OutcomeCreated   Outcome = "created"
	OutcomeFailed    Outcome = "failed"
)

// Result is the typed result of one provisioning attempt.
type Result struct {
	Outcome  Outcome
	Username string
	Matches  int
	Err      error
}

// Message is the operator-facing summary for the result.
func (r Result) Message() string {
	switch r.Outcome {
	case OutcomeSkipped:
		return "admin credentials incomplete, skipping account provisioning"
	case OutcomeExists:
		return "admin account already exists"
	case OutcomeAmbiguous:
		return "multiple accounts match admin username, not creating; resolve manually"
	case OutcomeCreated:
		return "admin account created"
	case OutcomeFailed:
		return "admin account provisioning failed"
	default:
		return string(r.Outcome)
	}
}

// Provisioner runs the existence check and conditional create against an
// AccountStore.
type Provisioner struct {
	store    AccountStore
	logger   *slog.Logger
	outcomes metric.Int64Counter
}

// New returns a Provisioner backed by store.
func New(store AccountStore, logger *slog.Logger) *Provisioner {
	counter, err := otel.Meter(telemetry.InstrumentationName).Int64Counter(
		"bootstrap.provision.outcomes",
		metric.WithDescription("Admin provisioning attempts by outcome"),
	)
	if err != nil {
		logger.Warn("provision outcome counter unavailable", "err", err)
	}
	return &Provisioner{store: store, logger: logger, outcomes: counter}
}

// Provision creates the privileged account described by creds unless it is
// incomplete, already present, or ambiguous.
func (p *Provisioner) Provision(ctx context.Context, creds config.AdminConfig) Result {
	res := p.provision(ctx, creds)
	if p.outcomes != nil {
		p.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	}
	return res
}

func (p *Provisioner) provision(ctx context.Context, creds config.AdminConfig) Result {
	if !creds.IsComplete() {
		return Result{Outcome: OutcomeSkipped}
	}

	res := Result{Username: creds.Username}

	exists, err := p.store.AccountExists(ctx, creds.Username)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}

	if exists {
		n, err := p.store.CountAccountsMatching(ctx, creds.Username)
		if err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
		res.Matches = n
		res.Outcome = OutcomeExists
		if n > 1 {
			res.Outcome = OutcomeAmbiguous
		}
		return res
	}

	p.logger.DebugContext(ctx, "creating admin account", "username", creds.Username)

	err = p.store.CreatePrivilegedAccount(ctx, creds.Username, creds.Email, creds.Password)
	switch {
	case err == nil:
		res.Outcome, res.Matches = OutcomeCreated, 1
	case errors.Is(err, ErrAccountExists):
		res.Outcome, res.Matches = OutcomeExists, 1
	default:
		res.Outcome, res.Err = OutcomeFailed, err
	}
	return res
}
