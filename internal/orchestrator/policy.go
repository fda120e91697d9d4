package orchestrator

import (
	"log/slog"

	"github.com/Employeest/employeest-be/internal/provision"
)

// Outcome names the result of a bootstrap step. Provisioning outcomes reuse
// the provision package's values.
type Outcome string

const (
	OutcomeMigrated        Outcome = "migrated"
	OutcomeMigrationFailed Outcome = "migration-failed"

	OutcomeProvisionSkipped   = Outcome(provision.OutcomeSkipped)
	OutcomeAccountExists      = Outcome(provision.OutcomeExists)
	OutcomeAccountAmbiguous   = Outcome(provision.OutcomeAmbiguous)
	OutcomeAccountCreated     = Outcome(provision.OutcomeCreated)
	OutcomeProvisioningFailed = Outcome(provision.OutcomeFailed)
)

// Action is what the orchestrator does after a step outcome.
type Action string

const (
	ActionContinue Action = "continue"
	ActionAbort    Action = "abort"
)

// Policy is the reaction to one outcome: whether boot continues, the log
// level the outcome is reported at, and the phase status recorded.
type Policy struct {
	Action Action
	Level  slog.Level
	Status string
}

// PolicyTable maps step outcomes to policies.
type PolicyTable map[Outcome]Policy

// DefaultPolicy aborts only on migration failure. Every provisioning outcome
// lets boot continue; ambiguity and failure stay distinct so they can be
// alerted on separately.
var DefaultPolicy = PolicyTable{
	OutcomeMigrated:        {Action: ActionContinue, Level: slog.LevelInfo, Status: StatusOK},
	OutcomeMigrationFailed: {Action: ActionAbort, Level: slog.LevelError, Status: StatusError},

	OutcomeProvisionSkipped:   {Action: ActionContinue, Level: slog.LevelInfo, Status: StatusSkipped},
	OutcomeAccountExists:      {Action: ActionContinue, Level: slog.LevelInfo, Status: StatusOK},
	OutcomeAccountCreated:     {Action: ActionContinue, Level: slog.LevelInfo, Status: StatusOK},
	OutcomeAccountAmbiguous:   {Action: ActionContinue, Level: slog.LevelWarn, Status: StatusWarning},
	OutcomeProvisioningFailed: {Action: ActionContinue, Level: slog.LevelError, Status: StatusError},
}

// Lookup returns the policy for o. An outcome missing from the table aborts,
// so a new outcome cannot silently pass.
func (t PolicyTable) Lookup(o Outcome) Policy {
	if p, ok := t[o]; ok {
		return p
	}
	return Policy{Action: ActionAbort, Level: slog.LevelError, Status: StatusError}
}
