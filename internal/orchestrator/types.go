package orchestrator

import "time"

// Status values used across BootstrapResult and PhaseResult.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusWarning    = "warning"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
)

// Phase names, also used as the stage tag on log lines.
const (
	PhaseMigrate   = "migrate"
	PhaseProvision = "provision"
	PhaseServe     = "serve"
)

// State is a position in the boot state machine:
//
//	start → migrating → aborted
//	                  → provisioning → serving
//
// aborted is the only failure terminal; serving hands the process over to
// the service and is never left from the orchestrator's point of view.
type State string

const (
	StateStart        State = "start"
	StateMigrating    State = "migrating"
	StateProvisioning State = "provisioning"
	StateServing      State = "serving"
	StateAborted      State = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateServing || s == StateAborted
}

// BootstrapResult is the record of one boot, written out before handoff so
// the service can report how it was started.
type BootstrapResult struct {
	Status     string                 `json:"status"` // "ok", "error", "in-progress"
	State      State                  `json:"state"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt,omitempty"`
	Phases     map[string]PhaseResult `json:"phases"`
}

// PhaseResult represents the outcome of a single bootstrap phase.
type PhaseResult struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"` // "ok", "error", "warning", "skipped"
	Outcome Outcome `json:"outcome,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// ProbeResult is returned by dependency probes for the service health API.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}
