package orchestrator

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outcome Outcome
		action  Action
		level   slog.Level
		status  string
	}{
		{OutcomeMigrated, ActionContinue, slog.LevelInfo, StatusOK},
		{OutcomeMigrationFailed, ActionAbort, slog.LevelError, StatusError},
		{OutcomeProvisionSkipped, ActionContinue, slog.LevelInfo, StatusSkipped},
		{OutcomeAccountExists, ActionContinue, slog.LevelInfo, StatusOK},
		{OutcomeAccountCreated, ActionContinue, slog.LevelInfo, StatusOK},
		{OutcomeAccountAmbiguous, ActionContinue, slog.LevelWarn, StatusWarning},
		{OutcomeProvisioningFailed, ActionContinue, slog.LevelError, StatusError},
	}

	for _, tc := range tests {
		t.Run(string(tc.outcome), func(t *testing.T) {
			t.Parallel()

			p := DefaultPolicy.Lookup(tc.outcome)
			assert.Equal(t, tc.action, p.Action)
			assert.Equal(t, tc.level, p.Level)
			assert.Equal(t, tc.status, p.Status)
		})
	}
}

func TestPolicyTable_UnknownOutcomeAborts(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy.Lookup(Outcome("something-new"))
	assert.Equal(t, ActionAbort, p.Action)
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StateServing.Terminal())
	assert.True(t, StateAborted.Terminal())
	assert.False(t, StateStart.Terminal())
	assert.False(t, StateMigrating.Terminal())
	assert.False(t, StateProvisioning.Terminal())
}

func TestPhaseResult_JSONShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(PhaseResult{Name: "provision", Status: StatusSkipped, Outcome: OutcomeProvisionSkipped})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "provision", got["name"])
	assert.Equal(t, "skipped", got["status"])
	assert.Equal(t, "skipped", got["outcome"])
	_, hasError := got["error"]
	assert.False(t, hasError)
}

func TestProbeResult_JSONShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ProbeResult{Name: "postgres", OK: false, LatencyMs: 4, Error: "timeout"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "postgres", got["name"])
	assert.Equal(t, false, got["ok"])
	assert.Equal(t, float64(4), got["latencyMs"])
	assert.Equal(t, "timeout", got["error"])
}
