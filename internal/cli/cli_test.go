// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/config"
	"github.com/jeranaias/graphite/internal/engine"
	"github.com/jeranaias/graphite/internal/events"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/storage"
)

var testInfo = BuildInfo{Version: "1.2.3", GitCommit: "abc123", BuildDate: "2025-01-01"}

// testEnv writes a config that keeps sessions and outputs under a temp dir
// and returns the --config flag for it.
func testEnv(t *testing.T) (configFlag string, dir string) {
	t.Helper()
	ForceColorsEnabled(false)
	config.ResetGlobalForTesting()
	dir = t.TempDir()
	t.Setenv("HOME", dir)

	path := filepath.Join(dir, "config.toml")
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Storage.Path = filepath.Join(dir, "sessions")
	cfg.Tools.Files.OutputDir = filepath.Join(dir, "out")
	require.NoError(t, config.SaveTOML(cfg, path))
	return "--config=" + path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(testInfo, &out, &out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writePlan(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const memoryPlan = `goal: Remember a note
steps:
  - id: save
    kind: memory
    params: {action: save, key: note, input: remember me}
  - id: recall
    kind: memory
    depends_on: [save]
    params: {action: load, key: note}
`

// =============================================================================
// EXIT CODES
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailure},
		{"usage", &ExitError{Code: ExitUsage}, ExitUsage},
		{"cancelled", engine.ErrCancelled, ExitInterrupted},
		{"succeeded", exitForStatus(engine.PlanSucceeded, nil), ExitSuccess},
		{"failed", exitForStatus(engine.PlanFailed, errors.New("x")), ExitFailure},
		{"plan cancelled", exitForStatus(engine.PlanCancelled, engine.ErrCancelled), ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestDisplayError_SkipsReported(t *testing.T) {
	ForceColorsEnabled(false)
	var buf bytes.Buffer
	DisplayError(&buf, &ExitError{Code: ExitFailure, Err: errors.New("shown already"), Reported: true})
	assert.Empty(t, buf.String())

	DisplayError(&buf, errors.New("disk full"))
	assert.Equal(t, "[ERROR] disk full\n", buf.String())
}

// =============================================================================
// RENDERING
// =============================================================================

func TestFormatEvent(t *testing.T) {
	ForceColorsEnabled(false)
	at := time.Date(2025, 3, 1, 12, 30, 5, 0, time.UTC)

	tests := []struct {
		ev   events.Event
		want string
	}{
		{events.Event{Type: events.StepStarted, Time: at, Step: "fetch", Kind: "search", Attempt: 1}, "12:30:05 [RUNNING] fetch  search"},
		{events.Event{Type: events.StepStarted, Time: at, Step: "fetch", Kind: "search", Attempt: 2}, "12:30:05 [RUNNING] fetch  search, attempt 2"},
		{events.Event{Type: events.StepBlocked, Time: at, Step: "save", Cause: "fetch"}, "12:30:05 [BLOCKED] save  waiting on failed step fetch"},
		{events.Event{Type: events.StepFailed, Time: at, Step: "fetch", Error: "http 503\nretry later"}, "12:30:05 [FAILED] fetch  http 503"},
		{events.Event{Type: events.PlanTerminal, Time: at, PlanID: "p1", Status: "succeeded"}, "12:30:05 [SUCCEEDED] plan p1"},
		{events.Event{Type: "unknown", Time: at}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatEvent(tt.ev))
	}
}

func TestFinalOutput_PrefersSynthesis(t *testing.T) {
	res := &engine.Result{Steps: []engine.StepState{
		{ID: "a", Kind: plan.KindSearch, Status: engine.StepSucceeded, Output: "links"},
		{ID: "b", Kind: plan.KindSynthesize, Status: engine.StepSucceeded, Output: "# Report"},
		{ID: "c", Kind: plan.KindFile, Status: engine.StepSucceeded, Output: "wrote /out/r.md"},
	}}
	assert.Equal(t, "# Report", finalOutput(res))

	res.Steps[1].Status = engine.StepFailed
	assert.Equal(t, "wrote /out/r.md", finalOutput(res))
}

func TestRenderResult(t *testing.T) {
	ForceColorsEnabled(false)
	start := time.Now()
	res := &engine.Result{
		PlanID: "plan-1",
		Status: engine.PlanFailed,
		Steps: []engine.StepState{
			{ID: "fetch", Kind: plan.KindSearch, Status: engine.StepFailed, Attempts: 3, Error: errors.New("rate limited")},
			{ID: "save", Kind: plan.KindFile, Status: engine.StepBlocked, Cause: "fetch"},
		},
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}
	var buf bytes.Buffer
	renderResult(&buf, res, "sess_1")
	out := buf.String()

	assert.Contains(t, out, "Plan plan-1  [FAILED]")
	assert.Contains(t, out, "fetch  search     [FAILED] x3  rate limited")
	assert.Contains(t, out, "blocked by fetch")
	assert.Contains(t, out, "0 succeeded, 1 failed, 1 blocked, 0 cancelled in 1.5s")
	assert.Contains(t, out, "sess_1")
}

func TestRenderSession_RepairHistory(t *testing.T) {
	ForceColorsEnabled(false)
	sess := &storage.Session{
		ID:    "sess_1",
		Title: "Divide",
		Runs: []storage.RunRecord{{
			ID:     "run-1",
			Goal:   "Divide",
			Status: "failed",
			Steps: []storage.StepRecord{{
				ID: "gen", Kind: "codegen", Status: "failed", Attempts: 1,
				Error:    "repair exhausted after 2 attempts: exited with code 1",
				Analysis: "The divisor is always zero.\nUse a non-zero divisor.",
				Repair: []storage.RepairRecord{
					{Index: 1, ExitCode: 1, Failure: "exited with code 1"},
					{Index: 2, TimedOut: true, Failure: "execution timed out"},
				},
			}},
		}},
	}
	var buf bytes.Buffer
	renderSession(&buf, sess)
	out := buf.String()

	assert.Contains(t, out, "gen (codegen)")
	assert.Contains(t, out, "attempt 1  exited with code 1")
	assert.Contains(t, out, "attempt 2  execution timed out")
	assert.Contains(t, out, "The divisor is always zero.")
	assert.NotContains(t, out, "Use a non-zero divisor.")
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestVersionCmd(t *testing.T) {
	ForceColorsEnabled(false)
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "graphite 1.2.3")
	assert.Contains(t, out, "abc123")
}

func TestUsageErrorsExitTwo(t *testing.T) {
	cfgFlag, _ := testEnv(t)
	_, err := execute(t, cfgFlag, "run")
	assert.Equal(t, ExitUsage, exitCode(err))

	_, err = execute(t, cfgFlag, "run", "--parallel=many", "x.yaml")
	assert.Equal(t, ExitUsage, exitCode(err))
}

func TestValidateCmd(t *testing.T) {
	cfgFlag, dir := testEnv(t)

	good := writePlan(t, dir, "good.yaml", memoryPlan)
	out, err := execute(t, cfgFlag, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "2 steps")
	assert.Contains(t, out, "recall")

	bad := writePlan(t, dir, "bad.json", `{"goal": "loop", "steps": [
		{"id": "a", "kind": "memory", "depends_on": ["b"], "params": {"action": "save", "key": "x", "input": "1"}},
		{"id": "b", "kind": "memory", "depends_on": ["a"], "params": {"action": "save", "key": "y", "input": "2"}},
		{"id": "c", "kind": "search", "depends_on": ["zzz"], "params": {"query": "q"}}
	]}`)
	out, err = execute(t, cfgFlag, "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, exitCode(err))
	assert.Contains(t, out, "[FAILED]")
	assert.Contains(t, out, string(plan.CodeCyclicDependency))
	assert.Contains(t, out, string(plan.CodeUnknownDependency))
}

func TestRunCmd_StoresSessionAndResumes(t *testing.T) {
	cfgFlag, dir := testEnv(t)
	path := writePlan(t, dir, "note.yaml", memoryPlan)

	out, err := execute(t, cfgFlag, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[SUCCEEDED] save")
	assert.Contains(t, out, "2 succeeded, 0 failed")
	assert.Contains(t, out, "remember me")

	out, err = execute(t, cfgFlag, "sessions", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	id := strings.Fields(lines[0])[0]
	assert.Contains(t, lines[0], "[SUCCEEDED]")

	recall := writePlan(t, dir, "recall.yaml", `goal: Recall
steps:
  - id: again
    kind: memory
    params: {action: load, key: note}
`)
	_, err = execute(t, cfgFlag, "run", recall, "--session", id)
	require.NoError(t, err)

	out, err = execute(t, cfgFlag, "sessions", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Recall")
	assert.Contains(t, out, "note = remember me")

	_, err = execute(t, cfgFlag, "sessions", "delete", id)
	require.NoError(t, err)
	_, err = execute(t, cfgFlag, "sessions", "show", id)
	assert.Error(t, err)
}

func TestRunCmd_FailedPlanExitsOne(t *testing.T) {
	cfgFlag, dir := testEnv(t)
	path := writePlan(t, dir, "missing.yaml", `goal: Missing key
steps:
  - id: load
    kind: memory
    params: {action: load, key: never_written}
`)
	out, err := execute(t, cfgFlag, "run", path)
	// An unbound key is a compile error, not a run failure.
	require.Error(t, err)
	assert.Equal(t, ExitFailure, exitCode(err))
	assert.NotContains(t, out, "[SUCCEEDED]")
}

func TestConfigInit(t *testing.T) {
	ForceColorsEnabled(false)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	out, err := execute(t, "--config="+path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	_, err = execute(t, "--config="+path, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out, err = execute(t, "--config="+path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"parallelism": 4`)
}
