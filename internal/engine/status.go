// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/graphite/internal/nodegraph"
	"github.com/jeranaias/graphite/internal/plan"
	"github.com/jeranaias/graphite/internal/repair"
	"github.com/jeranaias/graphite/internal/storage"
	"github.com/jeranaias/graphite/internal/tools"
	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// STEP STATUS
// =============================================================================

// StepStatus is the scheduler's view of one step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepReady
	StepRunning
	StepSucceeded
	StepFailed
	StepBlocked
	StepCancelled
)

var stepStatusNames = map[StepStatus]string{
	StepPending:   "pending",
	StepReady:     "ready",
	StepRunning:   "running",
	StepSucceeded: "succeeded",
	StepFailed:    "failed",
	StepBlocked:   "blocked",
	StepCancelled: "cancelled",
}

func (s StepStatus) String() string {
	if name, ok := stepStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StepStatus(%d)", int(s))
}

// IsTerminal reports whether s can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s >= StepSucceeded
}

// MarshalText implements encoding.TextMarshaler.
func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// nodeStatus maps a step status onto its output node's status.
func (s StepStatus) nodeStatus() nodegraph.Status {
	switch s {
	case StepRunning:
		return nodegraph.StatusRunning
	case StepSucceeded:
		return nodegraph.StatusSucceeded
	case StepFailed:
		return nodegraph.StatusFailed
	case StepBlocked:
		return nodegraph.StatusBlocked
	case StepCancelled:
		return nodegraph.StatusCancelled
	default:
		return nodegraph.StatusPending
	}
}

// =============================================================================
// PLAN STATUS
// =============================================================================

// PlanStatus is the aggregate outcome of a run.
type PlanStatus int

const (
	PlanRunning PlanStatus = iota
	PlanSucceeded
	PlanFailed
	PlanCancelled
)

func (s PlanStatus) String() string {
	switch s {
	case PlanRunning:
		return "running"
	case PlanSucceeded:
		return "succeeded"
	case PlanFailed:
		return "failed"
	case PlanCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("PlanStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PlanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s PlanStatus) nodeStatus() nodegraph.Status {
	switch s {
	case PlanSucceeded:
		return nodegraph.StatusSucceeded
	case PlanFailed:
		return nodegraph.StatusFailed
	case PlanCancelled:
		return nodegraph.StatusCancelled
	default:
		return nodegraph.StatusRunning
	}
}

// aggregate folds step statuses into a plan status. Cancellation wins, then
// any Failed or Blocked step.
func aggregate(states []*StepState) PlanStatus {
	status := PlanSucceeded
	for _, st := range states {
		switch st.Status {
		case StepCancelled:
			return PlanCancelled
		case StepFailed, StepBlocked:
			status = PlanFailed
		case StepSucceeded:
		default:
			status = PlanFailed
		}
	}
	return status
}

// =============================================================================
// STEP STATE
// =============================================================================

// StepState is the per-step row of the status table. ID is fully qualified:
// steps of a sub-plan are prefixed with the owning step's id and a slash.
type StepState struct {
	ID       string
	Kind     plan.Kind
	Status   StepStatus
	Attempts int

	// ErrorKind classifies Error for Failed steps.
	ErrorKind tools.ErrorKind
	Error     error

	// Cause is the originating failed step for Blocked steps.
	Cause string

	// NodeID is the output node; empty for steps that never started.
	NodeID string

	ReadyAt    time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// Output is the committed result text for Succeeded steps.
	Output string

	// Repair holds the attempt log of a code-generation step.
	Repair []repair.Attempt

	// Subplan is the nested run of a sub-plan step.
	Subplan *Result
}

func (s *StepState) clone() StepState {
	cp := *s
	if s.Repair != nil {
		cp.Repair = append([]repair.Attempt(nil), s.Repair...)
	}
	return cp
}

func (s *StepState) record() storage.StepRecord {
	rec := storage.StepRecord{
		ID:       s.ID,
		Kind:     string(s.Kind),
		Status:   s.Status.String(),
		Attempts: s.Attempts,
		Cause:    s.Cause,
		Node:     s.NodeID,
	}
	if s.Error != nil {
		rec.Error = s.Error.Error()
		var exhausted *repair.ExhaustedError
		if errors.As(s.Error, &exhausted) {
			rec.Analysis = exhausted.Analysis
		}
	}
	for _, a := range s.Repair {
		rec.Repair = append(rec.Repair, storage.RepairRecord{
			Index:    a.Index,
			ExitCode: a.Execution.ExitCode,
			TimedOut: a.Execution.TimedOut,
			Failure:  a.Failure,
			Critique: util.TruncateRunes(a.Critique, maxCritiqueRunes),
			Started:  a.Started,
			Finished: a.Finished,
		})
	}
	return rec
}

// maxCritiqueRunes bounds each persisted critique.
const maxCritiqueRunes = 2000

// =============================================================================
// RESULT
// =============================================================================

// Result is the terminal outcome of a run: the aggregate status plus the
// per-step table in plan order.
type Result struct {
	RunID      string
	PlanID     string
	Goal       string
	Status     PlanStatus
	Steps      []StepState
	RootNode   string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Step returns the state of step id.
func (r *Result) Step(id string) (StepState, bool) {
	for _, st := range r.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return StepState{}, false
}

// Count returns how many steps ended with status.
func (r *Result) Count(status StepStatus) int {
	n := 0
	for _, st := range r.Steps {
		if st.Status == status {
			n++
		}
	}
	return n
}

// Err summarizes a non-successful run as an error, nil on success.
func (r *Result) Err() error {
	switch r.Status {
	case PlanSucceeded:
		return nil
	case PlanCancelled:
		return fmt.Errorf("plan %s cancelled: %w", r.PlanID, ErrCancelled)
	}
	for _, st := range r.Steps {
		if st.Status == StepFailed {
			return fmt.Errorf("plan %s failed: step %s: %w", r.PlanID, st.ID, st.Error)
		}
	}
	return fmt.Errorf("plan %s failed", r.PlanID)
}

// Record converts the result into its durable form.
func (r *Result) Record() storage.RunRecord {
	rec := storage.RunRecord{
		ID:         r.RunID,
		PlanID:     r.PlanID,
		Goal:       r.Goal,
		Status:     r.Status.String(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Steps:      make([]storage.StepRecord, 0, len(r.Steps)),
	}
	rec.Steps = appendRecords(rec.Steps, r.Steps)
	return rec
}

// appendRecords flattens nested sub-plan steps after their owner.
func appendRecords(dst []storage.StepRecord, steps []StepState) []storage.StepRecord {
	for i := range steps {
		dst = append(dst, steps[i].record())
		if sub := steps[i].Subplan; sub != nil {
			dst = appendRecords(dst, sub.Steps)
		}
	}
	return dst
}
