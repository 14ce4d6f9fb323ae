// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/memory"
	"github.com/jeranaias/graphite/internal/repair"
	"github.com/jeranaias/graphite/internal/tools"
)

var (
	// ErrCancelled marks steps and runs stopped by cancellation.
	ErrCancelled = errors.New("run cancelled")

	// ErrSessionBusy is returned by Start when the session already has an
	// active run.
	ErrSessionBusy = errors.New("session already has an active run")

	// ErrNoRepairLoop fails codegen steps on an engine built without a loop.
	ErrNoRepairLoop = errors.New("no repair loop configured")

	// ErrNilPlan is returned by Start for a nil plan.
	ErrNilPlan = errors.New("nil plan")

	// ErrUnresolvedInput is an engine bug: a compiled step read a key that
	// was not committed when it was dispatched.
	ErrUnresolvedInput = errors.New("unresolved input")
)

// BlockedError is the error of a Blocked step. Cause names the failed step
// the blockage originates from, and Err is that step's error.
type BlockedError struct {
	Step  string
	Cause string
	Err   error
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("step %s blocked by failed step %s: %v", e.Step, e.Cause, e.Err)
}

func (e *BlockedError) Unwrap() error {
	return e.Err
}

// classify maps a step error onto the retry taxonomy.
func classify(err error) tools.ErrorKind {
	if err == nil {
		return tools.ErrorNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return tools.ErrorCancelled
	}
	var exhausted *repair.ExhaustedError
	if errors.As(err, &exhausted) {
		return tools.ErrorFatal
	}
	// A nested plan already spent its own retry budgets.
	var sub *SubplanError
	if errors.As(err, &sub) {
		return tools.ErrorFatal
	}
	if errors.Is(err, memory.ErrNotFound) || errors.Is(err, ErrUnresolvedInput) {
		return tools.ErrorFatal
	}
	var ie *tools.InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if llm.IsTransient(err) {
		return tools.ErrorTransient
	}
	return tools.ErrorFatal
}

// SubplanError is the failure of a sub-plan step. The nested status table is
// in the step's StepState.Subplan.
type SubplanError struct {
	Step   string
	Status PlanStatus
	Err    error
}

func (e *SubplanError) Error() string {
	return fmt.Sprintf("subplan %s %s: %v", e.Step, e.Status, e.Err)
}

func (e *SubplanError) Unwrap() error {
	return e.Err
}
