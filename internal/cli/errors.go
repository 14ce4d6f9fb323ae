// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/graphite/internal/engine"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates the plan succeeded or the command completed
	ExitSuccess = 0
	// ExitFailure indicates a failed plan or a general error
	ExitFailure = 1
	// ExitUsage indicates invalid command usage or arguments
	ExitUsage = 2
	// ExitInterrupted indicates the run was cancelled (SIGINT)
	ExitInterrupted = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ExitError carries a process exit code. Reported errors have already been
// shown to the user and are not printed again.
type ExitError struct {
	Code     int
	Err      error
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // e.g. "sessions"
	Action  string // e.g. "delete"
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitForStatus maps a run's aggregate status to an exit error.
func exitForStatus(status engine.PlanStatus, err error) error {
	switch status {
	case engine.PlanSucceeded:
		return nil
	case engine.PlanCancelled:
		return &ExitError{Code: ExitInterrupted, Err: err, Reported: true}
	default:
		return &ExitError{Code: ExitFailure, Err: err, Reported: true}
	}
}

// exitCode returns the process exit code for err.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, engine.ErrCancelled) {
		return ExitInterrupted
	}
	return ExitFailure
}

// =============================================================================
// ERROR DISPLAY
// =============================================================================

// DisplayError writes err to w unless it was already reported.
func DisplayError(w io.Writer, err error) {
	if err == nil {
		return
	}
	var ee *ExitError
	if errors.As(err, &ee) && (ee.Reported || ee.Err == nil) {
		return
	}
	fmt.Fprintf(w, "%s %s\n", RenderConditional(ErrorStyle, "[ERROR]"), err.Error())
}
