// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK STATUS
// =============================================================================

// TaskStatus represents the current state of a background task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for a runner slot
	TaskStatusQueued TaskStatus = "Queued"

	// TaskStatusRunning indicates the task's job is executing
	TaskStatusRunning TaskStatus = "Running"

	// TaskStatusComplete indicates the job returned nil
	TaskStatusComplete TaskStatus = "Complete"

	// TaskStatusFailed indicates the job returned an error or timed out
	TaskStatusFailed TaskStatus = "Failed"

	// TaskStatusCanceled indicates the task was canceled before it finished
	TaskStatusCanceled TaskStatus = "Canceled"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether s is a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed || s == TaskStatusCanceled
}

// =============================================================================
// TASK STRUCTURE
// =============================================================================

// JobFunc is the work a task performs. It must return promptly once ctx is
// done. Progress is reported through the task.
type JobFunc func(ctx context.Context, t *Task) error

// Task is one background plan run.
type Task struct {
	// ID is a unique identifier for this task
	ID string

	// Description is a human-readable description, usually the plan goal
	Description string

	// Source is the plan file the task was created from, if any
	Source string

	// Status is the current state of the task
	Status TaskStatus

	// StartTime is when the job started running
	StartTime time.Time

	// EndTime is when the task reached a terminal status
	EndTime time.Time

	// StepsDone and StepsTotal track plan progress
	StepsDone  int
	StepsTotal int

	// Output is the job's final summary line
	Output string

	// Error is the error message if the task failed
	Error string

	job    JobFunc
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// NewTask creates a queued task that runs job.
func NewTask(description, source string, job JobFunc) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Description: description,
		Source:      source,
		Status:      TaskStatusQueued,
		job:         job,
	}
}

// =============================================================================
// TASK METHODS
// =============================================================================

// GetStatus returns the current task status (thread-safe).
func (t *Task) GetStatus() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// SetProgress records how many of the plan's steps have finished.
func (t *Task) SetProgress(done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if total < 0 {
		total = 0
	}
	if done > total {
		done = total
	}
	t.StepsDone, t.StepsTotal = done, total
}

// Progress returns finished and total step counts.
func (t *Task) Progress() (done, total int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.StepsDone, t.StepsTotal
}

// SetOutput records the job's summary line.
func (t *Task) SetOutput(output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Output = output
}

// GetError returns the error message (thread-safe).
func (t *Task) GetError() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Error
}

// start moves a queued task to running. It fails for any other status,
// so a task canceled while queued never runs.
func (t *Task) start(cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != TaskStatusQueued {
		return false
	}
	t.Status = TaskStatusRunning
	t.StartTime = time.Now()
	t.cancel = cancel
	return true
}

// finish records the terminal status. The first terminal status wins.
func (t *Task) finish(status TaskStatus, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.IsTerminal() {
		return false
	}
	t.Status = status
	t.EndTime = time.Now()
	if err != nil {
		t.Error = err.Error()
	}
	return true
}

// Cancel cancels a queued or running task.
// Returns true if the task was canceled, false if it had already finished.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	cancel := t.cancel
	status := t.Status
	t.mu.Unlock()

	switch status {
	case TaskStatusQueued:
		return t.finish(TaskStatusCanceled, nil)
	case TaskStatusRunning:
		// The runner records Canceled once the job returns.
		if cancel != nil {
			cancel()
		}
		return true
	}
	return false
}

// Duration returns how long the task has been running or took to complete.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.StartTime.IsZero() {
		return 0
	}
	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}
	return t.EndTime.Sub(t.StartTime)
}

// IsComplete returns true if the task has finished (success, failure, or canceled).
func (t *Task) IsComplete() bool {
	return t.GetStatus().IsTerminal()
}

// Summary returns a one-line summary of the task.
func (t *Task) Summary() string {
	c := t.Clone()
	summary := fmt.Sprintf("[%s] %s - %s", c.ID[:8], c.Description, c.Status)
	if c.StepsTotal > 0 {
		summary += fmt.Sprintf(" %d/%d steps", c.StepsDone, c.StepsTotal)
	}
	if d := t.Duration(); d > 0 {
		summary += fmt.Sprintf(" (%.1fs)", d.Seconds())
	}
	return summary
}

// Clone returns a copy for reading. The copy has no job.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Task{
		ID:          t.ID,
		Description: t.Description,
		Source:      t.Source,
		Status:      t.Status,
		StartTime:   t.StartTime,
		EndTime:     t.EndTime,
		StepsDone:   t.StepsDone,
		StepsTotal:  t.StepsTotal,
		Output:      t.Output,
		Error:       t.Error,
	}
}
