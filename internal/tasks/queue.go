// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Add when the queued limit is reached.
var ErrQueueFull = errors.New("task queue is full")

// =============================================================================
// TASK QUEUE
// =============================================================================

// Queue holds background tasks in submission order.
type Queue struct {
	tasks   []*Task
	running map[string]*Task

	// maxHistory is the maximum number of finished tasks to keep (0 = unlimited)
	maxHistory int

	// maxQueued is the maximum number of waiting tasks (0 = unlimited)
	maxQueued int

	mu         sync.RWMutex
	notifyChan chan TaskNotification
	wake       chan struct{}
	logger     *zap.Logger
}

// TaskNotification reports a task reaching a terminal status.
type TaskNotification struct {
	TaskID      string
	Description string
	Source      string
	Status      TaskStatus
	Error       string
	Duration    time.Duration
}

// NewQueue creates a task queue. maxHistory bounds finished tasks kept for
// listing, maxQueued bounds tasks waiting to run; zero means unlimited.
func NewQueue(maxHistory, maxQueued int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		running:    make(map[string]*Task),
		maxHistory: maxHistory,
		maxQueued:  maxQueued,
		notifyChan: make(chan TaskNotification, 100),
		wake:       make(chan struct{}, 1),
		logger:     logger,
	}
}

// =============================================================================
// TASK MANAGEMENT
// =============================================================================

// Add appends a queued task.
func (q *Queue) Add(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxQueued > 0 {
		queued := 0
		for _, t := range q.tasks {
			if t.GetStatus() == TaskStatusQueued {
				queued++
			}
		}
		if queued >= q.maxQueued {
			return fmt.Errorf("%w: %d queued (max %d)", ErrQueueFull, queued, q.maxQueued)
		}
	}

	q.tasks = append(q.tasks, task)
	q.signal()
	return nil
}

// signal wakes the runner without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Get returns a copy of the task with id, or nil.
func (q *Queue) Get(id string) *Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, task := range q.tasks {
		if task.ID == id {
			return task.Clone()
		}
	}
	return nil
}

// Cancel cancels a queued or running task by ID.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	var target *Task
	for _, task := range q.tasks {
		if task.ID == id {
			target = task
			break
		}
	}
	q.mu.Unlock()

	if target == nil || !target.Cancel() {
		return false
	}
	if target.GetStatus() == TaskStatusCanceled {
		q.finished(target)
	}
	return true
}

// claim returns the oldest queued task, or nil.
func (q *Queue) claim() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range q.tasks {
		if task.GetStatus() == TaskStatusQueued {
			return task
		}
	}
	return nil
}

func (q *Queue) markRunning(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[task.ID] = task
}

// finished removes task from the running set and announces its status.
func (q *Queue) finished(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, task.ID)
	c := task.Clone()
	q.notify(TaskNotification{
		TaskID:      c.ID,
		Description: c.Description,
		Source:      c.Source,
		Status:      c.Status,
		Error:       c.Error,
		Duration:    task.Duration(),
	})
	q.cleanupLocked()
}

// =============================================================================
// QUEUE QUERIES
// =============================================================================

// All returns copies of every task in submission order.
func (q *Queue) All() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]*Task, len(q.tasks))
	for i, task := range q.tasks {
		result[i] = task.Clone()
	}
	return result
}

// RunningCount returns the number of running tasks.
func (q *Queue) RunningCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.running)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Notifications delivers one notification per finished task.
func (q *Queue) Notifications() <-chan TaskNotification {
	return q.notifyChan
}

// notify must be called with the lock held.
func (q *Queue) notify(n TaskNotification) {
	select {
	case q.notifyChan <- n:
	default:
		q.logger.Warn("notification channel full, dropping notification",
			zap.String("task", n.TaskID),
			zap.Stringer("status", n.Status))
	}
}

// =============================================================================
// CLEANUP
// =============================================================================

// cleanupLocked drops the oldest finished tasks beyond maxHistory.
func (q *Queue) cleanupLocked() {
	if q.maxHistory <= 0 {
		return
	}
	finished := 0
	for _, task := range q.tasks {
		if task.IsComplete() {
			finished++
		}
	}
	toRemove := finished - q.maxHistory
	if toRemove <= 0 {
		return
	}
	kept := make([]*Task, 0, len(q.tasks)-toRemove)
	for _, task := range q.tasks {
		if task.IsComplete() && toRemove > 0 {
			toRemove--
			continue
		}
		kept = append(kept, task)
	}
	q.tasks = kept
}

// =============================================================================
// FORMATTING
// =============================================================================

// Summary returns a formatted summary of the queue.
func (q *Queue) Summary() string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts := map[TaskStatus]int{}
	for _, task := range q.tasks {
		counts[task.GetStatus()]++
	}
	return fmt.Sprintf("Running: %d | Queued: %d | Completed: %d | Failed: %d | Canceled: %d",
		len(q.running), counts[TaskStatusQueued], counts[TaskStatusComplete],
		counts[TaskStatusFailed], counts[TaskStatusCanceled])
}
