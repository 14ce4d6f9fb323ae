// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pollInterval is the fallback wakeup when no signal arrives.
const pollInterval = 100 * time.Millisecond

// =============================================================================
// TASK RUNNER
// =============================================================================

// Runner executes queued tasks with bounded concurrency.
type Runner struct {
	queue         *Queue
	maxConcurrent int
	taskTimeout   time.Duration
	logger        *zap.Logger

	semaphore chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRunner creates a runner for queue. maxConcurrent defaults to 2;
// taskTimeout of 0 means no timeout.
func NewRunner(queue *Queue, maxConcurrent int, taskTimeout time.Duration, logger *zap.Logger) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		queue:         queue,
		maxConcurrent: maxConcurrent,
		taskTimeout:   taskTimeout,
		logger:        logger,
		semaphore:     make(chan struct{}, maxConcurrent),
		stop:          make(chan struct{}),
	}
}

// =============================================================================
// RUNNER LIFECYCLE
// =============================================================================

// Start begins processing tasks. Cancelling ctx cancels running tasks.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.processLoop(ctx)
}

// Stop stops taking new tasks and waits for running ones to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// =============================================================================
// TASK PROCESSING
// =============================================================================

func (r *Runner) processLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		r.dispatch(ctx)

		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-r.queue.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts queued tasks while slots are free.
func (r *Runner) dispatch(ctx context.Context) {
	for {
		select {
		case r.semaphore <- struct{}{}:
		default:
			return
		}

		task := r.queue.claim()
		if task == nil {
			<-r.semaphore
			return
		}

		var taskCtx context.Context
		var cancel context.CancelFunc
		if r.taskTimeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		} else {
			taskCtx, cancel = context.WithCancel(ctx)
		}
		if !task.start(cancel) {
			// Canceled between claim and start.
			cancel()
			<-r.semaphore
			continue
		}
		r.queue.markRunning(task)

		r.wg.Add(1)
		go r.execute(taskCtx, cancel, task)
	}
}

func (r *Runner) execute(ctx context.Context, cancel context.CancelFunc, task *Task) {
	defer r.wg.Done()
	defer func() {
		<-r.semaphore
		r.queue.signal()
	}()
	defer cancel()

	r.logger.Info("task started", zap.String("task", task.ID), zap.String("source", task.Source))
	err := r.run(ctx, task)

	switch {
	case err == nil:
		task.finish(TaskStatusComplete, nil)
	case errors.Is(ctx.Err(), context.Canceled):
		task.finish(TaskStatusCanceled, nil)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		task.finish(TaskStatusFailed, fmt.Errorf("task timeout after %v: %w", r.taskTimeout, err))
	default:
		task.finish(TaskStatusFailed, err)
	}

	status := task.GetStatus()
	r.logger.Info("task finished",
		zap.String("task", task.ID),
		zap.Stringer("status", status),
		zap.Duration("duration", task.Duration()),
		zap.Error(err))
	r.queue.finished(task)
}

// run calls the job, turning a panic into an error.
func (r *Runner) run(ctx context.Context, task *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	if task.job == nil {
		return errors.New("task has no job")
	}
	return task.job(ctx, task)
}
