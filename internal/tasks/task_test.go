// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noop(context.Context, *Task) error { return nil }

func waitNotification(t *testing.T, q *Queue) TaskNotification {
	t.Helper()
	select {
	case n := <-q.Notifications():
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task notification")
		return TaskNotification{}
	}
}

func startRunner(t *testing.T, q *Queue, limit int, timeout time.Duration) *Runner {
	t.Helper()
	r := NewRunner(q, limit, timeout, nil)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

// =============================================================================
// TASK
// =============================================================================

func TestNewTask(t *testing.T) {
	task := NewTask("price report", "inbox/btc.yaml", noop)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "price report", task.Description)
	assert.Equal(t, "inbox/btc.yaml", task.Source)
	assert.Equal(t, TaskStatusQueued, task.GetStatus())
	assert.Zero(t, task.Duration())
}

func TestTask_SetProgressClamps(t *testing.T) {
	task := NewTask("t", "", noop)

	task.SetProgress(2, 5)
	done, total := task.Progress()
	assert.Equal(t, 2, done)
	assert.Equal(t, 5, total)

	task.SetProgress(9, 5)
	done, _ = task.Progress()
	assert.Equal(t, 5, done)
	assert.Contains(t, task.Summary(), "5/5 steps")
}

func TestTask_FirstTerminalStatusWins(t *testing.T) {
	task := NewTask("t", "", noop)
	require.True(t, task.start(func() {}))
	assert.False(t, task.start(func() {}), "a running task cannot start again")

	require.True(t, task.finish(TaskStatusFailed, errors.New("boom")))
	assert.False(t, task.finish(TaskStatusComplete, nil))
	assert.Equal(t, TaskStatusFailed, task.GetStatus())
	assert.Equal(t, "boom", task.GetError())
	assert.False(t, task.Cancel())
}

func TestTask_CancelQueued(t *testing.T) {
	task := NewTask("t", "", noop)
	require.True(t, task.Cancel())
	assert.Equal(t, TaskStatusCanceled, task.GetStatus())
	assert.False(t, task.start(func() {}), "a canceled task never runs")
}

// =============================================================================
// QUEUE
// =============================================================================

func TestQueue_QueuedLimit(t *testing.T) {
	q := NewQueue(0, 2, nil)
	require.NoError(t, q.Add(NewTask("a", "", noop)))
	require.NoError(t, q.Add(NewTask("b", "", noop)))

	err := q.Add(NewTask("c", "", noop))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, q.All(), 2)
}

func TestQueue_CancelQueuedNotifies(t *testing.T) {
	q := NewQueue(0, 0, nil)
	task := NewTask("a", "", noop)
	require.NoError(t, q.Add(task))

	assert.True(t, q.Cancel(task.ID))
	n := waitNotification(t, q)
	assert.Equal(t, task.ID, n.TaskID)
	assert.Equal(t, TaskStatusCanceled, n.Status)
	assert.False(t, q.Cancel("missing"))
	assert.Equal(t, TaskStatusCanceled, q.Get(task.ID).Status)
}

func TestQueue_HistoryBound(t *testing.T) {
	q := NewQueue(2, 0, nil)
	var ids []string
	for i := 0; i < 4; i++ {
		task := NewTask("t", "", noop)
		ids = append(ids, task.ID)
		require.NoError(t, q.Add(task))
	}
	for _, id := range ids {
		q.Cancel(id)
		waitNotification(t, q)
	}

	all := q.All()
	require.Len(t, all, 2)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[3], all[1].ID)
	assert.Contains(t, q.Summary(), "Canceled: 2")
}

// =============================================================================
// RUNNER
// =============================================================================

func TestRunner_CompletesInOrder(t *testing.T) {
	q := NewQueue(0, 0, nil)
	startRunner(t, q, 1, 0)

	first := NewTask("first", "", func(ctx context.Context, task *Task) error {
		task.SetProgress(1, 1)
		task.SetOutput("done")
		return nil
	})
	second := NewTask("second", "", func(context.Context, *Task) error {
		return errors.New("step failed")
	})
	require.NoError(t, q.Add(first))
	require.NoError(t, q.Add(second))

	n := waitNotification(t, q)
	assert.Equal(t, first.ID, n.TaskID)
	assert.Equal(t, TaskStatusComplete, n.Status)
	assert.Equal(t, "done", q.Get(first.ID).Output)

	n = waitNotification(t, q)
	assert.Equal(t, second.ID, n.TaskID)
	assert.Equal(t, TaskStatusFailed, n.Status)
	assert.Equal(t, "step failed", n.Error)
}

func TestRunner_ConcurrencyLimit(t *testing.T) {
	q := NewQueue(0, 0, nil)
	startRunner(t, q, 2, 0)

	var running, peak atomic.Int32
	release := make(chan struct{})
	job := func(ctx context.Context, _ *Task) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return nil
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Add(NewTask("t", "", job)))
	}

	require.Eventually(t, func() bool { return q.RunningCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		assert.Equal(t, TaskStatusComplete, waitNotification(t, q).Status)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestRunner_CancelRunning(t *testing.T) {
	q := NewQueue(0, 0, nil)
	startRunner(t, q, 1, 0)

	started := make(chan struct{})
	task := NewTask("t", "", func(ctx context.Context, _ *Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, q.Add(task))
	<-started

	require.True(t, q.Cancel(task.ID))
	n := waitNotification(t, q)
	assert.Equal(t, TaskStatusCanceled, n.Status)
	assert.Empty(t, n.Error)
}

func TestRunner_Timeout(t *testing.T) {
	q := NewQueue(0, 0, nil)
	startRunner(t, q, 1, 20*time.Millisecond)

	require.NoError(t, q.Add(NewTask("slow", "", func(ctx context.Context, _ *Task) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	n := waitNotification(t, q)
	assert.Equal(t, TaskStatusFailed, n.Status)
	assert.Contains(t, n.Error, "task timeout after 20ms")
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	q := NewQueue(0, 0, nil)
	startRunner(t, q, 1, 0)

	require.NoError(t, q.Add(NewTask("bad", "", func(context.Context, *Task) error {
		panic("nil map")
	})))

	n := waitNotification(t, q)
	assert.Equal(t, TaskStatusFailed, n.Status)
	assert.Contains(t, n.Error, "task panicked: nil map")
}

func TestRunner_StopWaitsForRunningTasks(t *testing.T) {
	q := NewQueue(0, 0, nil)
	r := NewRunner(q, 1, 0, nil)
	r.Start(context.Background())

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.Add(NewTask("t", "", func(context.Context, *Task) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})))
	<-started

	r.Stop()
	assert.True(t, finished.Load())
	r.Stop()
}

// =============================================================================
// INBOX
// =============================================================================

func TestIsPlanFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"btc.yaml", true},
		{"btc.YML", true},
		{"dir/plan.json", true},
		{"btc.result.json", false},
		{".btc.yaml.swp", false},
		{".hidden.yaml", false},
		{"notes.txt", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPlanFile(tt.name), tt.name)
	}
}

func TestWriteResult(t *testing.T) {
	plan := filepath.Join(t.TempDir(), "btc.yaml")

	path, err := WriteResult(plan, map[string]string{"status": "succeeded"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(plan), "btc.result.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "succeeded", got["status"])
}

func TestInboxWatcher_SubmitsSettledPlans(t *testing.T) {
	dir := t.TempDir()
	submitted := make(chan string, 10)

	w, err := NewInboxWatcher(dir, 50*time.Millisecond, func(path string) { submitted <- path }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Watch())
	t.Cleanup(func() { _ = w.Close() })

	plan := filepath.Join(dir, "btc.yaml")
	require.NoError(t, os.WriteFile(plan, []byte("goal: a\n"), 0644))
	require.NoError(t, os.WriteFile(plan, []byte("goal: b\n"), 0644))
	_, err = WriteResult(plan, map[string]string{"status": "ok"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	select {
	case got := <-submitted:
		assert.Equal(t, plan, got)
	case <-time.After(5 * time.Second):
		t.Fatal("plan was not submitted")
	}

	select {
	case extra := <-submitted:
		t.Fatalf("unexpected second submission %q", extra)
	case <-time.After(200 * time.Millisecond):
	}
}
