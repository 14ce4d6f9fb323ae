// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/memory"
	"github.com/jeranaias/graphite/internal/nodegraph"
)

var epoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func tick(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

// fixtureSession builds a session from a real graph and bank.
func fixtureSession(t *testing.T) *Session {
	t.Helper()

	ids := []string{"n-root", "n-step1", "n-step2"}
	g := nodegraph.New(nodegraph.WithClock(tick(epoch)), nodegraph.WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	root, err := g.CreateNode("", "goal")
	require.NoError(t, err)
	require.NoError(t, g.AppendContent(root, nodegraph.Entry{Role: nodegraph.RoleUser, Text: "Find the population\nof Lisbon"}))
	step, err := g.CreateNode(root, "step_1")
	require.NoError(t, err)
	require.NoError(t, g.AppendContent(step, nodegraph.Entry{Role: nodegraph.RoleTool, Text: "545,000"}))
	require.NoError(t, g.AppendLog(step, "search succeeded"))
	require.NoError(t, g.SetStatus(step, nodegraph.StatusSucceeded))

	bank := memory.New(memory.WithClock(tick(epoch)))
	require.NoError(t, bank.Write("step_1.output", memory.Text("545,000"), "step_1"))
	require.NoError(t, bank.Write("population", memory.Number(545000), "step_1"))
	rec, err := memory.NewRecord(map[string]interface{}{"city": "Lisbon", "rank": 1.0})
	require.NoError(t, err)
	require.NoError(t, bank.Write("facts", rec, "step_2"))
	require.NoError(t, bank.Write("report", memory.FileRef("/tmp/report.md"), "step_3"))

	return &Session{
		Graph:  g.Snapshot(),
		Memory: bank.Snapshot(),
		Runs: []RunRecord{{
			ID:         "run-1",
			PlanID:     "plan-1",
			Goal:       "population of Lisbon",
			Status:     "succeeded",
			StartedAt:  epoch,
			FinishedAt: epoch.Add(time.Minute),
			Steps: []StepRecord{
				{ID: "step_1", Kind: "search", Status: "succeeded", Attempts: 1, Node: step},
				{ID: "step_2", Kind: "sandbox", Status: "blocked", Cause: "step_0", Error: "blocked by step_0"},
				{ID: "step_3", Kind: "codegen", Status: "failed", Attempts: 1, Error: "repair exhausted after 2 attempts: exited with code 1",
					Analysis: "x is never defined.",
					Repair: []RepairRecord{
						{Index: 1, ExitCode: 1, Failure: "exited with code 1", Critique: "NameError: x", Started: epoch, Finished: epoch.Add(time.Second)},
						{Index: 2, TimedOut: true, Failure: "execution timed out", Started: epoch.Add(time.Second), Finished: epoch.Add(3 * time.Second)},
					}},
			},
		}},
	}
}

// backends opens every Store implementation against a fresh location.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	file, err := NewFileStoreWithDir(t.TempDir(), nil)
	require.NoError(t, err)
	file.now = tick(epoch)

	sqlite, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)
	sqlite.now = tick(epoch)

	bdb, err := OpenBadger(BadgerOptions{InMemory: true}, nil)
	require.NoError(t, err)
	bdb.now = tick(epoch)

	stores := map[string]Store{BackendFile: file, BackendSQLite: sqlite, BackendBadger: bdb}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

// =============================================================================
// CONTRACT TESTS (every backend)
// =============================================================================

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := fixtureSession(t)

			require.NoError(t, store.Save(ctx, sess))
			assert.NotEmpty(t, sess.ID)
			assert.Equal(t, "Find the population of Lisbon", sess.Title)
			assert.False(t, sess.CreatedAt.IsZero())
			assert.Equal(t, sess.CreatedAt, sess.UpdatedAt)

			loaded, err := store.Load(ctx, sess.ID)
			require.NoError(t, err)
			if diff := cmp.Diff(sess, loaded); diff != "" {
				t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
			}

			// Restoring the loaded snapshots yields working components.
			g, err := nodegraph.Restore(loaded.Graph)
			require.NoError(t, err)
			ctxEntries, err := g.EffectiveContext("n-step1", 0)
			require.NoError(t, err)
			require.Len(t, ctxEntries, 2)

			bank, err := memory.Restore(loaded.Memory)
			require.NoError(t, err)
			v, err := bank.Read("population")
			require.NoError(t, err)
			assert.Equal(t, memory.Number(545000), v)
		})
	}
}

func TestStore_SaveKeepsCreatedAt(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := fixtureSession(t)
			require.NoError(t, store.Save(ctx, sess))
			created := sess.CreatedAt

			sess.Runs = append(sess.Runs, RunRecord{ID: "run-2", PlanID: "plan-2", Status: "failed", StartedAt: epoch})
			require.NoError(t, store.Save(ctx, sess))
			assert.Equal(t, created, sess.CreatedAt)
			assert.True(t, sess.UpdatedAt.After(created))

			loaded, err := store.Load(ctx, sess.ID)
			require.NoError(t, err)
			assert.Len(t, loaded.Runs, 2)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, "sess_missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			err = store.Delete(ctx, "sess_missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			var perr *PersistenceError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "delete", perr.Op)
			assert.Equal(t, "sess_missing", perr.SessionID)
		})
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			metas, err := store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, metas)

			first := fixtureSession(t)
			first.ID = "sess_first"
			require.NoError(t, store.Save(ctx, first))
			second := &Session{ID: "sess_second", Title: "Second"}
			require.NoError(t, store.Save(ctx, second))

			metas, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, metas, 2)
			assert.Equal(t, "sess_second", metas[0].ID, "most recent first")
			assert.Equal(t, SessionMeta{
				ID:        "sess_first",
				Title:     "Find the population of Lisbon",
				CreatedAt: first.CreatedAt,
				UpdatedAt: first.UpdatedAt,
				Nodes:     2,
				Keys:      4,
				Runs:      1,
				Status:    "succeeded",
			}, metas[1])

			require.NoError(t, store.Delete(ctx, "sess_first"))
			metas, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, metas, 1)
			assert.Equal(t, "sess_second", metas[0].ID)
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := store.Save(ctx, &Session{ID: "sess_x"})
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

// =============================================================================
// FILE STORE SPECIFICS
// =============================================================================

func TestFileStore_RejectsPathIDs(t *testing.T) {
	store, err := NewFileStoreWithDir(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"../escape", "a/b", `a\b`, ".."} {
		_, err := store.Load(ctx, id)
		assert.ErrorIs(t, err, errInvalidID, id)
		assert.ErrorIs(t, store.Save(ctx, &Session{ID: id}), errInvalidID, id)
	}
}

func TestFileStore_EnforcesLimit(t *testing.T) {
	store, err := NewFileStoreWithDir(t.TempDir(), nil)
	require.NoError(t, err)
	store.now = tick(epoch)
	store.MaxSessions = 2
	ctx := context.Background()

	for _, id := range []string{"sess_a", "sess_b", "sess_c"} {
		require.NoError(t, store.Save(ctx, &Session{ID: id}))
	}

	metas, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "sess_c", metas[0].ID)
	assert.Equal(t, "sess_b", metas[1].ID)
}

func TestFileStore_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStoreWithDir(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Session{ID: "sess_ok"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess_bad.json"), []byte("{not json"), 0600))

	metas, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "sess_ok", metas[0].ID)

	_, err = store.Load(ctx, "sess_bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}

// =============================================================================
// OPEN
// =============================================================================

func TestOpen(t *testing.T) {
	ctx := context.Background()

	for _, backend := range []string{"", BackendFile, BackendSQLite, BackendBadger} {
		path := filepath.Join(t.TempDir(), "store")
		store, err := Open(ctx, Options{Backend: backend, Path: path}, nil)
		require.NoError(t, err, backend)
		require.NoError(t, store.Save(ctx, &Session{ID: "sess_open"}), backend)
		require.NoError(t, store.Close(), backend)
	}

	_, err := Open(ctx, Options{Backend: "postgres", Path: t.TempDir()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "postgres"`)
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("sess_")+16)
	assert.NoError(t, checkID(a))
}
