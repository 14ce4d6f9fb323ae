// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/graphite/internal/memory"
	"github.com/jeranaias/graphite/internal/nodegraph"
	"github.com/jeranaias/graphite/internal/storage"
)

// Saver persists session snapshots. storage.Store satisfies it.
type Saver interface {
	Save(ctx context.Context, s *storage.Session) error
}

// Session is the live, resumable state runs execute against: one Node Graph
// and one Memory Bank shared by every run, plus the run history.
//
// At most one run may be active on a session at a time.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time

	Graph  *nodegraph.Graph
	Memory *memory.Bank

	mu       sync.Mutex
	runs     []storage.RunRecord
	lastRoot string
	active   bool
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		ID:     storage.NewSessionID(),
		Graph:  nodegraph.New(),
		Memory: memory.New(),
	}
}

// RestoreSession rebuilds a live session from its stored form.
func RestoreSession(rec *storage.Session) (*Session, error) {
	g, err := nodegraph.Restore(rec.Graph)
	if err != nil {
		return nil, fmt.Errorf("restore session %s graph: %w", rec.ID, err)
	}
	bank, err := memory.Restore(rec.Memory)
	if err != nil {
		return nil, fmt.Errorf("restore session %s memory: %w", rec.ID, err)
	}
	s := &Session{
		ID:        rec.ID,
		Title:     rec.Title,
		CreatedAt: rec.CreatedAt,
		Graph:     g,
		Memory:    bank,
		runs:      append([]storage.RunRecord(nil), rec.Runs...),
	}
	// Runs chain their goal nodes, so the next goal sees earlier ones.
	view := g.View()
	for i := len(view.Nodes) - 1; i >= 0; i-- {
		if view.Nodes[i].Label == goalLabel {
			s.lastRoot = view.Nodes[i].ID
			break
		}
	}
	return s, nil
}

// Runs returns the recorded runs, oldest first.
func (s *Session) Runs() []storage.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.RunRecord(nil), s.runs...)
}

// Snapshot returns the storable form of the session. extra records are
// appended after the completed runs (checkpoints of a run in progress).
func (s *Session) Snapshot(extra ...storage.RunRecord) *storage.Session {
	s.mu.Lock()
	snap := &storage.Session{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		Runs:      append(append([]storage.RunRecord(nil), s.runs...), extra...),
	}
	s.mu.Unlock()

	snap.Graph = s.Graph.Snapshot()
	snap.Memory = s.Memory.Snapshot()
	return snap
}

// acquire marks the session busy for a new run.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrSessionBusy
	}
	s.active = true
	return nil
}

// record appends a finished run. The session stays busy.
func (s *Session) record(rec storage.RunRecord, root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	if root != "" {
		s.lastRoot = root
	}
}

// free lets the next run start.
func (s *Session) free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// release records a finished run and frees the session.
func (s *Session) release(rec storage.RunRecord, root string) {
	s.record(rec, root)
	s.free()
}

func (s *Session) parentRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRoot
}

// sync copies metadata assigned by a save back onto the live session.
func (s *Session) sync(stored *storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ID = stored.ID
	s.Title = stored.Title
	s.CreatedAt = stored.CreatedAt
}
