// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/graphite/internal/memory"
	"github.com/jeranaias/graphite/internal/nodegraph"
	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// SESSION TYPES
// =============================================================================

// Session is everything needed to resume work: the Node Graph, the Memory
// Bank and a record of every plan run against them.
type Session struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Graph     nodegraph.Snapshot `json:"graph"`
	Memory    memory.Snapshot    `json:"memory"`
	Runs      []RunRecord        `json:"runs,omitempty"`
}

// RunRecord is the durable outcome of one plan run.
type RunRecord struct {
	ID         string       `json:"id"`
	PlanID     string       `json:"plan_id"`
	Goal       string       `json:"goal,omitempty"`
	Status     string       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	Steps      []StepRecord `json:"steps"`
}

// StepRecord is the durable state of one step within a run.
type StepRecord struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Cause    string `json:"cause,omitempty"`
	Node     string `json:"node,omitempty"`

	// Repair is the compact history of a codegen step's repair loop.
	// Programs and full output are not kept.
	Repair   []RepairRecord `json:"repair,omitempty"`
	Analysis string         `json:"analysis,omitempty"`
}

// RepairRecord is one repair attempt as persisted.
type RepairRecord struct {
	Index    int       `json:"index"`
	ExitCode int       `json:"exit_code,omitempty"`
	TimedOut bool      `json:"timed_out,omitempty"`
	Failure  string    `json:"failure,omitempty"`
	Critique string    `json:"critique,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Succeeded reports whether the attempt passed evaluation.
func (r RepairRecord) Succeeded() bool {
	return r.Failure == ""
}

// SessionMeta is the lightweight listing form of a session.
type SessionMeta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Nodes     int       `json:"nodes"`
	Keys      int       `json:"keys"`
	Runs      int       `json:"runs"`
	Status    string    `json:"status,omitempty"` // status of the latest run
}

// Meta returns the listing metadata for s.
func (s *Session) Meta() SessionMeta {
	m := SessionMeta{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Nodes:     len(s.Graph.Nodes),
		Keys:      len(s.Memory.Entries),
		Runs:      len(s.Runs),
	}
	if n := len(s.Runs); n > 0 {
		m.Status = s.Runs[n-1].Status
	}
	return m
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// prepare fills the id, title and timestamps before a save.
func prepare(s *Session, now time.Time) {
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	if s.Title == "" {
		s.Title = summarize(s)
	}
	s.UpdatedAt = now.UTC().Round(0)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
}

// summarize derives a title from the first user entry in the graph.
func summarize(s *Session) string {
	for _, n := range s.Graph.Nodes {
		for _, e := range n.Entries {
			if e.Role != nodegraph.RoleUser || strings.TrimSpace(e.Text) == "" {
				continue
			}
			text := strings.ReplaceAll(e.Text, "\r", "")
			text = strings.ReplaceAll(text, "\n", " ")
			return util.TruncateRunes(strings.TrimSpace(text), 50)
		}
	}
	if n := len(s.Runs); n > 0 && s.Runs[0].Goal != "" {
		return util.TruncateRunes(s.Runs[0].Goal, 50)
	}
	return "New session"
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists sessions. Implementations are safe for concurrent use.
type Store interface {
	// Save writes the session, assigning an id when empty.
	Save(ctx context.Context, s *Session) error
	// Load reads a session; ErrSessionNotFound when it does not exist.
	Load(ctx context.Context, id string) (*Session, error)
	// List returns session metadata, most recently updated first.
	List(ctx context.Context) ([]SessionMeta, error)
	// Delete removes a session; ErrSessionNotFound when it does not exist.
	Delete(ctx context.Context, id string) error
	// Close releases backend resources.
	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound is returned when a session doesn't exist.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = errors.New("session not found")

// PersistenceError wraps a backend failure with the operation and session.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.SessionID, e.Err)
}

// Unwrap returns the backend error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func fail(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, SessionID: id, Err: err}
}
