// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package nodegraph

import (
	"fmt"
	"time"
)

// =============================================================================
// ROLE
// =============================================================================

// Role tags who produced a content entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the execution state of the step bound to a node.
type Status int

const (
	// StatusPending - node created, step not started
	StatusPending Status = iota

	// StatusRunning - bound step is executing
	StatusRunning

	// StatusSucceeded - bound step finished successfully
	StatusSucceeded

	// StatusFailed - bound step failed
	StatusFailed

	// StatusBlocked - a dependency of the bound step failed
	StatusBlocked

	// StatusCancelled - the run was cancelled before the step finished
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:   "Pending",
	StatusRunning:   "Running",
	StatusSucceeded: "Succeeded",
	StatusFailed:    "Failed",
	StatusBlocked:   "Blocked",
	StatusCancelled: "Cancelled",
}

// String returns the string representation of a node status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// IsTerminal reports whether no further changes are allowed.
func (s Status) IsTerminal() bool {
	return s >= StatusSucceeded
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown node status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for status, name := range statusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown node status %q", string(b))
}

// =============================================================================
// NODE
// =============================================================================

// Entry is one piece of role-tagged content.
type Entry struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// LogEvent is a timestamped line in a node's execution log.
type LogEvent struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Node is a unit of conversational or tool context.
// Parent is empty for roots.
type Node struct {
	ID        string     `json:"id"`
	Parent    string     `json:"parent,omitempty"`
	Label     string     `json:"label,omitempty"`
	Entries   []Entry    `json:"entries,omitempty"`
	Status    Status     `json:"status"`
	Log       []LogEvent `json:"log,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool {
	return n.Parent == ""
}

func (n Node) clone() Node {
	if n.Entries != nil {
		n.Entries = append([]Entry(nil), n.Entries...)
	}
	if n.Log != nil {
		n.Log = append([]LogEvent(nil), n.Log...)
	}
	return n
}
