// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package nodegraph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownParent is returned when a node references a parent that does not exist.
	ErrUnknownParent = errors.New("unknown parent node")

	// ErrNodeNotFound is returned for operations on a missing node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeTerminal is returned when mutating a node whose status is terminal.
	ErrNodeTerminal = errors.New("node is terminal")

	// ErrInvalidSnapshot is returned by Restore for malformed snapshots.
	ErrInvalidSnapshot = errors.New("invalid graph snapshot")
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable view of the graph with nodes in creation order.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
}

// Node looks up a node by id.
func (s *Snapshot) Node(id string) (Node, bool) {
	if s == nil {
		return Node{}, false
	}
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Children returns the ids of the direct children of id, in creation order.
func (s *Snapshot) Children(id string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, n := range s.Nodes {
		if n.Parent == id && id != "" {
			out = append(out, n.ID)
		}
	}
	return out
}

// Roots returns the ids of all root nodes.
func (s *Snapshot) Roots() []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, n := range s.Nodes {
		if n.IsRoot() {
			out = append(out, n.ID)
		}
	}
	return out
}

// Len returns the number of nodes.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Nodes)
}

// =============================================================================
// GRAPH
// =============================================================================

// Graph is an append-only forest of nodes.
//
// Writers are serialized by mu. Every mutation publishes a fresh snapshot so
// View never blocks and never observes a partial write.
type Graph struct {
	mu    sync.Mutex
	nodes []Node
	index map[string]int
	view  atomic.Pointer[Snapshot]
	now   func() time.Time
	newID func() string
}

// Option configures a Graph.
type Option func(*Graph)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// WithIDGenerator overrides node id generation.
func WithIDGenerator(gen func() string) Option {
	return func(g *Graph) { g.newID = gen }
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		index: make(map[string]int),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.publish()
	return g
}

func (g *Graph) stamp() time.Time {
	return g.now().UTC().Round(0)
}

// publish must be called with mu held.
func (g *Graph) publish() {
	g.view.Store(&Snapshot{Nodes: g.nodes})
}

// CreateNode adds a node under parent (empty for a new root) and returns its id.
func (g *Graph) CreateNode(parent, label string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if parent != "" {
		if _, ok := g.index[parent]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownParent, parent)
		}
	}
	id := g.newID()
	for _, exists := g.index[id]; exists; _, exists = g.index[id] {
		id = g.newID()
	}

	node := Node{
		ID:        id,
		Parent:    parent,
		Label:     label,
		Status:    StatusPending,
		CreatedAt: g.stamp(),
	}
	// Full slice expression forces a new backing array once capacity is
	// reached, and published snapshots never see elements past their length.
	g.nodes = append(g.nodes[:len(g.nodes):len(g.nodes)], node)
	g.index[id] = len(g.nodes) - 1
	g.publish()
	return id, nil
}

// mutate applies fn to a copy of node id and publishes the result.
func (g *Graph) mutate(id string, fn func(n *Node) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, ok := g.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	next := make([]Node, len(g.nodes))
	copy(next, g.nodes)
	n := next[i]
	if err := fn(&n); err != nil {
		return err
	}
	next[i] = n
	g.nodes = next
	g.publish()
	return nil
}

// AppendContent appends an entry to node id. A zero At is stamped with now.
func (g *Graph) AppendContent(id string, e Entry) error {
	return g.mutate(id, func(n *Node) error {
		if n.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrNodeTerminal, id, n.Status)
		}
		if e.At.IsZero() {
			e.At = g.stamp()
		} else {
			e.At = e.At.UTC().Round(0)
		}
		n.Entries = append(n.Entries[:len(n.Entries):len(n.Entries)], e)
		return nil
	})
}

// SetStatus moves node id to status. Terminal nodes reject further changes.
func (g *Graph) SetStatus(id string, status Status) error {
	if _, ok := statusNames[status]; !ok {
		return fmt.Errorf("unknown node status %d", int(status))
	}
	return g.mutate(id, func(n *Node) error {
		if n.Status.IsTerminal() {
			if n.Status == status {
				return nil
			}
			return fmt.Errorf("%w: %s is %s", ErrNodeTerminal, id, n.Status)
		}
		n.Status = status
		return nil
	})
}

// AppendLog adds a line to node id's execution log.
func (g *Graph) AppendLog(id, message string) error {
	return g.mutate(id, func(n *Node) error {
		if n.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrNodeTerminal, id, n.Status)
		}
		n.Log = append(n.Log[:len(n.Log):len(n.Log)], LogEvent{At: g.stamp(), Message: message})
		return nil
	})
}

// Node returns a copy of node id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.View().Node(id)
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// View returns the latest published snapshot without locking.
// The returned value is shared and must not be modified.
func (g *Graph) View() *Snapshot {
	return g.view.Load()
}

// Snapshot returns a deep copy of the graph suitable for persistence.
func (g *Graph) Snapshot() Snapshot {
	view := g.View()
	out := Snapshot{Nodes: make([]Node, len(view.Nodes))}
	for i, n := range view.Nodes {
		out.Nodes[i] = n.clone()
	}
	return out
}

// Ancestors returns the chain of ids from the root down to id, inclusive.
func (g *Graph) Ancestors(id string) ([]string, error) {
	return ancestors(g.View(), id)
}

func ancestors(view *Snapshot, id string) ([]string, error) {
	byID := make(map[string]Node, len(view.Nodes))
	for _, n := range view.Nodes {
		byID[n.ID] = n
	}
	var chain []string
	cur, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	for {
		chain = append(chain, cur.ID)
		if cur.IsRoot() {
			break
		}
		cur = byID[cur.Parent]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// EffectiveContext returns the entries along the path from the root to id.
//
// When max > 0 and the path holds more than max entries, the result keeps the
// root's first entry plus the max-1 most recent entries. max <= 0 returns all.
func (g *Graph) EffectiveContext(id string, max int) ([]Entry, error) {
	view := g.View()
	chain, err := ancestors(view, id)
	if err != nil {
		return nil, err
	}

	var all []Entry
	for _, nid := range chain {
		n, _ := view.Node(nid)
		all = append(all, n.Entries...)
	}
	if max <= 0 || len(all) <= max {
		return all, nil
	}

	root, _ := view.Node(chain[0])
	if len(root.Entries) == 0 {
		return append([]Entry(nil), all[len(all)-max:]...), nil
	}
	out := make([]Entry, 0, max)
	out = append(out, all[0])
	rest := all[1:]
	out = append(out, rest[len(rest)-(max-1):]...)
	return out, nil
}

// Restore rebuilds a graph from a snapshot. Parents must appear before their
// children and ids must be unique.
func Restore(snap Snapshot, opts ...Option) (*Graph, error) {
	g := New(opts...)
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, n := range snap.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node %d has empty id", ErrInvalidSnapshot, i)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %s", ErrInvalidSnapshot, n.ID)
		}
		if n.Parent != "" {
			if _, ok := g.index[n.Parent]; !ok {
				return nil, fmt.Errorf("%w: node %s: %w", ErrInvalidSnapshot, n.ID, ErrUnknownParent)
			}
		}
		if _, ok := statusNames[n.Status]; !ok {
			return nil, fmt.Errorf("%w: node %s has unknown status", ErrInvalidSnapshot, n.ID)
		}
		g.nodes = append(g.nodes, n.clone())
		g.index[n.ID] = i
	}
	g.publish()
	return g, nil
}
