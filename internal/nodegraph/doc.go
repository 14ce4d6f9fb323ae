// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package nodegraph maintains the forest of context-bearing nodes that plan
// execution writes into.
//
// Each node holds role-tagged content entries, a status and an execution log.
// A node's effective context is the concatenation of the entries along its
// ancestor chain, bounded to the most recent entries with the root entry (the
// original goal) always kept.
//
// The graph has a single writer (the engine). Readers such as a UI call View,
// which returns the latest published snapshot without taking a lock.
//
// # Key Types
//
//   - Graph: append-only node forest with copy-on-write snapshots
//   - Node: one unit of context with parent link, entries, status, log
//   - Entry: role-tagged content
//   - Snapshot: immutable list of nodes in creation order
//
// # Usage
//
//	g := nodegraph.New()
//	root, _ := g.CreateNode("", "goal")
//	_ = g.AppendContent(root, nodegraph.Entry{Role: nodegraph.RoleUser, Text: goal})
//	child, _ := g.CreateNode(root, "step_1")
//	ctx, _ := g.EffectiveContext(child, 20)
package nodegraph
