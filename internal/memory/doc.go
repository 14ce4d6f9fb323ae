// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory implements the Memory Bank: a session-scoped, typed key/value
// store used to pass data between plan steps.
//
// Values are written by the engine only when a step succeeds, so a reader never
// observes output from a step that is still running. A later write to the same
// key replaces the earlier value.
//
// # Key Types
//
//   - Value: typed payload (text, number, record, file reference)
//   - Entry: a value plus the step that wrote it and when
//   - Bank: the store itself, safe for concurrent use
//   - Snapshot: serializable copy of a Bank used by the persistence layer
//
// # Usage
//
//	bank := memory.New()
//	_ = bank.Commit("step_1", map[string]memory.Value{"price": memory.Number(64000)})
//	v, err := bank.Read("price")
//	if errors.Is(err, memory.ErrNotFound) { ... }
//
// # Scopes
//
// Fork creates an isolated child scope for a sub-plan. Merge copies the keys a
// sub-plan exports back into the parent once it has succeeded.
package memory
