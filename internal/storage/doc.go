// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists graphite sessions.
//
// A session bundles a Node Graph snapshot, a Memory Bank snapshot and the
// records of every plan run made against them, so a later run can resume with
// the same context and keys.
//
// # Key Types
//
//   - Store: backend-neutral Save/Load/List/Delete
//   - Session: serializable graph + memory + run records
//   - SessionMeta: lightweight metadata for listing
//   - FileStore, SQLiteStore, BadgerStore: the three backends
//
// # Usage
//
// Open the configured backend and save a session:
//
//	store, err := storage.Open(ctx, storage.Options{Backend: "sqlite"}, logger)
//	defer store.Close()
//	err = store.Save(ctx, sess)
//
// List and load sessions:
//
//	metas, err := store.List(ctx)
//	sess, err := store.Load(ctx, metas[0].ID)
//
// # Storage Location
//
// By default sessions live under ~/.graphite/: one JSON file per session in
// sessions/, a sessions.db SQLite database, or a sessions.badger directory.
package storage
