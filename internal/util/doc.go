// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the graphite packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth: display-width truncation for terminal tables
//   - TailLines: last N lines of a block of output
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0644)
//	line := util.TruncateWidth(title, 40)
package util
