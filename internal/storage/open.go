// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Options selects and configures a backend.
type Options struct {
	Backend string // file (default), sqlite or badger
	Path    string // directory (file, badger) or database file (sqlite); empty means under ~/.graphite
}

// Open returns the Store named by opts.Backend.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	path := opts.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fail("open", "", err)
		}
		path = filepath.Join(home, ".graphite", defaultName(opts.Backend))
	}

	switch opts.Backend {
	case "", BackendFile:
		return NewFileStoreWithDir(path, logger)
	case BackendSQLite:
		return OpenSQLite(ctx, path, logger)
	case BackendBadger:
		return OpenBadger(BadgerOptions{Path: path, SyncWrites: true}, logger)
	default:
		return nil, fail("open", "", fmt.Errorf("unknown backend %q", opts.Backend))
	}
}

func defaultName(backend string) string {
	switch backend {
	case BackendSQLite:
		return "sessions.db"
	case BackendBadger:
		return "sessions.badger"
	default:
		return "sessions"
	}
}
