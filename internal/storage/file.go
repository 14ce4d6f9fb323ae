// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/telemetry"
	"github.com/jeranaias/graphite/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps one JSON document per session in BaseDir.
type FileStore struct {
	// BaseDir is the directory for storing sessions.
	// Default: ~/.graphite/sessions/
	BaseDir string

	// MaxSessions limits stored sessions (0 = unlimited). The least recently
	// updated sessions are removed first.
	MaxSessions int

	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// NewFileStore creates a store in ~/.graphite/sessions.
func NewFileStore(logger *zap.Logger) (*FileStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewFileStoreWithDir(filepath.Join(homeDir, ".graphite", "sessions"), logger)
}

// NewFileStoreWithDir creates a store with a custom directory.
func NewFileStoreWithDir(baseDir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fail("open", "", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		BaseDir:     baseDir,
		MaxSessions: 100,
		now:         time.Now,
		logger:      logger,
	}, nil
}

// =============================================================================
// SAVE / LOAD
// =============================================================================

// Save persists a session with an atomic write.
func (s *FileStore) Save(ctx context.Context, sess *Session) (err error) {
	defer func() { telemetry.ObserveStorage(BackendFile, "save", err) }()
	if err := ctx.Err(); err != nil {
		return fail("save", sess.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(sess, s.now())
	if err := checkID(sess.ID); err != nil {
		return fail("save", sess.ID, err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fail("save", sess.ID, err)
	}
	if err := util.AtomicWriteFileWithDir(s.filePath(sess.ID), data, 0600, 0700); err != nil {
		return fail("save", sess.ID, err)
	}

	if s.MaxSessions > 0 {
		s.enforceLimit()
	}
	return nil
}

// Load retrieves a session by id.
func (s *FileStore) Load(ctx context.Context, id string) (_ *Session, err error) {
	defer func() { telemetry.ObserveStorage(BackendFile, "load", err) }()
	if err := ctx.Err(); err != nil {
		return nil, fail("load", id, err)
	}
	if err := checkID(id); err != nil {
		return nil, fail("load", id, err)
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (*Session, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fail("load", id, ErrSessionNotFound)
		}
		return nil, fail("load", id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fail("load", id, fmt.Errorf("decode: %w", err))
	}
	return &sess, nil
}

// =============================================================================
// LIST / DELETE
// =============================================================================

// List returns all saved sessions, most recently updated first.
// Corrupted files are skipped.
func (s *FileStore) List(ctx context.Context) (_ []SessionMeta, err error) {
	defer func() { telemetry.ObserveStorage(BackendFile, "list", err) }()
	if err := ctx.Err(); err != nil {
		return nil, fail("list", "", err)
	}
	return s.list()
}

func (s *FileStore) list() ([]SessionMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionMeta{}, nil
		}
		return nil, fail("list", "", err)
	}

	metas := []SessionMeta{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		sess, err := s.read(id)
		if err != nil {
			s.logger.Warn("skipping unreadable session", zap.String("session", id), zap.Error(err))
			continue
		}
		metas = append(metas, sess.Meta())
	}

	sortMetas(metas)
	return metas, nil
}

// Delete removes a session by id.
func (s *FileStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { telemetry.ObserveStorage(BackendFile, "delete", err) }()
	if err := ctx.Err(); err != nil {
		return fail("delete", id, err)
	}
	if err := checkID(id); err != nil {
		return fail("delete", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return fail("delete", id, ErrSessionNotFound)
		}
		return fail("delete", id, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// enforceLimit removes the oldest sessions if over the limit. Caller holds mu.
func (s *FileStore) enforceLimit() {
	metas, err := s.list()
	if err != nil || len(metas) <= s.MaxSessions {
		return
	}
	for _, m := range metas[s.MaxSessions:] {
		if err := os.Remove(s.filePath(m.ID)); err != nil {
			s.logger.Warn("failed to prune session", zap.String("session", m.ID), zap.Error(err))
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

var errInvalidID = errors.New("invalid session id")

// checkID rejects ids that could escape the store directory or key space.
func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\:`) || strings.Contains(id, "..") {
		return errInvalidID
	}
	return nil
}

// sortMetas orders by UpdatedAt descending, then id for stability.
func sortMetas(metas []SessionMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		if !metas[i].UpdatedAt.Equal(metas[j].UpdatedAt) {
			return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
		}
		return metas[i].ID < metas[j].ID
	})
}
