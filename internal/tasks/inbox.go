// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/util"
)

// resultSuffix marks files written back into the inbox.
const resultSuffix = ".result.json"

// =============================================================================
// INBOX WATCHER
// =============================================================================

// InboxWatcher submits plan files dropped into a directory. A file is
// submitted once it has been quiet for the debounce interval.
type InboxWatcher struct {
	dir      string
	submit   func(path string)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewInboxWatcher creates a watcher for dir. submit is called from the
// watcher goroutine and should not block for long.
func NewInboxWatcher(dir string, debounce time.Duration, submit func(path string), logger *zap.Logger) (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InboxWatcher{
		dir:      dir,
		submit:   submit,
		watcher:  watcher,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching the inbox directory.
func (w *InboxWatcher) Watch() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.wg.Add(2)
	go w.processEvents()
	go w.processPending()
	return nil
}

// Close stops watching. Pending files that have not settled are dropped.
func (w *InboxWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// IsPlanFile reports whether name looks like a plan the inbox accepts.
func IsPlanFile(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, resultSuffix) {
		return false
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (w *InboxWatcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsPlanFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.mu.Lock()
				delete(w.pending, event.Name)
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

// processPending submits files whose last change is older than debounce.
func (w *InboxWatcher) processPending() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.settled(time.Now()) {
				w.logger.Info("inbox plan submitted", zap.String("path", path))
				w.submit(path)
			}
		}
	}
}

func (w *InboxWatcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []string
	for path, changed := range w.pending {
		if now.Sub(changed) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	return ready
}

// =============================================================================
// RESULTS
// =============================================================================

// ResultPath returns where the result for planPath is written.
func ResultPath(planPath string) string {
	return strings.TrimSuffix(planPath, filepath.Ext(planPath)) + resultSuffix
}

// WriteResult writes v as indented JSON next to planPath.
func WriteResult(planPath string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	path := ResultPath(planPath)
	if err := util.AtomicWriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return path, nil
}
