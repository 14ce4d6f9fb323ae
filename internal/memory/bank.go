// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned (wrapped in NotFoundError) when a key has no value.
	ErrNotFound = errors.New("memory: key not found")

	// ErrEmptyKey is returned when writing a value without a key.
	ErrEmptyKey = errors.New("memory: empty key")

	// ErrEmptyWriter is returned when writing a value without a writer step id.
	ErrEmptyWriter = errors.New("memory: empty writer")
)

// NotFoundError reports which key was missing.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory: key %q not found", e.Key)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is a committed value together with its provenance.
type Entry struct {
	Key       string    `json:"key"`
	Value     Value     `json:"value"`
	Writer    string    `json:"writer"`
	WrittenAt time.Time `json:"written_at"`
}

// =============================================================================
// BANK
// =============================================================================

// Bank is a typed key/value store scoped to one session or plan run.
// All methods are safe for concurrent use; a single lock orders every
// operation.
type Bank struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// Option configures a Bank.
type Option func(*Bank)

// WithClock overrides the clock used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(b *Bank) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an empty Bank.
func New(opts ...Option) *Bank {
	b := &Bank{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// stamp returns the current time without a monotonic reading, in UTC, so the
// value compares equal after a snapshot round-trip.
func (b *Bank) stamp() time.Time {
	return b.now().UTC().Round(0)
}

// Write stores value under key, replacing any earlier value.
// Only the engine calls this, and only when writer has succeeded.
func (b *Bank) Write(key string, value Value, writer string) error {
	return b.Commit(writer, map[string]Value{key: value})
}

// Commit stores several values written by the same step. Either every key is
// written or none is; all entries share one timestamp.
func (b *Bank) Commit(writer string, values map[string]Value) error {
	if writer == "" {
		return ErrEmptyWriter
	}
	for key := range values {
		if key == "" {
			return ErrEmptyKey
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.stamp()
	for key, value := range values {
		b.entries[key] = Entry{
			Key:       key,
			Value:     cloneValue(value),
			Writer:    writer,
			WrittenAt: at,
		}
	}
	return nil
}

// Read returns the latest committed value for key, or a NotFoundError.
func (b *Bank) Read(key string) (Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[key]
	if !ok {
		return Value{}, &NotFoundError{Key: key}
	}
	return cloneValue(entry.Value), nil
}

// Lookup returns the full entry for key.
func (b *Bank) Lookup(key string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[key]
	if !ok {
		return Entry{}, false
	}
	entry.Value = cloneValue(entry.Value)
	return entry, true
}

// Has reports whether key has a committed value.
func (b *Bank) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[key]
	return ok
}

// Keys returns all keys in sorted order.
func (b *Bank) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (b *Bank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// =============================================================================
// SCOPES
// =============================================================================

// Fork returns an isolated child scope seeded with copies of the given keys,
// or of every key when none are given. Writes to the child never reach the
// parent until Merge is called.
func (b *Bank) Fork(keys ...string) (*Bank, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	child := &Bank{
		entries: make(map[string]Entry),
		now:     b.now,
	}
	if len(keys) == 0 {
		for k, e := range b.entries {
			e.Value = cloneValue(e.Value)
			child.entries[k] = e
		}
		return child, nil
	}
	for _, k := range keys {
		e, ok := b.entries[k]
		if !ok {
			return nil, &NotFoundError{Key: k}
		}
		e.Value = cloneValue(e.Value)
		child.entries[k] = e
	}
	return child, nil
}

// Collect reads the given keys from b as a map suitable for Commit.
func (b *Bank) Collect(keys []string) (map[string]Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Value, len(keys))
	for _, k := range keys {
		e, ok := b.entries[k]
		if !ok {
			return nil, &NotFoundError{Key: k}
		}
		out[k] = cloneValue(e.Value)
	}
	return out, nil
}

// Merge copies keys from child into b, attributed to writer. Missing keys in
// the child fail the whole merge and leave b untouched.
func (b *Bank) Merge(child *Bank, keys []string, writer string) error {
	values, err := child.Collect(keys)
	if err != nil {
		return fmt.Errorf("merge child scope: %w", err)
	}
	return b.Commit(writer, values)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the serializable form of a Bank: entries sorted by key.
type Snapshot struct {
	Entries []Entry `json:"entries"`
}

// Snapshot returns a deep copy of the bank contents.
func (b *Bank) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{Entries: make([]Entry, 0, len(b.entries))}
	for _, e := range b.entries {
		e.Value = cloneValue(e.Value)
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Key < snap.Entries[j].Key
	})
	return snap
}

// Restore rebuilds a Bank from a snapshot, preserving writers and timestamps.
func Restore(snap Snapshot, opts ...Option) (*Bank, error) {
	b := New(opts...)
	for _, e := range snap.Entries {
		if e.Key == "" {
			return nil, ErrEmptyKey
		}
		if _, dup := b.entries[e.Key]; dup {
			return nil, fmt.Errorf("memory: duplicate key %q in snapshot", e.Key)
		}
		e.Value = cloneValue(e.Value)
		b.entries[e.Key] = e
	}
	return b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneValue(v Value) Value {
	if v.Record != nil {
		v.Record = cloneMap(v.Record)
	}
	return v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneAny(item)
		}
		return out
	default:
		return v
	}
}
