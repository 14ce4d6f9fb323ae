// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/jeranaias/graphite/internal/telemetry"
)

// =============================================================================
// BADGER STORE
// =============================================================================

const (
	sessionPrefix = "session/"
	metaPrefix    = "meta/"
)

// BadgerStore keeps sessions in an embedded Badger key/value database.
// Each session is stored twice: the full document under session/<id> and its
// listing metadata under meta/<id>, written in one transaction.
type BadgerStore struct {
	db     *badger.DB
	now    func() time.Time
	logger *zap.Logger
}

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory (tests).
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// OpenBadger opens (or creates) a Badger session store.
func OpenBadger(opts BadgerOptions, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.InMemory && opts.Path == "" {
		return nil, fail("open", "", errors.New("path is required for persistent database"))
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0700); err != nil {
			return nil, fail("open", "", fmt.Errorf("create database directory %s: %w", opts.Path, err))
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fail("open", "", fmt.Errorf("open badger database: %w", err))
	}
	return &BadgerStore{db: db, now: time.Now, logger: logger}, nil
}

// Save writes the session document and its metadata atomically.
func (s *BadgerStore) Save(ctx context.Context, sess *Session) (err error) {
	defer func() { telemetry.ObserveStorage(BackendBadger, "save", err) }()
	if err := ctx.Err(); err != nil {
		return fail("save", sess.ID, err)
	}

	prepare(sess, s.now())
	data, err := json.Marshal(sess)
	if err != nil {
		return fail("save", sess.ID, err)
	}
	meta, err := json.Marshal(sess.Meta())
	if err != nil {
		return fail("save", sess.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(sessionPrefix+sess.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+sess.ID), meta)
	})
	return fail("save", sess.ID, err)
}

// Load reads one session document.
func (s *BadgerStore) Load(ctx context.Context, id string) (_ *Session, err error) {
	defer func() { telemetry.ObserveStorage(BackendBadger, "load", err) }()
	if err := ctx.Err(); err != nil {
		return nil, fail("load", id, err)
	}

	var sess Session
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fail("load", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fail("load", id, err)
	}
	return &sess, nil
}

// List iterates the meta/ prefix.
func (s *BadgerStore) List(ctx context.Context) (_ []SessionMeta, err error) {
	defer func() { telemetry.ObserveStorage(BackendBadger, "list", err) }()

	metas := []SessionMeta{}
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m SessionMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				s.logger.Warn("skipping unreadable session metadata",
					zap.ByteString("key", it.Item().Key()), zap.Error(err))
				continue
			}
			metas = append(metas, m)
		}
		return nil
	})
	if err != nil {
		return nil, fail("list", "", err)
	}

	sortMetas(metas)
	return metas, nil
}

// Delete removes the document and its metadata.
func (s *BadgerStore) Delete(ctx context.Context, id string) (err error) {
	defer func() { telemetry.ObserveStorage(BackendBadger, "delete", err) }()
	if err := ctx.Err(); err != nil {
		return fail("delete", id, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(sessionPrefix + id)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(metaPrefix + id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fail("delete", id, ErrSessionNotFound)
	}
	return fail("delete", id, err)
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
