// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists saved conversations in an embedded BadgerDB
// store.
//
// The engine itself holds conversation state in memory only; the host
// exports it through the legacy-state bridge and this package writes the
// resulting flat map to disk keyed by session ID. Restoring a session is
// the reverse: load the map, hand it back to the bridge.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/pkg/validation"
	"github.com/AleutianAI/agentcore/services/agent"
)

// keyPrefix namespaces session records so the store can share a badger
// directory with future record kinds.
const keyPrefix = "session:"

// Config holds configuration for the session store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent stores. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger receives store and BadgerDB log output. If nil, BadgerDB's
	// internal logging is disabled and store logging uses the default
	// logger.
	Logger *logging.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes, GC every
// five minutes at a 50% discard threshold.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing: no disk
// I/O, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0,
	}
}

// Record is one saved session.
type Record struct {
	// ID is the session identifier, unique within the store.
	ID string `json:"id"`

	// AgentName is the agent definition the session ran under.
	AgentName string `json:"agent_name,omitempty"`

	// Model is the transport model identifier in use when saved.
	Model string `json:"model,omitempty"`

	// TurnCount is the number of completed turns at save time.
	TurnCount int `json:"turn_count"`

	// SavedAt is when the record was written. Set by Save when zero.
	SavedAt time.Time `json:"saved_at"`

	// State is the flat legacy map emitted by the state bridge.
	State map[string]any `json:"state"`
}

// Summary is the listing view of a saved session, without the state map.
type Summary struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name,omitempty"`
	Model     string    `json:"model,omitempty"`
	TurnCount int       `json:"turn_count"`
	SavedAt   time.Time `json:"saved_at"`
}

// badgerLogger adapts our logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed saved-session store.
//
// Thread Safety: Safe for concurrent use; BadgerDB serializes writes.
type Store struct {
	db     *badger.DB
	logger *logging.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open creates and opens a session store with the given configuration.
//
// Description:
//
//	Opens a BadgerDB at the configured path, or in memory if InMemory is
//	true. Creates the directory if it doesn't exist and starts the value
//	log GC loop when GCInterval is positive.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// Save writes a session record, overwriting any previous save with the
// same ID. A zero SavedAt is stamped with the current time.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if rec == nil {
		return errors.New("record must not be nil")
	}
	if err := validation.ValidateSessionID(rec.ID); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}

	s.logger.Info("saved session",
		"session_id", rec.ID,
		"turn_count", rec.TurnCount,
		"size_bytes", len(data),
	)
	return nil
}

// Load reads a saved session by ID.
//
// Outputs:
//
//	*Record - The saved record.
//	error - agent.ErrSessionNotFound when the ID is unknown.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return &rec, nil
}

// List returns summaries of every saved session, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	var out []Summary
	prefix := []byte(keyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					// Skip undecodable records rather than failing the
					// whole listing.
					s.logger.Warn("skipping corrupt session record",
						"key", string(it.Item().Key()),
						"error", err,
					)
					return nil
				}
				out = append(out, Summary{
					ID:        rec.ID,
					AgentName: rec.AgentName,
					Model:     rec.Model,
					TurnCount: rec.TurnCount,
					SavedAt:   rec.SavedAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Delete removes a saved session.
//
// Outputs:
//
//	error - agent.ErrSessionNotFound when the ID is unknown.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		key := sessionKey(id)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", agent.ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	s.logger.Info("deleted session", "session_id", id)
	return nil
}

// Close stops the GC loop and closes the database. Safe to call once.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed, not an error.
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				s.logger.Debug("badger value log GC completed")
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func sessionKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func checkCtx(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
