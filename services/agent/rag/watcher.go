// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// defaultDebounceWindow is how long the watcher waits for the filesystem to
// settle before re-indexing changed files.
const defaultDebounceWindow = 500 * time.Millisecond

// Watcher re-indexes files as they change on disk, for `index --watch`.
//
// Description:
//
//	Write and create events are collected per path and flushed after a
//	quiet period, so an editor save storm becomes one re-index per file.
//	Newly created directories are added to the watch set. Removed files
//	have their chunks deleted from the store.
//
// Thread Safety: Run is single-threaded; Stop may be called from any
// goroutine.
type Watcher struct {
	indexer  *Indexer
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *logging.Logger

	allowed  map[string]struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher builds a watcher over the indexer. Extensions defaults match
// the indexer's.
func NewWatcher(indexer *Indexer, extensions []string, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	if len(extensions) == 0 {
		extensions = DefaultIndexExtensions()
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Watcher{
		indexer:  indexer,
		fsw:      fsw,
		debounce: defaultDebounceWindow,
		logger:   logger,
		allowed:  allowed,
		done:     make(chan struct{}),
	}, nil
}

// Run watches root until ctx is cancelled or Stop is called.
//
// Inputs:
//   - ctx: stops the watch loop when done.
//   - root: directory tree to watch.
//
// Outputs:
//   - error: non-nil if the initial watch registration fails.
func (w *Watcher) Run(ctx context.Context, root string) error {
	if err := w.addRecursive(root); err != nil {
		return err
	}
	w.logger.Info("watching for changes", "root", root, "debounce", w.debounce.String())

	pending := make(map[string]fsnotify.Op)
	var flushTimer *time.Timer
	var flushC <-chan time.Time

	armFlush := func() {
		if flushTimer == nil {
			flushTimer = time.NewTimer(w.debounce)
		} else {
			if !flushTimer.Stop() {
				select {
				case <-flushTimer.C:
				default:
				}
			}
			flushTimer.Reset(w.debounce)
		}
		flushC = flushTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if _, skip := skipDirs[filepath.Base(event.Name)]; !skip {
						_ = w.addRecursive(event.Name)
					}
					continue
				}
			}
			if _, ok := w.allowed[strings.ToLower(filepath.Ext(event.Name))]; !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[event.Name] |= event.Op
			armFlush()

		case <-flushC:
			flushC = nil
			batch := pending
			pending = make(map[string]fsnotify.Op)
			w.flush(ctx, batch)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err.Error())
		}
	}
}

// Stop terminates Run and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
}

// flush re-indexes or evicts each settled path.
func (w *Watcher) flush(ctx context.Context, batch map[string]fsnotify.Op) {
	for path, op := range batch {
		if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if derr := w.indexer.store.DeleteByPath(ctx, path); derr != nil {
					w.logger.Warn("failed to evict removed file", "path", path, "error", derr.Error())
				} else {
					w.logger.Info("evicted removed file", "path", path)
				}
				continue
			}
		}
		chunks, err := w.indexer.IndexFile(ctx, path, true)
		if err != nil {
			w.logger.Warn("re-index failed", "path", path, "error", err.Error())
			continue
		}
		w.logger.Info("re-indexed", "path", path, "chunks", chunks)
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if _, skip := skipDirs[name]; skip || (strings.HasPrefix(name, ".") && path != root) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}
