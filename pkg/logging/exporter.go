// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// ======
// Export Interface
// ======

// LogEntry is a structured log record passed to exporters.
type LogEntry struct {
	// Timestamp when the log entry was created.
	Timestamp time.Time `json:"timestamp"`

	// Level of the entry.
	Level Level `json:"level"`

	// Message is the main log message.
	Message string `json:"message"`

	// Service that generated the entry.
	Service string `json:"service,omitempty"`

	// Attrs holds the structured key-value attributes.
	Attrs map[string]any `json:"attrs,omitempty"`
}

// LogExporter receives log entries for processing outside the standard
// stderr/file destinations (upload, aggregation, test capture).
//
// Implementations must be safe for concurrent use: Export is called from a
// goroutine per entry and never blocks the originating log call.
type LogExporter interface {
	// Export processes a single entry. Errors are ignored by the Logger;
	// exporters wanting reliability must retry internally.
	Export(ctx context.Context, entry LogEntry) error

	// Flush writes out any buffered entries.
	Flush(ctx context.Context) error

	// Close releases exporter resources. The exporter is not used after
	// Close returns.
	Close() error
}

// ======
// Built-in Exporters
// ======

// NopExporter discards all entries. Useful as a placeholder where an
// exporter is required but export is not wanted.
type NopExporter struct{}

// Export discards the entry.
func (NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

// Flush does nothing.
func (NopExporter) Flush(ctx context.Context) error { return nil }

// Close does nothing.
func (NopExporter) Close() error { return nil }

// BufferedExporter accumulates entries in memory. Primarily for tests that
// assert on logged output.
//
// Thread Safety: safe for concurrent use.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// Export appends the entry to the buffer.
func (b *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

// Flush does nothing; entries stay buffered until read.
func (b *BufferedExporter) Flush(ctx context.Context) error { return nil }

// Close does nothing.
func (b *BufferedExporter) Close() error { return nil }

// Entries returns a copy of all buffered entries.
func (b *BufferedExporter) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// WriterExporter writes entries as JSON lines to an io.Writer.
//
// Thread Safety: safe for concurrent use; writes are serialized.
type WriterExporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterExporter creates a WriterExporter targeting w.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the entry as a single JSON line.
func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// Flush does nothing; writes are unbuffered.
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close does nothing; the caller owns the writer.
func (e *WriterExporter) Close() error { return nil }
