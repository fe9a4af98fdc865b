// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent represents a security-relevant engine event for compliance
// logging.
//
// # Event Types
//
// The engine emits these event types:
//   - "chat.message": a user message was accepted for processing
//   - "chat.blocked": a user message was rejected by the filter
//   - "chat.response": a final response was returned to the user
//   - "tool.execute": a tool invocation finished (success or failure)
//
// Hosts may log additional types through the same sink.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "tool.execute",
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       "local-user",
//	    Action:       "execute",
//	    ResourceType: "tool",
//	    ResourceID:   "run_shell_command",
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"turn": 3, "duration_ms": 412},
//	}
type AuditEvent struct {
	// EventType categorizes the event for filtering and alerting.
	// Format: "category.action" (e.g., "chat.message", "tool.execute").
	EventType string

	// Timestamp is when the event occurred (always UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "system" for automated actions, "local-user" for the
	// interactive default.
	UserID string

	// Action describes what operation was attempted.
	// Common values: "send", "receive", "execute", "block".
	Action string

	// ResourceType is the category of resource involved.
	// Examples: "message", "tool", "session", "model".
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	// Examples: a tool name, a session ID.
	ResourceID string

	// Outcome indicates the result of the action.
	// Values: "success", "failure", "blocked", "error".
	Outcome string

	// Metadata holds additional event-specific data.
	//
	// Common keys the engine populates:
	//   - "turn": the turn number
	//   - "error": error message when Outcome is "failure" or "error"
	//   - "duration_ms": operation duration
	//   - "detections": filter detection types, for blocked messages
	Metadata map[string]any
}

// AuditFilter defines criteria for querying audit events.
//
// All fields are optional; only non-zero values are applied, combined
// with AND logic.
type AuditFilter struct {
	// EventTypes limits results to specific event types.
	EventTypes []string

	// UserID limits results to events from a specific user.
	UserID string

	// StartTime is the earliest event timestamp to include (inclusive).
	StartTime time.Time

	// EndTime is the latest event timestamp to include (exclusive).
	EndTime time.Time

	// ResourceType limits results to a specific resource category.
	ResourceType string

	// ResourceID limits results to a specific resource instance.
	ResourceID string

	// Outcome limits results to events with a specific outcome.
	Outcome string

	// Limit is the maximum number of events to return.
	// Zero selects an implementation-specific default.
	Limit int

	// Offset is the number of events to skip (for pagination).
	Offset int
}

// AuditLogger records security-relevant events for compliance and
// analysis.
//
// Implementations must be safe for concurrent use. Log is called on the
// engine's hot path, so it should be non-blocking or carry a short
// internal timeout; the engine ignores Log errors beyond logging them.
//
// Hosts typically forward events to a SIEM, cloud logging, or a
// compliance database. The local default discards everything.
type AuditLogger interface {
	// Log records one event. Implementations should stamp a zero
	// Timestamp and return quickly.
	Log(ctx context.Context, event AuditEvent) error

	// Query retrieves events matching the filter, ordered by Timestamp
	// descending. The nop implementation returns an empty slice.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush ensures buffered events are persisted. Call before shutdown.
	// Sync implementations may make this a no-op.
	Flush(ctx context.Context) error
}

// NopAuditLogger is the default audit logger: it discards all events.
// Appropriate for local single-user runs where audit trails aren't
// required.
//
// Thread-safe: no mutable state.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Query returns an empty slice (no events are stored).
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

var _ AuditLogger = (*NopAuditLogger)(nil)
