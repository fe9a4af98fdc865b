// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned when a message is rejected by the filter.
// Implementations should wrap this error with the reason.
//
// Example:
//
//	if containsPII(msg) {
//	    return "", fmt.Errorf("message contains PII: %w", ErrMessageBlocked)
//	}
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult contains the outcome of a filter operation.
//
// Example:
//
//	result := FilterResult{
//	    Original:    "My SSN is 123-45-6789",
//	    Filtered:    "My SSN is [REDACTED]",
//	    WasModified: true,
//	    Detections: []Detection{
//	        {Type: "ssn", Location: "position 10-21", Action: "redacted"},
//	    },
//	}
type FilterResult struct {
	// Original is the input message before filtering.
	Original string

	// Filtered is the message after filtering transformations.
	// If WasModified is false, this equals Original.
	Filtered string

	// WasModified indicates if any transformations were applied.
	WasModified bool

	// WasBlocked indicates if the message was completely rejected.
	// If true, Filtered should not be used.
	WasBlocked bool

	// BlockReason explains why the message was blocked (if WasBlocked).
	BlockReason string

	// Detections lists what the filter found in the message.
	// Useful for audit logging and debugging.
	Detections []Detection
}

// Detection describes a single item found by the filter.
type Detection struct {
	// Type categorizes what was detected.
	// Common types: "ssn", "credit_card", "email", "phone", "api_key",
	// "pii", "secret", "prompt_injection"
	Type string

	// Location describes where in the message the item was found.
	// Format is implementation-specific (e.g., "characters 10-20").
	Location string

	// Action describes what was done with the detected item.
	// Values: "redacted", "masked", "replaced", "blocked", "flagged"
	Action string

	// Original is the detected content (only populated in debug mode).
	// WARNING: may contain sensitive data.
	Original string

	// Replacement is what the content was replaced with (if Action is
	// "replaced").
	Replacement string
}

// MessageFilter transforms messages at the engine's trust boundaries.
//
// Implementations must be safe for concurrent use.
//
// # Filter Pipeline
//
// Messages flow through the filter at three points:
//
//  1. FilterInput: the user message, before a turn starts
//     - remove PII before it reaches the model or the stored history
//     - block policy violations
//     - detect prompt injection attempts
//
//  2. FilterOutput: the final agent text, before it reaches the user
//     - remove leaked secrets from responses
//     - mask sensitive generated content
//
//  3. FilterContext: retrieved code context, before prompt injection
//     - redact secrets that made it into the indexed codebase
//
// # Blocking vs Transforming
//
// A filter can transform content and let it through (redact an SSN) or
// reject the message outright (policy violation). To block, return a
// FilterResult with WasBlocked=true and BlockReason set; the engine
// audits the block and returns ErrMessageBlocked to the caller without
// contacting the model.
type MessageFilter interface {
	// FilterInput processes a user message before the turn starts.
	//
	// Returns the filtered message and metadata. The error is non-nil
	// only for filter failures, not for blocks; the engine treats a
	// failing filter as pass-through and logs it.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput processes the final agent text before it is returned
	// to the user and recorded in the turn.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)

	// FilterContext processes retrieved context before it is injected
	// into the prompt (RAG snippets, proactive repository context).
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopMessageFilter is the default filter: every message passes through
// unchanged. Appropriate for local single-user runs where content
// filtering isn't required.
//
// Thread-safe: no mutable state.
type NopMessageFilter struct{}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(ctx context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(ctx context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterContext returns the context unchanged.
func (f *NopMessageFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return passthrough(contextMsg), nil
}

func passthrough(message string) *FilterResult {
	return &FilterResult{Original: message, Filtered: message}
}

var _ MessageFilter = (*NopMessageFilter)(nil)
