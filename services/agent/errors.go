// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for the agent package. Wrap with fmt.Errorf("%w: ...")
// and test with errors.Is.
var (
	// ErrStateValidation indicates a conversation-state invariant was
	// violated, including writer-lock contention. The run loop recovers by
	// resetting the StateManager and restarting the turn once.
	ErrStateValidation = errors.New("state validation failed")

	// ErrRetryableTransport indicates a transient LLM transport failure
	// eligible for backoff and retry.
	ErrRetryableTransport = errors.New("retryable transport error")

	// ErrNonRetryableTransport indicates a permanent transport failure
	// (auth, invalid argument, unknown model). Surfaced to the user.
	ErrNonRetryableTransport = errors.New("non-retryable transport error")

	// ErrBudgetExceeded indicates context assembly could not fit even the
	// core goal and current user message under the token limit.
	ErrBudgetExceeded = errors.New("token budget exceeded")

	// ErrCircuitBreaker indicates the event cap or wall-clock cap tripped
	// and the invocation was terminated.
	ErrCircuitBreaker = errors.New("circuit breaker tripped")

	// ErrToolNotFound indicates the requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyMessage indicates the user message is empty.
	ErrEmptyMessage = errors.New("message must not be empty")

	// ErrCanceled indicates the operation was canceled via context.
	ErrCanceled = errors.New("operation canceled")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")
)

// AgentError carries structured detail about a failure surfaced from the
// engine. It wraps one of the sentinel kinds above so callers can branch
// with errors.Is while still reading the structured fields.
type AgentError struct {
	// Kind is the sentinel this error wraps.
	Kind error

	// Code is a short machine-readable identifier (e.g. "state_validation",
	// "transport_retryable", "budget_exceeded").
	Code string

	// Message is the human-readable description.
	Message string

	// Details carries optional structured context (attempt number, phase,
	// offending field).
	Details map[string]any

	// Recoverable reports whether the engine can retry past this error.
	Recoverable bool

	// Turn is the turn number during which the error occurred, 0 if none.
	Turn int
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Turn > 0 {
		return fmt.Sprintf("%s (turn %d): %s", e.Code, e.Turn, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *AgentError) Unwrap() error {
	return e.Kind
}

// NewStateError builds an AgentError wrapping ErrStateValidation.
func NewStateError(message string, turn int) *AgentError {
	return &AgentError{
		Kind:        ErrStateValidation,
		Code:        "state_validation",
		Message:     message,
		Recoverable: true,
		Turn:        turn,
	}
}

// NewTransportError builds an AgentError wrapping the retryable or
// non-retryable transport sentinel depending on the recoverable flag.
func NewTransportError(message string, recoverable bool, turn int) *AgentError {
	kind := ErrNonRetryableTransport
	code := "transport_non_retryable"
	if recoverable {
		kind = ErrRetryableTransport
		code = "transport_retryable"
	}
	return &AgentError{
		Kind:        kind,
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Turn:        turn,
	}
}

// NewBudgetError builds an AgentError wrapping ErrBudgetExceeded.
func NewBudgetError(message string, turn int) *AgentError {
	return &AgentError{
		Kind:        ErrBudgetExceeded,
		Code:        "budget_exceeded",
		Message:     message,
		Recoverable: true,
		Turn:        turn,
	}
}

// NewCircuitBreakerError builds an AgentError wrapping ErrCircuitBreaker.
// reason should be "complexity" (event cap) or "timeout" (wall clock).
func NewCircuitBreakerError(reason, message string, turn int) *AgentError {
	return &AgentError{
		Kind:        ErrCircuitBreaker,
		Code:        "circuit_breaker",
		Message:     message,
		Details:     map[string]any{"reason": reason},
		Recoverable: false,
		Turn:        turn,
	}
}
