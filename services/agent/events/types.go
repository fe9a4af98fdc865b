// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides event types and broadcasting for the agent engine.
//
// Every observable step of a turn (state changes, LLM calls, tool
// executions, retries, circuit-breaker trips) is emitted as an Event so
// external systems can render progress, collect metrics, or log without
// coupling to the engine.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// TypeTurnStarted is emitted when a new turn begins.
	TypeTurnStarted Type = "turn_started"

	// TypeTurnCompleted is emitted when a turn reaches its terminal phase.
	TypeTurnCompleted Type = "turn_completed"

	// TypePhaseChanged is emitted on every turn-phase transition.
	TypePhaseChanged Type = "phase_changed"

	// TypeContextAssembled is emitted after the context block is packed.
	TypeContextAssembled Type = "context_assembled"

	// TypeLLMRequest is emitted when sending a request to the model.
	TypeLLMRequest Type = "llm_request"

	// TypeLLMResponse is emitted when the model responds.
	TypeLLMResponse Type = "llm_response"

	// TypeThought is emitted for each internal-reasoning part the model
	// returns, so the host can render reasoning separately.
	TypeThought Type = "thought"

	// TypeToolCall is emitted when a tool is about to be invoked.
	TypeToolCall Type = "tool_call"

	// TypeToolResult is emitted when a tool invocation finishes.
	TypeToolResult Type = "tool_result"

	// TypePlanPresented is emitted when a generated plan awaits approval.
	TypePlanPresented Type = "plan_presented"

	// TypePlanApproved is emitted when the user approves a pending plan.
	TypePlanApproved Type = "plan_approved"

	// TypePlanFeedback is emitted when the user revises a pending plan.
	TypePlanFeedback Type = "plan_feedback"

	// TypeRetry is emitted before a retry attempt begins.
	TypeRetry Type = "retry"

	// TypeCircuitBreaker is emitted when an attempt trips a guard rail.
	TypeCircuitBreaker Type = "circuit_breaker"

	// TypeError is emitted when an error is recorded.
	TypeError Type = "error"

	// TypeResponse is emitted with the final user-visible response text.
	TypeResponse Type = "response"
)

// Event is one observable engine occurrence.
//
// Description:
//
//	Each event carries a type that determines the shape of Data. Use the
//	typed data structs below when constructing events so subscribers can
//	switch on Data without reflection.
//
// Thread Safety:
//
//	Events are immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// SessionID links the event to a conversation.
	SessionID string `json:"session_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Turn is the turn number the event belongs to, 0 before any turn.
	Turn int `json:"turn"`

	// Data contains event-specific data, one of the typed structs below.
	Data any `json:"data,omitempty"`
}

// TurnStartedData is the payload for TypeTurnStarted.
type TurnStartedData struct {
	// TurnNumber of the new turn.
	TurnNumber int `json:"turn_number"`

	// UserMessage that opened the turn.
	UserMessage string `json:"user_message"`
}

// TurnCompletedData is the payload for TypeTurnCompleted.
type TurnCompletedData struct {
	// TurnNumber of the completed turn.
	TurnNumber int `json:"turn_number"`

	// Duration from turn start to completion.
	Duration time.Duration `json:"duration"`

	// LLMCalls made during the turn.
	LLMCalls int `json:"llm_calls"`

	// ToolCalls dispatched during the turn.
	ToolCalls int `json:"tool_calls"`

	// Retries consumed during the turn.
	Retries int `json:"retries"`
}

// PhaseChangedData is the payload for TypePhaseChanged.
type PhaseChangedData struct {
	// FromPhase is the previous phase.
	FromPhase string `json:"from_phase"`

	// ToPhase is the new phase.
	ToPhase string `json:"to_phase"`
}

// ContextAssembledData is the payload for TypeContextAssembled.
type ContextAssembledData struct {
	// Keys included in the context block.
	Keys []string `json:"keys"`

	// BasePromptTokens committed before assembly.
	BasePromptTokens int `json:"base_prompt_tokens"`

	// Emergency marks the minimal-context fallback.
	Emergency bool `json:"emergency,omitempty"`
}

// LLMRequestData is the payload for TypeLLMRequest.
type LLMRequestData struct {
	// Model being called.
	Model string `json:"model"`

	// Attempt number within the current user message, 0-based.
	Attempt int `json:"attempt"`

	// MessageCount after conversation filtering.
	MessageCount int `json:"message_count"`

	// ToolCount offered to the model.
	ToolCount int `json:"tool_count"`
}

// LLMResponseData is the payload for TypeLLMResponse.
type LLMResponseData struct {
	// Model that responded.
	Model string `json:"model"`

	// Duration of the transport call.
	Duration time.Duration `json:"duration"`

	// TextLen is the length of the extracted text in characters.
	TextLen int `json:"text_len"`

	// FunctionCallCount in the response.
	FunctionCallCount int `json:"function_call_count"`

	// ThoughtCount in the response.
	ThoughtCount int `json:"thought_count"`

	// PromptTokens and CandidateTokens from usage metadata, when present.
	PromptTokens    int `json:"prompt_tokens,omitempty"`
	CandidateTokens int `json:"candidate_tokens,omitempty"`
}

// ThoughtData is the payload for TypeThought.
type ThoughtData struct {
	// Text of the reasoning part.
	Text string `json:"text"`
}

// ToolCallData is the payload for TypeToolCall.
type ToolCallData struct {
	// ToolName being invoked.
	ToolName string `json:"tool_name"`

	// InvocationID uniquely identifies this invocation.
	InvocationID string `json:"invocation_id"`
}

// ToolResultData is the payload for TypeToolResult.
type ToolResultData struct {
	// ToolName that produced the result.
	ToolName string `json:"tool_name"`

	// InvocationID links back to the tool call.
	InvocationID string `json:"invocation_id"`

	// Status is the terminal execution status.
	Status string `json:"status"`

	// Duration of the execution including recovery attempts.
	Duration time.Duration `json:"duration"`

	// RetryCount is the number of recovery attempts consumed.
	RetryCount int `json:"retry_count"`

	// Error is set when the invocation failed.
	Error string `json:"error,omitempty"`
}

// PlanData is the payload for the planning event types.
type PlanData struct {
	// PlanText is the generated or approved plan.
	PlanText string `json:"plan_text,omitempty"`

	// Feedback is the user's revision text for TypePlanFeedback.
	Feedback string `json:"feedback,omitempty"`
}

// RetryData is the payload for TypeRetry.
type RetryData struct {
	// Attempt is the upcoming attempt number, 1-based.
	Attempt int `json:"attempt"`

	// Backoff slept before this attempt.
	Backoff time.Duration `json:"backoff"`

	// ShrinkLevel applied to the context before this attempt.
	ShrinkLevel int `json:"shrink_level"`

	// Reason is the classified retryable error.
	Reason string `json:"reason"`
}

// CircuitBreakerData is the payload for TypeCircuitBreaker.
type CircuitBreakerData struct {
	// Reason is "complexity" for the event cap or "timeout" for the
	// wall-clock cap.
	Reason string `json:"reason"`

	// Events produced in the attempt.
	Events int `json:"events"`

	// Elapsed wall-clock time in the attempt.
	Elapsed time.Duration `json:"elapsed"`
}

// ErrorData is the payload for TypeError.
type ErrorData struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`

	// Recoverable indicates whether the engine will retry.
	Recoverable bool `json:"recoverable"`
}

// ResponseData is the payload for TypeResponse.
type ResponseData struct {
	// Text shown to the user.
	Text string `json:"text"`

	// PlanPending is set when the text is a plan awaiting approval.
	PlanPending bool `json:"plan_pending,omitempty"`
}
