// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent implements the conversation engine: a turn state machine,
// a run loop with retry and circuit-breaker guard rails, progressive
// context shrinkage, and transport error classification.
//
// One Engine processes one conversation. Each user message becomes a Turn
// that moves through a linear phase machine from initialization to
// completion; phases may be skipped forward but never revisited. The
// engine owns its StateManager, ContextManager, and PlanningManager and
// guarantees no two state-mutating operations run concurrently within a
// conversation.
//
// Thread Safety:
//
//	StateManager enforces single-writer access with a try-acquire lock.
//	Contention is an invariant violation, not a wait.
package agent

import "time"

// TurnPhase represents a phase in the per-turn state machine.
//
// Phases are ordered; a turn may skip phases moving forward (a trivial
// answer can jump from processing_user_input straight to completed) but
// may never move backward. Violations return ErrStateValidation.
type TurnPhase string

const (
	// PhaseInitializing is the phase before user input is recorded.
	PhaseInitializing TurnPhase = "initializing"

	// PhaseProcessingUserInput records and classifies the user message.
	PhaseProcessingUserInput TurnPhase = "processing_user_input"

	// PhaseCallingLLM covers the outbound transport request.
	PhaseCallingLLM TurnPhase = "calling_llm"

	// PhaseProcessingLLMResponse covers response part extraction and
	// classification.
	PhaseProcessingLLMResponse TurnPhase = "processing_llm_response"

	// PhaseExecutingTools covers tool orchestration for the turn.
	PhaseExecutingTools TurnPhase = "executing_tools"

	// PhaseFinalizing covers result recording before completion.
	PhaseFinalizing TurnPhase = "finalizing"

	// PhaseCompleted is the terminal phase. Completed turns are immutable.
	PhaseCompleted TurnPhase = "completed"
)

// phaseOrder maps each phase to its position in the linear machine.
var phaseOrder = map[TurnPhase]int{
	PhaseInitializing:          0,
	PhaseProcessingUserInput:   1,
	PhaseCallingLLM:            2,
	PhaseProcessingLLMResponse: 3,
	PhaseExecutingTools:        4,
	PhaseFinalizing:            5,
	PhaseCompleted:             6,
}

// String returns the phase name.
func (p TurnPhase) String() string {
	return string(p)
}

// Valid reports whether p is a known phase.
func (p TurnPhase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// CanAdvanceTo reports whether a transition from p to next is legal:
// next must be a known phase at the same or a later position.
func (p TurnPhase) CanAdvanceTo(next TurnPhase) bool {
	from, okFrom := phaseOrder[p]
	to, okTo := phaseOrder[next]
	if !okFrom || !okTo {
		return false
	}
	return to >= from
}

// IsTerminal reports whether the phase is completed.
func (p TurnPhase) IsTerminal() bool {
	return p == PhaseCompleted
}

// AllPhases returns the phases in machine order.
func AllPhases() []TurnPhase {
	return []TurnPhase{
		PhaseInitializing,
		PhaseProcessingUserInput,
		PhaseCallingLLM,
		PhaseProcessingLLMResponse,
		PhaseExecutingTools,
		PhaseFinalizing,
		PhaseCompleted,
	}
}

// ParsePhase returns the TurnPhase for name, or false if unknown.
func ParsePhase(name string) (TurnPhase, bool) {
	p := TurnPhase(name)
	if p.Valid() {
		return p, true
	}
	return "", false
}

// ToolCallRecord is one tool invocation requested during a turn, in the
// order the model emitted it.
type ToolCallRecord struct {
	// Name of the tool.
	Name string `json:"name"`

	// Args passed to the tool.
	Args map[string]any `json:"args"`

	// Timestamp when the call was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// ToolResultRecord is one tool outcome recorded during a turn, in the
// order the invocation started (not completed).
type ToolResultRecord struct {
	// Name of the tool that produced the result.
	Name string `json:"name"`

	// Result is the opaque tool output.
	Result any `json:"result"`

	// Timestamp when the result was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Turn is a single user-agent exchange. A turn is mutable only while it is
// the current turn; once appended to history it is immutable (history
// stores value copies).
type Turn struct {
	// TurnNumber is 1-based and equals history index + 1 once completed.
	TurnNumber int `json:"turn_number"`

	// Phase is the turn's current position in the phase machine.
	Phase TurnPhase `json:"phase"`

	// UserMessage is the inbound message that started the turn.
	UserMessage string `json:"user_message,omitempty"`

	// AgentMessage is the final agent text for the turn.
	AgentMessage string `json:"agent_message,omitempty"`

	// ToolCalls in emission order.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// ToolResults in invocation-start order.
	ToolResults []ToolResultRecord `json:"tool_results,omitempty"`

	// SystemMessages injected mid-turn (approved plans, notices).
	SystemMessages []string `json:"system_messages,omitempty"`

	// Errors recorded during the turn.
	Errors []string `json:"errors,omitempty"`

	// CreatedAt is when the turn started.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is set exactly when the turn enters the completed phase.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a deep copy of the turn.
func (t Turn) clone() Turn {
	out := t
	if t.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallRecord, len(t.ToolCalls))
		for i, tc := range t.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Args != nil {
				args := make(map[string]any, len(tc.Args))
				for k, v := range tc.Args {
					args[k] = v
				}
				out.ToolCalls[i].Args = args
			}
		}
	}
	if t.ToolResults != nil {
		out.ToolResults = make([]ToolResultRecord, len(t.ToolResults))
		copy(out.ToolResults, t.ToolResults)
	}
	if t.SystemMessages != nil {
		out.SystemMessages = append([]string(nil), t.SystemMessages...)
	}
	if t.Errors != nil {
		out.Errors = append([]string(nil), t.Errors...)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// ConversationState is a deep snapshot of the conversation used by the
// context assembler. Mutating a snapshot never affects the StateManager.
type ConversationState struct {
	// History holds completed turns in order; turn numbers are dense and
	// equal index + 1.
	History []Turn `json:"history"`

	// CurrentTurn is the in-progress turn, nil between turns.
	CurrentTurn *Turn `json:"current_turn,omitempty"`

	// IsNewConversation is true until the first turn completes.
	IsNewConversation bool `json:"is_new_conversation"`
}

// Result is the outcome of processing one user message.
type Result struct {
	// Text is the user-visible response: the model's answer, a plan
	// awaiting approval, a feedback acknowledgment, or an error or
	// circuit-breaker message.
	Text string `json:"text"`

	// TurnNumber of the completed turn.
	TurnNumber int `json:"turn_number"`

	// ToolCalls made during the turn.
	ToolCalls int `json:"tool_calls"`

	// Retries consumed by the run loop for this message.
	Retries int `json:"retries"`

	// LLMCalls made during the turn.
	LLMCalls int `json:"llm_calls"`

	// TokensUsed reported by the transport, summed over calls.
	TokensUsed int `json:"tokens_used"`

	// PlanPending is true when Text is a plan awaiting approval.
	PlanPending bool `json:"plan_pending,omitempty"`

	// Elapsed is the wall-clock duration of the whole invocation.
	Elapsed time.Duration `json:"elapsed"`
}
