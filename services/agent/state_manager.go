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
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// StateManager owns the conversation state: completed turn history, the
// current in-progress turn, and the new-conversation flag.
//
// Description:
//
//	The engine is single-threaded per conversation by contract. The
//	StateManager enforces that contract with a try-acquire writer gate:
//	a second concurrent mutator does not wait, it fails immediately with
//	ErrStateValidation. Reads take a shared lock and return deep copies,
//	so no caller can alias internal state.
//
// Thread Safety:
//
//	Safe for concurrent use; concurrent mutation is rejected by design.
type StateManager struct {
	// gate is the single-writer lock. TryAcquire only; never Acquire.
	gate *semaphore.Weighted

	history           []Turn
	current           *Turn
	isNewConversation bool

	logger *logging.Logger
}

// NewStateManager creates an empty StateManager. A nil logger falls back
// to the package default.
func NewStateManager(logger *logging.Logger) *StateManager {
	if logger == nil {
		logger = logging.Default()
	}
	return &StateManager{
		gate:              semaphore.NewWeighted(1),
		isNewConversation: true,
		logger:            logger,
	}
}

// acquire claims the writer gate or fails with ErrStateValidation.
func (sm *StateManager) acquire(op string) error {
	if !sm.gate.TryAcquire(1) {
		return fmt.Errorf("%w: concurrent %s rejected by single-writer gate", ErrStateValidation, op)
	}
	return nil
}

// StartTurn begins a new turn for the given user message.
//
// Description:
//
//	If a current turn exists and is not completed, it is force-completed
//	first with a warning; a stale turn must never block progress. The new
//	turn is numbered len(history)+1 and starts in the
//	processing_user_input phase.
//
// Inputs:
//
//	userMessage - The inbound user message. May be empty for turns the
//	              engine starts on its own behalf.
//
// Outputs:
//
//	*Turn - Copy of the new current turn.
//	error - ErrStateValidation on writer-gate contention.
func (sm *StateManager) StartTurn(userMessage string) (*Turn, error) {
	if err := sm.acquire("StartTurn"); err != nil {
		return nil, err
	}
	defer sm.gate.Release(1)

	if sm.current != nil && sm.current.Phase != PhaseCompleted {
		sm.logger.Warn("force-completing stale turn",
			"turn_number", sm.current.TurnNumber,
			"phase", sm.current.Phase.String())
		sm.completeLocked()
	}

	turn := Turn{
		TurnNumber:  len(sm.history) + 1,
		Phase:       PhaseProcessingUserInput,
		UserMessage: userMessage,
		CreatedAt:   time.Now(),
	}
	sm.current = &turn

	out := turn.clone()
	return &out, nil
}

// UpdateCurrentTurn mutates known fields of the current turn in place.
//
// Description:
//
//	Recognized keys: "user_message" (string), "agent_message" (string),
//	"phase" (string or TurnPhase; validated forward-only). Unknown keys
//	log a warning and are ignored, they are not errors.
//
// Outputs:
//
//	error - ErrStateValidation when no current turn exists, on gate
//	        contention, or on a backward phase value.
func (sm *StateManager) UpdateCurrentTurn(fields map[string]any) error {
	if err := sm.acquire("UpdateCurrentTurn"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	if sm.current == nil {
		return fmt.Errorf("%w: no current turn to update", ErrStateValidation)
	}

	for key, value := range fields {
		switch key {
		case "user_message":
			if s, ok := value.(string); ok {
				sm.current.UserMessage = s
			}
		case "agent_message":
			if s, ok := value.(string); ok {
				sm.current.AgentMessage = s
			}
		case "phase":
			phase, err := coercePhase(value)
			if err != nil {
				return err
			}
			if !sm.current.Phase.CanAdvanceTo(phase) {
				return fmt.Errorf("%w: phase %s cannot move backward to %s",
					ErrStateValidation, sm.current.Phase, phase)
			}
			sm.current.Phase = phase
		default:
			sm.logger.Warn("ignoring unknown turn field", "field", key)
		}
	}
	return nil
}

// AdvancePhase moves the current turn to a later phase. Skips are allowed;
// moving backward or to an unknown phase is ErrStateValidation.
func (sm *StateManager) AdvancePhase(to TurnPhase) error {
	if err := sm.acquire("AdvancePhase"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	if sm.current == nil {
		return fmt.Errorf("%w: no current turn to advance", ErrStateValidation)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrStateValidation, string(to))
	}
	if !sm.current.Phase.CanAdvanceTo(to) {
		return fmt.Errorf("%w: phase %s cannot move backward to %s",
			ErrStateValidation, sm.current.Phase, to)
	}

	sm.current.Phase = to
	if to == PhaseCompleted && sm.current.CompletedAt == nil {
		now := time.Now()
		sm.current.CompletedAt = &now
	}
	return nil
}

// AddToolCall appends a tool call to the current turn's ordered list.
func (sm *StateManager) AddToolCall(name string, args map[string]any) error {
	if err := sm.acquire("AddToolCall"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	if sm.current == nil {
		return fmt.Errorf("%w: no current turn for tool call %q", ErrStateValidation, name)
	}

	copied := make(map[string]any, len(args))
	for k, v := range args {
		copied[k] = v
	}
	sm.current.ToolCalls = append(sm.current.ToolCalls, ToolCallRecord{
		Name:      name,
		Args:      copied,
		Timestamp: time.Now(),
	})
	return nil
}

// AddToolResult appends a tool result to the current turn's ordered list.
// Results must be appended in invocation-start order; the orchestrator
// preserves submission order for parallel batches.
func (sm *StateManager) AddToolResult(name string, result any) error {
	if err := sm.acquire("AddToolResult"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	if sm.current == nil {
		return fmt.Errorf("%w: no current turn for tool result %q", ErrStateValidation, name)
	}
	sm.current.ToolResults = append(sm.current.ToolResults, ToolResultRecord{
		Name:      name,
		Result:    result,
		Timestamp: time.Now(),
	})
	return nil
}

// AddSystemMessage appends a mid-turn system message (approved plan,
// notice) to the current turn.
func (sm *StateManager) AddSystemMessage(msg string) error {
	if err := sm.acquire("AddSystemMessage"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	if sm.current == nil {
		return fmt.Errorf("%w: no current turn for system message", ErrStateValidation)
	}
	sm.current.SystemMessages = append(sm.current.SystemMessages, msg)
	return nil
}

// RecordError appends an error string to the current turn. Recording on a
// missing turn is a no-op: errors can surface after a reset and must not
// cascade.
func (sm *StateManager) RecordError(msg string) error {
	if err := sm.acquire("RecordError"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	if sm.current == nil {
		sm.logger.Warn("error recorded with no current turn", "error", msg)
		return nil
	}
	sm.current.Errors = append(sm.current.Errors, msg)
	return nil
}

// CompleteCurrentTurn validates invariants, stamps completed_at, moves the
// turn into history, and clears the current turn.
//
// Outputs:
//
//	error - ErrStateValidation when there is no current turn, the turn
//	        number is not dense, or on gate contention.
func (sm *StateManager) CompleteCurrentTurn() error {
	if err := sm.acquire("CompleteCurrentTurn"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	if sm.current == nil {
		return fmt.Errorf("%w: no current turn to complete", ErrStateValidation)
	}
	if want := len(sm.history) + 1; sm.current.TurnNumber != want {
		return fmt.Errorf("%w: turn number %d does not match history position %d",
			ErrStateValidation, sm.current.TurnNumber, want)
	}

	sm.completeLocked()
	return nil
}

// completeLocked finalizes the current turn. Caller holds the gate.
func (sm *StateManager) completeLocked() {
	turn := sm.current
	turn.Phase = PhaseCompleted
	if turn.CompletedAt == nil {
		now := time.Now()
		if !now.After(turn.CreatedAt) {
			// Clock resolution can make now == created_at on fast turns.
			now = turn.CreatedAt.Add(time.Microsecond)
		}
		turn.CompletedAt = &now
	}
	sm.history = append(sm.history, turn.clone())
	sm.current = nil
	sm.isNewConversation = false
}

// Snapshot returns a deep copy of the conversation state for the context
// assembler. Mutating the snapshot never affects the manager.
func (sm *StateManager) Snapshot() ConversationState {
	// Snapshot is a read; it must not contend with the writer gate, the
	// engine snapshots while holding no locks of its own.
	if !sm.gate.TryAcquire(1) {
		// A writer is active. The engine contract makes this unreachable,
		// but a stale read is still safer than a torn one.
		sm.logger.Warn("snapshot taken during active mutation")
	} else {
		defer sm.gate.Release(1)
	}

	out := ConversationState{
		History:           make([]Turn, len(sm.history)),
		IsNewConversation: sm.isNewConversation,
	}
	for i, t := range sm.history {
		out.History[i] = t.clone()
	}
	if sm.current != nil {
		c := sm.current.clone()
		out.CurrentTurn = &c
	}
	return out
}

// CurrentTurn returns a copy of the in-progress turn, or nil.
func (sm *StateManager) CurrentTurn() *Turn {
	if sm.current == nil {
		return nil
	}
	c := sm.current.clone()
	return &c
}

// TurnCount returns the number of completed turns.
func (sm *StateManager) TurnCount() int {
	return len(sm.history)
}

// IsNewConversation reports whether any turn has completed yet.
func (sm *StateManager) IsNewConversation() bool {
	return sm.isNewConversation
}

// Reset discards all state, returning the manager to fresh-instance
// semantics. The run loop uses this to recover from a state validation
// error before restarting the turn.
func (sm *StateManager) Reset() {
	// Best effort on the gate: reset is the recovery path for a manager
	// whose gate state may itself be suspect.
	acquired := sm.gate.TryAcquire(1)
	sm.history = nil
	sm.current = nil
	sm.isNewConversation = true
	if acquired {
		sm.gate.Release(1)
	}
}

// coercePhase accepts a TurnPhase or its string name.
func coercePhase(value any) (TurnPhase, error) {
	switch v := value.(type) {
	case TurnPhase:
		if v.Valid() {
			return v, nil
		}
		return "", fmt.Errorf("%w: unknown phase %q", ErrStateValidation, string(v))
	case string:
		if p, ok := ParsePhase(v); ok {
			return p, nil
		}
		return "", fmt.Errorf("%w: unknown phase %q", ErrStateValidation, v)
	default:
		return "", fmt.Errorf("%w: phase must be a string, got %T", ErrStateValidation, value)
	}
}
