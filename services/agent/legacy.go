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
	"encoding/json"
	"fmt"
	"time"

	agentcontext "github.com/AleutianAI/agentcore/services/agent/context"
)

// Legacy state keys. A host embedding the engine persists conversation
// state as a flat key-value map using these reserved prefixes; the engine
// rebuilds itself from that map on restore.
const (
	// KeyConversationHistory holds the list of completed turn maps.
	KeyConversationHistory = "user:conversation_history"

	// KeyCurrentTurn holds the in-progress turn map, absent between turns.
	KeyCurrentTurn = "temp:current_turn"

	// KeyIsNewConversation holds the new-conversation flag.
	KeyIsNewConversation = "temp:is_new_conversation"
)

// ======
// StateManager <-> legacy map
// ======

// LegacySnapshot emits the StateManager's portion of the flat legacy map:
// conversation history, current turn, and the new-conversation flag. The
// emitted values survive a JSON round trip.
func (sm *StateManager) LegacySnapshot() map[string]any {
	snap := sm.Snapshot()

	history := make([]any, len(snap.History))
	for i, t := range snap.History {
		history[i] = turnToLegacy(t)
	}

	out := map[string]any{
		KeyConversationHistory: history,
		KeyIsNewConversation:   snap.IsNewConversation,
	}
	if snap.CurrentTurn != nil {
		out[KeyCurrentTurn] = turnToLegacy(*snap.CurrentTurn)
	}
	return out
}

// SyncFromLegacyState rebuilds the StateManager from a flat legacy map.
//
// Description:
//
//	Reads the user:/temp: keys this manager owns and ignores everything
//	else (app:* keys belong to the context manager). Values are decoded
//	tolerantly: numbers may arrive as int, int64, or float64 and string
//	lists as []string or []any, since hosts typically persist the map as
//	JSON. Malformed turn entries fail the sync.
//
// Outputs:
//
//	error - ErrStateValidation on gate contention or undecodable state.
func (sm *StateManager) SyncFromLegacyState(state map[string]any) error {
	if err := sm.acquire("SyncFromLegacyState"); err != nil {
		return err
	}
	defer sm.gate.Release(1)

	var history []Turn
	if raw, ok := state[KeyConversationHistory]; ok && raw != nil {
		items, ok := asSlice(raw)
		if !ok {
			return fmt.Errorf("%w: %s is %T, want a list", ErrStateValidation, KeyConversationHistory, raw)
		}
		history = make([]Turn, 0, len(items))
		for i, item := range items {
			m, ok := asMap(item)
			if !ok {
				return fmt.Errorf("%w: %s[%d] is %T, want a map", ErrStateValidation, KeyConversationHistory, i, item)
			}
			turn, err := turnFromLegacy(m)
			if err != nil {
				return fmt.Errorf("%w: %s[%d]: %v", ErrStateValidation, KeyConversationHistory, i, err)
			}
			history = append(history, turn)
		}
	}

	var current *Turn
	if raw, ok := state[KeyCurrentTurn]; ok && raw != nil {
		m, ok := asMap(raw)
		if !ok {
			return fmt.Errorf("%w: %s is %T, want a map", ErrStateValidation, KeyCurrentTurn, raw)
		}
		turn, err := turnFromLegacy(m)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStateValidation, KeyCurrentTurn, err)
		}
		current = &turn
	}

	isNew := len(history) == 0
	if raw, ok := state[KeyIsNewConversation]; ok {
		if b, ok := raw.(bool); ok {
			isNew = b
		}
	}

	sm.history = history
	sm.current = current
	sm.isNewConversation = isNew
	return nil
}

// turnToLegacy converts a turn to its flat map form. Timestamps are
// RFC3339Nano strings so the map survives JSON.
func turnToLegacy(t Turn) map[string]any {
	calls := make([]any, len(t.ToolCalls))
	for i, tc := range t.ToolCalls {
		calls[i] = map[string]any{
			"name":      tc.Name,
			"args":      tc.Args,
			"timestamp": tc.Timestamp.Format(time.RFC3339Nano),
		}
	}
	results := make([]any, len(t.ToolResults))
	for i, tr := range t.ToolResults {
		results[i] = map[string]any{
			"name":      tr.Name,
			"result":    tr.Result,
			"timestamp": tr.Timestamp.Format(time.RFC3339Nano),
		}
	}

	m := map[string]any{
		"turn_number":     t.TurnNumber,
		"phase":           string(t.Phase),
		"user_message":    t.UserMessage,
		"agent_message":   t.AgentMessage,
		"tool_calls":      calls,
		"tool_results":    results,
		"system_messages": append([]string(nil), t.SystemMessages...),
		"errors":          append([]string(nil), t.Errors...),
		"created_at":      t.CreatedAt.Format(time.RFC3339Nano),
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

// turnFromLegacy rebuilds a turn from its flat map form.
func turnFromLegacy(m map[string]any) (Turn, error) {
	var t Turn

	n, ok := asInt(m["turn_number"])
	if !ok || n < 1 {
		return t, fmt.Errorf("turn_number %v invalid", m["turn_number"])
	}
	t.TurnNumber = n

	phaseName, _ := m["phase"].(string)
	phase, ok := ParsePhase(phaseName)
	if !ok {
		return t, fmt.Errorf("phase %q unknown", phaseName)
	}
	t.Phase = phase

	t.UserMessage, _ = m["user_message"].(string)
	t.AgentMessage, _ = m["agent_message"].(string)
	t.SystemMessages = asStringSlice(m["system_messages"])
	t.Errors = asStringSlice(m["errors"])

	created, err := asTime(m["created_at"])
	if err != nil {
		return t, fmt.Errorf("created_at: %v", err)
	}
	t.CreatedAt = created

	if raw, ok := m["completed_at"]; ok && raw != nil {
		completed, err := asTime(raw)
		if err != nil {
			return t, fmt.Errorf("completed_at: %v", err)
		}
		t.CompletedAt = &completed
	}
	if t.Phase == PhaseCompleted && t.CompletedAt == nil {
		return t, fmt.Errorf("completed turn %d missing completed_at", t.TurnNumber)
	}

	if items, ok := asSlice(m["tool_calls"]); ok {
		for _, item := range items {
			cm, ok := asMap(item)
			if !ok {
				continue
			}
			rec := ToolCallRecord{}
			rec.Name, _ = cm["name"].(string)
			if args, ok := asMap(cm["args"]); ok {
				rec.Args = args
			}
			if ts, err := asTime(cm["timestamp"]); err == nil {
				rec.Timestamp = ts
			}
			t.ToolCalls = append(t.ToolCalls, rec)
		}
	}
	if items, ok := asSlice(m["tool_results"]); ok {
		for _, item := range items {
			rm, ok := asMap(item)
			if !ok {
				continue
			}
			rec := ToolResultRecord{}
			rec.Name, _ = rm["name"].(string)
			rec.Result = rm["result"]
			if ts, err := asTime(rm["timestamp"]); err == nil {
				rec.Timestamp = ts
			}
			t.ToolResults = append(t.ToolResults, rec)
		}
	}

	return t, nil
}

// ======
// Composite bridge
// ======

// LegacyBridge synchronizes the full flat legacy map across both owners:
// the StateManager (user:/temp: keys) and the context manager (app: keys).
// Hosts that persist sessions themselves use the bridge as the single
// import/export point.
type LegacyBridge struct {
	State   *StateManager
	Context *agentcontext.Manager
}

// NewLegacyBridge wires a bridge over the two state owners.
func NewLegacyBridge(state *StateManager, ctx *agentcontext.Manager) *LegacyBridge {
	return &LegacyBridge{State: state, Context: ctx}
}

// Snapshot emits the complete flat legacy map.
func (b *LegacyBridge) Snapshot() map[string]any {
	out := b.State.LegacySnapshot()
	for k, v := range b.Context.LegacySnapshot() {
		out[k] = v
	}
	return out
}

// Restore rebuilds both owners from a flat legacy map. The StateManager
// syncs first; a failure there leaves the context manager untouched.
func (b *LegacyBridge) Restore(state map[string]any) error {
	if err := b.State.SyncFromLegacyState(state); err != nil {
		return err
	}
	return b.Context.SyncFromLegacyState(state)
}

// ======
// Tolerant decoding helpers
// ======

// asInt accepts the numeric types a JSON round trip can produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// asSlice accepts []any or []map[string]any.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

// asMap accepts map[string]any.
func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// asStringSlice accepts []string or []any of strings.
func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// asTime accepts time.Time or an RFC3339 string.
func asTime(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("timestamp is %T", v)
	}
}
