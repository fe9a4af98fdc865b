// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package context

import "fmt"

// Legacy state keys owned by the context manager. Hosts persisting
// conversation state keep these alongside the state owner's user:/temp:
// keys in one flat map.
const (
	KeyLegacySnippets      = "app:code_snippets"
	KeyLegacyCoreGoal      = "app:core_goal"
	KeyLegacyCurrentPhase  = "app:current_phase"
	KeyLegacyKeyDecisions  = "app:key_decisions"
	KeyLegacyModifiedFiles = "app:last_modified_files"
)

// LegacySnapshot emits the manager's app:* portion of the flat legacy map.
// Values survive a JSON round trip.
func (m *Manager) LegacySnapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snippets := make([]any, len(m.snippets))
	for i, s := range m.snippets {
		snippets[i] = map[string]any{
			"file_path":       s.FilePath,
			"code":            s.Code,
			"start_line":      s.StartLine,
			"end_line":        s.EndLine,
			"last_accessed":   s.LastAccessed,
			"relevance_score": s.Relevance,
		}
	}

	return map[string]any{
		KeyLegacySnippets:      snippets,
		KeyLegacyCoreGoal:      m.coreGoal,
		KeyLegacyCurrentPhase:  m.currentPhase,
		KeyLegacyKeyDecisions:  append([]string(nil), m.keyDecisions...),
		KeyLegacyModifiedFiles: append([]string(nil), m.modifiedFiles...),
	}
}

// SyncFromLegacyState rebuilds the manager's stores from a flat legacy
// map. Only app:* keys are read; everything else is ignored. Snippet token
// counts are recomputed because the persisting host may have used a
// different counter.
func (m *Manager) SyncFromLegacyState(state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if raw, ok := state[KeyLegacySnippets]; ok && raw != nil {
		items, ok := legacySlice(raw)
		if !ok {
			return fmt.Errorf("%s is %T, want a list", KeyLegacySnippets, raw)
		}
		snippets := make([]CodeSnippet, 0, len(items))
		for i, item := range items {
			sm, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("%s[%d] is %T, want a map", KeyLegacySnippets, i, item)
			}
			s := CodeSnippet{}
			s.FilePath, _ = sm["file_path"].(string)
			s.Code, _ = sm["code"].(string)
			s.StartLine = legacyInt(sm["start_line"])
			s.EndLine = legacyInt(sm["end_line"])
			s.LastAccessed = legacyInt(sm["last_accessed"])
			s.Relevance = clamp01(legacyFloat(sm["relevance_score"]))
			s.TokenCount = m.counter.Count(s.Code)
			snippets = append(snippets, s)
		}
		m.snippets = snippets
	}

	if goal, ok := state[KeyLegacyCoreGoal].(string); ok {
		m.coreGoal = goal
	}
	if phase, ok := state[KeyLegacyCurrentPhase].(string); ok {
		m.currentPhase = phase
	}
	if raw, ok := state[KeyLegacyKeyDecisions]; ok {
		m.keyDecisions = legacyStrings(raw)
		if len(m.keyDecisions) > MaxKeyDecisions {
			m.keyDecisions = m.keyDecisions[len(m.keyDecisions)-MaxKeyDecisions:]
		}
	}
	if raw, ok := state[KeyLegacyModifiedFiles]; ok {
		m.modifiedFiles = legacyStrings(raw)
		if len(m.modifiedFiles) > MaxModifiedFiles {
			m.modifiedFiles = m.modifiedFiles[len(m.modifiedFiles)-MaxModifiedFiles:]
		}
	}
	return nil
}

// legacySlice accepts []any or []map[string]any.
func legacySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, mp := range s {
			out[i] = mp
		}
		return out, true
	default:
		return nil, false
	}
}

// legacyStrings accepts []string or []any of strings.
func legacyStrings(v any) []string {
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

// legacyInt accepts the numeric types a JSON round trip can produce.
func legacyInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}

// legacyFloat accepts int or float forms.
func legacyFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
