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

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Context block keys in priority order. Earlier keys are packed first.
const (
	KeyCoreGoal          = "core_goal"
	KeyCurrentPhase      = "current_phase"
	KeySystemNotes       = "system_notes"
	KeyRecentConvo       = "recent_conversation"
	KeyRelevantCode      = "relevant_code"
	KeyRecentToolResults = "recent_tool_results"
	KeyKeyDecisions      = "key_decisions"
	KeyModifiedFiles     = "recent_modified_files"
	KeyProactive         = "proactive_context"
)

// Assemble packs the stored state into the context block.
//
// Description:
//
//	The available budget is the model's token limit minus the caller's
//	base prompt tokens, the wrapper overhead, and the safety margin.
//	Keys are attempted in priority order; scalar keys that do not fit
//	are skipped, ranked list keys stop at the first element that does
//	not fit. Conversation turns are selected newest-first and then
//	reversed so the model reads chronologically. Code snippets and tool
//	results are ranked by priority score with correlation and recency
//	as tie breakers. The proactive mapping is included whole when it
//	fits, partially when at least 1000 tokens remain.
//
//	When not even one conversation turn fits, an emergency minimal
//	context is emitted instead: the most recent user message, truncated
//	to fit, plus whatever scalar state already fit. That condition is
//	logged as a warning.
//
// Inputs:
//
//	basePromptTokens - Tokens already committed to instruction, tool
//	                   schemas, and the current user message.
//	currentContext - Text used for relevance scoring, typically the
//	                 current user message.
//
// Outputs:
//
//	map[string]any - The context block. Never nil.
//	error - ErrBudgetExceeded when the budget is non-positive.
func (m *Manager) Assemble(basePromptTokens int, currentContext string) (map[string]any, error) {
	m.mu.RLock()
	turns := append([]TurnView(nil), m.turns...)
	snippets := append([]CodeSnippet(nil), m.snippets...)
	results := append([]ToolResultEntry(nil), m.toolResults...)
	coreGoal := m.coreGoal
	currentPhase := m.currentPhase
	decisions := append([]string(nil), m.keyDecisions...)
	files := append([]string(nil), m.modifiedFiles...)
	notes := append([]string(nil), m.systemNotes...)
	currentTurn := m.currentTurn
	targetTurns, targetSnippets, targetResults := m.targetsLocked()
	proactive := m.proactive
	m.mu.RUnlock()

	out := make(map[string]any)
	budget := m.config.MaxLLMTokenLimit - basePromptTokens - m.config.WrapperOverhead - m.config.SafetyMargin
	if budget <= 0 {
		m.logger.Error("context budget non-positive, emitting empty context",
			"base_prompt_tokens", basePromptTokens,
			"max_llm_token_limit", m.config.MaxLLMTokenLimit)
		return out, fmt.Errorf("%w: base prompt %d leaves no room under limit %d",
			ErrBudgetExceeded, basePromptTokens, m.config.MaxLLMTokenLimit)
	}

	used := 0

	// 1-2. Scalars: skip when they do not fit.
	if coreGoal != "" {
		cost := m.counter.Count(coreGoal) + keyOverhead
		if used+cost <= budget {
			out[KeyCoreGoal] = coreGoal
			used += cost
		}
	}
	if currentPhase != "" {
		cost := m.counter.Count(currentPhase) + keyOverhead
		if used+cost <= budget {
			out[KeyCurrentPhase] = currentPhase
			used += cost
		}
	}

	// 3. System notes, newest first.
	if len(notes) > 0 {
		var included []string
		cost := keyOverhead
		for i := len(notes) - 1; i >= 0; i-- {
			c := m.counter.Count(notes[i]) + elementOverhead
			if used+cost+c > budget {
				break
			}
			included = append(included, notes[i])
			cost += c
		}
		if len(included) > 0 {
			out[KeySystemNotes] = included
			used += cost
		}
	}

	// 4. Recent conversation: newest-first selection, chronological output.
	turnsIncluded := 0
	if len(turns) > 0 && targetTurns > 0 {
		var selected []map[string]any
		cost := keyOverhead
		for i := len(turns) - 1; i >= 0 && len(selected) < targetTurns; i-- {
			t := turns[i]
			c := m.counter.Count(t.UserMessage) +
				m.counter.Count(t.AgentMessage) +
				m.counter.Count(strings.Join(t.ToolCallNames, " ")) +
				elementOverhead
			if used+cost+c > budget {
				break
			}
			selected = append(selected, turnElement(t))
			cost += c
		}
		if len(selected) > 0 {
			// Reverse to chronological order.
			for l, r := 0, len(selected)-1; l < r; l, r = l+1, r-1 {
				selected[l], selected[r] = selected[r], selected[l]
			}
			out[KeyRecentConvo] = selected
			used += cost
			turnsIncluded = len(selected)
		}
	}

	// 5. Relevant code: ranked, break on first overflow.
	if len(snippets) > 0 && targetSnippets > 0 {
		ranked := m.rankSnippets(snippets, results, currentContext, currentTurn)
		var included []map[string]any
		cost := keyOverhead
		for _, s := range ranked {
			if len(included) >= targetSnippets {
				break
			}
			c := m.counter.Count(s.Code) + m.counter.Count(s.FilePath) + elementOverhead
			if used+cost+c > budget {
				break
			}
			included = append(included, map[string]any{
				"file":       s.FilePath,
				"start_line": s.StartLine,
				"end_line":   s.EndLine,
				"code":       s.Code,
			})
			cost += c
		}
		if len(included) > 0 {
			out[KeyRelevantCode] = included
			used += cost
		}
	}

	// 6. Tool results: ranked, break on first overflow.
	if len(results) > 0 && targetResults > 0 {
		ranked := m.rankToolResults(results, snippets, currentContext, currentTurn)
		var included []map[string]any
		cost := keyOverhead
		for _, r := range ranked {
			if len(included) >= targetResults {
				break
			}
			c := m.counter.Count(r.Summary) + m.counter.Count(r.ToolName) + elementOverhead
			if used+cost+c > budget {
				break
			}
			included = append(included, map[string]any{
				"tool":     r.ToolName,
				"turn":     r.Turn,
				"summary":  r.Summary,
				"is_error": r.IsError,
			})
			cost += c
		}
		if len(included) > 0 {
			out[KeyRecentToolResults] = included
			used += cost
		}
	}

	// 7-8. Bounded string lists: newest-backward fill, chronological output.
	if packed, cost := packTail(decisions, budget-used, m.counter); len(packed) > 0 {
		out[KeyKeyDecisions] = packed
		used += cost
	}
	if packed, cost := packTail(files, budget-used, m.counter); len(packed) > 0 {
		out[KeyModifiedFiles] = packed
		used += cost
	}

	// 9. Proactive context: whole, or partial above the threshold.
	if proactive != nil {
		if gathered := proactive.Gather(); len(gathered) > 0 {
			m.packProactive(out, gathered, budget, &used)
		}
	}

	// Emergency: conversation exists but not one turn fit.
	if turnsIncluded == 0 && len(turns) > 0 {
		m.logger.Warn("emergency minimal context: no conversation turn fit budget",
			"budget", budget, "used", used, "turns_available", len(turns))
		last := turns[len(turns)-1]
		remaining := budget - used - keyOverhead - elementOverhead
		if remaining > 0 {
			msg := truncateToTokens(last.UserMessage, remaining, m.counter)
			if msg != "" {
				out[KeyRecentConvo] = []map[string]any{{
					"turn": last.Number,
					"user": msg,
				}}
			}
		}
	}

	return out, nil
}

// turnElement renders one conversation turn for the context block.
func turnElement(t TurnView) map[string]any {
	el := map[string]any{
		"turn":  t.Number,
		"user":  t.UserMessage,
		"agent": t.AgentMessage,
	}
	if len(t.ToolCallNames) > 0 {
		el["tool_calls"] = t.ToolCallNames
	}
	return el
}

// packTail fills from the newest entry backward under the budget, then
// restores chronological order. Returns the packed list and its cost.
func packTail(items []string, budget int, counter TokenCounter) ([]string, int) {
	if len(items) == 0 || budget <= keyOverhead {
		return nil, 0
	}
	var included []string
	cost := keyOverhead
	for i := len(items) - 1; i >= 0; i-- {
		c := counter.Count(items[i]) + elementOverhead
		if cost+c > budget {
			break
		}
		included = append(included, items[i])
		cost += c
	}
	if len(included) == 0 {
		return nil, 0
	}
	for l, r := 0, len(included)-1; l < r; l, r = l+1, r-1 {
		included[l], included[r] = included[r], included[l]
	}
	return included, cost
}

// packProactive attempts full inclusion of the proactive mapping, falling
// back to partial inclusion in sub-key order when at least the partial
// threshold remains.
func (m *Manager) packProactive(out map[string]any, gathered map[string]any, budget int, used *int) {
	fullCost := keyOverhead
	for _, v := range gathered {
		fullCost += m.counter.Count(renderJSON(v)) + elementOverhead
	}
	if *used+fullCost <= budget {
		out[KeyProactive] = gathered
		*used += fullCost
		return
	}

	if budget-*used < proactivePartialThreshold {
		return
	}

	partial := make(map[string]any)
	cost := keyOverhead
	for _, key := range []string{ProactiveProjectFiles, ProactiveGitHistory, ProactiveDocumentation} {
		v, ok := gathered[key]
		if !ok {
			continue
		}
		c := m.counter.Count(renderJSON(v)) + elementOverhead
		if *used+cost+c > budget {
			continue
		}
		partial[key] = v
		cost += c
	}
	if len(partial) > 0 {
		out[KeyProactive] = partial
		*used += cost
	}
}

// rankSnippets orders snippets by (priority, correlation, recency)
// descending.
func (m *Manager) rankSnippets(snippets []CodeSnippet, results []ToolResultEntry, currentContext string, currentTurn int) []CodeSnippet {
	p := NewPrioritizer()
	c := NewCorrelator()
	correlations := c.CorrelateSnippets(snippets, results)

	type ranked struct {
		snippet CodeSnippet
		score   Score
		corr    float64
	}
	items := make([]ranked, len(snippets))
	for i, s := range snippets {
		text := s.FilePath + " " + s.Code
		items[i] = ranked{
			snippet: s,
			score:   p.ScoreAgainst(text, currentContext, s.LastAccessed, currentTurn, false),
			corr:    correlations[i].Combined,
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score.Final != items[j].score.Final {
			return items[i].score.Final > items[j].score.Final
		}
		if items[i].corr != items[j].corr {
			return items[i].corr > items[j].corr
		}
		return items[i].score.Recency > items[j].score.Recency
	})
	out := make([]CodeSnippet, len(items))
	for i, it := range items {
		out[i] = it.snippet
	}
	return out
}

// rankToolResults orders results by (priority, correlation, recency)
// descending. Error results carry the maximum error component.
func (m *Manager) rankToolResults(results []ToolResultEntry, snippets []CodeSnippet, currentContext string, currentTurn int) []ToolResultEntry {
	p := NewPrioritizer()
	c := NewCorrelator()
	correlations := c.CorrelateToolResults(results, snippets)

	type ranked struct {
		result ToolResultEntry
		score  Score
		corr   float64
	}
	items := make([]ranked, len(results))
	for i, r := range results {
		text := r.ToolName + " " + r.Summary
		items[i] = ranked{
			result: r,
			score:  p.ScoreAgainst(text, currentContext, r.Turn, currentTurn, r.IsError),
			corr:   correlations[i].Combined,
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score.Final != items[j].score.Final {
			return items[i].score.Final > items[j].score.Final
		}
		if items[i].corr != items[j].corr {
			return items[i].corr > items[j].corr
		}
		return items[i].score.Recency > items[j].score.Recency
	})
	out := make([]ToolResultEntry, len(items))
	for i, it := range items {
		out[i] = it.result
	}
	return out
}

// renderJSON marshals v for token counting. Marshal failures count the
// fmt rendering instead.
func renderJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// truncateToTokens cuts text so its token count is at most budget.
// Conservative: trims by quarters until the counter agrees.
func truncateToTokens(text string, budget int, counter TokenCounter) string {
	if budget <= 0 {
		return ""
	}
	if counter.Count(text) <= budget {
		return text
	}
	runes := []rune(text)
	// First guess from the chars/4 heuristic, then shrink until it fits.
	keep := budget * 4
	if keep > len(runes) {
		keep = len(runes)
	}
	for keep > 0 {
		candidate := string(runes[:keep])
		if counter.Count(candidate) <= budget {
			return candidate
		}
		keep = keep * 3 / 4
	}
	return ""
}
