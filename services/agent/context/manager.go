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
	"sync"
	"time"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// Manager stores assembly inputs and packs them into the context block.
//
// Description:
//
//	The manager owns its own copies of everything it assembles: a synced
//	view of recent turns, stored code snippets, stored tool-result
//	summaries, and the scalar conversation state (core goal, phase, key
//	decisions, modified files, system notes). Sync from the state owner
//	is one-way; nothing here mutates conversation state.
//
// Thread Safety:
//
//	Safe for concurrent use. The engine mutates from its single task;
//	observers may read snapshots concurrently.
type Manager struct {
	mu sync.RWMutex

	config     Config
	counter    TokenCounter
	summarizer *Summarizer
	proactive  ProactiveProvider
	logger     *logging.Logger

	// Synced conversation view.
	turns       []TurnView
	currentTurn int

	// Stores.
	snippets    []CodeSnippet
	toolResults []ToolResultEntry

	// Scalar state.
	coreGoal      string
	currentPhase  string
	keyDecisions  []string
	modifiedFiles []string
	systemNotes   []string

	// Shrinkage overrides; zero means "use config targets".
	targetTurnsOverride    int
	targetSnippetsOverride int
	targetResultsOverride  int
	overridesActive        bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithProactiveProvider wires a repository-context collaborator.
func WithProactiveProvider(p ProactiveProvider) Option {
	return func(m *Manager) { m.proactive = p }
}

// WithLogger sets the manager's logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. counter must not be nil.
func NewManager(config Config, counter TokenCounter, opts ...Option) *Manager {
	if config.MaxLLMTokenLimit <= 0 {
		config = DefaultConfig()
	}
	if config.Summarizer.MaxSummaryLen <= 0 {
		config.Summarizer = DefaultSummarizerConfig()
	}
	m := &Manager{
		config:  config,
		counter: counter,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	m.summarizer = NewSummarizer(config.Summarizer)
	return m
}

// ======
// Storage API
// ======

// AddConversationTurn appends a turn to the synced view and advances the
// manager's notion of the current turn.
func (m *Manager) AddConversationTurn(number int, userMessage, agentMessage string, toolCallNames []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = append(m.turns, TurnView{
		Number:        number,
		UserMessage:   userMessage,
		AgentMessage:  agentMessage,
		ToolCallNames: append([]string(nil), toolCallNames...),
	})
	if number >= m.currentTurn {
		m.currentTurn = number + 1
	}
}

// SetCurrentTurn records the turn number in progress; snippet access times
// and tool results are stamped with it.
func (m *Manager) SetCurrentTurn(number int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTurn = number
}

// AddCodeSnippet stores a code excerpt.
//
// Description:
//
//	An identical (path, startLine, endLine) triple refreshes the stored
//	snippet instead of inserting: last-accessed moves to the current
//	turn, relevance gains a bump (clamped to 1.0), and the code text is
//	refreshed in case the file changed. At capacity, the snippet with the
//	lowest (relevance, lastAccessed) lexicographic key is evicted first.
func (m *Manager) AddCodeSnippet(path, code string, startLine, endLine int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.snippets {
		s := &m.snippets[i]
		if s.FilePath == path && s.StartLine == startLine && s.EndLine == endLine {
			s.LastAccessed = m.currentTurn
			s.Relevance = clamp01(s.Relevance + dedupRelevanceBump)
			if s.Code != code {
				s.Code = code
				s.TokenCount = m.counter.Count(code)
			}
			return
		}
	}

	if len(m.snippets) >= m.config.MaxStoredCodeSnippets {
		m.evictSnippetLocked()
	}

	m.snippets = append(m.snippets, CodeSnippet{
		FilePath:     path,
		Code:         code,
		StartLine:    startLine,
		EndLine:      endLine,
		LastAccessed: m.currentTurn,
		Relevance:    initialSnippetRelevance,
		TokenCount:   m.counter.Count(code),
	})
}

// evictSnippetLocked removes the snippet with the lowest
// (relevance, lastAccessed) key. Caller holds the lock.
func (m *Manager) evictSnippetLocked() {
	if len(m.snippets) == 0 {
		return
	}
	lowest := 0
	for i := 1; i < len(m.snippets); i++ {
		a, b := m.snippets[i], m.snippets[lowest]
		if a.Relevance < b.Relevance ||
			(a.Relevance == b.Relevance && a.LastAccessed < b.LastAccessed) {
			lowest = i
		}
	}
	evicted := m.snippets[lowest]
	m.snippets = append(m.snippets[:lowest], m.snippets[lowest+1:]...)
	m.logger.Debug("evicted code snippet",
		"file", evicted.FilePath,
		"relevance", evicted.Relevance,
		"last_accessed", evicted.LastAccessed)
}

// AddToolResult stores a tool outcome. An empty summary is generated by
// the summarizer. At capacity the oldest result by turn number is evicted.
func (m *Manager) AddToolResult(toolName string, result any, summary string, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if summary == "" {
		summary = m.summarizer.Summarize(toolName, result)
	}

	if len(m.toolResults) >= m.config.MaxStoredToolResults {
		m.evictToolResultLocked()
	}

	m.toolResults = append(m.toolResults, ToolResultEntry{
		ToolName:      toolName,
		FullResult:    result,
		Summary:       summary,
		Turn:          m.currentTurn,
		IsError:       isError,
		Relevance:     initialSnippetRelevance,
		SummaryTokens: m.counter.Count(summary),
		RecordedAt:    time.Now(),
	})
}

// evictToolResultLocked removes the oldest entry by turn number, first
// occurrence on ties. Caller holds the lock.
func (m *Manager) evictToolResultLocked() {
	if len(m.toolResults) == 0 {
		return
	}
	oldest := 0
	for i := 1; i < len(m.toolResults); i++ {
		if m.toolResults[i].Turn < m.toolResults[oldest].Turn {
			oldest = i
		}
	}
	m.toolResults = append(m.toolResults[:oldest], m.toolResults[oldest+1:]...)
}

// SetCoreGoal records the conversation's goal.
func (m *Manager) SetCoreGoal(goal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coreGoal = goal
}

// SetCurrentPhase records the free-text work phase.
func (m *Manager) SetCurrentPhase(phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPhase = phase
}

// AddKeyDecision appends a decision, dropping the oldest past the cap.
func (m *Manager) AddKeyDecision(decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyDecisions = append(m.keyDecisions, decision)
	if len(m.keyDecisions) > MaxKeyDecisions {
		m.keyDecisions = m.keyDecisions[len(m.keyDecisions)-MaxKeyDecisions:]
	}
}

// AddModifiedFile appends a path, deduplicating to most-recent mention and
// dropping the oldest past the cap.
func (m *Manager) AddModifiedFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.modifiedFiles {
		if existing == path {
			m.modifiedFiles = append(m.modifiedFiles[:i], m.modifiedFiles[i+1:]...)
			break
		}
	}
	m.modifiedFiles = append(m.modifiedFiles, path)
	if len(m.modifiedFiles) > MaxModifiedFiles {
		m.modifiedFiles = m.modifiedFiles[len(m.modifiedFiles)-MaxModifiedFiles:]
	}
}

// AddSystemNote appends an out-of-band note for the model.
func (m *Manager) AddSystemNote(note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemNotes = append(m.systemNotes, note)
}

// SyncFromSnapshot replaces the conversation view with the state owner's
// turns. One-way; called at the start of each request.
func (m *Manager) SyncFromSnapshot(turns []TurnView, currentTurn int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = make([]TurnView, len(turns))
	copy(m.turns, turns)
	m.currentTurn = currentTurn
}

// ======
// Accessors
// ======

// SnippetCount returns the number of stored snippets.
func (m *Manager) SnippetCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snippets)
}

// ToolResultCount returns the number of stored tool results.
func (m *Manager) ToolResultCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.toolResults)
}

// Snippets returns a copy of the stored snippets.
func (m *Manager) Snippets() []CodeSnippet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CodeSnippet, len(m.snippets))
	copy(out, m.snippets)
	return out
}

// ToolResults returns a copy of the stored tool results.
func (m *Manager) ToolResults() []ToolResultEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolResultEntry, len(m.toolResults))
	copy(out, m.toolResults)
	return out
}

// CoreGoal returns the stored goal.
func (m *Manager) CoreGoal() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coreGoal
}

// CurrentPhase returns the stored phase.
func (m *Manager) CurrentPhase() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentPhase
}

// KeyDecisions returns a copy of the decision list.
func (m *Manager) KeyDecisions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.keyDecisions...)
}

// ModifiedFiles returns a copy of the modified-file list.
func (m *Manager) ModifiedFiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.modifiedFiles...)
}

// ======
// Shrinkage operations
// ======

// TrimConversation keeps only the newest n synced turns.
func (m *Manager) TrimConversation(keep int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(m.turns) > keep {
		m.turns = append([]TurnView(nil), m.turns[len(m.turns)-keep:]...)
	}
}

// TrimSnippets keeps only the n most recently accessed snippets.
func (m *Manager) TrimSnippets(keep int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	for len(m.snippets) > keep {
		m.evictSnippetLocked()
	}
}

// ClearSnippets drops all stored snippets.
func (m *Manager) ClearSnippets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snippets = nil
}

// ClearToolResultsForTurn drops results recorded during the given turn.
func (m *Manager) ClearToolResultsForTurn(turn int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.toolResults[:0]
	for _, tr := range m.toolResults {
		if tr.Turn != turn {
			kept = append(kept, tr)
		}
	}
	m.toolResults = kept
}

// ClearToolResults drops all stored tool results.
func (m *Manager) ClearToolResults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolResults = nil
}

// SetTargets overrides the per-assembly inclusion caps until ResetTargets.
// Used by progressive shrinkage between retries.
func (m *Manager) SetTargets(turns, snippets, results int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetTurnsOverride = turns
	m.targetSnippetsOverride = snippets
	m.targetResultsOverride = results
	m.overridesActive = true
}

// ResetTargets restores the configured inclusion caps.
func (m *Manager) ResetTargets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overridesActive = false
}

// ResetScalars clears phase, decisions, modified files, and system notes.
// The core goal is cleared too unless preserveGoal is set.
func (m *Manager) ResetScalars(preserveGoal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !preserveGoal {
		m.coreGoal = ""
	}
	m.currentPhase = ""
	m.keyDecisions = nil
	m.modifiedFiles = nil
	m.systemNotes = nil
}

// ResetAll returns the manager to an empty state, honoring preserveGoal.
func (m *Manager) ResetAll(preserveGoal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
	m.snippets = nil
	m.toolResults = nil
	if !preserveGoal {
		m.coreGoal = ""
	}
	m.currentPhase = ""
	m.keyDecisions = nil
	m.modifiedFiles = nil
	m.systemNotes = nil
}

// targetsLocked resolves the active inclusion caps. Caller holds at least
// a read lock.
func (m *Manager) targetsLocked() (turns, snippets, results int) {
	if m.overridesActive {
		return m.targetTurnsOverride, m.targetSnippetsOverride, m.targetResultsOverride
	}
	return m.config.TargetRecentTurns, m.config.TargetCodeSnippets, m.config.TargetToolResults
}

// clamp01 bounds v to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
