// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package context assembles the bounded JSON context block injected ahead
// of each model call.
//
// The Manager stores code snippets, tool-result summaries, scalar
// conversation state, and a synced view of recent turns, then packs them
// into a priority-ordered mapping whose token count fits the remaining
// prompt budget. Storage is bounded: snippets evict by lowest
// (relevance, last-accessed) and tool results evict oldest-turn-first.
package context

import (
	"errors"
	"time"
)

// ErrBudgetExceeded indicates assembly could not fit even the emergency
// minimal context under the available budget.
var ErrBudgetExceeded = errors.New("context budget exceeded")

// TokenCounter is the counting dependency. Satisfied by *tokens.Counter.
type TokenCounter interface {
	Count(text string) int
}

// ProactiveProvider contributes repository-wide context (project files,
// git history, documentation) gathered outside the conversation. Gather
// returns a mapping keyed by the canonical sub-keys below; missing keys
// are simply not offered.
type ProactiveProvider interface {
	Gather() map[string]any
}

// Proactive sub-keys in partial-inclusion order.
const (
	ProactiveProjectFiles  = "project_files"
	ProactiveGitHistory    = "git_history"
	ProactiveDocumentation = "documentation"
)

// CodeSnippet is one stored code excerpt.
type CodeSnippet struct {
	// FilePath of the source file.
	FilePath string `json:"file_path"`

	// Code text of the excerpt.
	Code string `json:"code"`

	// StartLine and EndLine bound the excerpt, 1-based inclusive.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// LastAccessed is the turn number that most recently touched the
	// snippet.
	LastAccessed int `json:"last_accessed"`

	// Relevance in [0,1]. Bumped on deduplicated re-adds.
	Relevance float64 `json:"relevance_score"`

	// TokenCount of Code under the manager's counter.
	TokenCount int `json:"token_count"`
}

// ToolResultEntry is one stored tool outcome.
type ToolResultEntry struct {
	// ToolName that produced the result.
	ToolName string `json:"tool_name"`

	// FullResult is the opaque complete output.
	FullResult any `json:"full_result"`

	// Summary is the short human-readable form included in context.
	Summary string `json:"summary"`

	// Turn the result was recorded in.
	Turn int `json:"turn"`

	// IsError marks failed invocations; these rank highest at assembly.
	IsError bool `json:"is_error"`

	// Relevance in [0,1].
	Relevance float64 `json:"relevance_score"`

	// SummaryTokens is the token count of Summary.
	SummaryTokens int `json:"summary_tokens"`

	// RecordedAt is the wall-clock insertion time.
	RecordedAt time.Time `json:"recorded_at"`
}

// TurnView is the manager's own copy of one conversation turn, synced
// one-way from the state owner at the start of each request.
type TurnView struct {
	// Number of the turn, 1-based.
	Number int `json:"turn"`

	// UserMessage and AgentMessage of the exchange.
	UserMessage  string `json:"user"`
	AgentMessage string `json:"agent"`

	// ToolCallNames invoked during the turn, in order.
	ToolCallNames []string `json:"tool_calls,omitempty"`
}

// Caps fixed by construction.
const (
	// MaxKeyDecisions bounds the key-decision list.
	MaxKeyDecisions = 15

	// MaxModifiedFiles bounds the modified-file list.
	MaxModifiedFiles = 15
)

// SummarizerConfig carries the truncation constants for tool-result
// summarization. Constants differ per tool kind; keep them separately
// configurable.
type SummarizerConfig struct {
	// FileHeadTail is how many characters of a file read to keep from
	// each end.
	FileHeadTail int

	// MapValueLimit truncates each important value of a generic map.
	MapValueLimit int

	// GenericLimit truncates the rendering of any other result type.
	GenericLimit int

	// MaxSummaryLen caps the final summary.
	MaxSummaryLen int
}

// DefaultSummarizerConfig returns the standard truncation constants.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		FileHeadTail:  500,
		MapValueLimit: 300,
		GenericLimit:  800,
		MaxSummaryLen: 2000,
	}
}

// Config configures a Manager.
type Config struct {
	// MaxLLMTokenLimit is the prompt-token upper bound per model call.
	MaxLLMTokenLimit int

	// TargetRecentTurns caps conversation turns included per assembly.
	TargetRecentTurns int

	// TargetCodeSnippets caps code snippets included per assembly.
	TargetCodeSnippets int

	// TargetToolResults caps tool-result summaries included per assembly.
	TargetToolResults int

	// MaxStoredCodeSnippets bounds snippet storage before eviction.
	MaxStoredCodeSnippets int

	// MaxStoredToolResults bounds tool-result storage before eviction.
	MaxStoredToolResults int

	// WrapperOverhead reserves tokens for the context block's own
	// envelope in the prompt.
	WrapperOverhead int

	// SafetyMargin reserves headroom under the hard limit.
	SafetyMargin int

	// Summarizer holds the truncation constants.
	Summarizer SummarizerConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLLMTokenLimit:      128000,
		TargetRecentTurns:     5,
		TargetCodeSnippets:    5,
		TargetToolResults:     5,
		MaxStoredCodeSnippets: 50,
		MaxStoredToolResults:  30,
		WrapperOverhead:       200,
		SafetyMargin:          50,
		Summarizer:            DefaultSummarizerConfig(),
	}
}

// Structural token overheads charged during packing. They over-estimate on
// purpose: undercounting breaks the budget invariant, overcounting only
// wastes a little room.
const (
	// elementOverhead is charged per list element for JSON punctuation
	// and field names.
	elementOverhead = 30

	// keyOverhead is charged once per included top-level key.
	keyOverhead = 12

	// proactivePartialThreshold is the minimum remaining budget for
	// attempting partial proactive inclusion.
	proactivePartialThreshold = 1000
)

// initialSnippetRelevance is the relevance assigned to a newly stored
// snippet, leaving headroom for deduplication bumps.
const initialSnippetRelevance = 0.5

// dedupRelevanceBump is added to relevance when an identical snippet is
// re-added, clamped to 1.0.
const dedupRelevanceBump = 0.1
