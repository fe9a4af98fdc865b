// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package context

import (
	"errors"
	"strings"
	"testing"
)

// staticProvider returns a fixed proactive mapping.
type staticProvider struct {
	data map[string]any
}

func (p staticProvider) Gather() map[string]any { return p.data }

func TestManager_Assemble(t *testing.T) {
	t.Run("empty manager yields empty context", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		out, err := m.Assemble(0, "")
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		if len(out) != 0 {
			t.Errorf("expected empty context, got %v", out)
		}
	})

	t.Run("includes all keys under a generous budget", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{},
			WithProactiveProvider(staticProvider{data: map[string]any{
				ProactiveProjectFiles: []string{"go.mod", "main.go"},
			}}))
		m.SetCoreGoal("fix the parser")
		m.SetCurrentPhase("implementation")
		m.AddSystemNote("tests are failing")
		m.AddConversationTurn(1, "start work", "working on it", []string{"read_file"})
		m.AddCodeSnippet("src/parser.go", "func Parse() {}", 1, 3)
		m.AddToolResult("read_file", map[string]any{"content": "x"}, "read it", false)
		m.AddKeyDecision("rewrite the grammar")
		m.AddModifiedFile("src/parser.go")

		out, err := m.Assemble(0, "parser")
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		for _, key := range []string{
			KeyCoreGoal, KeyCurrentPhase, KeySystemNotes, KeyRecentConvo,
			KeyRelevantCode, KeyRecentToolResults, KeyKeyDecisions,
			KeyModifiedFiles, KeyProactive,
		} {
			if _, ok := out[key]; !ok {
				t.Errorf("expected key %q in context", key)
			}
		}
	})

	t.Run("non-positive budget returns empty context and error", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCoreGoal("goal")
		out, err := m.Assemble(1000, "")
		if !errors.Is(err, ErrBudgetExceeded) {
			t.Fatalf("expected ErrBudgetExceeded, got %v", err)
		}
		if len(out) != 0 {
			t.Errorf("expected empty context on exceeded budget, got %v", out)
		}
	})

	t.Run("scalar that does not fit is skipped not truncated", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxLLMTokenLimit = 40
		m := NewManager(cfg, wordCounter{})
		m.SetCoreGoal(strings.Repeat("word ", 100))
		m.SetCurrentPhase("implementation")

		out, err := m.Assemble(0, "")
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		if _, ok := out[KeyCoreGoal]; ok {
			t.Error("expected oversized goal skipped")
		}
		if out[KeyCurrentPhase] != "implementation" {
			t.Error("expected later scalar still packed after a skip")
		}
	})

	t.Run("conversation is selected newest first and emitted chronologically", func(t *testing.T) {
		cfg := testConfig()
		cfg.TargetRecentTurns = 2
		m := NewManager(cfg, wordCounter{})
		for i := 1; i <= 4; i++ {
			m.AddConversationTurn(i, "msg", "reply", nil)
		}

		out, _ := m.Assemble(0, "")
		convo := out[KeyRecentConvo].([]map[string]any)
		if len(convo) != 2 {
			t.Fatalf("expected 2 turns, got %d", len(convo))
		}
		if convo[0]["turn"] != 3 || convo[1]["turn"] != 4 {
			t.Errorf("expected chronological [3 4], got [%v %v]", convo[0]["turn"], convo[1]["turn"])
		}
	})

	t.Run("ranked list stops at the first overflow", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxLLMTokenLimit = 200
		m := NewManager(cfg, wordCounter{})
		// The top-ranked snippet is too large; the small one would fit but
		// inclusion stops rather than skipping ahead.
		m.AddCodeSnippet("src/big.go", "alpha beta gamma "+strings.Repeat("filler ", 180), 1, 1)
		m.AddCodeSnippet("src/small.go", "tiny", 1, 1)

		out, _ := m.Assemble(0, "alpha beta gamma")
		if _, ok := out[KeyRelevantCode]; ok {
			t.Errorf("expected no code key when the top-ranked snippet overflows, got %v",
				out[KeyRelevantCode])
		}
	})

	t.Run("ranked list includes in score order while room remains", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.AddCodeSnippet("src/relevant.go", "alpha beta gamma", 1, 1)
		m.AddCodeSnippet("src/other.go", "unrelated words here", 1, 1)

		out, _ := m.Assemble(0, "alpha beta gamma")
		code := out[KeyRelevantCode].([]map[string]any)
		if len(code) != 2 {
			t.Fatalf("expected both snippets, got %d", len(code))
		}
		if code[0]["file"] != "src/relevant.go" {
			t.Errorf("expected the relevant snippet first, got %v", code[0]["file"])
		}
	})

	t.Run("error tool results rank ahead of fresh results", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(1)
		m.AddToolResult("run_shell_command", nil, "command failed", true)
		m.SetCurrentTurn(5)
		m.AddToolResult("read_file", nil, "read fine", false)

		out, _ := m.Assemble(0, "")
		results := out[KeyRecentToolResults].([]map[string]any)
		if results[0]["is_error"] != true {
			t.Errorf("expected the error result first, got %v", results[0])
		}
	})

	t.Run("proactive context included whole when it fits", func(t *testing.T) {
		data := map[string]any{
			ProactiveProjectFiles:  []string{"go.mod"},
			ProactiveGitHistory:    []string{"abc fix parser"},
			ProactiveDocumentation: "short docs",
		}
		m := NewManager(testConfig(), wordCounter{}, WithProactiveProvider(staticProvider{data: data}))

		out, _ := m.Assemble(0, "")
		got, ok := out[KeyProactive].(map[string]any)
		if !ok {
			t.Fatalf("expected proactive mapping, got %T", out[KeyProactive])
		}
		if len(got) != 3 {
			t.Errorf("expected whole mapping, got %v", got)
		}
	})

	t.Run("proactive context included partially above the threshold", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxLLMTokenLimit = 2000
		data := map[string]any{
			ProactiveProjectFiles:  []string{"go.mod"},
			ProactiveGitHistory:    []string{"abc"},
			ProactiveDocumentation: strings.Repeat("docs ", 3000),
		}
		m := NewManager(cfg, wordCounter{}, WithProactiveProvider(staticProvider{data: data}))

		out, _ := m.Assemble(0, "")
		got, ok := out[KeyProactive].(map[string]any)
		if !ok {
			t.Fatalf("expected partial proactive mapping, got %T", out[KeyProactive])
		}
		if _, ok := got[ProactiveProjectFiles]; !ok {
			t.Error("expected project files in partial inclusion")
		}
		if _, ok := got[ProactiveGitHistory]; !ok {
			t.Error("expected git history in partial inclusion")
		}
		if _, ok := got[ProactiveDocumentation]; ok {
			t.Error("expected oversized documentation excluded")
		}
	})

	t.Run("proactive context dropped below the partial threshold", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxLLMTokenLimit = 500
		data := map[string]any{
			ProactiveProjectFiles:  []string{"go.mod"},
			ProactiveDocumentation: strings.Repeat("docs ", 3000),
		}
		m := NewManager(cfg, wordCounter{}, WithProactiveProvider(staticProvider{data: data}))

		out, _ := m.Assemble(0, "")
		if _, ok := out[KeyProactive]; ok {
			t.Errorf("expected no proactive key under the partial threshold, got %v", out[KeyProactive])
		}
	})

	t.Run("emergency minimal context when no turn fits", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxLLMTokenLimit = 100
		m := NewManager(cfg, wordCounter{})
		m.AddConversationTurn(1, strings.Repeat("word ", 300), "long reply", nil)

		out, err := m.Assemble(0, "")
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		convo, ok := out[KeyRecentConvo].([]map[string]any)
		if !ok {
			t.Fatalf("expected emergency conversation entry, got %T", out[KeyRecentConvo])
		}
		if len(convo) != 1 {
			t.Fatalf("expected a single emergency entry, got %d", len(convo))
		}
		user, _ := convo[0]["user"].(string)
		if user == "" {
			t.Fatal("expected a truncated user message")
		}
		if len(strings.Fields(user)) >= 300 {
			t.Error("expected the user message truncated")
		}
		if _, ok := convo[0]["agent"]; ok {
			t.Error("expected no agent message in emergency context")
		}
	})

	t.Run("later keys still pack after a list overflow", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxLLMTokenLimit = 120
		m := NewManager(cfg, wordCounter{})
		m.AddCodeSnippet("src/big.go", strings.Repeat("filler ", 200), 1, 1)
		m.AddKeyDecision("small decision")

		out, _ := m.Assemble(0, "")
		if _, ok := out[KeyRelevantCode]; ok {
			t.Error("expected oversized snippet excluded")
		}
		decisions, ok := out[KeyKeyDecisions].([]string)
		if !ok || len(decisions) != 1 {
			t.Errorf("expected the decision packed after the code overflow, got %v", out[KeyKeyDecisions])
		}
	})
}

func TestTruncateToTokens(t *testing.T) {
	counter := wordCounter{}

	t.Run("fits unchanged", func(t *testing.T) {
		if got := truncateToTokens("a b c", 5, counter); got != "a b c" {
			t.Errorf("expected passthrough, got %q", got)
		}
	})

	t.Run("cuts to budget", func(t *testing.T) {
		text := strings.Repeat("word ", 100)
		got := truncateToTokens(text, 10, counter)
		if got == "" {
			t.Fatal("expected non-empty truncation")
		}
		if counter.Count(got) > 10 {
			t.Errorf("truncated text counts %d tokens, want at most 10", counter.Count(got))
		}
	})

	t.Run("zero budget yields empty", func(t *testing.T) {
		if got := truncateToTokens("anything", 0, counter); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})
}
