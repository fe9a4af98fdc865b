// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package context

import (
	"strings"
	"testing"
)

// wordCounter counts whitespace-separated fields. Tests use it so budget
// math stays readable.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func testConfig() Config {
	return Config{
		MaxLLMTokenLimit:      1000,
		TargetRecentTurns:     5,
		TargetCodeSnippets:    5,
		TargetToolResults:     5,
		MaxStoredCodeSnippets: 3,
		MaxStoredToolResults:  2,
		WrapperOverhead:       0,
		SafetyMargin:          0,
		Summarizer:            DefaultSummarizerConfig(),
	}
}

func TestManager_AddCodeSnippet(t *testing.T) {
	t.Run("stores new snippet with initial relevance", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(3)
		m.AddCodeSnippet("src/a.go", "package main", 1, 10)

		snippets := m.Snippets()
		if len(snippets) != 1 {
			t.Fatalf("expected 1 snippet, got %d", len(snippets))
		}
		s := snippets[0]
		if s.Relevance != initialSnippetRelevance {
			t.Errorf("expected relevance %v, got %v", initialSnippetRelevance, s.Relevance)
		}
		if s.LastAccessed != 3 {
			t.Errorf("expected last accessed 3, got %d", s.LastAccessed)
		}
		if s.TokenCount != 2 {
			t.Errorf("expected token count 2, got %d", s.TokenCount)
		}
	})

	t.Run("duplicate triple refreshes instead of inserting", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(1)
		m.AddCodeSnippet("src/a.go", "package main", 1, 10)
		m.SetCurrentTurn(4)
		m.AddCodeSnippet("src/a.go", "package main changed here", 1, 10)

		snippets := m.Snippets()
		if len(snippets) != 1 {
			t.Fatalf("expected deduplication to 1 snippet, got %d", len(snippets))
		}
		s := snippets[0]
		if s.Relevance != initialSnippetRelevance+dedupRelevanceBump {
			t.Errorf("expected bumped relevance %v, got %v",
				initialSnippetRelevance+dedupRelevanceBump, s.Relevance)
		}
		if s.LastAccessed != 4 {
			t.Errorf("expected last accessed to move to 4, got %d", s.LastAccessed)
		}
		if s.Code != "package main changed here" {
			t.Errorf("expected code text refreshed, got %q", s.Code)
		}
		if s.TokenCount != 4 {
			t.Errorf("expected token count recomputed to 4, got %d", s.TokenCount)
		}
	})

	t.Run("relevance bump clamps at one", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		for i := 0; i < 10; i++ {
			m.AddCodeSnippet("src/a.go", "x", 1, 1)
		}
		if got := m.Snippets()[0].Relevance; got > 1.0 {
			t.Errorf("relevance exceeded 1.0: %v", got)
		}
	})

	t.Run("different line range is a separate snippet", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.AddCodeSnippet("src/a.go", "x", 1, 10)
		m.AddCodeSnippet("src/a.go", "y", 11, 20)
		if m.SnippetCount() != 2 {
			t.Errorf("expected 2 snippets, got %d", m.SnippetCount())
		}
	})

	t.Run("evicts lowest relevance then oldest access", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(1)
		m.AddCodeSnippet("src/a.go", "a", 1, 1)
		m.AddCodeSnippet("src/b.go", "b", 1, 1)
		m.SetCurrentTurn(2)
		// Bump a's relevance to 0.6 and add c at (0.5, turn 2).
		m.AddCodeSnippet("src/a.go", "a", 1, 1)
		m.AddCodeSnippet("src/c.go", "c", 1, 1)
		m.SetCurrentTurn(3)
		// Store cap is 3; b is (0.5, turn 1), the lowest key.
		m.AddCodeSnippet("src/d.go", "d", 1, 1)

		paths := make(map[string]bool)
		for _, s := range m.Snippets() {
			paths[s.FilePath] = true
		}
		if paths["src/b.go"] {
			t.Error("expected src/b.go to be evicted")
		}
		for _, want := range []string{"src/a.go", "src/c.go", "src/d.go"} {
			if !paths[want] {
				t.Errorf("expected %s to survive eviction", want)
			}
		}
	})
}

func TestManager_AddToolResult(t *testing.T) {
	t.Run("stores result with current turn", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(2)
		m.AddToolResult("read_file", map[string]any{"content": "hello"}, "read it", false)

		results := m.ToolResults()
		if len(results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(results))
		}
		if results[0].Turn != 2 {
			t.Errorf("expected turn 2, got %d", results[0].Turn)
		}
		if results[0].Summary != "read it" {
			t.Errorf("expected provided summary kept, got %q", results[0].Summary)
		}
	})

	t.Run("empty summary is generated", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.AddToolResult("read_file", map[string]any{"content": "hello world"}, "", false)

		summary := m.ToolResults()[0].Summary
		if !strings.HasPrefix(summary, "Read file.") {
			t.Errorf("expected generated file summary, got %q", summary)
		}
	})

	t.Run("evicts oldest turn first", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(1)
		m.AddToolResult("first", "a", "a", false)
		m.SetCurrentTurn(2)
		m.AddToolResult("second", "b", "b", false)
		m.SetCurrentTurn(3)
		// Store cap is 2.
		m.AddToolResult("third", "c", "c", false)

		results := m.ToolResults()
		if len(results) != 2 {
			t.Fatalf("expected 2 results after eviction, got %d", len(results))
		}
		for _, r := range results {
			if r.ToolName == "first" {
				t.Error("expected oldest result evicted")
			}
		}
	})
}

func TestManager_ScalarState(t *testing.T) {
	t.Run("key decisions keep the newest past the cap", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		for i := 0; i < MaxKeyDecisions+5; i++ {
			m.AddKeyDecision(strings.Repeat("d", i+1))
		}
		decisions := m.KeyDecisions()
		if len(decisions) != MaxKeyDecisions {
			t.Fatalf("expected %d decisions, got %d", MaxKeyDecisions, len(decisions))
		}
		if decisions[0] != strings.Repeat("d", 6) {
			t.Errorf("expected oldest surviving decision to be the sixth added")
		}
	})

	t.Run("modified files dedupe to most recent mention", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.AddModifiedFile("a.go")
		m.AddModifiedFile("b.go")
		m.AddModifiedFile("a.go")

		files := m.ModifiedFiles()
		if len(files) != 2 {
			t.Fatalf("expected 2 files, got %d", len(files))
		}
		if files[0] != "b.go" || files[1] != "a.go" {
			t.Errorf("expected [b.go a.go], got %v", files)
		}
	})

	t.Run("modified files cap drops the oldest", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		for i := 0; i < MaxModifiedFiles+3; i++ {
			m.AddModifiedFile(strings.Repeat("f", i+1) + ".go")
		}
		files := m.ModifiedFiles()
		if len(files) != MaxModifiedFiles {
			t.Fatalf("expected %d files, got %d", MaxModifiedFiles, len(files))
		}
		if files[0] != strings.Repeat("f", 4)+".go" {
			t.Errorf("expected fourth-added file first, got %q", files[0])
		}
	})
}

func TestManager_SyncFromSnapshot(t *testing.T) {
	m := NewManager(testConfig(), wordCounter{})
	m.AddConversationTurn(1, "old", "old reply", nil)

	m.SyncFromSnapshot([]TurnView{
		{Number: 1, UserMessage: "hi", AgentMessage: "hello"},
		{Number: 2, UserMessage: "next", AgentMessage: "sure"},
	}, 3)

	out, err := m.Assemble(0, "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	convo, ok := out[KeyRecentConvo].([]map[string]any)
	if !ok {
		t.Fatalf("expected conversation in context, got %T", out[KeyRecentConvo])
	}
	if len(convo) != 2 {
		t.Fatalf("expected 2 synced turns, got %d", len(convo))
	}
	if convo[0]["user"] != "hi" {
		t.Errorf("expected synced view to replace prior turns, got %v", convo[0])
	}
}

func TestManager_TrimOperations(t *testing.T) {
	t.Run("trim conversation keeps newest", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		for i := 1; i <= 5; i++ {
			m.AddConversationTurn(i, "msg", "reply", nil)
		}
		m.TrimConversation(2)

		out, _ := m.Assemble(0, "")
		convo := out[KeyRecentConvo].([]map[string]any)
		if len(convo) != 2 {
			t.Fatalf("expected 2 turns after trim, got %d", len(convo))
		}
		if convo[0]["turn"] != 4 || convo[1]["turn"] != 5 {
			t.Errorf("expected turns 4 and 5 kept, got %v and %v", convo[0]["turn"], convo[1]["turn"])
		}
	})

	t.Run("trim snippets keeps highest ranked", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(1)
		m.AddCodeSnippet("src/a.go", "a", 1, 1)
		m.SetCurrentTurn(2)
		m.AddCodeSnippet("src/a.go", "a", 1, 1) // bump to 0.6
		m.AddCodeSnippet("src/b.go", "b", 1, 1)
		m.TrimSnippets(1)

		snippets := m.Snippets()
		if len(snippets) != 1 {
			t.Fatalf("expected 1 snippet after trim, got %d", len(snippets))
		}
		if snippets[0].FilePath != "src/a.go" {
			t.Errorf("expected highest-relevance snippet kept, got %s", snippets[0].FilePath)
		}
	})

	t.Run("clear tool results for one turn", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCurrentTurn(1)
		m.AddToolResult("keep", "x", "x", false)
		m.SetCurrentTurn(2)
		m.AddToolResult("drop", "y", "y", false)
		m.ClearToolResultsForTurn(2)

		results := m.ToolResults()
		if len(results) != 1 || results[0].ToolName != "keep" {
			t.Errorf("expected only turn-1 result to survive, got %v", results)
		}
	})
}

func TestManager_Targets(t *testing.T) {
	m := NewManager(testConfig(), wordCounter{})
	for i := 1; i <= 4; i++ {
		m.AddConversationTurn(i, "msg", "reply", nil)
	}
	m.AddCodeSnippet("src/a.go", "code", 1, 1)

	m.SetTargets(1, 0, 0)
	out, _ := m.Assemble(0, "")
	convo := out[KeyRecentConvo].([]map[string]any)
	if len(convo) != 1 {
		t.Fatalf("expected target override to cap turns at 1, got %d", len(convo))
	}
	if convo[0]["turn"] != 4 {
		t.Errorf("expected the newest turn, got %v", convo[0]["turn"])
	}
	if _, ok := out[KeyRelevantCode]; ok {
		t.Error("expected zero snippet target to exclude code")
	}

	m.ResetTargets()
	out, _ = m.Assemble(0, "")
	convo = out[KeyRecentConvo].([]map[string]any)
	if len(convo) != 4 {
		t.Errorf("expected configured targets restored, got %d turns", len(convo))
	}
	if _, ok := out[KeyRelevantCode]; !ok {
		t.Error("expected code back after target reset")
	}
}

func TestManager_Reset(t *testing.T) {
	populate := func() *Manager {
		m := NewManager(testConfig(), wordCounter{})
		m.SetCoreGoal("refactor the parser")
		m.SetCurrentPhase("implementation")
		m.AddKeyDecision("use recursive descent")
		m.AddModifiedFile("parser.go")
		m.AddSystemNote("note")
		m.AddConversationTurn(1, "msg", "reply", nil)
		m.AddCodeSnippet("src/a.go", "code", 1, 1)
		m.AddToolResult("read_file", "x", "x", false)
		return m
	}

	t.Run("reset all clears everything", func(t *testing.T) {
		m := populate()
		m.ResetAll(false)
		if m.CoreGoal() != "" || m.CurrentPhase() != "" {
			t.Error("expected scalars cleared")
		}
		if m.SnippetCount() != 0 || m.ToolResultCount() != 0 {
			t.Error("expected stores cleared")
		}
		if len(m.KeyDecisions()) != 0 || len(m.ModifiedFiles()) != 0 {
			t.Error("expected lists cleared")
		}
	})

	t.Run("reset all can preserve the goal", func(t *testing.T) {
		m := populate()
		m.ResetAll(true)
		if m.CoreGoal() != "refactor the parser" {
			t.Errorf("expected goal preserved, got %q", m.CoreGoal())
		}
		if m.CurrentPhase() != "" {
			t.Error("expected phase cleared even when goal preserved")
		}
	})

	t.Run("reset scalars keeps the stores", func(t *testing.T) {
		m := populate()
		m.ResetScalars(false)
		if m.SnippetCount() != 1 || m.ToolResultCount() != 1 {
			t.Error("expected stores untouched by scalar reset")
		}
		if m.CoreGoal() != "" {
			t.Error("expected goal cleared")
		}
	})
}
