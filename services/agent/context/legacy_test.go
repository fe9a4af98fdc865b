// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package context

import (
	"encoding/json"
	"testing"
)

func TestManager_LegacySnapshot(t *testing.T) {
	m := NewManager(testConfig(), wordCounter{})
	m.SetCurrentTurn(3)
	m.AddCodeSnippet("src/a.go", "package main", 1, 10)
	m.SetCoreGoal("ship the feature")
	m.SetCurrentPhase("testing")
	m.AddKeyDecision("use table tests")
	m.AddModifiedFile("src/a.go")

	snap := m.LegacySnapshot()

	if snap[KeyLegacyCoreGoal] != "ship the feature" {
		t.Errorf("unexpected goal %v", snap[KeyLegacyCoreGoal])
	}
	if snap[KeyLegacyCurrentPhase] != "testing" {
		t.Errorf("unexpected phase %v", snap[KeyLegacyCurrentPhase])
	}
	snippets, ok := snap[KeyLegacySnippets].([]any)
	if !ok || len(snippets) != 1 {
		t.Fatalf("expected one snippet entry, got %v", snap[KeyLegacySnippets])
	}
	entry := snippets[0].(map[string]any)
	if entry["file_path"] != "src/a.go" || entry["start_line"] != 1 || entry["end_line"] != 10 {
		t.Errorf("unexpected snippet entry %v", entry)
	}
	if entry["last_accessed"] != 3 {
		t.Errorf("expected last accessed 3, got %v", entry["last_accessed"])
	}
}

func TestManager_SyncFromLegacyState(t *testing.T) {
	t.Run("round trip through JSON", func(t *testing.T) {
		src := NewManager(testConfig(), wordCounter{})
		src.SetCurrentTurn(2)
		src.AddCodeSnippet("src/a.go", "package main", 1, 10)
		src.AddCodeSnippet("src/b.go", "var x int", 5, 7)
		src.SetCoreGoal("goal text")
		src.SetCurrentPhase("phase text")
		src.AddKeyDecision("decision one")
		src.AddModifiedFile("src/a.go")

		// Persisting hosts serialize the snapshot; numbers come back as
		// float64.
		data, err := json.Marshal(src.LegacySnapshot())
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var state map[string]any
		if err := json.Unmarshal(data, &state); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}

		dst := NewManager(testConfig(), wordCounter{})
		if err := dst.SyncFromLegacyState(state); err != nil {
			t.Fatalf("SyncFromLegacyState: %v", err)
		}

		if dst.CoreGoal() != "goal text" || dst.CurrentPhase() != "phase text" {
			t.Error("scalar state did not survive the round trip")
		}
		snippets := dst.Snippets()
		if len(snippets) != 2 {
			t.Fatalf("expected 2 snippets, got %d", len(snippets))
		}
		if snippets[0].FilePath != "src/a.go" || snippets[0].StartLine != 1 || snippets[0].EndLine != 10 {
			t.Errorf("unexpected first snippet %+v", snippets[0])
		}
		if snippets[0].LastAccessed != 2 {
			t.Errorf("expected last accessed 2, got %d", snippets[0].LastAccessed)
		}
		if snippets[0].TokenCount != 2 {
			t.Errorf("expected token count recomputed to 2, got %d", snippets[0].TokenCount)
		}
		decisions := dst.KeyDecisions()
		if len(decisions) != 1 || decisions[0] != "decision one" {
			t.Errorf("unexpected decisions %v", decisions)
		}
		files := dst.ModifiedFiles()
		if len(files) != 1 || files[0] != "src/a.go" {
			t.Errorf("unexpected files %v", files)
		}
	})

	t.Run("foreign keys are ignored", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		err := m.SyncFromLegacyState(map[string]any{
			"user:conversation_history": []any{"junk"},
			"temp:current_turn":         map[string]any{},
			KeyLegacyCoreGoal:           "only this",
		})
		if err != nil {
			t.Fatalf("SyncFromLegacyState: %v", err)
		}
		if m.CoreGoal() != "only this" {
			t.Errorf("expected goal synced, got %q", m.CoreGoal())
		}
	})

	t.Run("snippet list of wrong type fails", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		err := m.SyncFromLegacyState(map[string]any{
			KeyLegacySnippets: "not a list",
		})
		if err == nil {
			t.Fatal("expected an error for a malformed snippet list")
		}
	})

	t.Run("snippet element of wrong type fails", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		err := m.SyncFromLegacyState(map[string]any{
			KeyLegacySnippets: []any{"not a map"},
		})
		if err == nil {
			t.Fatal("expected an error for a malformed snippet element")
		}
	})

	t.Run("caps are enforced on load", func(t *testing.T) {
		decisions := make([]any, MaxKeyDecisions+5)
		for i := range decisions {
			decisions[i] = "decision"
		}
		m := NewManager(testConfig(), wordCounter{})
		if err := m.SyncFromLegacyState(map[string]any{
			KeyLegacyKeyDecisions: decisions,
		}); err != nil {
			t.Fatalf("SyncFromLegacyState: %v", err)
		}
		if got := len(m.KeyDecisions()); got != MaxKeyDecisions {
			t.Errorf("expected %d decisions after load, got %d", MaxKeyDecisions, got)
		}
	})

	t.Run("relevance is clamped on load", func(t *testing.T) {
		m := NewManager(testConfig(), wordCounter{})
		err := m.SyncFromLegacyState(map[string]any{
			KeyLegacySnippets: []any{map[string]any{
				"file_path":       "a.go",
				"code":            "x",
				"start_line":      1.0,
				"end_line":        2.0,
				"last_accessed":   1.0,
				"relevance_score": 7.5,
			}},
		})
		if err != nil {
			t.Fatalf("SyncFromLegacyState: %v", err)
		}
		if got := m.Snippets()[0].Relevance; got != 1.0 {
			t.Errorf("expected relevance clamped to 1.0, got %v", got)
		}
	})
}
