// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package context

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecencyScore(t *testing.T) {
	cases := []struct {
		name        string
		itemTurn    int
		currentTurn int
		want        float64
	}{
		{"same turn scores one", 5, 5, 1.0},
		{"five turns old scores half", 5, 10, 0.5},
		{"future turn clamps to one", 10, 5, 1.0},
		{"one turn old", 9, 10, 1.0 / 1.2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := recencyScore(tc.itemTurn, tc.currentTurn)
			if !almostEqual(got, tc.want) {
				t.Errorf("recencyScore(%d, %d) = %v, want %v", tc.itemTurn, tc.currentTurn, got, tc.want)
			}
		})
	}
}

func TestContentRelevance(t *testing.T) {
	t.Run("exact phrase scores one", func(t *testing.T) {
		got := contentRelevance("fix the parser bug", "fix the parser bug")
		if !almostEqual(got, 1.0) {
			t.Errorf("expected 1.0 for identical text, got %v", got)
		}
	})

	t.Run("disjoint text scores zero", func(t *testing.T) {
		got := contentRelevance("alpha beta", "gamma delta")
		if got != 0 {
			t.Errorf("expected 0 for disjoint text, got %v", got)
		}
	})

	t.Run("single context token uses unigram only", func(t *testing.T) {
		got := contentRelevance("parser and lexer", "parser")
		if !almostEqual(got, 1.0) {
			t.Errorf("expected unigram score 1.0, got %v", got)
		}
	})

	t.Run("phrase matches outweigh scattered words", func(t *testing.T) {
		phrase := contentRelevance("the parser bug is here", "parser bug")
		scattered := contentRelevance("bug in lexer, parser elsewhere", "parser bug")
		if phrase <= scattered {
			t.Errorf("expected phrase match %v to beat scattered %v", phrase, scattered)
		}
	})

	t.Run("empty inputs score zero", func(t *testing.T) {
		if got := contentRelevance("", "anything"); got != 0 {
			t.Errorf("expected 0 for empty item, got %v", got)
		}
		if got := contentRelevance("anything", ""); got != 0 {
			t.Errorf("expected 0 for empty context, got %v", got)
		}
	})

	t.Run("tokenization ignores punctuation and case", func(t *testing.T) {
		got := contentRelevance("Parser.Bug()", "parser bug")
		if !almostEqual(got, 1.0) {
			t.Errorf("expected punctuation-insensitive match, got %v", got)
		}
	})
}

func TestPrioritizer_ScoreAgainst(t *testing.T) {
	p := NewPrioritizer()

	t.Run("error component dominates", func(t *testing.T) {
		errScore := p.ScoreAgainst("unrelated", "context words", 1, 10, true)
		freshScore := p.ScoreAgainst("context words", "context words", 10, 10, false)
		if errScore.Final <= freshScore.Final {
			t.Errorf("expected error item %v to outrank fresh relevant item %v",
				errScore.Final, freshScore.Final)
		}
	})

	t.Run("final is the weighted combination", func(t *testing.T) {
		s := p.ScoreAgainst("fix the bug", "fix the bug", 8, 10, false)
		want := weightContentRelevance*s.ContentRelevance + weightRecency*s.Recency
		if !almostEqual(s.Final, want) {
			t.Errorf("Final = %v, want %v", s.Final, want)
		}
	})

	t.Run("score item has no content component", func(t *testing.T) {
		s := p.ScoreItem("any text", 10, 10, false)
		if s.ContentRelevance != 0 {
			t.Errorf("expected zero content relevance, got %v", s.ContentRelevance)
		}
		if !almostEqual(s.Final, weightRecency) {
			t.Errorf("expected recency-only score %v, got %v", weightRecency, s.Final)
		}
	})
}

func TestPrioritizer_RankToolResults(t *testing.T) {
	p := NewPrioritizer()

	t.Run("errors rank first regardless of age", func(t *testing.T) {
		results := []ToolResultEntry{
			{ToolName: "read_file", Summary: "ok", Turn: 10},
			{ToolName: "run_shell_command", Summary: "failed", Turn: 2, IsError: true},
		}
		ranked := p.RankToolResults(results, "", 10)
		if !ranked[0].IsError {
			t.Errorf("expected the error result first, got %s", ranked[0].ToolName)
		}
	})

	t.Run("recency breaks relevance ties", func(t *testing.T) {
		results := []ToolResultEntry{
			{ToolName: "a", Summary: "same words", Turn: 3},
			{ToolName: "b", Summary: "same words", Turn: 9},
		}
		ranked := p.RankToolResults(results, "same words", 10)
		if ranked[0].ToolName != "b" {
			t.Errorf("expected the newer result first, got %s", ranked[0].ToolName)
		}
	})
}

func TestPrioritizer_RankSnippets(t *testing.T) {
	p := NewPrioritizer()
	snippets := []CodeSnippet{
		{FilePath: "src/lexer.go", Code: "tokenize the input", LastAccessed: 4},
		{FilePath: "src/parser.go", Code: "parse the grammar rules", LastAccessed: 4},
	}
	ranked := p.RankSnippets(snippets, "parse the grammar", 5)
	if ranked[0].FilePath != "src/parser.go" {
		t.Errorf("expected the relevant snippet first, got %s", ranked[0].FilePath)
	}
}
