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
	"sort"
	"strings"
	"unicode"
)

// Score weights. Error results always outrank plain relevance, which
// outranks recency.
const (
	weightErrorPriority    = 0.5
	weightContentRelevance = 0.3
	weightRecency          = 0.2

	// recencyAlpha is tuned so an item five turns old scores 0.5.
	recencyAlpha = 0.2
)

// Score holds the ranking components attached to an item at assembly time.
type Score struct {
	// ContentRelevance in [0,1]: keyword overlap with the current
	// context, favoring multi-word phrase matches.
	ContentRelevance float64

	// Recency in [0,1]: 1/(1 + alpha*age) over turn distance.
	Recency float64

	// ErrorPriority is 1 for error-flagged tool results, else 0.
	ErrorPriority float64

	// Final is the convex combination used for ordering.
	Final float64
}

// Prioritizer ranks snippets and tool results for inclusion.
type Prioritizer struct{}

// NewPrioritizer creates a Prioritizer.
func NewPrioritizer() *Prioritizer {
	return &Prioritizer{}
}

// ScoreItem computes the ranking components for one item.
func (p *Prioritizer) ScoreItem(text string, itemTurn, currentTurn int, isError bool) Score {
	s := Score{
		ContentRelevance: 0,
		Recency:          recencyScore(itemTurn, currentTurn),
	}
	if isError {
		s.ErrorPriority = 1
	}
	s.Final = weightErrorPriority*s.ErrorPriority +
		weightContentRelevance*s.ContentRelevance +
		weightRecency*s.Recency
	return s
}

// ScoreAgainst computes components including content relevance against the
// current context string.
func (p *Prioritizer) ScoreAgainst(text, currentContext string, itemTurn, currentTurn int, isError bool) Score {
	s := Score{
		ContentRelevance: contentRelevance(text, currentContext),
		Recency:          recencyScore(itemTurn, currentTurn),
	}
	if isError {
		s.ErrorPriority = 1
	}
	s.Final = weightErrorPriority*s.ErrorPriority +
		weightContentRelevance*s.ContentRelevance +
		weightRecency*s.Recency
	return s
}

// RankSnippets returns the snippets ordered by final score descending,
// recency breaking ties.
func (p *Prioritizer) RankSnippets(snippets []CodeSnippet, currentContext string, currentTurn int) []CodeSnippet {
	type scored struct {
		snippet CodeSnippet
		score   Score
	}
	items := make([]scored, len(snippets))
	for i, s := range snippets {
		text := s.FilePath + " " + s.Code
		items[i] = scored{s, p.ScoreAgainst(text, currentContext, s.LastAccessed, currentTurn, false)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score.Final != items[j].score.Final {
			return items[i].score.Final > items[j].score.Final
		}
		return items[i].score.Recency > items[j].score.Recency
	})
	out := make([]CodeSnippet, len(items))
	for i, it := range items {
		out[i] = it.snippet
	}
	return out
}

// RankToolResults returns the results ordered by final score descending,
// recency breaking ties. Error-flagged results receive the maximum error
// component and so rank above everything non-error.
func (p *Prioritizer) RankToolResults(results []ToolResultEntry, currentContext string, currentTurn int) []ToolResultEntry {
	type scored struct {
		result ToolResultEntry
		score  Score
	}
	items := make([]scored, len(results))
	for i, r := range results {
		text := r.ToolName + " " + r.Summary
		items[i] = scored{r, p.ScoreAgainst(text, currentContext, r.Turn, currentTurn, r.IsError)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score.Final != items[j].score.Final {
			return items[i].score.Final > items[j].score.Final
		}
		return items[i].score.Recency > items[j].score.Recency
	})
	out := make([]ToolResultEntry, len(items))
	for i, it := range items {
		out[i] = it.result
	}
	return out
}

// recencyScore decays with turn distance: age 0 scores 1.0, age 5 scores
// 0.5.
func recencyScore(itemTurn, currentTurn int) float64 {
	age := currentTurn - itemTurn
	if age < 0 {
		age = 0
	}
	return 1.0 / (1.0 + recencyAlpha*float64(age))
}

// contentRelevance measures keyword overlap between an item and the
// current context. Bigram (phrase) matches carry more weight than loose
// unigram overlap.
func contentRelevance(itemText, currentContext string) float64 {
	ctxTokens := tokenize(currentContext)
	if len(ctxTokens) == 0 {
		return 0
	}
	itemTokens := tokenize(itemText)
	if len(itemTokens) == 0 {
		return 0
	}

	itemSet := make(map[string]bool, len(itemTokens))
	for _, t := range itemTokens {
		itemSet[t] = true
	}

	matched := 0
	for _, t := range ctxTokens {
		if itemSet[t] {
			matched++
		}
	}
	unigram := float64(matched) / float64(len(ctxTokens))

	bigrams := 0
	bigramHits := 0
	itemJoined := " " + strings.Join(itemTokens, " ") + " "
	for i := 0; i+1 < len(ctxTokens); i++ {
		bigrams++
		phrase := " " + ctxTokens[i] + " " + ctxTokens[i+1] + " "
		if strings.Contains(itemJoined, phrase) {
			bigramHits++
		}
	}

	if bigrams == 0 {
		return clamp01(unigram)
	}
	bigram := float64(bigramHits) / float64(bigrams)
	return clamp01(0.4*unigram + 0.6*bigram)
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
