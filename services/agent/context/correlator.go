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
	"path/filepath"
	"strings"
)

// File-similarity levels.
const (
	fileSimilarityExact     = 1.0
	fileSimilaritySameDir   = 0.6
	fileSimilarityMatchType = 0.3
)

// Temporal-proximity levels by turn distance.
const (
	temporalSameTurn     = 1.0
	temporalAdjacentTurn = 0.7
	temporalNearTurn     = 0.4
	temporalFarTurn      = 0.1
)

// canonicalToolSequences are tool pairs that commonly reinforce each
// other within a workflow.
var canonicalToolSequences = [][2]string{
	{"read_file", "edit_file"},
	{"edit_file", "run_shell_command"},
	{"search_code", "read_file"},
}

// Correlation annotates one item with how strongly it relates to the rest
// of the would-be context.
type Correlation struct {
	// FileSimilarity is the best path relationship to any other item.
	FileSimilarity float64

	// ToolSequence is 1 when the item participates in a canonical tool
	// pair with a nearby item.
	ToolSequence float64

	// TemporalProximity is the closeness to the nearest other item's
	// turn.
	TemporalProximity float64

	// Combined is the mean of the three components.
	Combined float64
}

// Correlator computes cross-item correlation used as a secondary ranking
// after the prioritizer: among items with equal priority, prefer ones that
// reinforce other included material.
type Correlator struct{}

// NewCorrelator creates a Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// CorrelateSnippets annotates each snippet against the other snippets and
// the tool results.
func (c *Correlator) CorrelateSnippets(snippets []CodeSnippet, results []ToolResultEntry) []Correlation {
	paths := collectPaths(snippets, results)
	turns := collectTurns(snippets, results)

	out := make([]Correlation, len(snippets))
	for i, s := range snippets {
		corr := Correlation{
			FileSimilarity:    bestFileSimilarity(s.FilePath, paths, 1),
			TemporalProximity: bestTemporalProximity(s.LastAccessed, turns, 1),
		}
		corr.Combined = (corr.FileSimilarity + corr.ToolSequence + corr.TemporalProximity) / 3
		out[i] = corr
	}
	return out
}

// CorrelateToolResults annotates each result against the other results and
// the snippets.
func (c *Correlator) CorrelateToolResults(results []ToolResultEntry, snippets []CodeSnippet) []Correlation {
	paths := collectPaths(snippets, results)
	turns := collectTurns(snippets, results)

	out := make([]Correlation, len(results))
	for i, r := range results {
		corr := Correlation{
			FileSimilarity:    bestFileSimilarity(resultPath(r), paths, 1),
			ToolSequence:      toolSequenceScore(r, results, i),
			TemporalProximity: bestTemporalProximity(r.Turn, turns, 1),
		}
		corr.Combined = (corr.FileSimilarity + corr.ToolSequence + corr.TemporalProximity) / 3
		out[i] = corr
	}
	return out
}

// toolSequenceScore checks whether result i forms a canonical pair with
// any other result in the same or an adjacent turn.
func toolSequenceScore(r ToolResultEntry, all []ToolResultEntry, selfIndex int) float64 {
	for j, other := range all {
		if j == selfIndex {
			continue
		}
		dist := r.Turn - other.Turn
		if dist < 0 {
			dist = -dist
		}
		if dist > 1 {
			continue
		}
		for _, pair := range canonicalToolSequences {
			if (pair[0] == other.ToolName && pair[1] == r.ToolName) ||
				(pair[0] == r.ToolName && pair[1] == other.ToolName) {
				return 1.0
			}
		}
	}
	return 0
}

// bestFileSimilarity finds the strongest path relationship to any other
// path. skipSelf allows one exact match to be ignored (the item itself).
func bestFileSimilarity(path string, paths []string, skipSelf int) float64 {
	if path == "" {
		return 0
	}
	best := 0.0
	selfSkipped := 0
	for _, other := range paths {
		if other == "" {
			continue
		}
		if other == path {
			if selfSkipped < skipSelf {
				selfSkipped++
				continue
			}
			return fileSimilarityExact
		}
		score := 0.0
		if filepath.Dir(other) == filepath.Dir(path) {
			score = fileSimilaritySameDir
		} else if filepath.Ext(other) != "" && filepath.Ext(other) == filepath.Ext(path) {
			score = fileSimilarityMatchType
		}
		if score > best {
			best = score
		}
	}
	return best
}

// bestTemporalProximity finds the closeness to the nearest other item's
// turn.
func bestTemporalProximity(turn int, turns []int, skipSelf int) float64 {
	best := 0.0
	selfSkipped := 0
	for _, other := range turns {
		dist := turn - other
		if dist < 0 {
			dist = -dist
		}
		if dist == 0 {
			if selfSkipped < skipSelf {
				selfSkipped++
				continue
			}
			return temporalSameTurn
		}
		score := temporalFarTurn
		switch dist {
		case 1:
			score = temporalAdjacentTurn
		case 2:
			score = temporalNearTurn
		}
		if score > best {
			best = score
		}
	}
	return best
}

// resultPath extracts a file path from a tool result's payload when the
// tool operates on files.
func resultPath(r ToolResultEntry) string {
	if m, ok := r.FullResult.(map[string]any); ok {
		for _, key := range []string{"file_path", "path", "file"} {
			if p, ok := m[key].(string); ok {
				return p
			}
		}
	}
	// Fall back to a path-looking token in the summary.
	for _, field := range strings.Fields(r.Summary) {
		if strings.ContainsRune(field, '/') && filepath.Ext(field) != "" {
			return strings.Trim(field, ".,:;")
		}
	}
	return ""
}

// collectPaths gathers every file path referenced by the item sets.
func collectPaths(snippets []CodeSnippet, results []ToolResultEntry) []string {
	out := make([]string, 0, len(snippets)+len(results))
	for _, s := range snippets {
		out = append(out, s.FilePath)
	}
	for _, r := range results {
		if p := resultPath(r); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// collectTurns gathers every item turn number.
func collectTurns(snippets []CodeSnippet, results []ToolResultEntry) []int {
	out := make([]int, 0, len(snippets)+len(results))
	for _, s := range snippets {
		out = append(out, s.LastAccessed)
	}
	for _, r := range results {
		out = append(out, r.Turn)
	}
	return out
}
