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
	"fmt"
	"strings"
)

// truncationMarker is appended by shell tools that pre-truncate output.
// The summarizer preserves it rather than stacking a second marker.
const truncationMarker = "[Output truncated]"

// codeKeywords mark file content as source code for summary phrasing.
var codeKeywords = []string{"def ", "class ", "import ", "function("}

// importantMapKeys are consulted in order when summarizing a generic map
// result.
var importantMapKeys = []string{"status", "message", "summary", "error", "output", "stdout", "stderr"}

// Summarizer produces the short human-readable form of a tool result that
// goes into the context block. Each result kind has its own truncation
// constant; they are deliberately not collapsed into one.
type Summarizer struct {
	config SummarizerConfig
}

// NewSummarizer creates a Summarizer with the given constants.
func NewSummarizer(config SummarizerConfig) *Summarizer {
	if config.MaxSummaryLen <= 0 {
		config = DefaultSummarizerConfig()
	}
	return &Summarizer{config: config}
}

// Summarize renders a tool result as a bounded summary string.
//
// Description:
//
//	The result shape picks the strategy: file reads keep the head and
//	tail of the content, shell results keep command, exit code, and
//	bounded stdout/stderr, search results reduce to a match count, other
//	maps concatenate their important values, and anything else is the
//	truncated string rendering. The final summary never exceeds
//	MaxSummaryLen.
func (s *Summarizer) Summarize(toolName string, result any) string {
	var summary string

	switch r := result.(type) {
	case map[string]any:
		summary = s.summarizeMap(r)
	case string:
		if strings.Contains(toolName, "read") {
			summary = s.summarizeFileContent(r)
		} else {
			summary = truncateRunes(r, s.config.GenericLimit)
		}
	case nil:
		summary = fmt.Sprintf("%s returned no result.", toolName)
	case error:
		summary = "Error: " + truncateRunes(r.Error(), s.config.GenericLimit)
	default:
		summary = truncateRunes(fmt.Sprint(result), s.config.GenericLimit)
	}

	return s.capFinal(summary)
}

// summarizeMap dispatches on the map's shape.
func (s *Summarizer) summarizeMap(m map[string]any) string {
	if content, ok := m["content"].(string); ok {
		return s.summarizeFileContent(content)
	}
	if _, hasCmd := m["command"]; hasCmd {
		return s.summarizeShell(m)
	}
	if _, hasExit := m["exit_code"]; hasExit {
		return s.summarizeShell(m)
	}
	if matches, ok := m["matches"]; ok {
		return fmt.Sprintf("Search returned %d matches.", countOf(matches))
	}
	if chunks, ok := m["retrieved_chunks"]; ok {
		return fmt.Sprintf("Retrieved %d code chunks.", countOf(chunks))
	}
	return s.summarizeGenericMap(m)
}

// summarizeFileContent keeps the head and tail of a file read.
func (s *Summarizer) summarizeFileContent(content string) string {
	prefix := "Read file."
	for _, kw := range codeKeywords {
		if strings.Contains(content, kw) {
			prefix = "Read code file."
			break
		}
	}

	runes := []rune(content)
	n := s.config.FileHeadTail
	if len(runes) <= 2*n {
		return fmt.Sprintf("%s Length: %d chars. Content: %s", prefix, len(runes), content)
	}
	head := string(runes[:n])
	tail := string(runes[len(runes)-n:])
	return fmt.Sprintf("%s Length: %d chars. Content (truncated): %s\n...\n%s",
		prefix, len(runes), head, tail)
}

// summarizeShell renders command, exit code, and bounded output streams.
func (s *Summarizer) summarizeShell(m map[string]any) string {
	half := s.config.MaxSummaryLen / 2

	var b strings.Builder
	if cmd, ok := m["command"].(string); ok && cmd != "" {
		fmt.Fprintf(&b, "Command: %s\n", cmd)
	}
	if exit, ok := m["exit_code"]; ok {
		fmt.Fprintf(&b, "Exit code: %v\n", exit)
	}
	if stdout, ok := m["stdout"].(string); ok && stdout != "" {
		fmt.Fprintf(&b, "Stdout: %s\n", truncateOutput(stdout, half))
	}
	if stderr, ok := m["stderr"].(string); ok && stderr != "" {
		fmt.Fprintf(&b, "Stderr: %s", truncateOutput(stderr, half))
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarizeGenericMap concatenates the values of important keys, each
// bounded by MapValueLimit.
func (s *Summarizer) summarizeGenericMap(m map[string]any) string {
	var parts []string
	for _, key := range importantMapKeys {
		if v, ok := m[key]; ok && v != nil {
			text := truncateRunes(fmt.Sprint(v), s.config.MapValueLimit)
			if text != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", key, text))
			}
		}
	}
	if len(parts) == 0 {
		return truncateRunes(fmt.Sprint(m), s.config.GenericLimit)
	}
	return strings.Join(parts, "; ")
}

// capFinal enforces the overall summary bound with an explicit suffix.
func (s *Summarizer) capFinal(summary string) string {
	runes := []rune(summary)
	if len(runes) <= s.config.MaxSummaryLen {
		return summary
	}
	suffix := "... [truncated]"
	keep := s.config.MaxSummaryLen - len([]rune(suffix))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + suffix
}

// truncateRunes bounds s to max runes with an ellipsis.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// truncateOutput bounds a stream, preserving a pre-existing truncation
// marker instead of stacking another.
func truncateOutput(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	marker := " " + truncationMarker
	keep := max - len([]rune(marker))
	if keep < 0 {
		keep = 0
	}
	cut := strings.TrimRight(string(runes[:keep]), " \n")
	if strings.HasSuffix(cut, truncationMarker) {
		return cut
	}
	return cut + marker
}

// countOf returns the element count of list-shaped values, or 0.
func countOf(v any) int {
	switch s := v.(type) {
	case []any:
		return len(s)
	case []map[string]any:
		return len(s)
	case []string:
		return len(s)
	case int:
		return s
	case int64:
		return int(s)
	case float64:
		return int(s)
	default:
		return 0
	}
}
