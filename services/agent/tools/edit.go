// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
)

// diffContextLines is how many unchanged lines surround a hunk.
const diffContextLines = 3

// EditFileTool implements edit_file: replace one exact occurrence of
// old_text with new_text and report the change as a unified diff.
type EditFileTool struct {
	root string
}

// NewEditFileTool builds an edit_file tool rooted at root.
func NewEditFileTool(root string) *EditFileTool {
	return &EditFileTool{root: root}
}

// Name returns the tool name.
func (t *EditFileTool) Name() string { return "edit_file" }

// Definition returns the parameter schema.
func (t *EditFileTool) Definition() Definition {
	return Definition{
		Name: "edit_file",
		Description: "Replaces one exact occurrence of old_text with new_text in a file. " +
			"old_text must appear exactly once. Returns a unified diff of the change.",
		Params: []ParamDef{
			{
				Name:        "path",
				Type:        ParamTypeString,
				Description: "Path to the file, absolute or relative to the project root.",
				Required:    true,
			},
			{
				Name:        "old_text",
				Type:        ParamTypeString,
				Description: "The exact text to replace. Must match exactly one location.",
				Required:    true,
			},
			{
				Name:        "new_text",
				Type:        ParamTypeString,
				Description: "The replacement text.",
				Required:    true,
			},
		},
		Timeout: 10 * time.Second,
	}
}

// Execute applies the replacement and writes the file back.
func (t *EditFileTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if oldText == "" {
		return nil, fmt.Errorf("edit_file: old_text is empty")
	}
	if oldText == newText {
		return nil, fmt.Errorf("edit_file: old_text and new_text are identical")
	}

	resolved, err := resolvePath(t.root, path)
	if err != nil {
		return nil, fmt.Errorf("edit_file: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("edit_file: %w", err)
	}
	before := string(data)

	switch n := strings.Count(before, oldText); {
	case n == 0:
		return nil, fmt.Errorf("edit_file: old_text not found in %s", resolved)
	case n > 1:
		return nil, fmt.Errorf("edit_file: old_text appears %d times in %s; provide more surrounding context", n, resolved)
	}
	after := strings.Replace(before, oldText, newText, 1)

	info, err := os.Stat(resolved)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(resolved, []byte(after), mode); err != nil {
		return nil, fmt.Errorf("edit_file: %w", err)
	}
	if tctx != nil {
		tctx.Set("last_written_file", resolved)
	}

	unified, err := unifiedDiff(path, before, after)
	if err != nil {
		// The edit already landed; a diff rendering problem should not
		// fail the tool.
		unified = fmt.Sprintf("(diff unavailable: %v)", err)
	}

	return map[string]any{
		"path":         resolved,
		"replacements": 1,
		"diff":         unified,
	}, nil
}

// unifiedDiff renders the change between before and after as a single-hunk
// unified diff.
func unifiedDiff(path, before, after string) (string, error) {
	origLines := splitDiffLines(before)
	newLines := splitDiffLines(after)

	// Shared prefix and suffix bracket the changed region.
	prefix := 0
	for prefix < len(origLines) && prefix < len(newLines) && origLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(origLines)-prefix && suffix < len(newLines)-prefix &&
		origLines[len(origLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	ctxBefore := diffContextLines
	if ctxBefore > prefix {
		ctxBefore = prefix
	}
	ctxAfter := diffContextLines
	if ctxAfter > suffix {
		ctxAfter = suffix
	}

	var body strings.Builder
	for i := prefix - ctxBefore; i < prefix; i++ {
		body.WriteString(" " + origLines[i] + "\n")
	}
	for i := prefix; i < len(origLines)-suffix; i++ {
		body.WriteString("-" + origLines[i] + "\n")
	}
	for i := prefix; i < len(newLines)-suffix; i++ {
		body.WriteString("+" + newLines[i] + "\n")
	}
	for i := len(origLines) - suffix; i < len(origLines)-suffix+ctxAfter; i++ {
		body.WriteString(" " + origLines[i] + "\n")
	}

	origCount := ctxBefore + (len(origLines) - suffix - prefix) + ctxAfter
	newCount := ctxBefore + (len(newLines) - suffix - prefix) + ctxAfter

	fd := &diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks: []*diff.Hunk{
			{
				OrigStartLine: int32(prefix - ctxBefore + 1),
				OrigLines:     int32(origCount),
				NewStartLine:  int32(prefix - ctxBefore + 1),
				NewLines:      int32(newCount),
				Body:          []byte(body.String()),
			},
		},
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// splitDiffLines splits content into lines without trailing newlines.
func splitDiffLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
