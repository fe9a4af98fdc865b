// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"strings"
)

// RenderMarkdown styles a complete model response for terminal display.
//
// Description:
//
//	Applies lightweight markdown styling line by line: headings, fenced
//	code blocks, blockquotes, bullet lists, inline code spans, and bold
//	spans. Anything it does not recognize passes through untouched, so
//	imperfect model markdown degrades to plain text rather than
//	disappearing. Machine personality returns the input unchanged.
//
// Inputs:
//   - text: the full response text. Not streamed; the engine delivers
//     complete responses.
//
// Outputs:
//   - string: the styled text, same line structure as the input except
//     that heading markers and resolved inline markers are consumed.
func RenderMarkdown(text string) string {
	if GetPersonality().Level == PersonalityMachine {
		return text
	}

	var out strings.Builder
	inFence := false
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case strings.HasPrefix(trimmed, "```"):
			inFence = !inFence
			out.WriteString(Styles.Muted.Render(line))
		case inFence:
			out.WriteString(Styles.Code.Render(line))
		case strings.HasPrefix(trimmed, "# "):
			out.WriteString(Styles.Title.Render(strings.TrimPrefix(trimmed, "# ")))
		case strings.HasPrefix(trimmed, "## "):
			out.WriteString(Styles.Subtitle.Bold(true).Render(strings.TrimPrefix(trimmed, "## ")))
		case strings.HasPrefix(trimmed, "### "):
			out.WriteString(Styles.Subtitle.Render(strings.TrimPrefix(trimmed, "### ")))
		case strings.HasPrefix(trimmed, "> "):
			out.WriteString(Styles.Muted.Render(line))
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			indent := line[:len(line)-len(trimmed)]
			out.WriteString(indent)
			out.WriteString(Styles.Subtitle.Render(string(IconBullet)))
			out.WriteString(" ")
			out.WriteString(renderInline(trimmed[2:]))
		default:
			out.WriteString(renderInline(line))
		}
		if i < len(lines)-1 {
			out.WriteByte('\n')
		}
	}
	return out.String()
}

// renderInline styles `code` spans, then bold spans in the remainder.
// Unmatched markers are left as literal text.
func renderInline(s string) string {
	var out strings.Builder
	for {
		start := strings.IndexByte(s, '`')
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start+1:], '`')
		if end < 0 {
			break
		}
		out.WriteString(renderBold(s[:start]))
		out.WriteString(Styles.Code.Render(s[start+1 : start+1+end]))
		s = s[start+end+2:]
	}
	out.WriteString(renderBold(s))
	return out.String()
}

func renderBold(s string) string {
	var out strings.Builder
	for {
		start := strings.Index(s, "**")
		if start < 0 {
			break
		}
		end := strings.Index(s[start+2:], "**")
		if end < 0 {
			break
		}
		out.WriteString(s[:start])
		out.WriteString(Styles.Bold.Render(s[start+2 : start+2+end]))
		s = s[start+end+4:]
	}
	out.WriteString(s)
	return out.String()
}
