// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"strings"
	"testing"
)

func TestRenderMarkdown_MachinePassthrough(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityMachine)

	input := "# Heading\n`code` and **bold**"
	if got := RenderMarkdown(input); got != input {
		t.Errorf("machine mode must pass text through, got %q", got)
	}
}

func TestRenderMarkdown_Heading(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	got := RenderMarkdown("# Heading")
	if !strings.Contains(got, "Heading") {
		t.Errorf("expected heading text, got %q", got)
	}
	if strings.Contains(got, "#") {
		t.Errorf("expected heading marker consumed, got %q", got)
	}
}

func TestRenderMarkdown_Subheadings(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	for _, input := range []string{"## Sub", "### Deeper"} {
		got := RenderMarkdown(input)
		if strings.Contains(got, "#") {
			t.Errorf("expected marker consumed for %q, got %q", input, got)
		}
	}
}

func TestRenderMarkdown_CodeFence(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	input := "```go\nfmt.Println(\"hi\")\n```"
	got := RenderMarkdown(input)

	if !strings.Contains(got, `fmt.Println("hi")`) {
		t.Errorf("expected code content preserved, got %q", got)
	}
	if gotLines := strings.Count(got, "\n"); gotLines != 2 {
		t.Errorf("expected line structure preserved (2 newlines), got %d in %q", gotLines, got)
	}
}

func TestRenderMarkdown_FenceDisablesInline(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	// Backticks inside a fence are code, not inline markers.
	input := "```\na := `raw`\n```"
	got := RenderMarkdown(input)
	if !strings.Contains(got, "a := `raw`") {
		t.Errorf("expected fence content untouched, got %q", got)
	}
}

func TestRenderMarkdown_Bullets(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	got := RenderMarkdown("- first\n* second")
	if strings.Count(got, string(IconBullet)) != 2 {
		t.Errorf("expected two bullets, got %q", got)
	}
	if !strings.Contains(got, "first") || !strings.Contains(got, "second") {
		t.Errorf("expected item text preserved, got %q", got)
	}
}

func TestRenderMarkdown_InlineCode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	got := RenderMarkdown("run `go build` now")
	if !strings.Contains(got, "go build") {
		t.Errorf("expected code span content, got %q", got)
	}
	if strings.Contains(got, "`") {
		t.Errorf("expected backticks consumed, got %q", got)
	}
}

func TestRenderMarkdown_UnmatchedBacktick(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	input := "a ` b"
	if got := RenderMarkdown(input); got != input {
		t.Errorf("expected unmatched marker left literal, got %q", got)
	}
}

func TestRenderMarkdown_Bold(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	got := RenderMarkdown("**important** detail")
	if !strings.Contains(got, "important") {
		t.Errorf("expected bold content, got %q", got)
	}
	if strings.Contains(got, "**") {
		t.Errorf("expected bold markers consumed, got %q", got)
	}
}

func TestRenderMarkdown_UnmatchedBold(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	input := "**important detail"
	if got := RenderMarkdown(input); got != input {
		t.Errorf("expected unmatched bold left literal, got %q", got)
	}
}

func TestRenderMarkdown_Blockquote(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	got := RenderMarkdown("> quoted line")
	if !strings.Contains(got, "quoted line") {
		t.Errorf("expected quote content, got %q", got)
	}
}

func TestRenderMarkdown_PlainTextUntouched(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)
	SetPersonalityLevel(PersonalityFull)

	input := "nothing special here\nsecond line"
	if got := RenderMarkdown(input); got != input {
		t.Errorf("expected plain text unchanged, got %q", got)
	}
}
