// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// Helper to capture stdout
func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// Helper to capture stderr
func captureStderr(f func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render_Success(t *testing.T) {
	result := IconSuccess.Render()
	if result == "" {
		t.Error("expected non-empty result for IconSuccess")
	}
}

func TestIcon_Render_Warning(t *testing.T) {
	result := IconWarning.Render()
	if result == "" {
		t.Error("expected non-empty result for IconWarning")
	}
}

func TestIcon_Render_Error(t *testing.T) {
	result := IconError.Render()
	if result == "" {
		t.Error("expected non-empty result for IconError")
	}
}

func TestIcon_Render_Pending(t *testing.T) {
	result := IconPending.Render()
	if result == "" {
		t.Error("expected non-empty result for IconPending")
	}
}

func TestIcon_Render_Default(t *testing.T) {
	// Icons without dedicated styling render as their raw glyph
	icons := []Icon{IconArrow, IconBullet, IconChat, IconInfo, IconTime}
	for _, icon := range icons {
		result := icon.Render()
		if result != string(icon) {
			t.Errorf("expected %q for %q, got %q", string(icon), icon, result)
		}
	}
}

// =============================================================================
// Title Tests
// =============================================================================

func TestTitle_MachineMode(t *testing.T) {
	// Save and restore personality
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Title("Test Title")
	})

	// In machine mode, Title should output nothing
	if output != "" {
		t.Errorf("expected no output in machine mode, got %q", output)
	}
}

func TestTitle_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		Title("Test Title")
	})

	if output == "" {
		t.Error("expected styled output in full mode")
	}
}

// =============================================================================
// Success Tests
// =============================================================================

func TestSuccess_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Success("did the thing")
	})

	if output != "OK: did the thing\n" {
		t.Errorf("expected 'OK: did the thing', got %q", output)
	}
}

func TestSuccess_MinimalMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMinimal)

	output := captureStdout(func() {
		Success("did the thing")
	})

	if !strings.Contains(output, "did the thing") {
		t.Errorf("expected message in output, got %q", output)
	}
}

func TestSuccess_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		Success("did the thing")
	})

	if !strings.Contains(output, "did the thing") {
		t.Errorf("expected message in output, got %q", output)
	}
}

// =============================================================================
// Warning Tests
// =============================================================================

func TestWarning_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStderr(func() {
		Warning("watch out")
	})

	if output != "WARN: watch out\n" {
		t.Errorf("expected 'WARN: watch out', got %q", output)
	}
}

func TestWarning_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		Warning("watch out")
	})

	if !strings.Contains(output, "watch out") {
		t.Errorf("expected message in output, got %q", output)
	}
}

// =============================================================================
// Error Tests
// =============================================================================

func TestError_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStderr(func() {
		Error("it broke")
	})

	if output != "ERROR: it broke\n" {
		t.Errorf("expected 'ERROR: it broke', got %q", output)
	}
}

func TestError_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		Error("it broke")
	})

	if !strings.Contains(output, "it broke") {
		t.Errorf("expected message in output, got %q", output)
	}
}

// =============================================================================
// Info / Muted Tests
// =============================================================================

func TestInfo_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Info("plain info")
	})

	if output != "plain info\n" {
		t.Errorf("expected plain text, got %q", output)
	}
}

func TestMuted_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Muted("secondary")
	})

	if output != "" {
		t.Errorf("expected no output in machine mode, got %q", output)
	}
}

func TestMuted_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		Muted("secondary")
	})

	if !strings.Contains(output, "secondary") {
		t.Errorf("expected message in output, got %q", output)
	}
}

// =============================================================================
// Box Tests
// =============================================================================

func TestBox_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Box("Title", "content here")
	})

	if output != "Title: content here\n" {
		t.Errorf("expected 'Title: content here', got %q", output)
	}
}

func TestBox_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		Box("Title", "content here")
	})

	if !strings.Contains(output, "content here") {
		t.Errorf("expected content in output, got %q", output)
	}
}

func TestWarningBox_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStderr(func() {
		WarningBox("Careful", "something risky")
	})

	if output != "WARN Careful: something risky\n" {
		t.Errorf("expected warning line, got %q", output)
	}
}

// =============================================================================
// FileStatus Tests
// =============================================================================

func TestFileStatus_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		FileStatus("src/main.go", IconSuccess, "indexed")
	})

	if output != "✓\tsrc/main.go\tindexed\n" {
		t.Errorf("expected tab-separated line, got %q", output)
	}
}

func TestFileStatus_FullMode_WithReason(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		FileStatus("src/main.go", IconPending, "unsupported extension")
	})

	if !strings.Contains(output, "src/main.go") {
		t.Errorf("expected path in output, got %q", output)
	}
	if !strings.Contains(output, "unsupported extension") {
		t.Errorf("expected reason in output, got %q", output)
	}
}

func TestFileStatus_FullMode_NoReason(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		FileStatus("src/main.go", IconSuccess, "")
	})

	if !strings.Contains(output, "src/main.go") {
		t.Errorf("expected path in output, got %q", output)
	}
	if strings.Contains(output, "()") {
		t.Errorf("expected no empty reason parens, got %q", output)
	}
}

// =============================================================================
// Summary Tests
// =============================================================================

func TestSummary_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Summary(8, 2, 10)
	})

	if output != "SUMMARY: indexed=8 skipped=2 total=10\n" {
		t.Errorf("expected summary line, got %q", output)
	}
}

func TestSummary_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	output := captureStdout(func() {
		Summary(8, 2, 10)
	})

	for _, want := range []string{"8", "2", "10", "indexed", "skipped", "total"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got %q", want, output)
		}
	}
}

// =============================================================================
// ProgressBar Tests
// =============================================================================

func TestProgressBar_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	result := ProgressBar(3, 10, 20)
	if result != "3/10" {
		t.Errorf("expected '3/10', got %q", result)
	}
}

func TestProgressBar_FullMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityFull)

	result := ProgressBar(5, 10, 20)
	if !strings.Contains(result, "50%") {
		t.Errorf("expected percentage in output, got %q", result)
	}
}

func TestRepeatChar(t *testing.T) {
	if got := repeatChar('x', 3); got != "xxx" {
		t.Errorf("expected 'xxx', got %q", got)
	}
	if got := repeatChar('x', 0); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := repeatChar('x', -1); got != "" {
		t.Errorf("expected empty string for negative count, got %q", got)
	}
}
