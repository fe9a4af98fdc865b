// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tokens

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

// =============================================================================
// Backend Resolution Tests
// =============================================================================

func TestNewCounter_NativeBoundOnProbeSuccess(t *testing.T) {
	var probes atomic.Int32
	native := func(ctx context.Context, text string) (int, error) {
		probes.Add(1)
		return len(strings.Fields(text)), nil
	}

	c := NewCounter("gpt-4", native)

	if c.Backend() != BackendNative {
		t.Fatalf("Backend() = %v, want %v", c.Backend(), BackendNative)
	}
	if probes.Load() != 1 {
		t.Errorf("probe count = %d, want exactly 1", probes.Load())
	}
}

func TestNewCounter_ProbeFailureFallsToBPE(t *testing.T) {
	native := func(ctx context.Context, text string) (int, error) {
		return 0, errors.New("count endpoint unavailable")
	}

	c := NewCounter("gpt-4", native)

	if c.Backend() != BackendModelBPE {
		t.Fatalf("Backend() = %v, want %v", c.Backend(), BackendModelBPE)
	}
}

func TestNewCounter_NilNativeSkipsProbe(t *testing.T) {
	c := NewCounter("gpt-4", nil)
	if c.Backend() != BackendModelBPE {
		t.Fatalf("Backend() = %v, want %v", c.Backend(), BackendModelBPE)
	}
}

func TestNewCounter_UnknownModelFallsToGeneric(t *testing.T) {
	c := NewCounter("some-model-nobody-has-heard-of", nil)
	if c.Backend() != BackendGenericBPE {
		t.Fatalf("Backend() = %v, want %v", c.Backend(), BackendGenericBPE)
	}
}

func TestNewCounter_EmptyModelSkipsModelTier(t *testing.T) {
	c := NewCounter("", nil)
	if c.Backend() != BackendGenericBPE {
		t.Fatalf("Backend() = %v, want %v", c.Backend(), BackendGenericBPE)
	}
}

// =============================================================================
// Count Tests
// =============================================================================

func TestCounter_CountNative(t *testing.T) {
	native := func(ctx context.Context, text string) (int, error) {
		return len(strings.Fields(text)), nil
	}

	c := NewCounter("gpt-4", native)
	got := c.Count("one two three")
	if got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestCounter_NativeRuntimeFailureUsesHeuristicPerCall(t *testing.T) {
	var calls atomic.Int32
	native := func(ctx context.Context, text string) (int, error) {
		// Probe succeeds; every later call fails.
		if calls.Add(1) == 1 {
			return 1, nil
		}
		return 0, errors.New("transient outage")
	}

	c := NewCounter("gpt-4", native)
	if c.Backend() != BackendNative {
		t.Fatalf("Backend() = %v, want %v", c.Backend(), BackendNative)
	}

	text := strings.Repeat("abcd", 25) // 100 chars
	if got := c.Count(text); got != 25 {
		t.Errorf("Count() during outage = %d, want heuristic 25", got)
	}

	// Binding must survive the failure.
	if c.Backend() != BackendNative {
		t.Errorf("Backend() after failure = %v, want %v", c.Backend(), BackendNative)
	}
}

func TestCounter_NativeNegativeResultClamped(t *testing.T) {
	native := func(ctx context.Context, text string) (int, error) {
		return -5, nil
	}

	c := NewCounter("gpt-4", native)
	text := strings.Repeat("x", 8)
	if got := c.Count(text); got != 2 {
		t.Errorf("Count() = %d, want heuristic 2 for negative native result", got)
	}
}

func TestCounter_CountBPE(t *testing.T) {
	c := NewCounter("gpt-4", nil)
	got := c.Count("hello world")
	if got <= 0 {
		t.Errorf("Count() = %d, want positive BPE count", got)
	}
	// BPE must beat the heuristic's crude granularity for short text.
	if got > len("hello world") {
		t.Errorf("Count() = %d, exceeds character count", got)
	}
}

func TestCounter_CountEmpty(t *testing.T) {
	for _, c := range []*Counter{
		NewCounter("gpt-4", nil),
		NewCounter("", nil),
	} {
		if got := c.Count(""); got != 0 {
			t.Errorf("Count(\"\") = %d, want 0 (backend %v)", got, c.Backend())
		}
	}
}

func TestCounter_NeverNegative(t *testing.T) {
	inputs := []string{"", "a", "hello", strings.Repeat("z", 10000)}
	c := NewCounter("gpt-4", nil)
	for _, in := range inputs {
		if got := c.Count(in); got < 0 {
			t.Errorf("Count(%q...) = %d, want >= 0", in[:min(8, len(in))], got)
		}
	}
}

func TestCounter_Model(t *testing.T) {
	c := NewCounter("gemini-2.0-flash", nil)
	if c.Model() != "gemini-2.0-flash" {
		t.Errorf("Model() = %q, want %q", c.Model(), "gemini-2.0-flash")
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 0},
		{"abcd", 1},
		{strings.Repeat("x", 100), 25},
	}

	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestEncodingCache_Reuse(t *testing.T) {
	a := NewCounter("gpt-4", nil)
	b := NewCounter("gpt-4", nil)
	if a.encoding != b.encoding {
		t.Error("same model produced different encoding instances; cache not used")
	}
}

func TestEncodingCache_ConcurrentConstruction(t *testing.T) {
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			c := NewCounter("gpt-4", nil)
			_ = c.Count("concurrent")
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
