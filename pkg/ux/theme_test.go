// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"sort"
	"strings"
	"testing"
)

func restoreDefaultTheme(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		if err := SetTheme(DefaultThemeName); err != nil {
			t.Fatalf("restore default theme: %v", err)
		}
	})
}

func TestSetTheme_Known(t *testing.T) {
	restoreDefaultTheme(t)

	if err := SetTheme("ember"); err != nil {
		t.Fatalf("expected ember theme to exist: %v", err)
	}
	if CurrentTheme().Name != "ember" {
		t.Errorf("expected current theme 'ember', got %q", CurrentTheme().Name)
	}
}

func TestSetTheme_CaseInsensitive(t *testing.T) {
	restoreDefaultTheme(t)

	if err := SetTheme("  Arctic "); err != nil {
		t.Fatalf("expected case-insensitive lookup: %v", err)
	}
	if CurrentTheme().Name != "arctic" {
		t.Errorf("expected current theme 'arctic', got %q", CurrentTheme().Name)
	}
}

func TestSetTheme_Unknown(t *testing.T) {
	restoreDefaultTheme(t)

	err := SetTheme("neon")
	if err == nil {
		t.Fatal("expected error for unknown theme")
	}
	// The error names the valid options so the CLI message is self-serving.
	if !strings.Contains(err.Error(), DefaultThemeName) {
		t.Errorf("expected valid theme names in error, got %q", err.Error())
	}
	if CurrentTheme().Name != DefaultThemeName {
		t.Errorf("unknown theme must not change the active one, got %q", CurrentTheme().Name)
	}
}

func TestSetTheme_RebuildsStyles(t *testing.T) {
	restoreDefaultTheme(t)

	before := Styles.Title.GetForeground()
	if err := SetTheme("ember"); err != nil {
		t.Fatalf("set theme: %v", err)
	}
	after := Styles.Title.GetForeground()

	if before == after {
		t.Error("expected Styles.Title foreground to change with the theme")
	}
}

func TestThemeNames_SortedAndComplete(t *testing.T) {
	names := ThemeNames()
	if !sort.StringsAreSorted(names) {
		t.Errorf("expected sorted names, got %v", names)
	}

	want := map[string]bool{"aleutian": false, "arctic": false, "ember": false, "mono": false}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("expected theme %q in %v", name, names)
		}
	}
}

func TestDefaultTheme_IsAleutian(t *testing.T) {
	if DefaultThemeName != "aleutian" {
		t.Errorf("expected default theme 'aleutian', got %q", DefaultThemeName)
	}
}
