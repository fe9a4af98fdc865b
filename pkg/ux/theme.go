// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme is a named lipgloss palette. The CLI selects one with --ui-theme;
// every style in Styles derives from the active theme.
type Theme struct {
	// Name is the identifier accepted by SetTheme.
	Name string

	// Primary is the brand accent used for titles and highlights.
	Primary lipgloss.TerminalColor

	// Secondary is used for subtitles and secondary accents.
	Secondary lipgloss.TerminalColor

	// Border is used for box outlines.
	Border lipgloss.TerminalColor

	// Success, Warning, and Error are the semantic status colors.
	Success lipgloss.TerminalColor
	Warning lipgloss.TerminalColor
	Error   lipgloss.TerminalColor

	// Muted is used for secondary text and pending states.
	Muted lipgloss.TerminalColor
}

// DefaultThemeName is the palette used when no --ui-theme is given.
const DefaultThemeName = "aleutian"

var themes = map[string]Theme{
	"aleutian": {
		Name:      "aleutian",
		Primary:   ColorTealBright,
		Secondary: ColorTealPrimary,
		Border:    ColorTealDeep,
		Success:   ColorSuccess,
		Warning:   ColorWarning,
		Error:     ColorError,
		Muted:     ColorSlate,
	},
	"arctic": {
		Name:      "arctic",
		Primary:   lipgloss.Color("#8ECAE6"),
		Secondary: lipgloss.Color("#219EBC"),
		Border:    lipgloss.Color("#126782"),
		Success:   lipgloss.Color("#80ED99"),
		Warning:   ColorWarning,
		Error:     ColorError,
		Muted:     lipgloss.Color("#40586A"),
	},
	"ember": {
		Name:      "ember",
		Primary:   lipgloss.Color("#FF9F1C"),
		Secondary: lipgloss.Color("#E76F51"),
		Border:    lipgloss.Color("#9C4A1A"),
		Success:   lipgloss.Color("#8AB17D"),
		Warning:   ColorWarning,
		Error:     ColorError,
		Muted:     lipgloss.Color("#6B5B52"),
	},
	"mono": {
		Name:      "mono",
		Primary:   lipgloss.NoColor{},
		Secondary: lipgloss.NoColor{},
		Border:    lipgloss.NoColor{},
		Success:   lipgloss.NoColor{},
		Warning:   lipgloss.NoColor{},
		Error:     lipgloss.NoColor{},
		Muted:     lipgloss.NoColor{},
	},
}

var currentTheme = themes[DefaultThemeName]

// SetTheme activates the named palette and rebuilds Styles from it.
// Theme names are case-insensitive. Returns an error naming the valid
// themes when the name is unknown.
//
// SetTheme is meant to run once during startup, before any rendering.
func SetTheme(name string) error {
	theme, ok := themes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("unknown theme %q (valid: %s)", name, strings.Join(ThemeNames(), ", "))
	}
	currentTheme = theme
	Styles = buildStyles(theme)
	return nil
}

// CurrentTheme returns the active theme.
func CurrentTheme() Theme {
	return currentTheme
}

// ThemeNames returns the available theme names, sorted.
func ThemeNames() []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StyleSet holds the pre-configured lipgloss styles for the active theme.
type StyleSet struct {
	// Text styles
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Thought   lipgloss.Style
	Code      lipgloss.Style

	// Box styles
	Box        lipgloss.Style
	InfoBox    lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style

	// Status indicators
	StatusOK      lipgloss.Style
	StatusWarning lipgloss.Style
	StatusError   lipgloss.Style
	StatusPending lipgloss.Style
}

func buildStyles(t Theme) StyleSet {
	return StyleSet{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Subtitle:  lipgloss.NewStyle().Foreground(t.Secondary),
		Bold:      lipgloss.NewStyle().Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(t.Muted),
		Success:   lipgloss.NewStyle().Foreground(t.Success),
		Warning:   lipgloss.NewStyle().Foreground(t.Warning),
		Error:     lipgloss.NewStyle().Foreground(t.Error),
		Highlight: lipgloss.NewStyle().Foreground(t.Primary).Bold(true),
		Thought:   lipgloss.NewStyle().Foreground(t.Muted).Italic(true),
		Code:      lipgloss.NewStyle().Foreground(t.Secondary),

		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Border).
			Padding(0, 1),
		InfoBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Secondary).
			Padding(0, 1),
		WarningBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Warning).
			Padding(0, 1),
		ErrorBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Error).
			Padding(0, 1),

		StatusOK:      lipgloss.NewStyle().SetString("✓").Foreground(t.Success),
		StatusWarning: lipgloss.NewStyle().SetString("⚠").Foreground(t.Warning),
		StatusError:   lipgloss.NewStyle().SetString("✗").Foreground(t.Error),
		StatusPending: lipgloss.NewStyle().SetString("○").Foreground(t.Muted),
	}
}
