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
	"bytes"
	stdcontext "context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// Directories never included in the project file listing.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
}

// Documentation files offered to the assembler, in preference order.
var docCandidates = []string{
	"README.md",
	"README.rst",
	"README",
	"docs/README.md",
	"CONTRIBUTING.md",
	"ARCHITECTURE.md",
}

// GathererConfig configures a ProactiveGatherer.
type GathererConfig struct {
	// Root is the repository directory. Defaults to the working
	// directory.
	Root string

	// MaxFiles caps the project file listing. Default 100.
	MaxFiles int

	// MaxCommits caps the git history entries. Default 10.
	MaxCommits int

	// MaxDocChars caps each documentation excerpt. Default 2000.
	MaxDocChars int

	// GitTimeout bounds the git log call. Default 3 seconds.
	GitTimeout time.Duration

	// Logger for gather diagnostics.
	Logger *logging.Logger
}

func (c GathererConfig) withDefaults() GathererConfig {
	if c.Root == "" {
		c.Root = "."
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = 100
	}
	if c.MaxCommits <= 0 {
		c.MaxCommits = 10
	}
	if c.MaxDocChars <= 0 {
		c.MaxDocChars = 2000
	}
	if c.GitTimeout <= 0 {
		c.GitTimeout = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

// ProactiveGatherer collects repository-wide context outside the
// conversation: a file listing, recent git history, and documentation
// excerpts. Each sub-key is independent; a repository without git still
// yields files and docs.
//
// Thread Safety: Safe for concurrent use; the gatherer holds no mutable
// state.
type ProactiveGatherer struct {
	cfg GathererConfig
}

var _ ProactiveProvider = (*ProactiveGatherer)(nil)

// NewProactiveGatherer builds a gatherer over a repository root.
func NewProactiveGatherer(cfg GathererConfig) *ProactiveGatherer {
	return &ProactiveGatherer{cfg: cfg.withDefaults()}
}

// Gather implements ProactiveProvider. Missing sub-keys are simply not
// offered; Gather itself never fails.
func (g *ProactiveGatherer) Gather() map[string]any {
	out := map[string]any{}
	if files := g.projectFiles(); len(files) > 0 {
		out[ProactiveProjectFiles] = files
	}
	if history := g.gitHistory(); len(history) > 0 {
		out[ProactiveGitHistory] = history
	}
	if docs := g.documentation(); len(docs) > 0 {
		out[ProactiveDocumentation] = docs
	}
	return out
}

// projectFiles walks the root collecting relative paths, newest intent
// first being irrelevant here: lexical walk order keeps the listing
// stable across calls.
func (g *ProactiveGatherer) projectFiles() []string {
	var files []string
	truncated := false

	err := filepath.WalkDir(g.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		name := d.Name()
		if d.IsDir() {
			if skippedDirs[name] || (strings.HasPrefix(name, ".") && path != g.cfg.Root) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if len(files) >= g.cfg.MaxFiles {
			truncated = true
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(g.cfg.Root, path)
		if relErr != nil {
			rel = path
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		g.cfg.Logger.Debug("project file walk failed", "root", g.cfg.Root, "error", err)
		return nil
	}
	if truncated {
		files = append(files, fmt.Sprintf("... (truncated at %d files)", g.cfg.MaxFiles))
	}
	return files
}

// gitHistory returns the last MaxCommits one-line log entries, or nil
// when the root is not a git repository.
func (g *ProactiveGatherer) gitHistory() []string {
	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), g.cfg.GitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "log", "--oneline", "-n", fmt.Sprintf("%d", g.cfg.MaxCommits))
	cmd.Dir = g.cfg.Root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		g.cfg.Logger.Debug("git history unavailable",
			"root", g.cfg.Root,
			"error", err,
			"stderr", strings.TrimSpace(stderr.String()),
		)
		return nil
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// documentation reads the first MaxDocChars of each candidate doc file
// that exists, keyed by its relative path.
func (g *ProactiveGatherer) documentation() map[string]string {
	docs := map[string]string{}
	for _, rel := range docCandidates {
		data, err := os.ReadFile(filepath.Join(g.cfg.Root, rel))
		if err != nil {
			continue
		}
		text := string(data)
		if len(text) > g.cfg.MaxDocChars {
			text = text[:g.cfg.MaxDocChars] + "\n... (truncated)"
		}
		docs[rel] = text
	}
	return docs
}
