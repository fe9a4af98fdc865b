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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// ApprovalFunc decides whether a non-whitelisted command may run. The host
// wires this to its UI; returning false or an error blocks execution.
type ApprovalFunc func(ctx context.Context, command string) (bool, error)

// DefaultSafeCommands returns the command names that run without approval.
func DefaultSafeCommands() []string {
	return []string{
		"ls", "pwd", "echo", "cat", "head", "tail", "wc",
		"grep", "find", "which", "date", "env", "du", "stat",
	}
}

const (
	// shellMaxOutputBytes caps captured stdout and stderr individually.
	shellMaxOutputBytes = 16 * 1024

	shellTruncationMarker = "\n... [output truncated]"
)

// ShellTool implements run_shell_command.
//
// Description:
//
//	Commands are parsed with three strategies in order: a shell lexer that
//	splits into argv, a literal `sh -c` pass-through, and a plain
//	whitespace split. A strategy that fails to parse or to start the
//	process yields to the next one; once a process runs, its outcome is
//	final. Commands whose first word is not on the safe list must pass the
//	approval callback before any strategy runs.
//
// Thread Safety: safe for concurrent use after construction.
type ShellTool struct {
	safe      map[string]struct{}
	approve   ApprovalFunc
	workDir   string
	maxOutput int
	logger    *logging.Logger
}

// ShellOption configures a ShellTool.
type ShellOption func(*ShellTool)

// WithSafeCommands replaces the approval-free command whitelist.
func WithSafeCommands(names []string) ShellOption {
	return func(t *ShellTool) {
		t.safe = make(map[string]struct{}, len(names))
		for _, n := range names {
			t.safe[n] = struct{}{}
		}
	}
}

// WithApproval wires the callback consulted for non-whitelisted commands.
func WithApproval(fn ApprovalFunc) ShellOption {
	return func(t *ShellTool) { t.approve = fn }
}

// WithWorkDir sets the default working directory for commands.
func WithWorkDir(dir string) ShellOption {
	return func(t *ShellTool) { t.workDir = dir }
}

// WithShellLogger sets the tool's logger.
func WithShellLogger(l *logging.Logger) ShellOption {
	return func(t *ShellTool) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewShellTool builds a run_shell_command tool with the default whitelist.
func NewShellTool(opts ...ShellOption) *ShellTool {
	t := &ShellTool{
		maxOutput: shellMaxOutputBytes,
		logger:    logging.Default(),
	}
	WithSafeCommands(DefaultSafeCommands())(t)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tool name.
func (t *ShellTool) Name() string { return "run_shell_command" }

// Definition returns the parameter schema.
func (t *ShellTool) Definition() Definition {
	return Definition{
		Name: "run_shell_command",
		Description: "Runs a shell command and returns its exit code, stdout, and stderr. " +
			"Output is truncated past a size cap. Commands outside the safe list " +
			"require user approval before they run.",
		Params: []ParamDef{
			{
				Name:        "command",
				Type:        ParamTypeString,
				Description: "The command line to execute.",
				Required:    true,
			},
			{
				Name:        "timeout",
				Type:        ParamTypeNumber,
				Description: "Seconds before the command is killed. Defaults to the orchestrator timeout.",
			},
			{
				Name:        "working_dir",
				Type:        ParamTypeString,
				Description: "Directory to run the command in. Defaults to the agent working directory.",
			},
		},
		Timeout: 60 * time.Second,
	}
}

// Execute runs the command through the strategy chain.
func (t *ShellTool) Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("run_shell_command: command is empty")
	}

	if err := t.checkApproval(ctx, command); err != nil {
		return nil, err
	}

	dir := t.workDir
	if d, ok := args["working_dir"].(string); ok && d != "" {
		dir = d
	} else if tctx != nil {
		if d, ok := tctx.Get("working_dir"); ok {
			if ds, ok := d.(string); ok && ds != "" {
				dir = ds
			}
		}
	}

	var strategyErrs []string

	// Strategy 1: shell lexer split into argv.
	if argv, err := lexCommand(command); err == nil && len(argv) > 0 {
		result, runErr, started := t.runArgv(ctx, "lexer", command, argv, dir)
		if started {
			return result, runErr
		}
		if runErr != nil {
			strategyErrs = append(strategyErrs, "lexer: "+runErr.Error())
		}
	} else if err != nil {
		strategyErrs = append(strategyErrs, "lexer: "+err.Error())
	}

	// Strategy 2: hand the whole line to the shell.
	{
		result, runErr, started := t.runArgv(ctx, "sh", command, []string{"sh", "-c", command}, dir)
		if started {
			return result, runErr
		}
		if runErr != nil {
			strategyErrs = append(strategyErrs, "sh: "+runErr.Error())
		}
	}

	// Strategy 3: naive whitespace split.
	if argv := strings.Fields(command); len(argv) > 0 {
		result, runErr, started := t.runArgv(ctx, "fields", command, argv, dir)
		if started {
			return result, runErr
		}
		if runErr != nil {
			strategyErrs = append(strategyErrs, "fields: "+runErr.Error())
		}
	}

	return nil, fmt.Errorf("run_shell_command: all parse strategies failed: %s", strings.Join(strategyErrs, "; "))
}

// checkApproval enforces the whitelist and approval gate.
func (t *ShellTool) checkApproval(ctx context.Context, command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("run_shell_command: command is empty")
	}
	if _, ok := t.safe[fields[0]]; ok {
		return nil
	}
	if t.approve == nil {
		return fmt.Errorf("%w: %q is not on the safe command list and no approval callback is configured", ErrApprovalRequired, fields[0])
	}
	approved, err := t.approve(ctx, command)
	if err != nil {
		return fmt.Errorf("run_shell_command: approval check failed: %w", err)
	}
	if !approved {
		return fmt.Errorf("%w: user declined %q", ErrApprovalRequired, command)
	}
	return nil
}

// runArgv executes one strategy. started reports whether a process actually
// ran; when false the caller should try the next strategy.
func (t *ShellTool) runArgv(ctx context.Context, strategy, command string, argv []string, dir string) (map[string]any, error, bool) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			return nil, fmt.Errorf("run_shell_command: %q timed out: %w", command, ctx.Err()), true
		default:
			// The process never started (bad binary, bad argv). Let the
			// next strategy have a go.
			return nil, runErr, false
		}
	}

	outStr, outTrunc := truncateOutput(stdout.String(), t.maxOutput)
	errStr, errTrunc := truncateOutput(stderr.String(), t.maxOutput)

	result := map[string]any{
		"command":     command,
		"strategy":    strategy,
		"exit_code":   exitCode,
		"stdout":      outStr,
		"stderr":      errStr,
		"duration_ms": elapsed.Milliseconds(),
		"truncated":   outTrunc || errTrunc,
	}
	t.logger.Debug("shell command finished",
		"strategy", strategy,
		"exit_code", exitCode,
		"duration_ms", elapsed.Milliseconds(),
	)

	if exitCode != 0 {
		snippet := strings.TrimSpace(errStr)
		if snippet == "" {
			snippet = strings.TrimSpace(outStr)
		}
		if len(snippet) > summaryMaxLen {
			snippet = snippet[:summaryMaxLen]
		}
		return result, fmt.Errorf("run_shell_command: command failed with exit status %d: %s", exitCode, snippet), true
	}
	return result, nil, true
}

func truncateOutput(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	return s[:max] + shellTruncationMarker, true
}

// lexCommand splits a command line into argv honoring quotes and
// backslash escapes. Unquoted shell metacharacters make the lexer refuse
// so the sh -c strategy keeps their semantics.
func lexCommand(command string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		inField bool
		quote   rune
	)
	flush := func() {
		if inField {
			argv = append(argv, current.String())
			current.Reset()
			inField = false
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				current.WriteRune(c)
			}
		case quote == '"':
			switch c {
			case '"':
				quote = 0
			case '\\':
				if i+1 < len(runes) {
					i++
					current.WriteRune(runes[i])
				}
			default:
				current.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inField = true
		case c == '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("trailing backslash")
			}
			i++
			current.WriteRune(runes[i])
			inField = true
		case c == ' ' || c == '\t':
			flush()
		case strings.ContainsRune("|&;<>()$`*?~#", c):
			return nil, fmt.Errorf("unquoted shell metacharacter %q", c)
		default:
			current.WriteRune(c)
			inField = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return argv, nil
}
