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
	"errors"
	"strings"
	"time"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// ErrorClass buckets a tool failure by its error text. The class picks the
// recovery strategy.
type ErrorClass string

const (
	ClassFileNotFound      ErrorClass = "file_not_found"
	ClassPermissionDenied  ErrorClass = "permission_denied"
	ClassCommandFailed     ErrorClass = "command_failed"
	ClassTimeout           ErrorClass = "timeout"
	ClassResourceExhausted ErrorClass = "resource_exhausted"
	ClassUnknown           ErrorClass = "unknown"
)

// DefaultMaxRetries is the recovery attempt cap per invocation.
const DefaultMaxRetries = 3

// defaultTimeoutSeconds is assumed when a timed-out invocation carried no
// timeout argument.
const defaultTimeoutSeconds = 60.0

// ClassifyToolError maps an error onto an ErrorClass by inspecting its
// text. Specific matches are checked before broad ones so "command not
// found" lands in command_failed rather than file_not_found.
func ClassifyToolError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "timed out", "timeout", "deadline exceeded"):
		return ClassTimeout
	case containsAny(msg, "permission denied", "permissionerror", "operation not permitted", "access denied", "eacces"):
		return ClassPermissionDenied
	case containsAny(msg, "resource exhausted", "resource_exhausted", "rate limit", "too many requests", "quota exceeded", "out of memory"):
		return ClassResourceExhausted
	case containsAny(msg, "command not found", "command failed", "exit status", "exit code", "non-zero exit", "executable file not found"):
		return ClassCommandFailed
	case containsAny(msg, "no such file", "filenotfound", "file not found", "enoent", "does not exist"):
		return ClassFileNotFound
	default:
		return ClassUnknown
	}
}

func containsAny(msg string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// substitution rewrites one command fragment into another.
type substitution struct {
	old string
	new string
}

// defaultSubstitutions are the command rewrites tried for command_failed
// errors, in order.
func defaultSubstitutions() []substitution {
	return []substitution{
		{"npm install", "yarn install"},
		{"pip install", "pip3 install"},
		{"python ", "python3 "},
	}
}

// Recovery produces rewritten arguments for a failed invocation based on
// its error class. Strategies are deterministic: no model round trip, just
// the obvious next thing a developer would try.
//
// Thread Safety: safe for concurrent use after construction.
type Recovery struct {
	maxRetries    int
	substitutions []substitution
	logger        *logging.Logger

	// sleep is swapped out by tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRecovery returns a Recovery with the default retry cap and command
// substitutions.
func NewRecovery(logger *logging.Logger) *Recovery {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recovery{
		maxRetries:    DefaultMaxRetries,
		substitutions: defaultSubstitutions(),
		logger:        logger,
		sleep:         sleepContext,
	}
}

// MaxRetries returns the recovery attempt cap.
func (r *Recovery) MaxRetries() int {
	return r.maxRetries
}

// Plan computes the arguments for the next recovery attempt.
//
// Description:
//
//	file_not_found derives alternative paths from the ORIGINAL path, in
//	order: /src/ swapped for /lib/, .py swapped for .pyi, then a .backup
//	suffix. permission_denied prepends sudo to the current command once.
//	command_failed applies the first substitution present in the current
//	command. timeout doubles the timeout argument (60 s assumed when
//	absent). resource_exhausted sleeps 2^(attempt+1) seconds and retries
//	unchanged. unknown has no recovery.
//
// Inputs:
//   - ctx: cancels the resource_exhausted backoff sleep.
//   - class: the failure class from ClassifyToolError.
//   - attempt: zero-based recovery attempt index.
//   - original: the arguments of the first attempt, never mutated.
//   - current: the arguments of the attempt that just failed.
//
// Outputs:
//   - next: arguments for the retry; nil when ok is false.
//   - ok: whether a retry should happen.
//   - err: non-nil only when the backoff sleep was cancelled.
//
// Thread Safety: safe for concurrent use.
func (r *Recovery) Plan(ctx context.Context, class ErrorClass, attempt int, original, current map[string]any) (next map[string]any, ok bool, err error) {
	switch class {
	case ClassFileNotFound:
		return r.planFileNotFound(attempt, original)
	case ClassPermissionDenied:
		return r.planPermissionDenied(current)
	case ClassCommandFailed:
		return r.planCommandFailed(current)
	case ClassTimeout:
		return r.planTimeout(current)
	case ClassResourceExhausted:
		if err := r.sleep(ctx, time.Duration(1<<(attempt+1))*time.Second); err != nil {
			return nil, false, err
		}
		return cloneArgs(current), true, nil
	default:
		return nil, false, nil
	}
}

func (r *Recovery) planFileNotFound(attempt int, original map[string]any) (map[string]any, bool, error) {
	path, _ := original["path"].(string)
	if path == "" {
		return nil, false, nil
	}
	candidates := alternativePaths(path)
	if attempt >= len(candidates) {
		return nil, false, nil
	}
	next := cloneArgs(original)
	next["path"] = candidates[attempt]
	r.logger.Debug("recovery trying alternative path",
		"original", path,
		"candidate", candidates[attempt],
		"attempt", attempt,
	)
	return next, true, nil
}

func (r *Recovery) planPermissionDenied(current map[string]any) (map[string]any, bool, error) {
	cmd, _ := current["command"].(string)
	if cmd == "" || strings.HasPrefix(cmd, "sudo ") {
		return nil, false, nil
	}
	next := cloneArgs(current)
	next["command"] = "sudo " + cmd
	return next, true, nil
}

func (r *Recovery) planCommandFailed(current map[string]any) (map[string]any, bool, error) {
	cmd, _ := current["command"].(string)
	if cmd == "" {
		return nil, false, nil
	}
	for _, sub := range r.substitutions {
		if strings.Contains(cmd, sub.old) {
			next := cloneArgs(current)
			next["command"] = strings.Replace(cmd, sub.old, sub.new, 1)
			return next, true, nil
		}
	}
	return nil, false, nil
}

func (r *Recovery) planTimeout(current map[string]any) (map[string]any, bool, error) {
	seconds := timeoutSeconds(current)
	next := cloneArgs(current)
	next["timeout"] = seconds * 2
	return next, true, nil
}

// alternativePaths returns the candidate paths for a missing file, derived
// from the original path. Transformations that leave the path unchanged are
// dropped so every candidate is worth a filesystem hit.
func alternativePaths(path string) []string {
	var out []string
	if swapped := strings.Replace(path, "/src/", "/lib/", 1); swapped != path {
		out = append(out, swapped)
	}
	if strings.HasSuffix(path, ".py") {
		out = append(out, strings.TrimSuffix(path, ".py")+".pyi")
	}
	out = append(out, path+".backup")
	return out
}

// timeoutSeconds reads the timeout argument as seconds, tolerating the
// numeric types JSON decoding produces.
func timeoutSeconds(args map[string]any) float64 {
	switch v := args["timeout"].(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	case int64:
		if v > 0 {
			return float64(v)
		}
	}
	return defaultTimeoutSeconds
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
