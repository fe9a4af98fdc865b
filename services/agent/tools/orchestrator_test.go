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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// recordedResult is one recorder callback capture.
type recordedResult struct {
	tool    string
	result  any
	summary string
	isError bool
}

// captureRecorder collects everything the orchestrator records.
type captureRecorder struct {
	mu      sync.Mutex
	entries []recordedResult
}

func (c *captureRecorder) AddToolResult(toolName string, result any, summary string, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, recordedResult{toolName, result, summary, isError})
}

func (c *captureRecorder) last() recordedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[len(c.entries)-1]
}

func (c *captureRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// newTestOrchestrator builds an orchestrator with fast recovery sleeps, a
// fast dependency poll, and a capturing recorder.
func newTestOrchestrator(t *testing.T, reg *Registry) (*Orchestrator, *captureRecorder) {
	t.Helper()
	logger := logging.New(logging.Config{Quiet: true})
	rec := &captureRecorder{}
	recovery := NewRecovery(logger)
	recovery.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	o := NewOrchestrator(reg,
		WithLogger(logger),
		WithRecorder(rec),
		WithRecovery(recovery),
	)
	o.pollInterval = time.Millisecond
	return o, rec
}

// TestExecuteSuccess verifies the happy path: completion, result, tracking,
// and recorder notification.
func TestExecuteSuccess(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{
		Name:   "read_file",
		Params: []ParamDef{{Name: "path", Type: ParamTypeString, Required: true}},
	}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		return "file contents", nil
	})
	require.NoError(t, reg.Register(tool))
	o, rec := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{
		Name: "read_file",
		Args: map[string]any{"path": "a.go"},
	}, nil)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "file contents", exec.Result)
	assert.Empty(t, exec.Err)
	assert.Equal(t, 0, exec.RetryCount)
	assert.False(t, exec.Failed())
	assert.NotEmpty(t, exec.ID)

	got, ok := o.Lookup(exec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)

	require.Equal(t, 1, rec.count())
	entry := rec.last()
	assert.Equal(t, "read_file", entry.tool)
	assert.Equal(t, "file contents", entry.result)
	assert.False(t, entry.isError)
	assert.Contains(t, entry.summary, "read_file completed in")
	assert.Contains(t, entry.summary, "file contents")
}

// TestExecuteUnknownTool verifies lookup failures finish as failed and are
// recorded as errors.
func TestExecuteUnknownTool(t *testing.T) {
	o, rec := newTestOrchestrator(t, quietRegistry())

	exec := o.Execute(context.Background(), Invocation{Name: "nope"}, nil)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Err, "tool not found")
	assert.True(t, exec.Failed())

	entry := rec.last()
	assert.True(t, entry.isError)
	assert.Contains(t, entry.summary, "failed after 0 retries")
}

// TestExecuteValidationFailure verifies argument validation failures never
// reach the tool.
func TestExecuteValidationFailure(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{
		Name:   "read_file",
		Params: []ParamDef{{Name: "path", Type: ParamTypeString, Required: true}},
	}, nil)
	require.NoError(t, reg.Register(tool))
	o, _ := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{Name: "read_file"}, nil)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Err, "missing required parameter")
	assert.Equal(t, 0, tool.callCount())
}

// TestExecuteRecoversFileNotFound verifies the alternative-path ladder and
// that the successful args land on the execution record.
func TestExecuteRecoversFileNotFound(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{
		Name:   "read_file",
		Params: []ParamDef{{Name: "path", Type: ParamTypeString, Required: true}},
	}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		if args["path"] == "/lib/config.py" {
			return "found it", nil
		}
		return nil, fmt.Errorf("open %v: no such file or directory", args["path"])
	})
	require.NoError(t, reg.Register(tool))
	o, rec := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{
		Name: "read_file",
		Args: map[string]any{"path": "/src/config.py"},
	}, nil)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "found it", exec.Result)
	assert.Equal(t, 1, exec.RetryCount)
	assert.Equal(t, "/lib/config.py", exec.Args["path"], "record carries the args that worked")

	require.Equal(t, 2, tool.callCount())
	assert.Equal(t, "/src/config.py", tool.call(0)["path"])
	assert.Equal(t, "/lib/config.py", tool.call(1)["path"])

	assert.Equal(t, 1, rec.count(), "one record per invocation, not per attempt")
}

// TestExecuteRecoveryExhausted verifies a failure that outlives its
// candidates finishes failed with the retry count intact.
func TestExecuteRecoveryExhausted(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{
		Name:   "read_file",
		Params: []ParamDef{{Name: "path", Type: ParamTypeString, Required: true}},
	}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		return nil, errors.New("no such file or directory")
	})
	require.NoError(t, reg.Register(tool))
	o, _ := newTestOrchestrator(t, reg)

	// /data/notes.txt yields a single candidate: the .backup suffix.
	exec := o.Execute(context.Background(), Invocation{
		Name: "read_file",
		Args: map[string]any{"path": "/data/notes.txt"},
	}, nil)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 1, exec.RetryCount)
	assert.Contains(t, exec.Err, "no such file")
	assert.Equal(t, 2, tool.callCount())
	assert.Equal(t, "/data/notes.txt.backup", tool.call(1)["path"])
	assert.Equal(t, "/data/notes.txt", exec.Args["path"], "failed executions keep the original args")
}

// TestExecuteUnknownErrorNoRetry verifies unclassifiable failures are not
// retried.
func TestExecuteUnknownErrorNoRetry(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{Name: "flaky"}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		return nil, errors.New("inexplicable breakage")
	})
	require.NoError(t, reg.Register(tool))
	o, _ := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{Name: "flaky"}, nil)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 0, exec.RetryCount)
	assert.Equal(t, 1, tool.callCount())
}

// TestExecuteSudoRecovery verifies the permission ladder stops after one
// sudo attempt.
func TestExecuteSudoRecovery(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{
		Name:   "run_shell_command",
		Params: []ParamDef{{Name: "command", Type: ParamTypeString, Required: true}},
	}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		return nil, errors.New("cat: /etc/shadow: permission denied")
	})
	require.NoError(t, reg.Register(tool))
	o, _ := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{
		Name: "run_shell_command",
		Args: map[string]any{"command": "cat /etc/shadow"},
	}, nil)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, 1, exec.RetryCount, "sudo is tried once, then the ladder stops")
	require.Equal(t, 2, tool.callCount())
	assert.Equal(t, "sudo cat /etc/shadow", tool.call(1)["command"])
}

// TestExecuteCommandSubstitution verifies the command rewrite ladder.
func TestExecuteCommandSubstitution(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{
		Name:   "run_shell_command",
		Params: []ParamDef{{Name: "command", Type: ParamTypeString, Required: true}},
	}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		if args["command"] == "yarn install" {
			return "installed", nil
		}
		return nil, errors.New("npm ERR! command failed")
	})
	require.NoError(t, reg.Register(tool))
	o, _ := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{
		Name: "run_shell_command",
		Args: map[string]any{"command": "npm install"},
	}, nil)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 1, exec.RetryCount)
	assert.Equal(t, "yarn install", exec.Args["command"])
}

// TestExecuteTimeoutFromArgs verifies the timeout argument bounds each run
// and the recovery doubles it on retry.
func TestExecuteTimeoutFromArgs(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{
		Name:   "run_shell_command",
		Params: []ParamDef{{Name: "command", Type: ParamTypeString, Required: true}},
	}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, reg.Register(tool))
	o, _ := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{
		Name: "run_shell_command",
		Args: map[string]any{"command": "sleep 600", "timeout": 0.01},
	}, nil)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, DefaultMaxRetries, exec.RetryCount)
	require.Equal(t, DefaultMaxRetries+1, tool.callCount())
	assert.InDelta(t, 0.02, tool.call(1)["timeout"], 1e-9)
	assert.InDelta(t, 0.04, tool.call(2)["timeout"], 1e-9)
	assert.InDelta(t, 0.08, tool.call(3)["timeout"], 1e-9)
}

// TestDefaultTimeoutMatchesRecovery pins the orchestrator fallback to the
// value the timeout-doubling recovery assumes for untimed invocations.
func TestDefaultTimeoutMatchesRecovery(t *testing.T) {
	o := NewOrchestrator(NewRegistry(nil))
	assert.Equal(t, time.Duration(defaultTimeoutSeconds*float64(time.Second)), o.defaultTimeout)
}

// TestExecuteCancellation verifies a cancelled context short-circuits both
// fresh and retrying executions.
func TestExecuteCancellation(t *testing.T) {
	reg := quietRegistry()
	tool := newStubTool(Definition{Name: "slow"}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		return nil, ctx.Err()
	})
	require.NoError(t, reg.Register(tool))
	o, _ := newTestOrchestrator(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := o.Execute(ctx, Invocation{Name: "slow"}, nil)
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.Equal(t, 0, tool.callCount())
}

// TestExecuteSequence verifies ordered execution, dependency chaining, and
// the shared batch context.
func TestExecuteSequence(t *testing.T) {
	reg := quietRegistry()
	var order []string
	var mu sync.Mutex
	note := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	first := newStubTool(Definition{Name: "first"}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		note("first")
		tctx.Set("cwd", "/tmp/project")
		return "ok", nil
	})
	second := newStubTool(Definition{Name: "second"}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		note("second")
		return nil, errors.New("inexplicable breakage")
	})
	third := newStubTool(Definition{Name: "third"}, func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
		note("third")
		cwd, _ := tctx.Get("cwd")
		return cwd, nil
	})
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(second))
	require.NoError(t, reg.Register(third))
	o, _ := newTestOrchestrator(t, reg)

	execs := o.ExecuteSequence(context.Background(), []Invocation{
		{Name: "first"}, {Name: "second"}, {Name: "third"},
	})

	require.Len(t, execs, 3)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, StatusCompleted, execs[0].Status)
	assert.Equal(t, StatusFailed, execs[1].Status, "a failed step does not stop the sequence")
	assert.Equal(t, StatusCompleted, execs[2].Status)
	assert.Equal(t, "/tmp/project", execs[2].Result, "batch context is shared across steps")

	assert.Empty(t, execs[0].DependsOn)
	assert.Equal(t, []string{execs[0].ID}, execs[1].DependsOn)
	assert.ElementsMatch(t, []string{execs[0].ID, execs[1].ID}, execs[2].DependsOn)
}

// TestExecuteParallel verifies results come back in submission order and
// share one batch context.
func TestExecuteParallel(t *testing.T) {
	reg := quietRegistry()
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("tool_%d", i)
		idx := i
		require.NoError(t, reg.Register(newStubTool(Definition{Name: name},
			func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
				// Later submissions finish first to exercise slot ordering.
				time.Sleep(time.Duration(4-idx) * time.Millisecond)
				return idx, nil
			})))
	}
	o, rec := newTestOrchestrator(t, reg)

	invs := make([]Invocation, 4)
	for i := range invs {
		invs[i] = Invocation{Name: fmt.Sprintf("tool_%d", i)}
	}
	execs := o.ExecuteParallel(context.Background(), invs)

	require.Len(t, execs, 4)
	for i, exec := range execs {
		assert.Equal(t, fmt.Sprintf("tool_%d", i), exec.Name, "submission order is preserved")
		assert.Equal(t, StatusCompleted, exec.Status)
		assert.Equal(t, i, exec.Result)
	}
	assert.Equal(t, 4, rec.count())
}

// TestWaitForDependencies verifies terminal detection, unknown-ID
// tolerance, and cancellation.
func TestWaitForDependencies(t *testing.T) {
	o, _ := newTestOrchestrator(t, quietRegistry())

	assert.NoError(t, o.WaitForDependencies(context.Background(), nil))
	assert.NoError(t, o.WaitForDependencies(context.Background(), []string{"never-seen"}),
		"unknown IDs count as terminal")

	pending := &Execution{ID: "pending-1", Name: "x", Status: StatusRunning}
	o.track(pending)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := o.WaitForDependencies(ctx, []string{"pending-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		o.mutate(pending, func(e *Execution) { e.Status = StatusCompleted })
	}()
	assert.NoError(t, o.WaitForDependencies(context.Background(), []string{"pending-1"}))
}

// TestLookupUnknown verifies missing IDs report absence.
func TestLookupUnknown(t *testing.T) {
	o, _ := newTestOrchestrator(t, quietRegistry())
	_, ok := o.Lookup("nope")
	assert.False(t, ok)
}

// TestSummaryTruncation verifies long results are clipped in the recorded
// summary but intact on the execution.
func TestSummaryTruncation(t *testing.T) {
	reg := quietRegistry()
	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	require.NoError(t, reg.Register(newStubTool(Definition{Name: "read_file"},
		func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) {
			return long, nil
		})))
	o, rec := newTestOrchestrator(t, reg)

	exec := o.Execute(context.Background(), Invocation{Name: "read_file"}, nil)
	assert.Equal(t, long, exec.Result)

	entry := rec.last()
	assert.Contains(t, entry.summary, "...")
	assert.Less(t, len(entry.summary), len(long))
	assert.Equal(t, long, entry.result, "the full result still reaches the recorder")
}
