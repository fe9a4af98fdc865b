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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/agentcore/pkg/logging"
)

// Recorder receives a summarized record of every execution outcome. The
// context manager satisfies it, so tool results flow into prompt assembly
// without the orchestrator knowing about prompts.
type Recorder interface {
	AddToolResult(toolName string, result any, summary string, isError bool)
}

const (
	// defaultMaxParallel bounds concurrent executions in ExecuteParallel.
	defaultMaxParallel = 4

	// defaultToolTimeout bounds a single execution when neither the tool
	// definition nor the arguments carry a timeout. Matches
	// defaultTimeoutSeconds in recovery.go so the timeout-doubling
	// strategy doubles the bound that was actually applied.
	defaultToolTimeout = 60 * time.Second

	// dependencyPollInterval is how often WaitForDependencies re-checks.
	dependencyPollInterval = 50 * time.Millisecond

	// summaryMaxLen caps the result summary recorded per execution.
	summaryMaxLen = 200
)

// Orchestrator executes tool invocations: lookup, argument validation,
// timeout enforcement, deterministic error recovery, and dependency
// sequencing. Every outcome, successful or not, is tracked and recorded.
//
// Thread Safety: safe for concurrent use.
type Orchestrator struct {
	registry *Registry
	recovery *Recovery
	recorder Recorder
	logger   *logging.Logger

	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	pollInterval   time.Duration

	mu         sync.RWMutex
	executions map[string]*Execution
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRecorder wires the destination for summarized execution outcomes.
func WithRecorder(rec Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = rec }
}

// WithMaxParallel bounds concurrent executions in ExecuteParallel.
func WithMaxParallel(n int64) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithDefaultTimeout overrides the fallback per-execution timeout.
func WithDefaultTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

// WithRecovery replaces the default recovery strategies.
func WithRecovery(r *Recovery) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recovery = r
		}
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *logging.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator builds an orchestrator over the given registry.
func NewOrchestrator(registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:       registry,
		logger:         logging.Default(),
		sem:            semaphore.NewWeighted(defaultMaxParallel),
		defaultTimeout: defaultToolTimeout,
		pollInterval:   dependencyPollInterval,
		executions:     make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.recovery == nil {
		o.recovery = NewRecovery(o.logger)
	}
	return o
}

// Registry returns the registry the orchestrator dispatches against.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Execute runs a single invocation to a terminal state.
//
// Description:
//
//	The invocation waits for its dependencies, resolves the tool, validates
//	arguments, and runs with a timeout. On failure the error is classified
//	and up to MaxRetries recovery attempts rewrite the arguments and rerun.
//	The outcome is recorded to the Recorder with a short summary either
//	way. A failed dependency does not prevent execution; only context
//	cancellation does.
//
// Inputs:
//   - ctx: cancels waits and executions.
//   - inv: the tool name, arguments, and dependency IDs.
//   - tctx: batch-shared state; nil creates a fresh context.
//
// Outputs:
//   - The execution record in a terminal state. Never nil.
//
// Thread Safety: safe for concurrent use.
func (o *Orchestrator) Execute(ctx context.Context, inv Invocation, tctx *ToolContext) *Execution {
	if tctx == nil {
		tctx = NewToolContext()
	}
	exec := &Execution{
		ID:        uuid.NewString(),
		Name:      inv.Name,
		Args:      cloneArgs(inv.Args),
		Status:    StatusPending,
		DependsOn: append([]string(nil), inv.DependsOn...),
	}
	o.track(exec)
	log := o.logger.With("tool", inv.Name, "execution_id", exec.ID)
	start := time.Now()

	defer func() {
		o.mutate(exec, func(e *Execution) { e.ExecutionTime = time.Since(start) })
		o.record(exec)
	}()

	if len(inv.DependsOn) > 0 {
		if err := o.WaitForDependencies(ctx, inv.DependsOn); err != nil {
			o.finish(exec, StatusCancelled, nil, err)
			return exec
		}
	}

	tool, ok := o.registry.Get(inv.Name)
	if !ok {
		o.finish(exec, StatusFailed, nil, fmt.Errorf("%w: %s", ErrToolNotFound, inv.Name))
		return exec
	}
	args, err := ValidateArgs(tool.Definition(), inv.Args)
	if err != nil {
		o.finish(exec, StatusFailed, nil, err)
		return exec
	}

	o.mutate(exec, func(e *Execution) { e.Status = StatusRunning })

	original := cloneArgs(args)
	current := args
	var lastErr error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			o.finish(exec, StatusCancelled, nil, ctx.Err())
			return exec
		}

		result, runErr := o.runOnce(ctx, tool, current, tctx)
		if runErr == nil {
			o.mutate(exec, func(e *Execution) { e.Args = current })
			o.finish(exec, StatusCompleted, result, nil)
			return exec
		}
		lastErr = runErr
		if ctx.Err() != nil {
			o.finish(exec, StatusCancelled, nil, ctx.Err())
			return exec
		}
		if attempt >= o.recovery.MaxRetries() {
			break
		}

		class := ClassifyToolError(runErr)
		next, retry, planErr := o.recovery.Plan(ctx, class, attempt, original, current)
		if planErr != nil {
			o.finish(exec, StatusCancelled, nil, planErr)
			return exec
		}
		if !retry {
			break
		}
		log.Warn("tool recovery attempt",
			"class", string(class),
			"attempt", attempt+1,
			"error", runErr.Error(),
		)
		current = next
		o.mutate(exec, func(e *Execution) { e.RetryCount++ })
	}

	o.finish(exec, StatusFailed, nil, lastErr)
	return exec
}

// ExecuteSequence runs invocations in order, each depending on all prior
// items. The batch shares one ToolContext. A failed item does not stop the
// sequence; later items run and may fail on their own.
func (o *Orchestrator) ExecuteSequence(ctx context.Context, invs []Invocation) []*Execution {
	tctx := NewToolContext()
	out := make([]*Execution, 0, len(invs))
	var prior []string
	for _, inv := range invs {
		inv.DependsOn = append(append([]string(nil), inv.DependsOn...), prior...)
		exec := o.Execute(ctx, inv, tctx)
		out = append(out, exec)
		prior = append(prior, exec.ID)
	}
	return out
}

// ExecuteParallel runs invocations concurrently, bounded by the configured
// parallelism. Results are returned in submission order regardless of
// completion order. The batch shares one ToolContext.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, invs []Invocation) []*Execution {
	tctx := NewToolContext()
	out := make([]*Execution, len(invs))
	var wg sync.WaitGroup
	for i := range invs {
		wg.Add(1)
		go func(slot int, inv Invocation) {
			defer wg.Done()
			if err := o.sem.Acquire(ctx, 1); err != nil {
				exec := &Execution{
					ID:     uuid.NewString(),
					Name:   inv.Name,
					Args:   cloneArgs(inv.Args),
					Status: StatusCancelled,
					Err:    err.Error(),
				}
				o.track(exec)
				o.record(exec)
				out[slot] = exec
				return
			}
			defer o.sem.Release(1)
			out[slot] = o.Execute(ctx, inv, tctx)
		}(i, invs[i])
	}
	wg.Wait()
	return out
}

// WaitForDependencies blocks until every listed execution reaches a
// terminal state, polling at a fixed interval. Failed dependencies satisfy
// the wait; dependents proceed and may fail on their own. Unknown IDs are
// treated as already terminal so a typo cannot wedge the batch.
func (o *Orchestrator) WaitForDependencies(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		if o.allTerminal(ids) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lookup returns a copy of the execution record for id.
func (o *Orchestrator) Lookup(id string) (Execution, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.executions[id]
	if !ok {
		return Execution{}, false
	}
	return *e, true
}

// ======
// internals
// ======

// runOnce executes the tool a single time under the effective timeout. The
// timeout comes from the arguments when present (seconds), then the tool
// definition, then the orchestrator default.
func (o *Orchestrator) runOnce(ctx context.Context, tool Tool, args map[string]any, tctx *ToolContext) (any, error) {
	timeout := o.defaultTimeout
	if def := tool.Definition(); def.Timeout > 0 {
		timeout = def.Timeout
	}
	if secs := timeoutSeconds(args); args["timeout"] != nil && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return tool.Execute(execCtx, args, tctx)
}

func (o *Orchestrator) track(exec *Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executions[exec.ID] = exec
}

func (o *Orchestrator) mutate(exec *Execution, fn func(*Execution)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(exec)
}

func (o *Orchestrator) finish(exec *Execution, status Status, result any, err error) {
	o.mutate(exec, func(e *Execution) {
		e.Status = status
		e.Result = result
		if err != nil {
			e.Err = err.Error()
		}
	})
}

func (o *Orchestrator) allTerminal(ids []string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, id := range ids {
		e, ok := o.executions[id]
		if !ok {
			continue
		}
		if !e.Status.Terminal() {
			return false
		}
	}
	return true
}

// record pushes the outcome summary to the recorder, if one is wired.
func (o *Orchestrator) record(exec *Execution) {
	if o.recorder == nil {
		return
	}
	snap, _ := o.Lookup(exec.ID)
	o.recorder.AddToolResult(snap.Name, snap.Result, summarizeExecution(snap), snap.Failed())
}

// summarizeExecution produces the one-line summary recorded alongside each
// outcome.
func summarizeExecution(e Execution) string {
	switch e.Status {
	case StatusCompleted:
		body := strings.TrimSpace(fmt.Sprintf("%v", e.Result))
		if len(body) > summaryMaxLen {
			body = body[:summaryMaxLen] + "..."
		}
		if body == "" || body == "<nil>" {
			return fmt.Sprintf("%s completed in %s", e.Name, e.ExecutionTime.Round(time.Millisecond))
		}
		return fmt.Sprintf("%s completed in %s: %s", e.Name, e.ExecutionTime.Round(time.Millisecond), body)
	case StatusCancelled:
		return fmt.Sprintf("%s cancelled: %s", e.Name, e.Err)
	default:
		msg := e.Err
		if len(msg) > summaryMaxLen {
			msg = msg[:summaryMaxLen] + "..."
		}
		return fmt.Sprintf("%s failed after %d retries: %s", e.Name, e.RetryCount, msg)
	}
}
