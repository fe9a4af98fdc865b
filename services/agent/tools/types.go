// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the tool registry and orchestrator the agent uses
// to execute model-requested function calls: registration with parameter
// validation, sequenced and parallel dispatch with dependency tracking, and
// deterministic error recovery for common failure classes.
package tools

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ======
// Errors
// ======

var (
	// ErrInvalidParamName is returned when a tool declares a parameter
	// whose name begins with an underscore. Leading underscores are
	// reserved for engine-internal argument augmentation.
	ErrInvalidParamName = errors.New("tools: parameter name must not begin with underscore")

	// ErrToolNotFound is returned when an invocation names an unregistered
	// tool.
	ErrToolNotFound = errors.New("tools: tool not found")

	// ErrMissingParam is returned when a required parameter is absent from
	// an invocation's arguments.
	ErrMissingParam = errors.New("tools: missing required parameter")

	// ErrApprovalRequired is returned when a gated command is refused
	// because no approval callback is configured or the callback declined.
	ErrApprovalRequired = errors.New("tools: command requires approval")
)

// ======
// Status
// ======

// Status describes where an execution is in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ======
// Definitions
// ======

// ParamType enumerates the JSON types a tool parameter may declare.
type ParamType string

const (
	ParamTypeString  ParamType = "string"
	ParamTypeInteger ParamType = "integer"
	ParamTypeNumber  ParamType = "number"
	ParamTypeBoolean ParamType = "boolean"
	ParamTypeArray   ParamType = "array"
	ParamTypeObject  ParamType = "object"
)

// ParamDef describes a single tool parameter.
type ParamDef struct {
	// Name is the parameter key as it appears in invocation arguments.
	Name string

	// Type is the JSON type the model should produce.
	Type ParamType

	// Description explains the parameter to the model.
	Description string

	// Required marks parameters an invocation must supply.
	Required bool

	// Default is applied when an optional parameter is absent.
	Default any

	// Enum restricts string parameters to a fixed value set.
	Enum []string

	// Items describes array element types.
	Items *ParamDef
}

// Definition is the model-facing contract of a tool.
type Definition struct {
	// Name is the function-call name the model uses.
	Name string

	// Description tells the model what the tool does and when to use it.
	Description string

	// Params lists the accepted parameters in declaration order.
	Params []ParamDef

	// Timeout bounds a single execution. Zero uses the orchestrator's
	// default.
	Timeout time.Duration
}

// Tool is a callable capability exposed to the model.
type Tool interface {
	// Name returns the function-call name. Must match Definition().Name.
	Name() string

	// Definition returns the parameter schema presented to the model.
	Definition() Definition

	// Execute runs the tool. Implementations must honor ctx cancellation
	// and may read and write batch-scoped state through tctx.
	Execute(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error)
}

// ======
// ToolContext
// ======

// ToolContext carries mutable state shared by every tool in one invocation
// batch. A shell tool can record its working directory, a later file tool
// can read it back.
//
// Thread Safety: safe for concurrent use.
type ToolContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewToolContext returns an empty batch context.
func NewToolContext() *ToolContext {
	return &ToolContext{values: make(map[string]any)}
}

// Get returns the value stored under key and whether it was present.
func (tc *ToolContext) Get(key string) (any, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	v, ok := tc.values[key]
	return v, ok
}

// Set stores value under key, replacing any prior value.
func (tc *ToolContext) Set(key string, value any) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.values[key] = value
}

// Delete removes key from the context.
func (tc *ToolContext) Delete(key string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.values, key)
}

// Keys returns the stored keys in sorted order.
func (tc *ToolContext) Keys() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	keys := make([]string, 0, len(tc.values))
	for k := range tc.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ======
// Execution
// ======

// Invocation is one requested tool call, optionally gated on prior calls in
// the same batch.
type Invocation struct {
	// Name is the tool to execute.
	Name string

	// Args is the argument mapping from the model's function call.
	Args map[string]any

	// DependsOn lists execution IDs that must reach a terminal state
	// before this invocation starts. A failed dependency does not cancel
	// the dependent.
	DependsOn []string
}

// Execution is the record of one tool invocation.
type Execution struct {
	// ID uniquely identifies the execution within the orchestrator.
	ID string

	// Name is the tool that ran.
	Name string

	// Args is the argument mapping after any recovery rewrites.
	Args map[string]any

	// Status is the lifecycle state.
	Status Status

	// Result holds the tool's output on success.
	Result any

	// Err holds the final error text on failure, empty otherwise.
	Err string

	// ExecutionTime is the wall-clock duration including recovery retries.
	ExecutionTime time.Duration

	// RetryCount is how many recovery attempts were made.
	RetryCount int

	// DependsOn lists the execution IDs this invocation waited on.
	DependsOn []string
}

// Failed reports whether the execution ended in failure or cancellation.
func (e *Execution) Failed() bool {
	return e.Status == StatusFailed || e.Status == StatusCancelled
}
