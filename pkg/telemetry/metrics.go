// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the agent run loop.
//
// Description:
//
//	Provides standard counters and histograms for turns, model calls,
//	retries, circuit breaker trips, context shrinkage, and tool execution.
//	All metrics use the "agent_" prefix for consistent naming.
//
//	All Record* helpers are nil-safe: a nil *Metrics no-ops, so callers
//	can hold an optional reference without guarding every call site.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Turn Metrics ---

	// TurnsTotal counts completed turns by outcome status.
	TurnsTotal metric.Int64Counter

	// TurnDuration records end-to-end turn duration in seconds.
	TurnDuration metric.Float64Histogram

	// --- Model Metrics ---

	// LLMRequestsTotal counts model invocations by status.
	LLMRequestsTotal metric.Int64Counter

	// LLMRequestDuration records model invocation duration in seconds.
	LLMRequestDuration metric.Float64Histogram

	// LLMTokensTotal counts tokens by kind (prompt, completion).
	LLMTokensTotal metric.Int64Counter

	// --- Run Loop Metrics ---

	// RetriesTotal counts retry attempts by failure reason.
	RetriesTotal metric.Int64Counter

	// BreakerTripsTotal counts circuit breaker activations by reason.
	BreakerTripsTotal metric.Int64Counter

	// ContextShrinksTotal counts progressive context shrink applications by level.
	ContextShrinksTotal metric.Int64Counter

	// --- Tool Metrics ---

	// ToolExecutionsTotal counts tool executions by tool name and status.
	ToolExecutionsTotal metric.Int64Counter

	// ToolExecutionDuration records tool execution duration in seconds.
	ToolExecutionDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("agent")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.RecordTurn(ctx, "completed", elapsed)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Turn Metrics ---
	m.TurnsTotal, err = meter.Int64Counter(
		"agent_turns_total",
		metric.WithDescription("Total turns processed"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create turns_total: %w", err)
	}

	m.TurnDuration, err = meter.Float64Histogram(
		"agent_turn_duration_seconds",
		metric.WithDescription("End-to-end turn duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create turn_duration: %w", err)
	}

	// --- Model Metrics ---
	m.LLMRequestsTotal, err = meter.Int64Counter(
		"agent_llm_requests_total",
		metric.WithDescription("Total model invocations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_requests_total: %w", err)
	}

	m.LLMRequestDuration, err = meter.Float64Histogram(
		"agent_llm_request_duration_seconds",
		metric.WithDescription("Model invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_request_duration: %w", err)
	}

	m.LLMTokensTotal, err = meter.Int64Counter(
		"agent_llm_tokens_total",
		metric.WithDescription("Total tokens consumed by kind"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_tokens_total: %w", err)
	}

	// --- Run Loop Metrics ---
	m.RetriesTotal, err = meter.Int64Counter(
		"agent_retries_total",
		metric.WithDescription("Total retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retries_total: %w", err)
	}

	m.BreakerTripsTotal, err = meter.Int64Counter(
		"agent_breaker_trips_total",
		metric.WithDescription("Total circuit breaker activations"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaker_trips_total: %w", err)
	}

	m.ContextShrinksTotal, err = meter.Int64Counter(
		"agent_context_shrinks_total",
		metric.WithDescription("Total progressive context shrink applications"),
		metric.WithUnit("{shrink}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create context_shrinks_total: %w", err)
	}

	// --- Tool Metrics ---
	m.ToolExecutionsTotal, err = meter.Int64Counter(
		"agent_tool_executions_total",
		metric.WithDescription("Total tool executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_executions_total: %w", err)
	}

	m.ToolExecutionDuration, err = meter.Float64Histogram(
		"agent_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_execution_duration: %w", err)
	}

	return m, nil
}

// RecordTurn records a completed turn with its outcome and duration.
func (m *Metrics) RecordTurn(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.TurnsTotal.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordLLMCall records a model invocation with token usage.
func (m *Metrics) RecordLLMCall(ctx context.Context, status string, elapsed time.Duration, promptTokens, completionTokens int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.LLMRequestsTotal.Add(ctx, 1, attrs)
	m.LLMRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	if promptTokens > 0 {
		m.LLMTokensTotal.Add(ctx, promptTokens, metric.WithAttributes(attribute.String("kind", "prompt")))
	}
	if completionTokens > 0 {
		m.LLMTokensTotal.Add(ctx, completionTokens, metric.WithAttributes(attribute.String("kind", "completion")))
	}
}

// RecordRetry records a retry attempt with its classified reason.
func (m *Metrics) RecordRetry(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTrip records a circuit breaker activation.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.BreakerTripsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordShrink records a progressive context shrink application.
func (m *Metrics) RecordShrink(ctx context.Context, level int) {
	if m == nil {
		return
	}
	m.ContextShrinksTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))
}

// RecordToolExecution records a tool execution outcome.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolExecutionsTotal.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), attrs)
}
