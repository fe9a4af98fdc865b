// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LoggingHandler creates a handler that logs every event at the given
// level with type-specific attributes.
func LoggingHandler(logger *slog.Logger, level slog.Level) Handler {
	return func(event *Event) {
		attrs := []any{
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.Int("turn", event.Turn),
		}
		if event.SessionID != "" {
			attrs = append(attrs, slog.String("session_id", event.SessionID))
		}

		switch data := event.Data.(type) {
		case *TurnStartedData:
			attrs = append(attrs, slog.Int("turn_number", data.TurnNumber))

		case *TurnCompletedData:
			attrs = append(attrs,
				slog.Int("turn_number", data.TurnNumber),
				slog.Duration("duration", data.Duration),
				slog.Int("llm_calls", data.LLMCalls),
				slog.Int("tool_calls", data.ToolCalls),
			)

		case *PhaseChangedData:
			attrs = append(attrs,
				slog.String("from_phase", data.FromPhase),
				slog.String("to_phase", data.ToPhase),
			)

		case *LLMRequestData:
			attrs = append(attrs,
				slog.String("model", data.Model),
				slog.Int("attempt", data.Attempt),
				slog.Int("message_count", data.MessageCount),
				slog.Int("tool_count", data.ToolCount),
			)

		case *LLMResponseData:
			attrs = append(attrs,
				slog.String("model", data.Model),
				slog.Duration("duration", data.Duration),
				slog.Int("function_call_count", data.FunctionCallCount),
			)

		case *ToolCallData:
			attrs = append(attrs,
				slog.String("tool_name", data.ToolName),
				slog.String("invocation_id", data.InvocationID),
			)

		case *ToolResultData:
			attrs = append(attrs,
				slog.String("tool_name", data.ToolName),
				slog.String("status", data.Status),
				slog.Duration("duration", data.Duration),
			)
			if data.Error != "" {
				attrs = append(attrs, slog.String("error", data.Error))
			}

		case *RetryData:
			attrs = append(attrs,
				slog.Int("attempt", data.Attempt),
				slog.Duration("backoff", data.Backoff),
				slog.Int("shrink_level", data.ShrinkLevel),
				slog.String("reason", data.Reason),
			)

		case *CircuitBreakerData:
			attrs = append(attrs,
				slog.String("reason", data.Reason),
				slog.Int("events", data.Events),
				slog.Duration("elapsed", data.Elapsed),
			)

		case *ErrorData:
			attrs = append(attrs,
				slog.String("error", data.Error),
				slog.Bool("recoverable", data.Recoverable),
			)
			if data.Code != "" {
				attrs = append(attrs, slog.String("code", data.Code))
			}
		}

		logger.Log(context.Background(), level, "agent event", attrs...)
	}
}

// Counters is a snapshot of the collector's totals.
type Counters struct {
	Turns           int64
	LLMCalls        int64
	ToolCalls       int64
	Retries         int64
	Errors          int64
	BreakerTrips    int64
	PromptTokens    int64
	CandidateTokens int64
}

// Collector accumulates counters from events for metrics export.
//
// Thread Safety: Collector is safe for concurrent use.
type Collector struct {
	mu sync.RWMutex

	counters Counters

	llmDurations  []time.Duration
	toolDurations []time.Duration
}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Handler returns the event handler that feeds the collector.
func (c *Collector) Handler() Handler {
	return func(event *Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		switch data := event.Data.(type) {
		case *TurnCompletedData:
			c.counters.Turns++

		case *LLMResponseData:
			c.counters.LLMCalls++
			c.counters.PromptTokens += int64(data.PromptTokens)
			c.counters.CandidateTokens += int64(data.CandidateTokens)
			c.llmDurations = append(c.llmDurations, data.Duration)

		case *ToolResultData:
			c.counters.ToolCalls++
			c.toolDurations = append(c.toolDurations, data.Duration)

		case *RetryData:
			c.counters.Retries++

		case *CircuitBreakerData:
			c.counters.BreakerTrips++

		case *ErrorData:
			c.counters.Errors++
		}
	}
}

// Snapshot returns the accumulated counters.
func (c *Collector) Snapshot() Counters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters
}

// AverageLLMDuration returns the mean transport latency, or zero when no
// calls were recorded.
func (c *Collector) AverageLLMDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return average(c.llmDurations)
}

// AverageToolDuration returns the mean tool latency, or zero when no
// invocations were recorded.
func (c *Collector) AverageToolDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return average(c.toolDurations)
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations))
}
