// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/pkg/telemetry"
	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/AleutianAI/agentcore/services/agent"
	"github.com/AleutianAI/agentcore/services/agent/session"
)

// chatRunner drives the line-based interactive loop for one agent run.
//
// Description:
//
//	The runner owns input and session persistence; display belongs to
//	the TurnRenderer, which prints responses as the engine emits them.
//	The runner itself only prints the header, the prompt, echoes, and
//	hard errors that never became a turn.
//
// Thread Safety: single-goroutine use. ProcessMessage blocks the loop
// while the engine works.
type chatRunner struct {
	agent    *agent.Agent
	ui       ux.ChatUI
	renderer *TurnRenderer
	input    InputReader
	header   ux.HeaderConfig
	logger   *logging.Logger

	// Session persistence. A nil store disables saving.
	store        *session.Store
	bridge       *agent.LegacyBridge
	sessionID    string
	resumedTurns int

	// sink receives per-turn analytics points. Nil no-ops.
	sink *telemetry.TurnSink

	start time.Time
}

// Run executes the chat loop until exit, EOF, or cancellation.
//
// Outputs:
//   - error: nil on a clean exit (user typed exit/quit, or input
//     exhausted), errInterrupted when the context was canceled by a
//     signal, or a read failure.
func (r *chatRunner) Run(ctx context.Context) error {
	r.start = time.Now()
	r.ui.Header(r.header)
	if r.resumedTurns > 0 {
		r.ui.SessionResume(r.sessionID, r.resumedTurns)
	}

	for {
		// Check for cancellation before blocking on input.
		select {
		case <-ctx.Done():
			r.finish()
			return errInterrupted
		default:
		}

		if p, ok := r.input.(PromptingInputReader); ok {
			p.SetPrompt(r.ui.Prompt())
		} else {
			fmt.Print(r.ui.Prompt())
		}
		input, err := r.input.ReadLine()
		if err != nil {
			if err == io.EOF {
				r.finish()
				return nil
			}
			r.logger.Error("failed to read input", "error", err)
			return fmt.Errorf("read input: %w", err)
		}
		if input == "" {
			continue
		}

		// Bubbletea clears its render area on exit, so restore the
		// prompt line; scripted input echoes the message so the
		// transcript reads as a dialogue.
		switch r.input.(type) {
		case *InteractiveInputReader:
			fmt.Printf("%s%s\n", r.ui.Prompt(), input)
		case *FileInputReader:
			fmt.Println(input)
		}

		if isExitCommand(input) {
			r.finish()
			return nil
		}

		if err := r.handleMessage(ctx, input); err != nil {
			if ctx.Err() != nil {
				r.finish()
				return errInterrupted
			}
			// Non-fatal: report and keep the loop alive.
			r.ui.Error(err)
			continue
		}
	}
}

// handleMessage processes one user message through the engine. Progress
// and the final answer render through the event subscription while
// ProcessMessage blocks.
func (r *chatRunner) handleMessage(ctx context.Context, message string) error {
	before := r.renderer.Stats()
	result, err := r.agent.ProcessMessage(ctx, message)
	if err != nil {
		return err
	}
	r.recordTurn(ctx, result, before)
	r.saveSession(ctx, result)
	return nil
}

// recordTurn writes the turn's analytics point. Token counts are the
// renderer's running totals, so the per-turn figure is the delta.
func (r *chatRunner) recordTurn(ctx context.Context, result *agent.Result, before ux.SessionStats) {
	if r.sink == nil {
		return
	}
	after := r.renderer.Stats()
	pt := telemetry.TurnPoint{
		SessionID:        r.sessionID,
		AgentName:        r.header.AgentName,
		Model:            r.header.Model,
		Status:           "completed",
		TurnNumber:       result.TurnNumber,
		LLMCalls:         result.LLMCalls,
		ToolCalls:        result.ToolCalls,
		Retries:          result.Retries,
		PromptTokens:     after.PromptTokens - before.PromptTokens,
		CompletionTokens: after.CompletionTokens - before.CompletionTokens,
		Elapsed:          result.Elapsed,
	}
	if err := r.sink.RecordTurn(ctx, pt); err != nil {
		r.logger.Warn("turn analytics write failed", "error", err)
	}
}

// saveSession persists the conversation after a completed turn, so a
// crash loses at most the turn in flight.
func (r *chatRunner) saveSession(ctx context.Context, result *agent.Result) {
	if r.store == nil {
		return
	}
	rec := &session.Record{
		ID:        r.sessionID,
		AgentName: r.header.AgentName,
		Model:     r.header.Model,
		TurnCount: result.TurnNumber,
		State:     r.bridge.Snapshot(),
	}
	if err := r.store.Save(ctx, rec); err != nil {
		r.logger.Error("session save failed", "session_id", r.sessionID, "error", err)
	}
}

// finish renders the end-of-session summary.
func (r *chatRunner) finish() {
	stats := r.renderer.Stats()
	stats.Duration = time.Since(r.start)

	endID := ""
	if r.store != nil {
		endID = r.sessionID
	}
	if stats.Turns == 0 && endID == "" {
		// Nothing happened; skip the summary box.
		r.ui.SessionEnd("", nil)
		return
	}
	r.ui.SessionEnd(endID, &stats)
}
