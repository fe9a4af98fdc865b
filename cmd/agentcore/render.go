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
	"fmt"

	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/AleutianAI/agentcore/services/agent/events"
)

// TurnRenderer translates engine events into terminal output.
//
// Description:
//
//	The engine reports progress through its event emitter; the renderer
//	subscribes and drives the ChatUI, plus a spinner covering the
//	waiting gaps: model calls, tool runs, retry backoffs. The final
//	answer arrives as an event too, so the chat loop never prints
//	response text itself. Failed turns surface their user-visible
//	message the same way; hard errors that produce no turn at all are
//	the chat loop's to report.
//
// Thread Safety:
//
//	Handlers run synchronously on the engine goroutine. The chat loop
//	blocks in ProcessMessage while events fire and only reads the
//	renderer between turns, so no locking is needed.
type TurnRenderer struct {
	ui          ux.ChatUI
	showSpinner bool

	spinner *ux.Spinner

	stats   ux.SessionStats
	emitter *events.Emitter
	subs    []string

	// ShowThoughts gates reasoning output; off by default since
	// thoughts can be long.
	ShowThoughts bool
}

// NewTurnRenderer builds a renderer over a ChatUI. The spinner follows
// the active personality: machine mode renders no progress.
func NewTurnRenderer(ui ux.ChatUI) *TurnRenderer {
	return &TurnRenderer{
		ui:           ui,
		showSpinner:  ux.ShouldShowProgress(),
		ShowThoughts: ux.GetPersonality().ShowThoughts,
	}
}

// Attach subscribes the renderer to the emitter. Call Detach when done.
func (r *TurnRenderer) Attach(em *events.Emitter) {
	r.emitter = em
	r.subs = append(r.subs, em.Subscribe(r.handle,
		events.TypeLLMRequest,
		events.TypeLLMResponse,
		events.TypeThought,
		events.TypeToolCall,
		events.TypeToolResult,
		events.TypeRetry,
		events.TypeCircuitBreaker,
		events.TypeResponse,
		events.TypeTurnCompleted,
	))
}

// Detach unsubscribes and stops any running spinner.
func (r *TurnRenderer) Detach() {
	for _, id := range r.subs {
		r.emitter.Unsubscribe(id)
	}
	r.subs = nil
	r.stopSpinner()
}

// Stats returns the totals accumulated across all rendered turns. The
// Duration field stays zero; the chat loop owns wall-clock time.
func (r *TurnRenderer) Stats() ux.SessionStats {
	return r.stats
}

func (r *TurnRenderer) handle(event *events.Event) {
	switch event.Type {
	case events.TypeLLMRequest:
		data, ok := event.Data.(events.LLMRequestData)
		if !ok {
			return
		}
		if data.Attempt == 0 {
			r.setSpinner("thinking")
		} else {
			r.setSpinner(fmt.Sprintf("thinking (attempt %d)", data.Attempt+1))
		}

	case events.TypeLLMResponse:
		data, ok := event.Data.(events.LLMResponseData)
		if !ok {
			return
		}
		r.stats.PromptTokens += data.PromptTokens
		r.stats.CompletionTokens += data.CandidateTokens

	case events.TypeThought:
		data, ok := event.Data.(events.ThoughtData)
		if !ok || !r.ShowThoughts {
			return
		}
		r.stopSpinner()
		r.ui.Thought(data.Text)

	case events.TypeToolCall:
		data, ok := event.Data.(events.ToolCallData)
		if !ok {
			return
		}
		r.stopSpinner()
		r.ui.ToolStarted(data.ToolName)
		r.setSpinner("running " + data.ToolName)

	case events.TypeToolResult:
		data, ok := event.Data.(events.ToolResultData)
		if !ok {
			return
		}
		r.stopSpinner()
		r.ui.ToolFinished(data.ToolName, data.Status, data.Duration, data.RetryCount, data.Error)

	case events.TypeRetry:
		data, ok := event.Data.(events.RetryData)
		if !ok {
			return
		}
		r.stopSpinner()
		r.ui.RetryNotice(data.Attempt, data.Backoff, data.Reason)
		r.setSpinner("waiting to retry")

	case events.TypeCircuitBreaker:
		data, ok := event.Data.(events.CircuitBreakerData)
		if !ok {
			return
		}
		r.stopSpinner()
		r.ui.BreakerNotice(data.Reason, data.Elapsed)

	case events.TypeResponse:
		data, ok := event.Data.(events.ResponseData)
		if !ok {
			return
		}
		r.stopSpinner()
		if data.PlanPending {
			r.ui.Plan(data.Text)
		} else {
			r.ui.Response(data.Text)
		}

	case events.TypeTurnCompleted:
		data, ok := event.Data.(events.TurnCompletedData)
		if !ok {
			return
		}
		r.stopSpinner()
		r.stats.Turns++
		r.stats.LLMCalls += data.LLMCalls
		r.stats.ToolCalls += data.ToolCalls
		r.stats.Retries += data.Retries
		r.ui.TurnStats(data.LLMCalls, data.ToolCalls, data.Retries, data.Duration)
	}
}

// setSpinner starts the spinner or retargets a running one. Spinners
// are single-use, so a fresh one is created after every stop.
func (r *TurnRenderer) setSpinner(message string) {
	if !r.showSpinner {
		return
	}
	if r.spinner != nil {
		r.spinner.UpdateMessage(message)
		return
	}
	r.spinner = ux.NewSpinner(message)
	r.spinner.Start()
}

func (r *TurnRenderer) stopSpinner() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}
