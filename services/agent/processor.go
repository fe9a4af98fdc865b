// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"strings"

	"github.com/AleutianAI/agentcore/services/agent/llm"
)

// ProcessedResponse is a model response split into the parts the run loop
// handles separately: visible text, internal thought summaries, and function
// calls to dispatch.
type ProcessedResponse struct {
	// Text is the visible response text with thought parts removed.
	Text string

	// Thoughts holds the model's thought summaries in emission order.
	Thoughts []string

	// FunctionCalls holds the tool invocations the model requested, in
	// emission order.
	FunctionCalls []llm.FunctionCall

	// Suppress is set when the response contained only thoughts and no
	// function calls. A thoughts-only response has nothing to show the
	// user and nothing to execute, so the loop drops it.
	Suppress bool
}

// ProcessResponse splits a model response into text, thoughts, and function
// calls.
//
// Description:
//
//	Thought parts never reach the user: when function calls are present the
//	thoughts ride along as internal telemetry, and when no function calls
//	exist the response is re-synthesized from its non-thought text alone.
//	If that filtered text is empty the whole response is suppressed.
//
// Inputs:
//   - resp: the model response. Nil yields a suppressed result.
//
// Outputs:
//   - A ProcessedResponse; never nil.
//
// Thread Safety: pure function; safe for concurrent use.
func ProcessResponse(resp *llm.Response) *ProcessedResponse {
	out := &ProcessedResponse{}
	if resp == nil {
		out.Suppress = true
		return out
	}

	var text strings.Builder
	for _, part := range resp.Parts {
		switch {
		case part.FunctionCall != nil:
			out.FunctionCalls = append(out.FunctionCalls, *part.FunctionCall)
		case part.Thought:
			if part.Text != "" {
				out.Thoughts = append(out.Thoughts, part.Text)
			}
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}
	out.Text = text.String()

	if len(out.FunctionCalls) == 0 && strings.TrimSpace(out.Text) == "" {
		out.Suppress = true
	}
	return out
}
