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
	"github.com/AleutianAI/agentcore/services/agent/llm"
)

// conversationSegment groups the messages that belong to one user request:
// the user message plus every assistant, tool, and follow-up message up to
// (but not including) the next user message.
type conversationSegment struct {
	start    int // index of the opening user message
	end      int // exclusive end index
	hasTools bool
}

// FilterConversation trims a message list down to what the model actually
// needs to continue the conversation.
//
// Description:
//
//	The filter always keeps three things: every system message, the active
//	segment (the most recent user message and everything after it, which
//	includes any in-flight tool-call chain), and up to two of the most
//	recent completed segments. When choosing completed segments it prefers
//	ones that carried tool calls, because those hold the concrete evidence
//	(file contents, command output) later turns tend to reference. Kept
//	messages stay in their original order.
//
// Inputs:
//   - messages: the full candidate conversation, oldest first.
//   - keepSegments: how many completed segments to retain alongside the
//     active one. Negative values are treated as zero.
//
// Outputs:
//   - A new slice holding the surviving messages. The input is not mutated.
//
// Thread Safety: pure function; safe for concurrent use.
func FilterConversation(messages []llm.Message, keepSegments int) []llm.Message {
	if len(messages) == 0 {
		return nil
	}
	if keepSegments < 0 {
		keepSegments = 0
	}

	keep := make([]bool, len(messages))
	for i, msg := range messages {
		if msg.Role == llm.RoleSystem {
			keep[i] = true
		}
	}

	// Locate user messages; each starts a segment.
	var userIdx []int
	for i, msg := range messages {
		if msg.Role == llm.RoleUser {
			userIdx = append(userIdx, i)
		}
	}
	if len(userIdx) == 0 {
		// Nothing to segment on; pass everything through untouched.
		out := make([]llm.Message, len(messages))
		copy(out, messages)
		return out
	}

	// The active segment runs from the last user message to the end. It is
	// always kept whole so a pending tool-call chain stays intact.
	activeStart := userIdx[len(userIdx)-1]
	for i := activeStart; i < len(messages); i++ {
		keep[i] = true
	}

	// Everything before the active segment splits into completed segments.
	var completed []conversationSegment
	for si := 0; si < len(userIdx)-1; si++ {
		seg := conversationSegment{start: userIdx[si], end: userIdx[si+1]}
		for i := seg.start; i < seg.end; i++ {
			if segmentMessageHasTools(messages[i]) {
				seg.hasTools = true
				break
			}
		}
		completed = append(completed, seg)
	}

	// Pick up to keepSegments completed segments, newest first, preferring
	// tool-bearing ones. Selection order does not matter for output order;
	// kept messages are emitted in their original positions.
	selected := 0
	for i := len(completed) - 1; i >= 0 && selected < keepSegments; i-- {
		if completed[i].hasTools {
			markSegment(keep, completed[i])
			completed[i].start = -1 // consumed
			selected++
		}
	}
	for i := len(completed) - 1; i >= 0 && selected < keepSegments; i-- {
		if completed[i].start < 0 {
			continue
		}
		markSegment(keep, completed[i])
		selected++
	}

	out := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if keep[i] {
			out = append(out, msg)
		}
	}
	return out
}

// segmentMessageHasTools reports whether a message is part of a tool-call
// exchange: it either issues function calls or carries their responses.
func segmentMessageHasTools(msg llm.Message) bool {
	if msg.Role == llm.RoleTool {
		return true
	}
	return msg.HasFunctionCalls() || msg.HasFunctionResponses()
}

func markSegment(keep []bool, seg conversationSegment) {
	for i := seg.start; i < seg.end; i++ {
		keep[i] = true
	}
}
