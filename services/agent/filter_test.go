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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentcore/services/agent/llm"
)

// toolCallMsg builds an assistant message that issues one function call.
func toolCallMsg(name string) llm.Message {
	return llm.Message{
		Role:  llm.RoleAssistant,
		Parts: []llm.Part{{FunctionCall: &llm.FunctionCall{Name: name}}},
	}
}

// firstTexts renders the kept messages as "role:text" for order assertions.
func firstTexts(messages []llm.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = string(m.Role) + ":" + m.Text()
	}
	return out
}

// TestFilterConversationKeepsActiveSegment verifies the newest user message
// and its entire tail survive regardless of keepSegments.
func TestFilterConversationKeepsActiveSegment(t *testing.T) {
	messages := []llm.Message{
		llm.UserText("old question"),
		llm.AssistantText("old answer"),
		llm.UserText("current question"),
		toolCallMsg("read_file"),
		llm.ToolResult("", "read_file", map[string]any{"ok": true}),
	}

	got := FilterConversation(messages, 0)
	require.Len(t, got, 3, "active segment is kept whole")
	assert.Equal(t, "current question", got[0].Text())
	assert.True(t, got[1].HasFunctionCalls())
	assert.True(t, got[2].HasFunctionResponses())
}

// TestFilterConversationKeepsSystemMessages verifies system messages are
// never dropped, wherever they sit.
func TestFilterConversationKeepsSystemMessages(t *testing.T) {
	messages := []llm.Message{
		llm.SystemText("you are a coding agent"),
		llm.UserText("q1"),
		llm.AssistantText("a1"),
		llm.SystemText("mid-stream directive"),
		llm.UserText("q2"),
		llm.AssistantText("a2"),
	}

	got := FilterConversation(messages, 0)
	assert.Equal(t, []string{
		"system:you are a coding agent",
		"system:mid-stream directive",
		"user:q2",
		"assistant:a2",
	}, firstTexts(got))
}

// TestFilterConversationPrefersToolSegments verifies tool-bearing completed
// segments beat newer text-only ones for the keep slots.
func TestFilterConversationPrefersToolSegments(t *testing.T) {
	messages := []llm.Message{
		llm.UserText("q1"),
		toolCallMsg("read_file"),
		llm.ToolResult("", "read_file", map[string]any{"ok": true}),
		llm.AssistantText("a1"),
		llm.UserText("q2"),
		llm.AssistantText("a2"),
		llm.UserText("q3"),
		llm.AssistantText("a3"),
	}

	got := FilterConversation(messages, 1)
	texts := firstTexts(got)
	assert.Contains(t, texts, "user:q1", "the tool-bearing segment wins the slot")
	assert.NotContains(t, texts, "user:q2")
	assert.Contains(t, texts, "user:q3")

	// Original order is preserved: q1's segment precedes q3's.
	assert.Equal(t, "q1", got[0].Text())
	assert.Equal(t, "q3", got[len(got)-2].Text())
}

// TestFilterConversationFillsWithNewest verifies remaining slots go to the
// newest completed segments once tool-bearing ones run out.
func TestFilterConversationFillsWithNewest(t *testing.T) {
	messages := []llm.Message{
		llm.UserText("q1"),
		llm.AssistantText("a1"),
		llm.UserText("q2"),
		llm.AssistantText("a2"),
		llm.UserText("q3"),
		llm.AssistantText("a3"),
		llm.UserText("q4"),
	}

	got := FilterConversation(messages, 2)
	texts := firstTexts(got)
	assert.NotContains(t, texts, "user:q1", "oldest segment is dropped")
	assert.Contains(t, texts, "user:q2")
	assert.Contains(t, texts, "user:q3")
	assert.Contains(t, texts, "user:q4")
}

// TestFilterConversationEdgeCases verifies empty input, negative
// keepSegments, and conversations without user messages.
func TestFilterConversationEdgeCases(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, FilterConversation(nil, 2))
		assert.Nil(t, FilterConversation([]llm.Message{}, 2))
	})

	t.Run("negative keepSegments acts like zero", func(t *testing.T) {
		messages := []llm.Message{
			llm.UserText("q1"),
			llm.AssistantText("a1"),
			llm.UserText("q2"),
		}
		got := FilterConversation(messages, -3)
		assert.Equal(t, []string{"user:q2"}, firstTexts(got))
	})

	t.Run("no user messages passes through", func(t *testing.T) {
		messages := []llm.Message{
			llm.SystemText("directive"),
			llm.AssistantText("unprompted"),
		}
		got := FilterConversation(messages, 0)
		require.Len(t, got, 2)
		assert.Equal(t, "unprompted", got[1].Text())
	})

	t.Run("input is not mutated", func(t *testing.T) {
		messages := []llm.Message{
			llm.UserText("q1"),
			llm.AssistantText("a1"),
			llm.UserText("q2"),
		}
		_ = FilterConversation(messages, 0)
		assert.Equal(t, "q1", messages[0].Text())
		assert.Len(t, messages, 3)
	})
}
