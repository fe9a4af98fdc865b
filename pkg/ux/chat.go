// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// HeaderConfig carries everything the session header displays.
type HeaderConfig struct {
	// AgentName is the registry name of the running agent.
	AgentName string

	// Provider is the transport name, e.g. "gemini" or "openai".
	Provider string

	// Model is the model identifier in use.
	Model string

	// SessionID is shown when resuming or saving sessions.
	SessionID string

	// SessionSaving is true when turns persist to the session store.
	SessionSaving bool

	// ToolCount is the number of tools offered to the model.
	ToolCount int

	// PlanningEnabled is true when complex requests go through plan approval.
	PlanningEnabled bool

	// InputFile is set when input comes from a file instead of stdin.
	InputFile string
}

// SessionStats accumulates counters for the end-of-session summary.
type SessionStats struct {
	// Turns completed during the session.
	Turns int

	// LLMCalls made across all turns.
	LLMCalls int

	// ToolCalls dispatched across all turns.
	ToolCalls int

	// Retries consumed across all turns.
	Retries int

	// PromptTokens and CompletionTokens from usage metadata, when reported.
	PromptTokens     int
	CompletionTokens int

	// Duration from first prompt to exit.
	Duration time.Duration
}

// ChatUI renders the interactive agent session.
//
// Description:
//
//	ChatUI is the display half of the CLI: the engine reports progress
//	through events, the TurnRenderer translates them into these calls,
//	and implementations decide how each looks for the active
//	personality level. Machine personality emits stable PREFIX: lines
//	for scripting; full personality uses the active lipgloss theme.
//
// Thread Safety:
//
//	Implementations are not safe for concurrent use. The renderer
//	serializes calls.
type ChatUI interface {
	// Header displays the session header once at startup.
	Header(config HeaderConfig)

	// Prompt returns the styled input prompt string.
	Prompt() string

	// Response displays a final assistant response.
	Response(answer string)

	// Plan displays a generated plan awaiting approval. The text already
	// ends with the approval prompt.
	Plan(planText string)

	// Thought displays one model reasoning part.
	Thought(text string)

	// ToolStarted announces a tool invocation.
	ToolStarted(name string)

	// ToolFinished reports a finished tool invocation. errMsg is empty
	// on success.
	ToolFinished(name, status string, duration time.Duration, retries int, errMsg string)

	// RetryNotice announces an upcoming transport retry.
	RetryNotice(attempt int, backoff time.Duration, reason string)

	// BreakerNotice reports a tripped attempt guard.
	BreakerNotice(reason string, elapsed time.Duration)

	// TurnStats prints per-turn counters after a completed turn.
	TurnStats(llmCalls, toolCalls, retries int, duration time.Duration)

	// Error displays an agent error.
	Error(err error)

	// SessionResume displays session resume information.
	SessionResume(sessionID string, turnCount int)

	// SessionEnd displays the end-of-session summary. stats may be nil
	// when nothing was accumulated.
	SessionEnd(sessionID string, stats *SessionStats)
}

// terminalChatUI implements ChatUI for terminal output
type terminalChatUI struct {
	writer      io.Writer
	personality PersonalityLevel
}

// NewChatUI creates a ChatUI writing to stdout with the current personality.
func NewChatUI() ChatUI {
	return &terminalChatUI{
		writer:      os.Stdout,
		personality: GetPersonality().Level,
	}
}

// NewChatUIWithWriter creates a ChatUI with a custom writer and personality.
// Used by tests and by the TUI, which redirects output into its viewport.
func NewChatUIWithWriter(w io.Writer, personality PersonalityLevel) ChatUI {
	return &terminalChatUI{
		writer:      w,
		personality: personality,
	}
}

func (u *terminalChatUI) write(format string, args ...interface{}) {
	fmt.Fprintf(u.writer, format, args...)
}

func (u *terminalChatUI) writeln(args ...interface{}) {
	fmt.Fprintln(u.writer, args...)
}

// Header displays the session header once at startup.
func (u *terminalChatUI) Header(config HeaderConfig) {
	switch u.personality {
	case PersonalityMachine:
		u.headerMachine(config)
	case PersonalityMinimal:
		u.headerMinimal(config)
	default:
		u.headerFull(config)
	}
}

func (u *terminalChatUI) headerMachine(config HeaderConfig) {
	u.write("SESSION: agent=%s provider=%s model=%s", config.AgentName, config.Provider, config.Model)
	if config.SessionID != "" {
		u.write(" session_id=%s", config.SessionID)
	}
	if config.SessionSaving {
		u.write(" saving=true")
	}
	u.write(" tools=%d planning=%t", config.ToolCount, config.PlanningEnabled)
	if config.InputFile != "" {
		u.write(" input_file=%s", config.InputFile)
	}
	u.writeln()
}

func (u *terminalChatUI) headerMinimal(config HeaderConfig) {
	u.write("%s %s (%s/%s)\n", IconChat.Render(), config.AgentName, config.Provider, config.Model)
	if config.SessionID != "" {
		u.write("session: %s\n", config.SessionID)
	}
}

func (u *terminalChatUI) headerFull(config HeaderConfig) {
	var content strings.Builder

	content.WriteString(fmt.Sprintf("%s  %s\n",
		Styles.Muted.Render("agent:"),
		Styles.Highlight.Render(config.AgentName)))
	content.WriteString(fmt.Sprintf("%s  %s %s\n",
		Styles.Muted.Render("model:"),
		Styles.Subtitle.Render(config.Model),
		Styles.Muted.Render("via "+config.Provider)))

	details := make([]string, 0, 3)
	if config.ToolCount > 0 {
		details = append(details, fmt.Sprintf("%d tools", config.ToolCount))
	}
	if config.PlanningEnabled {
		details = append(details, "planning on")
	}
	if config.SessionSaving {
		details = append(details, "session saving on")
	}
	if len(details) > 0 {
		content.WriteString(Styles.Muted.Render(strings.Join(details, ", ")))
		content.WriteString("\n")
	}
	if config.SessionID != "" {
		content.WriteString(fmt.Sprintf("%s  %s\n",
			Styles.Muted.Render("session:"),
			Styles.Subtitle.Render(config.SessionID)))
	}
	if config.InputFile != "" {
		content.WriteString(fmt.Sprintf("%s  %s\n",
			Styles.Muted.Render("input:"),
			Styles.Subtitle.Render(config.InputFile)))
	}
	content.WriteString("\n")
	content.WriteString(Styles.Muted.Render(`Type "exit" to quit.`))

	u.writeln(Styles.Box.Width(60).Render(
		Styles.Title.Render("agentcore") + "\n\n" + content.String()))
}

// Prompt returns the styled input prompt string.
func (u *terminalChatUI) Prompt() string {
	if u.personality == PersonalityMachine {
		return "> "
	}
	return Styles.Highlight.Render(string(IconChat) + " ")
}

// Response displays a final assistant response.
func (u *terminalChatUI) Response(answer string) {
	if u.personality == PersonalityMachine {
		u.write("RESPONSE: %s\n", answer)
		return
	}
	u.writeln()
	u.writeln(RenderMarkdown(answer))
}

// Plan displays a generated plan awaiting approval.
func (u *terminalChatUI) Plan(planText string) {
	if u.personality == PersonalityMachine {
		u.write("PLAN_PENDING: %s\n", planText)
		return
	}
	u.writeln()
	if u.personality == PersonalityMinimal {
		u.write("%s plan pending approval\n%s\n", IconPlan.Render(), planText)
		return
	}
	boxStyle := Styles.InfoBox.Width(68)
	titleLine := Styles.Title.Render("Proposed Plan")
	u.writeln(boxStyle.Render(titleLine + "\n\n" + RenderMarkdown(planText)))
}

// Thought displays one model reasoning part.
func (u *terminalChatUI) Thought(text string) {
	switch u.personality {
	case PersonalityMachine:
		u.write("THOUGHT: %s\n", text)
	case PersonalityMinimal:
		// Reasoning is noise at this level.
	default:
		u.write("%s %s\n", IconThought.Render(), Styles.Thought.Render(text))
	}
}

// ToolStarted announces a tool invocation.
func (u *terminalChatUI) ToolStarted(name string) {
	switch u.personality {
	case PersonalityMachine:
		u.write("TOOL_START: %s\n", name)
	default:
		u.write("%s %s %s\n", IconTool.Render(), name, Styles.Muted.Render("running"))
	}
}

// ToolFinished reports a finished tool invocation.
func (u *terminalChatUI) ToolFinished(name, status string, duration time.Duration, retries int, errMsg string) {
	if u.personality == PersonalityMachine {
		u.write("TOOL_END: %s status=%s duration=%s retries=%d", name, status, formatDuration(duration), retries)
		if errMsg != "" {
			u.write(" error=%q", errMsg)
		}
		u.writeln()
		return
	}

	if errMsg != "" {
		u.write("%s %s %s\n", IconError.Render(), name, Styles.Error.Render(errMsg))
		return
	}
	detail := formatDuration(duration)
	if retries > 0 {
		detail = fmt.Sprintf("%s, %d retries", detail, retries)
	}
	u.write("%s %s %s\n", IconSuccess.Render(), name, Styles.Muted.Render("("+detail+")"))
}

// RetryNotice announces an upcoming transport retry.
func (u *terminalChatUI) RetryNotice(attempt int, backoff time.Duration, reason string) {
	if u.personality == PersonalityMachine {
		u.write("RETRY: attempt=%d backoff=%s reason=%q\n", attempt, formatDuration(backoff), reason)
		return
	}
	u.write("%s %s\n", IconWarning.Render(),
		Styles.Warning.Render(fmt.Sprintf("retrying (attempt %d) in %s: %s",
			attempt, formatDuration(backoff), truncate(reason, 80))))
}

// BreakerNotice reports a tripped attempt guard.
func (u *terminalChatUI) BreakerNotice(reason string, elapsed time.Duration) {
	if u.personality == PersonalityMachine {
		u.write("BREAKER: reason=%s elapsed=%s\n", reason, formatDuration(elapsed))
		return
	}
	u.write("%s %s\n", IconWarning.Render(),
		Styles.Warning.Render(fmt.Sprintf("attempt stopped by %s guard after %s",
			reason, formatDuration(elapsed))))
}

// TurnStats prints per-turn counters after a completed turn.
func (u *terminalChatUI) TurnStats(llmCalls, toolCalls, retries int, duration time.Duration) {
	switch u.personality {
	case PersonalityMachine:
		u.write("TURN: llm_calls=%d tool_calls=%d retries=%d duration=%s\n",
			llmCalls, toolCalls, retries, formatDuration(duration))
	case PersonalityMinimal:
		// Counters are noise at this level.
	default:
		parts := []string{
			fmt.Sprintf("%d model calls", llmCalls),
			fmt.Sprintf("%d tools", toolCalls),
		}
		if retries > 0 {
			parts = append(parts, fmt.Sprintf("%d retries", retries))
		}
		parts = append(parts, formatDuration(duration))
		u.writeln(Styles.Muted.Render("  " + strings.Join(parts, " | ")))
	}
}

// Error displays an agent error.
func (u *terminalChatUI) Error(err error) {
	if u.personality == PersonalityMachine {
		u.write("ERROR: %v\n", err)
		return
	}
	u.write("%s %s\n", IconError.Render(), Styles.Error.Render(fmt.Sprintf("agent error: %v", err)))
}

// SessionResume displays session resume information.
func (u *terminalChatUI) SessionResume(sessionID string, turnCount int) {
	if u.personality == PersonalityMachine {
		u.write("SESSION_RESUME: id=%s turns=%d\n", sessionID, turnCount)
		return
	}
	u.write("%s %s\n", IconSuccess.Render(),
		Styles.Success.Render(fmt.Sprintf("resumed session %s (%d turns)", sessionID, turnCount)))
}

// SessionEnd displays the end-of-session summary.
func (u *terminalChatUI) SessionEnd(sessionID string, stats *SessionStats) {
	switch u.personality {
	case PersonalityMachine:
		u.sessionEndMachine(sessionID, stats)
	case PersonalityMinimal:
		u.sessionEndMinimal(sessionID, stats)
	default:
		u.sessionEndFull(sessionID, stats)
	}
}

func (u *terminalChatUI) sessionEndMachine(sessionID string, stats *SessionStats) {
	u.write("SESSION_END: id=%s", sessionID)
	if stats != nil {
		u.write(" turns=%d llm_calls=%d tool_calls=%d retries=%d prompt_tokens=%d completion_tokens=%d duration=%s",
			stats.Turns, stats.LLMCalls, stats.ToolCalls, stats.Retries,
			stats.PromptTokens, stats.CompletionTokens, formatDuration(stats.Duration))
	}
	u.writeln()
}

func (u *terminalChatUI) sessionEndMinimal(sessionID string, stats *SessionStats) {
	if sessionID != "" {
		u.write("%s session %s\n", IconSuccess.Render(), sessionID)
	}
	if stats != nil {
		u.write("%d turns in %s\n", stats.Turns, formatDuration(stats.Duration))
	}
}

func (u *terminalChatUI) sessionEndFull(sessionID string, stats *SessionStats) {
	u.writeln()

	var content strings.Builder

	content.WriteString(Styles.Subtitle.Render("Session Summary"))
	content.WriteString("\n\n")

	if sessionID != "" {
		content.WriteString(fmt.Sprintf("  %s  %s\n",
			Styles.Muted.Render("ID:"),
			Styles.Highlight.Render(sessionID)))
	}

	if stats != nil {
		content.WriteString("\n")
		content.WriteString(fmt.Sprintf("  %s  %d turns, %d model calls\n",
			IconChat.Render(), stats.Turns, stats.LLMCalls))
		content.WriteString(fmt.Sprintf("  %s  %d tool invocations\n",
			IconTool.Render(), stats.ToolCalls))
		if stats.Retries > 0 {
			content.WriteString(fmt.Sprintf("  %s  %d retries\n",
				IconWarning.Render(), stats.Retries))
		}
		if stats.PromptTokens > 0 || stats.CompletionTokens > 0 {
			content.WriteString(fmt.Sprintf("  %s  %d prompt / %d completion tokens\n",
				IconInfo.Render(), stats.PromptTokens, stats.CompletionTokens))
		}
		content.WriteString(fmt.Sprintf("  %s  %s session duration\n",
			IconTime.Render(), formatDuration(stats.Duration)))
	}

	if sessionID != "" {
		content.WriteString("\n")
		content.WriteString(Styles.Muted.Render("  Resume this session:"))
		content.WriteString("\n")
		content.WriteString(fmt.Sprintf("  %s\n",
			Styles.Success.Render(fmt.Sprintf("agentcore run --session-id %s", sessionID))))
	}

	// Width 68 accommodates the resume command with a UUID session ID.
	u.writeln(Styles.Box.Width(68).Render(content.String()))
	u.writeln(Styles.Muted.Render("Goodbye."))
}

// truncate shortens s to maxLen, replacing the tail with "..." when it cuts.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration for human-readable display.
//
//	formatDuration(500*time.Millisecond) // "500ms"
//	formatDuration(5*time.Second)        // "5.0s"
//	formatDuration(90*time.Second)       // "1m 30s"
//	formatDuration(2*time.Hour)          // "2h 0m"
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

var _ ChatUI = (*terminalChatUI)(nil)
