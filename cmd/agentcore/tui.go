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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/agentcore/pkg/ux"
	"github.com/AleutianAI/agentcore/services/agent"
	"github.com/AleutianAI/agentcore/services/agent/events"
	"github.com/AleutianAI/agentcore/services/agent/session"
)

// =============================================================================
// Messages
// =============================================================================

// engineEventMsg wraps an engine event forwarded into the program via
// Program.Send.
type engineEventMsg struct {
	event *events.Event
}

// turnDoneMsg reports the outcome of a ProcessMessage call, including
// the per-turn session save that runs on the same goroutine.
type turnDoneMsg struct {
	result  *agent.Result
	err     error
	saveErr error
}

// =============================================================================
// Session Handles
// =============================================================================

// tuiSession carries the persistence handles the run command wires up
// when session saving is enabled. A nil store disables saving.
type tuiSession struct {
	store        *session.Store
	bridge       *agent.LegacyBridge
	sessionID    string
	resumedTurns int
}

// save persists the completed turn. Uses a background context so a
// teardown in progress cannot abort the write.
func (s tuiSession) save(header ux.HeaderConfig, result *agent.Result) error {
	if s.store == nil || s.bridge == nil {
		return nil
	}
	rec := &session.Record{
		ID:        s.sessionID,
		AgentName: header.AgentName,
		Model:     header.Model,
		TurnCount: result.TurnNumber,
		State:     s.bridge.Snapshot(),
	}
	return s.store.Save(context.Background(), rec)
}

// =============================================================================
// Model
// =============================================================================

// chatModel is the bubbletea model for the full-screen chat.
//
// # Description
//
// The layout is a fixed header, a scrolling transcript viewport, a
// status line, and a text input. Engine events arrive as
// engineEventMsg and append styled lines to the transcript; the turn
// itself runs in a command goroutine so the event loop stays
// responsive.
//
// # Thread Safety
//
// All state lives in the model and is mutated only inside Update.
// The turn goroutine touches nothing but the agent and the session
// handles, both of which are safe for concurrent use.
type chatModel struct {
	ctx    context.Context
	cancel context.CancelFunc
	agent  *agent.Agent
	header ux.HeaderConfig
	sess   tuiSession

	// wg tracks the in-flight turn so the caller can wait for it to
	// unwind before the agent shuts down.
	wg *sync.WaitGroup

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model

	lines  []string
	status string
	stats  ux.SessionStats
	start  time.Time

	width  int
	height int

	showThoughts bool
	ready        bool
	busy         bool
	quitting     bool
	interrupted  bool
}

// Layout constants: header plus separator above the viewport, then
// separator, status line, and input below it.
const (
	tuiHeaderHeight = 2
	tuiFooterHeight = 3
)

func newChatModel(ctx context.Context, cancel context.CancelFunc, a *agent.Agent, header ux.HeaderConfig, sess tuiSession, wg *sync.WaitGroup) chatModel {
	ti := textinput.New()
	ti.Prompt = string(ux.IconChat) + " "
	ti.PromptStyle = ux.Styles.Highlight
	ti.Placeholder = "type a message"
	ti.PlaceholderStyle = ux.Styles.Muted
	ti.CharLimit = 4096
	ti.Focus()

	sp := spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(ux.Styles.Highlight),
	)

	var lines []string
	if sess.resumedTurns > 0 {
		lines = append(lines,
			ux.Styles.Muted.Render(fmt.Sprintf("resumed session %s (%d turns)", sess.sessionID, sess.resumedTurns)))
	}

	return chatModel{
		ctx:          ctx,
		cancel:       cancel,
		agent:        a,
		header:       header,
		sess:         sess,
		wg:           wg,
		input:        ti,
		spin:         sp,
		lines:        lines,
		start:        time.Now(),
		showThoughts: ux.GetPersonality().ShowThoughts,
	}
}

// Init implements tea.Model.
func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		viewportHeight := max(m.height-tuiHeaderHeight-tuiFooterHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(m.width, viewportHeight)
			m.viewport.YPosition = tuiHeaderHeight
			m.ready = true
			m.refreshTranscript()
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = viewportHeight
		}
		m.input.Width = max(m.width-6, 20)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.interrupted = true
			m.quitting = true
			m.cancel()
			return m, tea.Quit

		case tea.KeyCtrlD:
			// EOF semantics: quit cleanly when the input is empty,
			// otherwise let textinput treat it as delete-forward.
			if m.input.Value() == "" {
				m.quitting = true
				return m, tea.Quit
			}

		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if isExitCommand(text) {
				m.quitting = true
				return m, tea.Quit
			}
			m.appendUserLine(text)
			m.input.Reset()
			m.busy = true
			m.status = "thinking"
			return m, tea.Batch(m.spin.Tick, m.startTurn(text))

		case tea.KeyPgUp:
			m.viewport.HalfViewUp()
			return m, nil

		case tea.KeyPgDown:
			m.viewport.HalfViewDown()
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case engineEventMsg:
		m.handleEngineEvent(msg.event)
		return m, nil

	case turnDoneMsg:
		m.busy = false
		m.status = ""
		if msg.err != nil {
			if m.ctx.Err() != nil || errors.Is(msg.err, agent.ErrCanceled) {
				m.interrupted = true
				m.quitting = true
				return m, tea.Quit
			}
			m.appendLine(ux.IconError.Render() + " " + ux.Styles.Error.Render(msg.err.Error()))
		}
		if msg.saveErr != nil {
			m.appendLine(ux.IconWarning.Render() + " " +
				ux.Styles.Warning.Render("session save failed: "+msg.saveErr.Error()))
		}
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
func (m chatModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.separator())
	b.WriteString("\n")
	b.WriteString(m.statusView())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

// =============================================================================
// Turn Dispatch
// =============================================================================

// startTurn runs the turn off the event loop. The session save happens
// on the same goroutine so the snapshot sees the completed turn.
func (m chatModel) startTurn(text string) tea.Cmd {
	m.wg.Add(1)
	return func() tea.Msg {
		defer m.wg.Done()
		result, err := m.agent.ProcessMessage(m.ctx, text)
		msg := turnDoneMsg{result: result, err: err}
		if err == nil && result != nil {
			msg.saveErr = m.sess.save(m.header, result)
		}
		return msg
	}
}

// =============================================================================
// Event Handling
// =============================================================================

// handleEngineEvent appends transcript lines for display-worthy events
// and keeps the status line and stats current. Mirrors what the plain
// renderer shows, restyled for the viewport.
func (m *chatModel) handleEngineEvent(event *events.Event) {
	switch event.Type {
	case events.TypeLLMRequest:
		data, ok := event.Data.(events.LLMRequestData)
		if !ok {
			return
		}
		if data.Attempt == 0 {
			m.status = "thinking"
		} else {
			m.status = fmt.Sprintf("thinking (attempt %d)", data.Attempt+1)
		}

	case events.TypeLLMResponse:
		data, ok := event.Data.(events.LLMResponseData)
		if !ok {
			return
		}
		m.stats.PromptTokens += data.PromptTokens
		m.stats.CompletionTokens += data.CandidateTokens

	case events.TypeThought:
		data, ok := event.Data.(events.ThoughtData)
		if !ok || !m.showThoughts {
			return
		}
		m.appendLine(ux.Styles.Thought.Render(string(ux.IconThought) + " " + data.Text))

	case events.TypeToolCall:
		data, ok := event.Data.(events.ToolCallData)
		if !ok {
			return
		}
		m.appendLine(ux.Styles.Subtitle.Render(string(ux.IconTool) + " " + data.ToolName))
		m.status = "running " + data.ToolName

	case events.TypeToolResult:
		data, ok := event.Data.(events.ToolResultData)
		if !ok {
			return
		}
		m.appendLine(formatToolResult(data))
		m.status = "thinking"

	case events.TypeRetry:
		data, ok := event.Data.(events.RetryData)
		if !ok {
			return
		}
		m.appendLine(ux.IconWarning.Render() + " " + ux.Styles.Warning.Render(
			fmt.Sprintf("retry %d in %s: %s", data.Attempt, data.Backoff.Round(100*time.Millisecond), data.Reason)))
		m.status = "waiting to retry"

	case events.TypeCircuitBreaker:
		data, ok := event.Data.(events.CircuitBreakerData)
		if !ok {
			return
		}
		m.appendLine(ux.IconError.Render() + " " +
			ux.Styles.Error.Render("circuit breaker tripped: "+data.Reason))

	case events.TypeResponse:
		data, ok := event.Data.(events.ResponseData)
		if !ok {
			return
		}
		if data.PlanPending {
			title := ux.Styles.Subtitle.Bold(true).Render(string(ux.IconPlan) + " plan pending approval")
			m.appendLine(ux.Styles.InfoBox.Render(title + "\n\n" + ux.RenderMarkdown(data.Text)))
		} else {
			m.appendLine(ux.RenderMarkdown(data.Text))
		}

	case events.TypeTurnCompleted:
		data, ok := event.Data.(events.TurnCompletedData)
		if !ok {
			return
		}
		m.stats.Turns++
		m.stats.LLMCalls += data.LLMCalls
		m.stats.ToolCalls += data.ToolCalls
		m.stats.Retries += data.Retries
		m.appendLine(ux.Styles.Muted.Render(fmt.Sprintf(
			"%d llm calls, %d tools, %d retries in %s",
			data.LLMCalls, data.ToolCalls, data.Retries, data.Duration.Round(100*time.Millisecond))))
	}
}

// formatToolResult matches the plain renderer: errors dominate, a
// clean result shows duration and retry count.
func formatToolResult(data events.ToolResultData) string {
	if data.Error != "" {
		return fmt.Sprintf("%s %s %s",
			ux.IconError.Render(), data.ToolName, ux.Styles.Error.Render(data.Error))
	}
	detail := data.Duration.Round(time.Millisecond).String()
	if data.RetryCount > 0 {
		detail = fmt.Sprintf("%s, %d retries", detail, data.RetryCount)
	}
	return fmt.Sprintf("%s %s %s",
		ux.IconSuccess.Render(), data.ToolName, ux.Styles.Muted.Render("("+detail+")"))
}

// =============================================================================
// Transcript
// =============================================================================

func (m *chatModel) appendUserLine(text string) {
	// Blank line between turns keeps the transcript scannable.
	if len(m.lines) > 0 {
		m.lines = append(m.lines, "")
	}
	m.lines = append(m.lines, ux.Styles.Bold.Render(string(ux.IconChat)+" "+text))
	m.refreshTranscript()
}

func (m *chatModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.refreshTranscript()
}

func (m *chatModel) refreshTranscript() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// =============================================================================
// Chrome
// =============================================================================

func (m chatModel) headerView() string {
	details := make([]string, 0, 4)
	details = append(details, m.header.Provider+"/"+m.header.Model)
	if m.header.ToolCount > 0 {
		details = append(details, fmt.Sprintf("%d tools", m.header.ToolCount))
	}
	if m.header.PlanningEnabled {
		details = append(details, "planning on")
	}
	if m.header.SessionSaving {
		details = append(details, "session "+m.header.SessionID)
	}
	title := ux.Styles.Title.Render(m.header.AgentName) + "  " +
		ux.Styles.Muted.Render(strings.Join(details, ", "))
	return title + "\n" + m.separator()
}

func (m chatModel) statusView() string {
	if m.busy {
		return m.spin.View() + " " + ux.Styles.Muted.Render(m.status)
	}
	return ux.Styles.Muted.Render("enter sends, pgup/pgdn scrolls, exit or ctrl+d quits")
}

func (m chatModel) separator() string {
	return ux.Styles.Muted.Render(strings.Repeat("─", max(m.width, 1)))
}

// =============================================================================
// Program Runner
// =============================================================================

// runTUI drives the full-screen chat and blocks until it exits.
//
// Description:
//
//	The engine emitter is bridged into the program with Program.Send,
//	so transcript updates arrive while the turn goroutine is still
//	running. Cancellation of ctx (SIGINT in the run command) kills the
//	program; ctrl+c inside the raw-mode terminal arrives as a key
//	event instead and is mapped to the same interrupted exit. Either
//	way the in-flight turn is canceled and waited for, so the agent
//	never shuts down beneath a live ProcessMessage call.
func runTUI(ctx context.Context, a *agent.Agent, header ux.HeaderConfig, sess tuiSession) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	m := newChatModel(turnCtx, cancel, a, header, sess, &wg)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	subID := a.Emitter().Subscribe(func(event *events.Event) {
		p.Send(engineEventMsg{event: event})
	},
		events.TypeLLMRequest, events.TypeLLMResponse, events.TypeThought,
		events.TypeToolCall, events.TypeToolResult, events.TypeRetry,
		events.TypeCircuitBreaker, events.TypeResponse, events.TypeTurnCompleted,
	)
	defer a.Emitter().Unsubscribe(subID)

	finalModel, runErr := p.Run()
	cancel()
	wg.Wait()

	fm, ok := finalModel.(chatModel)
	if ok && fm.ready {
		stats := fm.stats
		stats.Duration = time.Since(fm.start)
		endID := ""
		if sess.store != nil {
			endID = sess.sessionID
		}
		ui := ux.NewChatUI()
		if stats.Turns == 0 && endID == "" {
			ui.SessionEnd("", nil)
		} else {
			ui.SessionEnd(endID, &stats)
		}
	}

	if runErr != nil {
		if ctx.Err() != nil || errors.Is(runErr, tea.ErrProgramKilled) {
			return errInterrupted
		}
		return runErr
	}
	if (ok && fm.interrupted) || ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}
