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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Input Readers
// =============================================================================

// InputReader abstracts where user messages come from, so the chat loop
// runs the same against a terminal, a piped stdin, an input file, or a
// scripted test sequence.
type InputReader interface {
	// ReadLine blocks until one line of input is available and returns
	// it with surrounding whitespace trimmed. io.EOF means the source
	// is exhausted.
	ReadLine() (string, error)
}

// PromptingInputReader is an InputReader that renders the prompt itself.
// The chat loop sets the prompt instead of printing it.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// newInputReader picks the reader for the run flags: an input file when
// given, the interactive reader on a TTY, and plain stdin otherwise.
func newInputReader(inputFilePath string) (InputReader, error) {
	if inputFilePath != "" {
		return NewFileInputReader(inputFilePath)
	}
	return NewInteractiveInputReader(defaultMaxHistory), nil
}

// defaultMaxHistory bounds the interactive reader's history buffer.
const defaultMaxHistory = 100

// isExitCommand reports whether input ends the chat loop.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// =============================================================================
// StdinReader
// =============================================================================

// StdinReader reads newline-terminated input from stdin. It is the
// fallback for piped input and non-TTY environments.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a StdinReader over os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

// ReadLine reads one line, trimmed. Returns io.EOF when stdin closes.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && strings.TrimSpace(line) != "" {
			// Final line without a trailing newline still counts.
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// FileInputReader
// =============================================================================

// FileInputReader feeds newline-delimited messages from a file, one per
// ReadLine call. Blank lines and #-comment lines are skipped so input
// scripts can be annotated. EOF after the last message ends the loop
// with exit code 0.
type FileInputReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewFileInputReader opens the input file for reading.
func NewFileInputReader(path string) (*FileInputReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &FileInputReader{file: f, scanner: scanner}, nil
}

// ReadLine returns the next message from the file, or io.EOF.
func (r *FileInputReader) ReadLine() (string, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close releases the underlying file.
func (r *FileInputReader) Close() error {
	return r.file.Close()
}

// =============================================================================
// InteractiveInputReader
// =============================================================================

// InteractiveInputReader provides line editing and up-arrow history on a
// TTY. Each ReadLine runs a short-lived bubbletea program on stderr so
// stdout stays clean for responses.
type InteractiveInputReader struct {
	history      []string
	historyIndex int
	maxHistory   int
	prompt       string
}

// inputModel is the bubbletea model for one line of interactive input.
type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	currentInput string // preserved while navigating history
	done         bool
	cancelled    bool
}

// NewInteractiveInputReader creates an interactive reader with history.
// Non-TTY stdin (pipes, CI) falls back to a StdinReader.
//
// The reader does not print the prompt itself on submit; the chat loop
// echoes the submitted line, since bubbletea clears its render area on
// exit.
func NewInteractiveInputReader(maxHistory int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewStdinReader()
	}
	return &InteractiveInputReader{
		history:      make([]string, 0, maxHistory),
		historyIndex: -1,
		maxHistory:   maxHistory,
		prompt:       "> ",
	}
}

// SetPrompt implements PromptingInputReader.
func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// ReadLine reads one line with history navigation.
//
// Keys: Enter submits, Up/Down navigate history, Ctrl+C clears the
// current line, Ctrl+D on an empty line returns io.EOF.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := inputModel{
		textInput:    ti,
		history:      r.history,
		historyIndex: -1,
	}

	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}

	if result.cancelled && result.textInput.Value() == "" {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.addToHistory(input)
	}
	return input, nil
}

// addToHistory appends input, skipping immediate duplicates and
// trimming to maxHistory.
func (r *InteractiveInputReader) addToHistory(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// Init implements tea.Model.
func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.cancelled = true
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			if m.historyIndex == -1 {
				m.currentInput = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.textInput.SetValue(m.currentInput)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}

// =============================================================================
// MockInputReader (for testing)
// =============================================================================

// MockInputReader returns a fixed input sequence, then io.EOF. It lets
// chat loop tests run without a terminal.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a reader over the given inputs.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

// ReadLine returns the next input, or io.EOF when exhausted.
func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	input := m.inputs[m.index]
	m.index++
	return input, nil
}
