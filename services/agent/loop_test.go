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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/agentcore/pkg/extensions"
	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/services/agent/events"
	"github.com/AleutianAI/agentcore/services/agent/llm"
	"github.com/AleutianAI/agentcore/services/agent/planning"
	"github.com/AleutianAI/agentcore/services/agent/tools"
)

// ======
// Test doubles
// ======

// scriptedReply is one canned transport outcome: a response or an error.
type scriptedReply struct {
	resp *llm.Response
	err  error
}

// scriptedClient replays a fixed reply sequence and records every request
// it receives. Its token counter succeeds so the agent binds the native
// counting tier and tests stay deterministic and offline.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []*llm.Request
	closed   bool
}

func newScriptedClient(replies ...scriptedReply) *scriptedClient {
	return &scriptedClient{replies: replies}
}

func (c *scriptedClient) Name() string  { return "scripted" }
func (c *scriptedClient) Model() string { return "test-model" }

func (c *scriptedClient) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.replies) == 0 {
		return nil, errors.New("scripted transport has no reply left")
	}
	next := c.replies[0]
	c.replies = c.replies[1:]
	return next.resp, next.err
}

func (c *scriptedClient) CountTokens(_ context.Context, _ string, text string) (int, error) {
	return len(text) / 4, nil
}

func (c *scriptedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// requestCount returns how many Generate calls the client served.
func (c *scriptedClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// request returns the i-th recorded request.
func (c *scriptedClient) request(i int) *llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func textReply(text string) scriptedReply {
	return scriptedReply{resp: &llm.Response{Parts: []llm.Part{llm.TextPart(text)}}}
}

func partsReply(parts ...llm.Part) scriptedReply {
	return scriptedReply{resp: &llm.Response{Parts: parts}}
}

func callReply(name string, args map[string]any) scriptedReply {
	return scriptedReply{resp: &llm.Response{
		Parts: []llm.Part{{FunctionCall: &llm.FunctionCall{Name: name, Args: args}}},
	}}
}

func errorReply(msg string) scriptedReply {
	return scriptedReply{err: errors.New(msg)}
}

// fakeTool is a scriptable Tool whose behavior each test supplies.
type fakeTool struct {
	name   string
	params []tools.ParamDef

	mu    sync.Mutex
	calls []map[string]any
	fn    func(ctx context.Context, args map[string]any, tctx *tools.ToolContext) (any, error)
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Definition() tools.Definition {
	return tools.Definition{Name: f.name, Description: "test tool", Params: f.params}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]any, tctx *tools.ToolContext) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.fn == nil {
		return "ok", nil
	}
	return f.fn(ctx, args, tctx)
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTool) call(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// ======
// Helpers
// ======

// testConfig returns a config with planning off and no retries so each
// test opts into exactly the machinery it exercises.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.MaxRetries = 0
	cfg.Planning = planning.Config{Enabled: false}
	return cfg
}

// newTestAgent builds an agent over the scripted transport with a quiet
// logger and no-op retry timing. Tests that assert on backoff re-swap
// sleep and jitter themselves.
func newTestAgent(t *testing.T, cfg Config, client llm.Client, registry *tools.Registry) *Agent {
	t.Helper()
	if registry == nil {
		registry = tools.NewRegistry(nil)
	}
	a, err := NewAgent(cfg, client, registry,
		WithLogger(logging.New(logging.Config{Quiet: true})))
	require.NoError(t, err)
	a.sleep = func(context.Context, time.Duration) error { return nil }
	a.jitter = func() float64 { return 0.5 }
	return a
}

// bufferTypes lists the emitted event types in order. Phase-change events
// are dropped unless includePhases is set; they are routing noise for
// most assertions.
func bufferTypes(a *Agent, includePhases bool) []events.Type {
	var out []events.Type
	for _, ev := range a.Emitter().Buffer() {
		if !includePhases && ev.Type == events.TypePhaseChanged {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

// eventsOfType filters the emitter buffer by type.
func eventsOfType(a *Agent, t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range a.Emitter().Buffer() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// ======
// Construction
// ======

// TestNewAgentValidation verifies the constructor rejects missing
// collaborators and wires the accessors when given valid ones.
func TestNewAgentValidation(t *testing.T) {
	registry := tools.NewRegistry(nil)

	_, err := NewAgent(testConfig(), nil, registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")

	_, err = NewAgent(testConfig(), newScriptedClient(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry")

	a, err := NewAgent(testConfig(), newScriptedClient(), registry)
	require.NoError(t, err)
	assert.NotNil(t, a.Emitter())
	assert.NotNil(t, a.StateManager())
	assert.NotNil(t, a.ContextManager())
	assert.NotNil(t, a.PlanningManager())
	assert.NotNil(t, a.Orchestrator())
	assert.NotNil(t, a.Counter())
}

// TestAgentClose verifies Close releases the transport.
func TestAgentClose(t *testing.T) {
	client := newScriptedClient()
	a := newTestAgent(t, testConfig(), client, nil)

	require.NoError(t, a.Close())
	assert.True(t, client.closed)
}

// TestConfigWithDefaults verifies zero guard-rail values select defaults
// while explicit zero retries are preserved.
func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 0, cfg.MaxRetries, "zero retries is a valid setting")
	assert.Equal(t, defaultMaxEventsPerAttempt, cfg.MaxEventsPerAttempt)
	assert.Equal(t, defaultMaxAttemptDuration, cfg.MaxAttemptDuration)
	assert.Equal(t, defaultMaxConsecutiveErrors, cfg.MaxConsecutiveErrors)
	assert.Equal(t, defaultBasePromptMargin, cfg.BasePromptMargin)
	assert.Equal(t, defaultKeepSegments, cfg.KeepSegments)
	assert.NotEmpty(t, cfg.Instruction)
	assert.Greater(t, cfg.Context.MaxLLMTokenLimit, 0)

	cfg = Config{MaxRetries: -1}.withDefaults()
	assert.Equal(t, defaultMaxRetries, cfg.MaxRetries)
}

// ======
// Happy paths
// ======

// TestProcessMessageTextResponse verifies the plain question path: one
// model call, no tools, and a completed turn with full accounting.
func TestProcessMessageTextResponse(t *testing.T) {
	client := newScriptedClient(textReply("The listener binds port 8080."))
	a := newTestAgent(t, testConfig(), client, nil)

	res, err := a.ProcessMessage(context.Background(), "which port does the server use?")
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "The listener binds port 8080.", res.Text)
	assert.Equal(t, 1, res.TurnNumber)
	assert.Equal(t, 1, res.LLMCalls)
	assert.Equal(t, 0, res.ToolCalls)
	assert.Equal(t, 0, res.Retries)
	assert.False(t, res.PlanPending)

	// The request carries the instruction as system text, the injected
	// context block first, and the user message last.
	require.Equal(t, 1, client.requestCount())
	req := client.request(0)
	assert.NotEmpty(t, req.System)
	assert.Empty(t, req.Tools)
	require.Len(t, req.Contents, 2)
	assert.Contains(t, req.Contents[0].Text(), "[SYSTEM CONTEXT]")
	assert.Equal(t, "which port does the server use?", req.Contents[1].Text())

	snap := a.StateManager().Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, PhaseCompleted, snap.History[0].Phase)
	assert.Equal(t, "The listener binds port 8080.", snap.History[0].AgentMessage)
	assert.False(t, snap.IsNewConversation)

	want := []events.Type{
		events.TypeTurnStarted,
		events.TypeContextAssembled,
		events.TypeLLMRequest,
		events.TypeLLMResponse,
		events.TypeTurnCompleted,
		events.TypeResponse,
	}
	assert.Equal(t, want, bufferTypes(a, false))
}

// TestProcessMessageUsageAccounting verifies usage metadata accumulates
// into the result's token count.
func TestProcessMessageUsageAccounting(t *testing.T) {
	reply := scriptedReply{resp: &llm.Response{
		Parts: []llm.Part{llm.TextPart("done")},
		Usage: &llm.Usage{PromptTokens: 30, CandidateTokens: 12, TotalTokens: 42},
	}}
	a := newTestAgent(t, testConfig(), newScriptedClient(reply), nil)

	res, err := a.ProcessMessage(context.Background(), "summarize the readme")
	require.NoError(t, err)
	assert.Equal(t, 42, res.TokensUsed)

	resps := eventsOfType(a, events.TypeLLMResponse)
	require.Len(t, resps, 1)
	data, ok := resps[0].Data.(events.LLMResponseData)
	require.True(t, ok)
	assert.Equal(t, 30, data.PromptTokens)
	assert.Equal(t, 12, data.CandidateTokens)
}

// TestProcessMessageEmptyMessage verifies blank input is rejected before
// any turn starts.
func TestProcessMessageEmptyMessage(t *testing.T) {
	a := newTestAgent(t, testConfig(), newScriptedClient(), nil)

	for _, msg := range []string{"", "   ", "\t\n"} {
		res, err := a.ProcessMessage(context.Background(), msg)
		assert.ErrorIs(t, err, ErrEmptyMessage)
		assert.Nil(t, res)
	}
	assert.Equal(t, 0, a.StateManager().TurnCount())
}

// TestProcessMessageSingleWriter verifies a second concurrent call fails
// fast with a state validation error instead of queueing.
func TestProcessMessageSingleWriter(t *testing.T) {
	client := newScriptedClient(textReply("hello"))
	a := newTestAgent(t, testConfig(), client, nil)

	require.True(t, a.gate.TryAcquire(1), "gate must be free initially")
	res, err := a.ProcessMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrStateValidation)
	assert.Nil(t, res)
	a.gate.Release(1)

	res, err = a.ProcessMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
}

// TestProcessMessageHistoryCarriesForward verifies the second turn's
// request replays the first turn's exchange.
func TestProcessMessageHistoryCarriesForward(t *testing.T) {
	client := newScriptedClient(
		textReply("The config lives in config.yaml."),
		textReply("It is parsed at startup."),
	)
	a := newTestAgent(t, testConfig(), client, nil)

	_, err := a.ProcessMessage(context.Background(), "where is the config file?")
	require.NoError(t, err)
	res, err := a.ProcessMessage(context.Background(), "when is it read?")
	require.NoError(t, err)
	assert.Equal(t, 2, res.TurnNumber)

	require.Equal(t, 2, client.requestCount())
	req := client.request(1)
	var texts []string
	for _, msg := range req.Contents {
		texts = append(texts, msg.Text())
	}
	joined := strings.Join(texts, "\n")
	assert.Contains(t, joined, "where is the config file?")
	assert.Contains(t, joined, "The config lives in config.yaml.")
	assert.Contains(t, joined, "when is it read?")

	assert.Equal(t, 2, a.StateManager().TurnCount())
}

// ======
// Thoughts
// ======

// TestProcessMessageThoughts verifies thought parts surface as events but
// never as user-visible text.
func TestProcessMessageThoughts(t *testing.T) {
	t.Run("thoughts ride along with text", func(t *testing.T) {
		client := newScriptedClient(partsReply(
			llm.ThoughtPart("the user wants the port"),
			llm.TextPart("Port 8080."),
		))
		a := newTestAgent(t, testConfig(), client, nil)

		res, err := a.ProcessMessage(context.Background(), "which port?")
		require.NoError(t, err)
		assert.Equal(t, "Port 8080.", res.Text)

		thoughts := eventsOfType(a, events.TypeThought)
		require.Len(t, thoughts, 1)
		data, ok := thoughts[0].Data.(events.ThoughtData)
		require.True(t, ok)
		assert.Equal(t, "the user wants the port", data.Text)
	})

	t.Run("thought-only response is suppressed", func(t *testing.T) {
		client := newScriptedClient(partsReply(llm.ThoughtPart("nothing to say")))
		a := newTestAgent(t, testConfig(), client, nil)

		res, err := a.ProcessMessage(context.Background(), "anything?")
		require.NoError(t, err)
		assert.Empty(t, res.Text)

		responses := eventsOfType(a, events.TypeResponse)
		require.Len(t, responses, 1)
		data, ok := responses[0].Data.(events.ResponseData)
		require.True(t, ok)
		assert.Empty(t, data.Text)
	})
}

// ======
// Tool rounds
// ======

// TestProcessMessageToolRound verifies one function-call round: the tool
// executes, its result feeds back, and the follow-up call produces the
// final text.
func TestProcessMessageToolRound(t *testing.T) {
	reader := &fakeTool{
		name:   "read_file",
		params: []tools.ParamDef{{Name: "path", Type: tools.ParamTypeString, Required: true}},
		fn: func(_ context.Context, args map[string]any, _ *tools.ToolContext) (any, error) {
			return map[string]any{"content": "package main"}, nil
		},
	}
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(reader))

	client := newScriptedClient(
		callReply("read_file", map[string]any{"path": "main.go"}),
		textReply("main.go declares package main."),
	)
	a := newTestAgent(t, testConfig(), client, registry)

	res, err := a.ProcessMessage(context.Background(), "what package is main.go in?")
	require.NoError(t, err)
	assert.Equal(t, "main.go declares package main.", res.Text)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 2, res.LLMCalls)

	require.Equal(t, 1, reader.callCount())
	assert.Equal(t, "main.go", reader.call(0)["path"])

	// The first request offered the tool; the second carried the call and
	// its response back to the model.
	req0 := client.request(0)
	require.Len(t, req0.Tools, 1)
	assert.Equal(t, "read_file", req0.Tools[0].Name)

	req1 := client.request(1)
	n := len(req1.Contents)
	require.GreaterOrEqual(t, n, 2)
	assert.True(t, req1.Contents[n-2].HasFunctionCalls())
	assert.True(t, req1.Contents[n-1].HasFunctionResponses())

	calls := eventsOfType(a, events.TypeToolCall)
	require.Len(t, calls, 1)
	results := eventsOfType(a, events.TypeToolResult)
	require.Len(t, results, 1)
	data, ok := results[0].Data.(events.ToolResultData)
	require.True(t, ok)
	assert.Equal(t, "read_file", data.ToolName)
	assert.Equal(t, string(tools.StatusCompleted), data.Status)
	assert.Empty(t, data.Error)

	snap := a.StateManager().Snapshot()
	require.Len(t, snap.History, 1)
	require.Len(t, snap.History[0].ToolCalls, 1)
	require.Len(t, snap.History[0].ToolResults, 1)
	assert.Equal(t, "read_file", snap.History[0].ToolCalls[0].Name)
}

// TestProcessMessageParallelTools verifies a multi-call response
// dispatches every call and feeds all results back in submission order.
func TestProcessMessageParallelTools(t *testing.T) {
	reader := &fakeTool{
		name:   "read_file",
		params: []tools.ParamDef{{Name: "path", Type: tools.ParamTypeString, Required: true}},
		fn: func(_ context.Context, args map[string]any, _ *tools.ToolContext) (any, error) {
			return map[string]any{"content": "contents of " + args["path"].(string)}, nil
		},
	}
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(reader))

	multi := scriptedReply{resp: &llm.Response{Parts: []llm.Part{
		{FunctionCall: &llm.FunctionCall{Name: "read_file", Args: map[string]any{"path": "a.go"}}},
		{FunctionCall: &llm.FunctionCall{Name: "read_file", Args: map[string]any{"path": "b.go"}}},
	}}}
	client := newScriptedClient(multi, textReply("Both files read."))
	a := newTestAgent(t, testConfig(), client, registry)

	res, err := a.ProcessMessage(context.Background(), "compare a.go and b.go")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, 2, reader.callCount())

	results := eventsOfType(a, events.TypeToolResult)
	require.Len(t, results, 2)
	for _, ev := range results {
		data, ok := ev.Data.(events.ToolResultData)
		require.True(t, ok)
		assert.Equal(t, string(tools.StatusCompleted), data.Status)
	}
}

// TestProcessMessageToolRecovery verifies a file-not-found failure is
// retried against an alternative path without a model round trip.
func TestProcessMessageToolRecovery(t *testing.T) {
	reader := &fakeTool{
		name:   "read_file",
		params: []tools.ParamDef{{Name: "path", Type: tools.ParamTypeString, Required: true}},
		fn: func(_ context.Context, args map[string]any, _ *tools.ToolContext) (any, error) {
			path := args["path"].(string)
			if strings.Contains(path, "/src/") {
				return nil, errors.New("open " + path + ": no such file or directory")
			}
			return map[string]any{"content": "settings"}, nil
		},
	}
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(reader))

	client := newScriptedClient(
		callReply("read_file", map[string]any{"path": "/src/config.py"}),
		textReply("Read the config from /lib/config.py."),
	)
	a := newTestAgent(t, testConfig(), client, registry)

	res, err := a.ProcessMessage(context.Background(), "read the config module")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 2, res.LLMCalls)

	// First attempt hit /src/, the recovery rewrite swapped in /lib/.
	require.Equal(t, 2, reader.callCount())
	assert.Equal(t, "/src/config.py", reader.call(0)["path"])
	assert.Equal(t, "/lib/config.py", reader.call(1)["path"])

	results := eventsOfType(a, events.TypeToolResult)
	require.Len(t, results, 1)
	data, ok := results[0].Data.(events.ToolResultData)
	require.True(t, ok)
	assert.Equal(t, string(tools.StatusCompleted), data.Status)
	assert.Equal(t, 1, data.RetryCount)
}

// ======
// Retries and failure policy
// ======

// TestProcessMessageRetryableErrorRecovers verifies a transient transport
// failure backs off, shrinks the context one level, and succeeds on the
// second attempt.
func TestProcessMessageRetryableErrorRecovers(t *testing.T) {
	client := newScriptedClient(
		errorReply("503 service unavailable"),
		textReply("recovered"),
	)
	cfg := testConfig()
	cfg.MaxRetries = 2
	a := newTestAgent(t, cfg, client, nil)

	var slept []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	a.jitter = func() float64 { return 0.5 }

	res, err := a.ProcessMessage(context.Background(), "deploy status?")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 1, res.LLMCalls, "failed calls do not count")

	// Attempt 1 backoff: 2^1 seconds plus the midpoint jitter of 0.3.
	require.Len(t, slept, 1)
	assert.InDelta(t, 2.3, slept[0].Seconds(), 0.001)

	retries := eventsOfType(a, events.TypeRetry)
	require.Len(t, retries, 1)
	data, ok := retries[0].Data.(events.RetryData)
	require.True(t, ok)
	assert.Equal(t, 1, data.Attempt)
	assert.Equal(t, 1, data.ShrinkLevel)
	assert.Equal(t, "503", data.Reason)

	errs := eventsOfType(a, events.TypeError)
	require.Len(t, errs, 1)
	edata, ok := errs[0].Data.(events.ErrorData)
	require.True(t, ok)
	assert.True(t, edata.Recoverable)
}

// TestProcessMessageNonRetryableError verifies a permanent failure is
// surfaced as a user-visible message without consuming retries.
func TestProcessMessageNonRetryableError(t *testing.T) {
	client := newScriptedClient(errorReply("permission_denied: API key rejected"))
	cfg := testConfig()
	cfg.MaxRetries = 3
	a := newTestAgent(t, cfg, client, nil)

	res, err := a.ProcessMessage(context.Background(), "hello")
	require.NoError(t, err, "non-retryable failures complete the turn with a message")
	require.NotNil(t, res)
	assert.Contains(t, res.Text, "couldn't authenticate")
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 1, client.requestCount())

	snap := a.StateManager().Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, PhaseCompleted, snap.History[0].Phase)
	assert.NotEmpty(t, snap.History[0].Errors)
}

// TestProcessMessageRetriesExhausted verifies the engine gives up after
// MaxRetries and reports the failure in plain language.
func TestProcessMessageRetriesExhausted(t *testing.T) {
	client := newScriptedClient(
		errorReply("request timed out"),
		errorReply("request timed out"),
	)
	cfg := testConfig()
	cfg.MaxRetries = 1
	a := newTestAgent(t, cfg, client, nil)

	var slept int
	a.sleep = func(context.Context, time.Duration) error {
		slept++
		return nil
	}

	res, err := a.ProcessMessage(context.Background(), "fetch the report")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "I ran into an error I couldn't recover from")
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 1, slept)
	assert.Equal(t, 2, client.requestCount())
}

// TestProcessMessageShrinkEscalation verifies repeated failures walk the
// shrink ladder to emergency mode while preserving the core goal.
func TestProcessMessageShrinkEscalation(t *testing.T) {
	client := newScriptedClient(
		errorReply("500 internal error"),
		errorReply("500 internal error"),
		errorReply("500 internal error"),
		errorReply("500 internal error"),
	)
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.PreserveCoreGoalOnReset = true
	a := newTestAgent(t, cfg, client, nil)

	res, err := a.ProcessMessage(context.Background(), "migrate the billing tables")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.Retries)

	retries := eventsOfType(a, events.TypeRetry)
	require.Len(t, retries, 3)
	var levels []int
	for _, ev := range retries {
		data, ok := ev.Data.(events.RetryData)
		require.True(t, ok)
		levels = append(levels, data.ShrinkLevel)
	}
	assert.Equal(t, []int{1, 2, 3}, levels)

	// Emergency reset ran at level 3 but kept the goal.
	assert.Equal(t, "migrate the billing tables", a.ContextManager().CoreGoal())
}

// TestProcessMessageConsecutiveErrorCap verifies the uninterrupted-failure
// cap re-raises the last error instead of retrying forever.
func TestProcessMessageConsecutiveErrorCap(t *testing.T) {
	client := newScriptedClient(
		errorReply("503 service unavailable"),
		errorReply("503 service unavailable"),
	)
	cfg := testConfig()
	cfg.MaxRetries = 5
	cfg.MaxConsecutiveErrors = 2
	a := newTestAgent(t, cfg, client, nil)

	res, err := a.ProcessMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Nil(t, res)
	assert.Equal(t, 2, client.requestCount())

	// The turn completed without a user-visible response.
	assert.Empty(t, eventsOfType(a, events.TypeResponse))
	assert.Len(t, eventsOfType(a, events.TypeTurnCompleted), 1)
	assert.Equal(t, 1, a.StateManager().TurnCount())
}

// TestProcessMessageCancellation verifies caller cancellation completes
// the turn with an error note and returns ErrCanceled.
func TestProcessMessageCancellation(t *testing.T) {
	t.Run("canceled during model call", func(t *testing.T) {
		client := newScriptedClient(scriptedReply{err: context.Canceled})
		a := newTestAgent(t, testConfig(), client, nil)

		res, err := a.ProcessMessage(context.Background(), "hello")
		require.ErrorIs(t, err, ErrCanceled)
		assert.Nil(t, res)

		snap := a.StateManager().Snapshot()
		require.Len(t, snap.History, 1)
		assert.Contains(t, snap.History[0].Errors, "invocation canceled by caller")
		assert.Empty(t, eventsOfType(a, events.TypeResponse))
	})

	t.Run("canceled during backoff", func(t *testing.T) {
		client := newScriptedClient(errorReply("503 service unavailable"))
		cfg := testConfig()
		cfg.MaxRetries = 2
		a := newTestAgent(t, cfg, client, nil)
		a.sleep = func(context.Context, time.Duration) error { return context.Canceled }

		res, err := a.ProcessMessage(context.Background(), "hello")
		require.ErrorIs(t, err, ErrCanceled)
		assert.Nil(t, res)
		assert.Equal(t, 1, client.requestCount())
	})
}

// TestProcessMessageCircuitBreaker verifies the per-attempt event cap
// terminates a runaway tool loop with the complexity message.
func TestProcessMessageCircuitBreaker(t *testing.T) {
	echo := &fakeTool{
		name:   "echo",
		params: []tools.ParamDef{{Name: "text", Type: tools.ParamTypeString, Required: true}},
	}
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(echo))

	// One tool round emits enough events to cross the cap before the
	// second model call.
	client := newScriptedClient(callReply("echo", map[string]any{"text": "again"}))
	cfg := testConfig()
	cfg.MaxEventsPerAttempt = 6
	a := newTestAgent(t, cfg, client, registry)

	res, err := a.ProcessMessage(context.Background(), "loop forever")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, complexityMessage, res.Text)
	assert.Equal(t, 1, client.requestCount())

	trips := eventsOfType(a, events.TypeCircuitBreaker)
	require.Len(t, trips, 1)
	data, ok := trips[0].Data.(events.CircuitBreakerData)
	require.True(t, ok)
	assert.Equal(t, "complexity", data.Reason)
	assert.GreaterOrEqual(t, data.Events, cfg.MaxEventsPerAttempt)

	snap := a.StateManager().Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, PhaseCompleted, snap.History[0].Phase)
}

// TestBackoff verifies the exponential backoff formula and its cap.
func TestBackoff(t *testing.T) {
	a := newTestAgent(t, testConfig(), newScriptedClient(), nil)

	a.jitter = func() float64 { return 0 }
	assert.InDelta(t, 2.1, a.backoff(1).Seconds(), 0.001)
	assert.InDelta(t, 4.1, a.backoff(2).Seconds(), 0.001)
	assert.InDelta(t, 30.1, a.backoff(6).Seconds(), 0.001, "base is capped at 30s")

	a.jitter = func() float64 { return 1 }
	assert.InDelta(t, 2.5, a.backoff(1).Seconds(), 0.001)
}

// ======
// Planning protocol
// ======

// TestProcessMessagePlanningLifecycle verifies the full plan-and-approve
// flow: trigger, plan presentation, approval, and execution.
func TestProcessMessagePlanningLifecycle(t *testing.T) {
	deploy := &fakeTool{
		name:   "run_shell_command",
		params: []tools.ParamDef{{Name: "command", Type: tools.ParamTypeString, Required: true}},
	}
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(deploy))

	plan := "1. Stop the service.\n2. Apply the schema migration.\n3. Restart and verify."
	client := newScriptedClient(
		textReply(plan),
		textReply("Executed all steps."),
	)
	cfg := testConfig()
	cfg.Planning = planning.Config{Enabled: true}
	a := newTestAgent(t, cfg, client, registry)

	// Turn 1: the trigger rewrites the request into a plan prompt with
	// tools withheld.
	res, err := a.ProcessMessage(context.Background(), "plan this deployment of the billing service")
	require.NoError(t, err)
	assert.True(t, res.PlanPending)
	assert.Equal(t, plan+"\n\n"+planning.ApprovalPrompt, res.Text)
	assert.True(t, a.PlanningManager().AwaitingApproval())
	assert.Equal(t, plan, a.PlanningManager().PendingPlan())

	req0 := client.request(0)
	assert.Empty(t, req0.Tools, "plan generation must not offer tools")
	require.Len(t, req0.Contents, 1)
	assert.Contains(t, req0.Contents[0].Text(), "planning mode")
	assert.Contains(t, req0.Contents[0].Text(), "plan this deployment of the billing service")

	presented := eventsOfType(a, events.TypePlanPresented)
	require.Len(t, presented, 1)
	pdata, ok := presented[0].Data.(events.PlanData)
	require.True(t, ok)
	assert.Equal(t, plan, pdata.PlanText)

	// Turn 2: approval swaps in the execution instruction and restores
	// the tool list.
	res, err = a.ProcessMessage(context.Background(), "approve")
	require.NoError(t, err)
	assert.False(t, res.PlanPending)
	assert.Equal(t, "Executed all steps.", res.Text)
	assert.Equal(t, planning.StateIdle, a.PlanningManager().State())

	req1 := client.request(1)
	require.NotEmpty(t, req1.Contents)
	last := req1.Contents[len(req1.Contents)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Text(), "The user approved the following plan")
	assert.Contains(t, last.Text(), plan)
	assert.Len(t, req1.Tools, 1)

	assert.Len(t, eventsOfType(a, events.TypePlanApproved), 1)
	assert.Contains(t, a.ContextManager().KeyDecisions(), "user approved execution plan")

	snap := a.StateManager().Snapshot()
	require.Len(t, snap.History, 2)
	require.NotEmpty(t, snap.History[1].SystemMessages)
	assert.Contains(t, snap.History[1].SystemMessages[0], "Approved plan:")
}

// TestProcessMessagePlanFeedback verifies revision feedback is
// acknowledged without a model call and discards the pending plan.
func TestProcessMessagePlanFeedback(t *testing.T) {
	client := newScriptedClient(textReply("1. Drain the node.\n2. Upgrade the kubelet."))
	cfg := testConfig()
	cfg.Planning = planning.Config{Enabled: true}
	a := newTestAgent(t, cfg, client, nil)

	_, err := a.ProcessMessage(context.Background(), "plan this upgrade of the worker nodes")
	require.NoError(t, err)
	require.True(t, a.PlanningManager().AwaitingApproval())

	res, err := a.ProcessMessage(context.Background(), "please add a rollback step to the plan")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "revise the plan")
	assert.Equal(t, 0, res.LLMCalls, "feedback is synthesized locally")
	assert.Equal(t, 1, client.requestCount())
	assert.Equal(t, planning.StateIdle, a.PlanningManager().State())
	assert.Empty(t, a.PlanningManager().PendingPlan())

	assert.Len(t, eventsOfType(a, events.TypePlanFeedback), 1)
}

// TestProcessMessagePlanUnrelated verifies an unrelated question while a
// plan awaits approval discards the plan and is answered normally.
func TestProcessMessagePlanUnrelated(t *testing.T) {
	client := newScriptedClient(
		textReply("1. Build the image.\n2. Push to the registry."),
		textReply("Kubernetes is a container orchestrator."),
	)
	cfg := testConfig()
	cfg.Planning = planning.Config{Enabled: true}
	a := newTestAgent(t, cfg, client, nil)

	_, err := a.ProcessMessage(context.Background(), "plan this rollout of the api gateway")
	require.NoError(t, err)
	require.True(t, a.PlanningManager().AwaitingApproval())

	res, err := a.ProcessMessage(context.Background(), "what is kubernetes")
	require.NoError(t, err)
	assert.Equal(t, "Kubernetes is a container orchestrator.", res.Text)
	assert.False(t, res.PlanPending)
	assert.Equal(t, planning.StateIdle, a.PlanningManager().State())
	assert.Empty(t, a.PlanningManager().PendingPlan())
	assert.Equal(t, 2, client.requestCount())
}

// TestProcessMessagePlanFailure verifies an empty plan generation resets
// to idle with an apology instead of presenting a blank plan.
func TestProcessMessagePlanFailure(t *testing.T) {
	client := newScriptedClient(partsReply())
	cfg := testConfig()
	cfg.Planning = planning.Config{Enabled: true}
	a := newTestAgent(t, cfg, client, nil)

	res, err := a.ProcessMessage(context.Background(), "plan this migration of the data warehouse")
	require.NoError(t, err)
	assert.False(t, res.PlanPending)
	assert.Contains(t, res.Text, "wasn't able to generate a plan")
	assert.Equal(t, planning.StateIdle, a.PlanningManager().State())
}

// TestProcessMessagePlanRetryKeepsPlanPrompt verifies a transient
// transport failure during plan generation retries with the same plan
// prompt, tools still withheld, so the eventual response is the plan and
// not an ordinary answer mistaken for one.
func TestProcessMessagePlanRetryKeepsPlanPrompt(t *testing.T) {
	deploy := &fakeTool{
		name:   "run_shell_command",
		params: []tools.ParamDef{{Name: "command", Type: tools.ParamTypeString, Required: true}},
	}
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(deploy))

	plan := "1. Snapshot the orders database.\n2. Apply the migration.\n3. Verify row counts."
	client := newScriptedClient(
		errorReply("503 service unavailable"),
		textReply(plan),
	)
	cfg := testConfig()
	cfg.Planning = planning.Config{Enabled: true}
	cfg.MaxRetries = 1
	a := newTestAgent(t, cfg, client, registry)

	res, err := a.ProcessMessage(context.Background(), "plan this migration of the orders database")
	require.NoError(t, err)
	assert.True(t, res.PlanPending)
	assert.Equal(t, plan+"\n\n"+planning.ApprovalPrompt, res.Text)
	assert.Equal(t, plan, a.PlanningManager().PendingPlan())
	assert.Equal(t, planning.StateAwaitingApproval, a.PlanningManager().State())

	require.Equal(t, 2, client.requestCount())
	for i := 0; i < 2; i++ {
		req := client.request(i)
		assert.Empty(t, req.Tools, "request %d must not offer tools", i)
		require.Len(t, req.Contents, 1, "request %d is not the rewritten plan request", i)
		assert.Contains(t, req.Contents[0].Text(), "planning mode", "request %d", i)
		assert.Contains(t, req.Contents[0].Text(), "plan this migration of the orders database", "request %d", i)
	}
}

// TestProcessMessagePlanGenerationFailureResetsPlanning verifies a plan
// generation turn that fails for good returns the manager to idle, so
// the next message is not treated as a plan retry.
func TestProcessMessagePlanGenerationFailureResetsPlanning(t *testing.T) {
	client := newScriptedClient(
		errorReply("permission_denied: api key rejected"),
		textReply("The cluster has three nodes."),
	)
	cfg := testConfig()
	cfg.Planning = planning.Config{Enabled: true}
	a := newTestAgent(t, cfg, client, nil)

	res, err := a.ProcessMessage(context.Background(), "plan this rollout of the api gateway")
	require.NoError(t, err)
	assert.False(t, res.PlanPending)
	assert.Equal(t, planning.StateIdle, a.PlanningManager().State())
	assert.Empty(t, a.PlanningManager().PendingPlan())

	res, err = a.ProcessMessage(context.Background(), "what is the cluster size")
	require.NoError(t, err)
	assert.Equal(t, "The cluster has three nodes.", res.Text)
	assert.False(t, res.PlanPending)
}

// ======
// Extension hooks
// ======

// captureAuditLogger records audit events for assertions.
type captureAuditLogger struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (l *captureAuditLogger) Log(_ context.Context, event extensions.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *captureAuditLogger) Query(_ context.Context, _ extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]extensions.AuditEvent(nil), l.events...), nil
}

func (l *captureAuditLogger) Flush(context.Context) error { return nil }

func (l *captureAuditLogger) typesSeen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.EventType)
	}
	return out
}

// redactingFilter replaces a fixed needle in inputs and outputs, and
// blocks inputs containing a poison marker.
type redactingFilter struct {
	needle string
	poison string
}

func (f *redactingFilter) FilterInput(_ context.Context, message string) (*extensions.FilterResult, error) {
	if f.poison != "" && strings.Contains(message, f.poison) {
		return &extensions.FilterResult{
			Original:    message,
			WasBlocked:  true,
			BlockReason: "policy violation",
			Detections:  []extensions.Detection{{Type: "secret", Action: "blocked"}},
		}, nil
	}
	return f.redact(message), nil
}

func (f *redactingFilter) FilterOutput(_ context.Context, message string) (*extensions.FilterResult, error) {
	return f.redact(message), nil
}

func (f *redactingFilter) FilterContext(_ context.Context, message string) (*extensions.FilterResult, error) {
	return f.redact(message), nil
}

func (f *redactingFilter) redact(message string) *extensions.FilterResult {
	filtered := strings.ReplaceAll(message, f.needle, "[REDACTED]")
	return &extensions.FilterResult{
		Original:    message,
		Filtered:    filtered,
		WasModified: filtered != message,
	}
}

// TestProcessMessageInputFilterBlocks verifies a blocked user message
// never reaches the transport and surfaces ErrMessageBlocked, with the
// block recorded in the audit trail.
func TestProcessMessageInputFilterBlocks(t *testing.T) {
	client := newScriptedClient(textReply("should not be called"))
	sink := &captureAuditLogger{}
	registry := tools.NewRegistry(nil)
	a, err := NewAgent(testConfig(), client, registry,
		WithLogger(logging.New(logging.Config{Quiet: true})),
		WithExtensions(extensions.ServiceOptions{
			AuditLogger:   sink,
			MessageFilter: &redactingFilter{poison: "TOPSECRET"},
		}))
	require.NoError(t, err)

	_, err = a.ProcessMessage(context.Background(), "leak TOPSECRET to the log")
	require.ErrorIs(t, err, extensions.ErrMessageBlocked)

	assert.Equal(t, 0, client.requestCount(), "blocked message must not reach the model")
	assert.Equal(t, []string{"chat.blocked"}, sink.typesSeen())
	assert.Empty(t, a.StateManager().Snapshot().History, "no turn starts for a blocked message")
}

// TestProcessMessageFilterRedaction verifies input and output redaction:
// the model sees the filtered user message and the user sees the filtered
// response.
func TestProcessMessageFilterRedaction(t *testing.T) {
	client := newScriptedClient(textReply("the key is hunter2, keep it safe"))
	sink := &captureAuditLogger{}
	registry := tools.NewRegistry(nil)
	a, err := NewAgent(testConfig(), client, registry,
		WithLogger(logging.New(logging.Config{Quiet: true})),
		WithExtensions(extensions.ServiceOptions{
			AuditLogger:   sink,
			MessageFilter: &redactingFilter{needle: "hunter2"},
		}))
	require.NoError(t, err)

	res, err := a.ProcessMessage(context.Background(), "my password is hunter2, rotate it")
	require.NoError(t, err)

	req := client.request(0)
	sent := req.Contents[len(req.Contents)-1].Text()
	assert.NotContains(t, sent, "hunter2")
	assert.Contains(t, sent, "[REDACTED]")

	assert.NotContains(t, res.Text, "hunter2")
	assert.Contains(t, res.Text, "[REDACTED]")

	// The stored turn carries the redacted text on both sides.
	snap := a.StateManager().Snapshot()
	require.Len(t, snap.History, 1)
	assert.NotContains(t, snap.History[0].UserMessage, "hunter2")
	assert.NotContains(t, snap.History[0].AgentMessage, "hunter2")

	assert.Equal(t, []string{"chat.message", "chat.response"}, sink.typesSeen())
}

// TestProcessMessageAuditToolExecution verifies tool rounds land in the
// audit trail with per-tool outcomes.
func TestProcessMessageAuditToolExecution(t *testing.T) {
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(&fakeTool{
		name: "probe",
		fn: func(context.Context, map[string]any, *tools.ToolContext) (any, error) {
			return map[string]any{"status": "ok"}, nil
		},
	}))
	client := newScriptedClient(
		callReply("probe", map[string]any{}),
		textReply("done"),
	)
	sink := &captureAuditLogger{}
	a, err := NewAgent(testConfig(), client, registry,
		WithLogger(logging.New(logging.Config{Quiet: true})),
		WithExtensions(extensions.ServiceOptions{AuditLogger: sink}))
	require.NoError(t, err)

	_, err = a.ProcessMessage(context.Background(), "probe the service")
	require.NoError(t, err)

	assert.Equal(t, []string{"chat.message", "tool.execute", "chat.response"}, sink.typesSeen())
	execEvents, qerr := sink.Query(context.Background(), extensions.AuditFilter{})
	require.NoError(t, qerr)
	for _, e := range execEvents {
		assert.Equal(t, auditUserID, e.UserID)
		if e.EventType == "tool.execute" {
			assert.Equal(t, "probe", e.ResourceID)
			assert.Equal(t, "success", e.Outcome)
		}
	}
}
