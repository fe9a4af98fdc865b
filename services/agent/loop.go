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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/agentcore/pkg/extensions"
	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/pkg/telemetry"
	agentcontext "github.com/AleutianAI/agentcore/services/agent/context"
	"github.com/AleutianAI/agentcore/services/agent/events"
	"github.com/AleutianAI/agentcore/services/agent/llm"
	"github.com/AleutianAI/agentcore/services/agent/planning"
	"github.com/AleutianAI/agentcore/services/agent/rag"
	"github.com/AleutianAI/agentcore/services/agent/tokens"
	"github.com/AleutianAI/agentcore/services/agent/tools"
)

// Run loop guard rails. Retries are per user message; the event and
// wall-clock caps are per attempt.
const (
	defaultMaxRetries           = 3
	defaultMaxEventsPerAttempt  = 50
	defaultMaxAttemptDuration   = 5 * time.Minute
	defaultMaxConsecutiveErrors = 5

	// defaultBasePromptMargin is reserved on top of the measured
	// instruction, tool schema, and user message tokens. History is
	// excluded on purpose; the context assembler packs it against the
	// remaining budget.
	defaultBasePromptMargin = 2000

	// defaultKeepSegments is how many completed conversation segments the
	// smart filter keeps besides the active one.
	defaultKeepSegments = 2

	// retrievalTopK bounds code-context retrieval for plan prompts.
	retrievalTopK = 5
)

// Backoff between attempts: min(2^attempt, cap) seconds plus uniform
// jitter in [jitterMin, jitterMax).
const (
	backoffCapSeconds = 30.0
	backoffJitterMin  = 0.1
	backoffJitterMax  = 0.5
)

// Circuit breaker messages shown to the user when an attempt trips a
// guard rail. The invocation ends; nothing is retried.
const (
	complexityMessage = "This request became too complex to finish safely. " +
		"Please break it into smaller steps and try again."
	tooLongMessage = "This request took too long to complete. " +
		"Please try a smaller or simpler request."
)

// responseBlockedMessage replaces a final response the output filter
// rejected outright.
const responseBlockedMessage = "The generated response was withheld by the " +
	"configured content filter."

// auditUserID labels audit events in the single-user local deployment.
const auditUserID = "local-user"

// defaultInstruction is the system prompt used when the host configures
// none.
const defaultInstruction = "You are a coding and DevOps agent. You help the user " +
	"inspect, modify, and operate software projects by calling the available tools. " +
	"Prefer small verifiable steps, report what you changed, and never invent file " +
	"contents or command output."

// contextBlockHeader prefixes the assembled state injected into the prompt.
const contextBlockHeader = "[SYSTEM CONTEXT] Assembled conversation state. " +
	"Use it to stay consistent with prior work in this session:"

// Config configures an Agent.
type Config struct {
	// Model identifier passed to the transport.
	Model string

	// Instruction is the system prompt. Empty selects the default.
	Instruction string

	// MaxRetries is the number of retries after the first attempt.
	// Negative selects the default of 3 (four attempts total).
	MaxRetries int

	// MaxEventsPerAttempt trips the complexity breaker.
	MaxEventsPerAttempt int

	// MaxAttemptDuration trips the wall-clock breaker.
	MaxAttemptDuration time.Duration

	// MaxConsecutiveErrors caps uninterrupted model-call failures across
	// attempts; the last error is re-raised when reached.
	MaxConsecutiveErrors int

	// BasePromptMargin is reserved prompt headroom in tokens.
	BasePromptMargin int

	// KeepSegments is how many completed conversation segments the
	// conversation filter keeps besides the active one.
	KeepSegments int

	// PreserveCoreGoalOnReset keeps the core goal through an emergency
	// context reset (shrink level 3 and above). Off by default: a full
	// reset discards the goal with everything else.
	PreserveCoreGoalOnReset bool

	// Context configures the context manager.
	Context agentcontext.Config

	// Planning configures the planning manager.
	Planning planning.Config

	// Generate carries per-request generation parameters.
	Generate llm.GenerateConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:                "gemini-2.5-flash",
		Instruction:          defaultInstruction,
		MaxRetries:           defaultMaxRetries,
		MaxEventsPerAttempt:  defaultMaxEventsPerAttempt,
		MaxAttemptDuration:   defaultMaxAttemptDuration,
		MaxConsecutiveErrors: defaultMaxConsecutiveErrors,
		BasePromptMargin:     defaultBasePromptMargin,
		KeepSegments:         defaultKeepSegments,
		Context:              agentcontext.DefaultConfig(),
		Planning:             planning.Config{Enabled: true},
	}
}

// withDefaults fills invalid or zero guard-rail values.
func (c Config) withDefaults() Config {
	if c.Instruction == "" {
		c.Instruction = defaultInstruction
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxEventsPerAttempt <= 0 {
		c.MaxEventsPerAttempt = defaultMaxEventsPerAttempt
	}
	if c.MaxAttemptDuration <= 0 {
		c.MaxAttemptDuration = defaultMaxAttemptDuration
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if c.BasePromptMargin <= 0 {
		c.BasePromptMargin = defaultBasePromptMargin
	}
	if c.KeepSegments <= 0 {
		c.KeepSegments = defaultKeepSegments
	}
	if c.Context.MaxLLMTokenLimit <= 0 {
		c.Context = agentcontext.DefaultConfig()
	}
	return c
}

// Retriever supplies code context for plan prompts. Satisfied by
// *rag.Store.
type Retriever interface {
	RetrieveCodeContext(ctx context.Context, query string, topK int) (*rag.RetrievalResult, error)
}

// Agent is the turn-oriented execution engine: it owns the conversation
// state machine, assembles the prompt for each model call, routes
// responses through the planning protocol, dispatches tool calls, and
// applies the retry, backoff, and circuit-breaker policy around the whole
// loop.
//
// Thread Safety:
//
//	One Agent serves one conversation. ProcessMessage rejects concurrent
//	calls with ErrStateValidation rather than queueing them; the host
//	serializes user input.
type Agent struct {
	cfg        Config
	transport  llm.Client
	state      *StateManager
	context    *agentcontext.Manager
	planning   *planning.Manager
	vocab      planning.Vocabulary
	orch       *tools.Orchestrator
	emitter    *events.Emitter
	counter    *tokens.Counter
	classifier *RetryClassifier
	shrinker   *Shrinker
	retriever  Retriever
	ext        extensions.ServiceOptions
	metrics    *telemetry.Metrics
	logger     *logging.Logger
	gate       *semaphore.Weighted

	// sleep and jitter are swapped in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMetrics attaches run-loop metrics. Nil is allowed; recording
// helpers no-op.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithRetriever attaches a code-context retriever for plan prompts.
func WithRetriever(r Retriever) Option {
	return func(a *Agent) { a.retriever = r }
}

// WithEmitter replaces the event emitter, letting the host configure
// buffering and session tagging before the agent starts.
func WithEmitter(e *events.Emitter) Option {
	return func(a *Agent) { a.emitter = e }
}

// WithExtensions injects the host's audit and message-filter hooks.
// Unset fields fall back to no-ops.
func WithExtensions(opts extensions.ServiceOptions) Option {
	return func(a *Agent) { a.ext = opts }
}

// NewAgent assembles the engine around a transport and a tool registry.
//
// Description:
//
//	Builds the state manager, context manager, planning manager, token
//	counter, orchestrator, and event emitter, wiring the context manager
//	in as the orchestrator's result recorder so every tool outcome lands
//	in the assembled context.
//
// Inputs:
//
//	cfg - Engine configuration. Zero guard-rail values select defaults.
//	transport - The model transport. Must not be nil.
//	registry - The tool registry. Must not be nil; may be empty.
//	opts - Optional logger, metrics, retriever, emitter.
//
// Outputs:
//
//	*Agent - The engine, ready for ProcessMessage.
//	error - Non-nil when transport or registry is missing.
func NewAgent(cfg Config, transport llm.Client, registry *tools.Registry, opts ...Option) (*Agent, error) {
	if transport == nil {
		return nil, errors.New("transport must not be nil")
	}
	if registry == nil {
		return nil, errors.New("tool registry must not be nil")
	}
	cfg = cfg.withDefaults()

	a := &Agent{
		cfg:       cfg,
		transport: transport,
		gate:      semaphore.NewWeighted(1),
		sleep:     sleepContext,
		jitter:    rand.Float64,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Default()
	}
	if a.emitter == nil {
		a.emitter = events.NewEmitter()
	}

	a.state = NewStateManager(a.logger)
	a.counter = tokens.NewCounter(cfg.Model, func(ctx context.Context, text string) (int, error) {
		return transport.CountTokens(ctx, cfg.Model, text)
	})
	a.context = agentcontext.NewManager(cfg.Context, a.counter, agentcontext.WithLogger(a.logger))
	a.planning = planning.NewManager(cfg.Planning, planning.WithLogger(a.logger))
	a.vocab = cfg.Planning.Vocabulary
	if len(a.vocab.PlanningKeywords) == 0 && len(a.vocab.ActionVerbs) == 0 {
		a.vocab = planning.DefaultVocabulary()
	}
	a.orch = tools.NewOrchestrator(registry,
		tools.WithRecorder(a.context),
		tools.WithLogger(a.logger),
	)
	a.classifier = NewRetryClassifier(nil, nil)
	a.shrinker = NewShrinker(a.context, cfg.Context, cfg.PreserveCoreGoalOnReset, a.logger)
	a.ext = a.ext.Normalize()

	return a, nil
}

// Emitter returns the event emitter for host subscriptions.
func (a *Agent) Emitter() *events.Emitter { return a.emitter }

// StateManager returns the conversation state owner.
func (a *Agent) StateManager() *StateManager { return a.state }

// ContextManager returns the context assembler.
func (a *Agent) ContextManager() *agentcontext.Manager { return a.context }

// PlanningManager returns the planning protocol manager.
func (a *Agent) PlanningManager() *planning.Manager { return a.planning }

// Orchestrator returns the tool orchestrator.
func (a *Agent) Orchestrator() *tools.Orchestrator { return a.orch }

// Counter returns the token counter bound at construction.
func (a *Agent) Counter() *tokens.Counter { return a.counter }

// Close releases the transport.
func (a *Agent) Close() error {
	return a.transport.Close()
}

// invocation tracks one ProcessMessage call across attempts.
type invocation struct {
	userMessage string
	turnNumber  int
	start       time.Time
	tctx        *tools.ToolContext

	retries           int
	llmCalls          int
	toolCalls         int
	tokensUsed        int
	consecutiveErrors int
	stateReset        bool
}

// attemptState tracks one attempt's guard-rail counters.
type attemptState struct {
	attempt int
	start   time.Time
	events  int
}

// ProcessMessage runs one user message through the engine.
//
// Description:
//
//	Starts a turn, then makes up to MaxRetries+1 attempts. Before each
//	retry the context is progressively shrunk and a jittered exponential
//	backoff is slept. Within an attempt the engine assembles the prompt,
//	applies planning interception, calls the model, and loops through
//	tool rounds until the model answers in plain text. Every observable
//	step streams through the Emitter.
//
//	A state validation error resets the state manager and restarts the
//	turn once; a second one surfaces. Guard-rail trips end the invocation
//	with a user-visible circuit breaker message. Non-retryable errors end
//	it with a one-line description of the failure class. The engine never
//	silently drops a user message.
//
// Inputs:
//
//	ctx - Cancels the invocation. In-flight tool calls are awaited, the
//	      turn is completed with an error note, and ErrCanceled returns.
//	userMessage - The inbound user message. Must be non-blank.
//
// Outputs:
//
//	*Result - Final text plus turn accounting. Nil only alongside an error.
//	error - ErrEmptyMessage, ErrCanceled, ErrStateValidation on repeated
//	        state failures, or the last error once the consecutive-error
//	        cap is reached.
//
// Thread Safety: One call at a time; concurrent calls fail fast.
func (a *Agent) ProcessMessage(ctx context.Context, userMessage string) (*Result, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, ErrEmptyMessage
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !a.gate.TryAcquire(1) {
		return nil, fmt.Errorf("%w: another message is already being processed", ErrStateValidation)
	}
	defer a.gate.Release(1)
	defer a.shrinker.Restore()

	if fres, ferr := a.ext.MessageFilter.FilterInput(ctx, userMessage); ferr != nil {
		a.logger.Warn("input filter failed, passing message through", "error", ferr)
	} else if fres.WasBlocked {
		a.audit(ctx, extensions.AuditEvent{
			EventType:    "chat.blocked",
			Action:       "block",
			ResourceType: "message",
			Outcome:      "blocked",
			Metadata:     map[string]any{"reason": fres.BlockReason, "detections": detectionTypes(fres)},
		})
		return nil, fmt.Errorf("%w: %s", extensions.ErrMessageBlocked, fres.BlockReason)
	} else {
		if fres.WasModified {
			a.logger.Info("input filter modified the user message",
				"detections", len(fres.Detections))
		}
		userMessage = fres.Filtered
	}

	inv := &invocation{
		userMessage: userMessage,
		start:       time.Now(),
		tctx:        tools.NewToolContext(),
	}

	turn, err := a.state.StartTurn(userMessage)
	if err != nil {
		return nil, err
	}
	inv.turnNumber = turn.TurnNumber
	a.emitter.SetTurn(turn.TurnNumber)
	a.emitter.Emit(events.TypeTurnStarted, events.TurnStartedData{
		TurnNumber:  turn.TurnNumber,
		UserMessage: userMessage,
	})
	a.audit(ctx, extensions.AuditEvent{
		EventType:    "chat.message",
		Action:       "send",
		ResourceType: "message",
		Outcome:      "success",
		Metadata:     map[string]any{"turn": turn.TurnNumber},
	})
	if a.state.IsNewConversation() {
		a.context.SetCoreGoal(userMessage)
	}
	a.syncContext()

	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		inv.retries = attempt
		if attempt > 0 {
			a.shrinker.Apply(attempt, inv.turnNumber)
			a.metrics.RecordShrink(ctx, a.shrinker.Level())

			_, reason := a.classifier.Classify(lastErr)
			if reason == "" {
				reason = "retryable"
			}
			backoff := a.backoff(attempt)
			a.emitter.Emit(events.TypeRetry, events.RetryData{
				Attempt:     attempt,
				Backoff:     backoff,
				ShrinkLevel: a.shrinker.Level(),
				Reason:      reason,
			})
			a.metrics.RecordRetry(ctx, reason)
			a.logger.Info("retrying after transient failure",
				"attempt", attempt,
				"backoff_ms", backoff.Milliseconds(),
				"shrink_level", a.shrinker.Level(),
				"reason", reason)
			if err := a.sleep(ctx, backoff); err != nil {
				return a.completeCanceled(ctx, inv)
			}
		}

		res, err := a.runAttempt(ctx, inv, attempt)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled) {
			return a.completeCanceled(ctx, inv)
		}

		if errors.Is(err, ErrStateValidation) {
			if inv.stateReset {
				a.logger.Error("state validation failed twice, giving up", "error", err)
				return nil, err
			}
			inv.stateReset = true
			a.logger.Warn("state validation failed, resetting conversation state", "error", err)
			a.state.Reset()
			turn, serr := a.state.StartTurn(inv.userMessage)
			if serr != nil {
				return nil, serr
			}
			inv.turnNumber = turn.TurnNumber
			a.emitter.SetTurn(turn.TurnNumber)
			a.syncContext()
			// A state repair does not consume a retry.
			attempt--
			continue
		}

		if inv.consecutiveErrors >= a.cfg.MaxConsecutiveErrors {
			a.logger.Error("consecutive error cap reached, re-raising",
				"consecutive_errors", inv.consecutiveErrors,
				"error", err)
			a.failTurn(ctx, inv)
			return nil, err
		}

		if retryable, _ := a.classifier.Classify(err); !retryable {
			return a.failWithMessage(ctx, inv, err)
		}
	}

	return a.failWithMessage(ctx, inv, lastErr)
}

// runAttempt executes one attempt: prompt assembly, planning
// interception, and the model/tool round loop.
func (a *Agent) runAttempt(ctx context.Context, inv *invocation, attempt int) (*Result, error) {
	as := &attemptState{attempt: attempt, start: time.Now()}

	contents, err := a.buildContents(inv, as)
	if err != nil {
		return nil, err
	}
	toolDecls := a.orch.Registry().Declarations()

	decision := a.planning.HandleBeforeModel(inv.userMessage, contents, a.retrieveCodeContext(ctx, inv.userMessage))
	switch decision.Kind {
	case planning.SynthesizeResponse:
		if decision.Reason == planning.ReasonPlanFeedback {
			a.emit(as, events.TypePlanFeedback, events.PlanData{Feedback: inv.userMessage})
		}
		return a.finalizeTurn(ctx, inv, as, decision.ResponseText, false)
	case planning.RewriteRequest:
		contents = decision.Contents
		if decision.DropTools {
			toolDecls = nil
		}
		if decision.ApprovedPlan != "" {
			if err := a.state.AddSystemMessage("Approved plan:\n" + decision.ApprovedPlan); err != nil {
				return nil, err
			}
			a.context.AddKeyDecision("user approved execution plan")
			a.emit(as, events.TypePlanApproved, events.PlanData{PlanText: decision.ApprovedPlan})
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if as.events >= a.cfg.MaxEventsPerAttempt {
			return a.tripBreaker(ctx, inv, as, "complexity", complexityMessage)
		}
		if time.Since(as.start) >= a.cfg.MaxAttemptDuration {
			return a.tripBreaker(ctx, inv, as, "timeout", tooLongMessage)
		}

		if err := a.advancePhase(as, PhaseCallingLLM); err != nil {
			return nil, err
		}
		req := &llm.Request{
			Model:    a.cfg.Model,
			System:   a.cfg.Instruction,
			Contents: contents,
			Tools:    toolDecls,
			Config:   a.cfg.Generate,
		}
		resp, err := a.callModel(ctx, inv, as, req)
		if err != nil {
			inv.consecutiveErrors++
			_ = a.state.RecordError(err.Error())
			return nil, err
		}
		inv.consecutiveErrors = 0

		if err := a.advancePhase(as, PhaseProcessingLLMResponse); err != nil {
			return nil, err
		}

		if d := a.planning.HandleAfterModel(resp); d.Kind == planning.SynthesizeResponse {
			planPending := d.Reason == planning.ReasonPlanGenerated
			if planPending {
				a.emit(as, events.TypePlanPresented, events.PlanData{PlanText: a.planning.PendingPlan()})
			}
			return a.finalizeTurn(ctx, inv, as, d.ResponseText, planPending)
		}

		processed := ProcessResponse(resp)
		for _, th := range processed.Thoughts {
			a.emit(as, events.TypeThought, events.ThoughtData{Text: th})
		}

		if len(processed.FunctionCalls) == 0 {
			text := processed.Text
			if processed.Suppress {
				a.logger.Debug("thought-only response suppressed", "turn", inv.turnNumber)
				text = ""
			}
			return a.finalizeTurn(ctx, inv, as, text, false)
		}

		if err := a.advancePhase(as, PhaseExecutingTools); err != nil {
			return nil, err
		}
		execs, err := a.dispatchTools(ctx, inv, as, processed.FunctionCalls)
		if err != nil {
			return nil, err
		}
		// Cancellation is honored between rounds, after in-flight tools
		// have been awaited.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		contents = append(contents, toolFeedbackMessages(processed.FunctionCalls, execs)...)
	}
}

// buildContents assembles the outgoing conversation: filtered history,
// the context block injected after leading system messages, and the
// current user message.
func (a *Agent) buildContents(inv *invocation, as *attemptState) ([]llm.Message, error) {
	snap := a.state.Snapshot()

	msgs := historyMessages(snap.History)
	if snap.CurrentTurn != nil {
		for _, sm := range snap.CurrentTurn.SystemMessages {
			msgs = append(msgs, llm.SystemText(sm))
		}
	}
	msgs = append(msgs, llm.UserText(inv.userMessage))
	filtered := FilterConversation(msgs, a.cfg.KeepSegments)

	base := a.basePromptTokens(inv.userMessage)
	block, err := a.context.Assemble(base, inv.userMessage)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(block))
	for k := range block {
		keys = append(keys, k)
	}
	a.emit(as, events.TypeContextAssembled, events.ContextAssembledData{
		Keys:             keys,
		BasePromptTokens: base,
	})

	ctxMsg := llm.UserText(renderContextBlock(block))
	return injectAfterSystem(filtered, ctxMsg), nil
}

// basePromptTokens measures the prompt tokens already committed before
// the context block is packed: instruction, tool schemas, the current
// user message, and a fixed safety margin.
func (a *Agent) basePromptTokens(userMessage string) int {
	n := a.counter.Count(a.cfg.Instruction)
	if decls := a.orch.Registry().Declarations(); len(decls) > 0 {
		if data, err := json.Marshal(decls); err == nil {
			n += a.counter.Count(string(data))
		}
	}
	n += a.counter.Count(userMessage)
	return n + a.cfg.BasePromptMargin
}

// callModel performs one transport call inside a span, streaming request
// and response events and recording metrics.
func (a *Agent) callModel(ctx context.Context, inv *invocation, as *attemptState, req *llm.Request) (*llm.Response, error) {
	tracer := otel.Tracer("agent")
	ctx, span := tracer.Start(ctx, "agent.llm_call",
		trace.WithAttributes(
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.attempt", as.attempt),
		))
	defer span.End()

	a.emit(as, events.TypeLLMRequest, events.LLMRequestData{
		Model:        req.Model,
		Attempt:      as.attempt,
		MessageCount: len(req.Contents),
		ToolCount:    len(req.Tools),
	})

	start := time.Now()
	resp, err := a.transport.Generate(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		a.metrics.RecordLLMCall(ctx, "error", elapsed, 0, 0)
		a.emit(as, events.TypeError, events.ErrorData{
			Error:       err.Error(),
			Recoverable: a.classifier.IsRetryable(err),
		})
		return nil, err
	}

	inv.llmCalls++
	var prompt, cand int
	if resp.Usage != nil {
		prompt = resp.Usage.PromptTokens
		cand = resp.Usage.CandidateTokens
		inv.tokensUsed += resp.Usage.TotalTokens
	}
	a.metrics.RecordLLMCall(ctx, "ok", elapsed, int64(prompt), int64(cand))
	a.emit(as, events.TypeLLMResponse, events.LLMResponseData{
		Model:             req.Model,
		Duration:          elapsed,
		TextLen:           len(resp.Text()),
		FunctionCallCount: len(resp.FunctionCalls()),
		ThoughtCount:      len(resp.Thoughts()),
		PromptTokens:      prompt,
		CandidateTokens:   cand,
	})
	return resp, nil
}

// dispatchTools records, executes, and reports one round of function
// calls. Single calls share the turn's ToolContext so state like the
// working directory persists across rounds; parallel batches get the
// orchestrator's batch context.
func (a *Agent) dispatchTools(ctx context.Context, inv *invocation, as *attemptState, calls []llm.FunctionCall) ([]*tools.Execution, error) {
	for _, call := range calls {
		if err := a.state.AddToolCall(call.Name, call.Args); err != nil {
			return nil, err
		}
		a.emit(as, events.TypeToolCall, events.ToolCallData{ToolName: call.Name})
	}

	// Tools are never killed mid-flight; a canceled invocation waits for
	// them and stops before the next round.
	dctx := context.WithoutCancel(ctx)

	var execs []*tools.Execution
	if len(calls) == 1 {
		execs = []*tools.Execution{
			a.orch.Execute(dctx, tools.Invocation{Name: calls[0].Name, Args: calls[0].Args}, inv.tctx),
		}
	} else {
		invs := make([]tools.Invocation, len(calls))
		for i, c := range calls {
			invs[i] = tools.Invocation{Name: c.Name, Args: c.Args}
		}
		execs = a.orch.ExecuteParallel(dctx, invs)
	}

	for _, exec := range execs {
		recorded := exec.Result
		if exec.Err != "" {
			recorded = map[string]any{"status": string(exec.Status), "error": exec.Err}
		}
		if err := a.state.AddToolResult(exec.Name, recorded); err != nil {
			return nil, err
		}
		a.emit(as, events.TypeToolResult, events.ToolResultData{
			ToolName:     exec.Name,
			InvocationID: exec.ID,
			Status:       string(exec.Status),
			Duration:     exec.ExecutionTime,
			RetryCount:   exec.RetryCount,
			Error:        exec.Err,
		})
		a.metrics.RecordToolExecution(ctx, exec.Name, string(exec.Status), exec.ExecutionTime)
		inv.toolCalls++

		outcome := "success"
		if exec.Err != "" {
			outcome = "failure"
		}
		a.audit(ctx, extensions.AuditEvent{
			EventType:    "tool.execute",
			Action:       "execute",
			ResourceType: "tool",
			ResourceID:   exec.Name,
			Outcome:      outcome,
			Metadata: map[string]any{
				"turn":        inv.turnNumber,
				"duration_ms": exec.ExecutionTime.Milliseconds(),
				"retry_count": exec.RetryCount,
			},
		})
	}
	return execs, nil
}

// finalizeTurn filters and records the agent text, completes the turn,
// and builds the Result.
func (a *Agent) finalizeTurn(ctx context.Context, inv *invocation, as *attemptState, text string, planPending bool) (*Result, error) {
	if text != "" {
		if fres, ferr := a.ext.MessageFilter.FilterOutput(ctx, text); ferr != nil {
			a.logger.Warn("output filter failed, returning text unfiltered", "error", ferr)
		} else if fres.WasBlocked {
			_ = a.state.RecordError("response blocked by filter: " + fres.BlockReason)
			text = responseBlockedMessage
		} else {
			text = fres.Filtered
		}
	}
	if text != "" {
		if err := a.state.UpdateCurrentTurn(map[string]any{"agent_message": text}); err != nil {
			return nil, err
		}
	}
	if err := a.advancePhase(as, PhaseFinalizing); err != nil {
		return nil, err
	}
	if err := a.state.CompleteCurrentTurn(); err != nil {
		return nil, err
	}

	elapsed := time.Since(inv.start)
	a.emitter.Emit(events.TypeTurnCompleted, events.TurnCompletedData{
		TurnNumber: inv.turnNumber,
		Duration:   elapsed,
		LLMCalls:   inv.llmCalls,
		ToolCalls:  inv.toolCalls,
		Retries:    inv.retries,
	})
	a.emitter.Emit(events.TypeResponse, events.ResponseData{Text: text, PlanPending: planPending})
	a.metrics.RecordTurn(ctx, "completed", elapsed)
	a.audit(ctx, extensions.AuditEvent{
		EventType:    "chat.response",
		Action:       "receive",
		ResourceType: "message",
		Outcome:      "success",
		Metadata: map[string]any{
			"turn":        inv.turnNumber,
			"duration_ms": elapsed.Milliseconds(),
			"llm_calls":   inv.llmCalls,
			"tool_calls":  inv.toolCalls,
		},
	})

	return &Result{
		Text:        text,
		TurnNumber:  inv.turnNumber,
		ToolCalls:   inv.toolCalls,
		Retries:     inv.retries,
		LLMCalls:    inv.llmCalls,
		TokensUsed:  inv.tokensUsed,
		PlanPending: planPending,
		Elapsed:     elapsed,
	}, nil
}

// tripBreaker ends the invocation with a user-visible guard-rail message.
func (a *Agent) tripBreaker(ctx context.Context, inv *invocation, as *attemptState, reason, message string) (*Result, error) {
	a.logger.Warn("circuit breaker tripped",
		"reason", reason,
		"events", as.events,
		"elapsed_ms", time.Since(as.start).Milliseconds())
	a.metrics.RecordBreakerTrip(ctx, reason)
	a.emitter.Emit(events.TypeCircuitBreaker, events.CircuitBreakerData{
		Reason:  reason,
		Events:  as.events,
		Elapsed: time.Since(as.start),
	})
	_ = a.state.RecordError("circuit breaker tripped: " + reason)
	return a.finalizeTurn(ctx, inv, as, message, false)
}

// failWithMessage ends the invocation with the classifier's one-line
// description of the failure. The error itself is not returned; the user
// sees the message and the conversation continues.
func (a *Agent) failWithMessage(ctx context.Context, inv *invocation, err error) (*Result, error) {
	a.planning.AbortPlanGeneration()
	_ = a.state.RecordError(err.Error())
	a.emitter.Emit(events.TypeError, events.ErrorData{Error: err.Error()})
	a.metrics.RecordTurn(ctx, "failed", time.Since(inv.start))
	return a.finalizeTurn(ctx, inv, nil, a.classifier.UserMessage(err), false)
}

// failTurn completes the turn without a user-visible message; the caller
// returns the error itself.
func (a *Agent) failTurn(ctx context.Context, inv *invocation) {
	a.planning.AbortPlanGeneration()
	_ = a.state.CompleteCurrentTurn()
	elapsed := time.Since(inv.start)
	a.emitter.Emit(events.TypeTurnCompleted, events.TurnCompletedData{
		TurnNumber: inv.turnNumber,
		Duration:   elapsed,
		LLMCalls:   inv.llmCalls,
		ToolCalls:  inv.toolCalls,
		Retries:    inv.retries,
	})
	a.metrics.RecordTurn(ctx, "failed", elapsed)
}

// completeCanceled notes the cancellation on the turn, completes it, and
// returns ErrCanceled.
func (a *Agent) completeCanceled(ctx context.Context, inv *invocation) (*Result, error) {
	a.planning.AbortPlanGeneration()
	_ = a.state.RecordError("invocation canceled by caller")
	_ = a.state.CompleteCurrentTurn()
	elapsed := time.Since(inv.start)
	a.emitter.Emit(events.TypeTurnCompleted, events.TurnCompletedData{
		TurnNumber: inv.turnNumber,
		Duration:   elapsed,
		LLMCalls:   inv.llmCalls,
		ToolCalls:  inv.toolCalls,
		Retries:    inv.retries,
	})
	a.metrics.RecordTurn(context.WithoutCancel(ctx), "canceled", elapsed)
	a.logger.Info("invocation canceled", "turn", inv.turnNumber)
	return nil, ErrCanceled
}

// advancePhase moves the turn forward, emitting a phase-change event.
// Targets at or behind the current phase are skipped; tool rounds loop
// back through earlier phases.
func (a *Agent) advancePhase(as *attemptState, to TurnPhase) error {
	cur := a.state.CurrentTurn()
	if cur == nil {
		return fmt.Errorf("%w: no current turn to advance", ErrStateValidation)
	}
	if cur.Phase == to || !cur.Phase.CanAdvanceTo(to) {
		return nil
	}
	if err := a.state.AdvancePhase(to); err != nil {
		return err
	}
	a.emit(as, events.TypePhaseChanged, events.PhaseChangedData{
		FromPhase: cur.Phase.String(),
		ToPhase:   to.String(),
	})
	return nil
}

// emit forwards to the emitter and counts toward the attempt's event cap.
func (a *Agent) emit(as *attemptState, t events.Type, data any) {
	if as != nil {
		as.events++
	}
	a.emitter.Emit(t, data)
}

// syncContext mirrors the completed history into the context manager.
func (a *Agent) syncContext() {
	snap := a.state.Snapshot()
	views := make([]agentcontext.TurnView, 0, len(snap.History))
	for _, t := range snap.History {
		names := make([]string, 0, len(t.ToolCalls))
		for _, c := range t.ToolCalls {
			names = append(names, c.Name)
		}
		views = append(views, agentcontext.TurnView{
			Number:        t.TurnNumber,
			UserMessage:   t.UserMessage,
			AgentMessage:  t.AgentMessage,
			ToolCallNames: names,
		})
	}
	current := 0
	if snap.CurrentTurn != nil {
		current = snap.CurrentTurn.TurnNumber
	}
	a.context.SyncFromSnapshot(views, current)
}

// retrieveCodeContext fetches code context for a plan prompt. Retrieval
// only runs when the message would actually trigger planning; failures
// degrade to an empty context.
func (a *Agent) retrieveCodeContext(ctx context.Context, query string) string {
	if a.retriever == nil || !a.cfg.Planning.Enabled {
		return ""
	}
	if !a.vocab.ShouldPlan(query) {
		return ""
	}
	res, err := a.retriever.RetrieveCodeContext(ctx, query, retrievalTopK)
	if err != nil {
		a.logger.Debug("code retrieval unavailable for plan prompt", "error", err)
		return ""
	}
	formatted := res.FormatContext()
	if fres, ferr := a.ext.MessageFilter.FilterContext(ctx, formatted); ferr != nil {
		a.logger.Warn("context filter failed, injecting unfiltered", "error", ferr)
	} else if fres.WasBlocked {
		a.logger.Info("retrieved context blocked by filter", "reason", fres.BlockReason)
		return ""
	} else {
		formatted = fres.Filtered
	}
	return formatted
}

// audit forwards an engine event to the host's audit sink. A zero UserID
// gets the local default; failures are logged and otherwise ignored.
func (a *Agent) audit(ctx context.Context, event extensions.AuditEvent) {
	if event.UserID == "" {
		event.UserID = auditUserID
	}
	if err := a.ext.AuditLogger.Log(context.WithoutCancel(ctx), event); err != nil {
		a.logger.Warn("audit log failed", "event_type", event.EventType, "error", err)
	}
}

// detectionTypes flattens filter detections for audit metadata.
func detectionTypes(res *extensions.FilterResult) []string {
	out := make([]string, 0, len(res.Detections))
	for _, d := range res.Detections {
		out = append(out, d.Type)
	}
	return out
}

// backoff computes the pre-attempt delay: min(2^attempt, cap) seconds
// plus uniform jitter.
func (a *Agent) backoff(attempt int) time.Duration {
	base := math.Min(math.Pow(2, float64(attempt)), backoffCapSeconds)
	jit := backoffJitterMin + a.jitter()*(backoffJitterMax-backoffJitterMin)
	return time.Duration((base + jit) * float64(time.Second))
}

// historyMessages renders completed turns as transport messages,
// replaying tool traffic so the conversation filter can see which
// segments carried tool calls.
func historyMessages(history []Turn) []llm.Message {
	var out []llm.Message
	for _, t := range history {
		if t.UserMessage != "" {
			out = append(out, llm.UserText(t.UserMessage))
		}
		for _, sm := range t.SystemMessages {
			out = append(out, llm.SystemText(sm))
		}
		for i := range t.ToolCalls {
			call := t.ToolCalls[i]
			out = append(out, llm.Message{
				Role:  llm.RoleAssistant,
				Parts: []llm.Part{{FunctionCall: &llm.FunctionCall{Name: call.Name, Args: call.Args}}},
			})
			if i < len(t.ToolResults) {
				r := t.ToolResults[i]
				out = append(out, llm.ToolResult("", r.Name, responsePayload(r.Result)))
			}
		}
		if t.AgentMessage != "" {
			out = append(out, llm.AssistantText(t.AgentMessage))
		}
	}
	return out
}

// toolFeedbackMessages builds the assistant call message and the
// tool-result messages appended for the next model round.
func toolFeedbackMessages(calls []llm.FunctionCall, execs []*tools.Execution) []llm.Message {
	callMsg := llm.Message{Role: llm.RoleAssistant}
	for i := range calls {
		callMsg.Parts = append(callMsg.Parts, llm.Part{FunctionCall: &calls[i]})
	}
	out := []llm.Message{callMsg}
	for i, exec := range execs {
		// Echo the model's call ID when it assigned one; some transports
		// require the pairing. Fall back to the execution ID otherwise.
		callID := exec.ID
		if i < len(calls) && calls[i].ID != "" {
			callID = calls[i].ID
		}
		out = append(out, llm.ToolResult(callID, exec.Name, executionPayload(exec)))
	}
	return out
}

// executionPayload renders an execution outcome as the function response
// map sent back to the model.
func executionPayload(exec *tools.Execution) map[string]any {
	if exec.Err != "" {
		return map[string]any{"status": string(exec.Status), "error": exec.Err}
	}
	return responsePayload(exec.Result)
}

// responsePayload coerces an arbitrary tool result into a response map.
func responsePayload(result any) map[string]any {
	switch v := result.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		return map[string]any{"output": v}
	default:
		return map[string]any{"result": v}
	}
}

// renderContextBlock serializes the assembled context for prompt
// injection.
func renderContextBlock(block map[string]any) string {
	data, err := json.MarshalIndent(block, "", "  ")
	if err != nil {
		data = []byte("{}")
	}
	return contextBlockHeader + "\n" + string(data)
}

// injectAfterSystem inserts the context message after the leading system
// block.
func injectAfterSystem(msgs []llm.Message, ctxMsg llm.Message) []llm.Message {
	idx := 0
	for idx < len(msgs) && msgs[idx].Role == llm.RoleSystem {
		idx++
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, msgs[:idx]...)
	out = append(out, ctxMsg)
	out = append(out, msgs[idx:]...)
	return out
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
