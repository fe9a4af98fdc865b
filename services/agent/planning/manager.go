// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planning

import (
	"strings"
	"sync"

	"github.com/AleutianAI/agentcore/pkg/logging"
	"github.com/AleutianAI/agentcore/services/agent/llm"
)

// ReplyClass is the classification of a user message received while a
// plan awaits approval.
type ReplyClass string

const (
	// ReplyApproval means the user accepted the plan.
	ReplyApproval ReplyClass = "approval"

	// ReplyFeedback means the user asked for plan revisions.
	ReplyFeedback ReplyClass = "feedback"

	// ReplyUnrelated means the message is a new request; the pending
	// plan is discarded.
	ReplyUnrelated ReplyClass = "unrelated"
)

// Manager runs the plan-and-approve state machine for one conversation.
//
// Description:
//
//	Manager intercepts the engine's request and response path. Before a
//	model call it may rewrite the request into a plan-generation prompt
//	(new complex request) or an execution instruction (approved plan).
//	After a model call in a plan-generation turn it captures the plan
//	and synthesizes the approval prompt instead of letting the engine
//	continue.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. The engine serializes turns
//	per conversation, so contention is incidental.
type Manager struct {
	mu      sync.Mutex
	enabled bool
	vocab   Vocabulary
	state   State
	plan    string
	logger  *logging.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a Manager in the idle state.
func NewManager(config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		enabled: config.Enabled,
		vocab:   config.Vocabulary,
		state:   StateIdle,
	}
	if len(m.vocab.PlanningKeywords) == 0 && len(m.vocab.ActionVerbs) == 0 {
		m.vocab = DefaultVocabulary()
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Default()
	}
	return m
}

// State returns the current planning sub-state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingPlan returns the stored plan text, empty unless awaiting
// approval.
func (m *Manager) PendingPlan() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan
}

// AwaitingApproval reports whether a plan is waiting for the user.
func (m *Manager) AwaitingApproval() bool {
	return m.State() == StateAwaitingApproval
}

// Reset returns the manager to idle and discards any pending plan.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.plan = ""
}

// HandleBeforeModel intercepts a turn before the model call.
//
// Description:
//
//	In the idle state the trigger heuristic decides whether to rewrite
//	the request into a plan-generation prompt. While plan generation is
//	pending (a retried attempt) the plan prompt is re-emitted so every
//	attempt of the turn sends the same request. While awaiting approval
//	the user message is classified: approval rewrites the request into
//	an execution instruction keeping non-user contents, feedback is
//	acknowledged without a model call, and an unrelated message resets
//	to idle and is then given to the trigger heuristic like any new
//	request.
//
// Inputs:
//
//	userMessage - the raw text of the new user message.
//	contents    - the candidate request contents the engine assembled.
//	codeContext - optional retrieved code context for the plan prompt.
//
// Outputs:
//
//	Decision telling the engine to proceed, synthesize, or rewrite.
func (m *Manager) HandleBeforeModel(userMessage string, contents []llm.Message, codeContext string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return Decision{Kind: PassThrough}
	}

	if m.state == StateAwaitingApproval {
		switch m.vocab.ClassifyReply(userMessage) {
		case ReplyApproval:
			plan := m.plan
			m.state = StateIdle
			m.plan = ""
			m.logger.Info("plan approved", "plan_chars", len(plan))
			return Decision{
				Kind:         RewriteRequest,
				Contents:     replaceUserContents(contents, executionInstructionTemplate(plan)),
				ApprovedPlan: plan,
				Reason:       ReasonPlanApproved,
			}
		case ReplyFeedback:
			m.state = StateIdle
			m.plan = ""
			m.logger.Info("plan feedback received")
			return Decision{
				Kind:         SynthesizeResponse,
				ResponseText: feedbackAcknowledgment(userMessage),
				Reason:       ReasonPlanFeedback,
			}
		default:
			m.state = StateIdle
			m.plan = ""
			m.logger.Info("unrelated message while awaiting approval, plan discarded")
			// Fall through to the idle handling below so the new
			// request still gets the trigger heuristic.
		}
	}

	if m.state == StatePlanGenerationPending {
		// A retried attempt re-enters before the plan response arrived.
		// The retry must carry the same plan-generation request, tools
		// withheld, or the model's ordinary answer would be captured as
		// the plan.
		m.logger.Info("plan generation retried", "message_chars", len(userMessage))
		return Decision{
			Kind:      RewriteRequest,
			Contents:  []llm.Message{llm.UserText(planGenerationTemplate(userMessage, codeContext))},
			DropTools: true,
			Reason:    ReasonPlanningTriggered,
		}
	}

	if m.vocab.ShouldPlan(userMessage) {
		m.state = StatePlanGenerationPending
		m.logger.Info("planning triggered", "message_chars", len(userMessage))
		return Decision{
			Kind:      RewriteRequest,
			Contents:  []llm.Message{llm.UserText(planGenerationTemplate(userMessage, codeContext))},
			DropTools: true,
			Reason:    ReasonPlanningTriggered,
		}
	}

	return Decision{Kind: PassThrough}
}

// AbortPlanGeneration returns the manager to idle when a plan-generation
// turn is abandoned before its response arrived. A plan already awaiting
// approval is unaffected.
func (m *Manager) AbortPlanGeneration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StatePlanGenerationPending {
		m.state = StateIdle
		m.plan = ""
		m.logger.Info("plan generation aborted")
	}
}

// HandleAfterModel intercepts a model response.
//
// Description:
//
//	In a plan-generation turn the response text becomes the pending
//	plan and the user sees the plan plus the approval prompt; the
//	engine must not run the normal tool loop. An empty plan resets to
//	idle with an apology. Outside plan generation the response passes
//	through.
func (m *Manager) HandleAfterModel(resp *llm.Response) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePlanGenerationPending {
		return Decision{Kind: PassThrough}
	}

	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Text())
	}
	if text == "" {
		m.state = StateIdle
		m.plan = ""
		m.logger.Warn("plan generation returned no text")
		return Decision{
			Kind:         SynthesizeResponse,
			ResponseText: planFailureApology,
			Reason:       ReasonPlanFailed,
		}
	}

	m.state = StateAwaitingApproval
	m.plan = text
	return Decision{
		Kind:         SynthesizeResponse,
		ResponseText: text + "\n\n" + ApprovalPrompt,
		Reason:       ReasonPlanGenerated,
	}
}

// replaceUserContents keeps non-user messages in order and appends a
// single user message carrying the execution instruction.
func replaceUserContents(contents []llm.Message, instruction string) []llm.Message {
	out := make([]llm.Message, 0, len(contents)+1)
	for _, msg := range contents {
		if msg.Role != llm.RoleUser {
			out = append(out, msg)
		}
	}
	return append(out, llm.UserText(instruction))
}

// feedbackAcknowledgment builds the synthesized reply to plan feedback.
func feedbackAcknowledgment(feedback string) string {
	trimmed := strings.TrimSpace(feedback)
	if len(trimmed) > 200 {
		trimmed = trimmed[:200] + "..."
	}
	return "Got it, I'll revise the plan: \"" + trimmed + "\". Please resend your request with those adjustments and I'll generate an updated plan."
}

// ShouldPlan applies the trigger rules in order to a new user message.
//
// Description:
//
//	Rules run in a fixed order. Explicit planning keywords always
//	trigger. Exploration requests always decline, even when later text
//	would match a trigger rule. Complex implementation phrases,
//	multi-step sentence shapes, a multi-step indicator combined with an
//	action verb, and two distinct deliverable nouns each trigger. A
//	message matching nothing declines.
func (v Vocabulary) ShouldPlan(message string) bool {
	words := foldWords(message)
	if len(words) == 0 {
		return false
	}
	joined := joinWords(words)

	if containsAnyPhrase(joined, v.PlanningKeywords) {
		return true
	}
	if v.isExploration(words, joined) {
		return false
	}
	if containsAnyPhrase(joined, v.ComplexPhrases) {
		return true
	}
	for _, re := range v.SequencePatterns {
		if re.MatchString(message) {
			return true
		}
	}
	if containsAnyPhrase(joined, v.MultiStepIndicators) && containsAnyPhrase(joined, v.ActionVerbs) {
		return true
	}
	if countDistinctPhrases(joined, v.DeliverableNouns) >= 2 {
		return true
	}
	return false
}

// isExploration reports whether the message reads as an exploration
// request. The opening word decides for verbs, so "read file and then
// refactor entire module" stays exploration despite later trigger words.
func (v Vocabulary) isExploration(words []string, joined string) bool {
	first := words[0]
	for _, verb := range v.ExplorationVerbs {
		if first == verb {
			return true
		}
	}
	return containsAnyPhrase(joined, v.ExplorationPhrases)
}

// ClassifyReply classifies a user message received while a plan awaits
// approval.
//
// Description:
//
//	The literal word "approve" (after trimming and lowercasing)
//	approves. Short interrogative messages are unrelated by rule before
//	any vocabulary check. A feedback keyword classifies as feedback, as
//	does modification language without an unrelated domain noun.
//	Everything else is unrelated.
func (v Vocabulary) ClassifyReply(message string) ReplyClass {
	if strings.ToLower(strings.TrimSpace(message)) == "approve" {
		return ReplyApproval
	}

	words := foldWords(message)
	if len(words) == 0 {
		return ReplyUnrelated
	}
	joined := joinWords(words)

	if len(words) <= maxInterrogativeWords {
		for _, q := range v.Interrogatives {
			if words[0] == q {
				return ReplyUnrelated
			}
		}
	}

	if containsAnyPhrase(joined, v.FeedbackKeywords) {
		return ReplyFeedback
	}
	if containsAnyPhrase(joined, v.ModificationPhrases) && !containsAnyPhrase(joined, v.UnrelatedNouns) {
		return ReplyFeedback
	}
	return ReplyUnrelated
}

// foldWords lowercases and splits a message into alphanumeric words.
// Apostrophes stay inside words so "i'd like" survives as a phrase.
func foldWords(message string) []string {
	lower := strings.ToLower(message)
	return strings.FieldsFunc(lower, func(r rune) bool {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' {
			return false
		}
		return true
	})
}

// joinWords frames the word list for whole-phrase substring matching.
func joinWords(words []string) string {
	return " " + strings.Join(words, " ") + " "
}

// containsAnyPhrase reports whether any phrase appears as whole words.
func containsAnyPhrase(joined string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(joined, " "+p+" ") {
			return true
		}
	}
	return false
}

// countDistinctPhrases counts how many of the phrases appear.
func countDistinctPhrases(joined string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(joined, " "+p+" ") {
			n++
		}
	}
	return n
}
