// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planning implements the optional plan-and-approve sub-protocol.
//
// The Manager watches user messages for requests complex enough to plan
// first. When triggered it rewrites the outgoing model request into a
// plan-generation prompt, holds the generated plan until the user
// approves it, and on approval rewrites the next request into an
// execution instruction. Approval, revision feedback, and unrelated new
// requests are told apart by a fixed vocabulary.
package planning

import (
	"fmt"
	"regexp"

	"github.com/AleutianAI/agentcore/services/agent/llm"
)

// State is the planning sub-state. Exactly one holds at a time.
type State string

const (
	// StateIdle means no planning activity is in progress.
	StateIdle State = "idle"

	// StatePlanGenerationPending means the upcoming model call has been
	// rewritten to ask for a plan.
	StatePlanGenerationPending State = "plan_generation_pending"

	// StateAwaitingApproval means a plan is stored and the next user
	// message is read as approval, feedback, or an unrelated request.
	StateAwaitingApproval State = "awaiting_approval"
)

// DecisionKind tells the engine what to do with an intercepted exchange.
type DecisionKind string

const (
	// PassThrough means the engine proceeds normally.
	PassThrough DecisionKind = "pass_through"

	// SynthesizeResponse means the engine returns ResponseText to the
	// user without calling the model.
	SynthesizeResponse DecisionKind = "synthesize_response"

	// RewriteRequest means the engine replaces the outgoing request
	// contents with Contents before calling the model.
	RewriteRequest DecisionKind = "rewrite_request"
)

// Decision reasons, for events and logging.
const (
	ReasonPlanningTriggered = "planning_triggered"
	ReasonPlanGenerated     = "plan_generated"
	ReasonPlanFailed        = "plan_failed"
	ReasonPlanApproved      = "plan_approved"
	ReasonPlanFeedback      = "plan_feedback"
	ReasonUnrelated         = "unrelated_request"
)

// Decision is the result of a planning interception.
type Decision struct {
	// Kind selects the engine's next action.
	Kind DecisionKind

	// ResponseText is the synthesized user-visible text for
	// SynthesizeResponse decisions.
	ResponseText string

	// Contents replaces the outgoing request contents for
	// RewriteRequest decisions.
	Contents []llm.Message

	// ApprovedPlan carries the plan text when an approval drove the
	// rewrite.
	ApprovedPlan string

	// DropTools clears the outgoing tool list so the model cannot call
	// tools during plan generation.
	DropTools bool

	// Reason labels the decision for events and logging.
	Reason string
}

// ApprovalPrompt is appended verbatim to every presented plan.
const ApprovalPrompt = "Does this plan look correct? Please type 'approve' to proceed, or provide feedback to revise the plan."

// planFailureApology is returned when plan generation produced no text.
const planFailureApology = "I wasn't able to generate a plan for that request. Please try rephrasing it or break it into smaller pieces."

// maxInterrogativeWords bounds the short-question rule: questions this
// short that open with an interrogative are treated as unrelated new
// requests rather than plan feedback.
const maxInterrogativeWords = 8

// Vocabulary holds the heuristic word lists. All matching is
// case-insensitive on whole words or phrases.
type Vocabulary struct {
	// PlanningKeywords force a planning trigger.
	PlanningKeywords []string

	// ExplorationVerbs suppress planning when they open the message.
	ExplorationVerbs []string

	// ExplorationPhrases suppress planning anywhere in the message.
	ExplorationPhrases []string

	// ComplexPhrases trigger planning anywhere in the message.
	ComplexPhrases []string

	// SequencePatterns trigger planning on multi-step sentence shapes.
	SequencePatterns []*regexp.Regexp

	// MultiStepIndicators combined with an ActionVerb trigger planning.
	MultiStepIndicators []string

	// ActionVerbs are the verbs that make a multi-step message a task.
	ActionVerbs []string

	// DeliverableNouns trigger planning when two distinct ones appear.
	DeliverableNouns []string

	// FeedbackKeywords classify an awaiting-approval reply as revision
	// feedback.
	FeedbackKeywords []string

	// ModificationPhrases classify a reply as feedback unless an
	// UnrelatedNoun appears.
	ModificationPhrases []string

	// UnrelatedNouns mark a reply as a new request despite modification
	// language.
	UnrelatedNouns []string

	// Interrogatives open short questions that bypass feedback
	// classification.
	Interrogatives []string
}

// DefaultVocabulary returns the shipped heuristic vocabularies.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		PlanningKeywords: []string{
			"plan this", "create a plan", "draft a plan", "make a plan",
			"plan out", "plan for",
		},
		ExplorationVerbs: []string{
			"read", "show", "list", "find", "search", "explain", "view",
			"check", "describe", "cat", "print",
		},
		ExplorationPhrases: []string{
			"what is", "what are", "how does", "how do", "check status",
			"view log", "view logs", "show me", "tell me about",
		},
		ComplexPhrases: []string{
			"implement and", "create and deploy", "refactor entire",
			"migrate from", "build and deploy", "design and implement",
			"set up and", "end to end", "from scratch",
		},
		SequencePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(add|create|implement)\b.*\bthen\b.*\b(test|tests|deploy|document)\b`),
			regexp.MustCompile(`(?i)\b(refactor|migrate|convert)\b.*\b(then|and then)\b.*\b(verify|validate|test)\b`),
		},
		MultiStepIndicators: []string{
			"start by", "then", "first", "second", "third", "finally",
			"after that", "next", "step 1", "step 2", "step one",
			"step two", "followed by",
		},
		ActionVerbs: []string{
			"implement", "create", "build", "design", "refactor",
			"deploy", "configure", "setup", "migrate", "convert",
		},
		DeliverableNouns: []string{
			"report", "analysis", "implementation", "documentation",
			"enhancement", "system", "application", "service",
			"dashboard", "pipeline",
		},
		FeedbackKeywords: []string{
			"plan", "step", "phase", "approach", "methodology",
			"strategy", "add", "remove", "change", "modify", "revise",
			"shorter", "longer", "before", "after", "instead",
		},
		ModificationPhrases: []string{
			"make it", "could you", "can you", "please", "rather than",
			"would prefer", "i'd like", "i would like",
		},
		UnrelatedNouns: []string{
			"k8s", "kubernetes", "database", "weather", "cluster",
			"billing", "invoice", "calendar", "email",
		},
		Interrogatives: []string{
			"what", "how", "where", "when", "who", "why",
		},
	}
}

// Config configures a Manager.
type Config struct {
	// Enabled is the master switch; when false every message passes
	// through.
	Enabled bool

	// Vocabulary holds the heuristic word lists. Zero value means the
	// defaults.
	Vocabulary Vocabulary
}

// planGenerationTemplate builds the single user message for a
// plan-generation turn.
func planGenerationTemplate(request, codeContext string) string {
	prompt := fmt.Sprintf(`You are in planning mode. Produce a step-by-step plan for the request below. Do not execute anything and do not call any tools yet.

Request:
%s
`, request)
	if codeContext != "" {
		prompt += fmt.Sprintf(`
Relevant code context:
%s
`, codeContext)
	}
	prompt += `
Format the plan as a numbered list of concrete steps, naming the files and commands involved. Finish with any assumptions or risks.`
	return prompt
}

// executionInstructionTemplate builds the single user message that
// replaces all user-role contents after a plan is approved.
func executionInstructionTemplate(plan string) string {
	return fmt.Sprintf(`The user approved the following plan. Execute it now, step by step, using the available tools. Report progress as you complete each step and stop if a step fails.

Approved plan:
%s`, plan)
}
