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
	agentcontext "github.com/AleutianAI/agentcore/services/agent/context"
	"github.com/AleutianAI/agentcore/pkg/logging"
)

// Shrinker applies progressive context reduction between retry attempts.
// Each retry level trims more aggressively than the last so that a request
// failing on payload size converges toward something the model can accept.
// Applying the same level twice leaves the context unchanged, so a retry
// ladder can re-apply its current level without compounding the damage.
//
// Thread Safety: Shrinker is not safe for concurrent use. It is owned by a
// single message-processing loop and called between attempts only.
type Shrinker struct {
	ctx          *agentcontext.Manager
	base         agentcontext.Config
	preserveGoal bool
	logger       *logging.Logger
	level        int
}

// NewShrinker builds a Shrinker over the given context manager.
//
// Inputs:
//   - ctx: the context manager whose working set is trimmed.
//   - base: the configuration the manager was built with; level-1 shrinkage
//     keeps the configured tool-result target while tightening the rest.
//   - preserveGoal: when true, a full reset (level >= 3) keeps the core goal
//     so the agent does not forget what it was asked to do.
//   - logger: destination for shrink decisions; nil uses the default logger.
func NewShrinker(ctx *agentcontext.Manager, base agentcontext.Config, preserveGoal bool, logger *logging.Logger) *Shrinker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Shrinker{
		ctx:          ctx,
		base:         base,
		preserveGoal: preserveGoal,
		logger:       logger,
	}
}

// Level reports the highest shrink level applied since the last Restore.
func (s *Shrinker) Level() int {
	return s.level
}

// Apply shrinks the working context for the given retry level.
//
// Description:
//
//	Level 1 keeps the last two conversation turns and the last three code
//	snippets. Level 2 keeps a single turn, drops every snippet, and clears
//	tool results recorded for the current turn. Level 3 and above is the
//	emergency mode: conversation history is reset so only the current user
//	message survives, scalar context (goal, phase, decisions, modified
//	files) is cleared, and assembly targets collapse to one turn with no
//	snippets or tool results.
//
// Inputs:
//   - level: retry level, 1-based. Zero or negative is a no-op.
//   - currentTurn: turn number whose tool results level 2 clears.
//
// Outputs:
//   - None. The context manager is mutated in place.
//
// Thread Safety: not safe for concurrent use; see type comment.
func (s *Shrinker) Apply(level, currentTurn int) {
	if level <= 0 {
		return
	}
	if level > s.level {
		s.level = level
	}

	switch {
	case level == 1:
		s.ctx.TrimConversation(2)
		s.ctx.TrimSnippets(3)
		s.ctx.SetTargets(2, 3, s.base.TargetToolResults)
		s.logger.Info("context shrink applied",
			"level", 1,
			"kept_turns", 2,
			"kept_snippets", 3,
		)
	case level == 2:
		s.ctx.TrimConversation(1)
		s.ctx.ClearSnippets()
		s.ctx.ClearToolResultsForTurn(currentTurn)
		s.ctx.SetTargets(1, 0, s.base.TargetToolResults)
		s.logger.Info("context shrink applied",
			"level", 2,
			"kept_turns", 1,
			"cleared_tool_results_turn", currentTurn,
		)
	default:
		// Emergency mode: only the current user message survives.
		s.ctx.ResetAll(s.preserveGoal)
		s.ctx.SetTargets(1, 0, 0)
		s.logger.Warn("context shrink entered emergency mode",
			"level", level,
			"preserve_core_goal", s.preserveGoal,
		)
	}
}

// Restore returns assembly targets to their configured values and clears the
// recorded shrink level. Called after a message finishes, successfully or
// not, so the next message starts from the configured working set.
func (s *Shrinker) Restore() {
	s.ctx.ResetTargets()
	s.level = 0
}
