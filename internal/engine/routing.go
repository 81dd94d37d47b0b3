package engine

import (
	"context"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/expression"
)

// fireHook resolves one lifecycle routing block. Run targets execute inline
// before the hook returns; goto targets re-enter the scheduling loop. Both
// paths are charged against the loop budget.
func (s *Scheduler) fireHook(ctx context.Context, req RunRequest, id string, def *config.Check, block *config.RoutingBlock, scope expression.Scope) {
	if block == nil {
		return
	}
	log := s.logger.With().Str("check", id).Logger()

	for _, target := range s.runTargets(block, scope, id) {
		if _, ok := s.wf.Checks[target]; !ok {
			log.Warn().Str("target", target).Msg("routing run target is not a known check")
			continue
		}
		if !s.chargeRouted(id, target) {
			continue
		}
		s.publish(bus.TopicCheckScheduled, bus.CheckScheduled{CheckID: target})
		s.runCheck(ctx, req, target)
	}

	if target := s.gotoTarget(block, scope, id); target != "" {
		if _, ok := s.wf.Checks[target]; !ok {
			log.Warn().Str("target", target).Msg("routing goto target is not a known check")
			return
		}
		s.enqueueRouted(id, target)
	}

	// retry inside a hook re-enters the owning check itself
	if block.Retry != nil && block.Retry.Max > 0 {
		s.enqueueRouted(id, id)
	}

	if block.GotoEvent != "" {
		// event routing is the host's concern; surface it and move on
		s.publish(bus.TopicRoutingEvent, bus.RoutingEvent{CheckID: id, Event: block.GotoEvent})
	}
}

// runTargets is the union of the static run list and run_js, preserving
// order with the static list first.
func (s *Scheduler) runTargets(block *config.RoutingBlock, scope expression.Scope, id string) []string {
	targets := append([]string{}, block.Run...)
	if block.RunJS != "" {
		dynamic, err := s.eval.EvalTarget(block.RunJS, scope)
		if err != nil {
			s.routingExpressionFault(id, "run_js", err)
		} else {
			targets = append(targets, dynamic...)
		}
	}
	seen := map[string]bool{}
	out := targets[:0]
	for _, t := range targets {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// gotoTarget resolves the jump target: goto, then goto_js, then the first
// matching transition. At most one wins.
func (s *Scheduler) gotoTarget(block *config.RoutingBlock, scope expression.Scope, id string) string {
	if block.Goto != "" {
		return block.Goto
	}
	if block.GotoJS != "" {
		targets, err := s.eval.EvalTarget(block.GotoJS, scope)
		if err != nil {
			s.routingExpressionFault(id, "goto_js", err)
			return ""
		}
		if len(targets) > 0 {
			return targets[0]
		}
		return ""
	}
	for _, tr := range block.Transitions {
		ok, err := s.eval.EvalBool(tr.When, scope)
		if err != nil {
			s.routingExpressionFault(id, "transition", err)
			continue
		}
		if ok {
			return tr.To
		}
	}
	return ""
}

// chargeRouted applies the loop-budget bookkeeping for a routed entry
// without queueing it. Reports whether the entry is allowed.
func (s *Scheduler) chargeRouted(triggeredBy, target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled[target] > 0 && s.scheduled[target] > s.wf.RoutingBudget {
		s.appendIssueLocked(triggeredBy, core.ReviewIssue{
			RuleID:   "engine/RoutingBudgetExhausted",
			Message:  "routing to \"" + target + "\" dropped: loop budget exhausted",
			Severity: core.SeverityWarning,
			Category: core.CategoryOther,
		})
		s.logger.Warn().Str("check", triggeredBy).Str("target", target).Msg("routing budget exhausted")
		return false
	}
	s.scheduled[target]++
	return true
}

// routingExpressionFault downgrades a routing expression error to a warning
// issue on the triggering check; a broken route never fails the run.
func (s *Scheduler) routingExpressionFault(id, kind string, err error) {
	s.logger.Warn().Str("check", id).Str("route", kind).Err(err).Msg("routing expression failed")
	s.appendIssue(id, core.ReviewIssue{
		RuleID:   "engine/routing_expression_error",
		Message:  kind + ": " + err.Error(),
		Severity: core.SeverityWarning,
		Category: core.CategoryOther,
	})
}
