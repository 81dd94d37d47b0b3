package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/conditions"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/expression"
	"github.com/reviewflow/reviewflow/internal/provider"
)

// runCheck executes one scheduled entry of a check: gates, forEach fan-in,
// provider attempts, transform, conditions, and lifecycle hooks.
func (s *Scheduler) runCheck(ctx context.Context, req RunRequest, id string) {
	def := s.wf.Checks[id]
	log := s.logger.With().Str("check", id).Logger()

	depsFailed := s.anyDependencyFailed(def)
	scope := s.baseScope(req, id, def, nil, depsFailed)

	// if gate; an expression fault counts as false and skips the check
	if def.If != "" {
		ok, err := s.eval.EvalBool(def.If, scope)
		if err != nil {
			log.Warn().Err(err).Msg("if condition did not evaluate, skipping")
			ok = false
		}
		if !ok {
			s.recordSkip(id, core.SkipIfCondition)
			return
		}
	}

	if depsFailed && s.wf.FailFast {
		s.recordSkip(id, core.SkipDependencyFailed)
		return
	}

	// forEach fan-in over upstream items
	combos, empty := s.iterationPlan(def)
	if empty {
		s.recordSkip(id, core.SkipForEachEmpty)
		return
	}

	if def.OnInit != nil {
		s.fireHook(ctx, req, id, def, def.OnInit, scope)
	}

	outcome := core.OutcomeSucceeded
	for iter, overlay := range combos {
		iterOutcome := s.runIteration(ctx, req, id, def, iter, overlay, depsFailed)
		outcome = worseOutcome(outcome, iterOutcome)
		if err := context.Cause(ctx); err != nil {
			break
		}
	}
	s.setOutcome(id, outcome)

	hookScope := s.baseScope(req, id, def, nil, depsFailed)
	switch outcome {
	case core.OutcomeSucceeded:
		if def.OnSuccess != nil {
			s.fireHook(ctx, req, id, def, def.OnSuccess, hookScope)
		}
	default:
		if def.OnFail != nil {
			s.fireHook(ctx, req, id, def, def.OnFail, hookScope)
		}
	}
	// on_finish runs exactly once, after the terminal outcome
	if def.OnFinish != nil {
		s.fireHook(ctx, req, id, def, def.OnFinish, hookScope)
	}
}

// runIteration performs one provider invocation (one forEach combination)
// and records its history entry, conditions verdict, and execution record.
func (s *Scheduler) runIteration(ctx context.Context, req RunRequest, id string, def *config.Check, iter int, overlay map[string]any, depsFailed bool) core.CheckOutcome {
	started := time.Now()
	deps := s.dependencyResults(def, overlay)
	view := s.snapshotView(overlay)

	s.publish(bus.TopicCheckStarted, bus.CheckStarted{CheckID: id, Iteration: iter})

	record := core.ExecutionRecord{
		CheckID:          id,
		Iteration:        iter,
		StartedAt:        started,
		InputFingerprint: fingerprint(id, iter, deps),
	}

	summary, execErr := s.executeAttempts(ctx, req, id, def, deps, view)
	record.ProviderDuration = time.Since(started).Milliseconds()

	outcome := core.OutcomeSucceeded
	if execErr != nil {
		outcome = core.OutcomeErrored
		record.Error = execErr.Error()
		if summary == nil {
			summary = &core.ReviewSummary{}
		}
		summary.Issues = append(summary.Issues, executionIssue(def.Type, execErr))
	}

	// transform and forEach expansion only apply to clean invocations
	var iterationItems []any
	if execErr == nil {
		var terr error
		summary, iterationItems, terr = s.applyTransform(req, id, def, summary, view, depsFailed)
		if terr != nil {
			outcome = core.OutcomeErrored
			record.Error = terr.Error()
		}
	}

	s.appendHistory(id, def, summary, iterationItems)

	// fail_if / failure_conditions decide failed vs succeeded
	if outcome == core.OutcomeSucceeded {
		defs := config.EffectiveConditions(s.wf, def)
		if len(defs) > 0 {
			condScope := s.baseScope(req, id, def, summaryScopeOutput(summary), depsFailed)
			condScope.Outputs = s.snapshotView(overlay)
			results := s.conds.Evaluate(defs, condScope)
			for _, r := range conditions.GetFailedConditions(results) {
				s.appendIssue(id, conditionIssue(r))
			}
			if conditions.ShouldHaltExecution(results) {
				outcome = core.OutcomeFailed
			}
		}
	}

	record.FinishedAt = time.Now()
	record.Outcome = outcome
	record.IssueCounts = summary.CountBySeverity()
	s.appendRecord(record)

	if outcome == core.OutcomeErrored {
		s.publish(bus.TopicCheckErrored, bus.CheckErrored{CheckID: id, Error: record.Error})
	}
	s.publish(bus.TopicCheckCompleted, bus.CheckCompleted{
		CheckID: id, Iteration: iter, Outcome: outcome, Result: summary,
	})
	return outcome
}

// executeAttempts drives the provider call with timeout, panic isolation,
// retry policy, and human-input suspension.
func (s *Scheduler) executeAttempts(ctx context.Context, req RunRequest, id string, def *config.Check, deps map[string]any, view core.OutputsView) (*core.ReviewSummary, error) {
	p, err := s.providers.GetOrFail(def.Type)
	if err != nil {
		return nil, &core.ProviderError{Provider: def.Type, Kind: core.ProviderErrFatal, Err: err}
	}

	in := provider.RunInput{
		CheckID:      id,
		PR:           req.PR,
		Config:       s.providerConfig(def),
		Dependencies: deps,
		Session:      sessionInfo(def),
		Inputs:       req.Inputs,
		Memory:       s.memory,
		Outputs:      view,
		Env:          s.wf.Env,
		Events:       s.bus,
		Logger:       s.logger.With().Str("check", id).Logger(),
	}

	maxAttempts := 1
	if def.Retry != nil {
		maxAttempts = def.Retry.Max + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		summary, execErr := s.callProvider(ctx, def, p, in)

		if execErr == nil {
			return summary, nil
		}
		if errors.Is(execErr, core.ErrHumanInputPending) {
			return s.awaitHumanInput(ctx, id, summary)
		}

		lastErr = execErr
		if attempt == maxAttempts || !retryAllowed(def.Retry, execErr) {
			break
		}
		delay := DelayForAttempt(attempt, backoffFromRetry(def.Retry), jitterSeed(s.runID, id, attempt))
		s.logger.Warn().Str("check", id).Int("attempt", attempt).Dur("delay", delay).Err(execErr).
			Msg("check errored, retrying")
		if err := sleepWithContext(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

// callProvider isolates one attempt: per-check timeout and panic recovery.
func (s *Scheduler) callProvider(ctx context.Context, def *config.Check, p provider.CheckProvider, in provider.RunInput) (summary *core.ReviewSummary, err error) {
	callCtx := ctx
	if def.TimeoutMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			summary = nil
			err = &core.ProviderError{Provider: def.Type, Kind: core.ProviderErrFatal, Err: fmt.Errorf("provider panic: %v", r)}
		}
	}()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	summary, err = p.Execute(callCtx, in)
	if err != nil && !errors.Is(err, core.ErrHumanInputPending) {
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = &core.ProviderError{Provider: def.Type, Kind: core.ProviderErrTimeout, Err: callCtx.Err()}
		}
	}
	return summary, err
}

func (s *Scheduler) awaitHumanInput(ctx context.Context, id string, placeholder *core.ReviewSummary) (*core.ReviewSummary, error) {
	value, err := s.human.wait(ctx, id)
	if err != nil {
		return nil, &core.ProviderError{Provider: "human-input", Kind: core.ProviderErrFatal, Err: err}
	}
	resolved := &core.ReviewSummary{Output: value}
	if placeholder != nil {
		resolved.Content = placeholder.Content
	}
	return resolved, nil
}

// applyTransform runs transform_js and expands forEach items. An undefined
// transform under forEach is a configuration error: the check errors and
// dependents see an empty item list.
func (s *Scheduler) applyTransform(req RunRequest, id string, def *config.Check, summary *core.ReviewSummary, view core.OutputsView, depsFailed bool) (*core.ReviewSummary, []any, error) {
	if summary == nil {
		summary = &core.ReviewSummary{}
	}
	if def.TransformJS == "" {
		if def.ForEach {
			return summary, asItems(summary.EffectiveOutput()), nil
		}
		return summary, nil, nil
	}

	scope := s.baseScope(req, id, def, summary.EffectiveOutput(), depsFailed)
	scope.Outputs = view
	v, found, err := s.eval.EvalValue(def.TransformJS, scope)
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("transform returned undefined")
		}
		summary.Issues = append(summary.Issues, core.ReviewIssue{
			RuleID:   def.Type + "/transform_js_error",
			Message:  err.Error(),
			Severity: core.SeverityError,
			Category: core.CategoryLogic,
		})
		if def.ForEach {
			return summary, []any{}, fmt.Errorf("transform_js: %w", err)
		}
		return summary, nil, fmt.Errorf("transform_js: %w", err)
	}

	if def.ForEach {
		return summary, asItems(v), nil
	}
	summary.Output = v
	return summary, nil, nil
}

// appendHistory is the single mutation point for outputs and history. A
// forEach check appends one entry per item; everything else appends the
// summary's effective output once.
func (s *Scheduler) appendHistory(id string, def *config.Check, summary *core.ReviewSummary, iterationItems []any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries[id] = append(s.summaries[id], summary)

	if def.ForEach {
		if _, ok := s.items[id]; !ok {
			s.items[id] = []any{}
		}
		s.items[id] = append(s.items[id], iterationItems...)
		for _, item := range iterationItems {
			s.outputs.History[id] = append(s.outputs.History[id], item)
			s.outputs.Latest[id] = item
		}
		if len(iterationItems) == 0 {
			delete(s.outputs.Latest, id)
		}
		return
	}

	out := summary.EffectiveOutput()
	s.outputs.History[id] = append(s.outputs.History[id], out)
	s.outputs.Latest[id] = out
}

// iterationPlan computes the Cartesian product over forEach parents in
// depends_on insertion order. empty reports that some parent produced no
// items, which skips this check entirely.
func (s *Scheduler) iterationPlan(def *config.Check) (combos []map[string]any, empty bool) {
	var parents []string
	for _, dep := range def.DependsOn {
		parent := s.wf.Checks[dep]
		if parent != nil && parent.ForEach {
			if items, ok := s.itemsOf(dep); ok {
				if len(items) == 0 {
					return nil, true
				}
				parents = append(parents, dep)
			}
		}
	}
	combos = []map[string]any{nil}
	for _, parent := range parents {
		items, _ := s.itemsOf(parent)
		var next []map[string]any
		for _, combo := range combos {
			for _, item := range items {
				merged := make(map[string]any, len(combo)+1)
				for k, v := range combo {
					merged[k] = v
				}
				merged[parent] = item
				next = append(next, merged)
			}
		}
		combos = next
	}
	return combos, false
}

func (s *Scheduler) dependencyResults(def *config.Check, overlay map[string]any) map[string]any {
	deps := map[string]any{}
	s.mu.Lock()
	for _, dep := range def.DependsOn {
		if v, ok := s.outputs.Latest[dep]; ok {
			deps[dep] = v
		}
	}
	s.mu.Unlock()
	for k, v := range overlay {
		deps[k] = v
	}
	return deps
}

func (s *Scheduler) anyDependencyFailed(def *config.Check) bool {
	for _, dep := range def.DependsOn {
		if o, ok := s.outcomeOf(dep); ok && (o == core.OutcomeFailed || o == core.OutcomeErrored) {
			return true
		}
	}
	return false
}

func (s *Scheduler) baseScope(req RunRequest, id string, def *config.Check, output any, depsFailed bool) expression.Scope {
	var files []core.FileDelta
	if req.PR != nil {
		files = req.PR.Files
	}
	return expression.Scope{
		Outputs:    s.snapshotView(nil),
		Inputs:     req.Inputs,
		PR:         req.PR,
		Files:      files,
		Env:        s.wf.Env,
		Memory:     s.memory,
		CheckName:  id,
		Schema:     def.Schema,
		Group:      def.Group,
		Output:     output,
		DepsFailed: depsFailed,
		Logger:     s.logger,
	}
}

// providerConfig materializes the provider-facing config: the check's
// inline params plus the workflow-level AI defaults.
func (s *Scheduler) providerConfig(def *config.Check) map[string]any {
	cfg := make(map[string]any, len(def.Params)+3)
	for k, v := range def.Params {
		cfg[k] = v
	}
	if _, ok := cfg["ai_model"]; !ok && s.wf.AIModel != "" {
		cfg["ai_model"] = s.wf.AIModel
	}
	if _, ok := cfg["ai_provider"]; !ok && s.wf.AIProvider != "" {
		cfg["ai_provider"] = s.wf.AIProvider
	}
	if def.Schema != "" {
		cfg["schema"] = def.Schema
	}
	return cfg
}

func (s *Scheduler) recordSkip(id, reason string) {
	now := time.Now()
	s.appendRecord(core.ExecutionRecord{
		CheckID:    id,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    core.OutcomeSkipped,
		SkipReason: reason,
	})
	s.setOutcome(id, core.OutcomeSkipped)
	s.publish(bus.TopicCheckCompleted, bus.CheckCompleted{
		CheckID: id, Outcome: core.OutcomeSkipped, Result: &core.ReviewSummary{},
	})
}

func (s *Scheduler) setOutcome(id string, o core.CheckOutcome) {
	s.mu.Lock()
	s.outcomes[id] = o
	s.mu.Unlock()
}

func (s *Scheduler) appendRecord(r core.ExecutionRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *Scheduler) appendIssue(id string, issue core.ReviewIssue) {
	s.mu.Lock()
	s.appendIssueLocked(id, issue)
	s.mu.Unlock()
}

func sessionInfo(def *config.Check) core.SessionInfo {
	info := core.SessionInfo{ReuseSession: def.ReuseAISession, Mode: core.SessionMode(def.SessionMode)}
	if def.ReuseAISession && len(def.DependsOn) > 0 {
		info.ParentSessionID = def.DependsOn[0]
	}
	return info
}

func retryAllowed(r *config.Retry, err error) bool {
	if r == nil || r.Max <= 0 {
		return false
	}
	if len(r.RetryableErrors) > 0 {
		msg := err.Error()
		for _, sub := range r.RetryableErrors {
			if sub != "" && strings.Contains(msg, sub) {
				return true
			}
		}
		return false
	}
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

func worseOutcome(a, b core.CheckOutcome) core.CheckOutcome {
	rank := func(o core.CheckOutcome) int {
		switch o {
		case core.OutcomeErrored:
			return 3
		case core.OutcomeFailed:
			return 2
		case core.OutcomeSkipped:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func executionIssue(checkType string, err error) core.ReviewIssue {
	rule := checkType + "/execution_error"
	if core.ClassifyProviderError(err) == core.ProviderErrTimeout {
		rule = checkType + "/timeout"
	}
	return core.ReviewIssue{
		RuleID:   rule,
		Message:  err.Error(),
		Severity: core.SeverityError,
		Category: core.CategoryLogic,
	}
}

func conditionIssue(r conditions.Result) core.ReviewIssue {
	msg := r.Message
	if msg == "" {
		msg = "failure condition " + r.Name + " triggered"
	}
	return core.ReviewIssue{
		RuleID:   "condition/" + r.Name,
		Message:  msg,
		Severity: r.Severity,
		Category: core.CategoryOther,
	}
}

// summaryScopeOutput builds the `output` binding for fail_if and failure
// conditions: the summary's wire shape (issues, suggestions, content) with
// the structured output's own fields hoisted to the top level.
func summaryScopeOutput(summary *core.ReviewSummary) any {
	if summary == nil {
		return nil
	}
	base := map[string]any{}
	if b, err := json.Marshal(summary); err == nil {
		_ = json.Unmarshal(b, &base)
	}
	if b, err := json.Marshal(summary.Output); err == nil {
		hoisted := map[string]any{}
		if json.Unmarshal(b, &hoisted) == nil {
			for k, v := range hoisted {
				base[k] = v
			}
		}
	}
	return base
}

func asItems(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	default:
		return []any{t}
	}
}

func fingerprint(id string, iter int, deps map[string]any) string {
	payload, err := json.Marshal(deps)
	if err != nil {
		payload = nil
	}
	h := blake3.New()
	fmt.Fprintf(h, "%s:%d:", id, iter)
	h.Write(payload)
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}
