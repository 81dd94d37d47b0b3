// Package engine schedules a run's checks over the static dependency DAG,
// fans forEach parents out over their items, applies retries and timeouts,
// and follows routing hooks within a per-run loop budget.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/conditions"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/expression"
	"github.com/reviewflow/reviewflow/internal/memory"
	"github.com/reviewflow/reviewflow/internal/provider"
)

// Options wires a scheduler to its collaborators.
type Options struct {
	Workflow  *config.Workflow
	Providers *provider.Registry
	Bus       *bus.Bus
	Memory    *memory.Store
	Logger    zerolog.Logger
	RunID     string
}

// RunRequest selects the eligible checks for one run. Checks carries the
// event-triggered subset in a stable order; the scheduler completes their
// dependency closure by outcome, not by adding checks.
type RunRequest struct {
	PR     *core.PRInfo
	Inputs map[string]any
	Event  string
	Checks []string
}

// RunResult is everything a run produced.
type RunResult struct {
	Outputs   core.OutputsView
	Summaries map[string][]*core.ReviewSummary
	Records   []core.ExecutionRecord
	Outcomes  map[string]core.CheckOutcome
}

// Scheduler drives one or more runs over a fixed workflow. It is the only
// component that mutates outputs and history.
type Scheduler struct {
	wf        *config.Workflow
	providers *provider.Registry
	bus       *bus.Bus
	memory    *memory.Store
	eval      *expression.Evaluator
	conds     *conditions.Evaluator
	logger    zerolog.Logger
	runID     string

	sem chan struct{}

	mu        sync.Mutex
	outputs   core.OutputsView
	items     map[string][]any
	summaries map[string][]*core.ReviewSummary
	records   []core.ExecutionRecord
	outcomes  map[string]core.CheckOutcome
	scheduled map[string]int
	pending   []string

	human *humanGate
}

func New(opts Options) *Scheduler {
	mem := opts.Memory
	if mem == nil {
		mem = memory.NewStore()
	}
	par := opts.Workflow.MaxParallelism
	if par < 1 {
		par = config.DefaultMaxParallelism
	}
	s := &Scheduler{
		wf:        opts.Workflow,
		providers: opts.Providers,
		bus:       opts.Bus,
		memory:    mem,
		eval:      expression.NewEvaluator(opts.Logger),
		conds:     conditions.NewEvaluator(opts.Logger),
		logger:    opts.Logger,
		runID:     opts.RunID,
		sem:       make(chan struct{}, par),
		outputs:   core.NewOutputsView(),
		items:     map[string][]any{},
		summaries: map[string][]*core.ReviewSummary{},
		outcomes:  map[string]core.CheckOutcome{},
		scheduled: map[string]int{},
		human:     newHumanGate(opts.Bus),
	}
	return s
}

// Run executes the requested checks to completion and returns the collected
// results. It never aborts on a single check; only cancellation or a
// scheduling stall surfaces as an error.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	for _, id := range req.Checks {
		s.enqueueInitial(id)
	}

	for {
		if err := context.Cause(ctx); err != nil {
			return s.result(), err
		}
		ready := s.takeReady()
		if len(ready) == 0 {
			if s.pendingCount() == 0 {
				break
			}
			return s.result(), fmt.Errorf("scheduling stalled: %d checks have unmet dependencies", s.pendingCount())
		}

		var wg sync.WaitGroup
		for _, id := range ready {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.runCheck(ctx, req, id)
			}(id)
		}
		wg.Wait()
	}

	return s.result(), nil
}

func (s *Scheduler) result() *RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &RunResult{
		Outputs:   s.outputs.Clone(),
		Summaries: make(map[string][]*core.ReviewSummary, len(s.summaries)),
		Records:   append([]core.ExecutionRecord{}, s.records...),
		Outcomes:  make(map[string]core.CheckOutcome, len(s.outcomes)),
	}
	for k, v := range s.summaries {
		out.Summaries[k] = append([]*core.ReviewSummary{}, v...)
	}
	for k, v := range s.outcomes {
		out.Outcomes[k] = v
	}
	return out
}

func (s *Scheduler) enqueueInitial(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled[id] > 0 {
		return
	}
	s.scheduled[id] = 1
	s.pending = append(s.pending, id)
	s.publish(bus.TopicCheckScheduled, bus.CheckScheduled{CheckID: id})
}

// enqueueRouted re-enters a target from a routing hook. Each re-entry of an
// already-scheduled check consumes one unit of the per-run loop budget;
// exhaustion drops the route and flags the triggering check.
func (s *Scheduler) enqueueRouted(triggeredBy, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled[target] > 0 {
		reentries := s.scheduled[target] // prior enqueues beyond the first
		if reentries > s.wf.RoutingBudget {
			s.appendIssueLocked(triggeredBy, core.ReviewIssue{
				RuleID:   "engine/RoutingBudgetExhausted",
				Message:  fmt.Sprintf("routing to %q dropped: loop budget of %d re-entries spent", target, s.wf.RoutingBudget),
				Severity: core.SeverityWarning,
				Category: core.CategoryOther,
			})
			s.logger.Warn().Str("check", triggeredBy).Str("target", target).Msg("routing budget exhausted")
			return
		}
	}
	s.scheduled[target]++
	s.pending = append(s.pending, target)
	s.publish(bus.TopicCheckScheduled, bus.CheckScheduled{CheckID: target})
}

// takeReady removes and returns every pending check whose eligible
// dependencies all have outcomes. Dependencies outside this run's schedule
// count as satisfied with no output.
func (s *Scheduler) takeReady() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready, blocked []string
	inPending := map[string]bool{}
	for _, id := range s.pending {
		inPending[id] = true
	}
	for _, id := range s.pending {
		ok := true
		for _, dep := range s.wf.Checks[id].DependsOn {
			if _, done := s.outcomes[dep]; done {
				continue
			}
			if inPending[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		} else {
			blocked = append(blocked, id)
		}
	}
	s.pending = blocked
	return ready
}

func (s *Scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) publish(topic bus.Topic, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Scheduler) appendIssueLocked(checkID string, issue core.ReviewIssue) {
	sums := s.summaries[checkID]
	if len(sums) == 0 {
		s.summaries[checkID] = []*core.ReviewSummary{{Issues: []core.ReviewIssue{issue}}}
		return
	}
	last := sums[len(sums)-1]
	last.Issues = append(last.Issues, issue)
}

// snapshotView returns a detached outputs view, optionally overlaying the
// current forEach items so a dependent sees outputs[parent] as its item.
func (s *Scheduler) snapshotView(overlay map[string]any) core.OutputsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := s.outputs.Clone()
	for k, v := range overlay {
		view.Latest[k] = v
	}
	return view
}

func (s *Scheduler) outcomeOf(id string) (core.CheckOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[id]
	return o, ok
}

func (s *Scheduler) itemsOf(id string) ([]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.items[id]
	return items, ok
}
