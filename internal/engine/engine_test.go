package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/provider"
)

// fakeProvider scripts per-check behavior and records every invocation.
type fakeProvider struct {
	name string

	mu    sync.Mutex
	calls []provider.RunInput

	// behave maps checkId to a response function; unset checks succeed with
	// an empty summary.
	behave map[string]func(ctx context.Context, in provider.RunInput) (*core.ReviewSummary, error)
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:   name,
		behave: map[string]func(context.Context, provider.RunInput) (*core.ReviewSummary, error){},
	}
}

func (f *fakeProvider) Name() string                          { return f.name }
func (f *fakeProvider) Description() string                   { return "scripted" }
func (f *fakeProvider) ValidateConfig(map[string]any) error   { return nil }
func (f *fakeProvider) SupportedKeys() []string               { return nil }
func (f *fakeProvider) IsAvailable() bool                     { return true }
func (f *fakeProvider) Requirements() []string                { return nil }

func (f *fakeProvider) Execute(ctx context.Context, in provider.RunInput) (*core.ReviewSummary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	fn := f.behave[in.CheckID]
	f.mu.Unlock()
	if fn == nil {
		return &core.ReviewSummary{}, nil
	}
	return fn(ctx, in)
}

func (f *fakeProvider) callsFor(id string) []provider.RunInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.RunInput
	for _, c := range f.calls {
		if c.CheckID == id {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	wf   *config.Workflow
	fake *fakeProvider
	bus  *bus.Bus
	sch  *Scheduler
}

func newHarness(t *testing.T, wf *config.Workflow) *harness {
	t.Helper()
	if wf.MaxParallelism == 0 {
		wf.MaxParallelism = config.DefaultMaxParallelism
	}
	if wf.RoutingBudget == 0 {
		wf.RoutingBudget = config.DefaultRoutingBudget
	}
	fake := newFakeProvider("fake")
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(fake))
	b := bus.New()
	t.Cleanup(b.Close)
	return &harness{
		wf:   wf,
		fake: fake,
		bus:  b,
		sch: New(Options{
			Workflow:  wf,
			Providers: reg,
			Bus:       b,
			Logger:    zerolog.Nop(),
			RunID:     "test-run",
		}),
	}
}

func run(t *testing.T, h *harness, checks ...string) *RunResult {
	t.Helper()
	res, err := h.sch.Run(context.Background(), RunRequest{Checks: checks})
	require.NoError(t, err)
	return res
}

func check(typ string) *config.Check {
	return &config.Check{Type: typ, Params: map[string]any{}}
}

func TestRun_ForEachFansOutOverItems(t *testing.T) {
	fetch := check("fake")
	fetch.ForEach = true
	review := check("fake")
	review.DependsOn = []string{"fetch"}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{
		"fetch": fetch, "review": review,
	}})
	h.fake.behave["fetch"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Output: []any{"TICKET-1", "TICKET-2"}}, nil
	}

	res := run(t, h, "fetch", "review")

	// one dependent invocation per parent item, in item order
	calls := h.fake.callsFor("review")
	require.Len(t, calls, 2)
	assert.Equal(t, "TICKET-1", calls[0].Dependencies["fetch"])
	assert.Equal(t, "TICKET-2", calls[1].Dependencies["fetch"])
	// dependents see outputs[fetch] as the current item, not the list
	assert.Equal(t, "TICKET-1", calls[0].Outputs.Latest["fetch"])

	assert.Equal(t, []any{"TICKET-1", "TICKET-2"}, res.Outputs.History["fetch"])
	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["review"])
}

func TestRun_ForEachCartesianProductOverTwoParents(t *testing.T) {
	a := check("fake")
	a.ForEach = true
	b := check("fake")
	b.ForEach = true
	child := check("fake")
	child.DependsOn = []string{"a", "b"}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{
		"a": a, "b": b, "child": child,
	}})
	h.fake.behave["a"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Output: []any{"a1", "a2"}}, nil
	}
	h.fake.behave["b"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Output: []any{"b1"}}, nil
	}

	run(t, h, "a", "b", "child")

	calls := h.fake.callsFor("child")
	require.Len(t, calls, 2)
	// depends_on order drives the product: a varies slowest
	assert.Equal(t, "a1", calls[0].Dependencies["a"])
	assert.Equal(t, "b1", calls[0].Dependencies["b"])
	assert.Equal(t, "a2", calls[1].Dependencies["a"])
}

func TestRun_UndefinedTransformUnderForEachErrors(t *testing.T) {
	fetch := check("fake")
	fetch.ForEach = true
	fetch.TransformJS = "undefined"
	review := check("fake")
	review.DependsOn = []string{"fetch"}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{
		"fetch": fetch, "review": review,
	}})
	h.fake.behave["fetch"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Content: "raw"}, nil
	}

	res := run(t, h, "fetch", "review")

	assert.Equal(t, core.OutcomeErrored, res.Outcomes["fetch"])
	require.NotEmpty(t, res.Summaries["fetch"])
	issues := res.Summaries["fetch"][0].Issues
	require.Len(t, issues, 1)
	assert.Equal(t, "fake/transform_js_error", issues[0].RuleID)

	// the dependent never runs: the parent produced zero items
	assert.Empty(t, h.fake.callsFor("review"))
	assert.Equal(t, core.OutcomeSkipped, res.Outcomes["review"])
	rec := recordFor(res, "review")
	assert.Equal(t, core.SkipForEachEmpty, rec.SkipReason)
}

func TestRun_EmptyForEachListSkipsDependents(t *testing.T) {
	fetch := check("fake")
	fetch.ForEach = true
	review := check("fake")
	review.DependsOn = []string{"fetch"}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{
		"fetch": fetch, "review": review,
	}})
	h.fake.behave["fetch"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Output: []any{}}, nil
	}

	res := run(t, h, "fetch", "review")
	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["fetch"])
	assert.Equal(t, core.OutcomeSkipped, res.Outcomes["review"])
	assert.Equal(t, core.SkipForEachEmpty, recordFor(res, "review").SkipReason)
}

func TestRun_TransformReshapesOutput(t *testing.T) {
	c := check("fake")
	c.TransformJS = `{"count": len(output.issues)}`

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	h.fake.behave["c"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Output: map[string]any{"issues": []any{"x", "y"}}}, nil
	}

	res := run(t, h, "c")
	out, ok := res.Outputs.Latest["c"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, out["count"])
}

func TestRun_IfConditionSkips(t *testing.T) {
	c := check("fake")
	c.If = "inputs.enabled == true"

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	res := run(t, h, "c")

	assert.Empty(t, h.fake.callsFor("c"))
	assert.Equal(t, core.OutcomeSkipped, res.Outcomes["c"])
	assert.Equal(t, core.SkipIfCondition, recordFor(res, "c").SkipReason)
}

func TestRun_IfConditionEvalErrorCountsAsFalse(t *testing.T) {
	c := check("fake")
	c.If = "no.such.thing + 1"

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	res := run(t, h, "c")
	assert.Equal(t, core.SkipIfCondition, recordFor(res, "c").SkipReason)
}

func TestRun_FailFastSkipsDependents(t *testing.T) {
	parent := check("fake")
	parent.FailIf = "true"
	child := check("fake")
	child.DependsOn = []string{"parent"}

	h := newHarness(t, &config.Workflow{
		FailFast: true,
		Checks:   map[string]*config.Check{"parent": parent, "child": child},
	})
	res := run(t, h, "parent", "child")

	assert.Equal(t, core.OutcomeFailed, res.Outcomes["parent"])
	assert.Equal(t, core.OutcomeSkipped, res.Outcomes["child"])
	assert.Equal(t, core.SkipDependencyFailed, recordFor(res, "child").SkipReason)
	assert.Empty(t, h.fake.callsFor("child"))
}

func TestRun_NoFailFastRunsDependentsAfterFailure(t *testing.T) {
	parent := check("fake")
	parent.FailIf = "true"
	child := check("fake")
	child.DependsOn = []string{"parent"}

	h := newHarness(t, &config.Workflow{
		Checks: map[string]*config.Check{"parent": parent, "child": child},
	})
	res := run(t, h, "parent", "child")

	assert.Equal(t, core.OutcomeFailed, res.Outcomes["parent"])
	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["child"])
	require.Len(t, h.fake.callsFor("child"), 1)
}

func TestRun_FailureConditionWithoutHaltKeepsSucceeded(t *testing.T) {
	noHalt := false
	c := check("fake")
	c.FailureConditions = map[string]config.FailureCondition{
		"advisory": {Expression: "true", Severity: core.SeverityWarning, HaltExecution: &noHalt},
	}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	res := run(t, h, "c")

	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["c"])
	issues := res.Summaries["c"][0].Issues
	require.Len(t, issues, 1)
	assert.Equal(t, "condition/advisory", issues[0].RuleID)
	assert.Equal(t, core.SeverityWarning, issues[0].Severity)
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	c := check("fake")
	c.Retry = &config.Retry{Max: 2, Backoff: "fixed", InitialDelayMS: 1, MaxDelayMS: 1, BackoffFactor: 1}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	var attempts int
	h.fake.behave["c"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		attempts++
		if attempts < 3 {
			return nil, &core.ProviderError{Provider: "fake", Kind: core.ProviderErrTransient, Err: fmt.Errorf("flaky")}
		}
		return &core.ReviewSummary{Content: "ok"}, nil
	}

	res := run(t, h, "c")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["c"])
}

func TestRun_FatalErrorNotRetried(t *testing.T) {
	c := check("fake")
	c.Retry = &config.Retry{Max: 3, InitialDelayMS: 1, BackoffFactor: 2, MaxDelayMS: 5, Backoff: "exponential"}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	var attempts int
	h.fake.behave["c"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		attempts++
		return nil, &core.ProviderError{Provider: "fake", Kind: core.ProviderErrFatal, Err: fmt.Errorf("bad config")}
	}

	res := run(t, h, "c")
	assert.Equal(t, 1, attempts)
	assert.Equal(t, core.OutcomeErrored, res.Outcomes["c"])
	issues := res.Summaries["c"][0].Issues
	require.Len(t, issues, 1)
	assert.Equal(t, "fake/execution_error", issues[0].RuleID)
}

func TestRun_RetryableErrorsListGatesBySubstring(t *testing.T) {
	c := check("fake")
	c.Retry = &config.Retry{Max: 2, InitialDelayMS: 1, BackoffFactor: 1, MaxDelayMS: 1,
		Backoff: "fixed", RetryableErrors: []string{"rate limit"}}

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	var attempts int
	h.fake.behave["c"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		attempts++
		// transient kind, but the message does not match the allow-list
		return nil, &core.ProviderError{Provider: "fake", Kind: core.ProviderErrTransient, Err: fmt.Errorf("connection reset")}
	}

	run(t, h, "c")
	assert.Equal(t, 1, attempts)
}

func TestRun_TimeoutProducesTimeoutIssue(t *testing.T) {
	c := check("fake")
	c.TimeoutMS = 20

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"c": c}})
	h.fake.behave["c"] = func(ctx context.Context, _ provider.RunInput) (*core.ReviewSummary, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := run(t, h, "c")
	assert.Equal(t, core.OutcomeErrored, res.Outcomes["c"])
	issues := res.Summaries["c"][0].Issues
	require.Len(t, issues, 1)
	assert.Equal(t, "fake/timeout", issues[0].RuleID)
}

func TestRun_ProviderPanicIsIsolated(t *testing.T) {
	boom := check("fake")
	calm := check("fake")

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"boom": boom, "calm": calm}})
	h.fake.behave["boom"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		panic("nope")
	}

	res := run(t, h, "boom", "calm")
	assert.Equal(t, core.OutcomeErrored, res.Outcomes["boom"])
	assert.Contains(t, res.Summaries["boom"][0].Issues[0].Message, "provider panic")
	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["calm"])
}

func TestRun_RoutingBudgetBoundsGotoLoop(t *testing.T) {
	gate := check("fake")
	gate.OnFinish = &config.RoutingBlock{Goto: "gate"}

	h := newHarness(t, &config.Workflow{
		RoutingBudget: 2,
		Checks:        map[string]*config.Check{"gate": gate},
	})

	var mu sync.Mutex
	var started int
	h.bus.On(bus.TopicCheckStarted, func(bus.Envelope) {
		mu.Lock()
		started++
		mu.Unlock()
	})

	res := run(t, h, "gate")
	h.bus.Close() // drain before counting

	mu.Lock()
	defer mu.Unlock()
	// initial run plus exactly budget re-entries
	assert.Equal(t, 3, started)

	var budgetIssue bool
	for _, sum := range res.Summaries["gate"] {
		for _, is := range sum.Issues {
			if is.RuleID == "engine/RoutingBudgetExhausted" {
				budgetIssue = true
			}
		}
	}
	assert.True(t, budgetIssue, "dropped route must flag the triggering check")
}

func TestRun_OnSuccessRunsTargetInline(t *testing.T) {
	main := check("fake")
	main.OnSuccess = &config.RoutingBlock{Run: []string{"notify"}}
	notify := check("fake")

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{
		"main": main, "notify": notify,
	}})

	res := run(t, h, "main") // notify is not in the requested set
	require.Len(t, h.fake.callsFor("notify"), 1)
	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["notify"])
}

func TestRun_OnFailFiresOnlyOnFailure(t *testing.T) {
	main := check("fake")
	main.FailIf = "output.blocked == true"
	main.OnFail = &config.RoutingBlock{Run: []string{"escalate"}}
	main.OnSuccess = &config.RoutingBlock{Run: []string{"celebrate"}}
	escalate := check("fake")
	celebrate := check("fake")

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{
		"main": main, "escalate": escalate, "celebrate": celebrate,
	}})
	h.fake.behave["main"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Output: map[string]any{"blocked": true}}, nil
	}

	run(t, h, "main")
	assert.Len(t, h.fake.callsFor("escalate"), 1)
	assert.Empty(t, h.fake.callsFor("celebrate"))
}

func TestRun_TransitionsFirstMatchWins(t *testing.T) {
	triage := check("fake")
	triage.OnFinish = &config.RoutingBlock{Transitions: []config.Transition{
		{When: "false", To: "never"},
		{When: "true", To: "second"},
		{When: "true", To: "third"},
	}}
	never := check("fake")
	second := check("fake")
	third := check("fake")

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{
		"triage": triage, "never": never, "second": second, "third": third,
	}})
	run(t, h, "triage")

	assert.Empty(t, h.fake.callsFor("never"))
	assert.Len(t, h.fake.callsFor("second"), 1)
	assert.Empty(t, h.fake.callsFor("third"))
}

func TestRun_HumanInputResumesWithResolvedValue(t *testing.T) {
	gate := check("fake")

	h := newHarness(t, &config.Workflow{Checks: map[string]*config.Check{"gate": gate}})
	h.fake.behave["gate"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		return &core.ReviewSummary{Content: "waiting"}, core.ErrHumanInputPending
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.bus.Publish(bus.TopicHumanInputResolved, bus.HumanInputResolved{CheckID: "gate", Value: "approved"})
	}()

	res := run(t, h, "gate")
	assert.Equal(t, core.OutcomeSucceeded, res.Outcomes["gate"])
	assert.Equal(t, "approved", res.Outputs.Latest["gate"])
}

func TestRun_TopologicalOrderHolds(t *testing.T) {
	first := check("fake")
	second := check("fake")
	second.DependsOn = []string{"first"}
	third := check("fake")
	third.DependsOn = []string{"second"}

	h := newHarness(t, &config.Workflow{
		MaxParallelism: 1,
		Checks:         map[string]*config.Check{"first": first, "second": second, "third": third},
	})
	run(t, h, "third", "first", "second")

	h.fake.mu.Lock()
	order := make([]string, 0, 3)
	for _, c := range h.fake.calls {
		order = append(order, c.CheckID)
	}
	h.fake.mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRun_HistoryIsMonotonic(t *testing.T) {
	gate := check("fake")
	gate.OnFinish = &config.RoutingBlock{Goto: "gate"}

	h := newHarness(t, &config.Workflow{
		RoutingBudget: 1,
		Checks:        map[string]*config.Check{"gate": gate},
	})
	var n int
	h.fake.behave["gate"] = func(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
		n++
		return &core.ReviewSummary{Output: n}, nil
	}

	res := run(t, h, "gate")
	// every invocation appends; nothing is overwritten
	assert.Equal(t, []any{1, 2}, res.Outputs.History["gate"])
	assert.Equal(t, 2, res.Outputs.Latest["gate"])
}

func recordFor(res *RunResult, id string) core.ExecutionRecord {
	for _, r := range res.Records {
		if r.CheckID == id {
			return r
		}
	}
	return core.ExecutionRecord{}
}
