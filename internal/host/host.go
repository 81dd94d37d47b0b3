// Package host owns a single workflow run: it binds a loaded config to the
// scheduler, selects the event-triggered checks, composes the provider set,
// and aggregates the run into frontend-facing results. Frontends observe the
// run through the event bus the host gates.
package host

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/aggregate"
	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/engine"
	"github.com/reviewflow/reviewflow/internal/expression"
	"github.com/reviewflow/reviewflow/internal/llm"
	"github.com/reviewflow/reviewflow/internal/memory"
	"github.com/reviewflow/reviewflow/internal/provider"
	"github.com/reviewflow/reviewflow/internal/provider/ai"
	"github.com/reviewflow/reviewflow/internal/provider/builtin"
	"github.com/reviewflow/reviewflow/internal/provider/command"
	"github.com/reviewflow/reviewflow/internal/provider/webhook"
	"github.com/reviewflow/reviewflow/internal/session"
)

// Options configures a host instance.
type Options struct {
	Workflow    *config.Workflow
	ProjectRoot string

	// Bus is the frontend gateway. Nil means events are dropped.
	Bus    *bus.Bus
	Logger zerolog.Logger

	// Providers overrides the default composed set; used by tests and by
	// embedders that register extra check types.
	Providers *provider.Registry
	Sessions  *session.Registry
}

// ExecuteOptions selects what one run executes.
type ExecuteOptions struct {
	PR     *core.PRInfo
	Event  string
	Inputs map[string]any

	// Checks names an explicit subset; empty means event selection.
	Checks []string

	// Tags filters the event-selected checks; a check stays when it shares
	// at least one tag.
	Tags []string

	IncludeInternal bool
	RunID           string
}

// Result is the externally visible product of one run.
type Result struct {
	RunID      string                       `json:"runId"`
	Grouped    aggregate.GroupedResults     `json:"groupedResults"`
	Statistics aggregate.Statistics         `json:"statistics"`
	Outcomes   map[string]core.CheckOutcome `json:"outcomes"`
	Outputs    core.OutputsView             `json:"-"`

	// Output is the workflow's composed `output` map, with string entries
	// evaluated as expressions over the final outputs.
	Output map[string]any `json:"output,omitempty"`
}

// Host drives runs over one loaded workflow.
type Host struct {
	wf        *config.Workflow
	root      string
	bus       *bus.Bus
	logger    zerolog.Logger
	providers *provider.Registry
	sessions  *session.Registry
}

func New(opts Options) (*Host, error) {
	if opts.ProjectRoot == "" {
		opts.ProjectRoot = "."
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewRegistry()
	}
	h := &Host{
		wf:       opts.Workflow,
		root:     opts.ProjectRoot,
		bus:      opts.Bus,
		logger:   opts.Logger,
		sessions: opts.Sessions,
	}
	if opts.Providers != nil {
		h.providers = opts.Providers
	} else {
		reg, err := h.composeProviders()
		if err != nil {
			return nil, err
		}
		h.providers = reg
	}
	return h, nil
}

// composeProviders builds the full built-in set: ai, command, webhook,
// noop, log, human-input, and the nested workflow provider.
func (h *Host) composeProviders() (*provider.Registry, error) {
	client := llm.NewClient()
	client.Register(llm.NewAnthropicBackend())
	client.Register(llm.NewOpenAIBackend())

	reg := provider.NewRegistry()
	for _, p := range []provider.CheckProvider{
		ai.New(client, h.sessions, ai.Options{
			Model:       h.wf.AIModel,
			Provider:    h.wf.AIProvider,
			ProjectRoot: h.root,
		}),
		command.New(),
		webhook.New(),
		builtin.NewNoop(),
		builtin.NewLog(),
		builtin.NewHumanInput(),
		newWorkflowProvider(h.root, h.logger),
	} {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// ExecuteChecks runs the selected checks to completion. A scheduler error is
// fatal for the run: the host emits Shutdown with the error but still
// returns the best-effort aggregation of whatever completed.
func (h *Host) ExecuteChecks(ctx context.Context, opts ExecuteOptions) (*Result, error) {
	runID := opts.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	log := h.logger.With().Str("run", runID).Logger()

	selected, err := h.selectChecks(opts)
	if err != nil {
		return nil, err
	}
	log.Info().Str("event", opts.Event).Strs("checks", selected).Msg("run starting")

	h.publish(bus.TopicStateTransition, bus.StateTransition{From: bus.StateIdle, To: bus.StateRunning})

	sch := engine.New(engine.Options{
		Workflow:  h.wf,
		Providers: h.providers,
		Bus:       h.bus,
		Memory:    memory.NewStore(),
		Logger:    log,
		RunID:     runID,
	})
	res, runErr := sch.Run(ctx, engine.RunRequest{
		PR:     opts.PR,
		Inputs: opts.Inputs,
		Event:  opts.Event,
		Checks: selected,
	})

	out := &Result{
		RunID:      runID,
		Grouped:    aggregate.Group(h.wf, res.Summaries, aggregate.Options{IncludeInternal: opts.IncludeInternal}),
		Statistics: aggregate.Stats(res.Records),
		Outcomes:   res.Outcomes,
		Outputs:    res.Outputs,
		Output:     h.composeOutput(log, opts, res),
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("run failed")
		h.publish(bus.TopicStateTransition, bus.StateTransition{From: bus.StateRunning, To: bus.StateError})
		h.publish(bus.TopicShutdown, bus.Shutdown{Error: runErr.Error()})
		return out, runErr
	}

	log.Info().Int("issues", out.Statistics.TotalIssues).Msg("run completed")
	h.publish(bus.TopicStateTransition, bus.StateTransition{From: bus.StateRunning, To: bus.StateCompleted})
	return out, nil
}

// composeOutput materializes the workflow-level `output` map. String values
// evaluate as expressions over the final outputs; anything else (or a failed
// evaluation) passes through literally.
func (h *Host) composeOutput(log zerolog.Logger, opts ExecuteOptions, res *engine.RunResult) map[string]any {
	if len(h.wf.Output) == 0 {
		return nil
	}
	eval := expression.NewEvaluator(log)
	scope := expression.Scope{
		Outputs: res.Outputs,
		Inputs:  opts.Inputs,
		PR:      opts.PR,
		Env:     h.wf.Env,
		Logger:  log,
	}
	if opts.PR != nil {
		scope.Files = opts.PR.Files
	}
	out := make(map[string]any, len(h.wf.Output))
	for k, v := range h.wf.Output {
		if src, ok := v.(string); ok {
			val, found, err := eval.EvalValue(src, scope)
			if err != nil {
				log.Warn().Str("key", k).Err(err).Msg("output expression failed")
			} else if found {
				out[k] = val
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ResolveHumanInput posts a resolution for a suspended human-input check.
func (h *Host) ResolveHumanInput(checkID, value string) {
	h.publish(bus.TopicHumanInputResolved, bus.HumanInputResolved{CheckID: checkID, Value: value})
}

func (h *Host) publish(topic bus.Topic, payload any) {
	if h.bus != nil {
		h.bus.Publish(topic, payload)
	}
}
