// Package config loads and validates workflow files: the checks map, global
// AI settings, failure conditions, and scheduler policy. Decoding is strict;
// unknown top-level or check-level structural keys are rejected, while
// provider-specific keys collect into the check's Params.
package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/reviewflow/reviewflow/internal/core"
)

// Workflow is the top-level document.
type Workflow struct {
	Version        int               `yaml:"version"`
	AIModel        string            `yaml:"ai_model,omitempty"`
	AIProvider     string            `yaml:"ai_provider,omitempty"`
	MaxParallelism int               `yaml:"max_parallelism,omitempty"`
	FailFast       bool              `yaml:"fail_fast,omitempty"`
	RoutingBudget  int               `yaml:"routing_budget,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Output         map[string]any    `yaml:"output,omitempty"`

	// FailureConditions apply to every check unless overridden by name.
	FailureConditions map[string]FailureCondition `yaml:"failure_conditions,omitempty"`

	Checks map[string]*Check `yaml:"checks"`
}

// Criticality values. Internal checks run normally but are hidden from
// external (frontend-facing) output.
const (
	CriticalityNormal   = "normal"
	CriticalityInternal = "internal"
)

// Check is one node of the workflow DAG. Structural keys are declared;
// everything else inlines into Params and is interpreted by the provider
// selected via Type.
type Check struct {
	Type      string   `yaml:"type"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	On        []string `yaml:"on,omitempty"`
	OnFiles   []string `yaml:"on_files,omitempty"`
	If        string   `yaml:"if,omitempty"`
	ForEach   bool     `yaml:"forEach,omitempty"`

	TransformJS string `yaml:"transform_js,omitempty"`

	FailIf            string                      `yaml:"fail_if,omitempty"`
	FailureConditions map[string]FailureCondition `yaml:"failure_conditions,omitempty"`

	OnInit    *RoutingBlock `yaml:"on_init,omitempty"`
	OnSuccess *RoutingBlock `yaml:"on_success,omitempty"`
	OnFail    *RoutingBlock `yaml:"on_fail,omitempty"`
	OnFinish  *RoutingBlock `yaml:"on_finish,omitempty"`

	Criticality string   `yaml:"criticality,omitempty"`
	Retry       *Retry   `yaml:"retry,omitempty"`
	TimeoutMS   int      `yaml:"timeout_ms,omitempty"`
	Group       string   `yaml:"group,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
	Schema      string   `yaml:"schema,omitempty"`

	ReuseAISession bool   `yaml:"reuse_ai_session,omitempty"`
	SessionMode    string `yaml:"session_mode,omitempty"`

	// Params holds the provider-specific keys (prompt, exec, url, ...).
	Params map[string]any `yaml:",inline"`
}

// FailureCondition accepts two YAML shapes: a bare expression string, or a
// mapping with metadata. halt_execution defaults to true; a soft condition
// must opt out.
type FailureCondition struct {
	Expression    string        `yaml:"expression"`
	Message       string        `yaml:"message,omitempty"`
	Severity      core.Severity `yaml:"severity,omitempty"`
	HaltExecution *bool         `yaml:"halt_execution,omitempty"`
}

func (f *FailureCondition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var expr string
		if err := node.Decode(&expr); err != nil {
			return err
		}
		f.Expression = expr
		return nil
	}
	type raw FailureCondition
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*f = FailureCondition(r)
	return nil
}

// Halts reports the effective halt_execution value.
func (f FailureCondition) Halts() bool {
	return f.HaltExecution == nil || *f.HaltExecution
}

// RoutingBlock is one lifecycle hook (on_init/on_success/on_fail/on_finish).
type RoutingBlock struct {
	Run         []string     `yaml:"run,omitempty"`
	RunJS       string       `yaml:"run_js,omitempty"`
	Goto        string       `yaml:"goto,omitempty"`
	GotoJS      string       `yaml:"goto_js,omitempty"`
	GotoEvent   string       `yaml:"goto_event,omitempty"`
	Transitions []Transition `yaml:"transitions,omitempty"`
	Retry       *Retry       `yaml:"retry,omitempty"`
}

// Transition routes to a target when its guard holds; first match wins.
type Transition struct {
	When string `yaml:"when,omitempty"`
	To   string `yaml:"to"`
}

// Retry shapes the backoff schedule for errored attempts.
type Retry struct {
	Max             int      `yaml:"max"`
	Backoff         string   `yaml:"backoff,omitempty"` // exponential | fixed
	InitialDelayMS  int      `yaml:"initial_delay_ms,omitempty"`
	MaxDelayMS      int      `yaml:"max_delay_ms,omitempty"`
	BackoffFactor   float64  `yaml:"backoff_factor,omitempty"`
	Jitter          *bool    `yaml:"jitter,omitempty"`
	RetryableErrors []string `yaml:"retryable_errors,omitempty"`
}

// JitterEnabled defaults to true.
func (r *Retry) JitterEnabled() bool {
	return r == nil || r.Jitter == nil || *r.Jitter
}

// CheckIDs returns the check names in a deterministic order.
func (w *Workflow) CheckIDs() []string {
	ids := make([]string, 0, len(w.Checks))
	for id := range w.Checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check returns the named definition or an error.
func (w *Workflow) Check(id string) (*Check, error) {
	c, ok := w.Checks[id]
	if !ok {
		return nil, fmt.Errorf("unknown check: %q", id)
	}
	return c, nil
}
