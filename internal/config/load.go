package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxParallelism caps concurrent check execution when unset.
	DefaultMaxParallelism = 4

	// DefaultRoutingBudget bounds re-entries into any single check per run.
	DefaultRoutingBudget = 10

	defaultRetryInitialDelayMS = 1000
	defaultRetryMaxDelayMS     = 30000
	defaultRetryBackoffFactor  = 2.0
)

// Load reads, decodes, defaults, and validates a workflow file.
func Load(path string) (*Workflow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	wf, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// Parse decodes a workflow document from YAML bytes.
func Parse(b []byte) (*Workflow, error) {
	var wf Workflow
	if err := decodeYAMLStrict(b, &wf); err != nil {
		return nil, err
	}
	if err := validateSchema(b); err != nil {
		return nil, err
	}
	applyDefaults(&wf)
	if err := validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func decodeYAMLStrict(b []byte, wf *Workflow) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(wf); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(wf *Workflow) {
	if wf == nil {
		return
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.MaxParallelism == 0 {
		wf.MaxParallelism = DefaultMaxParallelism
	}
	if wf.RoutingBudget == 0 {
		wf.RoutingBudget = DefaultRoutingBudget
	}
	if wf.Env == nil {
		wf.Env = map[string]string{}
	}
	for _, c := range wf.Checks {
		applyCheckDefaults(c)
	}
}

func applyCheckDefaults(c *Check) {
	if c == nil {
		return
	}
	c.Type = strings.TrimSpace(c.Type)
	if c.Criticality == "" {
		c.Criticality = CriticalityNormal
	}
	if c.ReuseAISession && c.SessionMode == "" {
		c.SessionMode = "clone"
	}
	for _, r := range []*Retry{c.Retry, retryOf(c.OnInit), retryOf(c.OnSuccess), retryOf(c.OnFail), retryOf(c.OnFinish)} {
		applyRetryDefaults(r)
	}
	if c.Params == nil {
		c.Params = map[string]any{}
	}
}

func retryOf(rb *RoutingBlock) *Retry {
	if rb == nil {
		return nil
	}
	return rb.Retry
}

func applyRetryDefaults(r *Retry) {
	if r == nil {
		return
	}
	if r.Backoff == "" {
		r.Backoff = "exponential"
	}
	if r.InitialDelayMS == 0 {
		r.InitialDelayMS = defaultRetryInitialDelayMS
	}
	if r.MaxDelayMS == 0 {
		r.MaxDelayMS = defaultRetryMaxDelayMS
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = defaultRetryBackoffFactor
	}
}

func validate(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow is nil")
	}
	if wf.Version != 1 {
		return fmt.Errorf("unsupported workflow version: %d", wf.Version)
	}
	if len(wf.Checks) == 0 {
		return fmt.Errorf("checks map is empty")
	}
	if wf.MaxParallelism < 1 {
		return fmt.Errorf("max_parallelism must be >= 1")
	}
	if wf.RoutingBudget < 0 {
		return fmt.Errorf("routing_budget must be >= 0")
	}
	for id, c := range wf.Checks {
		if err := validateCheck(wf, id, c); err != nil {
			return err
		}
	}
	if cycle := findCycle(wf); len(cycle) > 0 {
		return fmt.Errorf("depends_on cycle: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

func validateCheck(wf *Workflow, id string, c *Check) error {
	if c == nil {
		return fmt.Errorf("checks.%s: empty definition", id)
	}
	if c.Type == "" {
		return fmt.Errorf("checks.%s: type is required", id)
	}
	for _, dep := range c.DependsOn {
		if _, ok := wf.Checks[dep]; !ok {
			return fmt.Errorf("checks.%s: depends_on references unknown check %q", id, dep)
		}
	}
	switch c.Criticality {
	case CriticalityNormal, CriticalityInternal:
	default:
		return fmt.Errorf("checks.%s: invalid criticality %q (want normal|internal)", id, c.Criticality)
	}
	switch c.SessionMode {
	case "", "clone", "append":
	default:
		return fmt.Errorf("checks.%s: invalid session_mode %q (want clone|append)", id, c.SessionMode)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("checks.%s: timeout_ms must be >= 0", id)
	}
	if err := validateRetry(id, "retry", c.Retry); err != nil {
		return err
	}
	for hook, rb := range map[string]*RoutingBlock{
		"on_init": c.OnInit, "on_success": c.OnSuccess, "on_fail": c.OnFail, "on_finish": c.OnFinish,
	} {
		if err := validateRouting(wf, id, hook, rb); err != nil {
			return err
		}
	}
	return nil
}

func validateRouting(wf *Workflow, id, hook string, rb *RoutingBlock) error {
	if rb == nil {
		return nil
	}
	for _, target := range rb.Run {
		if _, ok := wf.Checks[target]; !ok {
			return fmt.Errorf("checks.%s.%s: run targets unknown check %q", id, hook, target)
		}
	}
	if rb.Goto != "" {
		if _, ok := wf.Checks[rb.Goto]; !ok {
			return fmt.Errorf("checks.%s.%s: goto targets unknown check %q", id, hook, rb.Goto)
		}
	}
	for i, tr := range rb.Transitions {
		if tr.To == "" {
			return fmt.Errorf("checks.%s.%s.transitions[%d]: to is required", id, hook, i)
		}
		if _, ok := wf.Checks[tr.To]; !ok {
			return fmt.Errorf("checks.%s.%s.transitions[%d]: unknown check %q", id, hook, i, tr.To)
		}
	}
	gotoForms := 0
	if rb.Goto != "" {
		gotoForms++
	}
	if rb.GotoJS != "" {
		gotoForms++
	}
	if len(rb.Transitions) > 0 {
		gotoForms++
	}
	if gotoForms > 1 {
		return fmt.Errorf("checks.%s.%s: goto, goto_js, and transitions are mutually exclusive", id, hook)
	}
	return validateRetry(id, hook+".retry", rb.Retry)
}

func validateRetry(id, field string, r *Retry) error {
	if r == nil {
		return nil
	}
	if r.Max < 0 {
		return fmt.Errorf("checks.%s.%s: max must be >= 0", id, field)
	}
	switch r.Backoff {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("checks.%s.%s: invalid backoff %q (want exponential|fixed)", id, field, r.Backoff)
	}
	if r.InitialDelayMS < 0 || r.MaxDelayMS < 0 {
		return fmt.Errorf("checks.%s.%s: delays must be >= 0", id, field)
	}
	if r.MaxDelayMS > 0 && r.MaxDelayMS < r.InitialDelayMS {
		return fmt.Errorf("checks.%s.%s: max_delay_ms must be >= initial_delay_ms", id, field)
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("checks.%s.%s: backoff_factor must be >= 1", id, field)
	}
	return nil
}

// findCycle walks the static depends_on edges; routing may create dynamic
// cycles, but those are bounded at run time by the loop budget instead.
func findCycle(wf *Workflow) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Checks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range wf.Checks[id].DependsOn {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range wf.CheckIDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
