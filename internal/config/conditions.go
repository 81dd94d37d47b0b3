package config

import (
	"github.com/reviewflow/reviewflow/internal/conditions"
	"github.com/reviewflow/reviewflow/internal/core"
)

// ConditionDefs converts a failure_conditions block into evaluator
// definitions.
func ConditionDefs(m map[string]FailureCondition) map[string]conditions.Definition {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]conditions.Definition, len(m))
	for name, fc := range m {
		sev := fc.Severity
		if sev == "" {
			sev = core.SeverityError
		}
		out[name] = conditions.Definition{
			Name:          name,
			Expression:    fc.Expression,
			Message:       fc.Message,
			Severity:      sev,
			HaltExecution: fc.Halts(),
		}
	}
	return out
}

// EffectiveConditions merges workflow-level and check-level condition maps
// and prepends the check's fail_if, producing the final evaluation list.
func EffectiveConditions(wf *Workflow, c *Check) []conditions.Definition {
	defs := conditions.Merge(ConditionDefs(wf.FailureConditions), ConditionDefs(c.FailureConditions))
	if c.FailIf != "" {
		defs = append([]conditions.Definition{conditions.FailIf(c.FailIf)}, defs...)
	}
	return defs
}
