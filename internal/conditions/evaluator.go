// Package conditions evaluates fail_if expressions and named
// failure-condition sets against a check's output, producing verdicts the
// scheduler turns into outcomes.
package conditions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/expression"
)

// Definition is one named boolean condition with its metadata. Severity
// defaults to error and halting defaults to true; a non-halting condition
// must opt out explicitly.
type Definition struct {
	Name          string
	Expression    string
	Message       string
	Severity      core.Severity
	HaltExecution bool
}

// FailIf wraps a bare fail_if expression as a halting error-severity
// condition.
func FailIf(expr string) Definition {
	return Definition{
		Name:          "fail_if",
		Expression:    expr,
		Severity:      core.SeverityError,
		HaltExecution: true,
	}
}

// Merge combines global and per-check condition maps. A check-level
// condition replaces the global one with the same name. Output is sorted by
// name so evaluation order is stable across runs.
func Merge(global, local map[string]Definition) []Definition {
	merged := make(map[string]Definition, len(global)+len(local))
	for name, def := range global {
		def.Name = name
		merged[name] = def
	}
	for name, def := range local {
		def.Name = name
		merged[name] = def
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		out = append(out, normalizeDef(merged[name]))
	}
	return out
}

func normalizeDef(d Definition) Definition {
	if d.Severity == "" {
		d.Severity = core.SeverityError
	}
	return d
}

// Result is the verdict for one condition against one check output.
type Result struct {
	Name          string        `json:"name"`
	Expression    string        `json:"expression"`
	Failed        bool          `json:"failed"`
	Error         string        `json:"error,omitempty"`
	Message       string        `json:"message,omitempty"`
	Severity      core.Severity `json:"severity"`
	HaltExecution bool          `json:"halt_execution"`
}

// Evaluator runs condition expressions in the sandbox.
type Evaluator struct {
	expr   *expression.Evaluator
	logger zerolog.Logger
}

func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		expr:   expression.NewEvaluator(logger),
		logger: logger,
	}
}

// Evaluate runs every definition against the scope. An expression fault
// never fails the condition: the result records the error string and
// failed=false so one broken condition cannot sink a check on its own.
func (e *Evaluator) Evaluate(defs []Definition, scope expression.Scope) []Result {
	results := make([]Result, 0, len(defs))
	for _, def := range defs {
		def = normalizeDef(def)
		res := Result{
			Name:          def.Name,
			Expression:    def.Expression,
			Message:       def.Message,
			Severity:      def.Severity,
			HaltExecution: def.HaltExecution,
		}
		if strings.TrimSpace(def.Expression) == "" {
			res.Error = "empty condition expression"
			results = append(results, res)
			continue
		}
		failed, err := e.expr.EvalBool(def.Expression, scope)
		if err != nil {
			res.Error = err.Error()
			e.logger.Warn().
				Str("condition", def.Name).
				Err(err).
				Msg("failure condition did not evaluate")
		} else {
			res.Failed = failed
		}
		results = append(results, res)
	}
	return results
}

// ShouldHaltExecution reports whether any failed condition demands a halt.
func ShouldHaltExecution(results []Result) bool {
	for _, r := range results {
		if r.Failed && r.HaltExecution {
			return true
		}
	}
	return false
}

// GetFailedConditions filters results down to the failed ones.
func GetFailedConditions(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Failed {
			failed = append(failed, r)
		}
	}
	return failed
}

// GroupBySeverity partitions results into error, warning, and info buckets.
// Severities above warning collapse into the error bucket.
func GroupBySeverity(results []Result) map[core.Severity][]Result {
	grouped := map[core.Severity][]Result{}
	for _, r := range results {
		bucket := r.Severity
		switch bucket {
		case core.SeverityWarning, core.SeverityInfo:
		default:
			bucket = core.SeverityError
		}
		grouped[bucket] = append(grouped[bucket], r)
	}
	return grouped
}

// AllPassedSentinel is the formatter output when nothing failed.
const AllPassedSentinel = "All failure conditions passed"

// FormatResults renders a human-readable verdict block for log output and
// check summaries.
func FormatResults(results []Result) string {
	failed := GetFailedConditions(results)
	if len(failed) == 0 {
		return AllPassedSentinel
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d failure conditions failed:\n", len(failed), len(results))
	for _, r := range failed {
		msg := r.Message
		if msg == "" {
			msg = r.Expression
		}
		fmt.Fprintf(&b, "  - [%s] %s: %s", r.Severity, r.Name, msg)
		if r.HaltExecution {
			b.WriteString(" (halts execution)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
