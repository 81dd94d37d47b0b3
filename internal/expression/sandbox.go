// Package expression evaluates user-supplied expressions (if, fail_if,
// transform_js, goto_js, run_js, failure conditions) inside a sandbox.
//
// Expressions compile to an AST walked by expr-lang; there is no code
// generation and no access to the host process, module loader, or global
// object. Any failure — syntax, blocked identifier, runtime fault — is
// returned as *core.ExpressionError and never panics across the package
// boundary.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/memory"
)

// Scope carries the ambient inputs available to every expression flavor.
type Scope struct {
	Outputs   core.OutputsView
	Inputs    map[string]any
	PR        *core.PRInfo
	Files     []core.FileDelta
	Env       map[string]string
	Memory    *memory.Store
	CheckName string
	Schema    string
	Group     string

	// Output is the raw provider output; only bound for transform flavors.
	Output any

	// DepsFailed feeds the success()/failure() helpers.
	DepsFailed bool

	Logger zerolog.Logger
}

// undefined is the sentinel bound to the `undefined` identifier so that
// value expressions can signal "absent" distinctly from JSON null.
type undefinedValue struct{}

var undefined = undefinedValue{}

// blockedPattern rejects identifiers that would reach for the host runtime.
// The environment never contains them, so compilation would fail anyway;
// the explicit guard produces a stable error regardless of expr internals.
var blockedPattern = regexp.MustCompile(
	`(^|[^\w$])(process|require|global|globalThis|eval|Function|constructor|__proto__|prototype)([^\w$]|$)`)

// reservedCallPattern matches call forms of names that expr reserves as
// binary operators (`a contains b`). The call form cannot parse, so run
// rewrites contains(a, b) onto the internally registered helper.
var reservedCallPattern = regexp.MustCompile(`(^|[^.\w$])(contains|startsWith|endsWith|matches)\s*\(`)

func rewriteReservedCalls(src string) string {
	return reservedCallPattern.ReplaceAllString(src, `${1}_${2}(`)
}

// Evaluator compiles and runs sandboxed expressions against a Scope.
type Evaluator struct {
	logger zerolog.Logger
}

func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// EvalBool evaluates a boolean expression (if, fail_if, when). A nil or
// undefined result is false. An empty expression is true (no gate).
func (e *Evaluator) EvalBool(src string, scope Scope) (bool, error) {
	src = normalize(src)
	if src == "" {
		return true, nil
	}
	v, err := e.run(src, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvalValue evaluates a value expression (transform_js, value_js). The
// second return reports presence: an undefined result (or empty source) is
// absent, which callers treat as a configuration fault for forEach.
func (e *Evaluator) EvalValue(src string, scope Scope) (any, bool, error) {
	src = normalize(src)
	if src == "" {
		return nil, false, nil
	}
	v, err := e.run(src, scope)
	if err != nil {
		return nil, false, err
	}
	if _, isUndef := v.(undefinedValue); isUndef || v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// EvalTarget evaluates a target expression (goto_js, run_js) and returns the
// resolved checkId list. nil means "no routing".
func (e *Evaluator) EvalTarget(src string, scope Scope) ([]string, error) {
	v, found, err := e.EvalValue(src, scope)
	if err != nil || !found {
		return nil, err
	}
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, core.NewExpressionError(src,
					fmt.Errorf("target expression returned non-string element %T", item))
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, core.NewExpressionError(src,
			fmt.Errorf("target expression returned %T, want string, []string, or null", v))
	}
}

func (e *Evaluator) run(src string, scope Scope) (v any, err error) {
	if m := blockedPattern.FindString(src); m != "" {
		return nil, core.NewExpressionError(src,
			fmt.Errorf("blocked identifier in expression: %s", strings.TrimSpace(m)))
	}
	src = rewriteReservedCalls(src)
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = core.NewExpressionError(src, fmt.Errorf("panic during evaluation: %v", r))
		}
	}()
	env := e.buildEnv(scope)
	program, cerr := expr.Compile(src, expr.Env(env))
	if cerr != nil {
		return nil, core.NewExpressionError(src, cerr)
	}
	out, rerr := expr.Run(program, env)
	if rerr != nil {
		return nil, core.NewExpressionError(src, rerr)
	}
	return out, nil
}

// normalize accepts the scripting-flavored surface used in configs: a
// leading "return" and a trailing semicolon are stripped so snippets like
// "return JSON.parse(output).tickets;" evaluate as expressions.
func normalize(src string) string {
	src = strings.TrimSpace(src)
	src = strings.TrimSuffix(src, ";")
	if rest, ok := strings.CutPrefix(src, "return "); ok {
		src = rest
	} else if src == "return" {
		src = ""
	}
	return strings.TrimSpace(src)
}

func (e *Evaluator) buildEnv(scope Scope) map[string]any {
	logger := scope.Logger
	outputs := map[string]any{}
	for k, v := range scope.Outputs.Latest {
		outputs[k] = v
	}
	history := map[string]any{}
	for k, h := range scope.Outputs.History {
		history[k] = h
	}
	outputs["history"] = history

	env := map[string]any{
		"outputs":   outputs,
		"inputs":    orEmptyMap(scope.Inputs),
		"pr":        toPlain(scope.PR),
		"files":     toPlain(scope.Files),
		"env":       orEmptyStringMap(scope.Env),
		"checkName": scope.CheckName,
		"schema":    scope.Schema,
		"group":     scope.Group,
		"output":    scope.Output,
		"undefined": undefined,

		"log": func(args ...any) bool {
			logger.Info().Str("source", "expression").Msg(fmt.Sprint(args...))
			return true
		},

		"JSON": map[string]any{
			"parse":     parseJSON,
			"stringify": stringifyJSON,
		},
		"parseJSON": parseJSON,
		"toJSON":    stringifyJSON,
	}
	if scope.Memory != nil {
		mem := scope.Memory
		env["memory"] = map[string]any{
			"get":    func(key string) any { return mem.Get(key) },
			"has":    func(key string) bool { return mem.Has(key) },
			"set":    func(key string, v any) bool { mem.Set(key, v); return true },
			"append": func(key string, v any) bool { mem.Append(key, v); return true },
		}
	} else {
		env["memory"] = map[string]any{}
	}
	addHelpers(env, scope)
	return env
}

func parseJSON(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(fmt.Sprintf("JSON.parse: %v", err))
	}
	return v
}

func stringifyJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("JSON.stringify: %v", err))
	}
	return string(b)
}

// toPlain converts typed values into plain maps/slices via their JSON shape
// so expressions address fields by their wire names (pr.title, files[0].filename).
func toPlain(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case undefinedValue:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
