package expression

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/memory"
)

func testScope() Scope {
	outputs := core.NewOutputsView()
	outputs.Latest["security"] = map[string]any{
		"issues": []any{
			map[string]any{"file": "auth/login.go", "severity": "critical", "ruleId": "ai/security"},
			map[string]any{"file": "docs/readme.md", "severity": "info", "ruleId": "ai/style"},
		},
	}
	outputs.History["security"] = []any{outputs.Latest["security"]}
	return Scope{
		Outputs: outputs,
		PR: &core.PRInfo{
			Number: 42,
			Title:  "Add login throttle",
			Author: "octocat",
			Files: []core.FileDelta{
				{Filename: "auth/login.go", Status: core.FileModified, Additions: 10},
			},
		},
		Env:       map[string]string{"CI": "true"},
		Memory:    memory.NewStore(),
		CheckName: "gate",
		Logger:    zerolog.Nop(),
	}
}

func TestEvalBool_Basics(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"empty expression is open gate", "", true},
		{"pr field access", `pr.number == 42`, true},
		{"env access", `env.CI == "true"`, true},
		{"always helper", `always()`, true},
		{"contains helper", `contains(pr.title, "throttle")`, true},
		{"outputs latest", `outputs.security.issues[0].severity == "critical"`, true},
		{"history length", `len(outputs.history.security) == 1`, true},
		{"nil-ish is false", `outputs.security.missing`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.EvalBool(tc.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// expr reserves contains/startsWith/endsWith/matches as binary operators;
// both the call form and the operator form must evaluate.
func TestEvalBool_StringHelperCallForms(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"contains call form", `contains(pr.title, "throttle")`, true},
		{"contains call form miss", `contains(pr.title, "rollback")`, false},
		{"startsWith call form", `startsWith(pr.title, "Add")`, true},
		{"startsWith call form miss", `startsWith(pr.title, "Remove")`, false},
		{"endsWith call form", `endsWith(pr.title, "throttle")`, true},
		{"matches call form", `matches(pr.author, "^octo")`, true},
		{"operator form still parses", `pr.title contains "throttle"`, true},
		{"call form with inner spaces", `startsWith ( pr.title , "Add" )`, true},
		{"nested in boolean expression", `contains(pr.title, "login") and startsWith(env.CI, "t")`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.EvalBool(tc.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalBool_SandboxBlocksHostAccess(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()

	for _, src := range []string{
		`process.exit(1)`,
		`require("fs")`,
		`global.leak`,
		`Function("return 1")()`,
		`eval("1+1")`,
		`("").constructor.constructor("return 1")()`,
		`pr.__proto__`,
	} {
		t.Run(src, func(t *testing.T) {
			got, err := ev.EvalBool(src, scope)
			assert.False(t, got)
			require.Error(t, err)
			var ee *core.ExpressionError
			require.True(t, errors.As(err, &ee))
			assert.Contains(t, err.Error(), "Expression evaluation error")
		})
	}
}

func TestEvalValue_TransformAndUndefined(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()
	scope.Output = `{"tickets":[{"key":"T-1","p":"high"},{"key":"T-2","p":"low"}]}`

	v, found, err := ev.EvalValue(`JSON.parse(output).tickets`, scope)
	require.NoError(t, err)
	require.True(t, found)
	tickets, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, tickets, 2)
	first := tickets[0].(map[string]any)
	assert.Equal(t, "T-1", first["key"])

	// The scripting-flavored surface still evaluates.
	_, found, err = ev.EvalValue(`return undefined;`, scope)
	require.NoError(t, err)
	assert.False(t, found, "undefined must be absent, not a value")

	_, found, err = ev.EvalValue(`JSON.parse("{bad")`, scope)
	require.Error(t, err)
	assert.False(t, found)
}

func TestEvalTarget(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()

	got, err := ev.EvalTarget(`"retry-check"`, scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"retry-check"}, got)

	got, err = ev.EvalTarget(`["a", "b"]`, scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = ev.EvalTarget(`nil`, scope)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ev.EvalTarget(`42`, scope)
	require.Error(t, err)
}

func TestHelpers_IssueQueries(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()

	n, _, err := ev.EvalValue(`countIssues(outputs.security.issues, "severity", "critical")`, scope)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := ev.EvalBool(`hasIssue(outputs.security.issues, "ruleId", "ai/security")`, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.EvalBool(`hasIssueWith(outputs.security.issues, "file", "login")`, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.EvalBool(`hasFileMatching(outputs.security.issues, "README")`, scope)
	require.NoError(t, err)
	assert.True(t, got, "hasFileMatching is case-insensitive")

	got, err = ev.EvalBool(`hasFileWith(outputs.security.issues, "README")`, scope)
	require.NoError(t, err)
	assert.False(t, got, "hasFileWith is case-sensitive")
}

func TestMemoryFromExpressions(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()
	scope.Memory.Set("count", 3)

	got, err := ev.EvalBool(`memory.get("count") == 3`, scope)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = ev.EvalBool(`memory.append("seen", checkName)`, scope)
	require.NoError(t, err)
	assert.Equal(t, []any{"gate"}, scope.Memory.Get("seen"))
}

func TestSuccessFailureHelpers(t *testing.T) {
	ev := NewEvaluator(zerolog.Nop())
	scope := testScope()

	got, err := ev.EvalBool(`success()`, scope)
	require.NoError(t, err)
	assert.True(t, got)

	scope.DepsFailed = true
	got, err = ev.EvalBool(`failure()`, scope)
	require.NoError(t, err)
	assert.True(t, got)
}
