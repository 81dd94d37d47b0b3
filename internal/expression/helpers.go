package expression

import (
	"fmt"
	"regexp"
	"strings"
)

// addHelpers installs the fixed free-function set available to every
// expression flavor. Helpers are pure; none touch the host.
func addHelpers(env map[string]any, scope Scope) {
	depsFailed := scope.DepsFailed

	env["always"] = func() bool { return true }
	env["success"] = func() bool { return !depsFailed }
	env["failure"] = func() bool { return depsFailed }

	// Registered under rewritten names: expr reserves the bare words as
	// binary operators, and run maps the call forms onto these.
	env["_contains"] = func(s, sub string) bool { return strings.Contains(s, sub) }
	env["_startsWith"] = func(s, prefix string) bool { return strings.HasPrefix(s, prefix) }
	env["_endsWith"] = func(s, suffix string) bool { return strings.HasSuffix(s, suffix) }
	env["_matches"] = func(s, pattern string) bool {
		ok, err := regexp.MatchString(pattern, s)
		if err != nil {
			panic(fmt.Sprintf("matches: %v", err))
		}
		return ok
	}

	env["countIssues"] = func(issues any, field, value string) int {
		n := 0
		for _, issue := range issueMaps(issues) {
			if issueFieldEquals(issue, field, value) {
				n++
			}
		}
		return n
	}
	env["hasIssue"] = func(issues any, field, value string) bool {
		for _, issue := range issueMaps(issues) {
			if issueFieldEquals(issue, field, value) {
				return true
			}
		}
		return false
	}
	// hasIssueWith matches on substring rather than equality.
	env["hasIssueWith"] = func(issues any, field, value string) bool {
		for _, issue := range issueMaps(issues) {
			if strings.Contains(issueField(issue, field), value) {
				return true
			}
		}
		return false
	}
	env["hasFileWith"] = func(issues any, substring string) bool {
		for _, issue := range issueMaps(issues) {
			if strings.Contains(issueField(issue, "file"), substring) {
				return true
			}
		}
		return false
	}
	env["hasFileMatching"] = func(issues any, substring string) bool {
		sub := strings.ToLower(substring)
		for _, issue := range issueMaps(issues) {
			if strings.Contains(strings.ToLower(issueField(issue, "file")), sub) {
				return true
			}
		}
		return false
	}
}

// issueMaps coerces whatever the expression handed us (issue slices from
// outputs, already-plain maps) into a uniform []map[string]any.
func issueMaps(issues any) []map[string]any {
	plain := toPlain(issues)
	list, ok := plain.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func issueField(issue map[string]any, field string) string {
	v, ok := issue[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func issueFieldEquals(issue map[string]any, field, value string) bool {
	return issueField(issue, field) == value
}
