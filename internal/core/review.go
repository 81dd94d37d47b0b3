package core

import (
	"strings"
	"time"
)

// Severity orders issue impact. Critical sorts highest.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit":
		return SeverityCritical, true
	case "error", "err", "high":
		return SeverityError, true
	case "warning", "warn", "medium":
		return SeverityWarning, true
	case "info", "note", "low":
		return SeverityInfo, true
	default:
		return "", false
	}
}

// Rank returns a sortable weight; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Category buckets issues by concern.
type Category string

const (
	CategorySecurity      Category = "security"
	CategoryPerformance   Category = "performance"
	CategoryStyle         Category = "style"
	CategoryLogic         Category = "logic"
	CategoryDocumentation Category = "documentation"
	CategoryOther         Category = "other"
)

// ReviewIssue is a single structured finding. RuleID is namespaced as
// "provider/category" (e.g. "ai/security", "tool/error").
type ReviewIssue struct {
	File        string   `json:"file"`
	Line        int      `json:"line"`
	EndLine     int      `json:"endLine,omitempty"`
	RuleID      string   `json:"ruleId"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
	Group       string   `json:"group,omitempty"`
	Schema      string   `json:"schema,omitempty"`
}

// DebugInfo carries provider diagnostics attached to a summary.
type DebugInfo struct {
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	ProcessingMS int64     `json:"processingMs,omitempty"`
	Errors       []string  `json:"errors,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
}

// ReviewSummary is the uniform result of one check invocation.
type ReviewSummary struct {
	Issues      []ReviewIssue `json:"issues"`
	Suggestions []string      `json:"suggestions,omitempty"`

	// Output is the provider-specific structured output; expressions see it
	// as outputs[checkId]. When absent, Content is projected instead.
	Output  any    `json:"output,omitempty"`
	Content string `json:"content,omitempty"`

	Debug *DebugInfo `json:"debug,omitempty"`
}

// EffectiveOutput is the value exposed to downstream checks: the structured
// output when present, otherwise the raw content.
func (s *ReviewSummary) EffectiveOutput() any {
	if s == nil {
		return nil
	}
	if s.Output != nil {
		return s.Output
	}
	if s.Content != "" {
		return s.Content
	}
	return nil
}

// CountBySeverity tallies issues per severity bucket.
func (s *ReviewSummary) CountBySeverity() map[Severity]int {
	out := map[Severity]int{}
	if s == nil {
		return out
	}
	for _, is := range s.Issues {
		out[is.Severity]++
	}
	return out
}

// HasBlockingIssues reports whether the summary contains critical or error
// severity findings.
func (s *ReviewSummary) HasBlockingIssues() bool {
	if s == nil {
		return false
	}
	for _, is := range s.Issues {
		if is.Severity == SeverityCritical || is.Severity == SeverityError {
			return true
		}
	}
	return false
}
