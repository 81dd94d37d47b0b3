package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reviewflow/reviewflow/internal/core"
)

// outputSchema pairs a JSON schema for the model's structured output with
// the rules text injected into the prompt.
type outputSchema struct {
	name     string
	rules    string
	document string

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

func (s *outputSchema) schema() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		s.compiled, s.err = jsonschema.CompileString(s.name+".schema.json", s.document)
	})
	return s.compiled, s.err
}

var codeReviewSchema = &outputSchema{
	name: "code-review",
	rules: strings.TrimSpace(`
Respond with a single JSON object and nothing else:
{"issues": [{"file": "...", "line": 1, "endLine": 1, "message": "...",
  "severity": "critical|error|warning|info",
  "category": "security|performance|style|logic|documentation|other",
  "suggestion": "...", "replacement": "..."}],
 "suggestions": ["..."]}
Every issue needs file, line, message, severity, and category. Use an empty
issues array when the change is clean.`),
	document: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["issues"],
  "properties": {
    "issues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["file", "line", "message", "severity", "category"],
        "properties": {
          "file": {"type": "string"},
          "line": {"type": "integer", "minimum": 0},
          "endLine": {"type": "integer", "minimum": 0},
          "message": {"type": "string"},
          "severity": {"enum": ["critical", "error", "warning", "info"]},
          "category": {"type": "string"},
          "suggestion": {"type": "string"},
          "replacement": {"type": "string"}
        }
      }
    },
    "suggestions": {"type": "array", "items": {"type": "string"}}
  }
}`,
}

var schemas = map[string]*outputSchema{
	"code-review": codeReviewSchema,
}

// schemaRules returns the prompt rules for a named schema, or "" for the
// plain-text default.
func schemaRules(name string) (string, error) {
	if name == "" || name == "plain" {
		return "", nil
	}
	s, ok := schemas[name]
	if !ok {
		return "", fmt.Errorf("unknown schema %q", name)
	}
	return s.rules, nil
}

// wireSummary is the JSON shape models produce for structured schemas.
type wireSummary struct {
	Issues []struct {
		File        string `json:"file"`
		Line        int    `json:"line"`
		EndLine     int    `json:"endLine"`
		Message     string `json:"message"`
		Severity    string `json:"severity"`
		Category    string `json:"category"`
		Suggestion  string `json:"suggestion"`
		Replacement string `json:"replacement"`
	} `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// parseResponse turns the model's text into a summary. With no schema the
// text passes through as Content. With a schema, the JSON is extracted,
// validated, and mapped; any failure is reported via err so the caller can
// attach an ai/parse_error issue.
func parseResponse(text, schemaName string) (*core.ReviewSummary, error) {
	if schemaName == "" || schemaName == "plain" {
		return &core.ReviewSummary{Content: text}, nil
	}
	s, ok := schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schemaName)
	}

	payload := extractJSON(text)
	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	compiled, err := s.schema()
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("response does not match %s schema: %w", schemaName, err)
	}

	var wire wireSummary
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, err
	}
	sum := &core.ReviewSummary{Suggestions: wire.Suggestions, Content: text}
	var out any
	_ = json.Unmarshal([]byte(payload), &out)
	sum.Output = out
	for _, wi := range wire.Issues {
		sev, ok := core.ParseSeverity(wi.Severity)
		if !ok {
			sev = core.SeverityWarning
		}
		category := core.Category(strings.ToLower(wi.Category))
		sum.Issues = append(sum.Issues, core.ReviewIssue{
			File:        wi.File,
			Line:        wi.Line,
			EndLine:     wi.EndLine,
			RuleID:      "ai/" + string(category),
			Message:     wi.Message,
			Severity:    sev,
			Category:    category,
			Suggestion:  wi.Suggestion,
			Replacement: wi.Replacement,
			Schema:      schemaName,
		})
	}
	return sum, nil
}

// extractJSON strips markdown fences and leading prose around the first
// JSON object or array.
func extractJSON(text string) string {
	t := strings.TrimSpace(text)
	if i := strings.Index(t, "```"); i >= 0 {
		rest := t[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			t = strings.TrimSpace(rest[:j])
		}
	}
	if start := strings.IndexAny(t, "{["); start > 0 {
		t = t[start:]
	}
	return t
}
