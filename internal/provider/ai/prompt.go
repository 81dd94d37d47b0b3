package ai

import (
	"fmt"
	"strings"

	"github.com/reviewflow/reviewflow/internal/provider"
	"github.com/reviewflow/reviewflow/internal/template"
)

// resolvePromptSource extracts the prompt text from the three accepted
// config shapes: a bare string, {file: path} resolved under the project
// root, or {content: text}.
func resolvePromptSource(cfg map[string]any, root string) (string, error) {
	raw, ok := cfg["prompt"]
	if !ok {
		return "", fmt.Errorf("config key %q is required", "prompt")
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("prompt is empty")
		}
		return v, nil
	case map[string]any:
		if content, ok := v["content"].(string); ok && content != "" {
			return content, nil
		}
		if file, ok := v["file"].(string); ok && file != "" {
			return template.ResolvePromptFile(root, file)
		}
		return "", fmt.Errorf("prompt object needs a content or file key")
	default:
		return "", fmt.Errorf("prompt must be a string or an object")
	}
}

// reminderBlock replaces the context blocks on session reuse. The invariant
// is absolute: a reused session never re-sends the diff or PR metadata.
const reminderBlock = "<reminder>\nThe previous review context (PR metadata, diff, earlier findings) " +
	"is already part of this conversation. Work from it; do not ask for it again.\n</reminder>"

// composePrompt assembles the outgoing user message. Fresh sessions get the
// full wrapper; reused sessions get only a reminder plus instructions.
func composePrompt(in provider.RunInput, instructions, rules string, reuse bool) string {
	var b strings.Builder

	if reuse {
		b.WriteString(reminderBlock)
		b.WriteString("\n\n<instructions>\n")
		b.WriteString(instructions)
		b.WriteString("\n</instructions>")
		if rules != "" {
			b.WriteString("\n\n<rules>\n")
			b.WriteString(rules)
			b.WriteString("\n</rules>")
		}
		return b.String()
	}

	b.WriteString("<review_request>\n")

	b.WriteString("<context>\n")
	b.WriteString(contextBlock(in))
	b.WriteString("\n</context>\n")

	if slack := slackContext(in); slack != "" {
		b.WriteString("\n<slack_context>\n")
		b.WriteString(slack)
		b.WriteString("\n</slack_context>\n")
	}

	b.WriteString("\n<instructions>\n")
	b.WriteString(instructions)
	b.WriteString("\n</instructions>\n")

	if rules != "" {
		b.WriteString("\n<rules>\n")
		b.WriteString(rules)
		b.WriteString("\n</rules>\n")
	}

	b.WriteString("</review_request>")
	return b.String()
}

func contextBlock(in provider.RunInput) string {
	pr := in.PR
	if pr == nil {
		return "(no pull request bound)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "PR #%d: %s\n", pr.Number, pr.Title)
	fmt.Fprintf(&b, "Author: %s\n", pr.Author)
	fmt.Fprintf(&b, "Branches: %s <- %s\n", pr.Base, pr.Head)
	fmt.Fprintf(&b, "Changes: %d files, +%d -%d\n", len(pr.Files), pr.Additions, pr.Deletions)
	if pr.Body != "" {
		b.WriteString("\n")
		b.WriteString(pr.Body)
		b.WriteString("\n")
	}
	for _, f := range pr.Files {
		fmt.Fprintf(&b, "- %s (%s, +%d -%d)\n", f.Filename, f.Status, f.Additions, f.Deletions)
	}
	if !provider.BoolKey(in.Config, "skip_code_context", false) && pr.FullDiff != "" {
		b.WriteString("\n")
		b.WriteString(pr.FullDiff)
	}
	return strings.TrimRight(b.String(), "\n")
}

// slackContext surfaces normalized thread messages when the host runs under
// Slack and the check has not opted out.
func slackContext(in provider.RunInput) string {
	if provider.BoolKey(in.Config, "skip_slack_context", false) {
		return ""
	}
	raw, ok := in.Inputs["slack_context"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		lines := make([]string, 0, len(v))
		for _, m := range v {
			lines = append(lines, fmt.Sprint(m))
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

// promptBindings is the Liquid context for instruction templates.
func promptBindings(in provider.RunInput) map[string]any {
	return template.Bindings(in.PR, in.Dependencies, in.Inputs)
}
