// Package template renders Liquid templates for prompts, command strings,
// and webhook payloads, and guards prompt-file resolution against escaping
// the project root.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osteele/liquid"

	"github.com/reviewflow/reviewflow/internal/core"
)

// Renderer wraps a shared Liquid engine. Engines are safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
}

func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render renders tpl against bindings. A template error is returned as-is;
// callers decide whether it fails the check.
func (r *Renderer) Render(tpl string, bindings map[string]any) (string, error) {
	if !strings.Contains(tpl, "{{") && !strings.Contains(tpl, "{%") {
		return tpl, nil
	}
	out, err := r.engine.ParseAndRenderString(tpl, bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// Bindings builds the standard template context shared by all providers:
// pr metadata, changed files, dependency outputs, and run inputs.
func Bindings(pr *core.PRInfo, outputs map[string]any, inputs map[string]any) map[string]any {
	b := map[string]any{
		"outputs": orEmpty(outputs),
		"inputs":  orEmpty(inputs),
	}
	if pr != nil {
		files := make([]map[string]any, 0, len(pr.Files))
		for _, f := range pr.Files {
			files = append(files, map[string]any{
				"filename":  f.Filename,
				"status":    string(f.Status),
				"additions": f.Additions,
				"deletions": f.Deletions,
				"changes":   f.Changes,
				"patch":     f.Patch,
			})
		}
		b["pr"] = map[string]any{
			"number":    pr.Number,
			"title":     pr.Title,
			"body":      pr.Body,
			"author":    pr.Author,
			"base":      pr.Base,
			"head":      pr.Head,
			"additions": pr.Additions,
			"deletions": pr.Deletions,
		}
		b["files"] = files
	}
	return b
}

// ResolvePromptFile reads a prompt file relative to root, refusing paths
// that resolve outside it (traversal guard). Absolute paths are rejected.
func ResolvePromptFile(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("prompt file path is empty")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("prompt file path must be relative to the project root: %s", path)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved := filepath.Clean(filepath.Join(absRoot, path))
	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("prompt file path escapes the project root: %s", path)
	}
	b, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	return string(b), nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
