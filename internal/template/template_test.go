package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewflow/reviewflow/internal/core"
)

func TestRender_LiquidWithPRContext(t *testing.T) {
	r := NewRenderer()
	bindings := Bindings(&core.PRInfo{
		Number: 7,
		Title:  "Fix flaky cache eviction",
		Files:  []core.FileDelta{{Filename: "cache/lru.go", Status: core.FileModified}},
	}, map[string]any{"A": map[string]any{"key": "T-1"}}, nil)

	out, err := r.Render(`PR #{{ pr.number }}: {{ pr.title }} ({{ files | size }} files)`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "PR #7: Fix flaky cache eviction (1 files)", out)

	out, err = r.Render(`TICKET:{{ outputs.A.key }}`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "TICKET:T-1", out)
}

func TestRender_PlainStringsBypassEngine(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render("no templating here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no templating here", out)
}

func TestRender_BadTemplate(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render(`{% unknown_tag %}`, map[string]any{})
	require.Error(t, err)
}

func TestResolvePromptFile_TraversalGuard(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "prompts", "security.md"), []byte("review for security"), 0o644))

	got, err := ResolvePromptFile(root, "prompts/security.md")
	require.NoError(t, err)
	assert.Equal(t, "review for security", got)

	_, err = ResolvePromptFile(root, "../outside.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the project root")

	_, err = ResolvePromptFile(root, "/etc/passwd")
	require.Error(t, err)

	_, err = ResolvePromptFile(root, "prompts/../../outside.md")
	require.Error(t, err)
}
