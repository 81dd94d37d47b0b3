package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/llm"
	"github.com/reviewflow/reviewflow/internal/provider"
	"github.com/reviewflow/reviewflow/internal/session"
)

type scriptedBackend struct {
	requests []llm.Request
	reply    string
	err      error
}

func (s *scriptedBackend) Name() string           { return "anthropic" }
func (s *scriptedBackend) Available() bool        { return true }
func (s *scriptedBackend) Requirements() []string { return nil }
func (s *scriptedBackend) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Content: s.reply, Model: req.Model}, nil
}

func newTestProvider(backend *scriptedBackend) (*Provider, *session.Registry) {
	client := llm.NewClient()
	client.Register(backend)
	sessions := session.NewRegistry()
	return New(client, sessions, Options{Model: "claude-sonnet-4-5", Provider: "anthropic"}), sessions
}

func testPR() *core.PRInfo {
	return &core.PRInfo{
		Number: 9, Title: "Add cache layer", Author: "dev", Base: "main", Head: "cache",
		Files:    []core.FileDelta{{Filename: "cache/lru.go", Status: core.FileAdded, Additions: 120}},
		FullDiff: "diff --git a/cache/lru.go b/cache/lru.go\n+func New() {}",
	}
}

func TestExecute_FreshSessionSendsFullContext(t *testing.T) {
	backend := &scriptedBackend{reply: `{"issues": []}`}
	p, sessions := newTestProvider(backend)

	sum, err := p.Execute(context.Background(), provider.RunInput{
		CheckID: "security",
		PR:      testPR(),
		Config:  map[string]any{"prompt": "Review {{ pr.title }} for security holes", "schema": "code-review"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Empty(t, sum.Issues)

	require.Len(t, backend.requests, 1)
	outgoing := backend.requests[0].Messages
	prompt := outgoing[len(outgoing)-1].Content
	assert.Contains(t, prompt, "<review_request>")
	assert.Contains(t, prompt, "<context>")
	assert.Contains(t, prompt, "diff --git")
	assert.Contains(t, prompt, "Review Add cache layer for security holes")
	assert.NotContains(t, prompt, "<reminder>")

	// conversation recorded under the checkId for dependents
	h, err := sessions.Get("security")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Len())
}

func TestExecute_ReusedSessionOmitsContext(t *testing.T) {
	backend := &scriptedBackend{reply: `{"issues": []}`}
	p, sessions := newTestProvider(backend)

	parent := session.NewHandle("security")
	parent.Append(session.Turn{Role: session.RoleUser, Content: "earlier prompt"})
	parent.Append(session.Turn{Role: session.RoleAssistant, Content: "earlier answer"})
	require.NoError(t, sessions.Register("security", parent))

	_, err := p.Execute(context.Background(), provider.RunInput{
		CheckID: "deep-dive",
		PR:      testPR(),
		Config:  map[string]any{"prompt": "Dig into the cache eviction path", "schema": "code-review"},
		Session: core.SessionInfo{ParentSessionID: "security", ReuseSession: true, Mode: core.SessionModeClone},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	require.Len(t, backend.requests, 1)
	msgs := backend.requests[0].Messages
	prompt := msgs[len(msgs)-1].Content
	assert.Contains(t, prompt, "<reminder>")
	assert.NotContains(t, prompt, "<context>")
	assert.NotContains(t, prompt, "diff --git")
	assert.NotContains(t, prompt, "Add cache layer") // no PR metadata resent

	// prior turns still travel as conversation history
	assert.Equal(t, "earlier prompt", msgs[1].Content)
	assert.Equal(t, "earlier answer", msgs[2].Content)

	// clone isolation: the parent history is untouched
	assert.Equal(t, 2, parent.Len())
}

func TestExecute_AppendSharesParentSession(t *testing.T) {
	backend := &scriptedBackend{reply: `{"issues": []}`}
	p, sessions := newTestProvider(backend)

	parent := session.NewHandle("security")
	require.NoError(t, sessions.Register("security", parent))

	_, err := p.Execute(context.Background(), provider.RunInput{
		CheckID: "followup",
		PR:      testPR(),
		Config:  map[string]any{"prompt": "Follow up"},
		Session: core.SessionInfo{ParentSessionID: "security", ReuseSession: true, Mode: core.SessionModeAppend},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, parent.Len()) // writes land on the shared handle
}

func TestExecute_ParseErrorIssue(t *testing.T) {
	backend := &scriptedBackend{reply: "I could not produce JSON, sorry"}
	p, _ := newTestProvider(backend)

	sum, err := p.Execute(context.Background(), provider.RunInput{
		CheckID: "security",
		PR:      testPR(),
		Config:  map[string]any{"prompt": "Review it", "schema": "code-review"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Len(t, sum.Issues, 1)
	assert.Equal(t, "ai/parse_error", sum.Issues[0].RuleID)
	assert.Equal(t, "I could not produce JSON, sorry", sum.Content)
}

func TestExecute_StructuredIssuesParsed(t *testing.T) {
	backend := &scriptedBackend{reply: "```json\n" + `{"issues": [{"file": "cache/lru.go", "line": 4,
		"message": "eviction race", "severity": "error", "category": "logic"}],
		"suggestions": ["add a mutex"]}` + "\n```"}
	p, _ := newTestProvider(backend)

	sum, err := p.Execute(context.Background(), provider.RunInput{
		CheckID: "security",
		PR:      testPR(),
		Config:  map[string]any{"prompt": "Review it", "schema": "code-review"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Len(t, sum.Issues, 1)
	issue := sum.Issues[0]
	assert.Equal(t, "ai/logic", issue.RuleID)
	assert.Equal(t, core.SeverityError, issue.Severity)
	assert.Equal(t, "code-review", issue.Schema)
	assert.Equal(t, []string{"add a mutex"}, sum.Suggestions)
}

func TestExecute_TimeoutClassified(t *testing.T) {
	backend := &scriptedBackend{err: llm.Classify("anthropic", context.DeadlineExceeded)}
	p, _ := newTestProvider(backend)

	_, err := p.Execute(context.Background(), provider.RunInput{
		CheckID: "security",
		PR:      testPR(),
		Config:  map[string]any{"prompt": "Review it"},
		Logger:  zerolog.Nop(),
	})
	var pe *core.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, core.ProviderErrTimeout, pe.Kind)
}

func TestValidateConfig(t *testing.T) {
	p, _ := newTestProvider(&scriptedBackend{})
	require.Error(t, p.ValidateConfig(map[string]any{}))
	require.Error(t, p.ValidateConfig(map[string]any{"prompt": "x", "schema": "no-such-schema"}))
	require.NoError(t, p.ValidateConfig(map[string]any{"prompt": "x", "schema": "code-review"}))
	require.NoError(t, p.ValidateConfig(map[string]any{"prompt": map[string]any{"content": "x"}}))
}
