// Package ai executes review checks against a language model. It composes a
// block-structured prompt, honors session reuse (clone or append), and
// parses schema-validated JSON output into issues.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/llm"
	"github.com/reviewflow/reviewflow/internal/provider"
	"github.com/reviewflow/reviewflow/internal/session"
	"github.com/reviewflow/reviewflow/internal/template"
)

const defaultSystemPrompt = "You are a senior code reviewer. Be specific, cite files and lines, " +
	"and only report issues you are confident about."

// Options carries the workflow-level AI defaults.
type Options struct {
	Model       string
	Provider    string
	ProjectRoot string
}

// Provider runs "ai" checks.
type Provider struct {
	client   *llm.Client
	sessions *session.Registry
	renderer *template.Renderer
	opts     Options
}

func New(client *llm.Client, sessions *session.Registry, opts Options) *Provider {
	if opts.ProjectRoot == "" {
		opts.ProjectRoot = "."
	}
	return &Provider{
		client:   client,
		sessions: sessions,
		renderer: template.NewRenderer(),
		opts:     opts,
	}
}

func (p *Provider) Name() string        { return "ai" }
func (p *Provider) Description() string { return "Model-backed review with structured output" }

func (p *Provider) ValidateConfig(cfg map[string]any) error {
	if _, err := resolvePromptSource(cfg, p.opts.ProjectRoot); err != nil {
		return err
	}
	_, err := schemaRules(provider.StringKey(cfg, "schema"))
	return err
}

func (p *Provider) SupportedKeys() []string {
	return []string{
		"prompt", "schema", "ai_model", "ai_provider", "system_prompt",
		"max_tokens", "skip_code_context", "skip_slack_context",
	}
}

func (p *Provider) IsAvailable() bool {
	for _, name := range p.client.BackendNames() {
		if p.client.Available(name) {
			return true
		}
	}
	return false
}

func (p *Provider) Requirements() []string {
	return []string{"ANTHROPIC_API_KEY or OPENAI_API_KEY environment variable"}
}

func (p *Provider) Execute(ctx context.Context, in provider.RunInput) (*core.ReviewSummary, error) {
	started := time.Now()

	src, err := resolvePromptSource(in.Config, p.opts.ProjectRoot)
	if err != nil {
		return nil, &core.ProviderError{Provider: p.Name(), Kind: core.ProviderErrFatal, Err: err}
	}
	instructions, err := p.renderer.Render(src, promptBindings(in))
	if err != nil {
		return &core.ReviewSummary{
			Issues: []core.ReviewIssue{provider.ErrorIssue(p.Name(), "template_error", err.Error())},
		}, nil
	}
	schemaName := provider.StringKey(in.Config, "schema")
	rules, err := schemaRules(schemaName)
	if err != nil {
		return nil, &core.ProviderError{Provider: p.Name(), Kind: core.ProviderErrFatal, Err: err}
	}

	handle, reuse, err := p.resolveSession(in)
	if err != nil {
		return nil, &core.ProviderError{Provider: p.Name(), Kind: core.ProviderErrFatal, Err: err}
	}
	prompt := composePrompt(in, instructions, rules, reuse)

	req := llm.Request{
		Provider:  firstNonEmpty(provider.StringKey(in.Config, "ai_provider"), p.opts.Provider),
		Model:     firstNonEmpty(provider.StringKey(in.Config, "ai_model"), p.opts.Model),
		MaxTokens: provider.IntKey(in.Config, "max_tokens", 0),
		Messages:  p.buildMessages(in, handle, prompt),
	}

	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		var cfgErr *llm.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, &core.ProviderError{Provider: p.Name(), Kind: core.ProviderErrFatal, Err: err}
		}
		var pe *core.ProviderError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &core.ProviderError{Provider: p.Name(), Kind: core.ProviderErrFatal, Err: err}
	}

	handle.Append(session.Turn{Role: session.RoleUser, Content: prompt})
	handle.Append(session.Turn{Role: session.RoleAssistant, Content: resp.Content})

	debug := &core.DebugInfo{
		Provider:     resp.Provider,
		Model:        resp.Model,
		ProcessingMS: time.Since(started).Milliseconds(),
		StartedAt:    started,
		FinishedAt:   time.Now(),
	}

	sum, perr := parseResponse(resp.Content, schemaName)
	if perr != nil {
		in.Logger.Warn().Str("check", in.CheckID).Err(perr).Msg("model output failed schema parse")
		return &core.ReviewSummary{
			Issues:  []core.ReviewIssue{provider.ErrorIssue(p.Name(), "parse_error", perr.Error())},
			Content: resp.Content,
			Debug:   debug,
		}, nil
	}
	sum.Debug = debug
	return sum, nil
}

// resolveSession picks the conversation handle per the reuse policy. A fresh
// run registers a new handle under the checkId so dependents can reuse it.
func (p *Provider) resolveSession(in provider.RunInput) (*session.Handle, bool, error) {
	info := in.Session
	if !info.ReuseSession || info.ParentSessionID == "" {
		h := session.NewHandle(in.CheckID)
		if err := p.sessions.Register(in.CheckID, h); err != nil {
			if !errors.Is(err, core.ErrSessionConflict) {
				return nil, false, err
			}
			// re-entry of the same check starts a fresh conversation
			p.sessions.Unregister(in.CheckID)
			if err := p.sessions.Register(in.CheckID, h); err != nil {
				return nil, false, err
			}
		}
		return h, false, nil
	}

	switch info.Mode {
	case core.SessionModeAppend:
		h, err := p.sessions.Get(info.ParentSessionID)
		if err != nil {
			return nil, false, fmt.Errorf("append to session %q: %w", info.ParentSessionID, err)
		}
		return h, true, nil
	default: // clone
		h, _, err := p.sessions.Clone(info.ParentSessionID, in.CheckID)
		if err != nil {
			return nil, false, fmt.Errorf("clone session %q: %w", info.ParentSessionID, err)
		}
		return h, true, nil
	}
}

func (p *Provider) buildMessages(in provider.RunInput, handle *session.Handle, prompt string) []llm.Message {
	system := provider.StringKey(in.Config, "system_prompt")
	if system == "" {
		system = defaultSystemPrompt
	}
	msgs := []llm.Message{{Role: "system", Content: system}}
	for _, turn := range handle.History() {
		if turn.Role == session.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: prompt})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
