package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/provider"
	"github.com/reviewflow/reviewflow/internal/template"
)

// Log renders a message template into a text artifact. The summary carries
// the rendered text as Content so frontends can surface it; issues stay
// empty.
type Log struct {
	renderer *template.Renderer
}

func NewLog() *Log {
	return &Log{renderer: template.NewRenderer()}
}

func (l *Log) Name() string        { return "log" }
func (l *Log) Description() string { return "Render a message artifact for inspection" }

func (l *Log) ValidateConfig(cfg map[string]any) error {
	if _, err := provider.RequireString(cfg, "message"); err != nil {
		return err
	}
	switch provider.StringKey(cfg, "level") {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid level %q (want debug|info|warn|error)", provider.StringKey(cfg, "level"))
	}
}

func (l *Log) SupportedKeys() []string { return []string{"message", "level"} }
func (l *Log) IsAvailable() bool       { return true }
func (l *Log) Requirements() []string  { return nil }

func (l *Log) Execute(_ context.Context, in provider.RunInput) (*core.ReviewSummary, error) {
	started := time.Now()
	msg, err := provider.RequireString(in.Config, "message")
	if err != nil {
		return nil, err
	}
	rendered, err := l.renderer.Render(msg, template.Bindings(in.PR, in.Dependencies, in.Inputs))
	if err != nil {
		return &core.ReviewSummary{
			Issues: []core.ReviewIssue{provider.ErrorIssue(l.Name(), "template_error", err.Error())},
		}, nil
	}

	level := provider.StringKey(in.Config, "level")
	if level == "" {
		level = "info"
	}
	decorated := levelEmoji(level) + " " + rendered
	logEvent(in, level).Str("check", in.CheckID).Msg(rendered)

	return &core.ReviewSummary{
		Content: decorated,
		Debug: &core.DebugInfo{
			Provider:     l.Name(),
			ProcessingMS: time.Since(started).Milliseconds(),
			StartedAt:    started,
			FinishedAt:   time.Now(),
		},
	}, nil
}

func logEvent(in provider.RunInput, level string) *zerolog.Event {
	switch strings.ToLower(level) {
	case "debug":
		return in.Logger.Debug()
	case "warn":
		return in.Logger.Warn()
	case "error":
		return in.Logger.Error()
	default:
		return in.Logger.Info()
	}
}

func levelEmoji(level string) string {
	switch strings.ToLower(level) {
	case "debug":
		return "🔍"
	case "warn":
		return "⚠️"
	case "error":
		return "❌"
	default:
		return "ℹ️"
	}
}
