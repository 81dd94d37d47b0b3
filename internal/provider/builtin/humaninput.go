package builtin

import (
	"context"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/provider"
	"github.com/reviewflow/reviewflow/internal/template"
)

// PendingRuleID marks the placeholder issue of a suspended human-input gate.
const PendingRuleID = "human-input/pending"

// HumanInput emits a HumanInputRequested event and reports
// ErrHumanInputPending so the scheduler suspends the check until a resume
// event arrives on the bus. The returned summary carries a single pending
// issue for frontends.
type HumanInput struct {
	renderer *template.Renderer
}

func NewHumanInput() *HumanInput {
	return &HumanInput{renderer: template.NewRenderer()}
}

func (h *HumanInput) Name() string        { return "human-input" }
func (h *HumanInput) Description() string { return "Suspend until a human responds" }

func (h *HumanInput) ValidateConfig(cfg map[string]any) error {
	_, err := provider.RequireString(cfg, "prompt")
	return err
}

func (h *HumanInput) SupportedKeys() []string { return []string{"prompt", "channel", "thread_ts"} }
func (h *HumanInput) IsAvailable() bool       { return true }
func (h *HumanInput) Requirements() []string  { return nil }

func (h *HumanInput) Execute(_ context.Context, in provider.RunInput) (*core.ReviewSummary, error) {
	prompt, err := provider.RequireString(in.Config, "prompt")
	if err != nil {
		return nil, err
	}
	rendered, err := h.renderer.Render(prompt, template.Bindings(in.PR, in.Dependencies, in.Inputs))
	if err != nil {
		return &core.ReviewSummary{
			Issues: []core.ReviewIssue{provider.ErrorIssue(h.Name(), "template_error", err.Error())},
		}, nil
	}

	if in.Events != nil {
		in.Events.Publish(bus.TopicHumanInputRequested, bus.HumanInputRequested{
			CheckID:  in.CheckID,
			Prompt:   rendered,
			Channel:  provider.StringKey(in.Config, "channel"),
			ThreadTS: provider.StringKey(in.Config, "thread_ts"),
		})
	}

	summary := &core.ReviewSummary{
		Issues: []core.ReviewIssue{{
			RuleID:   PendingRuleID,
			Message:  "awaiting human input: " + rendered,
			Severity: core.SeverityInfo,
			Category: core.CategoryOther,
		}},
		Content: rendered,
	}
	return summary, core.ErrHumanInputPending
}
