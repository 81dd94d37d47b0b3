// Package provider defines the uniform execution contract over heterogeneous
// check back-ends (AI, command, webhook, workflow, noop, ...) and the
// process-wide registry that dispatches on the config `type` discriminator.
package provider

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/bus"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/memory"
)

// RunInput is everything a provider may consult for one invocation.
type RunInput struct {
	CheckID string
	PR      *core.PRInfo

	// Config holds the provider-specific keys of the check definition.
	Config map[string]any

	// Dependencies maps upstream checkId to the selected iteration's
	// effective output (forEach parents are bound to the current item).
	Dependencies map[string]any

	// Session carries the reuse policy for AI-backed providers.
	Session core.SessionInfo

	Inputs  map[string]any
	Memory  *memory.Store
	Outputs core.OutputsView

	// Env is the workflow's curated, non-secret environment map.
	Env map[string]string

	// Events lets providers emit lifecycle events (human-input gates).
	Events *bus.Bus

	Logger zerolog.Logger
}

// CheckProvider executes checks of one type. Execute must translate expected
// error classes into issues with a "/error" ruleId suffix instead of
// returning them; returned errors are reserved for retryable/fatal provider
// faults the scheduler handles.
type CheckProvider interface {
	// Name is the `type` discriminator this provider registers under.
	Name() string

	Description() string

	// ValidateConfig rejects configs this provider cannot execute.
	// Minimum bar: type match plus required fields.
	ValidateConfig(cfg map[string]any) error

	// SupportedKeys documents the provider-specific config surface.
	SupportedKeys() []string

	// IsAvailable reports structural readiness (e.g. API key present).
	IsAvailable() bool

	// Requirements lists prerequisites for availability, for diagnostics.
	Requirements() []string

	Execute(ctx context.Context, in RunInput) (*core.ReviewSummary, error)
}

// ErrorIssue builds the uniform issue shape for expected provider failures.
func ErrorIssue(providerName, category, message string) core.ReviewIssue {
	return core.ReviewIssue{
		RuleID:   providerName + "/" + category,
		Message:  message,
		Severity: core.SeverityError,
		Category: core.CategoryLogic,
	}
}
