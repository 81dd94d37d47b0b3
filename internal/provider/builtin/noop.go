// Package builtin holds the zero-dependency providers: noop synchronization
// points, log artifacts, and human-input gates.
package builtin

import (
	"context"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/provider"
)

// Noop succeeds with an empty summary. Useful as a join point, a routing
// hub, or a quality gate when paired with fail_if.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Name() string        { return "noop" }
func (n *Noop) Description() string { return "No-op check for synchronization and gating" }

func (n *Noop) ValidateConfig(map[string]any) error { return nil }
func (n *Noop) SupportedKeys() []string             { return nil }
func (n *Noop) IsAvailable() bool                   { return true }
func (n *Noop) Requirements() []string              { return nil }

func (n *Noop) Execute(context.Context, provider.RunInput) (*core.ReviewSummary, error) {
	return &core.ReviewSummary{}, nil
}
