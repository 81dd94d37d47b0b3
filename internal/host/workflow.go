package host

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/reviewflow/reviewflow/internal/aggregate"
	"github.com/reviewflow/reviewflow/internal/config"
	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/provider"
)

// workflowProvider runs a nested workflow file as a single check. It lives
// in the host package because it needs the full run machinery.
type workflowProvider struct {
	root   string
	logger zerolog.Logger
}

func newWorkflowProvider(root string, logger zerolog.Logger) *workflowProvider {
	return &workflowProvider{root: root, logger: logger}
}

func (w *workflowProvider) Name() string        { return "workflow" }
func (w *workflowProvider) Description() string { return "Run a nested workflow to completion" }

func (w *workflowProvider) SupportedKeys() []string {
	return []string{"workflow", "inputs", "overrides", "checks"}
}
func (w *workflowProvider) IsAvailable() bool      { return true }
func (w *workflowProvider) Requirements() []string { return nil }

func (w *workflowProvider) ValidateConfig(cfg map[string]any) error {
	path, err := provider.RequireString(cfg, "workflow")
	if err != nil {
		return err
	}
	_, err = w.resolvePath(path)
	return err
}

func (w *workflowProvider) Execute(ctx context.Context, in provider.RunInput) (*core.ReviewSummary, error) {
	path, err := provider.RequireString(in.Config, "workflow")
	if err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal, Err: err}
	}
	abs, err := w.resolvePath(path)
	if err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal, Err: err}
	}
	nested, err := config.Load(abs)
	if err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal,
			Err: fmt.Errorf("nested workflow %s: %w", path, err)}
	}
	if err := applyOverrides(nested, in.Config["overrides"]); err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal, Err: err}
	}

	// the nested run has its own bus, memory, and sessions; only the flat
	// result surfaces to the parent
	sub, err := New(Options{
		Workflow:    nested,
		ProjectRoot: filepath.Dir(abs),
		Logger:      w.logger.With().Str("nested", in.CheckID).Logger(),
	})
	if err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal, Err: err}
	}

	res, err := sub.ExecuteChecks(ctx, ExecuteOptions{
		PR:     in.PR,
		Event:  "manual",
		Inputs: nestedInputs(in),
		Checks: provider.StringSliceKey(in.Config, "checks"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrTimeout, Err: err}
		}
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal, Err: err}
	}

	return flattenResult(res), nil
}

// resolvePath confines the nested workflow file to the project root.
func (w *workflowProvider) resolvePath(path string) (string, error) {
	root, err := filepath.Abs(w.root)
	if err != nil {
		return "", err
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("workflow path escapes project root: %s", path)
	}
	return abs, nil
}

// nestedInputs hands the parent's dependency outputs and configured inputs
// down to the nested run.
func nestedInputs(in provider.RunInput) map[string]any {
	inputs := map[string]any{}
	for k, v := range in.Inputs {
		inputs[k] = v
	}
	if m, ok := in.Config["inputs"].(map[string]any); ok {
		for k, v := range m {
			inputs[k] = v
		}
	}
	if len(in.Dependencies) > 0 {
		inputs["dependencies"] = in.Dependencies
	}
	return inputs
}

// applyOverrides rewrites nested check attributes before instantiation.
// Structural key "type" is honored; everything else lands in Params.
func applyOverrides(wf *config.Workflow, raw any) error {
	if raw == nil {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("overrides must be a map of checkId to attributes")
	}
	for id, attrs := range m {
		def, ok := wf.Checks[id]
		if !ok {
			return fmt.Errorf("overrides reference unknown nested check %q", id)
		}
		am, ok := attrs.(map[string]any)
		if !ok {
			return fmt.Errorf("overrides.%s must be a map", id)
		}
		for k, v := range am {
			if k == "type" {
				if s, ok := v.(string); ok {
					def.Type = s
				}
				continue
			}
			def.Params[k] = v
		}
	}
	return nil
}

// flattenResult folds the nested run into one summary: all grouped issues
// plus the nested outputs and statistics as structured output.
func flattenResult(res *Result) *core.ReviewSummary {
	sum := &core.ReviewSummary{
		Issues: aggregate.Flatten(res.Grouped),
		Output: map[string]any{
			"runId":      res.RunID,
			"outcomes":   res.Outcomes,
			"outputs":    res.Outputs.Latest,
			"statistics": res.Statistics,
		},
	}
	return sum
}
