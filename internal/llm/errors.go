package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"

	"github.com/reviewflow/reviewflow/internal/core"
)

// ConfigurationError marks caller mistakes: missing model, unknown provider.
// It is never retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("llm configuration error: %s", e.Message)
}

// Classify maps a backend error onto the scheduler's retry taxonomy.
// Deadline and cancellation are timeouts, 429/5xx and network faults are
// transient, everything else (auth, bad request, config) is fatal.
func Classify(provider string, err error) *core.ProviderError {
	if err == nil {
		return nil
	}
	kind := core.ProviderErrFatal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = core.ProviderErrTimeout
	case errors.Is(err, context.Canceled):
		kind = core.ProviderErrTimeout
	case isTransientStatus(err):
		kind = core.ProviderErrTransient
	case isNetworkError(err):
		kind = core.ProviderErrTransient
	}
	return &core.ProviderError{Provider: provider, Kind: kind, Err: err}
}

func isTransientStatus(err error) bool {
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return aerr.StatusCode == 429 || aerr.StatusCode >= 500
	}
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return oerr.StatusCode == 429 || oerr.StatusCode >= 500
	}
	return false
}

func isNetworkError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr)
}
