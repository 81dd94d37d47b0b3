// Package webhook posts the review context to an external HTTP endpoint and
// expects a ReviewSummary back.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/reviewflow/reviewflow/internal/core"
	"github.com/reviewflow/reviewflow/internal/provider"
)

const defaultTimeout = 30 * time.Second

// Envelope is the JSON body POSTed to the endpoint.
type Envelope struct {
	CheckID      string         `json:"checkId"`
	PR           *core.PRInfo   `json:"pr,omitempty"`
	Dependencies map[string]any `json:"dependencies,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
}

// Webhook delegates a check to a remote service.
type Webhook struct {
	client *http.Client
}

func New() *Webhook {
	return &Webhook{client: &http.Client{}}
}

func (w *Webhook) Name() string        { return "webhook" }
func (w *Webhook) Description() string { return "POST the review context to an HTTP endpoint" }

func (w *Webhook) ValidateConfig(cfg map[string]any) error {
	raw, err := provider.RequireString(cfg, "url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}

func (w *Webhook) SupportedKeys() []string { return []string{"url", "headers", "timeout_ms"} }
func (w *Webhook) IsAvailable() bool       { return true }
func (w *Webhook) Requirements() []string  { return []string{"network access to the endpoint"} }

func (w *Webhook) Execute(ctx context.Context, in provider.RunInput) (*core.ReviewSummary, error) {
	started := time.Now()
	endpoint, err := provider.RequireString(in.Config, "url")
	if err != nil {
		return nil, err
	}
	timeout := defaultTimeout
	if ms := provider.IntKey(in.Config, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(Envelope{
		CheckID:      in.CheckID,
		PR:           in.PR,
		Dependencies: in.Dependencies,
		Inputs:       in.Inputs,
	})
	if err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := in.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		kind := core.ProviderErrTransient
		if ctx.Err() != nil {
			kind = core.ProviderErrTimeout
		}
		return nil, &core.ProviderError{Provider: w.Name(), Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &core.ProviderError{Provider: w.Name(), Kind: core.ProviderErrTransient, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &core.ProviderError{
			Provider: w.Name(), Kind: core.ProviderErrTransient,
			Err: fmt.Errorf("endpoint returned %s", resp.Status),
		}
	case resp.StatusCode >= 400:
		return nil, &core.ProviderError{
			Provider: w.Name(), Kind: core.ProviderErrFatal,
			Err: fmt.Errorf("endpoint returned %s", resp.Status),
		}
	}

	var summary core.ReviewSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return &core.ReviewSummary{
			Issues:  []core.ReviewIssue{provider.ErrorIssue(w.Name(), "parse_error", err.Error())},
			Content: string(payload),
		}, nil
	}
	if summary.Debug == nil {
		summary.Debug = &core.DebugInfo{}
	}
	summary.Debug.Provider = w.Name()
	summary.Debug.ProcessingMS = time.Since(started).Milliseconds()
	summary.Debug.StartedAt = started
	summary.Debug.FinishedAt = time.Now()

	in.Logger.Debug().
		Str("check", in.CheckID).
		Int("status", resp.StatusCode).
		Int("issues", len(summary.Issues)).
		Msg("webhook responded")
	return &summary, nil
}
