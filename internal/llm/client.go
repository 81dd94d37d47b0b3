// Package llm is a thin, provider-agnostic completion client. Backends
// register under a canonical provider key and the client dispatches by the
// request's Provider field, falling back to the first registered backend.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Message is one turn of a conversation sent to a backend.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Request is a single completion call.
type Request struct {
	Provider    string
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

func (r Request) Validate() error {
	if r.Model == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "at least one message is required"}
	}
	return nil
}

// TokenUsage reports prompt and completion token counts when the backend
// surfaces them.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a completed (non-streaming) model turn.
type Response struct {
	Content      string
	Model        string
	Provider     string
	FinishReason string
	Usage        TokenUsage
}

// Backend adapts one provider SDK to the Request/Response contract.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)

	// Available reports whether the backend can be called right now,
	// typically an API-key presence check.
	Available() bool

	// Requirements names what Available is missing, for diagnostics.
	Requirements() []string
}

// Client routes requests to registered backends.
type Client struct {
	backends       map[string]Backend
	defaultBackend string
}

func NewClient() *Client {
	return &Client{backends: map[string]Backend{}}
}

// Register adds a backend. The first registered backend becomes the default.
func (c *Client) Register(b Backend) {
	if c.backends == nil {
		c.backends = map[string]Backend{}
	}
	c.backends[b.Name()] = b
	if c.defaultBackend == "" {
		c.defaultBackend = b.Name()
	}
}

func (c *Client) SetDefaultBackend(name string) {
	c.defaultBackend = canonicalProviderKey(name)
}

// BackendNames returns the registered provider keys, sorted.
func (c *Client) BackendNames() []string {
	if c == nil || len(c.backends) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.backends))
	for k := range c.backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Available reports whether the backend for the given provider key (or the
// default when empty) is registered and ready.
func (c *Client) Available(provider string) bool {
	b, err := c.resolve(provider)
	return err == nil && b.Available()
}

// Complete dispatches the request to the matching backend.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	b, err := c.resolve(req.Provider)
	if err != nil {
		return Response{}, err
	}
	req.Provider = b.Name()
	resp, err := b.Complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	resp.Provider = b.Name()
	return resp, nil
}

func (c *Client) resolve(provider string) (Backend, error) {
	key := canonicalProviderKey(provider)
	if key == "" {
		key = c.defaultBackend
	}
	if key == "" {
		return nil, &ConfigurationError{Message: "no provider specified and no default backend configured"}
	}
	b, ok := c.backends[key]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", key)}
	}
	return b, nil
}

// canonicalProviderKey folds common aliases onto registered backend names.
func canonicalProviderKey(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return ""
	case "anthropic", "claude":
		return "anthropic"
	case "openai", "gpt", "chatgpt":
		return "openai"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}
