package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewflow/reviewflow/internal/core"
)

type fakeBackend struct {
	name      string
	available bool
	lastReq   Request
	resp      Response
	err       error
}

func (f *fakeBackend) Name() string           { return f.name }
func (f *fakeBackend) Available() bool        { return f.available }
func (f *fakeBackend) Requirements() []string { return nil }
func (f *fakeBackend) Complete(_ context.Context, req Request) (Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestClient_DispatchAndDefault(t *testing.T) {
	c := NewClient()
	a := &fakeBackend{name: "anthropic", available: true, resp: Response{Content: "from claude"}}
	o := &fakeBackend{name: "openai", available: true, resp: Response{Content: "from gpt"}}
	c.Register(a)
	c.Register(o)

	req := Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}}

	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "from claude", resp.Content) // first registered is default
	assert.Equal(t, "anthropic", resp.Provider)

	req.Provider = "openai"
	resp, err = c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "from gpt", resp.Content)
}

func TestClient_AliasNormalization(t *testing.T) {
	c := NewClient()
	a := &fakeBackend{name: "anthropic", available: true}
	c.Register(a)

	req := Request{Provider: "Claude", Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}}
	_, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", a.lastReq.Provider)
}

func TestClient_UnknownProvider(t *testing.T) {
	c := NewClient()
	c.Register(&fakeBackend{name: "anthropic"})

	req := Request{Provider: "mistral", Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}}
	_, err := c.Complete(context.Background(), req)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "unknown provider")
}

func TestClient_Validate(t *testing.T) {
	c := NewClient()
	c.Register(&fakeBackend{name: "anthropic"})

	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)

	_, err = c.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
}

func TestClient_Available(t *testing.T) {
	c := NewClient()
	c.Register(&fakeBackend{name: "anthropic", available: false})
	c.Register(&fakeBackend{name: "openai", available: true})

	assert.False(t, c.Available("anthropic"))
	assert.True(t, c.Available("openai"))
	assert.False(t, c.Available("mistral"))
	assert.Equal(t, []string{"anthropic", "openai"}, c.BackendNames())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("anthropic", nil))

	pe := Classify("anthropic", context.DeadlineExceeded)
	require.NotNil(t, pe)
	assert.Equal(t, core.ProviderErrTimeout, pe.Kind)
	assert.True(t, pe.Retryable())

	pe = Classify("openai", errors.New("invalid api key"))
	assert.Equal(t, core.ProviderErrFatal, pe.Kind)
	assert.False(t, pe.Retryable())
}
