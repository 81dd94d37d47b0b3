package llm

import (
	"context"
	"fmt"
	"os"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicKeyEnv = "ANTHROPIC_API_KEY"

// defaultMaxTokens caps completions when the request leaves MaxTokens unset.
const defaultMaxTokens = 8192

// AnthropicBackend adapts the Claude Messages API.
type AnthropicBackend struct {
	client anthropic.Client
	keySet bool
}

// NewAnthropicBackend reads ANTHROPIC_API_KEY from the environment. A missing
// key leaves the backend registered but unavailable.
func NewAnthropicBackend() *AnthropicBackend {
	key := os.Getenv(anthropicKeyEnv)
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		keySet: key != "",
	}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) Available() bool { return b.keySet }

func (b *AnthropicBackend) Requirements() []string {
	return []string{anthropicKeyEnv + " environment variable"}
}

func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			return Response{}, &ConfigurationError{Message: fmt.Sprintf("unsupported message role %q", m.Role)}
		}
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, Classify(b.Name(), fmt.Errorf("anthropic messages.new: %w", err))
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return Response{
		Content:      content,
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}
