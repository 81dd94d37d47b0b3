package llm

import (
	"context"
	"fmt"
	"os"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const openaiKeyEnv = "OPENAI_API_KEY"

// OpenAIBackend adapts the Chat Completions API.
type OpenAIBackend struct {
	client openai.Client
	keySet bool
}

// NewOpenAIBackend reads OPENAI_API_KEY from the environment. A missing key
// leaves the backend registered but unavailable.
func NewOpenAIBackend() *OpenAIBackend {
	key := os.Getenv(openaiKeyEnv)
	return &OpenAIBackend{
		client: openai.NewClient(option.WithAPIKey(key)),
		keySet: key != "",
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Available() bool { return b.keySet }

func (b *OpenAIBackend) Requirements() []string {
	return []string{openaiKeyEnv + " environment variable"}
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "user":
			messages = append(messages, openai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			return Response{}, &ConfigurationError{Message: fmt.Sprintf("unsupported message role %q", m.Role)}
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, Classify(b.Name(), fmt.Errorf("openai chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Response{}, Classify(b.Name(), fmt.Errorf("openai chat completion: empty choices"))
	}
	choice := resp.Choices[0]
	return Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
