package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAICompleter implements ChatCompleter over openai-go, grounded on
// internal/agent/ai/api_openai.go's client construction
// (option.WithAPIKey, optional baseURL override for OpenAI-compatible
// endpoints such as Groq), adapted from that file's streaming
// Chat.Completions.NewStreaming call to one synchronous
// Chat.Completions.New call per oracle invocation.
type OpenAICompleter struct {
	client        openai.Client
	model         string
	maxCompletion int64
}

// NewOpenAICompleter builds a completer for model (e.g. "gpt-4o").
// baseURL, if non-empty, targets an OpenAI-compatible endpoint (e.g.
// Groq's or Mistral's, as NewLLMOracles passes them).
func NewOpenAICompleter(apiKey, model string, baseURL ...string) *OpenAICompleter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if len(baseURL) > 0 && baseURL[0] != "" {
		opts = append(opts, option.WithBaseURL(baseURL[0]))
	}
	return &OpenAICompleter{
		client:        openai.NewClient(opts...),
		model:         model,
		maxCompletion: 4096,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(c.maxCompletion),
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}

	var sb strings.Builder
	for _, choice := range completion.Choices {
		sb.WriteString(choice.Message.Content)
	}
	return sb.String(), nil
}
