package oracle

import (
	"context"
	"fmt"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiCompleter implements ChatCompleter over
// github.com/google/generative-ai-go, the Gemini/Google provider family.
// No other package here already wires this SDK (the Anthropic/OpenAI
// completers cover differently-shaped providers), so the client
// construction and single-call request shape here follow
// generative-ai-go's own documented surface: one long-lived *genai.Client
// plus a *genai.GenerativeModel per model name, closed over by Complete.
type GeminiCompleter struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiCompleter builds a completer for model (e.g.
// "gemini-1.5-pro"). The returned completer owns the client; call Close
// when done with it.
func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client init failed: %w", err)
	}
	gm := client.GenerativeModel(model)
	return &GeminiCompleter{client: client, model: gm}, nil
}

// Close releases the underlying client connection.
func (c *GeminiCompleter) Close() error {
	return c.client.Close()
}

func (c *GeminiCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if systemPrompt != "" {
		c.model.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	}

	resp, err := c.model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini completion returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}
