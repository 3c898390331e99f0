package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ErrUnrecognizedProvider is returned by NewLLMOracles when a model
// string's provider segment does not match any configured backend.
// Surfaced as a configuration error before any sub-agent is spawned.
var ErrUnrecognizedProvider = fmt.Errorf("unrecognized LLM provider")

// providerAPIKeyVars mirrors cli.py's _PROVIDER_API_KEY_VARS: each
// provider's credential is read from the first set environment variable
// in its list.
var providerAPIKeyVars = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"groq":      {"GROQ_API_KEY"},
	"mistral":   {"MISTRAL_API_KEY"},
	"google":    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"gemini":    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
}

func firstSetEnv(vars []string) (string, bool) {
	for _, v := range vars {
		if val := os.Getenv(v); val != "" {
			return val, true
		}
	}
	return "", false
}

// ValidateModel checks that model is "<provider>/<name>" and that a
// credential for its provider is available, without constructing any
// client or making any network call -- the configuration-error check
// that must pass before any subprocess is spawned.
func ValidateModel(model string) error {
	provider, _, ok := strings.Cut(model, "/")
	if !ok {
		return fmt.Errorf("invalid model format %q, expected \"provider/model_name\" (e.g. anthropic/claude-sonnet-4-5)", model)
	}

	keyVars, known := providerAPIKeyVars[provider]
	if !known {
		return fmt.Errorf("%w: %q (from model %q)", ErrUnrecognizedProvider, provider, model)
	}
	if _, ok := firstSetEnv(keyVars); !ok {
		return fmt.Errorf("model %q requires an API key but none of %s is set", model, strings.Join(keyVars, " or "))
	}
	return nil
}

// NewLLMOracles builds an Oracles record backed by a single live
// ChatCompleter, selected by model's "<provider>/<name>" prefix.
func NewLLMOracles(ctx context.Context, model string) (Oracles, func() error, error) {
	provider, name, ok := strings.Cut(model, "/")
	if !ok {
		return Oracles{}, nil, fmt.Errorf("invalid model format %q, expected \"provider/model_name\"", model)
	}

	keyVars, known := providerAPIKeyVars[provider]
	if !known {
		return Oracles{}, nil, fmt.Errorf("%w: %q", ErrUnrecognizedProvider, provider)
	}
	apiKey, ok := firstSetEnv(keyVars)
	if !ok {
		return Oracles{}, nil, fmt.Errorf("model %q requires an API key but none of %s is set", model, strings.Join(keyVars, " or "))
	}

	var completer ChatCompleter
	closeFn := func() error { return nil }

	switch provider {
	case "anthropic":
		completer = NewAnthropicCompleter(apiKey, name)
	case "openai":
		completer = NewOpenAICompleter(apiKey, name)
	case "groq":
		completer = NewOpenAICompleter(apiKey, name, "https://api.groq.com/openai/v1")
	case "mistral":
		completer = NewOpenAICompleter(apiKey, name, "https://api.mistral.ai/v1")
	case "google", "gemini":
		gc, err := NewGeminiCompleter(ctx, apiKey, name)
		if err != nil {
			return Oracles{}, nil, err
		}
		completer = gc
		closeFn = gc.Close
	default:
		return Oracles{}, nil, fmt.Errorf("%w: %q", ErrUnrecognizedProvider, provider)
	}

	llm := &LLMOracles{Completer: completer}
	return Oracles{
		Decomposer:    llm,
		AgentSelector: llm,
		PromptBuilder: llm,
		Evaluator:     llm,
		Merger:        llm,
	}, closeFn, nil
}
