// Live LLM-backed oracle implementations, one per configured provider
// family, selected by the "provider/name" model string. Grounded on
// internal/agent/ai/api_anthropic.go for the
// anthropic-sdk-go client construction and single-call request shape
// (adapted from a streaming chat completion to one synchronous call per
// oracle invocation, since an oracle needs one structured JSON response,
// not a token stream -- see DESIGN.md for this deliberate adaptation).
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ChatCompleter is the minimal interface every live LLM backend satisfies:
// send one prompt, get back the raw text response. Each of the five
// Oracle interfaces is implemented on top of this by rendering a fixed
// instruction template and parsing a trailing JSON object out of the
// response.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AnthropicCompleter implements ChatCompleter over anthropic-sdk-go.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicCompleter builds a completer for the given model id (e.g.
// "claude-sonnet-4-5").
func NewAnthropicCompleter(apiKey, model string) *AnthropicCompleter {
	return &AnthropicCompleter{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 4096,
	}
}

func (c *AnthropicCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// trailingJSONPattern extracts the span from the first '{' to the last '}'
// in a response, tolerating a model that wraps a single JSON object in
// prose or a markdown fence; a response with braces outside that object
// yields a span that does not parse -- the one shared parsing strategy usable across every
// provider's chat-completion response, since none of anthropic-sdk-go,
// openai-go, or generative-ai-go offer a provider-agnostic structured
// output mode for this module's purposes.
var trailingJSONPattern = regexp.MustCompile(`(?s)\{.*\}`)

func extractTrailingJSON(response string, out any) error {
	match := trailingJSONPattern.FindString(response)
	if match == "" {
		return fmt.Errorf("no JSON object found in oracle response")
	}
	return json.Unmarshal([]byte(match), out)
}

// LLMOracles implements all five Oracle interfaces by prompting a single
// ChatCompleter with a fixed instruction template per oracle.
type LLMOracles struct {
	Completer ChatCompleter
}

func (o *LLMOracles) Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error) {
	system := "You decompose a user's feature request into parallel, region-scoped subtasks. " +
		"Respond with ONLY a JSON object: " +
		`{"subtasks": [{"description": "...", "region": "...", "expected_files": ["..."], "depends_on": [0]}], "reasoning": "..."}`
	user := fmt.Sprintf(
		"User intent: %s\n\nWorkspace tree:\n%s\n\nSymbol index:\n%s",
		req.UserIntent, req.WorkspaceTree, req.SymbolIndex,
	)

	text, err := o.Completer.Complete(ctx, system, user)
	if err != nil {
		return DecomposeResponse{}, err
	}

	var parsed struct {
		Subtasks  []DecomposedSubtask `json:"subtasks"`
		Reasoning string              `json:"reasoning"`
	}
	if err := extractTrailingJSON(text, &parsed); err != nil {
		return DecomposeResponse{}, fmt.Errorf("decompose oracle: %w", err)
	}
	return DecomposeResponse{Subtasks: parsed.Subtasks, Reasoning: parsed.Reasoning}, nil
}

func (o *LLMOracles) SelectAgent(ctx context.Context, req AgentSelectRequest) (AgentSelectResponse, error) {
	system := "You select the best coding agent type for a subtask based on its characteristics, " +
		"language, and each agent's strengths. Respond with ONLY a JSON object: " +
		`{"agent_id": "...", "reasoning": "..."}`
	user := fmt.Sprintf(
		"Subtask: %s\nRegion: %s\nPrimary language: %s\nAvailable agents: %s",
		req.SubtaskDescription, req.SubtaskRegion, req.PrimaryLanguage, req.AvailableAgents,
	)

	text, err := o.Completer.Complete(ctx, system, user)
	if err != nil {
		return AgentSelectResponse{}, err
	}

	var parsed AgentSelectResponse
	if err := extractTrailingJSON(text, &parsed); err != nil {
		return AgentSelectResponse{}, fmt.Errorf("agent select oracle: %w", err)
	}
	return parsed, nil
}

func (o *LLMOracles) BuildPrompt(ctx context.Context, req PromptBuildRequest) (PromptBuildResponse, error) {
	system := "You build a guided prompt for a coding sub-agent, scaled to the given effort level, " +
		"giving it enough context to work efficiently within its assigned region without scanning the " +
		"entire codebase. Respond with ONLY a JSON object: " + `{"agent_prompt": "..."}`
	user := fmt.Sprintf(
		"Subtask: %s\nRegion: %s\nRegion files: %s\nCross-region deps: %s\nEffort level: %s",
		req.SubtaskDescription, req.Region, req.RegionFiles, req.CrossRegionDeps, req.EffortLevel,
	)

	text, err := o.Completer.Complete(ctx, system, user)
	if err != nil {
		return PromptBuildResponse{}, err
	}

	var parsed PromptBuildResponse
	if err := extractTrailingJSON(text, &parsed); err != nil {
		return PromptBuildResponse{}, fmt.Errorf("prompt build oracle: %w", err)
	}
	return parsed, nil
}

func (o *LLMOracles) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	system := "You evaluate whether a sub-agent completed its assigned subtask. Respond with ONLY " +
		`a JSON object: {"status": "completed|failed|partial", "failure_reason": "...", "suggested_retry": "..."}`
	user := fmt.Sprintf(
		"Subtask: %s\nAgent output: %s\nFiles changed: %s",
		req.SubtaskDescription, req.AgentOutput, req.FilesChanged,
	)

	text, err := o.Completer.Complete(ctx, system, user)
	if err != nil {
		return EvaluateResponse{}, err
	}

	var parsed EvaluateResponse
	if err := extractTrailingJSON(text, &parsed); err != nil {
		return EvaluateResponse{}, fmt.Errorf("evaluate oracle: %w", err)
	}
	return parsed, nil
}

func (o *LLMOracles) Merge(ctx context.Context, req MergeRequest) (MergeResponse, error) {
	system := "You resolve conflicting changes to a shared file from two agents. Respond with ONLY " +
		`a JSON object: {"merged_content": "...", "resolution_notes": "..."}`
	user := fmt.Sprintf(
		"File: %s\nAgent A changes:\n%s\n\nAgent B changes:\n%s\n\nOriginal content:\n%s",
		req.FilePath, req.AgentAChanges, req.AgentBChanges, req.FileContentBefore,
	)

	text, err := o.Completer.Complete(ctx, system, user)
	if err != nil {
		return MergeResponse{}, err
	}

	var parsed MergeResponse
	if err := extractTrailingJSON(text, &parsed); err != nil {
		return MergeResponse{}, fmt.Errorf("merge oracle: %w", err)
	}
	return parsed, nil
}
