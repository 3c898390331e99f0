// Package oracle defines the pluggable external-predicate interfaces the
// orchestrator consults for decomposition, agent selection, prompt
// construction, outcome evaluation, and conflict merging, plus the
// concrete backend families that implement them. Grounded on the DSPy
// signatures in
// original_source/core/agent/src/eisen_agent/signatures/{decompose,assign,
// prompt,evaluate}.py and conflict.py's ConflictResolve signature — the
// field names below are carried over from those signatures' InputField/
// OutputField declarations, generalized from a DSPy-compiled-module call
// into a plain Go interface of oracle backends.
package oracle

import (
	"context"

	"github.com/eisen-labs/eisen-agent/internal/conflict"
)

// DecomposeRequest mirrors TaskDecompose's input fields.
type DecomposeRequest struct {
	UserIntent    string
	WorkspaceTree string
	SymbolIndex   string
}

// DecomposedSubtask mirrors one element of TaskDecompose's subtasks output
// field.
type DecomposedSubtask struct {
	Description   string   `json:"description"`
	Region        string   `json:"region"`
	ExpectedFiles []string `json:"expected_files"`
	DependsOn     []int    `json:"depends_on"`
}

// DecomposeResponse mirrors TaskDecompose's output fields.
type DecomposeResponse struct {
	Subtasks  []DecomposedSubtask
	Reasoning string
}

// Decomposer turns a user intent into region-scoped subtasks.
type Decomposer interface {
	Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error)
}

// AgentSelectRequest mirrors AgentSelect's input fields.
type AgentSelectRequest struct {
	SubtaskDescription string
	SubtaskRegion      string
	PrimaryLanguage    string
	AvailableAgents    string // JSON list of {id, name}
}

// AgentSelectResponse mirrors AgentSelect's output fields.
type AgentSelectResponse struct {
	AgentID   string `json:"agent_id"`
	Reasoning string `json:"reasoning"`
}

// AgentSelector picks the best available agent for a subtask.
type AgentSelector interface {
	SelectAgent(ctx context.Context, req AgentSelectRequest) (AgentSelectResponse, error)
}

// PromptBuildRequest mirrors PromptBuild's input fields.
type PromptBuildRequest struct {
	SubtaskDescription string
	Region             string
	RegionFiles        string // JSON list of {path, lines}
	CrossRegionDeps    string // JSON list of dependency signatures
	EffortLevel        string // low | medium | high
}

// PromptBuildResponse mirrors PromptBuild's output field.
type PromptBuildResponse struct {
	AgentPrompt string `json:"agent_prompt"`
}

// PromptBuilder constructs the guided prompt sent to a sub-agent.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, req PromptBuildRequest) (PromptBuildResponse, error)
}

// EvaluateRequest mirrors ProgressEval's input fields.
type EvaluateRequest struct {
	SubtaskDescription string
	AgentOutput        string
	FilesChanged       string // JSON list of file paths
}

// EvaluateResponse mirrors ProgressEval's output fields. Status is one of
// "completed" | "failed" | "partial".
type EvaluateResponse struct {
	Status         string `json:"status"`
	FailureReason  string `json:"failure_reason"`
	SuggestedRetry string `json:"suggested_retry"`
}

// Evaluator judges whether a sub-agent completed its subtask.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error)
}

// MergeRequest mirrors ConflictResolve's input fields.
type MergeRequest struct {
	FilePath          string
	AgentAChanges     string
	AgentBChanges     string
	FileContentBefore string
}

// MergeResponse mirrors ConflictResolve's output fields.
type MergeResponse struct {
	MergedContent   string `json:"merged_content"`
	ResolutionNotes string `json:"resolution_notes"`
}

// Merger resolves conflicting changes to a shared file via an external
// predicate.
type Merger interface {
	Merge(ctx context.Context, req MergeRequest) (MergeResponse, error)
}

// conflictMergerAdapter lets a Merger serve as an internal/conflict.Merger,
// since the two packages define structurally identical but distinct
// request/response types (conflict must not import oracle, to keep the
// dependency direction from domain-specific oracle backends down to the
// generic conflict primitives, not the reverse).
type conflictMergerAdapter struct{ m Merger }

// AsConflictMerger adapts a Merger for use with internal/conflict.Resolver.
func AsConflictMerger(m Merger) conflict.Merger {
	return conflictMergerAdapter{m: m}
}

func (a conflictMergerAdapter) Merge(ctx context.Context, req conflict.MergeRequest) (conflict.MergeResponse, error) {
	resp, err := a.m.Merge(ctx, MergeRequest{
		FilePath:          req.FilePath,
		AgentAChanges:     req.AgentAChanges,
		AgentBChanges:     req.AgentBChanges,
		FileContentBefore: req.FileContentBefore,
	})
	if err != nil {
		return conflict.MergeResponse{}, err
	}
	return conflict.MergeResponse{
		MergedContent:   resp.MergedContent,
		ResolutionNotes: resp.ResolutionNotes,
	}, nil
}

// Oracles bundles every external predicate the orchestrator consults,
// threaded through construction instead of read from process globals
// (Design Note §9).
type Oracles struct {
	Decomposer    Decomposer
	AgentSelector AgentSelector
	PromptBuilder PromptBuilder
	Evaluator     Evaluator
	Merger        Merger
}
