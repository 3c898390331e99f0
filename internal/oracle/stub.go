package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// StubOracles is a pure-Go, no-network implementation of every Oracle
// interface, used by the test suite and by `go test` fixtures in place
// of a live LLM. Decompose returns the whole workspace
// as one subtask; SelectAgent always picks the first available agent;
// BuildPrompt echoes the subtask description; Evaluate marks every
// non-empty output as completed; Merge concatenates both sides' changes.
type StubOracles struct {
	// DecomposeRegions, if set, makes Decompose return one subtask per
	// listed region instead of a single catch-all subtask -- useful for
	// exercising the scheduler's batching without a live decomposer.
	DecomposeRegions []string
}

func (s *StubOracles) Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error) {
	if len(s.DecomposeRegions) == 0 {
		return DecomposeResponse{
			Subtasks: []DecomposedSubtask{
				{Description: req.UserIntent, Region: "/", ExpectedFiles: nil, DependsOn: nil},
			},
			Reasoning: "stub: single catch-all subtask",
		}, nil
	}

	subtasks := make([]DecomposedSubtask, len(s.DecomposeRegions))
	for i, region := range s.DecomposeRegions {
		subtasks[i] = DecomposedSubtask{
			Description: fmt.Sprintf("%s (%s)", req.UserIntent, region),
			Region:      region,
		}
	}
	return DecomposeResponse{Subtasks: subtasks, Reasoning: "stub: one subtask per configured region"}, nil
}

func (s *StubOracles) SelectAgent(ctx context.Context, req AgentSelectRequest) (AgentSelectResponse, error) {
	var ids []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(req.AvailableAgents), &ids); err != nil || len(ids) == 0 {
		return AgentSelectResponse{}, fmt.Errorf("stub: no available agents to select from")
	}
	return AgentSelectResponse{AgentID: ids[0].ID, Reasoning: "stub: first available agent"}, nil
}

func (s *StubOracles) BuildPrompt(ctx context.Context, req PromptBuildRequest) (PromptBuildResponse, error) {
	return PromptBuildResponse{
		AgentPrompt: fmt.Sprintf("Implement: %s in %s", req.SubtaskDescription, req.Region),
	}, nil
}

func (s *StubOracles) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error) {
	if strings.TrimSpace(req.AgentOutput) == "" {
		return EvaluateResponse{Status: "failed", FailureReason: "stub: empty agent output"}, nil
	}
	return EvaluateResponse{Status: "completed"}, nil
}

func (s *StubOracles) Merge(ctx context.Context, req MergeRequest) (MergeResponse, error) {
	return MergeResponse{
		MergedContent:   req.AgentAChanges + "\n" + req.AgentBChanges,
		ResolutionNotes: "stub: naive concatenation of both agents' changes",
	}, nil
}
