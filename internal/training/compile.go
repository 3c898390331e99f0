package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/oracle"
	"github.com/eisen-labs/eisen-agent/internal/paths"
)

// minTraceExamples mirrors the original DSPy pipeline's "at least 2
// examples" bootstrap threshold (training/compile.py).
const minTraceExamples = 2

// Compile builds a replay fixture per oracle method from quality-filtered
// traces and writes it to paths.CompiledDir, standing in for the
// original's dspy.BootstrapFewShot optimization pass: rather than tuning
// a prompt's few-shot demonstrations via a DSPy-specific optimizer, this
// distills the same successful executions into recorded request/response
// pairs that internal/oracle.ReplayOracles can serve directly as an
// opaque tuned-oracle blob.
func Compile(p paths.Paths, minQuality float64) (map[string]bool, error) {
	collector := NewTraceCollector(p)
	traces, err := collector.LoadTraces(minQuality)
	if err != nil {
		return nil, err
	}

	results := map[string]bool{"decompose": false, "agent_select": false, "prompt_build": false}
	if len(traces) == 0 {
		logging.Warnf("training: no traces available for compilation")
		return results, nil
	}
	logging.Infof("training: compiling from %d traces", len(traces))

	fixture := oracle.ReplayFixture{}

	for _, trace := range traces {
		if len(trace.Subtasks) == 0 {
			continue
		}
		req := oracle.DecomposeRequest{UserIntent: trace.UserIntent, WorkspaceTree: trace.TreeSummary, SymbolIndex: trace.SymbolSummary}
		subtasks := make([]oracle.DecomposedSubtask, len(trace.Subtasks))
		for i, s := range trace.Subtasks {
			subtasks[i] = oracle.DecomposedSubtask{Description: s.Description, Region: s.Region, ExpectedFiles: s.ExpectedFiles, DependsOn: s.DependsOn}
		}
		resp := oracle.DecomposeResponse{
			Subtasks:  subtasks,
			Reasoning: fmt.Sprintf("Decomposed into %d subtasks with quality %.2f", len(trace.Subtasks), trace.Quality),
		}
		appendExample(&fixture.Decompose, req, resp)
	}
	if len(fixture.Decompose) >= minTraceExamples {
		results["decompose"] = true
	} else {
		logging.Warnf("training: not enough traces for decompose compilation (%d, need >= %d)", len(fixture.Decompose), minTraceExamples)
	}

	for _, trace := range traces {
		for i, assignment := range trace.Assignments {
			if i >= len(trace.Results) || trace.Results[i].Status != "completed" {
				continue
			}
			result := trace.Results[i]
			req := oracle.AgentSelectRequest{
				SubtaskDescription: result.Description,
				SubtaskRegion:      result.Region,
				PrimaryLanguage:    assignment.Language,
			}
			resp := oracle.AgentSelectResponse{
				AgentID:   assignment.AgentID,
				Reasoning: fmt.Sprintf("Agent %s completed successfully", assignment.AgentID),
			}
			appendExample(&fixture.SelectAgent, req, resp)
		}
	}
	if len(fixture.SelectAgent) >= minTraceExamples {
		results["agent_select"] = true
	} else {
		logging.Warnf("training: not enough traces for agent_select compilation (%d, need >= %d)", len(fixture.SelectAgent), minTraceExamples)
	}

	for _, trace := range traces {
		for i, subtask := range trace.Subtasks {
			if i >= len(trace.Results) || trace.Results[i].Status != "completed" {
				continue
			}
			req := oracle.PromptBuildRequest{
				SubtaskDescription: subtask.Description,
				Region:             subtask.Region,
				EffortLevel:        "medium",
			}
			resp := oracle.PromptBuildResponse{
				AgentPrompt: fmt.Sprintf("Implement: %s in %s", subtask.Description, subtask.Region),
			}
			appendExample(&fixture.BuildPrompt, req, resp)
		}
	}
	if len(fixture.BuildPrompt) >= minTraceExamples {
		results["prompt_build"] = true
	} else {
		logging.Warnf("training: not enough traces for prompt_build compilation (%d, need >= %d)", len(fixture.BuildPrompt), minTraceExamples)
	}

	if results["decompose"] || results["agent_select"] || results["prompt_build"] {
		if err := saveCompiledFixture(p, fixture); err != nil {
			return results, err
		}
	}

	return results, nil
}

func appendExample[Req, Resp any](examples *[]oracle.ReplayExample, req Req, resp Resp) {
	reqRaw, err := json.Marshal(req)
	if err != nil {
		return
	}
	respRaw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	*examples = append(*examples, oracle.ReplayExample{Request: reqRaw, Response: respRaw})
}

func saveCompiledFixture(p paths.Paths, fixture oracle.ReplayFixture) error {
	data, err := json.MarshalIndent(fixture, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(p.CompiledDir, "oracles.json")
	if err := paths.WriteFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	logging.Infof("training: saved compiled oracle fixture to %s", path)
	return nil
}

// LoadCompiled loads a previously compiled fixture, if present, returning
// (nil, nil) when none exists yet.
func LoadCompiled(p paths.Paths) (*oracle.ReplayFixture, error) {
	path := filepath.Join(p.CompiledDir, "oracles.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return oracle.LoadReplayFixture(path)
}
