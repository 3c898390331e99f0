package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/eisen-labs/eisen-agent/internal/conflict"
	"github.com/eisen-labs/eisen-agent/internal/oracle"
	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/registry"
	"github.com/eisen-labs/eisen-agent/internal/types"
	"github.com/eisen-labs/eisen-agent/internal/workspacectx"
)

func testPaths(t *testing.T) paths.Paths {
	t.Helper()
	p, err := paths.New(t.TempDir())
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	if err := p.Ensure(); err != nil {
		t.Fatalf("paths.Ensure: %v", err)
	}
	return p
}

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := types.OrchestratorConfig{
		Workspace:       t.TempDir(),
		Effort:          types.EffortMedium,
		AutoApprove:     true,
		MaxAgents:       2,
		ProxyBinaryPath: "/bin/true",
	}
	return New(cfg, registry.New(), oracle.Oracles{
		Decomposer:    &oracle.StubOracles{},
		AgentSelector: &oracle.StubOracles{},
		PromptBuilder: &oracle.StubOracles{},
		Evaluator:     &oracle.StubOracles{},
		Merger:        &oracle.StubOracles{},
	}, testPaths(t), nil, conflict.StrategyLastWriteWins, nil)
}

func TestParseUserOverrides(t *testing.T) {
	cases := []struct {
		intent string
		region string
		agent  string
	}{
		{"use claude for /ui", "/ui", "claude-code"},
		{"@codex /core/src", "/core/src", "codex"},
		{"assign gemini to /extension", "/extension", "gemini"},
	}
	for _, tc := range cases {
		overrides := parseUserOverrides(tc.intent)
		if got := overrides[tc.region]; got != tc.agent {
			t.Errorf("intent %q: expected override[%s]=%s, got %s", tc.intent, tc.region, tc.agent, got)
		}
	}
}

func TestParseUserOverridesUnknownAgentIgnored(t *testing.T) {
	overrides := parseUserOverrides("use nonexistent-thing for /ui")
	if _, ok := overrides["/ui"]; ok {
		t.Fatalf("expected no override for unresolvable agent name")
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"/core/src":        "rust",
		"/ui/components":   "typescript",
		"/agent/src":       "python",
		"/docs":            "unknown",
		"/extension/views": "typescript",
	}
	for region, want := range cases {
		if got := detectLanguage(region); got != want {
			t.Errorf("detectLanguage(%q) = %q, want %q", region, got, want)
		}
	}
}

func TestInferTaskType(t *testing.T) {
	cases := map[string]string{
		"/ui/components":  "ui",
		"/tests/unit":     "tests",
		"/config":         "config",
		"/core/api":       "backend",
		"/shared/utils":   "library",
		"/something/else": "general",
	}
	for region, want := range cases {
		if got := inferTaskType(region); got != want {
			t.Errorf("inferTaskType(%q) = %q, want %q", region, got, want)
		}
	}
}

func TestDropInvalidDeps(t *testing.T) {
	got := dropInvalidDeps([]int{0, 2, 5, -1}, 3)
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("expected [0 2], got %+v", got)
	}
}

func TestDecomposeRecordsOrchestratorCost(t *testing.T) {
	o := testOrchestrator(t)
	subtasks, err := o.decompose(context.Background(), "build a feature", "tree", "symbols")
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subtasks) != 1 || subtasks[0].Region != "/" {
		t.Fatalf("expected stub's single catch-all subtask, got %+v", subtasks)
	}
	if o.Cost.OrchestratorTokens() != 0 {
		t.Fatalf("expected 0 orchestrator tokens recorded for a bookkeeping-only call, got %d", o.Cost.OrchestratorTokens())
	}
	breakdown := o.Cost.Breakdown()
	if _, ok := breakdown["orchestrator"]; !ok {
		t.Fatalf("expected an orchestrator entry in the cost breakdown")
	}
}

func TestAssignAgentsHonorsOverride(t *testing.T) {
	o := testOrchestrator(t)
	subtasks := []types.Subtask{{Description: "do the ui work", Region: "/ui"}}
	overrides := map[string]string{"/ui": "codex"}
	agentIDs, err := o.assignAgents(context.Background(), subtasks, overrides)
	if err != nil {
		t.Fatalf("assignAgents: %v", err)
	}
	if len(agentIDs) != 1 || agentIDs[0] != "codex" {
		t.Fatalf("expected override to bypass the selector oracle, got %+v", agentIDs)
	}
}

func TestBuildPromptAppendsCrossRegionInstruction(t *testing.T) {
	o := testOrchestrator(t)
	prompt, err := o.buildPrompt(context.Background(), types.Subtask{Description: "implement X", Region: "/core"}, workspacectx.RegionContext{})
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	if !strings.Contains(prompt, "Implement: implement X in /core") || !strings.Contains(prompt, "working within the region '/core'") {
		t.Fatalf("prompt missing expected content: %s", prompt)
	}
}

func TestEvaluateMarksEmptyOutputFailed(t *testing.T) {
	o := testOrchestrator(t)
	result, err := o.evaluate(context.Background(), 0, types.Subtask{Description: "do thing", Region: "/x"}, "codex", "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Status != types.StatusFailed {
		t.Fatalf("expected failed status for empty output, got %s", result.Status)
	}
}

func TestEvaluateMarksNonEmptyOutputCompleted(t *testing.T) {
	o := testOrchestrator(t)
	result, err := o.evaluate(context.Background(), 0, types.Subtask{Description: "do thing", Region: "/x", ExpectedFiles: []string{"a.go"}}, "codex", "wrote the file")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Status != types.StatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Status)
	}
	if result.FailureReason != "" {
		t.Fatalf("expected no failure reason on success, got %q", result.FailureReason)
	}
}

// TestRunEndToEndWithUnspeakableAgentFailsGracefully drives the whole
// decompose -> assign -> confirm -> schedule -> execute -> evaluate
// pipeline with the stub oracles and a harmless stand-in binary in place
// of a real sub-agent. The spawned process cannot speak the ACP protocol,
// so the subtask is expected to fail cleanly rather than hang or panic.
func TestRunEndToEndWithUnspeakableAgentFailsGracefully(t *testing.T) {
	o := testOrchestrator(t)
	result, err := o.Run(context.Background(), "do something impossible")
	if err != nil {
		t.Fatalf("Run returned an error instead of a failed result: %v", err)
	}
	if result.Status == "completed" {
		t.Fatalf("expected a non-completed status since the sub-agent process cannot speak the protocol, got %s", result.Status)
	}
	if len(result.SubtaskResults) != 1 {
		t.Fatalf("expected exactly one subtask result, got %d", len(result.SubtaskResults))
	}
	if o.Lifecycle.State() != "done" {
		t.Fatalf("expected run lifecycle to land on done, got %s", o.Lifecycle.State())
	}
}
