package mcp

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eisen-labs/eisen-agent/internal/conflict"
	"github.com/eisen-labs/eisen-agent/internal/oracle"
	"github.com/eisen-labs/eisen-agent/internal/orchestrator"
	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/registry"
	"github.com/eisen-labs/eisen-agent/internal/types"
)

func testOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	p, err := paths.New(t.TempDir())
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	if err := p.Ensure(); err != nil {
		t.Fatalf("paths.Ensure: %v", err)
	}
	cfg := types.OrchestratorConfig{
		Workspace:       t.TempDir(),
		Effort:          types.EffortMedium,
		AutoApprove:     true,
		MaxAgents:       2,
		ProxyBinaryPath: "/bin/true",
	}
	return orchestrator.New(cfg, registry.New(), oracle.Oracles{
		Decomposer:    &oracle.StubOracles{},
		AgentSelector: &oracle.StubOracles{},
		PromptBuilder: &oracle.StubOracles{},
		Evaluator:     &oracle.StubOracles{},
		Merger:        &oracle.StubOracles{},
	}, p, nil, conflict.StrategyLastWriteWins, nil)
}

func TestNewServerRegistersTools(t *testing.T) {
	s := NewServer(testOrchestrator(t))
	if s.server == nil {
		t.Fatalf("expected an underlying mcp.Server")
	}
}

func TestErrorResultSetsIsError(t *testing.T) {
	res := errorResult("boom")
	if !res.IsError {
		t.Fatalf("expected IsError true")
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected *mcp.TextContent, got %T", res.Content[0])
	}
	if text.Text != "boom" {
		t.Fatalf("expected text %q, got %q", "boom", text.Text)
	}
}

func TestRunArgsUnmarshalsIntentAndEffort(t *testing.T) {
	var args runArgs
	if err := json.Unmarshal([]byte(`{"intent":"add dark mode","effort":"high"}`), &args); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if args.Intent != "add dark mode" || args.Effort != "high" {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestStatusResponseMarshalsRunState(t *testing.T) {
	resp := statusResponse{
		State: "done",
		RunID: "run-123",
	}
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round statusResponse
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.State != "done" || round.RunID != "run-123" {
		t.Fatalf("round trip mismatch: %+v", round)
	}
}
