package extproto

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/eisen-labs/eisen-agent/internal/conflict"
	"github.com/eisen-labs/eisen-agent/internal/oracle"
	"github.com/eisen-labs/eisen-agent/internal/orchestrator"
	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/registry"
	"github.com/eisen-labs/eisen-agent/internal/types"
)

// testOrchestrator builds an Orchestrator with AutoApprove true, though
// the extension driver never consults it -- it always drives the plan
// through its own approve/cancel frames (see TestRunWaitsForApproveBeforeExecuting).
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

func readFrames(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var frames []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var frame map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("unmarshal outbound frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan outbound frames: %v", err)
	}
	return frames
}

func TestRunWaitsForApproveBeforeExecuting(t *testing.T) {
	var out bytes.Buffer
	d := NewDriver(testOrchestrator(t), &out)

	in := strings.NewReader(`{"type":"run","intent":"do the thing"}` + "\n" +
		`{"type":"approve","approved":true}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames := readFrames(t, &out)
	if len(frames) == 0 {
		t.Fatalf("expected at least one outbound frame")
	}
	if frames[0]["type"] != "state" || frames[0]["state"] != "decomposing" {
		t.Fatalf("expected first frame to be state=decomposing, got %+v", frames[0])
	}

	planIdx := -1
	for i, f := range frames {
		if f["type"] == "plan" {
			planIdx = i
			break
		}
	}
	if planIdx == -1 {
		t.Fatalf("expected a plan frame, got %+v", frames)
	}
	for _, f := range frames[:planIdx] {
		if f["type"] == "result" {
			t.Fatalf("expected no result frame before the plan frame, got %+v", frames)
		}
	}

	last := frames[len(frames)-1]
	if last["type"] != "result" && last["type"] != "error" {
		t.Fatalf("expected run to end in a result or error frame, got %+v", last)
	}
}

func TestRunCancelledWhenApprovalDenied(t *testing.T) {
	var out bytes.Buffer
	d := NewDriver(testOrchestrator(t), &out)

	in := strings.NewReader(`{"type":"run","intent":"do the thing"}` + "\n" +
		`{"type":"approve","approved":false}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames := readFrames(t, &out)
	sawCancelled := false
	sawResult := false
	for _, f := range frames {
		if f["type"] == "state" && f["state"] == "cancelled" {
			sawCancelled = true
		}
		if f["type"] == "result" {
			sawResult = true
		}
	}
	if !sawCancelled {
		t.Fatalf("expected a state=cancelled frame after denying approval, got %+v", frames)
	}
	if sawResult {
		t.Fatalf("expected no subtasks to run after denying approval, got %+v", frames)
	}
}

func TestBareApproveWithNoPendingPlanReportsState(t *testing.T) {
	var out bytes.Buffer
	d := NewDriver(testOrchestrator(t), &out)

	in := strings.NewReader(`{"type":"approve","approved":true}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames := readFrames(t, &out)
	if len(frames) != 1 || frames[0]["type"] != "state" {
		t.Fatalf("expected a single state frame, got %+v", frames)
	}
}

func TestUnknownMessageTypeReportsError(t *testing.T) {
	var out bytes.Buffer
	d := NewDriver(testOrchestrator(t), &out)

	in := strings.NewReader(`{"type":"frobnicate"}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames := readFrames(t, &out)
	if len(frames) != 1 || frames[0]["type"] != "error" {
		t.Fatalf("expected a single error frame, got %+v", frames)
	}
}

func TestMalformedLineReportsErrorAndContinues(t *testing.T) {
	var out bytes.Buffer
	d := NewDriver(testOrchestrator(t), &out)

	in := strings.NewReader("not json\n" + `{"type":"cancel"}` + "\n")
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames := readFrames(t, &out)
	if len(frames) != 2 {
		t.Fatalf("expected two frames, got %d: %+v", len(frames), frames)
	}
	if frames[0]["type"] != "error" {
		t.Fatalf("expected first frame to be error, got %+v", frames[0])
	}
	if frames[1]["type"] != "state" || frames[1]["state"] != "cancelled" {
		t.Fatalf("expected second frame to be state=cancelled, got %+v", frames[1])
	}
}
