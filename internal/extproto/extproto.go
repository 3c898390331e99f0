// Package extproto implements the host-editor extension protocol:
// newline-delimited JSON on the orchestrator process's own stdio, distinct
// from the child-process JSON-RPC 2.0 wire format in internal/rpcproto.
// Grounded on the same bufio.Scanner-over-stdio idiom that package
// documents (itself adapted from internal/agent/ai/cli_provider.go),
// generalized from a single request/response exchange to a small
// inbound/outbound command loop a host editor drives interactively.
package extproto

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/eisen-labs/eisen-agent/internal/lifecycle"
	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/orchestrator"
	"github.com/eisen-labs/eisen-agent/internal/types"
)

const maxLineSize = 10 * 1024 * 1024

// InboundMessage is the closed set of commands a host editor may send.
type InboundMessage struct {
	Type           string `json:"type"`
	Intent         string `json:"intent,omitempty"`
	Effort         string `json:"effort,omitempty"`
	Approved       bool   `json:"approved,omitempty"`
	SubtaskIndices []int  `json:"subtask_indices,omitempty"`
}

// outbound message kinds, one struct per literal "type" value so each
// Encode call marshals only the fields that kind carries.

type stateMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type planMessage struct {
	Type          string                  `json:"type"`
	Subtasks      []types.Subtask         `json:"subtasks"`
	Assignments   []types.AgentAssignment `json:"assignments"`
	EstimatedCost float64                 `json:"estimated_cost"`
}

type progressMessage struct {
	Type         string `json:"type"`
	SubtaskIndex int    `json:"subtask_index"`
	AgentID      string `json:"agent_id"`
	Status       string `json:"status"`
}

type agentTCPMessage struct {
	Type      string `json:"type"`
	AgentID   string `json:"agent_id"`
	TCPPort   int    `json:"tcp_port"`
	AgentType string `json:"agent_type"`
}

type resultMessage struct {
	Type           string                `json:"type"`
	Status         string                `json:"status"`
	SubtaskResults []types.SubtaskResult `json:"subtask_results"`
	Cost           float64               `json:"cost"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Driver runs the extension protocol loop over a pair of io streams,
// driving a single Orchestrator per the inbound commands it receives.
// awaitingApproval tracks whether a Plan call is sitting in TaskConfirming
// waiting for the next "approve"/"cancel" frame; since Run processes one
// inbound line at a time on a single goroutine, this needs no locking of
// its own.
type Driver struct {
	orch             *orchestrator.Orchestrator
	out              io.Writer
	mu               sync.Mutex // serializes writes to out
	awaitingApproval bool
}

// NewDriver builds a Driver writing outbound frames to out. It subscribes to
// orch's agent-tcp announcements so a "blocked" proxy port reaches the host
// editor as soon as a subtask session learns it, and to every lifecycle
// transition so "state" frames track the orchestrator without the driver
// re-deriving them.
func NewDriver(orch *orchestrator.Orchestrator, out io.Writer) *Driver {
	d := &Driver{orch: orch, out: out}
	orch.OnAgentTCP = func(agentID, agentType string, tcpPort int) {
		d.send(agentTCPMessage{Type: "agent_tcp", AgentID: agentID, TCPPort: tcpPort, AgentType: agentType})
	}
	orch.Lifecycle.Observe(func(from, to lifecycle.TaskState) {
		d.send(stateMessage{Type: "state", State: string(to)})
	})
	return d
}

func (d *Driver) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Errorf("extproto: failed to marshal outbound message: %v", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.out.Write(append(data, '\n')); err != nil {
		logging.Errorf("extproto: failed to write outbound message: %v", err)
	}
}

func (d *Driver) sendError(format string, args ...any) {
	d.send(errorMessage{Type: "error", Message: fmt.Sprintf(format, args...)})
}

// Run reads newline-delimited InboundMessage frames from in until ctx is
// cancelled or the stream closes, dispatching each to the orchestrator and
// emitting outbound frames as the run progresses.
func (d *Driver) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg InboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			d.sendError("malformed inbound message: %v", err)
			continue
		}
		d.dispatch(ctx, msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("extproto: read loop: %w", err)
	}
	return nil
}

func (d *Driver) dispatch(ctx context.Context, msg InboundMessage) {
	switch msg.Type {
	case "run":
		d.handleRun(ctx, msg)
	case "approve":
		d.handleApprove(ctx, msg.Approved)
	case "retry":
		d.handleRetry(ctx, msg)
	case "cancel":
		d.handleCancel(ctx)
	default:
		d.sendError("unknown message type %q", msg.Type)
	}
}

// handleRun decomposes and assigns msg.Intent, then stops at the plan frame
// -- no subtask spawns until a matching "approve" (or "cancel") arrives.
func (d *Driver) handleRun(ctx context.Context, msg InboundMessage) {
	plan, err := d.orch.Plan(ctx, msg.Intent)
	if err != nil {
		d.sendError("run failed: %v", err)
		return
	}
	d.awaitingApproval = true
	d.send(planMessage{
		Type:          "plan",
		Subtasks:      subtasksFromAssignments(plan.Assignments),
		Assignments:   plan.Assignments,
		EstimatedCost: plan.EstimatedCost,
	})
}

// handleApprove resolves a pending plan with approved, running it to
// completion or cancelling it. A bare "approve" with no plan awaiting
// confirmation is a no-op other than reporting state.
func (d *Driver) handleApprove(ctx context.Context, approved bool) {
	if !d.awaitingApproval {
		d.send(stateMessage{Type: "state", State: string(d.orch.State())})
		return
	}
	d.awaitingApproval = false
	d.finishExecute(ctx, approved)
}

// handleCancel resolves a pending plan as rejected. A bare "cancel" with no
// plan awaiting confirmation just reports a cancelled state.
func (d *Driver) handleCancel(ctx context.Context) {
	if !d.awaitingApproval {
		d.send(stateMessage{Type: "state", State: "cancelled"})
		return
	}
	d.awaitingApproval = false
	d.finishExecute(ctx, false)
}

func (d *Driver) finishExecute(ctx context.Context, approved bool) {
	result, err := d.orch.Execute(ctx, approved)
	if err != nil {
		d.sendError("run failed: %v", err)
		return
	}
	for _, r := range result.SubtaskResults {
		d.send(progressMessage{Type: "progress", SubtaskIndex: r.Index, AgentID: r.AgentID, Status: string(r.Status)})
	}
	d.send(resultMessage{
		Type:           "result",
		Status:         result.Status,
		SubtaskResults: result.SubtaskResults,
		Cost:           result.EstimatedCost,
	})
}

func (d *Driver) handleRetry(ctx context.Context, msg InboundMessage) {
	result, err := d.orch.RetryFailed(ctx)
	if err != nil {
		d.sendError("retry failed: %v", err)
		return
	}
	d.send(resultMessage{
		Type:           "result",
		Status:         result.Status,
		SubtaskResults: result.SubtaskResults,
		Cost:           result.EstimatedCost,
	})
}

func subtasksFromAssignments(assignments []types.AgentAssignment) []types.Subtask {
	out := make([]types.Subtask, len(assignments))
	for i, a := range assignments {
		out[i] = a.Subtask
	}
	return out
}
