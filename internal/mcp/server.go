// Package mcp exposes the orchestrator as an MCP tool server over stdio or
// streamable HTTP. Grounded on internal/agent/mcp/server.go: a Server
// wraps a single collaborator (there, a tools.Registry; here, an
// *orchestrator.Orchestrator), builds one *mcp.Server from
// github.com/modelcontextprotocol/go-sdk, and registers tools with the
// same low-level AddTool + hand-built JSON-schema-map style rather than
// the SDK's generic typed helper, so a panic in a tool handler is
// recovered into an error CallToolResult instead of crashing the
// transport loop.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/orchestrator"
	"github.com/eisen-labs/eisen-agent/internal/types"
)

// Server wraps an Orchestrator to expose it over MCP.
type Server struct {
	orch   *orchestrator.Orchestrator
	server *mcp.Server
}

// NewServer builds an MCP server with the orchestrate_run and
// orchestrate_status tools registered.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	s := &Server{orch: orch}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "eisen-agent",
		Version: "1.0.0",
	}, nil)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "orchestrate_run",
		Description: "Decompose a development intent into region-scoped subtasks, run them through sandboxed coding agents, and return the final result. Blocks until the run reaches a terminal state.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"intent": map[string]any{"type": "string", "description": "The user's development intent"},
				"effort": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}, "description": "Region-context depth; accepted but not applied per call: the run uses the effort level the orchestrator was configured with"},
			},
			"required": []string{"intent"},
		},
	}, s.runHandler())

	s.server.AddTool(&mcp.Tool{
		Name:        "orchestrate_status",
		Description: "Return the current task lifecycle state and per-subtask statuses of the active run, if any.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, s.statusHandler())
}

type runArgs struct {
	Intent string `json:"intent"`
	Effort string `json:"effort"`
}

func (s *Server) runHandler() mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (retResult *mcp.CallToolResult, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("mcp: orchestrate_run panicked: %v", r)
				retResult = errorResult(fmt.Sprintf("tool panicked: %v", r))
				retErr = nil
			}
		}()

		var args runArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.Intent == "" {
			return errorResult("intent is required"), nil
		}

		result, err := s.orch.Run(ctx, args.Intent)
		if err != nil {
			return errorResult(fmt.Sprintf("run failed: %v", err)), nil
		}

		out, err := json.Marshal(result)
		if err != nil {
			return errorResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(out)}},
			IsError: result.Status != "completed",
		}, nil
	}
}

type statusResponse struct {
	State          string                 `json:"state"`
	RunID          string                 `json:"run_id"`
	SubtaskResults []types.SubtaskResult  `json:"subtask_results"`
	Assignments    []types.AgentAssignment `json:"assignments"`
}

func (s *Server) statusHandler() mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (retResult *mcp.CallToolResult, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("mcp: orchestrate_status panicked: %v", r)
				retResult = errorResult(fmt.Sprintf("tool panicked: %v", r))
				retErr = nil
			}
		}()

		resp := statusResponse{
			State:          string(s.orch.State()),
			RunID:          s.orch.RunID(),
			SubtaskResults: s.orch.Results(),
			Assignments:    s.orch.Assignments(),
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return errorResult(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(out)}},
		}, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// ServeStdio runs the MCP server over the process's own stdin/stdout until
// ctx is cancelled or the transport errors out.
func (s *Server) ServeStdio(ctx context.Context) error {
	logging.Infof("mcp: serving orchestrate_run/orchestrate_status over stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns an HTTP handler for the MCP server, for hosts that
// prefer streamable HTTP over stdio.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}
