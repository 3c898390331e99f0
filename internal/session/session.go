// Package session implements L3: spawning the file-access proxy + sub-agent
// child process, driving the JSON-RPC stdio protocol, and learning the
// proxy's side-channel TCP port from its stderr. Grounded on
// original_source/core/dspy/src/eisen_agent/acp_session.py, ported from
// asyncio subprocess/Connection primitives to os/exec and rpcproto.Conn,
// following the same CLI-process idiom as internal/agent/ai/cli_provider.go
// for stdio piping and background stderr draining.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/rpcproto"
)

const (
	protocolVersion   = "0.1"
	clientName        = "eisen-agent"
	clientVersion     = "0.1.0"
	defaultNewTimeout = 30 * time.Second
	pollInterval      = 500 * time.Millisecond
	updatesBufferSize = 256
)

// tcpPortPattern matches the proxy's stderr announcement, e.g.
// "eisen-core tcp port: 54231".
var tcpPortPattern = regexp.MustCompile(`eisen-core tcp port:\s*(\d+)`)

// ParseTCPPortFromStderr extracts the announced port from one stderr line,
// or returns (0, false) if the line doesn't carry it.
func ParseTCPPortFromStderr(line string) (int, bool) {
	m := tcpPortPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return port, true
}

// UpdateKind is the closed set of session update classifications, with
// "other" as the raw escape hatch (Design Note §9).
type UpdateKind string

const (
	UpdateText     UpdateKind = "text"
	UpdateThought  UpdateKind = "thought"
	UpdateToolCall UpdateKind = "tool_call"
	UpdateUsage    UpdateKind = "usage"
	UpdateDone     UpdateKind = "done"
	UpdateError    UpdateKind = "error"
	UpdateOther    UpdateKind = "other"
)

// Update is one classified session update streamed during a prompt.
type Update struct {
	Kind UpdateKind
	Text string
	Raw  map[string]any
}

// AuthMethod is one entry in an authentication-required error's method
// list.
type AuthMethod struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AuthenticationError is raised when initialize's response carries a
// non-empty authMethods list. It is not auto-retried.
type AuthenticationError struct {
	AgentName   string
	AuthMethods []AuthMethod
}

func (e *AuthenticationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent '%s' requires authentication.\nAvailable auth methods:\n", e.AgentName)
	for _, m := range e.AuthMethods {
		if m.Description != "" {
			fmt.Fprintf(&sb, "  - %s: %s\n", m.Name, m.Description)
		} else {
			fmt.Fprintf(&sb, "  - %s\n", m.Name)
		}
	}
	return sb.String()
}

// TimeoutError is raised when new_session does not hear back in time.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent did not respond to %s within %s. "+
		"The agent may require authentication, is unresponsive, or hit a rate limit.",
		e.Operation, e.Timeout)
}

// Session manages one spawned proxy+sub-agent process pair and the JSON-RPC
// conversation with it.
type Session struct {
	proxyBinary string
	agentID     string
	command     string
	args        []string
	workspace   string

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	conn    *rpcproto.Conn
	updates chan Update

	mu        sync.Mutex
	tcpPort   int
	sessionID string
	killed    bool
}

// New constructs a Session for the given agent profile, not yet started.
func New(proxyBinary, agentID, command string, args []string, workspace string) *Session {
	return &Session{
		proxyBinary: proxyBinary,
		agentID:     agentID,
		command:     command,
		args:        args,
		workspace:   workspace,
		updates:     make(chan Update, updatesBufferSize),
	}
}

// BuildSpawnCommand constructs the
// [proxy, observe, --port, 0, --agent-id, id, (--zone p)*, (--deny p)*, --, cmd, args...]
// argv.
func (s *Session) BuildSpawnCommand(zonePatterns, denyPatterns []string) []string {
	cmd := []string{s.proxyBinary, "observe", "--port", "0", "--agent-id", s.agentID}
	for _, p := range zonePatterns {
		cmd = append(cmd, "--zone", p)
	}
	for _, p := range denyPatterns {
		cmd = append(cmd, "--deny", p)
	}
	cmd = append(cmd, "--")
	cmd = append(cmd, s.command)
	cmd = append(cmd, s.args...)
	return cmd
}

// TCPPort returns the proxy's announced side-channel port, or 0 if not yet
// (or never) learned.
func (s *Session) TCPPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpPort
}

// SessionID returns the ACP session id learned from new_session.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Start spawns the proxy-wrapped agent process and wires up the JSON-RPC
// connection over its stdio. ctx is passed to exec.CommandContext, so
// cancelling it kills the spawned process; Kill stops the process
// explicitly and closes its stdin.
func (s *Session) Start(ctx context.Context, zonePatterns, denyPatterns []string) error {
	argv := s.BuildSpawnCommand(zonePatterns, denyPatterns)
	logging.Infof("[%s] spawning agent: %s", s.agentID, strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	s.cmd = cmd
	s.stdin = stdin

	go s.readStderr(stderr)
	s.conn = rpcproto.NewConn(stdin, stdout, s.handleInbound)
	return nil
}

func (s *Session) readStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logging.Debugf("[%s stderr] %s", s.agentID, line)
		if port, ok := ParseTCPPortFromStderr(line); ok {
			s.mu.Lock()
			s.tcpPort = port
			s.mu.Unlock()
			logging.Infof("[%s] eisen-core tcp port: %d", s.agentID, port)
		}
	}
}

// initializeParams/Response mirror the ACP initialize handshake.
type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type agentInfo struct {
	Name string `json:"name"`
}

type initializeResponse struct {
	AuthMethods []AuthMethod `json:"authMethods"`
	AgentInfo   agentInfo    `json:"agentInfo"`
}

// Initialize performs the ACP handshake. It fails with *AuthenticationError
// if the agent reports any authMethods.
func (s *Session) Initialize(ctx context.Context) error {
	var resp initializeResponse
	err := s.conn.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}, &resp)
	if err != nil {
		return err
	}
	if len(resp.AuthMethods) > 0 {
		name := resp.AgentInfo.Name
		if name == "" {
			name = s.agentID
		}
		return &AuthenticationError{AgentName: name, AuthMethods: resp.AuthMethods}
	}
	return nil
}

type newSessionParams struct {
	CWD        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
}

type newSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// NewSession sends session/new with a 30s default timeout and records the
// returned session id.
func (s *Session) NewSession(ctx context.Context) (string, error) {
	return s.NewSessionWithTimeout(ctx, defaultNewTimeout)
}

// NewSessionWithTimeout is NewSession with an explicit timeout.
func (s *Session) NewSessionWithTimeout(ctx context.Context, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp newSessionResponse
	err := s.conn.Call(callCtx, "session/new", newSessionParams{CWD: s.workspace, MCPServers: []any{}}, &resp)
	if err != nil {
		if callCtx.Err() != nil {
			return "", &TimeoutError{Operation: "session/new", Timeout: timeout}
		}
		return "", err
	}
	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.mu.Unlock()
	return resp.SessionID, nil
}

type promptContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptParams struct {
	SessionID string               `json:"sessionId"`
	Prompt    []promptContentBlock `json:"prompt"`
}

type promptResponse struct {
	StopReason string `json:"stopReason"`
}

// Prompt sends session/prompt and streams classified updates on the
// returned channel until the prompt resolves (with a final "done" or
// "error" update) or the child process exits. The channel is closed when
// streaming ends.
func (s *Session) Prompt(ctx context.Context, content string) <-chan Update {
	out := make(chan Update, updatesBufferSize)

	go func() {
		defer close(out)

		s.mu.Lock()
		sessionID := s.sessionID
		s.mu.Unlock()

		type result struct {
			resp promptResponse
			err  error
		}
		done := make(chan result, 1)
		go func() {
			var resp promptResponse
			err := s.conn.Call(ctx, "session/prompt", promptParams{
				SessionID: sessionID,
				Prompt:    []promptContentBlock{{Type: "text", Text: content}},
			}, &resp)
			done <- result{resp: resp, err: err}
		}()

		for {
			select {
			case r := <-done:
				s.drainRemaining(out)
				if r.err != nil {
					out <- Update{Kind: UpdateError, Text: fmt.Sprintf("Prompt failed: %v", r.err), Raw: map[string]any{"error": r.err.Error()}}
					return
				}
				out <- Update{
					Kind: UpdateDone,
					Text: fmt.Sprintf("Agent finished (stopReason: %s)", r.resp.StopReason),
					Raw:  map[string]any{"stopReason": r.resp.StopReason},
				}
				return
			case u, ok := <-s.updates:
				if !ok {
					return
				}
				out <- u
			case <-time.After(pollInterval):
				if s.exited() {
					code := s.exitCode()
					logging.Errorf("[%s] agent process exited with code %d during prompt execution", s.agentID, code)
					out <- Update{
						Kind: UpdateError,
						Text: fmt.Sprintf("Agent process exited unexpectedly (code %d)", code),
						Raw:  map[string]any{"exitCode": code},
					}
					return
				}
			}
		}
	}()

	return out
}

func (s *Session) drainRemaining(out chan<- Update) {
	for {
		select {
		case u, ok := <-s.updates:
			if !ok {
				return
			}
			out <- u
		default:
			return
		}
	}
}

func (s *Session) exited() bool {
	return s.cmd != nil && s.cmd.ProcessState != nil
}

func (s *Session) exitCode() int {
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// handleInbound serves the client half of the JSON-RPC callbacks the agent
// makes back into us.
func (s *Session) handleInbound(ctx context.Context, method string, params json.RawMessage) (any, *rpcproto.RPCError) {
	switch method {
	case "session/update":
		s.handleSessionUpdate(params)
		return nil, nil
	case "requestPermission":
		return handleRequestPermission(params), nil
	case "readTextFile":
		return handleReadTextFile(params), nil
	case "writeTextFile", "createTerminal", "terminalOutput", "releaseTerminal", "waitForTerminalExit", "killTerminal":
		return nil, nil
	default:
		logging.Debugf("[%s] unhandled method: %s", s.agentID, method)
		return nil, nil
	}
}

func (s *Session) handleSessionUpdate(params json.RawMessage) {
	u := classifyUpdate(params)
	select {
	case s.updates <- u:
	default:
		logging.Warnf("[%s] update queue full, dropping %s update", s.agentID, u.Kind)
	}
}

// classifyUpdate implements the tagged-variant classification: a closed set
// of inner-type strings maps to a kind, anything else falls through to a
// heuristic scan of the nested "update" field, finally landing on "other".
func classifyUpdate(params json.RawMessage) Update {
	var raw map[string]any
	if err := json.Unmarshal(params, &raw); err != nil || raw == nil {
		return Update{Kind: UpdateOther, Raw: map[string]any{}}
	}

	updateType, _ := raw["type"].(string)
	if updateType == "" {
		updateType, _ = raw["kind"].(string)
	}

	switch updateType {
	case "agentMessage", "AgentMessageChunk":
		content, _ := raw["content"].(string)
		return Update{Kind: UpdateText, Text: content, Raw: raw}
	case "agentThought", "AgentThoughtChunk":
		content, _ := raw["content"].(string)
		return Update{Kind: UpdateThought, Text: content, Raw: raw}
	case "toolCallStart", "ToolCallStart":
		title, _ := raw["title"].(string)
		return Update{Kind: UpdateToolCall, Text: title, Raw: raw}
	case "usageUpdate", "UsageUpdate":
		return Update{Kind: UpdateUsage, Raw: raw}
	}

	updateField, ok := raw["update"].(map[string]any)
	if !ok {
		updateField = raw
	}
	kind, _ := updateField["type"].(string)
	lowerKind := strings.ToLower(kind)
	content, _ := updateField["content"].(string)
	if content == "" {
		content, _ = updateField["text"].(string)
	}

	switch {
	case strings.Contains(lowerKind, "message") || strings.Contains(lowerKind, "text"):
		return Update{Kind: UpdateText, Text: content, Raw: updateField}
	case strings.Contains(lowerKind, "thought"):
		return Update{Kind: UpdateThought, Text: content, Raw: updateField}
	case strings.Contains(lowerKind, "usage"):
		return Update{Kind: UpdateUsage, Raw: updateField}
	case strings.Contains(lowerKind, "tool"):
		title, _ := updateField["title"].(string)
		return Update{Kind: UpdateToolCall, Text: title, Raw: updateField}
	default:
		return Update{Kind: UpdateOther, Raw: updateField}
	}
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

type permissionOutcome struct {
	Outcome permissionSelection `json:"outcome"`
}

type permissionSelection struct {
	OptionID string `json:"optionId"`
	Outcome  string `json:"outcome"`
}

// handleRequestPermission auto-approves by preferring allow_once/
// allow_always options, falling back to the first option, or an empty
// selection if none exist.
func handleRequestPermission(params json.RawMessage) permissionOutcome {
	var req struct {
		Options []permissionOption `json:"options"`
	}
	_ = json.Unmarshal(params, &req)

	for _, opt := range req.Options {
		if opt.Kind == "allow_once" || opt.Kind == "allow_always" {
			return permissionOutcome{Outcome: permissionSelection{OptionID: opt.OptionID, Outcome: "selected"}}
		}
	}
	if len(req.Options) > 0 {
		return permissionOutcome{Outcome: permissionSelection{OptionID: req.Options[0].OptionID, Outcome: "selected"}}
	}
	return permissionOutcome{Outcome: permissionSelection{OptionID: "", Outcome: "selected"}}
}

type readTextFileResult struct {
	Content string `json:"content"`
}

func handleReadTextFile(params json.RawMessage) readTextFileResult {
	var req struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(params, &req)

	data, err := os.ReadFile(req.Path)
	if err != nil {
		logging.Warnf("failed to read file %s: %v", req.Path, err)
		return readTextFileResult{Content: ""}
	}
	return readTextFileResult{Content: string(data)}
}

// Kill is idempotent: it may be called any number of times safely.
func (s *Session) Kill() error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	s.mu.Unlock()

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}
