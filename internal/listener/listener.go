// Package listener implements L5: the TCP listener for BlockedAccess
// messages broadcast by a zone-enforced proxy when it denies an agent's
// file access. Grounded on
// original_source/core/dspy/src/eisen_agent/blocked_listener.py, ported
// from asyncio tasks/locks to goroutines cancelled via context.Context and
// a sync.Mutex-guarded state struct.
package listener

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/logging"
)

// BlockedAccessEvent is one parsed BlockedAccess message.
type BlockedAccessEvent struct {
	AgentID     string
	SessionID   string
	Path        string
	Action      string // "read" | "write"
	TimestampMS int64
}

// Resolver is the subset of the A2A router a Listener needs.
type Resolver interface {
	Resolve(ctx context.Context, requestingAgent, symbolName, queryContext string) string
}

// Listener connects to each agent's proxy TCP stream, filters for
// "blocked" messages, and resolves them through the A2A router.
type Listener struct {
	router Resolver

	mu                 sync.Mutex
	blockedEvents      []BlockedAccessEvent
	pendingResolutions map[string]string
	cancels            map[string]context.CancelFunc
	wg                 sync.WaitGroup
}

// New builds a Listener routing resolutions through router.
func New(router Resolver) *Listener {
	return &Listener{
		router:             router,
		pendingResolutions: make(map[string]string),
		cancels:            make(map[string]context.CancelFunc),
	}
}

// BlockedEvents returns a snapshot of every recorded blocked-access event.
func (l *Listener) BlockedEvents() []BlockedAccessEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BlockedAccessEvent, len(l.blockedEvents))
	copy(out, l.blockedEvents)
	return out
}

// PendingResolutions returns a snapshot of agent id -> resolved text ready
// for injection.
func (l *Listener) PendingResolutions() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.pendingResolutions))
	for k, v := range l.pendingResolutions {
		out[k] = v
	}
	return out
}

// TakeResolution removes and returns the pending resolution for agentID, if
// any.
func (l *Listener) TakeResolution(agentID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	text, ok := l.pendingResolutions[agentID]
	if ok {
		delete(l.pendingResolutions, agentID)
	}
	return text, ok
}

// StartListening begins listening for BlockedAccess messages from
// agentID's proxy on tcpPort. A no-op if already listening for that agent.
func (l *Listener) StartListening(ctx context.Context, agentID string, tcpPort int) {
	l.mu.Lock()
	if _, already := l.cancels[agentID]; already {
		l.mu.Unlock()
		logging.Warnf("already listening for agent %s", agentID)
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	l.cancels[agentID] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.listenLoop(childCtx, agentID, tcpPort)
	}()
	logging.Infof("started blocked access listener for %s on port %d", agentID, tcpPort)
}

// StopListening cancels the listener for a single agent, if running.
func (l *Listener) StopListening(agentID string) {
	l.mu.Lock()
	cancel, ok := l.cancels[agentID]
	if ok {
		delete(l.cancels, agentID)
	}
	l.mu.Unlock()
	if ok {
		cancel()
		logging.Infof("stopped blocked access listener for %s", agentID)
	}
}

// StopAll cancels every running listener and waits for them to exit.
func (l *Listener) StopAll() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.cancels))
	for id := range l.cancels {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.StopListening(id)
	}
	l.wg.Wait()
}

func (l *Listener) listenLoop(ctx context.Context, agentID string, tcpPort int) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tcpPort)))
	if err != nil {
		logging.Warnf("failed to connect to proxy TCP for %s: %v", agentID, err)
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var msg map[string]any
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			continue
		}

		if kind, _ := msg["type"].(string); kind == "blocked" {
			l.handleBlocked(ctx, msg)
		}
	}
}

func (l *Listener) handleBlocked(ctx context.Context, msg map[string]any) {
	event := BlockedAccessEvent{
		AgentID:     stringField(msg, "agent_id"),
		SessionID:   stringField(msg, "session_id"),
		Path:        stringField(msg, "path"),
		Action:      stringField(msg, "action"),
		TimestampMS: int64Field(msg, "timestamp_ms"),
	}

	l.mu.Lock()
	l.blockedEvents = append(l.blockedEvents, event)
	l.mu.Unlock()

	logging.Infof("blocked access detected: agent=%s path=%s action=%s", event.AgentID, event.Path, event.Action)

	symbolHint := pathToSymbolHint(event.Path)
	queryContext := "Blocked " + event.Action + " access to " + event.Path

	resolved := l.router.Resolve(ctx, event.AgentID, symbolHint, queryContext)

	l.mu.Lock()
	existing := l.pendingResolutions[event.AgentID]
	resolutionText := "\n[Cross-region info for " + event.Path + "]:\n" + resolved
	l.pendingResolutions[event.AgentID] = existing + resolutionText
	l.mu.Unlock()

	logging.Infof("resolved blocked access for %s: %s -> %d chars", event.AgentID, event.Path, len(resolved))
}

// pathToSymbolHint extracts a meaningful symbol hint from a file path, e.g.
// "/core/src/auth.rs" -> "auth", "/ui/components/Button.tsx" -> "Button".
func pathToSymbolHint(p string) string {
	base := path.Base(p)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func int64Field(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
