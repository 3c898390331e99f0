package listener

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeResolver struct {
	calls  int
	answer string
}

func (f *fakeResolver) Resolve(ctx context.Context, requestingAgent, symbolName, queryContext string) string {
	f.calls++
	return f.answer
}

func TestPathToSymbolHint(t *testing.T) {
	cases := map[string]string{
		"/core/src/auth.rs":          "auth",
		"/ui/components/Button.tsx":  "Button",
		"plain":                      "plain",
		"/a/b/c/no_ext_dir/file.go":  "file",
	}
	for in, want := range cases {
		if got := pathToSymbolHint(in); got != want {
			t.Errorf("pathToSymbolHint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleBlockedResolvesAndAppends(t *testing.T) {
	resolver := &fakeResolver{answer: "func Auth() error"}
	l := New(resolver)

	msg := map[string]any{
		"type":         "blocked",
		"agent_id":     "agent-a",
		"session_id":   "sess-1",
		"path":         "/core/auth.go",
		"action":       "read",
		"timestamp_ms": float64(123456),
	}
	l.handleBlocked(context.Background(), msg)

	if resolver.calls != 1 {
		t.Fatalf("expected resolver called once, got %d", resolver.calls)
	}
	events := l.BlockedEvents()
	if len(events) != 1 || events[0].AgentID != "agent-a" || events[0].Path != "/core/auth.go" {
		t.Fatalf("unexpected events: %+v", events)
	}

	text, ok := l.TakeResolution("agent-a")
	if !ok {
		t.Fatal("expected a pending resolution")
	}
	if text == "" {
		t.Fatal("expected non-empty resolution text")
	}

	if _, ok := l.TakeResolution("agent-a"); ok {
		t.Fatal("expected TakeResolution to be destructive")
	}
}

func TestHandleBlockedAppendsToExistingResolution(t *testing.T) {
	resolver := &fakeResolver{answer: "info"}
	l := New(resolver)

	msg1 := map[string]any{"type": "blocked", "agent_id": "agent-a", "path": "/a.go", "action": "read"}
	msg2 := map[string]any{"type": "blocked", "agent_id": "agent-a", "path": "/b.go", "action": "write"}
	l.handleBlocked(context.Background(), msg1)
	l.handleBlocked(context.Background(), msg2)

	text, ok := l.TakeResolution("agent-a")
	if !ok {
		t.Fatal("expected a pending resolution")
	}
	if !strings.Contains(text, "/a.go") || !strings.Contains(text, "/b.go") {
		t.Fatalf("expected both paths in accumulated resolution, got %q", text)
	}
}

func TestStartListeningIsIdempotentPerAgent(t *testing.T) {
	l := New(&fakeResolver{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start test listener: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.StartListening(ctx, "agent-a", port)
	l.StartListening(ctx, "agent-a", port) // should warn and no-op, not double-register

	l.mu.Lock()
	n := len(l.cancels)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one cancel registered, got %d", n)
	}

	l.StopAll()
}

func TestListenLoopFiltersNonBlockedMessages(t *testing.T) {
	resolver := &fakeResolver{answer: "ok"}
	l := New(resolver)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start test listener: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		other, _ := json.Marshal(map[string]any{"type": "heartbeat"})
		conn.Write(append(other, '\n'))

		blocked, _ := json.Marshal(map[string]any{
			"type": "blocked", "agent_id": "agent-a", "path": "/x.go", "action": "read",
		})
		conn.Write(append(blocked, '\n'))
		time.Sleep(50 * time.Millisecond)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	l.StartListening(ctx, "agent-a", port)

	deadline := time.After(2 * time.Second)
	for {
		if resolver.calls >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for blocked message to be resolved")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	l.StopAll()
	<-serverDone

	if resolver.calls != 1 {
		t.Fatalf("expected exactly one blocked message resolved, got %d", resolver.calls)
	}
}
