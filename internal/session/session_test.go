package session

import (
	"encoding/json"
	"testing"
)

func TestParseTCPPortFromStderr(t *testing.T) {
	port, ok := ParseTCPPortFromStderr("eisen-core tcp port: 54231")
	if !ok || port != 54231 {
		t.Fatalf("expected port 54231, got %d ok=%v", port, ok)
	}

	if _, ok := ParseTCPPortFromStderr("some unrelated log line"); ok {
		t.Fatal("expected no match on unrelated line")
	}
}

func TestClassifyUpdateClosedSetTypes(t *testing.T) {
	cases := []struct {
		name string
		json string
		kind UpdateKind
		text string
	}{
		{"agentMessage", `{"type":"agentMessage","content":"hello"}`, UpdateText, "hello"},
		{"agentThought", `{"type":"agentThought","content":"thinking"}`, UpdateThought, "thinking"},
		{"toolCallStart", `{"type":"toolCallStart","title":"running ls"}`, UpdateToolCall, "running ls"},
		{"usageUpdate", `{"type":"usageUpdate"}`, UpdateUsage, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := classifyUpdate(json.RawMessage(tc.json))
			if u.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, u.Kind)
			}
			if u.Text != tc.text {
				t.Fatalf("expected text %q, got %q", tc.text, u.Text)
			}
		})
	}
}

func TestClassifyUpdateHeuristicFallback(t *testing.T) {
	raw := `{"update":{"type":"SomeVendorThoughtChunk","text":"pondering"}}`
	u := classifyUpdate(json.RawMessage(raw))
	if u.Kind != UpdateThought {
		t.Fatalf("expected heuristic fallback to classify as thought, got %s", u.Kind)
	}
	if u.Text != "pondering" {
		t.Fatalf("expected text 'pondering', got %q", u.Text)
	}
}

func TestClassifyUpdateUnknownFallsBackToOther(t *testing.T) {
	u := classifyUpdate(json.RawMessage(`{"type":"somethingWeird","foo":"bar"}`))
	if u.Kind != UpdateOther {
		t.Fatalf("expected other, got %s", u.Kind)
	}
}

func TestClassifyUpdateMalformedJSON(t *testing.T) {
	u := classifyUpdate(json.RawMessage(`not json`))
	if u.Kind != UpdateOther {
		t.Fatalf("expected other for malformed input, got %s", u.Kind)
	}
}

func TestHandleRequestPermissionPrefersAllowOnce(t *testing.T) {
	params, _ := json.Marshal(map[string]any{
		"options": []map[string]string{
			{"optionId": "reject-1", "kind": "reject_once"},
			{"optionId": "allow-1", "kind": "allow_once"},
		},
	})
	out := handleRequestPermission(params)
	if out.Outcome.OptionID != "allow-1" {
		t.Fatalf("expected allow-1 selected, got %s", out.Outcome.OptionID)
	}
}

func TestHandleRequestPermissionFallsBackToFirstOption(t *testing.T) {
	params, _ := json.Marshal(map[string]any{
		"options": []map[string]string{
			{"optionId": "reject-1", "kind": "reject_once"},
			{"optionId": "reject-2", "kind": "reject_always"},
		},
	})
	out := handleRequestPermission(params)
	if out.Outcome.OptionID != "reject-1" {
		t.Fatalf("expected fallback to first option, got %s", out.Outcome.OptionID)
	}
}

func TestHandleRequestPermissionNoOptions(t *testing.T) {
	params, _ := json.Marshal(map[string]any{"options": []map[string]string{}})
	out := handleRequestPermission(params)
	if out.Outcome.OptionID != "" {
		t.Fatalf("expected empty selection, got %s", out.Outcome.OptionID)
	}
}

func TestHandleReadTextFileMissingFileFallsBackToEmpty(t *testing.T) {
	params, _ := json.Marshal(map[string]string{"path": "/nonexistent/path/does/not/exist.txt"})
	out := handleReadTextFile(params)
	if out.Content != "" {
		t.Fatalf("expected empty content fallback, got %q", out.Content)
	}
}

func TestAuthenticationErrorMessageFormat(t *testing.T) {
	err := &AuthenticationError{
		AgentName: "claude-code",
		AuthMethods: []AuthMethod{
			{Name: "oauth", Description: "Sign in with your account"},
			{Name: "api-key"},
		},
	}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	s := New("eisen-proxy", "agent-0", "true", nil, ".")
	if err := s.Kill(); err != nil {
		t.Fatalf("first kill failed: %v", err)
	}
	if err := s.Kill(); err != nil {
		t.Fatalf("second kill failed: %v", err)
	}
}

func TestBuildSpawnCommandShape(t *testing.T) {
	s := New("/usr/local/bin/eisen-proxy", "agent-0", "claude", []string{"--acp"}, "/tmp/ws")
	argv := s.BuildSpawnCommand([]string{"src/**"}, []string{"secrets/**"})

	want := []string{
		"/usr/local/bin/eisen-proxy", "observe", "--port", "0", "--agent-id", "agent-0",
		"--zone", "src/**", "--deny", "secrets/**", "--", "claude", "--acp",
	}
	if len(argv) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(argv), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("arg %d: expected %q, got %q", i, want[i], argv[i])
		}
	}
}
