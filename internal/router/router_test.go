package router

import (
	"context"
	"testing"

	"github.com/eisen-labs/eisen-agent/internal/session"
)

type fakeOracle struct {
	matches []SymbolMatch
	err     error
	calls   int
}

func (f *fakeOracle) LookupSymbol(ctx context.Context, workspace, symbolName string) ([]SymbolMatch, error) {
	f.calls++
	return f.matches, f.err
}

type fakeSession struct {
	id      string
	updates []session.Update
}

func (f *fakeSession) SessionID() string { return f.id }

func (f *fakeSession) Prompt(ctx context.Context, content string) <-chan session.Update {
	out := make(chan session.Update, len(f.updates))
	for _, u := range f.updates {
		out <- u
	}
	close(out)
	return out
}

func TestResolveViaSymbolTreeZeroCost(t *testing.T) {
	oracle := &fakeOracle{matches: []SymbolMatch{
		{Kind: "function", Name: "DoThing", Path: "core/thing.go", StartLine: 10, EndLine: 20},
	}}
	r := New("/workspace", oracle)

	got := r.Resolve(context.Background(), "agent-a", "DoThing", "")
	want := "function DoThing (core/thing.go:10-20)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if oracle.calls != 1 {
		t.Fatalf("expected oracle called once, got %d", oracle.calls)
	}

	// Second resolve should hit the cache, not the oracle again.
	_ = r.Resolve(context.Background(), "agent-a", "DoThing", "")
	if oracle.calls != 1 {
		t.Fatalf("expected cache hit to avoid a second oracle call, got %d calls", oracle.calls)
	}
	if r.CacheSize() != 1 {
		t.Fatalf("expected cache size 1, got %d", r.CacheSize())
	}
}

func TestResolveRoutesToOwningAgent(t *testing.T) {
	r := New("/workspace", nil)
	sess := &fakeSession{id: "sess-1", updates: []session.Update{
		{Kind: session.UpdateText, Text: "func Validate(u User) error"},
		{Kind: session.UpdateDone},
	}}
	r.RegisterAgent("core/auth", "agent-auth", sess)

	got := r.Resolve(context.Background(), "agent-ui", "Validate", "import core/auth")
	if got != "func Validate(u User) error" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestResolveDoesNotRouteToSelf(t *testing.T) {
	r := New("/workspace", nil)
	sess := &fakeSession{id: "sess-1", updates: []session.Update{
		{Kind: session.UpdateText, Text: "should not be used"},
		{Kind: session.UpdateDone},
	}}
	r.RegisterAgent("core/auth", "agent-auth", sess)

	got := r.Resolve(context.Background(), "agent-auth", "Validate", "core/auth")
	want := "Symbol 'Validate' not found in workspace symbol tree or active agents."
	if got != want {
		t.Fatalf("expected fallback since requester owns the region, got %q", got)
	}
}

func TestResolveFallsBackWhenNothingMatches(t *testing.T) {
	r := New("/workspace", nil)
	got := r.Resolve(context.Background(), "agent-a", "Nonexistent", "")
	want := "Symbol 'Nonexistent' not found in workspace symbol tree or active agents."
	if got != want {
		t.Fatalf("unexpected fallback text: %q", got)
	}
}

func TestResolveAgentErrorFallsThroughToNotFound(t *testing.T) {
	r := New("/workspace", nil)
	sess := &fakeSession{id: "sess-1", updates: []session.Update{
		{Kind: session.UpdateError, Text: "boom"},
	}}
	r.RegisterAgent("core/auth", "agent-auth", sess)

	got := r.Resolve(context.Background(), "agent-ui", "Validate", "core/auth")
	want := "Symbol 'Validate' not found in workspace symbol tree or active agents."
	if got != want {
		t.Fatalf("expected not-found fallback on agent error, got %q", got)
	}
}

func TestUnregisterAgentRemovesOwnership(t *testing.T) {
	r := New("/workspace", nil)
	sess := &fakeSession{id: "sess-1"}
	r.RegisterAgent("core/auth", "agent-auth", sess)
	r.UnregisterAgent("agent-auth")

	if len(r.RegisteredAgents()) != 0 {
		t.Fatalf("expected no registered agents after unregister, got %v", r.RegisteredAgents())
	}
}

func TestClearCache(t *testing.T) {
	oracle := &fakeOracle{matches: []SymbolMatch{{Kind: "type", Name: "X", Path: "a.go"}}}
	r := New("/workspace", oracle)
	r.Resolve(context.Background(), "agent-a", "X", "")
	if r.CacheSize() != 1 {
		t.Fatal("expected one cached entry")
	}
	r.ClearCache()
	if r.CacheSize() != 0 {
		t.Fatal("expected cache cleared")
	}
}
