package conflict

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDetectorNoConflictForFirstWriter(t *testing.T) {
	d := NewDetector()
	if c := d.RecordWrite("agent-0", "package.json", 1, ""); c != nil {
		t.Fatalf("expected no conflict for first writer, got %+v", c)
	}
}

func TestDetectorConflictSoundness(t *testing.T) {
	d := NewDetector()
	d.RecordWrite("agent-0", "package.json", 1, "")
	c := d.RecordWrite("agent-1", "package.json", 2, "")
	if c == nil {
		t.Fatal("expected conflict for second writer")
	}
	if c.FirstWriter != "agent-0" || c.LatestWriter != "agent-1" {
		t.Fatalf("unexpected writers: %+v", c)
	}
	want := map[string]bool{"agent-0": true, "agent-1": true}
	if len(c.Writers) != 2 || !want[c.Writers[0]] || !want[c.Writers[1]] {
		t.Fatalf("expected both writers present, got %v", c.Writers)
	}
}

func TestResolverLastAndFirstWriteWins(t *testing.T) {
	d := NewDetector()
	d.RecordWrite("agent-0", "package.json", 1, "")
	c := d.RecordWrite("agent-1", "package.json", 2, "")

	lww := NewResolver(StrategyLastWriteWins, nil)
	if got := lww.Resolve(context.Background(), c, "", "", ""); !strings.Contains(got, "agent-1") {
		t.Fatalf("expected last-write-wins to name agent-1, got %q", got)
	}
	if !c.Resolved {
		t.Fatal("expected conflict marked resolved")
	}

	c.Resolved = false
	fww := NewResolver(StrategyFirstWriteWins, nil)
	if got := fww.Resolve(context.Background(), c, "", "", ""); !strings.Contains(got, "agent-0") {
		t.Fatalf("expected first-write-wins to name agent-0, got %q", got)
	}
}

func TestResolverUserDecidesLeavesUnresolved(t *testing.T) {
	d := NewDetector()
	d.RecordWrite("agent-0", "package.json", 1, "")
	c := d.RecordWrite("agent-1", "package.json", 2, "")

	ud := NewResolver(StrategyUserDecides, nil)
	got := ud.Resolve(context.Background(), c, "", "", "")
	if got != "Awaiting user decision" {
		t.Fatalf("unexpected resolution text: %q", got)
	}
	if c.Resolved {
		t.Fatal("user-decides must not mark resolved")
	}
}

type failingMerger struct{}

func (failingMerger) Merge(ctx context.Context, req MergeRequest) (MergeResponse, error) {
	return MergeResponse{}, context.DeadlineExceeded
}

func TestResolverMergeFallsBackOnFailure(t *testing.T) {
	d := NewDetector()
	d.RecordWrite("agent-0", "package.json", 1, "")
	c := d.RecordWrite("agent-1", "package.json", 2, "")

	r := NewResolver(StrategyOrchestratorMerges, failingMerger{})
	got := r.Resolve(context.Background(), c, "", "", "")
	if !strings.Contains(got, "last-write-wins") {
		t.Fatalf("expected fallback mention, got %q", got)
	}
	if !c.Resolved {
		t.Fatal("expected resolved true on fallback")
	}
}

func TestSoftLockReentrantAndExclusive(t *testing.T) {
	l := NewSoftLock()
	if !l.Acquire("f.go", "agent-0") {
		t.Fatal("expected first acquire to succeed")
	}
	if !l.Acquire("f.go", "agent-0") {
		t.Fatal("expected reentrant acquire by same agent to succeed")
	}
	if l.Acquire("f.go", "agent-1") {
		t.Fatal("expected other agent's acquire to fail while held")
	}
}

func TestSoftLockWaitForReleaseTimeout(t *testing.T) {
	l := NewSoftLock()
	l.Acquire("f.go", "agent-0")
	start := time.Now()
	ok := l.WaitForRelease("f.go", 30*time.Millisecond)
	if ok {
		t.Fatal("expected timeout to return false")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned too early")
	}
}

func TestSoftLockWaitForReleaseWakesOnRelease(t *testing.T) {
	l := NewSoftLock()
	l.Acquire("f.go", "agent-0")
	done := make(chan bool, 1)
	go func() {
		done <- l.WaitForRelease("f.go", time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	l.Release("f.go", "agent-0")
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected release to satisfy waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}
