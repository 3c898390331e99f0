package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/persistence"
)

func testPaths(t *testing.T) paths.Paths {
	t.Helper()
	p, err := paths.New(t.TempDir())
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	if err := p.Ensure(); err != nil {
		t.Fatalf("paths.Ensure: %v", err)
	}
	return p
}

func writeFileWithMTime(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestSweepRemovesFilesOlderThanRetention(t *testing.T) {
	p := testPaths(t)
	j := NewJanitor(p, "/workspace", time.Hour)

	stale := filepath.Join(p.RunsDir, "run-old.json")
	fresh := filepath.Join(p.SessionsDir, "sess-new.json")
	writeFileWithMTime(t, stale, time.Now().Add(-2*time.Hour))
	writeFileWithMTime(t, fresh, time.Now())

	removed, err := j.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh file to survive, got %v", err)
	}
}

func TestSweepToleratesMissingDirs(t *testing.T) {
	p := testPaths(t)
	if err := os.RemoveAll(p.RunsDir); err != nil {
		t.Fatalf("remove runs dir: %v", err)
	}
	j := NewJanitor(p, "/workspace", DefaultRetention)
	if _, err := j.Sweep(); err != nil {
		t.Fatalf("Sweep should tolerate a missing runs dir, got %v", err)
	}
}

func TestRevalidateCachesRemovesStaleEntry(t *testing.T) {
	p := testPaths(t)
	workspace := "/workspace"
	sourceFile := filepath.Join(t.TempDir(), "source.go")
	oldTime := time.Now().Add(-time.Hour)
	writeFileWithMTime(t, sourceFile, oldTime)

	cache := persistence.WorkspaceCache{
		Workspace: workspace,
		Summary:   "stale summary",
		Sample:    map[string]int64{sourceFile: oldTime.Unix()},
	}
	if err := persistence.SaveSymbolTreeCache(p, cache); err != nil {
		t.Fatalf("SaveSymbolTreeCache: %v", err)
	}

	// Touch the source file so its mtime no longer matches the cache entry.
	writeFileWithMTime(t, sourceFile, time.Now())

	j := NewJanitor(p, workspace, DefaultRetention)
	j.revalidateCaches()

	if _, err := os.Stat(p.SymbolTreeCache()); !os.IsNotExist(err) {
		t.Fatalf("expected stale cache file to be removed")
	}
}

func TestRevalidateCachesKeepsFreshEntry(t *testing.T) {
	p := testPaths(t)
	workspace := "/workspace"
	sourceFile := filepath.Join(t.TempDir(), "source.go")
	now := time.Now()
	writeFileWithMTime(t, sourceFile, now)

	cache := persistence.WorkspaceCache{
		Workspace: workspace,
		Summary:   "fresh summary",
		Sample:    map[string]int64{sourceFile: now.Unix()},
	}
	if err := persistence.SaveSnapshotCache(p, cache); err != nil {
		t.Fatalf("SaveSnapshotCache: %v", err)
	}

	j := NewJanitor(p, workspace, DefaultRetention)
	j.revalidateCaches()

	if _, err := os.Stat(p.SnapshotCache()); err != nil {
		t.Fatalf("expected fresh cache file to survive, got %v", err)
	}
}

func TestRevalidateCachesRemovesEntryForDifferentWorkspace(t *testing.T) {
	p := testPaths(t)
	sourceFile := filepath.Join(t.TempDir(), "source.go")
	now := time.Now()
	writeFileWithMTime(t, sourceFile, now)

	cache := persistence.WorkspaceCache{
		Workspace: "/some/other/workspace",
		Summary:   "summary",
		Sample:    map[string]int64{sourceFile: now.Unix()},
	}
	if err := persistence.SaveSnapshotCache(p, cache); err != nil {
		t.Fatalf("SaveSnapshotCache: %v", err)
	}

	j := NewJanitor(p, "/workspace", DefaultRetention)
	j.revalidateCaches()

	if _, err := os.Stat(p.SnapshotCache()); !os.IsNotExist(err) {
		t.Fatalf("expected cache built for a different workspace to be removed")
	}
}

func TestStartRejectsNonPositiveInterval(t *testing.T) {
	j := NewJanitor(testPaths(t), "/workspace", DefaultRetention)
	if err := j.Start(0); err == nil {
		t.Fatalf("expected an error for a zero interval")
	}
}
