// Package maintenance runs an optional, CLI-started background sweep that
// deletes stale run/session snapshots and invalidates the workspace parse
// caches between runs (internal/persistence owns the cache file format and
// the in-run staleness check this sweep reuses). Grounded on
// internal/agent/tools/cron.go (cronlib.New(cronlib.WithSeconds()),
// AddFunc, Start/Stop), generalized from a user-schedulable reminders
// store to a single fixed internal job.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/persistence"
)

// DefaultRetention is how old a run/session snapshot must be, past its last
// write, before Sweep deletes it.
const DefaultRetention = 7 * 24 * time.Hour

// Janitor periodically prunes stale persisted state under a Paths root and
// revalidates the workspace parse caches.
type Janitor struct {
	paths     paths.Paths
	workspace string
	retention time.Duration
	cron      *cronlib.Cron
}

// NewJanitor builds a Janitor that has not yet started its schedule.
// workspace is compared against each cache's recorded Workspace field, the
// same check persistence.WorkspaceCache.IsStale performs for a live run.
func NewJanitor(p paths.Paths, workspace string, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{
		paths:     p,
		workspace: workspace,
		retention: retention,
		cron:      cronlib.New(cronlib.WithSeconds()),
	}
}

// Start schedules Sweep to run every interval (a Go duration, e.g. "1h"),
// expressed to robfig/cron as a fixed "@every" spec, and starts the
// underlying scheduler goroutine.
func (j *Janitor) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("maintenance: prune interval must be positive, got %s", interval)
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := j.cron.AddFunc(spec, j.sweepSafely); err != nil {
		return fmt.Errorf("maintenance: failed to schedule sweep: %w", err)
	}
	j.cron.Start()
	logging.Infof("maintenance: pruning runs/sessions older than %s every %s", j.retention, interval)
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweepSafely() {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("maintenance: sweep panicked: %v", r)
		}
	}()
	n, err := j.Sweep()
	if err != nil {
		logging.Warnf("maintenance: sweep failed: %v", err)
		return
	}
	logging.Infof("maintenance: sweep removed %d stale file(s)", n)
}

// Sweep deletes runs/*.json and sessions/*.json older than the retention
// window, then revalidates the symbol-tree and snapshot caches, returning
// the count of files removed.
func (j *Janitor) Sweep() (int, error) {
	removed := 0
	cutoff := time.Now().Add(-j.retention)

	for _, dir := range []string{j.paths.RunsDir, j.paths.SessionsDir} {
		n, err := pruneDir(dir, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	j.revalidateCaches()
	return removed, nil
}

func pruneDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				logging.Warnf("maintenance: failed to remove %s: %v", path, err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// revalidateCaches drops cache/symbol_tree.json and cache/snapshot.json
// when persistence.WorkspaceCache.IsStale reports any of their sampled
// source files has changed (or the workspace moved), so the next run
// re-parses instead of serving stale text. persistence.RevalidateCaches
// only logs staleness for a live run in progress; this is the sweep that
// actually deletes the file between runs.
func (j *Janitor) revalidateCaches() {
	caches := map[string]func(paths.Paths) (*persistence.WorkspaceCache, error){
		j.paths.SymbolTreeCache(): persistence.LoadSymbolTreeCache,
		j.paths.SnapshotCache():   persistence.LoadSnapshotCache,
	}
	for cachePath, load := range caches {
		c, err := load(j.paths)
		if err != nil {
			logging.Warnf("maintenance: failed to load cache %s: %v", cachePath, err)
			continue
		}
		if c == nil || !c.IsStale(j.workspace) {
			continue
		}
		if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
			logging.Warnf("maintenance: failed to remove stale cache %s: %v", cachePath, err)
			continue
		}
		logging.Infof("maintenance: invalidated stale cache %s", cachePath)
	}
}
