package persistence

import (
	"encoding/json"
	"os"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/paths"
)

// WorkspaceCache is one of the two workspace parse caches under
// paths.CacheDir (symbol_tree.json, snapshot.json). It stores an opaque
// summary payload alongside the mtimes of a sample of workspace files at
// the time it was built, so a later run can cheaply decide whether the
// cache is stale without re-parsing the whole tree.
type WorkspaceCache struct {
	Workspace string           `json:"workspace"`
	Summary   string           `json:"summary"`
	Sample    map[string]int64 `json:"sample"` // path -> unix mtime seconds
}

// maxSampleFiles bounds how many files' mtimes are recorded/checked when
// validating a cache against its workspace.
const maxSampleFiles = 50

// SampleMTimes stat()s up to maxSampleFiles of the given paths and returns
// their mtimes, for building or validating a WorkspaceCache.
func SampleMTimes(workspaceFiles []string) map[string]int64 {
	sample := workspaceFiles
	if len(sample) > maxSampleFiles {
		// Deterministic-looking but varied sample: take an evenly spaced
		// subset rather than always the first 50, so renames near the top
		// of a large tree don't permanently blind the staleness check.
		step := len(sample) / maxSampleFiles
		if step < 1 {
			step = 1
		}
		picked := make([]string, 0, maxSampleFiles)
		for i := 0; i < len(sample) && len(picked) < maxSampleFiles; i += step {
			picked = append(picked, sample[i])
		}
		sample = picked
	}

	out := make(map[string]int64, len(sample))
	for _, p := range sample {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		out[p] = info.ModTime().Unix()
	}
	return out
}

// loadCache reads a WorkspaceCache from path, returning (nil, nil) if
// absent or not valid JSON; any other read error is returned.
func loadCache(path string) (*WorkspaceCache, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c WorkspaceCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, nil
	}
	return &c, nil
}

// IsStale reports whether any sampled file's mtime has moved since the
// cache was built, or its workspace no longer matches.
func (c *WorkspaceCache) IsStale(workspace string) bool {
	if c == nil {
		return true
	}
	if c.Workspace != workspace {
		return true
	}
	for path, mtime := range c.Sample {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Unix() != mtime {
			return true
		}
	}
	return false
}

// LoadSymbolTreeCache and LoadSnapshotCache read the two named workspace
// caches from paths.CacheDir.
func LoadSymbolTreeCache(p paths.Paths) (*WorkspaceCache, error) { return loadCache(p.SymbolTreeCache()) }
func LoadSnapshotCache(p paths.Paths) (*WorkspaceCache, error)   { return loadCache(p.SnapshotCache()) }

// saveCache writes c atomically to path.
func saveCache(path string, c WorkspaceCache) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(path, data, 0o644)
}

// SaveSymbolTreeCache and SaveSnapshotCache persist c atomically.
func SaveSymbolTreeCache(p paths.Paths, c WorkspaceCache) error { return saveCache(p.SymbolTreeCache(), c) }
func SaveSnapshotCache(p paths.Paths, c WorkspaceCache) error   { return saveCache(p.SnapshotCache(), c) }

// RevalidateCaches is invoked by internal/maintenance between runs: it
// loads both caches and logs whether each is stale, without touching any
// in-flight run state.
func RevalidateCaches(p paths.Paths, workspace string) {
	for name, load := range map[string]func(paths.Paths) (*WorkspaceCache, error){
		"symbol_tree": LoadSymbolTreeCache,
		"snapshot":    LoadSnapshotCache,
	} {
		c, err := load(p)
		if err != nil {
			logging.Warnf("persistence: failed to load %s cache: %v", name, err)
			continue
		}
		if c == nil {
			continue
		}
		if c.IsStale(workspace) {
			logging.Infof("persistence: %s cache for %s is stale", name, workspace)
		}
	}
}
