// Package paths resolves the per-user data directory layout the
// orchestrator persists into: runs, sessions, traces, agent stats,
// compiled oracle blobs, and workspace parse caches. Callers build one
// Paths value (normally once, at CLI startup) instead of every package
// reading an environment variable on its own, avoiding ad-hoc globals.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvOverride is the environment variable that overrides the default data
// directory root.
const EnvOverride = "EISEN_AGENT_DATA_DIR"

// Paths is the resolved set of directories and files the orchestrator
// reads and writes across a process lifetime.
type Paths struct {
	Root           string
	RunsDir        string
	SessionsDir    string
	TracesDir      string
	CompiledDir    string
	CacheDir       string
	AgentStatsFile string
	ConfigFile     string
}

// New resolves Paths rooted at root. An empty root falls back to
// EnvOverride, then $XDG_DATA_HOME/eisen-agent, then ~/.eisen.
func New(root string) (Paths, error) {
	if root == "" {
		root = os.Getenv(EnvOverride)
	}
	if root == "" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			root = filepath.Join(xdg, "eisen-agent")
		}
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("cannot determine home directory: %w", err)
		}
		root = filepath.Join(home, ".eisen")
	}

	return Paths{
		Root:           root,
		RunsDir:        filepath.Join(root, "runs"),
		SessionsDir:    filepath.Join(root, "sessions"),
		TracesDir:      filepath.Join(root, "traces"),
		CompiledDir:    filepath.Join(root, "compiled"),
		CacheDir:       filepath.Join(root, "cache"),
		AgentStatsFile: filepath.Join(root, "agent_stats.json"),
		ConfigFile:     filepath.Join(root, "config.json"),
	}, nil
}

// Ensure creates every directory in Paths, if missing.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Root, p.RunsDir, p.SessionsDir, p.TracesDir, p.CompiledDir, p.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// SymbolTreeCache and SnapshotCache are the two workspace parse cache
// files under CacheDir, validated by sampling file mtimes (see
// internal/persistence.WorkspaceCache).
func (p Paths) SymbolTreeCache() string { return filepath.Join(p.CacheDir, "symbol_tree.json") }
func (p Paths) SnapshotCache() string   { return filepath.Join(p.CacheDir, "snapshot.json") }

// WriteFileAtomic writes data to path by first writing a temp file in the
// same directory, then renaming it into place -- the one shared atomic
// write helper used by every persisted record in internal/persistence and
// internal/training, so on-disk cache files are never observed half-written.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
