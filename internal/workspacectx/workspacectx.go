// Package workspacectx builds the workspace-tree summary, drives the
// opaque workspace symbol index, and assembles the per-region context
// (files + cross-region dependency signatures) handed to the prompt-build
// oracle. The tree walk follows the same ignore-list idiom as
// internal/agent/tools/file_tool.go (filepath.Walk skipping dotfiles,
// node_modules, vendor, __pycache__); the symbol index itself is an
// opaque native library treated as an external collaborator, modelled
// here as a pluggable SymbolIndex interface so a real tree-sitter bridge
// can be dropped in without touching this package.
package workspacectx

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eisen-labs/eisen-agent/internal/router"
	"github.com/eisen-labs/eisen-agent/internal/types"
)

var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".git":         true,
}

// SymbolIndex is the opaque workspace-parsing library
// (`parse_workspace`, `snapshot`, `lookup_symbol`). It also
// satisfies router.SymbolOracle, so the same implementation backs both
// the orchestrator's context assembly and the A2A router's zero-cost
// resolution step.
type SymbolIndex interface {
	ParseWorkspace(ctx context.Context, workspace string) error
	Snapshot(ctx context.Context, workspace string) (string, error)
	LookupSymbol(ctx context.Context, workspace, symbolName string) ([]router.SymbolMatch, error)
}

// Builder assembles workspace-tree and region-context text for a single
// workspace.
type Builder struct {
	workspace string
	index     SymbolIndex // may be nil; callers then get an empty symbol index
}

// New builds a Builder rooted at workspace. index may be nil.
func New(workspace string, index SymbolIndex) *Builder {
	return &Builder{workspace: workspace, index: index}
}

// WorkspaceTree renders an indented directory listing of the workspace,
// skipping dotfiles and common dependency/build directories, for use as
// the decompose oracle's workspace_tree input.
func (b *Builder) WorkspaceTree() string {
	var sb strings.Builder
	_ = filepath.Walk(b.workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if path == b.workspace {
			return nil
		}
		rel, relErr := filepath.Rel(b.workspace, path)
		if relErr != nil {
			return nil
		}
		name := info.Name()
		if info.IsDir() {
			if (strings.HasPrefix(name, ".") && name != ".") || skipDirs[name] {
				return filepath.SkipDir
			}
			sb.WriteString(rel + "/\n")
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		sb.WriteString(rel + "\n")
		return nil
	})
	return sb.String()
}

// SymbolIndexSummary returns the opaque symbol index's own snapshot
// summary, or an empty string if no index is wired.
func (b *Builder) SymbolIndexSummary(ctx context.Context) string {
	if b.index == nil {
		return ""
	}
	if err := b.index.ParseWorkspace(ctx, b.workspace); err != nil {
		return ""
	}
	snap, err := b.index.Snapshot(ctx, b.workspace)
	if err != nil {
		return ""
	}
	return snap
}

// RegionFile is one file handed to the prompt-build oracle's
// region_files input.
type RegionFile struct {
	Path  string `json:"path"`
	Lines int    `json:"lines"`
}

// RegionContext is the per-region material passed into the prompt-build
// oracle, gated by effort level.
type RegionContext struct {
	RegionFiles     []RegionFile
	CrossRegionDeps []string
}

// BuildRegionContext lists the files under region (workspace-relative),
// depth and count gated by effort: low caps at 10 files with no line
// counts, medium caps at 30 with line counts, high lists everything
// under the region with line counts plus every other known region as a
// cross-region dependency signature.
func (b *Builder) BuildRegionContext(region string, effort types.EffortLevel, knownRegions []string) RegionContext {
	limit := 30
	withLines := true
	switch effort {
	case types.EffortLow:
		limit = 10
		withLines = false
	case types.EffortHigh:
		limit = 0 // unlimited
	}

	regionDir := filepath.Join(b.workspace, strings.TrimPrefix(region, "/"))
	var files []RegionFile
	_ = filepath.Walk(regionDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			name := info.Name()
			if (strings.HasPrefix(name, ".") && name != ".") || skipDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if limit > 0 && len(files) >= limit {
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(b.workspace, path)
		if relErr != nil {
			return nil
		}
		lines := 0
		if withLines {
			lines = countLines(path)
		}
		files = append(files, RegionFile{Path: rel, Lines: lines})
		return nil
	})

	var deps []string
	if effort == types.EffortHigh {
		for _, r := range knownRegions {
			if r != region {
				deps = append(deps, r)
			}
		}
		sort.Strings(deps)
	}

	return RegionContext{RegionFiles: files, CrossRegionDeps: deps}
}

// MarshalRegionFiles JSON-encodes files for the prompt-build oracle's
// region_files request field.
func MarshalRegionFiles(files []RegionFile) string {
	data, err := json.Marshal(files)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// MarshalCrossRegionDeps JSON-encodes deps for the prompt-build oracle's
// cross_region_deps request field.
func MarshalCrossRegionDeps(deps []string) string {
	data, err := json.Marshal(deps)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	if len(data) == 0 {
		return 0
	}
	return strings.Count(string(data), "\n") + 1
}
