// Package zones defines the shared-zone file patterns that every
// sub-agent may read and write regardless of its assigned region,
// grounded on zones.py. Enforcement itself lives in the file-access
// proxy; this package only resolves which patterns that proxy should
// treat as shared.
package zones

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/eisen-labs/eisen-agent/internal/logging"
)

// DefaultSharedZones covers the project-level config files and shared
// directories common enough that assigning them to a single region's
// agent would block every other region.
var DefaultSharedZones = []string{
	"package.json",
	"package-lock.json",
	"tsconfig.json",
	"tsconfig.*.json",
	"Cargo.toml",
	"Cargo.lock",
	"*.config.js",
	"*.config.ts",
	"*.config.mjs",
	"*.config.cjs",
	".env.example",
	"types/**",
	"shared/**",
	"pyproject.toml",
	"setup.py",
	"setup.cfg",
	"requirements.txt",
	".gitignore",
}

// SharedZoneConfig combines the default patterns with user-provided
// overrides from a workspace's .eisen/config.json.
type SharedZoneConfig struct {
	CustomPatterns []string
	UseDefaults    bool
}

// New returns a SharedZoneConfig using only the built-in defaults.
func New() SharedZoneConfig {
	return SharedZoneConfig{UseDefaults: true}
}

// GetAllPatterns returns every shared zone pattern: defaults (if enabled)
// followed by custom patterns.
func (c SharedZoneConfig) GetAllPatterns() []string {
	var patterns []string
	if c.UseDefaults {
		patterns = append(patterns, DefaultSharedZones...)
	}
	patterns = append(patterns, c.CustomPatterns...)
	return patterns
}

type workspaceConfigFile struct {
	SharedZones           []string `json:"shared_zones"`
	UseDefaultSharedZones *bool    `json:"use_default_shared_zones"`
}

// FromWorkspace loads shared zone config from workspace/.eisen/config.json
// if present, falling back to SharedZoneConfig defaults when the file is
// absent, unreadable, or malformed.
func FromWorkspace(workspace string) SharedZoneConfig {
	configPath := filepath.Join(workspace, ".eisen", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return New()
	}

	var parsed workspaceConfigFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		logging.Warnf("zones: failed to parse %s: %v", configPath, err)
		return New()
	}

	useDefaults := true
	if parsed.UseDefaultSharedZones != nil {
		useDefaults = *parsed.UseDefaultSharedZones
	}
	logging.Infof("zones: loaded shared zone config from %s: %d custom patterns, defaults=%v",
		configPath, len(parsed.SharedZones), useDefaults)
	return SharedZoneConfig{CustomPatterns: parsed.SharedZones, UseDefaults: useDefaults}
}
