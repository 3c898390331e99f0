package zones

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestGetAllPatternsDefaultsOnly(t *testing.T) {
	c := New()
	patterns := c.GetAllPatterns()

	if !slices.Contains(patterns, "package.json") {
		t.Errorf("expected default patterns to include package.json, got %v", patterns)
	}
	if len(patterns) != len(DefaultSharedZones) {
		t.Errorf("expected %d patterns, got %d", len(DefaultSharedZones), len(patterns))
	}
}

func TestGetAllPatternsWithCustom(t *testing.T) {
	c := SharedZoneConfig{CustomPatterns: []string{"lib/**"}, UseDefaults: true}
	patterns := c.GetAllPatterns()

	if !slices.Contains(patterns, "lib/**") {
		t.Errorf("expected custom pattern lib/** in %v", patterns)
	}
	if !slices.Contains(patterns, "package.json") {
		t.Errorf("expected default pattern package.json in %v", patterns)
	}
}

func TestGetAllPatternsNoDefaults(t *testing.T) {
	c := SharedZoneConfig{CustomPatterns: []string{"custom/**"}, UseDefaults: false}
	patterns := c.GetAllPatterns()

	if len(patterns) != 1 || patterns[0] != "custom/**" {
		t.Errorf("expected only custom/**, got %v", patterns)
	}
}

func TestFromWorkspaceMissingFile(t *testing.T) {
	workspace := t.TempDir()
	c := FromWorkspace(workspace)

	if !c.UseDefaults {
		t.Error("expected UseDefaults true when no config file exists")
	}
	if len(c.CustomPatterns) != 0 {
		t.Errorf("expected no custom patterns, got %v", c.CustomPatterns)
	}
}

func TestFromWorkspaceWithConfig(t *testing.T) {
	workspace := t.TempDir()
	eisenDir := filepath.Join(workspace, ".eisen")
	if err := os.MkdirAll(eisenDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	configJSON := `{"shared_zones": ["custom/**", "lib/**"], "use_default_shared_zones": false}`
	if err := os.WriteFile(filepath.Join(eisenDir, "config.json"), []byte(configJSON), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c := FromWorkspace(workspace)
	if c.UseDefaults {
		t.Error("expected UseDefaults false per config file")
	}
	if !slices.Contains(c.CustomPatterns, "custom/**") || !slices.Contains(c.CustomPatterns, "lib/**") {
		t.Errorf("expected both custom patterns, got %v", c.CustomPatterns)
	}
}

func TestFromWorkspaceMalformedJSON(t *testing.T) {
	workspace := t.TempDir()
	eisenDir := filepath.Join(workspace, ".eisen")
	if err := os.MkdirAll(eisenDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(eisenDir, "config.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c := FromWorkspace(workspace)
	if !c.UseDefaults {
		t.Error("expected fallback to defaults on malformed JSON")
	}
}
