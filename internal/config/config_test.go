package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eisen-labs/eisen-agent/internal/paths"
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

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(testPaths(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.UseDefaultZones == nil || !*c.UseDefaultZones {
		t.Fatalf("expected use_default_shared_zones to default true, got %+v", c.UseDefaultZones)
	}
}

func TestLoadJSONWithEnvExpansion(t *testing.T) {
	t.Setenv("EISEN_TEST_MODEL", "anthropic/claude-test")
	p := testPaths(t)
	contents := `{"default_model": "${EISEN_TEST_MODEL}", "shared_zones": ["*.lock"]}`
	if err := os.WriteFile(p.ConfigFile, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DefaultModel != "anthropic/claude-test" {
		t.Fatalf("expected expanded model, got %q", c.DefaultModel)
	}
	if len(c.SharedZones) != 1 || c.SharedZones[0] != "*.lock" {
		t.Fatalf("expected shared zones to round-trip, got %+v", c.SharedZones)
	}
}

func TestLoadYAMLFallback(t *testing.T) {
	p := testPaths(t)
	yamlPath := filepath.Join(p.Root, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("default_model: openai/gpt-test\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DefaultModel != "openai/gpt-test" {
		t.Fatalf("expected yaml fallback to load, got %q", c.DefaultModel)
	}
}
