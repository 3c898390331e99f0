// Package registry holds the static table of known sub-agent profiles and
// a PATH-based availability probe, mirroring the CLI-availability checks
// in internal/agent/ai/cli_provider.go but generalized from a
// provider-selection helper into a general sub-agent Registry component.
package registry

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// AgentProfile is one entry in the static agent table.
type AgentProfile struct {
	ID      string
	Name    string
	Command string
	Args    []string
}

// defaultProfiles is the static table of known sub-agent implementations.
var defaultProfiles = []AgentProfile{
	{ID: "opencode", Name: "OpenCode", Command: "opencode", Args: []string{"acp"}},
	{ID: "claude-code", Name: "Claude Code", Command: "claude", Args: []string{"--acp"}},
	{ID: "codex", Name: "Codex", Command: "codex", Args: []string{"acp"}},
	{ID: "gemini", Name: "Gemini CLI", Command: "gemini", Args: []string{"--experimental-acp"}},
	{ID: "goose", Name: "Goose", Command: "goose", Args: []string{"acp"}},
	{ID: "amp", Name: "Amp", Command: "amp", Args: []string{"--acp"}},
	{ID: "aider", Name: "Aider", Command: "aider", Args: []string{"--acp"}},
}

// aliases maps convenience short names to the registry's canonical ids.
var aliases = map[string]string{
	"claude": "claude-code",
	"cc":     "claude-code",
	"gpt":    "codex",
	"openai": "codex",
	"gemini": "gemini",
	"google": "gemini",
}

// Registry is a lookup table over AgentProfile, safe for concurrent reads.
type Registry struct {
	byID map[string]AgentProfile
}

// New builds a Registry from the static default profiles. Callers that need
// to inject custom profiles (tests, extended deployments) can use NewWith.
func New() *Registry {
	return NewWith(defaultProfiles)
}

// NewWith builds a Registry from an explicit profile list.
func NewWith(profiles []AgentProfile) *Registry {
	r := &Registry{byID: make(map[string]AgentProfile, len(profiles))}
	for _, p := range profiles {
		r.byID[p.ID] = p
	}
	return r
}

// Resolve looks up an agent id, first trying the id directly and then the
// alias table.
func (r *Registry) Resolve(id string) (AgentProfile, bool) {
	if p, ok := r.byID[id]; ok {
		return p, true
	}
	if canonical, ok := aliases[strings.ToLower(id)]; ok {
		p, ok := r.byID[canonical]
		return p, ok
	}
	return AgentProfile{}, false
}

// ResolveAlias resolves a user-facing short name to a canonical agent id
// without requiring the profile to exist in this registry instance. Used by
// the orchestrator's user-override parser.
func ResolveAlias(name string) (string, bool) {
	lower := strings.ToLower(name)
	if canonical, ok := aliases[lower]; ok {
		return canonical, true
	}
	for _, p := range defaultProfiles {
		if p.ID == lower {
			return p.ID, true
		}
	}
	return "", false
}

// All returns the registry's profiles whose id appears in the static
// default table, in that table's declaration order. Profiles passed to
// NewWith under any other id are not included.
func (r *Registry) All() []AgentProfile {
	out := make([]AgentProfile, 0, len(r.byID))
	for _, p := range defaultProfiles {
		if _, ok := r.byID[p.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Available reports whether the profile's command is present on PATH.
func Available(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

// AvailableProfiles filters the registry down to profiles whose command
// resolves on PATH.
func (r *Registry) AvailableProfiles() []AgentProfile {
	var out []AgentProfile
	for _, p := range r.All() {
		if Available(p.Command) {
			out = append(out, p)
		}
	}
	return out
}

// Probe runs `<command> --version` with a short timeout and reports whether
// it succeeded, mirroring CheckCLIStatus's authentication probe.
func Probe(ctx context.Context, command string) (installed bool, versionOutput string) {
	if !Available(command) {
		return false, ""
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, command, "--version").Output()
	if err != nil {
		return true, ""
	}
	return true, strings.TrimSpace(string(out))
}
