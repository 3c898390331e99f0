package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/paths"
)

// SessionContext is the captured context of a completed orchestration run,
// persisted so a later, related run can build on prior work instead of
// starting from scratch.
type SessionContext struct {
	SessionID           string              `json:"session_id"`
	Timestamp           float64             `json:"timestamp"`
	UserIntent          string              `json:"user_intent"`
	Workspace           string              `json:"workspace"`
	ModifiedFiles       map[string][]string `json:"modified_files"` // region -> files
	KeyDecisions        []string            `json:"key_decisions"`
	ResolvedSymbols     []string            `json:"resolved_symbols"`
	ConflictResolutions []string            `json:"conflict_resolutions"`
	SubtaskSummaries    []map[string]any    `json:"subtask_summaries"`
	Status              string              `json:"status"`
}

// textSimilarity computes Jaccard similarity between two strings' lower-
// cased word sets.
func textSimilarity(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

// SessionMemory persists context from completed orchestration sessions
// under paths.SessionsDir, one JSON file per session named
// sess_<session_id>.json.
type SessionMemory struct {
	dir string
}

// NewSessionMemory builds a SessionMemory rooted at p.SessionsDir.
func NewSessionMemory(p paths.Paths) *SessionMemory {
	return &SessionMemory{dir: p.SessionsDir}
}

func (m *SessionMemory) filePath(sessionID string) string {
	return filepath.Join(m.dir, "sess_"+sessionID+".json")
}

// SaveSession persists ctx to disk.
func (m *SessionMemory) SaveSession(ctx SessionContext) error {
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return err
	}
	path := m.filePath(ctx.SessionID)
	if err := paths.WriteFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	logging.Infof("persistence: saved session context %s to %s", ctx.SessionID, path)
	return nil
}

// LoadSession loads a specific session by id, returning (nil, nil) if
// absent.
func (m *SessionMemory) LoadSession(sessionID string) (*SessionContext, error) {
	data, err := os.ReadFile(m.filePath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ctx SessionContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, err
	}
	return &ctx, nil
}

// LoadRelevantContext finds the most relevant previous sessions for the
// current task: same workspace, Jaccard word-overlap similarity against
// userIntent at or above minSimilarity, sorted by similarity then
// recency, capped at maxResults.
func (m *SessionMemory) LoadRelevantContext(userIntent, workspace string, minSimilarity float64, maxResults int) ([]SessionContext, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "sess_*.json"))
	if err != nil {
		return nil, err
	}

	type scored struct {
		sim float64
		ctx SessionContext
	}
	var candidates []scored

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warnf("persistence: failed to read session %s: %v", path, err)
			continue
		}
		var ctx SessionContext
		if err := json.Unmarshal(data, &ctx); err != nil {
			logging.Warnf("persistence: failed to parse session %s: %v", path, err)
			continue
		}
		if ctx.Workspace != workspace {
			continue
		}
		sim := textSimilarity(userIntent, ctx.UserIntent)
		if sim >= minSimilarity {
			candidates = append(candidates, scored{sim: sim, ctx: ctx})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].ctx.Timestamp > candidates[j].ctx.Timestamp
	})

	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	out := make([]SessionContext, len(candidates))
	for i, c := range candidates {
		out[i] = c.ctx
	}
	if len(out) > 0 {
		logging.Infof("persistence: found %d relevant previous session(s) for intent: %.60s...", len(out), userIntent)
	}
	return out, nil
}

// InjectIntoPrompt augments a sub-agent prompt with a summary of prior
// related work, so the agent can build on it instead of starting cold.
func InjectIntoPrompt(contexts []SessionContext, prompt string) string {
	if len(contexts) == 0 {
		return prompt
	}

	var parts []string
	for _, ctx := range contexts {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Previous related work ('%.80s'):", ctx.UserIntent)

		regions := make([]string, 0, len(ctx.ModifiedFiles))
		for region := range ctx.ModifiedFiles {
			regions = append(regions, region)
		}
		sort.Strings(regions)
		for _, region := range regions {
			files := ctx.ModifiedFiles[region]
			shown := files
			suffix := ""
			if len(files) > 5 {
				shown = files[:5]
				suffix = fmt.Sprintf(" (+%d more)", len(files)-5)
			}
			fmt.Fprintf(&sb, "\n  Region %s: modified %s%s", region, strings.Join(shown, ", "), suffix)
		}

		if len(ctx.KeyDecisions) > 0 {
			sb.WriteString("\n  Key decisions:")
			for i, d := range ctx.KeyDecisions {
				if i >= 3 {
					break
				}
				fmt.Fprintf(&sb, "\n    - %s", d)
			}
		}

		if len(ctx.ResolvedSymbols) > 0 {
			shown := ctx.ResolvedSymbols
			if len(shown) > 5 {
				shown = shown[:5]
			}
			fmt.Fprintf(&sb, "\n  Resolved symbols: %s", strings.Join(shown, ", "))
		}

		parts = append(parts, sb.String())
	}

	return fmt.Sprintf("CONTEXT FROM PREVIOUS SESSIONS:\n%s\n\nConsider the above when implementing your changes.\n\n%s",
		strings.Join(parts, "\n\n"), prompt)
}

// SessionSummary is one row of ListSessions' output.
type SessionSummary struct {
	SessionID     string
	IntentPreview string
	Status        string
	Timestamp     float64
}

// ListSessions lists every saved session as a short summary row.
func (m *SessionMemory) ListSessions() ([]SessionSummary, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "sess_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []SessionSummary
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ctx SessionContext
		if err := json.Unmarshal(data, &ctx); err != nil {
			continue
		}
		preview := ctx.UserIntent
		if len(preview) > 60 {
			preview = preview[:60] + "..."
		}
		out = append(out, SessionSummary{SessionID: ctx.SessionID, IntentPreview: preview, Status: ctx.Status, Timestamp: ctx.Timestamp})
	}
	return out, nil
}

// Clear deletes every session file, returning the count removed.
func (m *SessionMemory) Clear() (int, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "sess_*.json"))
	if err != nil {
		return 0, err
	}
	for _, p := range matches {
		if err := os.Remove(p); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}

// Now returns the current Unix timestamp, the one indirection every
// persisted record's Timestamp field goes through so the orchestrator
// never calls time.Now() directly in a dozen places.
func Now() float64 { return float64(time.Now().Unix()) }
