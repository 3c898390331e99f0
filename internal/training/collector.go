package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/persistence"
	"github.com/eisen-labs/eisen-agent/internal/types"
)

// TraceEntry is one completed orchestration run captured for offline
// oracle tuning: user intent, workspace summaries, the decomposition and
// assignment that were made, and the actual outcomes.
type TraceEntry struct {
	RunID         string            `json:"run_id"`
	Timestamp     float64           `json:"timestamp"`
	UserIntent    string            `json:"user_intent"`
	Workspace     string            `json:"workspace"`
	TreeSummary   string            `json:"workspace_tree_summary"`
	SymbolSummary string            `json:"symbol_index_summary"`
	Subtasks      []types.Subtask   `json:"subtasks"`
	Assignments   []TraceAssignment `json:"assignments"`
	Results       []TraceResult     `json:"results"`
	TotalTokens   int               `json:"total_tokens"`
	OrchTokens    int               `json:"orchestrator_tokens"`
	DurationS     float64           `json:"duration_s"`
	Quality       float64           `json:"quality"`
}

// TraceAssignment is the minimal record of which agent was assigned to a
// subtask, kept separately from types.AgentAssignment since a trace is a
// JSON-serializable snapshot, not a live lifecycle-bearing value.
type TraceAssignment struct {
	SubtaskIndex int    `json:"subtask_index"`
	AgentID      string `json:"agent_id"`
	Language     string `json:"language,omitempty"`
}

// TraceResult is the serializable subset of a SubtaskResult a trace keeps.
type TraceResult struct {
	SubtaskIndex  int    `json:"subtask_index"`
	Description   string `json:"description"`
	Region        string `json:"region"`
	AgentID       string `json:"agent_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	CostTokens    int    `json:"cost_tokens"`
}

// TraceCollector records completed runs as training traces under
// paths.TracesDir, one JSON file per run named run_<run_id>.json.
type TraceCollector struct {
	dir string
}

// NewTraceCollector builds a TraceCollector rooted at p.TracesDir.
func NewTraceCollector(p paths.Paths) *TraceCollector {
	return &TraceCollector{dir: p.TracesDir}
}

// RecordRunInput bundles everything RecordRun needs beyond the result
// itself, since Go lacks Python's keyword-argument defaults.
type RecordRunInput struct {
	RunID                string
	UserIntent           string
	Workspace            string
	Result               types.OrchestratorResult
	Subtasks             []types.Subtask
	Assignments          []TraceAssignment
	WorkspaceTreeSummary string
	SymbolIndexSummary   string
	OrchestratorTokens   int
	DurationS            float64
}

// RecordRun saves a completed orchestration run as a training trace and
// returns the entry written.
func (c *TraceCollector) RecordRun(in RecordRunInput) (TraceEntry, error) {
	completed := 0
	for _, r := range in.Result.SubtaskResults {
		if r.Status == types.StatusCompleted {
			completed++
		}
	}
	total := len(in.Result.SubtaskResults)
	quality := 0.0
	if total > 0 {
		quality = float64(completed) / float64(total)
	}

	results := make([]TraceResult, 0, len(in.Result.SubtaskResults))
	for _, r := range in.Result.SubtaskResults {
		results = append(results, TraceResult{
			SubtaskIndex:  r.Index,
			Description:   r.Description,
			Region:        r.Region,
			AgentID:       r.AgentID,
			Status:        string(r.Status),
			FailureReason: r.FailureReason,
			CostTokens:    r.CostTokens,
		})
	}

	entry := TraceEntry{
		RunID:         in.RunID,
		Timestamp:     persistence.Now(),
		UserIntent:    in.UserIntent,
		Workspace:     in.Workspace,
		TreeSummary:   in.WorkspaceTreeSummary,
		SymbolSummary: in.SymbolIndexSummary,
		Subtasks:      in.Subtasks,
		Assignments:   in.Assignments,
		Results:       results,
		TotalTokens:   totalCostTokens(in.Result),
		OrchTokens:    in.OrchestratorTokens,
		DurationS:     in.DurationS,
		Quality:       quality,
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return TraceEntry{}, err
	}
	path := filepath.Join(c.dir, "run_"+in.RunID+".json")
	if err := paths.WriteFileAtomic(path, data, 0o644); err != nil {
		return TraceEntry{}, err
	}
	logging.Infof("training: saved trace %s (quality=%.2f) to %s", in.RunID, quality, path)
	return entry, nil
}

func totalCostTokens(result types.OrchestratorResult) int {
	total := 0
	for _, r := range result.SubtaskResults {
		total += r.CostTokens
	}
	return total
}

// LoadTraces loads every trace with quality >= minQuality.
func (c *TraceCollector) LoadTraces(minQuality float64) ([]TraceEntry, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "run_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []TraceEntry
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warnf("training: failed to read trace %s: %v", path, err)
			continue
		}
		var entry TraceEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			logging.Warnf("training: failed to parse trace %s: %v", path, err)
			continue
		}
		if entry.Quality >= minQuality {
			out = append(out, entry)
		}
	}
	logging.Infof("training: loaded %d traces (min_quality=%.2f) from %s", len(out), minQuality, c.dir)
	return out, nil
}

// CountTraces counts the trace files on disk.
func (c *TraceCollector) CountTraces() int {
	matches, _ := filepath.Glob(filepath.Join(c.dir, "run_*.json"))
	return len(matches)
}

// ClearTraces deletes every trace file, returning the count removed.
func (c *TraceCollector) ClearTraces() (int, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "run_*.json"))
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}
