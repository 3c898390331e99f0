// Package persistence implements resumable run snapshots and
// cross-session context reuse under the per-user data directory resolved
// by internal/paths. Grounded on
// original_source/core/agent/src/eisen_agent/persistence.py
// (RunPersistence/RunState/SavedSubtask) and session_memory.py
// (SessionMemory/SessionContext), ported from pathlib.Path.write_text/
// glob to os.ReadFile/filepath.Glob plus paths.WriteFileAtomic for the
// atomic-write shared-resource policy.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/paths"
)

// SavedSubtask is the serializable form of a subtask plus its last known
// execution outcome, used to resume an interrupted run.
type SavedSubtask struct {
	Index          int      `json:"index"`
	Description    string   `json:"description"`
	Region         string   `json:"region"`
	ExpectedFiles  []string `json:"expected_files"`
	DependsOn      []int    `json:"depends_on"`
	AgentID        string   `json:"agent_id"`
	Status         string   `json:"status"` // pending|running|completed|failed|partial
	AgentOutput    string   `json:"agent_output"`
	FailureReason  string   `json:"failure_reason,omitempty"`
	SuggestedRetry string   `json:"suggested_retry,omitempty"`
	CostTokens     int      `json:"cost_tokens"`
}

// RunState is a resumable snapshot of an in-progress orchestration run.
type RunState struct {
	RunID       string         `json:"run_id"`
	UserIntent  string         `json:"user_intent"`
	Workspace   string         `json:"workspace"`
	Effort      string         `json:"effort"`
	AutoApprove bool           `json:"auto_approve"`
	MaxAgents   int            `json:"max_agents"`
	State       string         `json:"state"` // TaskState value
	Subtasks    []SavedSubtask `json:"subtasks"`
	TotalTokens int            `json:"total_tokens"`
	OrchTokens  int            `json:"orchestrator_tokens"`
	Timestamp   float64        `json:"timestamp"`
	CreatedAt   float64        `json:"created_at"`
}

// CompletedCount, FailedCount, PendingCount, IsResumable, and
// ProgressSummary mirror RunState's Python @property helpers.

func (r RunState) CompletedCount() int {
	n := 0
	for _, s := range r.Subtasks {
		if s.Status == "completed" {
			n++
		}
	}
	return n
}

func (r RunState) FailedCount() int {
	n := 0
	for _, s := range r.Subtasks {
		if s.Status == "failed" || s.Status == "partial" {
			n++
		}
	}
	return n
}

func (r RunState) PendingCount() int {
	n := 0
	for _, s := range r.Subtasks {
		if s.Status == "pending" || s.Status == "running" {
			n++
		}
	}
	return n
}

// IsResumable reports whether this run still has pending or failed
// subtasks worth retrying.
func (r RunState) IsResumable() bool {
	return r.PendingCount() > 0 || r.FailedCount() > 0
}

// ProgressSummary renders a short human-readable completion summary.
func (r RunState) ProgressSummary() string {
	return fmt.Sprintf("%d/%d done, %d failed, %d pending",
		r.CompletedCount(), len(r.Subtasks), r.FailedCount(), r.PendingCount())
}

// RunPersistence saves and restores orchestration run state under
// paths.RunsDir, one JSON file per run named run_<run_id>.json.
type RunPersistence struct {
	dir string
}

// NewRunPersistence builds a RunPersistence rooted at p.RunsDir.
func NewRunPersistence(p paths.Paths) *RunPersistence {
	return &RunPersistence{dir: p.RunsDir}
}

func (rp *RunPersistence) filePath(runID string) string {
	return filepath.Join(rp.dir, "run_"+runID+".json")
}

// Save persists run to disk, stamping Timestamp (and CreatedAt, if unset).
func (rp *RunPersistence) Save(run *RunState) error {
	run.Timestamp = float64(time.Now().Unix())
	if run.CreatedAt == 0 {
		run.CreatedAt = run.Timestamp
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	path := rp.filePath(run.RunID)
	if err := paths.WriteFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	logging.Infof("persistence: saved run %s (%s, %s) to %s", run.RunID, run.State, run.ProgressSummary(), path)
	return nil
}

// Load reads a saved run state, returning (nil, nil) if it does not exist.
func (rp *RunPersistence) Load(runID string) (*RunState, error) {
	data, err := os.ReadFile(rp.filePath(runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var run RunState
	if err := json.Unmarshal(data, &run); err != nil {
		logging.Warnf("persistence: failed to load run %s: %v", runID, err)
		return nil, err
	}
	return &run, nil
}

// ListResumable returns every saved run with pending or failed subtasks,
// most recent first.
func (rp *RunPersistence) ListResumable() ([]RunState, error) {
	all, err := rp.ListAll()
	if err != nil {
		return nil, err
	}
	var out []RunState
	for _, r := range all {
		if r.IsResumable() {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAll returns every saved run (including completed ones), most recent
// first.
func (rp *RunPersistence) ListAll() ([]RunState, error) {
	matches, err := filepath.Glob(filepath.Join(rp.dir, "run_*.json"))
	if err != nil {
		return nil, err
	}

	var out []RunState
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			logging.Warnf("persistence: failed to read run %s: %v", m, err)
			continue
		}
		var run RunState
		if err := json.Unmarshal(data, &run); err != nil {
			logging.Warnf("persistence: failed to parse run %s: %v", m, err)
			continue
		}
		out = append(out, run)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// Delete removes a completed/cancelled run's file. Returns false if it was
// already absent.
func (rp *RunPersistence) Delete(runID string) (bool, error) {
	path := rp.filePath(runID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	logging.Infof("persistence: deleted run %s", runID)
	return true, nil
}

// Clear deletes every run file, returning the count removed.
func (rp *RunPersistence) Clear() (int, error) {
	matches, err := filepath.Glob(filepath.Join(rp.dir, "run_*.json"))
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
