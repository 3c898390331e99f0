// Package types holds the serialisable data-model records shared across the
// orchestrator's components: subtasks, assignments, results, and the
// ambient records (effort level, run config) threaded through construction.
package types

import (
	"time"

	"github.com/eisen-labs/eisen-agent/internal/lifecycle"
)

// EffortLevel gates how much region context and step-plan detail the
// prompt-build oracle is given.
type EffortLevel string

const (
	EffortLow    EffortLevel = "low"
	EffortMedium EffortLevel = "medium"
	EffortHigh   EffortLevel = "high"
)

// ParseEffortLevel validates a user-supplied effort string, defaulting to
// EffortMedium when empty.
func ParseEffortLevel(s string) (EffortLevel, bool) {
	switch EffortLevel(s) {
	case "":
		return EffortMedium, true
	case EffortLow, EffortMedium, EffortHigh:
		return EffortLevel(s), true
	default:
		return "", false
	}
}

// Subtask is a single region-scoped unit of work produced by the decompose
// oracle.
type Subtask struct {
	Description   string   `json:"description"`
	Region        string   `json:"region"`
	ExpectedFiles []string `json:"expected_files"`
	DependsOn     []int    `json:"depends_on"`
}

// AgentAssignment couples a Subtask with the agent chosen to execute it and
// the subtask's own lifecycle. The index is stable across the run.
type AgentAssignment struct {
	Index     int
	Subtask   Subtask
	AgentID   string
	Lifecycle *lifecycle.SubtaskLifecycle
}

// ResultStatus is the terminal classification of a subtask's execution.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
	StatusPartial   ResultStatus = "partial"
)

// SubtaskResult is produced by the evaluate oracle (or synthesized on
// failure) once a subtask worker finishes.
type SubtaskResult struct {
	Index          int          `json:"index"`
	Description    string       `json:"description"`
	Region         string       `json:"region"`
	AgentID        string       `json:"agent_id"`
	Status         ResultStatus `json:"status"`
	AgentOutput    string       `json:"agent_output"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	SuggestedRetry string       `json:"suggested_retry,omitempty"`
	CostTokens     int          `json:"cost_tokens"`
}

// OrchestratorResult aggregates a full run.
type OrchestratorResult struct {
	RunID          string          `json:"run_id"`
	Status         string          `json:"status"`
	SubtaskResults []SubtaskResult `json:"subtask_results"`
	EstimatedCost  float64         `json:"estimated_cost"`
	Duration       time.Duration   `json:"duration"`
}

// OrchestratorConfig is the ad-hoc-globals-avoidance record threaded through
// construction instead of reading from process-wide state.
type OrchestratorConfig struct {
	Workspace          string
	Effort             EffortLevel
	AutoApprove        bool
	MaxAgents          int
	Model              string
	ProxyBinaryPath    string
	SharedZonePatterns []string
	DataDir            string
}

// DefaultMaxAgents is the concurrency bound used when MaxAgents is unset.
const DefaultMaxAgents = 5
