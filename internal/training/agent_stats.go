// Package training collects execution traces and historical agent
// performance for offline oracle tuning. Grounded on
// original_source/core/agent/src/eisen_agent/training/agent_stats.py and
// training/collector.py, ported from a single JSON-file-per-concern
// design to the same shape in Go, using paths.WriteFileAtomic for the
// save path instead of pathlib's write_text.
package training

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/paths"
)

// minSamples is the minimum observation count before a performance entry
// is considered reliable enough to recommend.
const minSamples = 3

// AgentPerformance is the rolling success/cost profile of one
// (agent, task_type, language) combination.
type AgentPerformance struct {
	AgentType     string  `json:"agent_type"`
	TaskType      string  `json:"task_type"`
	Language      string  `json:"language"`
	SuccessRate   float64 `json:"success_rate"`
	AvgTokens     int     `json:"avg_tokens"`
	AvgDurationS  float64 `json:"avg_duration_s"`
	SampleCount   int     `json:"sample_count"`
	totalSuccess  int
	totalTokens   int
	totalDuration float64
}

func statsKey(agentType, taskType, language string) string {
	return agentType + "|" + taskType + "|" + language
}

// AgentStats persists and queries per-(agent,task_type,language) rolling
// performance, backing the assign oracle's "historical stats" input.
type AgentStats struct {
	path string
	data map[string]*AgentPerformance
}

// persistedEntry carries the private running totals alongside the public
// fields, so AgentStats.Save/Load round-trip without losing precision to
// repeated average recomputation.
type persistedEntry struct {
	AgentPerformance
	TotalSuccess  int     `json:"_total_successes"`
	TotalTokens   int     `json:"_total_tokens"`
	TotalDuration float64 `json:"_total_duration_s"`
}

// NewAgentStats loads persisted stats from p.AgentStatsFile, if present.
func NewAgentStats(p paths.Paths) *AgentStats {
	s := &AgentStats{path: p.AgentStatsFile, data: make(map[string]*AgentPerformance)}
	s.load()
	return s
}

func (s *AgentStats) load() {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		logging.Warnf("training: failed to read agent stats: %v", err)
		return
	}

	var raw map[string]persistedEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.Warnf("training: failed to parse agent stats: %v", err)
		return
	}
	for key, entry := range raw {
		perf := entry.AgentPerformance
		perf.totalSuccess = entry.TotalSuccess
		perf.totalTokens = entry.TotalTokens
		perf.totalDuration = entry.TotalDuration
		s.data[key] = &perf
	}
	logging.Infof("training: loaded %d agent stats from %s", len(s.data), s.path)
}

func (s *AgentStats) save() {
	raw := make(map[string]persistedEntry, len(s.data))
	for key, perf := range s.data {
		raw[key] = persistedEntry{
			AgentPerformance: *perf,
			TotalSuccess:     perf.totalSuccess,
			TotalTokens:      perf.totalTokens,
			TotalDuration:    perf.totalDuration,
		}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		logging.Warnf("training: failed to marshal agent stats: %v", err)
		return
	}
	if err := paths.WriteFileAtomic(s.path, data, 0o644); err != nil {
		logging.Warnf("training: failed to save agent stats: %v", err)
	}
}

// RecordOutcome updates the rolling stats for one agent run.
func (s *AgentStats) RecordOutcome(agentType, taskType, language string, success bool, tokens int, durationS float64) {
	key := statsKey(agentType, taskType, language)
	perf, ok := s.data[key]
	if !ok {
		perf = &AgentPerformance{AgentType: agentType, TaskType: taskType, Language: language}
		s.data[key] = perf
	}

	perf.SampleCount++
	perf.totalTokens += tokens
	perf.totalDuration += durationS
	if success {
		perf.totalSuccess++
	}

	perf.SuccessRate = float64(perf.totalSuccess) / float64(perf.SampleCount)
	perf.AvgTokens = perf.totalTokens / perf.SampleCount
	perf.AvgDurationS = perf.totalDuration / float64(perf.SampleCount)

	s.save()
}

// BestAgentFor returns the agent type with the highest success rate for
// task/language, or "" if no combination has reached minSamples.
func (s *AgentStats) BestAgentFor(taskType, language string) string {
	best := ""
	bestRate := -1.0
	for _, perf := range s.data {
		if perf.TaskType != taskType || perf.Language != language {
			continue
		}
		if perf.SampleCount < minSamples {
			continue
		}
		if perf.SuccessRate > bestRate {
			bestRate = perf.SuccessRate
			best = perf.AgentType
		}
	}
	return best
}

// GetPerformance returns the raw entry for one combination, or nil.
func (s *AgentStats) GetPerformance(agentType, taskType, language string) *AgentPerformance {
	return s.data[statsKey(agentType, taskType, language)]
}

// StatsSummary renders a human-readable summary for injection into the
// assign oracle's input.
func (s *AgentStats) StatsSummary(taskType, language string) string {
	var lines []string
	for _, perf := range s.data {
		if perf.TaskType != taskType || perf.Language != language || perf.SampleCount < 1 {
			continue
		}
		lines = append(lines, perf.AgentType)
	}
	if len(lines) == 0 {
		return ""
	}

	summary := "Historical agent performance:\n"
	for _, agentType := range lines {
		perf := s.data[statsKey(agentType, taskType, language)]
		summary += fmt.Sprintf("%s: %.0f%% success (%d runs, avg %d tokens)\n",
			perf.AgentType, perf.SuccessRate*100, perf.SampleCount, perf.AvgTokens)
	}
	return summary
}

// AllStats returns every recorded performance entry.
func (s *AgentStats) AllStats() []AgentPerformance {
	out := make([]AgentPerformance, 0, len(s.data))
	for _, perf := range s.data {
		out = append(out, *perf)
	}
	return out
}

// Clear wipes all stats, for tests.
func (s *AgentStats) Clear() {
	s.data = make(map[string]*AgentPerformance)
	os.Remove(s.path)
}
