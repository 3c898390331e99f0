// Package cost implements the token-accounting ledger (L7): per-source,
// per-subtask, and per-region token bookkeeping plus a rough USD cost
// estimate and A2A-router savings tracking. Grounded on
// original_source/core/dspy/src/eisen_agent/cost.py, ported to an
// append-only, mutex-guarded Go struct (readers get consistent snapshots
// via summary methods).
package cost

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	SourceOrchestrator = "orchestrator"
	SourceA2ARouter    = "a2a_router"

	tokensPerSymbolHit = 3000
)

// costPer1MTokens holds rough per-model-family USD rates; unknown families
// fall back to "default".
var costPer1MTokens = map[string]float64{
	"default": 3.0,
	"claude":  3.0,
	"gpt-4":   10.0,
	"gemini":  1.25,
}

// Entry is one recorded token-usage event.
type Entry struct {
	Source      string
	TokensUsed  int
	Description string
	Subtask     string
	Region      string
}

// A2AStats tracks A2A router resolution statistics.
type A2AStats struct {
	SymbolTreeHits   int
	AgentQueries     int
	AgentQueryTokens int
	TotalResolutions int
}

// TokensSavedEstimate estimates tokens saved by free symbol-tree
// resolutions (each one avoids reading a whole file, ~3000 tokens).
func (s A2AStats) TokensSavedEstimate() int {
	return s.SymbolTreeHits * tokensPerSymbolHit
}

// Tracker accumulates token usage across orchestrator oracle calls and
// sub-agent sessions. Safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	entries    []Entry
	a2a        A2AStats
	agentUsage map[string]agentUsage
}

type agentUsage struct {
	used int
	size int
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{agentUsage: make(map[string]agentUsage)}
}

// Record appends a token-usage entry.
func (t *Tracker) Record(source string, tokens int, description, subtask, region string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Entry{Source: source, TokensUsed: tokens, Description: description, Subtask: subtask, Region: region})
}

// RecordAgentUsage records the raw usage payload from an agent's usage
// update (used/size, as reported by the sub-agent's own accounting).
func (t *Tracker) RecordAgentUsage(agentID string, used, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agentUsage[agentID] = agentUsage{used: used, size: size}
}

// RecordA2ASymbolHit records a zero-cost symbol-tree resolution.
func (t *Tracker) RecordA2ASymbolHit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.a2a.SymbolTreeHits++
	t.a2a.TotalResolutions++
}

// RecordA2AAgentQuery records an A2A resolution that consumed tokens via a
// live cross-agent query.
func (t *Tracker) RecordA2AAgentQuery(tokens int) {
	t.mu.Lock()
	t.a2a.AgentQueries++
	t.a2a.AgentQueryTokens += tokens
	t.a2a.TotalResolutions++
	t.entries = append(t.entries, Entry{Source: SourceA2ARouter, TokensUsed: tokens, Description: "agent-to-agent query"})
	t.mu.Unlock()
}

// TotalTokens returns the sum of every recorded entry.
func (t *Tracker) TotalTokens() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, e := range t.entries {
		total += e.TokensUsed
	}
	return total
}

// OrchestratorTokens returns tokens attributed to the orchestrator's own
// oracle calls.
func (t *Tracker) OrchestratorTokens() int {
	return t.sumBySource(func(s string) bool { return s == SourceOrchestrator })
}

// AgentTokens returns tokens attributed to sub-agent sessions (excluding
// orchestrator and A2A-router bookkeeping).
func (t *Tracker) AgentTokens() int {
	return t.sumBySource(func(s string) bool { return s != SourceOrchestrator && s != SourceA2ARouter })
}

func (t *Tracker) sumBySource(match func(string) bool) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, e := range t.entries {
		if match(e.Source) {
			total += e.TokensUsed
		}
	}
	return total
}

// A2AStatsSnapshot returns a snapshot of the A2A router statistics.
func (t *Tracker) A2AStatsSnapshot() A2AStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.a2a
}

// Breakdown returns per-source total tokens.
func (t *Tracker) Breakdown() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range t.entries {
		out[e.Source] += e.TokensUsed
	}
	return out
}

// AgentBreakdown is the per-agent slice of DetailedBreakdown.
type AgentBreakdown struct {
	Subtask    string
	Region     string
	TokensUsed int
	TokensSize int
	CostUSD    float64
}

// DetailedBreakdown is the full dashboard-rendering structure.
type DetailedBreakdown struct {
	OrchestratorBySource map[string]int
	OrchestratorTotal    int
	OrchestratorCostUSD  float64
	Agents               map[string]AgentBreakdown
	A2A                  A2AStats
	A2ATotalSavedTokens  int
	TotalTokens          int
	TotalCostUSD         float64
}

// DetailedBreakdown builds the full per-source/per-agent/per-A2A summary.
func (t *Tracker) DetailedBreakdown() DetailedBreakdown {
	t.mu.RLock()
	defer t.mu.RUnlock()

	orch := make(map[string]int)
	agents := make(map[string]AgentBreakdown)

	for _, e := range t.entries {
		switch {
		case e.Source == SourceOrchestrator:
			orch[e.Description] += e.TokensUsed
		case e.Source != SourceA2ARouter:
			ab := agents[e.Source]
			if ab.Subtask == "" {
				if e.Subtask != "" {
					ab.Subtask = e.Subtask
				} else {
					ab.Subtask = e.Description
				}
				ab.Region = e.Region
			}
			ab.TokensUsed += e.TokensUsed
			if u, ok := t.agentUsage[e.Source]; ok {
				ab.TokensSize = u.size
			}
			agents[e.Source] = ab
		}
	}

	for id, ab := range agents {
		ab.CostUSD = EstimateCost(ab.TokensUsed, "default")
		agents[id] = ab
	}

	orchTotal := 0
	for _, v := range orch {
		orchTotal += v
	}
	total := 0
	for _, e := range t.entries {
		total += e.TokensUsed
	}

	return DetailedBreakdown{
		OrchestratorBySource: orch,
		OrchestratorTotal:    orchTotal,
		OrchestratorCostUSD:  EstimateCost(orchTotal, "default"),
		Agents:               agents,
		A2A:                  t.a2a,
		A2ATotalSavedTokens:  t.a2a.TokensSavedEstimate(),
		TotalTokens:          total,
		TotalCostUSD:         EstimateCost(total, "default"),
	}
}

// FormatDashboard renders a human-readable cost table, matching the
// original's fixed-width column layout.
func (t *Tracker) FormatDashboard() string {
	b := t.DetailedBreakdown()
	var sb strings.Builder
	sb.WriteString("Cost Dashboard:\n")
	fmt.Fprintf(&sb, "%-14s %-20s %8s %8s\n", "Source", "Subtask", "Tokens", "Cost")
	sb.WriteString(strings.Repeat("-", 54) + "\n")

	descs := make([]string, 0, len(b.OrchestratorBySource))
	for d := range b.OrchestratorBySource {
		descs = append(descs, d)
	}
	sort.Strings(descs)
	for _, d := range descs {
		tokens := b.OrchestratorBySource[d]
		fmt.Fprintf(&sb, "%-14s %-20s %8d $%6.3f\n", "orchestr.", "("+d+")", tokens, EstimateCost(tokens, "default"))
	}

	ids := make([]string, 0, len(b.Agents))
	for id := range b.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		data := b.Agents[id]
		subtaskStr := truncate(data.Subtask, 18)
		if data.Region != "" {
			subtaskStr = fmt.Sprintf("%s (%s)", subtaskStr, data.Region)
		}
		subtaskStr = truncate(subtaskStr, 20)
		fmt.Fprintf(&sb, "%-14s %-20s %8d $%6.3f\n", truncate(id, 14), subtaskStr, data.TokensUsed, data.CostUSD)
	}

	if b.A2A.SymbolTreeHits > 0 {
		label := fmt.Sprintf("(%d sym queries)", b.A2A.SymbolTreeHits)
		fmt.Fprintf(&sb, "%-14s %-20s %8s $%6s\n", "A2A router", label, "0", "0.000")
	}
	if b.A2A.AgentQueries > 0 {
		label := fmt.Sprintf("(%d agent query)", b.A2A.AgentQueries)
		fmt.Fprintf(&sb, "%-14s %-20s %8d $%6.3f\n", "A2A router", label, b.A2A.AgentQueryTokens, EstimateCost(b.A2A.AgentQueryTokens, "default"))
	}

	sb.WriteString(strings.Repeat("-", 54) + "\n")
	fmt.Fprintf(&sb, "%-14s %-20s %8d $%6.3f\n", "TOTAL", "", b.TotalTokens, b.TotalCostUSD)

	if b.A2ATotalSavedTokens > 0 {
		fmt.Fprintf(&sb, "\nA2A Savings: ~%d tokens saved by symbol tree resolution\n", b.A2ATotalSavedTokens)
	}

	return sb.String()
}

// Summary renders the short, backward-compatible cost summary.
func (t *Tracker) Summary() string {
	var sb strings.Builder
	sb.WriteString("Cost Summary:\n")
	fmt.Fprintf(&sb, "  Orchestrator: %d tokens\n", t.OrchestratorTokens())
	for source, tokens := range t.Breakdown() {
		if source != SourceOrchestrator && source != SourceA2ARouter {
			fmt.Fprintf(&sb, "  %s: %d tokens\n", source, tokens)
		}
	}
	a2a := t.A2AStatsSnapshot()
	if a2a.TotalResolutions > 0 {
		fmt.Fprintf(&sb, "  A2A Router: %d tokens (%d free, %d agent queries)\n", a2a.AgentQueryTokens, a2a.SymbolTreeHits, a2a.AgentQueries)
	}
	total := t.TotalTokens()
	fmt.Fprintf(&sb, "  Total: %d tokens\n", total)
	if c := EstimateCost(total, "default"); c > 0 {
		fmt.Fprintf(&sb, "  Estimated cost: $%.3f\n", c)
	}
	return sb.String()
}

// EstimateCost estimates USD cost for a token count under a model family.
func EstimateCost(tokens int, modelFamily string) float64 {
	rate, ok := costPer1MTokens[modelFamily]
	if !ok {
		rate = costPer1MTokens["default"]
	}
	return (float64(tokens) / 1_000_000) * rate
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
