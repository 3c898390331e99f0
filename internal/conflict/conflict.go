// Package conflict implements L6: the shared-file write-conflict detector,
// a cooperative per-path soft lock, and a pluggable conflict resolver.
// Grounded on original_source/core/agent/src/eisen_agent/conflict.py, ported
// from asyncio locks/events to sync.Mutex and channel-backed wait/release.
package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/logging"
)

// WriteRecord is one recorded write to a shared file by an agent.
type WriteRecord struct {
	AgentID     string
	FilePath    string
	TimestampMS int64
	Description string
}

// Conflict is materialised when a write arrives for a file already written
// by a different agent.
type Conflict struct {
	FilePath     string
	Writers      []string // insertion-ordered, deduplicated
	FirstWriter  string
	LatestWriter string
	Resolved     bool
	Resolution   string
}

// Detector keeps per-path write history and the conflicts it has observed.
type Detector struct {
	mu        sync.Mutex
	writeMap  map[string][]WriteRecord
	conflicts []*Conflict
}

// NewDetector returns an empty Detector.
func NewDetector() *Detector {
	return &Detector{writeMap: make(map[string][]WriteRecord)}
}

// RecordWrite appends a write and returns a *Conflict if and only if the
// file already had writes from some other agent; nil otherwise.
func (d *Detector) RecordWrite(agentID, filePath string, timestampMS int64, description string) *Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := d.writeMap[filePath]
	hasOtherWriter := false
	for _, r := range records {
		if r.AgentID != agentID {
			hasOtherWriter = true
			break
		}
	}

	records = append(records, WriteRecord{AgentID: agentID, FilePath: filePath, TimestampMS: timestampMS, Description: description})
	d.writeMap[filePath] = records

	if !hasOtherWriter {
		return nil
	}

	seen := make(map[string]bool)
	var allWriters []string
	for _, r := range records {
		if !seen[r.AgentID] {
			seen[r.AgentID] = true
			allWriters = append(allWriters, r.AgentID)
		}
	}

	c := &Conflict{
		FilePath:     filePath,
		Writers:      allWriters,
		FirstWriter:  records[0].AgentID,
		LatestWriter: agentID,
	}
	d.conflicts = append(d.conflicts, c)
	logging.Warnf("conflict detected on %s: writers=%v", filePath, allWriters)
	return c
}

// Conflicts returns a snapshot of every detected conflict.
func (d *Detector) Conflicts() []*Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conflict, len(d.conflicts))
	copy(out, d.conflicts)
	return out
}

// UnresolvedConflicts returns conflicts not yet marked resolved.
func (d *Detector) UnresolvedConflicts() []*Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Conflict
	for _, c := range d.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// Writers returns the deduplicated, insertion-ordered writer list for a
// file path.
func (d *Detector) Writers(filePath string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range d.writeMap[filePath] {
		if !seen[r.AgentID] {
			seen[r.AgentID] = true
			out = append(out, r.AgentID)
		}
	}
	return out
}

// Clear resets all tracking state.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeMap = make(map[string][]WriteRecord)
	d.conflicts = nil
}

// SoftLock is a per-path cooperative exclusion lock with reentrancy for the
// agent that already holds it. Modelled per Design Note §9 as a single
// outer mutex guarding a map of path -> (holder, waiters), rather than a
// map of per-path mutexes.
type SoftLock struct {
	mu      sync.Mutex
	holders map[string]string // file path -> holding agent id
	waiters map[string]chan struct{}
}

// NewSoftLock returns an empty SoftLock.
func NewSoftLock() *SoftLock {
	return &SoftLock{
		holders: make(map[string]string),
		waiters: make(map[string]chan struct{}),
	}
}

// Acquire returns true if no other agent holds the lock for filePath (or the
// caller already holds it).
func (l *SoftLock) Acquire(filePath, agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, held := l.holders[filePath]
	if !held || holder == agentID {
		l.holders[filePath] = agentID
		return true
	}
	return false
}

// WaitForRelease blocks until the lock on filePath is released or the
// timeout elapses, returning false on timeout.
func (l *SoftLock) WaitForRelease(filePath string, timeout time.Duration) bool {
	l.mu.Lock()
	if _, held := l.holders[filePath]; !held {
		l.mu.Unlock()
		return true
	}
	ch, ok := l.waiters[filePath]
	if !ok {
		ch = make(chan struct{})
		l.waiters[filePath] = ch
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release releases the lock on filePath if agentID holds it, waking any
// waiter.
func (l *SoftLock) Release(filePath, agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[filePath] != agentID {
		return
	}
	delete(l.holders, filePath)
	if ch, ok := l.waiters[filePath]; ok {
		close(ch)
		delete(l.waiters, filePath)
	}
}

// HeldLocks returns a snapshot of file path -> holding agent id.
func (l *SoftLock) HeldLocks() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.holders))
	for k, v := range l.holders {
		out[k] = v
	}
	return out
}

// Strategy names a conflict-resolution approach.
type Strategy string

const (
	StrategyLastWriteWins      Strategy = "lww"
	StrategyFirstWriteWins     Strategy = "fww"
	StrategyOrchestratorMerges Strategy = "merge"
	StrategyUserDecides        Strategy = "user"
)

// MergeRequest is the input to the external merge oracle.
type MergeRequest struct {
	FilePath          string
	AgentAChanges     string
	AgentBChanges     string
	FileContentBefore string
}

// MergeResponse is the output of the external merge oracle.
type MergeResponse struct {
	MergedContent   string
	ResolutionNotes string
}

// Merger is the external merge oracle: given two agents' conflicting
// changes to a file, produce a merged result. Failure falls back to
// last-write-wins.
type Merger interface {
	Merge(ctx context.Context, req MergeRequest) (MergeResponse, error)
}

// Resolver applies one of the four resolution strategies to a Conflict.
type Resolver struct {
	strategy Strategy
	merger   Merger
}

// NewResolver builds a Resolver for the given strategy. merger may be nil
// unless strategy is StrategyOrchestratorMerges.
func NewResolver(strategy Strategy, merger Merger) *Resolver {
	return &Resolver{strategy: strategy, merger: merger}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve applies the configured strategy to the conflict, mutating its
// Resolved/Resolution fields, and returns the resolved content or a
// description of the resolution.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict, agentAChanges, agentBChanges, fileContentBefore string) string {
	switch r.strategy {
	case StrategyLastWriteWins:
		c.Resolved = true
		c.Resolution = fmt.Sprintf("Last write wins: kept %s's changes", c.LatestWriter)
		return c.Resolution

	case StrategyFirstWriteWins:
		c.Resolved = true
		c.Resolution = fmt.Sprintf("First write wins: kept %s's changes", c.FirstWriter)
		return c.Resolution

	case StrategyOrchestratorMerges:
		return r.merge(ctx, c, agentAChanges, agentBChanges, fileContentBefore)

	case StrategyUserDecides:
		c.Resolution = "Awaiting user decision"
		return c.Resolution

	default:
		return "Unknown strategy"
	}
}

func (r *Resolver) merge(ctx context.Context, c *Conflict, agentAChanges, agentBChanges, fileContentBefore string) string {
	if agentAChanges == "" {
		agentAChanges = fmt.Sprintf("Changes by %s", c.FirstWriter)
	}
	if agentBChanges == "" {
		agentBChanges = fmt.Sprintf("Changes by %s", c.LatestWriter)
	}
	if fileContentBefore == "" {
		fileContentBefore = "(original content not available)"
	}

	if r.merger == nil {
		c.Resolved = true
		c.Resolution = "merge oracle unavailable, fell back to last-write-wins"
		return c.Resolution
	}

	resp, err := r.merger.Merge(ctx, MergeRequest{
		FilePath:          c.FilePath,
		AgentAChanges:     agentAChanges,
		AgentBChanges:     agentBChanges,
		FileContentBefore: fileContentBefore,
	})
	if err != nil {
		logging.Errorf("merge oracle failed for %s: %v", c.FilePath, err)
		c.Resolved = true
		c.Resolution = fmt.Sprintf("merge failed (%v), fell back to last-write-wins", err)
		return c.Resolution
	}

	c.Resolved = true
	c.Resolution = resp.ResolutionNotes
	return resp.MergedContent
}
