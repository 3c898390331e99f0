// Package orchestrator implements L9: the driver that ties every other
// layer together -- decompose, assign, confirm, schedule, execute,
// evaluate, retry, resume, and record. Grounded on
// original_source/core/dspy/src/eisen_agent/orchestrator.py, ported from
// a single asyncio class with DSPy-compiled modules as private attributes
// into a Go struct built once at construction time from explicit
// collaborators (Design Note §9's "ad-hoc globals avoidance").
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eisen-labs/eisen-agent/internal/conflict"
	"github.com/eisen-labs/eisen-agent/internal/cost"
	"github.com/eisen-labs/eisen-agent/internal/lifecycle"
	"github.com/eisen-labs/eisen-agent/internal/listener"
	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/oracle"
	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/persistence"
	"github.com/eisen-labs/eisen-agent/internal/registry"
	"github.com/eisen-labs/eisen-agent/internal/router"
	"github.com/eisen-labs/eisen-agent/internal/scheduler"
	"github.com/eisen-labs/eisen-agent/internal/session"
	"github.com/eisen-labs/eisen-agent/internal/training"
	"github.com/eisen-labs/eisen-agent/internal/types"
	"github.com/eisen-labs/eisen-agent/internal/workspacectx"
	"github.com/eisen-labs/eisen-agent/internal/zones"
)

// overridePatterns extract explicit agent-to-region assignments from user
// intent, e.g. "use claude for /ui", "@codex /core", "assign gemini to
// /extension".
var overridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)use\s+([\w-]+)\s+for\s+(/\S+)`),
	regexp.MustCompile(`@([\w-]+)\s+(/\S+)`),
	regexp.MustCompile(`(?i)assign\s+([\w-]+)\s+to\s+(/\S+)`),
}

// parseUserOverrides returns region -> agent id for every recognized
// override in intent.
func parseUserOverrides(intent string) map[string]string {
	overrides := make(map[string]string)
	for _, pattern := range overridePatterns {
		for _, m := range pattern.FindAllStringSubmatch(intent, -1) {
			name, region := m[1], m[2]
			if canonical, ok := registry.ResolveAlias(name); ok {
				overrides[region] = canonical
			}
		}
	}
	return overrides
}

// ConfirmFunc renders the proposed plan to the user and returns whether
// they approved it.
type ConfirmFunc func(assignments []types.AgentAssignment, reg *registry.Registry) bool

// ConfirmStdin is the default ConfirmFunc: prints the plan and reads a
// y/n answer from stdin.
func ConfirmStdin(assignments []types.AgentAssignment, reg *registry.Registry) bool {
	fmt.Println("\nTask Decomposition:")
	fmt.Println()
	for _, a := range assignments {
		agentName := a.AgentID
		if p, ok := reg.Resolve(a.AgentID); ok {
			agentName = p.Name
		}
		depsStr := ""
		if len(a.Subtask.DependsOn) > 0 {
			parts := make([]string, len(a.Subtask.DependsOn))
			for i, d := range a.Subtask.DependsOn {
				parts[i] = fmt.Sprintf("%d", d+1)
			}
			depsStr = fmt.Sprintf(" (depends on: %s)", strings.Join(parts, ", "))
		}
		fmt.Printf("  Subtask %d: %s%s\n", a.Index+1, a.Subtask.Description, depsStr)
		fmt.Printf("    Region:  %s\n", a.Subtask.Region)
		fmt.Printf("    Agent:   %s\n", agentName)
		if len(a.Subtask.ExpectedFiles) > 0 {
			fmt.Printf("    Files:   %s\n", strings.Join(a.Subtask.ExpectedFiles, ", "))
		}
		fmt.Println()
	}

	fmt.Print("Proceed? [y/n]: ")
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// Orchestrator ties every layer of decompose/assign/execute/merge together
// for one workspace.
type Orchestrator struct {
	cfg      types.OrchestratorConfig
	registry *registry.Registry
	oracles  oracle.Oracles
	paths    paths.Paths
	confirm  ConfirmFunc

	ctxBuilder *workspacectx.Builder

	Cost             *cost.Tracker
	Lifecycle        *lifecycle.TaskLifecycle
	Router           *router.Router
	Listener         *listener.Listener
	ConflictDetector *conflict.Detector
	ConflictResolver *conflict.Resolver
	SoftLock         *conflict.SoftLock

	zoneConfig zones.SharedZoneConfig

	traces         *training.TraceCollector
	agentStats     *training.AgentStats
	sessionMemory  *persistence.SessionMemory
	runPersistence *persistence.RunPersistence

	mu        sync.Mutex
	sessions  map[string]*session.Session
	regionMap map[string]string

	runID       string
	runStart    time.Time
	userIntent  string
	assignments []types.AgentAssignment
	results     []types.SubtaskResult

	// pendingWorkspaceTree/pendingSymbolIndexSummary cache the workspace
	// snapshot Plan built, so a later Execute call can pass it on to
	// saveRunState/recordTrace without re-walking the tree between a host
	// editor's plan and approve messages.
	pendingWorkspaceTree      string
	pendingSymbolIndexSummary string

	// OnAgentTCP, if set, is called whenever a subtask session announces a
	// blocked-access proxy port, letting a host driver (see internal/extproto)
	// forward an "agent_tcp" frame without the orchestrator importing it.
	OnAgentTCP func(agentID, agentType string, tcpPort int)
}

// New builds an Orchestrator. symbolIndex may be nil (no zero-cost symbol
// resolution available); confirm may be nil (defaults to ConfirmStdin).
func New(
	cfg types.OrchestratorConfig,
	reg *registry.Registry,
	oracles oracle.Oracles,
	p paths.Paths,
	symbolIndex workspacectx.SymbolIndex,
	strategy conflict.Strategy,
	confirm ConfirmFunc,
) *Orchestrator {
	if confirm == nil {
		confirm = ConfirmStdin
	}

	var symOracle router.SymbolOracle
	if symbolIndex != nil {
		symOracle = symbolIndex
	}

	zoneConfig := zones.FromWorkspace(cfg.Workspace)
	zoneConfig.CustomPatterns = append(zoneConfig.CustomPatterns, cfg.SharedZonePatterns...)

	o := &Orchestrator{
		cfg:              cfg,
		registry:         reg,
		oracles:          oracles,
		paths:            p,
		confirm:          confirm,
		ctxBuilder:       workspacectx.New(cfg.Workspace, symbolIndex),
		Cost:             cost.New(),
		Lifecycle:        lifecycle.NewTaskLifecycle(),
		Router:           router.New(cfg.Workspace, symOracle),
		ConflictDetector: conflict.NewDetector(),
		ConflictResolver: conflict.NewResolver(strategy, conflictMerger(oracles.Merger)),
		SoftLock:         conflict.NewSoftLock(),
		zoneConfig:       zoneConfig,
		traces:           training.NewTraceCollector(p),
		agentStats:       training.NewAgentStats(p),
		sessionMemory:    persistence.NewSessionMemory(p),
		runPersistence:   persistence.NewRunPersistence(p),
		sessions:         make(map[string]*session.Session),
		regionMap:        make(map[string]string),
	}
	o.Listener = listener.New(a2aResolver{o: o})
	return o
}

func conflictMerger(m oracle.Merger) conflict.Merger {
	if m == nil {
		return nil
	}
	return oracle.AsConflictMerger(m)
}

// a2aResolver adapts Orchestrator into listener.Resolver while recording
// A2A cost statistics around every resolution.
type a2aResolver struct{ o *Orchestrator }

func (a a2aResolver) Resolve(ctx context.Context, requestingAgent, symbolName, queryContext string) string {
	return a.o.resolveA2A(ctx, requestingAgent, symbolName, queryContext)
}

func (o *Orchestrator) resolveA2A(ctx context.Context, requestingAgent, symbolName, queryContext string) string {
	cacheBefore := o.Router.CacheSize()
	result := o.Router.Resolve(ctx, requestingAgent, symbolName, queryContext)
	if strings.Contains(result, "not found in workspace symbol tree") {
		return result
	}
	if o.Router.CacheSize() > cacheBefore {
		o.Cost.RecordA2ASymbolHit()
	} else {
		o.Cost.RecordA2AAgentQuery(estimateTokens(result))
	}
	return result
}

// estimateTokens roughly approximates a response's token count from its
// character length, since the router doesn't carry a real usage count for
// agent-to-agent queries.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// State returns the run-level lifecycle state.
func (o *Orchestrator) State() lifecycle.TaskState {
	return o.Lifecycle.State()
}

// Assignments returns a snapshot of the current run's assignments.
func (o *Orchestrator) Assignments() []types.AgentAssignment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.AgentAssignment, len(o.assignments))
	copy(out, o.assignments)
	return out
}

// Results returns a snapshot of the current run's results.
func (o *Orchestrator) Results() []types.SubtaskResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.SubtaskResult, len(o.results))
	copy(out, o.results)
	return out
}

// RunID returns the active (or most recently completed) run's id.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// PlanResult is a decomposed, agent-assigned plan awaiting a confirm or
// cancel decision before any subtask executes.
type PlanResult struct {
	RunID         string
	Assignments   []types.AgentAssignment
	EstimatedCost float64
}

// Plan decomposes userIntent into region-scoped subtasks, assigns an agent
// to each, and transitions the run through decomposing into confirming --
// stopping short of spawning any subtask. Execute must follow, with the
// confirm/cancel decision the caller collected, to either run the plan or
// abandon it.
func (o *Orchestrator) Plan(ctx context.Context, userIntent string) (PlanResult, error) {
	o.runStart = time.Now()
	o.userIntent = userIntent
	o.runID = uuid.New().String()[:8]

	prevContexts, err := o.sessionMemory.LoadRelevantContext(userIntent, o.cfg.Workspace, 0.2, 3)
	if err != nil {
		logging.Warnf("orchestrator: failed to load previous session context: %v", err)
	}

	if err := o.Lifecycle.Transition(lifecycle.TaskDecomposing); err != nil {
		return PlanResult{}, err
	}
	workspaceTree := o.ctxBuilder.WorkspaceTree()
	symbolIndexSummary := o.ctxBuilder.SymbolIndexSummary(ctx)
	overrides := parseUserOverrides(userIntent)

	decomposeIntent := userIntent
	if len(prevContexts) > 0 {
		var lines []string
		for _, c := range prevContexts {
			total := 0
			for _, files := range c.ModifiedFiles {
				total += len(files)
			}
			lines = append(lines, fmt.Sprintf("- Previous task '%.60s' modified %d files", c.UserIntent, total))
		}
		decomposeIntent = fmt.Sprintf("%s\n\nPrevious related work:\n%s", userIntent, strings.Join(lines, "\n"))
	}

	subtasks, err := o.decompose(ctx, decomposeIntent, workspaceTree, symbolIndexSummary)
	if err != nil {
		return PlanResult{}, fmt.Errorf("decompose failed: %w", err)
	}

	if err := o.validateConfiguration(subtasks, overrides); err != nil {
		return PlanResult{}, err
	}

	agentIDs, err := o.assignAgents(ctx, subtasks, overrides)
	if err != nil {
		return PlanResult{}, fmt.Errorf("assign agents failed: %w", err)
	}

	assignments := make([]types.AgentAssignment, len(subtasks))
	for i, subtask := range subtasks {
		assignments[i] = types.AgentAssignment{
			Index:     i,
			Subtask:   subtask,
			AgentID:   agentIDs[i],
			Lifecycle: lifecycle.NewSubtaskLifecycle(),
		}
	}
	o.mu.Lock()
	o.assignments = assignments
	o.pendingWorkspaceTree = workspaceTree
	o.pendingSymbolIndexSummary = symbolIndexSummary
	o.mu.Unlock()

	if err := o.Lifecycle.Transition(lifecycle.TaskConfirming); err != nil {
		return PlanResult{}, err
	}

	return PlanResult{
		RunID:         o.runID,
		Assignments:   assignments,
		EstimatedCost: cost.EstimateCost(o.Cost.TotalTokens(), "default"),
	}, nil
}

// Execute follows a prior Plan call: approved false cancels the pending
// plan, approved true spawns every assignment and runs it to completion.
// Calling Execute without a plan awaiting confirmation is an error.
func (o *Orchestrator) Execute(ctx context.Context, approved bool) (types.OrchestratorResult, error) {
	if o.Lifecycle.State() != lifecycle.TaskConfirming {
		return types.OrchestratorResult{}, fmt.Errorf("orchestrator: Execute called with no plan awaiting confirmation (state=%s)", o.Lifecycle.State())
	}
	if !approved {
		if err := o.Lifecycle.Transition(lifecycle.TaskCancelled); err != nil {
			return types.OrchestratorResult{}, err
		}
		return types.OrchestratorResult{RunID: o.runID, Status: "cancelled"}, nil
	}

	assignments := o.Assignments()
	o.mu.Lock()
	workspaceTree, symbolIndexSummary := o.pendingWorkspaceTree, o.pendingSymbolIndexSummary
	o.mu.Unlock()

	o.saveRunState("spawning", workspaceTree, symbolIndexSummary)

	if err := o.Lifecycle.Transition(lifecycle.TaskSpawning); err != nil {
		return types.OrchestratorResult{}, err
	}
	if err := o.Lifecycle.Transition(lifecycle.TaskRunning); err != nil {
		return types.OrchestratorResult{}, err
	}

	results := scheduler.RunBatches(ctx, assignments, o.cfg.MaxAgents, o.executeSubtask)
	o.mu.Lock()
	o.results = results
	o.mu.Unlock()

	if err := o.finishRun(results); err != nil {
		return types.OrchestratorResult{}, err
	}

	result := o.buildResult(results)
	o.recordTrace(result, workspaceTree, symbolIndexSummary)
	o.recordAgentStats(assignments, results)
	o.saveSessionContext(result)
	o.saveRunState(result.Status, workspaceTree, symbolIndexSummary)

	return result, nil
}

// Run plans userIntent then, unless auto-approve is configured, confirms
// the plan via confirm before executing it. This is the interactive/MCP
// entry point; an extension-driven run calls Plan and Execute directly
// instead, so a host editor can gate execution on its own approve message
// (see internal/extproto) rather than on this synchronous callback.
func (o *Orchestrator) Run(ctx context.Context, userIntent string) (types.OrchestratorResult, error) {
	plan, err := o.Plan(ctx, userIntent)
	if err != nil {
		return types.OrchestratorResult{}, err
	}

	approved := o.cfg.AutoApprove || o.confirm(plan.Assignments, o.registry)
	return o.Execute(ctx, approved)
}

// validateConfiguration checks that everything a run needs to spawn at
// least one child is in place, before any subtask begins executing --
// configuration errors abort the whole run, never a single subtask.
func (o *Orchestrator) validateConfiguration(subtasks []types.Subtask, overrides map[string]string) error {
	if o.cfg.ProxyBinaryPath == "" {
		return fmt.Errorf("configuration error: no file-access proxy binary configured")
	}
	for region, agentID := range overrides {
		if _, ok := o.registry.Resolve(agentID); !ok {
			return fmt.Errorf("configuration error: override agent %q for region %q is not a known agent", agentID, region)
		}
	}
	return nil
}

func (o *Orchestrator) finishRun(results []types.SubtaskResult) error {
	if allCompleted(results) {
		return o.Lifecycle.Transition(lifecycle.TaskCompleted)
	}
	return o.Lifecycle.Transition(lifecycle.TaskDone)
}

func allCompleted(results []types.SubtaskResult) bool {
	for _, r := range results {
		if r.Status != types.StatusCompleted {
			return false
		}
	}
	return true
}

// RetryFailed re-executes every assignment whose lifecycle is in
// failed|partial, merging results back into the full results list by
// index. Only valid when the run lifecycle is in TaskDone.
func (o *Orchestrator) RetryFailed(ctx context.Context) (types.OrchestratorResult, error) {
	if o.Lifecycle.State() != lifecycle.TaskDone {
		return types.OrchestratorResult{}, &lifecycle.InvalidTransitionError{From: string(o.Lifecycle.State()), To: string(lifecycle.TaskRetrying), Kind: "task"}
	}
	if err := o.Lifecycle.Transition(lifecycle.TaskRetrying); err != nil {
		return types.OrchestratorResult{}, err
	}

	o.mu.Lock()
	assignments := o.assignments
	o.mu.Unlock()

	var failedAssignments []types.AgentAssignment
	for _, a := range assignments {
		switch a.Lifecycle.State() {
		case lifecycle.SubtaskFailed, lifecycle.SubtaskPartial:
			if err := a.Lifecycle.Transition(lifecycle.SubtaskRetrying); err != nil {
				logging.Warnf("orchestrator: could not transition subtask %d to retrying: %v", a.Index, err)
				continue
			}
			failedAssignments = append(failedAssignments, a)
		}
	}

	if err := o.Lifecycle.Transition(lifecycle.TaskRunning); err != nil {
		return types.OrchestratorResult{}, err
	}

	retryResults := scheduler.RunBatches(ctx, failedAssignments, o.cfg.MaxAgents, o.executeSubtask)

	o.mu.Lock()
	for _, r := range retryResults {
		if r.Index >= 0 && r.Index < len(o.results) {
			o.results[r.Index] = r
		}
	}
	results := append([]types.SubtaskResult(nil), o.results...)
	o.mu.Unlock()

	if err := o.finishRun(results); err != nil {
		return types.OrchestratorResult{}, err
	}

	return o.buildResult(results), nil
}

// ResumeRun replays a persisted run: rebuilds assignments, fills in
// already-finished results, and schedules only subtasks whose saved status
// is still pending, running, failed, or partial.
func (o *Orchestrator) ResumeRun(ctx context.Context, saved persistence.RunState) (types.OrchestratorResult, error) {
	o.runID = saved.RunID
	o.runStart = time.Now()
	o.userIntent = saved.UserIntent

	assignments := make([]types.AgentAssignment, len(saved.Subtasks))
	results := make([]types.SubtaskResult, len(saved.Subtasks))
	var resumeAssignments []types.AgentAssignment

	for i, s := range saved.Subtasks {
		assignments[i] = types.AgentAssignment{
			Index: s.Index,
			Subtask: types.Subtask{
				Description:   s.Description,
				Region:        s.Region,
				ExpectedFiles: s.ExpectedFiles,
				DependsOn:     s.DependsOn,
			},
			AgentID:   s.AgentID,
			Lifecycle: lifecycle.NewSubtaskLifecycle(),
		}
		results[i] = types.SubtaskResult{
			Index:          s.Index,
			Description:    s.Description,
			Region:         s.Region,
			AgentID:        s.AgentID,
			Status:         types.ResultStatus(s.Status),
			AgentOutput:    s.AgentOutput,
			FailureReason:  s.FailureReason,
			SuggestedRetry: s.SuggestedRetry,
			CostTokens:     s.CostTokens,
		}

		switch s.Status {
		case "pending", "running", "failed", "partial":
			resumeAssignments = append(resumeAssignments, assignments[i])
		}
	}

	o.mu.Lock()
	o.assignments = assignments
	o.results = results
	o.mu.Unlock()

	if len(resumeAssignments) == 0 {
		logging.Infof("orchestrator: no subtasks to resume for run %s -- all completed", saved.RunID)
		return o.buildResult(results), nil
	}
	logging.Infof("orchestrator: resuming run %s: %d subtask(s) to (re-)execute", saved.RunID, len(resumeAssignments))

	for _, t := range []lifecycle.TaskState{lifecycle.TaskDecomposing, lifecycle.TaskConfirming, lifecycle.TaskSpawning, lifecycle.TaskRunning} {
		if err := o.Lifecycle.Transition(t); err != nil {
			return types.OrchestratorResult{}, err
		}
	}

	resumeResults := scheduler.RunBatches(ctx, resumeAssignments, o.cfg.MaxAgents, o.executeSubtask)

	o.mu.Lock()
	for _, r := range resumeResults {
		if r.Index >= 0 && r.Index < len(o.results) {
			o.results[r.Index] = r
		}
	}
	finalResults := append([]types.SubtaskResult(nil), o.results...)
	o.mu.Unlock()

	if err := o.finishRun(finalResults); err != nil {
		return types.OrchestratorResult{}, err
	}

	result := o.buildResult(finalResults)
	o.recordTrace(result, "", "")
	o.recordAgentStats(assignments, finalResults)
	o.saveRunState(result.Status, "", "")
	return result, nil
}

// executeSubtask spawns a session, streams a guided prompt, and evaluates
// the outcome for one assignment. Implements scheduler.Executor.
func (o *Orchestrator) executeSubtask(ctx context.Context, assignment types.AgentAssignment) (types.SubtaskResult, error) {
	index := assignment.Index
	subtask := assignment.Subtask
	agentID := assignment.AgentID
	subtaskLifecycle := assignment.Lifecycle

	if err := subtaskLifecycle.Transition(lifecycle.SubtaskRunning); err != nil {
		return types.SubtaskResult{}, err
	}

	profile, ok := o.registry.Resolve(agentID)
	if !ok {
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskFailed)
		return types.SubtaskResult{
			Index:         index,
			Description:   subtask.Description,
			Region:        subtask.Region,
			AgentID:       agentID,
			Status:        types.StatusFailed,
			FailureReason: fmt.Sprintf("Agent '%s' not found in registry", agentID),
		}, nil
	}

	knownRegions := o.knownRegions()
	regionContext := o.ctxBuilder.BuildRegionContext(subtask.Region, o.cfg.Effort, knownRegions)

	failureContext := ""
	if subtaskLifecycle.RetryCount() > 0 {
		if prev := o.priorResult(index); prev != nil && prev.FailureReason != "" {
			suggested := prev.SuggestedRetry
			if suggested == "" {
				suggested = "Try a different approach."
			}
			failureContext = fmt.Sprintf("\n\nPREVIOUS ATTEMPT FAILED: %s\nSuggested approach: %s\n", prev.FailureReason, suggested)
		}
	}

	promptText, err := o.buildPrompt(ctx, subtask, regionContext)
	if err != nil {
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskFailed)
		return types.SubtaskResult{
			Index:         index,
			Description:   subtask.Description,
			Region:        subtask.Region,
			AgentID:       agentID,
			Status:        types.StatusFailed,
			FailureReason: fmt.Sprintf("prompt-build oracle failed: %v", err),
		}, nil
	}
	if failureContext != "" {
		promptText = failureContext + "\n" + promptText
	}

	instanceID := fmt.Sprintf("%s-%d", agentID, index)
	if resolution, ok := o.Listener.TakeResolution(instanceID); ok {
		promptText = resolution + "\n" + promptText
	}

	sess := session.New(o.cfg.ProxyBinaryPath, instanceID, profile.Command, profile.Args, o.cfg.Workspace)

	zonePatterns := append([]string{subtask.Region + "/**"}, o.zoneConfig.GetAllPatterns()...)

	o.mu.Lock()
	o.sessions[instanceID] = sess
	o.regionMap[subtask.Region] = instanceID
	o.mu.Unlock()
	o.Router.RegisterAgent(subtask.Region, instanceID, sess)

	defer func() {
		o.Listener.StopListening(instanceID)
		_ = sess.Kill()
		o.mu.Lock()
		delete(o.sessions, instanceID)
		if o.regionMap[subtask.Region] == instanceID {
			delete(o.regionMap, subtask.Region)
		}
		o.mu.Unlock()
		o.Router.UnregisterAgent(instanceID)
	}()

	var output strings.Builder
	subtaskTokens := 0

	if err := sess.Start(ctx, zonePatterns, nil); err != nil {
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskFailed)
		return types.SubtaskResult{
			Index:         index,
			Description:   subtask.Description,
			Region:        subtask.Region,
			AgentID:       agentID,
			Status:        types.StatusFailed,
			FailureReason: err.Error(),
		}, nil
	}
	if err := sess.Initialize(ctx); err != nil {
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskFailed)
		return types.SubtaskResult{
			Index:         index,
			Description:   subtask.Description,
			Region:        subtask.Region,
			AgentID:       agentID,
			Status:        types.StatusFailed,
			FailureReason: err.Error(),
		}, nil
	}
	if _, err := sess.NewSession(ctx); err != nil {
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskFailed)
		return types.SubtaskResult{
			Index:         index,
			Description:   subtask.Description,
			Region:        subtask.Region,
			AgentID:       agentID,
			Status:        types.StatusFailed,
			FailureReason: err.Error(),
		}, nil
	}

	if tcpPort := sess.TCPPort(); tcpPort != 0 {
		o.Listener.StartListening(ctx, instanceID, tcpPort)
		if o.OnAgentTCP != nil {
			o.OnAgentTCP(agentID, profile.Command, tcpPort)
		}
	}

	for update := range sess.Prompt(ctx, promptText) {
		switch update.Kind {
		case session.UpdateText:
			output.WriteString(update.Text)
			fmt.Print(update.Text)
		case session.UpdateUsage:
			tokens := usageTokens(update.Raw)
			if tokens > 0 {
				subtaskTokens += tokens
				o.Cost.Record(agentID, tokens, subtask.Description, subtask.Description, subtask.Region)
			}
		case session.UpdateDone:
			logging.Infof("subtask %d agent done: %s", index+1, update.Text)
		case session.UpdateError:
			logging.Errorf("subtask %d error: %s", index+1, update.Text)
		}
	}
	fmt.Println()

	agentOutput := output.String()
	result, err := o.evaluate(ctx, index, subtask, agentID, agentOutput)
	if err != nil {
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskFailed)
		return types.SubtaskResult{
			Index:         index,
			Description:   subtask.Description,
			Region:        subtask.Region,
			AgentID:       agentID,
			Status:        types.StatusFailed,
			AgentOutput:   agentOutput,
			FailureReason: fmt.Sprintf("evaluate oracle failed: %v", err),
			CostTokens:    subtaskTokens,
		}, nil
	}
	result.CostTokens = subtaskTokens

	switch result.Status {
	case types.StatusCompleted:
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskCompleted)
	case types.StatusPartial:
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskPartial)
	default:
		_ = subtaskLifecycle.Transition(lifecycle.SubtaskFailed)
	}

	return result, nil
}

func usageTokens(raw map[string]any) int {
	usage, ok := raw["usage"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := usage["used"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (o *Orchestrator) knownRegions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.assignments))
	for _, a := range o.assignments {
		out = append(out, a.Subtask.Region)
	}
	return out
}

func (o *Orchestrator) priorResult(index int) *types.SubtaskResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.results {
		if o.results[i].Index == index {
			return &o.results[i]
		}
	}
	return nil
}

func (o *Orchestrator) decompose(ctx context.Context, intent, workspaceTree, symbolIndex string) ([]types.Subtask, error) {
	resp, err := o.oracles.Decomposer.Decompose(ctx, oracle.DecomposeRequest{
		UserIntent:    intent,
		WorkspaceTree: workspaceTree,
		SymbolIndex:   symbolIndex,
	})
	if err != nil {
		return nil, err
	}
	o.Cost.Record(cost.SourceOrchestrator, 0, "TaskDecompose", "", "")

	subtasks := make([]types.Subtask, 0, len(resp.Subtasks))
	for _, raw := range resp.Subtasks {
		region := raw.Region
		if region == "" {
			region = "."
		}
		subtasks = append(subtasks, types.Subtask{
			Description:   raw.Description,
			Region:        region,
			ExpectedFiles: raw.ExpectedFiles,
			DependsOn:     dropInvalidDeps(raw.DependsOn, len(resp.Subtasks)),
		})
	}
	logging.Infof("orchestrator: decomposed into %d subtasks: %s", len(subtasks), resp.Reasoning)
	return subtasks, nil
}

// dropInvalidDeps keeps only depends_on indices that fall within range,
// discarding anything out of bounds (the LLM may hallucinate an index).
func dropInvalidDeps(deps []int, total int) []int {
	var out []int
	for _, d := range deps {
		if d >= 0 && d < total {
			out = append(out, d)
		}
	}
	return out
}

func (o *Orchestrator) assignAgents(ctx context.Context, subtasks []types.Subtask, overrides map[string]string) ([]string, error) {
	available := o.registry.AvailableProfiles()
	if len(available) == 0 {
		available = o.registry.All()
		if len(available) > 3 {
			available = available[:3]
		}
	}
	type agentJSON struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	agentsList := make([]agentJSON, len(available))
	for i, p := range available {
		agentsList[i] = agentJSON{ID: p.ID, Name: p.Name}
	}
	availableJSON, err := json.Marshal(agentsList)
	if err != nil {
		return nil, err
	}

	assignments := make([]string, len(subtasks))
	for i, subtask := range subtasks {
		if override, ok := overrides[subtask.Region]; ok {
			logging.Infof("orchestrator: using override %s for %s", override, subtask.Region)
			assignments[i] = override
			continue
		}

		language := detectLanguage(subtask.Region)
		taskType := inferTaskType(subtask.Region)
		statsRecommendation := o.agentStats.BestAgentFor(taskType, language)
		statsSummary := o.agentStats.StatsSummary(taskType, language)

		agentsInput := string(availableJSON)
		if statsSummary != "" {
			agentsInput = fmt.Sprintf("%s\n\n%s", availableJSON, statsSummary)
			if statsRecommendation != "" {
				agentsInput += fmt.Sprintf("\nRecommended: %s (based on historical performance)", statsRecommendation)
			}
		}

		resp, err := o.oracles.AgentSelector.SelectAgent(ctx, oracle.AgentSelectRequest{
			SubtaskDescription: subtask.Description,
			SubtaskRegion:      subtask.Region,
			PrimaryLanguage:    language,
			AvailableAgents:    agentsInput,
		})
		if err != nil {
			return nil, err
		}
		o.Cost.Record(cost.SourceOrchestrator, 0, "AgentSelect", "", "")
		assignments[i] = resp.AgentID
	}
	return assignments, nil
}

func (o *Orchestrator) buildPrompt(ctx context.Context, subtask types.Subtask, regionContext workspacectx.RegionContext) (string, error) {
	resp, err := o.oracles.PromptBuilder.BuildPrompt(ctx, oracle.PromptBuildRequest{
		SubtaskDescription: subtask.Description,
		Region:             subtask.Region,
		RegionFiles:        workspacectx.MarshalRegionFiles(regionContext.RegionFiles),
		CrossRegionDeps:    workspacectx.MarshalCrossRegionDeps(regionContext.CrossRegionDeps),
		EffortLevel:        string(o.cfg.Effort),
	})
	if err != nil {
		return "", err
	}
	o.Cost.Record(cost.SourceOrchestrator, 0, "PromptBuild", "", "")

	crossRegionInstruction := fmt.Sprintf(
		"\n\nIMPORTANT: You are working within the region '%s'. "+
			"If you need information about types, functions, or APIs from outside "+
			"your region, describe what you need instead of reading those files directly. "+
			"The orchestrator will provide the information you need.",
		subtask.Region,
	)
	return resp.AgentPrompt + crossRegionInstruction, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, index int, subtask types.Subtask, agentID, agentOutput string) (types.SubtaskResult, error) {
	filesChanged, err := json.Marshal(subtask.ExpectedFiles)
	if err != nil {
		filesChanged = []byte("[]")
	}
	trimmed := agentOutput
	if len(trimmed) > 4000 {
		trimmed = trimmed[:4000]
	}
	resp, err := o.oracles.Evaluator.Evaluate(ctx, oracle.EvaluateRequest{
		SubtaskDescription: subtask.Description,
		AgentOutput:        trimmed,
		FilesChanged:       string(filesChanged),
	})
	if err != nil {
		return types.SubtaskResult{}, err
	}
	o.Cost.Record(cost.SourceOrchestrator, 0, "ProgressEval", "", "")

	status := types.ResultStatus(resp.Status)
	failureReason, suggestedRetry := "", ""
	if status != types.StatusCompleted {
		failureReason = resp.FailureReason
		suggestedRetry = resp.SuggestedRetry
		if status != types.StatusFailed && status != types.StatusPartial {
			status = types.StatusFailed
		}
	}

	return types.SubtaskResult{
		Index:          index,
		Description:    subtask.Description,
		Region:         subtask.Region,
		AgentID:        agentID,
		Status:         status,
		AgentOutput:    agentOutput,
		FailureReason:  failureReason,
		SuggestedRetry: suggestedRetry,
	}, nil
}

func (o *Orchestrator) buildResult(results []types.SubtaskResult) types.OrchestratorResult {
	status := "done"
	if allCompleted(results) {
		status = "completed"
	}
	return types.OrchestratorResult{
		RunID:          o.runID,
		Status:         status,
		SubtaskResults: results,
		EstimatedCost:  cost.EstimateCost(o.Cost.TotalTokens(), "default"),
		Duration:       time.Since(o.runStart),
	}
}

// detectLanguage heuristically determines the primary language of a
// workspace region from its path.
func detectLanguage(region string) string {
	regionPath := strings.TrimPrefix(region, "/")
	if strings.Contains(regionPath, "core") || strings.Contains(regionPath, "src") {
		if strings.Contains(regionPath, "rs") || strings.HasPrefix(regionPath, "core") {
			return "rust"
		}
	}
	if strings.Contains(regionPath, "ui") || strings.Contains(regionPath, "extension") {
		return "typescript"
	}
	if strings.Contains(regionPath, "agent") || strings.Contains(regionPath, "py") {
		return "python"
	}
	return "unknown"
}

// inferTaskType heuristically classifies a workspace region's purpose from
// its path.
func inferTaskType(region string) string {
	regionPath := strings.ToLower(strings.TrimPrefix(region, "/"))
	switch {
	case containsAny(regionPath, "ui", "frontend", "views", "components"):
		return "ui"
	case containsAny(regionPath, "test", "spec", "__tests__"):
		return "tests"
	case containsAny(regionPath, "config", ".config", "settings"):
		return "config"
	case containsAny(regionPath, "core", "backend", "server", "api"):
		return "backend"
	case containsAny(regionPath, "lib", "utils", "shared", "common"):
		return "library"
	default:
		return "general"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) recordTrace(result types.OrchestratorResult, workspaceTree, symbolIndexSummary string) {
	o.mu.Lock()
	assignments := o.assignments
	o.mu.Unlock()

	subtaskDicts := make([]types.Subtask, len(assignments))
	traceAssignments := make([]training.TraceAssignment, len(assignments))
	for i, a := range assignments {
		subtaskDicts[i] = a.Subtask
		traceAssignments[i] = training.TraceAssignment{
			SubtaskIndex: a.Index,
			AgentID:      a.AgentID,
			Language:     detectLanguage(a.Subtask.Region),
		}
	}

	duration := 0.0
	if !o.runStart.IsZero() {
		duration = time.Since(o.runStart).Seconds()
	}

	_, err := o.traces.RecordRun(training.RecordRunInput{
		RunID:                o.runID,
		UserIntent:           o.userIntent,
		Workspace:            o.cfg.Workspace,
		Result:               result,
		Subtasks:             subtaskDicts,
		Assignments:          traceAssignments,
		WorkspaceTreeSummary: truncate(workspaceTree, 500),
		SymbolIndexSummary:   truncate(symbolIndexSummary, 500),
		OrchestratorTokens:   o.Cost.OrchestratorTokens(),
		DurationS:            duration,
	})
	if err != nil {
		logging.Warnf("orchestrator: failed to record trace: %v", err)
	}
}

func (o *Orchestrator) recordAgentStats(assignments []types.AgentAssignment, results []types.SubtaskResult) {
	byIndex := make(map[int]types.SubtaskResult, len(results))
	for _, r := range results {
		byIndex[r.Index] = r
	}
	for _, a := range assignments {
		result, ok := byIndex[a.Index]
		if !ok {
			continue
		}
		taskType := inferTaskType(a.Subtask.Region)
		language := detectLanguage(a.Subtask.Region)
		agentType := a.AgentID
		if idx := strings.LastIndex(a.AgentID, "-"); idx > 0 {
			agentType = a.AgentID[:idx]
		}
		o.agentStats.RecordOutcome(agentType, taskType, language, result.Status == types.StatusCompleted, result.CostTokens, 0)
	}
}

func (o *Orchestrator) saveSessionContext(result types.OrchestratorResult) {
	o.mu.Lock()
	assignments := o.assignments
	o.mu.Unlock()
	expectedFiles := make(map[int][]string, len(assignments))
	for _, a := range assignments {
		expectedFiles[a.Index] = a.Subtask.ExpectedFiles
	}

	modifiedFiles := make(map[string][]string)
	var keyDecisions []string
	var subtaskSummaries []map[string]any

	for _, r := range result.SubtaskResults {
		modifiedFiles[r.Region] = append(modifiedFiles[r.Region], expectedFiles[r.Index]...)
		subtaskSummaries = append(subtaskSummaries, map[string]any{
			"description": r.Description,
			"region":      r.Region,
			"status":      string(r.Status),
			"agent_id":    r.AgentID,
		})
		if r.Status == types.StatusCompleted {
			keyDecisions = append(keyDecisions, fmt.Sprintf("Completed '%s' in %s using %s", r.Description, r.Region, r.AgentID))
		}
	}

	ctx := persistence.SessionContext{
		SessionID:        o.runID,
		Timestamp:        persistence.Now(),
		UserIntent:       o.userIntent,
		Workspace:        o.cfg.Workspace,
		ModifiedFiles:    modifiedFiles,
		KeyDecisions:     keyDecisions,
		SubtaskSummaries: subtaskSummaries,
		Status:           result.Status,
	}
	if err := o.sessionMemory.SaveSession(ctx); err != nil {
		logging.Warnf("orchestrator: failed to save session context: %v", err)
	}
}

func (o *Orchestrator) saveRunState(stateLabel, workspaceTree, symbolIndexSummary string) {
	o.mu.Lock()
	assignments := append([]types.AgentAssignment(nil), o.assignments...)
	results := append([]types.SubtaskResult(nil), o.results...)
	o.mu.Unlock()

	byIndex := make(map[int]types.SubtaskResult, len(results))
	for _, r := range results {
		byIndex[r.Index] = r
	}

	savedSubtasks := make([]persistence.SavedSubtask, len(assignments))
	for i, a := range assignments {
		result, ok := byIndex[a.Index]
		status := "pending"
		output := ""
		failureReason := ""
		suggestedRetry := ""
		costTokens := 0
		if ok {
			status = string(result.Status)
			output = truncate(result.AgentOutput, 1000)
			failureReason = result.FailureReason
			suggestedRetry = result.SuggestedRetry
			costTokens = result.CostTokens
		}
		savedSubtasks[i] = persistence.SavedSubtask{
			Index:          a.Index,
			Description:    a.Subtask.Description,
			Region:         a.Subtask.Region,
			ExpectedFiles:  a.Subtask.ExpectedFiles,
			DependsOn:      a.Subtask.DependsOn,
			AgentID:        a.AgentID,
			Status:         status,
			AgentOutput:    output,
			FailureReason:  failureReason,
			SuggestedRetry: suggestedRetry,
			CostTokens:     costTokens,
		}
	}

	run := &persistence.RunState{
		RunID:       o.runID,
		UserIntent:  o.userIntent,
		Workspace:   o.cfg.Workspace,
		Effort:      string(o.cfg.Effort),
		AutoApprove: o.cfg.AutoApprove,
		MaxAgents:   o.cfg.MaxAgents,
		State:       stateLabel,
		Subtasks:    savedSubtasks,
		TotalTokens: o.Cost.TotalTokens(),
		OrchTokens:  o.Cost.OrchestratorTokens(),
	}
	if err := o.runPersistence.Save(run); err != nil {
		logging.Warnf("orchestrator: failed to save run state: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PrintSummary renders a human-readable rundown of a completed
// orchestration result, mirroring the CLI's end-of-run report.
func (o *Orchestrator) PrintSummary(result types.OrchestratorResult) {
	fmt.Printf("\nOrchestration %s.\n\n", result.Status)
	for _, r := range result.SubtaskResults {
		icon := "[FAIL]"
		if r.Status == types.StatusCompleted {
			icon = "[OK]"
		}
		fmt.Printf("  %s Subtask %d: %s\n", icon, r.Index+1, r.Description)
		fmt.Printf("         Region: %s, Agent: %s\n", r.Region, r.AgentID)
		if r.FailureReason != "" {
			fmt.Printf("         Reason: %s\n", r.FailureReason)
		}
		if r.SuggestedRetry != "" {
			fmt.Printf("         Retry:  %s\n", r.SuggestedRetry)
		}
	}
	fmt.Println()
	fmt.Print(o.Cost.Summary())

	if result.Status == "done" && o.hasRetryableSubtasks() {
		fmt.Println("\nSome subtasks failed. You can retry with RetryFailed().")
	}
}

func (o *Orchestrator) hasRetryableSubtasks() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.assignments {
		switch a.Lifecycle.State() {
		case lifecycle.SubtaskFailed, lifecycle.SubtaskPartial:
			return true
		}
	}
	return false
}
