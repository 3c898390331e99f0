package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/eisen-labs/eisen-agent/internal/config"
	"github.com/eisen-labs/eisen-agent/internal/conflict"
	"github.com/eisen-labs/eisen-agent/internal/extproto"
	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/maintenance"
	"github.com/eisen-labs/eisen-agent/internal/mcp"
	"github.com/eisen-labs/eisen-agent/internal/oracle"
	"github.com/eisen-labs/eisen-agent/internal/orchestrator"
	"github.com/eisen-labs/eisen-agent/internal/paths"
	"github.com/eisen-labs/eisen-agent/internal/persistence"
	"github.com/eisen-labs/eisen-agent/internal/registry"
	"github.com/eisen-labs/eisen-agent/internal/training"
	"github.com/eisen-labs/eisen-agent/internal/types"

	"github.com/spf13/cobra"
)

func runRoot(cmd *cobra.Command, args []string) error {
	if verboseFlag {
		logging.Enable()
	}

	p, err := paths.New(dataDirFlag)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := p.Ensure(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	fileCfg, err := config.Load(p)
	if err != nil {
		return fmt.Errorf("configuration error: failed to load %s: %w", p.ConfigFile, err)
	}

	if statsFlag {
		printStats(p)
		return nil
	}
	if sessionsFlag {
		return printSessions(p)
	}
	if compileFlag {
		return runCompile(p)
	}

	workspace := workspaceFlag
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("configuration error: cannot determine working directory: %w", err)
		}
		workspace = wd
	}
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("configuration error: invalid workspace %q: %w", workspace, err)
	}

	effort, ok := types.ParseEffortLevel(effortFlag)
	if !ok {
		return fmt.Errorf("configuration error: invalid --effort %q, expected low, medium, or high", effortFlag)
	}

	model := modelFlag
	if model == "" {
		model = os.Getenv("EISEN_AGENT_MODEL")
	}
	if model == "" {
		model = fileCfg.DefaultModel
	}
	if model == "" {
		return fmt.Errorf("configuration error: no model configured; pass --model, set EISEN_AGENT_MODEL, or set default_model in %s", p.ConfigFile)
	}

	proxyBinaryPath, err := resolveProxyBinary(fileCfg)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	if pruneIntervalFlag != "" {
		interval, err := time.ParseDuration(pruneIntervalFlag)
		if err != nil {
			return fmt.Errorf("configuration error: invalid --prune-interval %q: %w", pruneIntervalFlag, err)
		}
		janitor := maintenance.NewJanitor(p, absWorkspace, maintenance.DefaultRetention)
		if err := janitor.Start(interval); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		defer janitor.Stop()
	}

	oracles, closeOracles, err := oracle.NewLLMOracles(ctx, model)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	defer closeOracles()

	cfg := types.OrchestratorConfig{
		Workspace:          absWorkspace,
		Effort:             effort,
		AutoApprove:        autoApproveFlag,
		MaxAgents:          types.DefaultMaxAgents,
		Model:              model,
		ProxyBinaryPath:    proxyBinaryPath,
		SharedZonePatterns: fileCfg.SharedZones,
		DataDir:            p.Root,
	}

	reg := registry.New()
	orch := orchestrator.New(cfg, reg, oracles, p, nil, conflict.StrategyLastWriteWins, nil)

	if mcpFlag {
		server := mcp.NewServer(orch)
		return server.ServeStdio(ctx)
	}

	if modeFlag == "extension" {
		driver := extproto.NewDriver(orch, os.Stdout)
		return driver.Run(ctx, os.Stdin)
	}
	if modeFlag != "interactive" {
		return fmt.Errorf("configuration error: invalid --mode %q, expected interactive or extension", modeFlag)
	}

	result, err := runInteractive(ctx, orch, p, args)
	if err != nil {
		return err
	}

	orch.PrintSummary(result)
	if result.Status != "completed" {
		os.Exit(1)
	}
	return nil
}

// runInteractive dispatches to resume/resume-id/fresh-run based on flags,
// honoring --resume and --resume-id over a plain positional intent.
func runInteractive(ctx context.Context, orch *orchestrator.Orchestrator, p paths.Paths, args []string) (types.OrchestratorResult, error) {
	if resumeIDFlag != "" || resumeFlag {
		rp := persistence.NewRunPersistence(p)
		var saved *persistence.RunState
		var err error
		if resumeIDFlag != "" {
			saved, err = rp.Load(resumeIDFlag)
			if err != nil {
				return types.OrchestratorResult{}, fmt.Errorf("failed to load run %s: %w", resumeIDFlag, err)
			}
			if saved == nil {
				return types.OrchestratorResult{}, fmt.Errorf("no saved run found with id %s", resumeIDFlag)
			}
		} else {
			resumable, err := rp.ListResumable()
			if err != nil {
				return types.OrchestratorResult{}, fmt.Errorf("failed to list resumable runs: %w", err)
			}
			if len(resumable) == 0 {
				return types.OrchestratorResult{}, fmt.Errorf("no resumable runs found")
			}
			saved = &resumable[0]
		}
		return orch.ResumeRun(ctx, *saved)
	}

	if len(args) == 0 {
		return types.OrchestratorResult{}, fmt.Errorf("configuration error: an intent is required unless --resume, --resume-id, --stats, --sessions, --compile, or --mcp is given")
	}
	intent := strings.Join(args, " ")
	return orch.Run(ctx, intent)
}

// resolveProxyBinary picks the file-access proxy binary: the --proxy-binary
// flag, then config.json's proxy_binary_path, then "eisen-proxy" on PATH.
func resolveProxyBinary(fileCfg config.Config) (string, error) {
	if proxyBinaryFlag != "" {
		return proxyBinaryFlag, nil
	}
	if fileCfg.ProxyBinaryPath != "" {
		return fileCfg.ProxyBinaryPath, nil
	}
	if path, err := exec.LookPath("eisen-proxy"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("no file-access proxy binary found; pass --proxy-binary, set proxy_binary_path in config, or install \"eisen-proxy\" on PATH")
}

func printStats(p paths.Paths) {
	stats := training.NewAgentStats(p)
	all := stats.AllStats()
	if len(all) == 0 {
		fmt.Println("No recorded agent stats yet.")
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SuccessRate > all[j].SuccessRate })
	fmt.Println("Agent performance:")
	for _, perf := range all {
		fmt.Printf("  %-14s %-10s %-10s  success=%.0f%%  samples=%d  avg_tokens=%d\n",
			perf.AgentType, perf.TaskType, perf.Language, perf.SuccessRate*100, perf.SampleCount, perf.AvgTokens)
	}
}

func printSessions(p paths.Paths) error {
	mem := persistence.NewSessionMemory(p)
	list, err := mem.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No recorded sessions yet.")
		return nil
	}
	fmt.Println("Sessions:")
	for _, s := range list {
		fmt.Printf("  %s  status=%-10s  %s\n", s.SessionID, s.Status, s.IntentPreview)
	}
	return nil
}

func runCompile(p paths.Paths) error {
	results, err := training.Compile(p, 0.5)
	if err != nil {
		return fmt.Errorf("compile failed: %w", err)
	}
	fmt.Println("Compilation results:")
	for name, ok := range results {
		status := "skipped (not enough traces)"
		if ok {
			status = "compiled"
		}
		fmt.Printf("  %-14s %s\n", name, status)
	}
	return nil
}
