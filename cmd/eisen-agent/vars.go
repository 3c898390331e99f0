package cli

import (
	"github.com/spf13/cobra"
)

// Shared CLI flags, grounded on the package-level flag vars threaded into
// every subcommand's Run closure.
var (
	workspaceFlag     string
	effortFlag        string
	autoApproveFlag   bool
	modelFlag         string
	modeFlag          string
	verboseFlag       bool
	compileFlag       bool
	resumeFlag        bool
	resumeIDFlag      string
	statsFlag         bool
	sessionsFlag      bool
	pruneIntervalFlag string
	mcpFlag           bool
	proxyBinaryFlag   string
	dataDirFlag       string
)

// Execute builds the root command and runs it.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eisen-agent [intent]",
		Short: "Multi-agent orchestration core",
		Long: `eisen-agent decomposes a development intent into region-scoped subtasks,
hands each to a sandboxed coding sub-agent running in its own process, and
merges the results back into a final status.

Run with an intent as a positional argument to start a new orchestration:

  eisen-agent "add dark mode to the settings screen"

Use --resume/--resume-id to continue an interrupted run, --stats/--sessions
to inspect persisted state, --compile to distill oracle replay fixtures
from recorded traces, and --mcp to serve the orchestrator over MCP instead
of running one intent.`,
		Args: cobra.ArbitraryArgs,
		RunE: runRoot,
	}

	cmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "workspace root (default: current directory)")
	cmd.PersistentFlags().StringVarP(&effortFlag, "effort", "e", "medium", "region-context depth: low, medium, or high")
	cmd.PersistentFlags().BoolVar(&autoApproveFlag, "auto-approve", false, "skip the plan confirmation prompt")
	cmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "oracle model as \"<provider>/<name>\" (default: $EISEN_AGENT_MODEL)")
	cmd.PersistentFlags().StringVar(&modeFlag, "mode", "interactive", "interactive or extension")
	cmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVar(&proxyBinaryFlag, "proxy-binary", "", "path to the file-access proxy binary (default: \"eisen-proxy\" on PATH)")
	cmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "override the per-user data directory")

	cmd.Flags().BoolVar(&compileFlag, "compile", false, "compile oracle replay fixtures from recorded traces and exit")
	cmd.Flags().BoolVar(&resumeFlag, "resume", false, "resume the most recently interrupted resumable run")
	cmd.Flags().StringVar(&resumeIDFlag, "resume-id", "", "resume a specific run by id")
	cmd.Flags().BoolVar(&statsFlag, "stats", false, "print recorded agent performance stats and exit")
	cmd.Flags().BoolVar(&sessionsFlag, "sessions", false, "print recorded session summaries and exit")
	cmd.Flags().StringVar(&pruneIntervalFlag, "prune-interval", "", "start the periodic run/session pruning job at this interval (e.g. \"1h\"); disabled by default")
	cmd.Flags().BoolVar(&mcpFlag, "mcp", false, "serve the orchestrate_run/orchestrate_status MCP tools over stdio instead of running one intent")

	return cmd
}
