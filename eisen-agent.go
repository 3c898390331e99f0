// Command eisen-agent runs the multi-agent orchestration core: a single
// intent is decomposed into region-scoped subtasks, each handed to a
// sandboxed coding sub-agent, and the results merged back into a final
// status. A thin main package loads the .env file; the cobra wiring itself
// lives under cmd/eisen-agent.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/eisen-labs/eisen-agent/cmd/eisen-agent"
)

func main() {
	// Load .env file if present, for local credential configuration.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
