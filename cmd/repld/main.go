// repld — sandboxed REPL sessions for agents working with large files.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "repld",
	Short: "repld — sandboxed REPL sessions for offloading large-file analysis.",
	Long: `repld lets an agent load large files into named, stateful sessions and
analyze them with short Python snippets, receiving only the printed results.
Each execution runs in a fresh isolated worker process with a hard deadline;
session variables persist between executions on the host.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
