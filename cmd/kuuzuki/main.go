// Command kuuzuki runs the session execution engine: a local HTTP server
// that drives LLM turns with tool execution, permissions, and persistent
// sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kuuzuki",
		Short:        "Kuuzuki session execution engine",
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildAuthCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kuuzuki %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
