// Warden: tool orchestration with role-based authorization, human approval
// and a complete audit trail.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden: authorized, approved and audited tool orchestration.",
	Long: `Warden routes requests to tools, checks every call against the caller's role,
holds sensitive calls until a manager approves them, caches repeatable results
and records an audit event for everything it does.`,
	RunE:          runChat, // Default to the interactive REPL.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.warden/config.yaml if present)")
	rootCmd.AddCommand(serveCmd, chatCmd, queryCmd, toolsCmd, mcpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
