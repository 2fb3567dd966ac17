package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpgw "github.com/jkaninda/warden/internal/gateway/mcp"
)

var mcpUser string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tool catalog over the Model Context Protocol on stdio",
	Long: `Serve every registered tool over MCP on stdin/stdout. Calls are made as the
given user and pass through the same authorization, approval and audit path
as any other request. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVarP(&mcpUser, "user", "u", "", "act as this user (ID or name; default: first configured user)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	sc, err := bootstrap()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	user, err := actingUser(sc, mcpUser)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := mcpgw.NewGateway("warden", version, sc.Local, sc.Registry, sc.Sessions, user, sc.Logger)
	return runGateways(ctx, sc, gw)
}
