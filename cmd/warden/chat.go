package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/gateway/cli"
)

var (
	chatUser    string
	chatVerbose bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session in the terminal",
	RunE:  runChat,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, chatCmd} {
		cmd.Flags().StringVarP(&chatUser, "user", "u", "", "act as this user (ID or name; default: first configured user)")
		cmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "print audit events inline")
	}
}

func runChat(_ *cobra.Command, _ []string) error {
	sc, err := bootstrap()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	user, err := actingUser(sc, chatUser)
	if err != nil {
		return err
	}

	return cli.NewGateway(sc.Sessions, sc.Directory, user, sc.Logger).
		WithApprovals(sc.Approvals).
		WithAudit(sc.Audit).
		WithVerbose(chatVerbose).
		Start(context.Background())
}

// actingUser resolves ref, defaulting to the first user in the directory.
func actingUser(sc *SharedComponents, ref string) (domain.User, error) {
	if ref != "" {
		return sc.Directory.Resolve(ref)
	}
	users := sc.Directory.Users()
	if len(users) == 0 {
		return domain.User{}, errors.New("no users configured; add security.users or pass --user")
	}
	return users[0], nil
}
