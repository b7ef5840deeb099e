package main

import (
	"os"

	"github.com/spf13/cobra"
)

type commandContext struct {
	server string
	token  string
	json   bool
}

func (c *commandContext) client() *client { return newClient(c.server, c.token) }

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	root := &cobra.Command{
		Use:           "fetchctl",
		Short:         "Control a running fetchd",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	server := os.Getenv("FETCHD_SERVER")
	if server == "" {
		server = "127.0.0.1:8787"
	}
	root.PersistentFlags().StringVar(&ctx.server, "server", server, "fetchd API address (env FETCHD_SERVER)")
	root.PersistentFlags().StringVar(&ctx.token, "token", os.Getenv("FETCHD_TOKEN"), "API bearer token (env FETCHD_TOKEN)")
	root.PersistentFlags().BoolVar(&ctx.json, "json", false, "print raw JSON")

	root.AddCommand(
		newSubmitCommand(ctx),
		newAnalyzeCommand(ctx),
		newListCommand(ctx),
		newGetCommand(ctx),
		newControlCommand(ctx, "cancel", "Cancel a task for good"),
		newControlCommand(ctx, "pause", "Pause a queued or running task"),
		newControlCommand(ctx, "resume", "Resume a paused task"),
		newControlCommand(ctx, "retry", "Retry a failed task"),
		newLimitCommand(ctx),
		newHistoryCommand(ctx),
		newWatchCommand(ctx),
	)
	return root
}
