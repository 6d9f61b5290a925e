package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func runOnceCmd() *cobra.Command {
	var issueID int64

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Execute a single poll-claim-run cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			var target *int64
			if issueID > 0 {
				target = &issueID
			}
			if _, err := svc.daemon.RunOnce(ctx, target); err != nil {
				if ctx.Err() != nil {
					os.Exit(130)
				}
				return err
			}
			if ctx.Err() != nil {
				os.Exit(130)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&issueID, "issue", 0, "Process this specific issue number, bypassing the daily cap")
	return cmd
}
