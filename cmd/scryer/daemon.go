package main

import (
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the polling loop in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			svc.daemon.RunForever(cmd.Context())
			return nil
		},
	}
}
