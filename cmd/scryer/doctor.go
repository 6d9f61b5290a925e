package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ralexstokes/scryer/internal/doctor"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the environment is ready (git, codex, gh, workdir)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, root, err := loadScopedConfig(ctx)
			if err != nil {
				return err
			}

			results, ok := doctor.Run(ctx, cfg, root)
			doctor.PrintReport(os.Stdout, results)
			if !ok {
				os.Exit(1)
			}
			return nil
		},
	}
}
