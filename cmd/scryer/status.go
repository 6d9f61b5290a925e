package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-status issue counts for the active repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := buildService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			counts, err := svc.store.StatusCounts(ctx)
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				fmt.Printf("No issues tracked yet for repo namespace: %s\n", svc.cfg.RepoNamespace)
				return nil
			}

			total := 0
			statuses := make([]string, 0, len(counts))
			for status, n := range counts {
				total += n
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)

			fmt.Printf("Repo namespace: %s\n", svc.cfg.RepoNamespace)
			fmt.Printf("Total tracked issues: %d\n", total)
			for _, status := range statuses {
				fmt.Printf("%s: %d\n", status, counts[status])
			}
			return nil
		},
	}
}
