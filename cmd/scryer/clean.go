package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ralexstokes/scryer/internal/gitutil"
	"github.com/ralexstokes/scryer/internal/store"
)

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Reset local state for the active repository namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, root, err := loadScopedConfig(ctx)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			if err := cfg.EnsureRepoDirectories(); err != nil {
				return err
			}

			managedWorktrees, err := filepath.Abs(cfg.WorktreesDir())
			if err != nil {
				return err
			}
			managedRuns, err := filepath.Abs(cfg.RunsDir())
			if err != nil {
				return err
			}

			// Only worktrees under the managed directory are removed; other
			// linked worktrees belong to the user.
			removed := 0
			worktrees, err := gitutil.ListWorktrees(ctx, root)
			if err == nil {
				for _, path := range worktrees {
					if filepath.Clean(path) == filepath.Clean(root) {
						continue
					}
					if !pathWithin(path, managedWorktrees) {
						continue
					}
					gitutil.RemoveWorktree(ctx, root, path)
					removed++
				}
			}
			gitutil.PruneWorktrees(ctx, root)

			for _, dir := range []string{managedWorktrees, managedRuns} {
				if err := os.RemoveAll(dir); err != nil {
					return err
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}

			info, err := os.Stat(cfg.DBPath)
			if err == nil && info.IsDir() {
				return fmt.Errorf("refusing to use directory db_path: %s", cfg.DBPath)
			}
			st, err := store.Open(cfg.DBPath, cfg.RepoNamespace)
			if err != nil {
				return err
			}
			issues, meta, err := st.ClearNamespaceState(ctx)
			st.Close()
			if err != nil {
				return err
			}

			fmt.Println("Reset complete:")
			fmt.Printf("- repo namespace: %s\n", cfg.RepoNamespace)
			fmt.Printf("- removed git worktrees: %d\n", removed)
			fmt.Printf("- reset worktrees dir: %s\n", managedWorktrees)
			fmt.Printf("- reset runs dir: %s\n", managedRuns)
			fmt.Printf("- cleared db rows: issues=%d meta=%d\n", issues, meta)
			fmt.Printf("- db file: %s\n", cfg.DBPath)
			return nil
		},
	}
}

func pathWithin(path, parent string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
