package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ralexstokes/scryer/internal/logging"
)

var (
	configPath string
	repoRoot   string
	logLevel   string
	logFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scryer",
		Short: "Drive the Codex CLI against labelled GitHub issues",
		Long: `Scryer watches one repository for open issues carrying a trigger
label, runs the Codex CLI against each inside an isolated git worktree,
pushes the result to a branch, and opens a draft pull request.

State lives in a namespaced SQLite file, so one database serves any
number of checked-out repositories.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(logging.Config{Level: logLevel, File: logFile})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Help()
			os.Exit(2)
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ~/.config/scryer/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo-root", "", "Repository to operate on (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this rotating file")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runOnceCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("scryer v0.1.0")
		},
	}
}
