package main

import (
	"context"
	"fmt"

	"github.com/ralexstokes/scryer/internal/codex"
	"github.com/ralexstokes/scryer/internal/config"
	"github.com/ralexstokes/scryer/internal/daemon"
	"github.com/ralexstokes/scryer/internal/github"
	"github.com/ralexstokes/scryer/internal/gitutil"
	"github.com/ralexstokes/scryer/internal/logging"
	"github.com/ralexstokes/scryer/internal/poller"
	"github.com/ralexstokes/scryer/internal/pr"
	"github.com/ralexstokes/scryer/internal/runner"
	"github.com/ralexstokes/scryer/internal/store"
)

// loadScopedConfig loads configuration and binds it to the repository:
// root detection plus namespace derivation.
func loadScopedConfig(ctx context.Context) (*config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	root, err := gitutil.DetectRoot(ctx, repoRoot)
	if err != nil {
		return nil, "", err
	}
	cfg.RepoNamespace = gitutil.Namespace(ctx, root)
	return cfg, root, nil
}

// service holds the assembled component graph for one repository.
type service struct {
	cfg      *config.Config
	repoRoot string
	store    *store.Store
	daemon   *daemon.Daemon
}

func (s *service) Close() {
	s.store.Close()
}

// buildService wires config, store, gh client, poller, runner, PR
// manager and daemon together.
func buildService(ctx context.Context) (*service, error) {
	cfg, root, err := loadScopedConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to prepare workdir: %w", err)
	}
	if err := cfg.EnsureRepoDirectories(); err != nil {
		return nil, fmt.Errorf("failed to prepare repo directories: %w", err)
	}

	st, err := store.Open(cfg.DBPath, cfg.RepoNamespace)
	if err != nil {
		return nil, err
	}

	source := github.NewClient(root)
	p := poller.New(source, st, cfg.TriggerLabel, logging.WithComponent("poller"))
	gen := codex.NewCLI(cfg.Codex, logging.WithComponent("codex"))
	run := runner.New(cfg, root, gen, logging.WithComponent("runner"))
	prs := pr.NewManager(cfg, source, logging.WithComponent("pr"))
	openStore := func() (*store.Store, error) {
		return store.Open(cfg.DBPath, cfg.RepoNamespace)
	}
	d := daemon.New(cfg, st, source, p, run, prs, openStore, logging.WithComponent("daemon"))

	return &service{cfg: cfg, repoRoot: root, store: st, daemon: d}, nil
}
