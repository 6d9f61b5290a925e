// Package pr turns a pushed branch into exactly one open pull request.
package pr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ralexstokes/scryer/internal/config"
	"github.com/ralexstokes/scryer/internal/github"
	"github.com/ralexstokes/scryer/internal/store"
)

// Info describes the pull request for a branch. Created is false when
// an open PR already existed.
type Info struct {
	Number  *int64
	URL     *string
	Created bool
}

// Ensurer is the daemon's view of the manager. *Manager implements it;
// tests substitute fakes.
type Ensurer interface {
	EnsurePR(ctx context.Context, issue *store.Issue, branch string) (*Info, error)
}

// Manager opens pull requests idempotently through the issue source.
type Manager struct {
	cfg    *config.Config
	source github.IssueSource
	log    zerolog.Logger
}

// NewManager returns a Manager.
func NewManager(cfg *config.Config, source github.IssueSource, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, source: source, log: log}
}

// EnsurePR returns the open pull request whose head is branch, creating
// one when none exists. An existing PR short-circuits creation, so two
// calls for the same branch agree on number and URL.
func (m *Manager) EnsurePR(ctx context.Context, issue *store.Issue, branch string) (*Info, error) {
	existing, err := m.source.ListOpenPRsForBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		first := existing[0]
		m.log.Info().Str("branch", branch).Str("pr", first.URL).Msg("pr already open")
		return &Info{Number: &first.Number, URL: &first.URL, Created: false}, nil
	}

	title := "[Codex] " + strings.TrimSpace(issue.Title)
	m.log.Info().
		Str("branch", branch).
		Str("base", m.cfg.BaseBranch).
		Bool("draft", m.cfg.DraftPR).
		Msg("creating pr")
	createOut, err := m.source.CreatePR(ctx, github.PRCreate{
		Title: title,
		Body:  buildBody(issue.ID),
		Head:  branch,
		Base:  m.cfg.BaseBranch,
		Draft: m.cfg.DraftPR,
	})
	if err != nil {
		return nil, err
	}

	info := &Info{Created: true}
	refreshed, err := m.source.ListOpenPRsForBranch(ctx, branch)
	if err == nil && len(refreshed) > 0 {
		first := refreshed[0]
		info.Number = &first.Number
		info.URL = &first.URL
	} else {
		// gh prints the new PR URL on success; fall back to parsing it.
		info.Number = github.ParsePRNumber(createOut)
		if out := strings.TrimSpace(createOut); out != "" {
			info.URL = &out
		}
	}

	if m.cfg.IssueCommentOnSuccess && info.URL != nil {
		if err := m.source.CommentIssue(ctx, issue.ID,
			"Opened PR for this issue: "+*info.URL); err != nil {
			m.log.Warn().Int64("issue", issue.ID).Err(err).Msg("issue comment failed")
		} else {
			m.log.Info().Int64("issue", issue.ID).Str("pr", *info.URL).Msg("posted issue comment")
		}
	}

	m.log.Info().Str("branch", branch).Msg("pr ready")
	return info, nil
}

func buildBody(issueID int64) string {
	return strings.Join([]string{
		fmt.Sprintf("Fixes #%d", issueID),
		"",
		"### What Changed",
		"- Automated implementation generated in a dedicated Codex worktree.",
		"",
		"### How To Verify",
		"- Review the PR diff and run project tests/linters.",
	}, "\n")
}
