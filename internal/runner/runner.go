// Package runner executes the per-issue pipeline: isolated worktree,
// generator invocation, commit and push, artifact capture, cleanup.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ralexstokes/scryer/internal/codex"
	"github.com/ralexstokes/scryer/internal/config"
	"github.com/ralexstokes/scryer/internal/gitutil"
	"github.com/ralexstokes/scryer/internal/store"
)

// Runner statuses. StatusPushed is internal to the pipeline; the daemon
// maps it to the store's done state after the pull request exists.
const (
	StatusPushed  = "pushed"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Result is the outcome of one run attempt.
type Result struct {
	Status   string
	Branch   string
	RunDir   string
	HeadSHA  *string
	Error    *string
	ExitCode *int
}

// IssueRunner is the daemon's view of the pipeline. *Runner implements
// it; tests substitute fakes.
type IssueRunner interface {
	Run(ctx context.Context, issue *store.Issue) *Result
}

// Runner drives one issue through worktree, generator, commit and push.
type Runner struct {
	cfg      *config.Config
	repoRoot string
	gen      codex.Generator
	log      zerolog.Logger
}

// New returns a Runner rooted at the repository checkout.
func New(cfg *config.Config, repoRoot string, gen codex.Generator, log zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, repoRoot: repoRoot, gen: gen, log: log}
}

func utcNowCompact() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

func utcNowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// shortTitle collapses whitespace and truncates at max characters with
// a "..." suffix.
func shortTitle(title string, max int) string {
	clean := strings.Join(strings.Fields(title), " ")
	if len(clean) <= max {
		return clean
	}
	return strings.TrimRight(clean[:max-3], " ") + "..."
}

// Run executes the pipeline for a claimed issue. Errors never escape:
// every outcome is a terminal Result, and artifacts plus summary.json
// are written regardless of where the run stopped.
func (r *Runner) Run(ctx context.Context, issue *store.Issue) *Result {
	issueID := issue.ID
	branch := fmt.Sprintf("%s/issue-%d", r.cfg.BranchPrefix, issueID)
	worktree := filepath.Join(r.cfg.WorktreesDir(), fmt.Sprintf("issue-%d", issueID))
	runDir := filepath.Join(r.cfg.RunsDir(), fmt.Sprintf("issue-%d", issueID), "run-"+utcNowCompact())

	res := &Result{Status: StatusFailed, Branch: branch, RunDir: runDir}
	fail := func(err error) *Result {
		msg := err.Error()
		res.Status = StatusFailed
		res.Error = &msg
		r.log.Error().Int64("issue", issueID).Err(err).Msg("runner failed")
		return res
	}

	if err := os.MkdirAll(filepath.Dir(worktree), 0o755); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fail(err)
	}

	prompt := r.buildPrompt(issue)
	promptPath := filepath.Join(runDir, "prompt.md")
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		return fail(err)
	}

	startedAt := utcNowISO()
	var stdout, stderr string

	defer func() {
		os.WriteFile(filepath.Join(runDir, "codex_stdout.log"), []byte(stdout), 0o644)
		os.WriteFile(filepath.Join(runDir, "codex_stderr.log"), []byte(stderr), 0o644)
		r.writeDiff(ctx, worktree, filepath.Join(runDir, "git_diff.patch"))
		r.writeSummary(runDir, issueID, startedAt, res)

		keep := r.cfg.KeepWorktreeOnFailure &&
			(res.Status == StatusFailed || res.Status == StatusTimeout)
		if !keep {
			gitutil.RemoveWorktree(ctx, r.repoRoot, worktree)
		}
		r.log.Info().
			Int64("issue", issueID).
			Str("status", res.Status).
			Str("run_dir", runDir).
			Msg("run complete")
	}()

	// Stale state from a previous attempt is removed before the fresh
	// worktree is created from base_branch.
	gitutil.RemoveWorktree(ctx, r.repoRoot, worktree)
	gitutil.DeleteBranch(ctx, r.repoRoot, branch)
	if err := gitutil.AddWorktree(ctx, r.repoRoot, branch, worktree, r.cfg.BaseBranch); err != nil {
		return fail(err)
	}
	r.log.Info().
		Int64("issue", issueID).
		Str("branch", branch).
		Str("base", r.cfg.BaseBranch).
		Msg("prepared worktree")

	r.log.Info().
		Int64("issue", issueID).
		Int("timeout_seconds", int(r.cfg.Codex.Timeout.Seconds())).
		Str("run_dir", runDir).
		Msg("starting codex")
	gen, err := r.gen.Run(ctx, codex.Request{
		IssueID: issueID,
		Prompt:  prompt,
		Workdir: worktree,
		Timeout: r.cfg.Codex.Timeout,
	})
	var timeoutErr *codex.TimeoutError
	if errors.As(err, &timeoutErr) {
		stdout = timeoutErr.Stdout
		stderr = timeoutErr.Stderr
		msg := timeoutErr.Error()
		res.Status = StatusTimeout
		res.Error = &msg
		r.log.Error().Int64("issue", issueID).Msg("codex timeout")
		return res
	}
	if err != nil {
		return fail(err)
	}

	stdout = gen.Stdout
	stderr = gen.Stderr
	exitCode := gen.ExitCode
	res.ExitCode = &exitCode
	r.log.Info().
		Int64("issue", issueID).
		Int("exit_code", exitCode).
		Int("elapsed_seconds", int(gen.Elapsed.Seconds())).
		Msg("codex finished")

	if exitCode != 0 {
		msg := fmt.Sprintf("Codex exited with code %d", exitCode)
		res.Error = &msg
		return res
	}

	dirty, err := gitutil.StatusPorcelain(ctx, worktree)
	if err != nil {
		return fail(err)
	}
	if dirty == "" {
		msg := "no changes produced"
		res.Status = StatusSkipped
		res.Error = &msg
		r.log.Info().Int64("issue", issueID).Msg("no changes after codex")
		return res
	}

	if err := gitutil.AddAll(ctx, worktree); err != nil {
		return fail(err)
	}
	message := fmt.Sprintf("Fix #%d: %s", issueID, shortTitle(issue.Title, 72))
	if err := gitutil.Commit(ctx, worktree, message); err != nil {
		return fail(err)
	}
	headSHA, err := gitutil.HeadSHA(ctx, worktree)
	if err != nil {
		return fail(err)
	}
	if err := gitutil.Push(ctx, worktree, branch); err != nil {
		return fail(err)
	}

	res.Status = StatusPushed
	res.HeadSHA = &headSHA
	res.Error = nil
	r.log.Info().
		Int64("issue", issueID).
		Str("branch", branch).
		Str("head_sha", headSHA).
		Msg("pushed branch")
	return res
}

// writeDiff captures the committed patch, falling back to the working
// diff when there is no HEAD commit to show.
func (r *Runner) writeDiff(ctx context.Context, worktree, path string) {
	if _, err := os.Stat(worktree); err != nil {
		os.WriteFile(path, nil, 0o644)
		return
	}
	out, err := gitutil.ShowHeadPatch(ctx, worktree)
	if err != nil || out == "" {
		out, _ = gitutil.DiffPatch(ctx, worktree)
	}
	os.WriteFile(path, []byte(out), 0o644)
}

// writeSummary dumps summary.json with sorted keys.
func (r *Runner) writeSummary(runDir string, issueID int64, startedAt string, res *Result) {
	summary := map[string]any{
		"issue_id":        issueID,
		"status":          res.Status,
		"branch":          res.Branch,
		"head_sha":        res.HeadSHA,
		"error":           res.Error,
		"codex_exit_code": res.ExitCode,
		"started_at":      startedAt,
		"finished_at":     utcNowISO(),
		"run_dir":         runDir,
		"artifacts": map[string]any{
			"prompt": filepath.Join(runDir, "prompt.md"),
			"stdout": filepath.Join(runDir, "codex_stdout.log"),
			"stderr": filepath.Join(runDir, "codex_stderr.log"),
			"diff":   filepath.Join(runDir, "git_diff.patch"),
		},
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(runDir, "summary.json"), data, 0o644)
}
