package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Run executes a git command in dir and returns its stdout. Failures
// carry the command line and stderr.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RunQuiet executes a git command and discards any failure. Used for
// best-effort cleanup where a missing worktree or branch is fine.
func RunQuiet(ctx context.Context, dir string, args ...string) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	_ = cmd.Run()
}

// DetectRoot resolves the repository toplevel for path (or the current
// directory when path is empty). Outside a repository it falls back to
// the directory itself.
func DetectRoot(ctx context.Context, path string) (string, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = cwd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("repo root not found: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("repo root is not a directory: %s", abs)
	}
	out, err := Run(ctx, abs, "rev-parse", "--show-toplevel")
	if err != nil {
		return abs, nil
	}
	return filepath.Clean(strings.TrimSpace(out)), nil
}

// OriginURL returns the origin remote URL, or "" when there is none.
func OriginURL(ctx context.Context, root string) string {
	out, err := Run(ctx, root, "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// AddWorktree creates (or resets) branch from base and checks it out as
// a linked worktree at path.
func AddWorktree(ctx context.Context, root, branch, path, base string) error {
	_, err := Run(ctx, root, "worktree", "add", "-B", branch, path, base)
	return err
}

// RemoveWorktree force-removes the worktree at path and deletes any
// leftover directory. Errors are tolerated.
func RemoveWorktree(ctx context.Context, root, path string) {
	RunQuiet(ctx, root, "worktree", "remove", "--force", path)
	_ = os.RemoveAll(path)
}

// DeleteBranch deletes a local branch, tolerating absence.
func DeleteBranch(ctx context.Context, root, branch string) {
	RunQuiet(ctx, root, "branch", "-D", branch)
}

// PruneWorktrees drops stale worktree metadata.
func PruneWorktrees(ctx context.Context, root string) error {
	_, err := Run(ctx, root, "worktree", "prune")
	return err
}

// ListWorktrees returns the checkout paths of all linked worktrees,
// including the main one.
func ListWorktrees(ctx context.Context, root string) ([]string, error) {
	out, err := Run(ctx, root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			if rest = strings.TrimSpace(rest); rest != "" {
				paths = append(paths, rest)
			}
		}
	}
	return paths, nil
}

// StatusPorcelain reports uncommitted changes in dir; empty means clean.
func StatusPorcelain(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddAll stages every change in dir.
func AddAll(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "add", "-A")
	return err
}

// Commit records staged changes with the given message.
func Commit(ctx context.Context, dir, message string) error {
	_, err := Run(ctx, dir, "commit", "-m", message)
	return err
}

// HeadSHA returns the current commit hash in dir.
func HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push publishes branch to origin with upstream tracking.
func Push(ctx context.Context, dir, branch string) error {
	_, err := Run(ctx, dir, "push", "-u", "origin", branch)
	return err
}

// ShowHeadPatch returns the patch and stat for the HEAD commit.
func ShowHeadPatch(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "show", "--patch", "--stat", "HEAD")
}

// DiffPatch returns the uncommitted patch and stat.
func DiffPatch(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "diff", "--patch", "--stat")
}

// RefExists reports whether a fully qualified ref exists.
func RefExists(ctx context.Context, root, ref string) bool {
	_, err := Run(ctx, root, "show-ref", "--verify", ref)
	return err == nil
}
