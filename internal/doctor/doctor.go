// Package doctor probes the environment the daemon depends on: the
// external binaries, the repository, gh authentication, and the
// writable working directories.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ralexstokes/scryer/internal/config"
	"github.com/ralexstokes/scryer/internal/gitutil"
)

// CheckResult is one probe outcome.
type CheckResult struct {
	Name    string
	OK      bool
	Message string
}

func pass(name, message string) CheckResult {
	return CheckResult{Name: name, OK: true, Message: message}
}

func fail(name, message string) CheckResult {
	return CheckResult{Name: name, OK: false, Message: message}
}

// Run executes every check and reports whether all passed.
func Run(ctx context.Context, cfg *config.Config, repoRoot string) ([]CheckResult, bool) {
	var results []CheckResult

	gitPath, gitErr := exec.LookPath("git")
	if gitErr == nil {
		results = append(results, pass("git binary", gitPath))
	} else {
		results = append(results, fail("git binary", "git not found in PATH"))
	}

	if codexPath, err := exec.LookPath(cfg.Codex.Command); err == nil {
		results = append(results, pass("codex binary", codexPath))
	} else {
		results = append(results, fail("codex binary",
			fmt.Sprintf("%q not found in PATH; set codex command or install the Codex CLI", cfg.Codex.Command)))
	}

	ghPath, ghErr := exec.LookPath("gh")
	if ghErr == nil {
		results = append(results, pass("gh binary", ghPath))
	} else {
		results = append(results, fail("gh binary", "gh not found in PATH"))
	}

	if gitErr == nil {
		results = append(results, checkRepository(ctx, cfg, repoRoot)...)
	}
	if ghErr == nil {
		results = append(results, checkGh(ctx, repoRoot)...)
	}

	results = append(results, checkWorkdir(cfg), checkDBParent(cfg))

	ok := true
	for _, result := range results {
		ok = ok && result.OK
	}
	return results, ok
}

func checkRepository(ctx context.Context, cfg *config.Config, repoRoot string) []CheckResult {
	var results []CheckResult

	if top, err := gitutil.Run(ctx, repoRoot, "rev-parse", "--show-toplevel"); err == nil {
		results = append(results, pass("git repository", strings.TrimSpace(top)))
	} else {
		results = append(results, fail("git repository", err.Error()))
	}

	if remote := gitutil.OriginURL(ctx, repoRoot); remote != "" {
		results = append(results, pass("git origin remote", remote))
	} else {
		results = append(results, fail("git origin remote", "missing origin remote"))
	}

	local := gitutil.RefExists(ctx, repoRoot, "refs/heads/"+cfg.BaseBranch)
	remote := gitutil.RefExists(ctx, repoRoot, "refs/remotes/origin/"+cfg.BaseBranch)
	switch {
	case local:
		results = append(results, pass("base branch", cfg.BaseBranch+" found (local)"))
	case remote:
		results = append(results, pass("base branch", cfg.BaseBranch+" found (origin)"))
	default:
		results = append(results, fail("base branch",
			fmt.Sprintf("%s not found locally or at origin/%s", cfg.BaseBranch, cfg.BaseBranch)))
	}
	return results
}

func checkGh(ctx context.Context, repoRoot string) []CheckResult {
	var results []CheckResult

	if _, err := runCommand(ctx, "", "gh", "auth", "status", "--hostname", "github.com"); err == nil {
		results = append(results, pass("gh auth", "authenticated"))
	} else {
		results = append(results, fail("gh auth", err.Error()))
	}

	out, err := runCommand(ctx, repoRoot, "gh", "repo", "view", "--json", "nameWithOwner")
	if err != nil {
		results = append(results, fail("repo access", err.Error()))
		return results
	}
	repoName := "inferred repository"
	var payload struct {
		NameWithOwner string `json:"nameWithOwner"`
	}
	if json.Unmarshal([]byte(out), &payload) == nil && strings.TrimSpace(payload.NameWithOwner) != "" {
		repoName = strings.TrimSpace(payload.NameWithOwner)
	}
	results = append(results, pass("repo access", repoName))
	return results
}

func checkWorkdir(cfg *config.Config) CheckResult {
	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		return fail("workdir writable", err.Error())
	}
	probe := filepath.Join(cfg.Workdir, ".doctor_write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fail("workdir writable", err.Error())
	}
	os.Remove(probe)
	return pass("workdir writable", cfg.Workdir)
}

func checkDBParent(cfg *config.Config) CheckResult {
	parent := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fail("db path parent", err.Error())
	}
	return pass("db path parent", parent)
}

func runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s", msg)
	}
	return stdout.String(), nil
}

// PrintReport writes one [PASS]/[FAIL] line per check.
func PrintReport(w io.Writer, results []CheckResult) {
	for _, result := range results {
		status := "PASS"
		if !result.OK {
			status = "FAIL"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", status, result.Name, result.Message)
	}
}
