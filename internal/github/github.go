// Package github talks to GitHub through the gh CLI. Authentication is
// gh's problem (GH_TOKEN or gh auth login); commands run inside the
// repository so gh infers which repo to target.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Issue is the normalised issue shape handed to the rest of the system.
type Issue struct {
	Number    int64
	Title     string
	Body      *string
	URL       *string
	State     string
	Labels    []string
	UpdatedAt *string
}

// PR identifies an existing pull request.
type PR struct {
	Number int64
	URL    string
}

// PRCreate holds the fields for opening a pull request.
type PRCreate struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// IssueSource is the slice of GitHub the poller, daemon and PR manager
// consume. *Client implements it; tests substitute fakes.
type IssueSource interface {
	ListOpenIssues(ctx context.Context, label string) ([]Issue, error)
	ViewIssue(ctx context.Context, number int64) (*Issue, error)
	ListOpenPRsForBranch(ctx context.Context, branch string) ([]PR, error)
	CreatePR(ctx context.Context, pr PRCreate) (string, error)
	CommentIssue(ctx context.Context, number int64, body string) error
}

// CommandError reports a gh invocation that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("gh %s exited with code %d: %s",
		strings.Join(e.Args, " "), e.ExitCode, msg)
}

// Client runs gh commands rooted in one repository checkout.
type Client struct {
	repoRoot string
	timeout  time.Duration
}

// NewClient returns a client whose gh invocations run in repoRoot.
func NewClient(repoRoot string) *Client {
	return &Client{repoRoot: repoRoot, timeout: 60 * time.Second}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = c.repoRoot
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return "", &CommandError{
			Args:     args,
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), nil
}

// ghIssue mirrors gh's JSON output for issues.
type ghIssue struct {
	Number    int64     `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Labels    []ghLabel `json:"labels"`
	UpdatedAt string    `json:"updatedAt"`
	CreatedAt string    `json:"createdAt"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghPR struct {
	Number int64  `json:"number"`
	URL    string `json:"url"`
}

func (gi *ghIssue) toIssue() Issue {
	labels := make([]string, len(gi.Labels))
	for i, l := range gi.Labels {
		labels[i] = l.Name
	}
	issue := Issue{
		Number: gi.Number,
		Title:  gi.Title,
		State:  strings.ToUpper(gi.State),
		Labels: labels,
	}
	if gi.Body != "" {
		body := gi.Body
		issue.Body = &body
	}
	if gi.URL != "" {
		url := gi.URL
		issue.URL = &url
	}
	if gi.UpdatedAt != "" {
		updated := gi.UpdatedAt
		issue.UpdatedAt = &updated
	}
	return issue
}

// ListOpenIssues returns up to 100 open issues carrying label, most
// recently updated first.
func (c *Client) ListOpenIssues(ctx context.Context, label string) ([]Issue, error) {
	search := fmt.Sprintf("is:issue is:open label:%s sort:updated-desc", label)
	out, err := c.run(ctx, "issue", "list",
		"--search", search,
		"--limit", "100",
		"--json", "number,title,updatedAt,createdAt,url,labels")
	if err != nil {
		return nil, err
	}

	var raw []ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse issue list: %w", err)
	}
	issues := make([]Issue, len(raw))
	for i := range raw {
		issues[i] = raw[i].toIssue()
	}
	return issues, nil
}

// ViewIssue fetches one issue including its body and open/closed state.
func (c *Client) ViewIssue(ctx context.Context, number int64) (*Issue, error) {
	out, err := c.run(ctx, "issue", "view", strconv.FormatInt(number, 10),
		"--json", "number,title,body,url,labels,updatedAt,state")
	if err != nil {
		return nil, err
	}

	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse issue %d: %w", number, err)
	}
	issue := raw.toIssue()
	return &issue, nil
}

// ListOpenPRsForBranch returns open pull requests whose head is branch.
func (c *Client) ListOpenPRsForBranch(ctx context.Context, branch string) ([]PR, error) {
	out, err := c.run(ctx, "pr", "list",
		"--head", branch,
		"--state", "open",
		"--json", "number,url")
	if err != nil {
		return nil, err
	}

	var raw []ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pr list: %w", err)
	}
	prs := make([]PR, len(raw))
	for i, p := range raw {
		prs[i] = PR{Number: p.Number, URL: p.URL}
	}
	return prs, nil
}

// CreatePR opens a pull request and returns gh's raw output, which
// normally contains the new PR URL.
func (c *Client) CreatePR(ctx context.Context, pr PRCreate) (string, error) {
	args := []string{"pr", "create",
		"--title", pr.Title,
		"--body", pr.Body,
		"--head", pr.Head,
		"--base", pr.Base,
	}
	if pr.Draft {
		args = append(args, "--draft")
	}
	return c.run(ctx, args...)
}

// CommentIssue posts a comment on an issue.
func (c *Client) CommentIssue(ctx context.Context, number int64, body string) error {
	_, err := c.run(ctx, "issue", "comment", strconv.FormatInt(number, 10),
		"--body", body)
	return err
}

var prURLRe = regexp.MustCompile(`/pull/(\d+)`)

// ParsePRNumber pulls a pull request number out of text containing a PR
// URL, or nil when none is found.
func ParsePRNumber(text string) *int64 {
	m := prURLRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
