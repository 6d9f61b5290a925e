package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ralexstokes/scryer/internal/config"
	"github.com/ralexstokes/scryer/internal/github"
	"github.com/ralexstokes/scryer/internal/poller"
	"github.com/ralexstokes/scryer/internal/pr"
	"github.com/ralexstokes/scryer/internal/runner"
	"github.com/ralexstokes/scryer/internal/store"
)

func strPtr(s string) *string { return &s }

type fakeSource struct {
	listed []github.Issue
	full   map[int64]github.Issue

	listErr error
	viewErr error
}

func (f *fakeSource) ListOpenIssues(ctx context.Context, label string) ([]github.Issue, error) {
	return f.listed, f.listErr
}

func (f *fakeSource) ViewIssue(ctx context.Context, number int64) (*github.Issue, error) {
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	issue, ok := f.full[number]
	if !ok {
		return nil, &github.CommandError{Args: []string{"issue", "view"}, ExitCode: 1, Stderr: "not found"}
	}
	return &issue, nil
}

func (f *fakeSource) ListOpenPRsForBranch(ctx context.Context, branch string) ([]github.PR, error) {
	return nil, nil
}

func (f *fakeSource) CreatePR(ctx context.Context, p github.PRCreate) (string, error) {
	return "", nil
}

func (f *fakeSource) CommentIssue(ctx context.Context, number int64, body string) error {
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	result func(issue *store.Issue) *runner.Result
	runs   []int64
}

func (f *fakeRunner) Run(ctx context.Context, issue *store.Issue) *runner.Result {
	f.mu.Lock()
	f.runs = append(f.runs, issue.ID)
	f.mu.Unlock()
	return f.result(issue)
}

type fakePRs struct {
	info  *pr.Info
	calls int
}

func (f *fakePRs) EnsurePR(ctx context.Context, issue *store.Issue, branch string) (*pr.Info, error) {
	f.calls++
	return f.info, nil
}

func openIssue(id int64, labels ...string) github.Issue {
	return github.Issue{
		Number:    id,
		Title:     "issue title",
		Body:      strPtr("body"),
		URL:       strPtr("https://x/issues/1"),
		State:     "OPEN",
		Labels:    labels,
		UpdatedAt: strPtr("2026-08-01T00:00:00Z"),
	}
}

type fixture struct {
	cfg    *config.Config
	store  *store.Store
	source *fakeSource
	runner *fakeRunner
	prs    *fakePRs
	daemon *Daemon
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.WorkerID = "test-worker"
	cfg.RepoNamespace = "ns"

	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(path, "ns")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	prNumber := int64(77)
	f := &fixture{
		cfg:    cfg,
		store:  st,
		source: &fakeSource{full: map[int64]github.Issue{}},
		runner: &fakeRunner{},
		prs: &fakePRs{info: &pr.Info{
			Number:  &prNumber,
			URL:     strPtr("https://x/pull/77"),
			Created: true,
		}},
	}
	f.runner.result = func(issue *store.Issue) *runner.Result {
		sha := "abc123"
		return &runner.Result{
			Status:  runner.StatusPushed,
			Branch:  "codex/issue-1",
			RunDir:  "/runs/1",
			HeadSHA: &sha,
		}
	}
	openStore := func() (*store.Store, error) { return store.Open(path, "ns") }
	f.daemon = New(cfg, st, f.source, poller.New(f.source, st, cfg.TriggerLabel, zerolog.Nop()),
		f.runner, f.prs, openStore, zerolog.Nop())
	return f
}

func TestRunOnceProcessesIssueToDone(t *testing.T) {
	f := newFixture(t)
	f.source.listed = []github.Issue{openIssue(1, "enhancement")}
	f.source.full[1] = openIssue(1, "enhancement")

	result, err := f.daemon.RunOnce(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !result.Processed || result.Status != store.StatusDone {
		t.Fatalf("result = %+v, want processed done", result)
	}
	if f.prs.calls != 1 {
		t.Errorf("EnsurePR calls = %d, want 1", f.prs.calls)
	}

	issue, _ := f.store.GetIssue(context.Background(), 1)
	if issue.Status != store.StatusDone {
		t.Errorf("store status = %q", issue.Status)
	}
	if issue.PRNumber == nil || *issue.PRNumber != 77 {
		t.Errorf("PRNumber = %v", issue.PRNumber)
	}
	if issue.Branch == nil || *issue.Branch != "codex/issue-1" {
		t.Errorf("Branch = %v", issue.Branch)
	}

	today := time.Now().Format("2006-01-02")
	n, _ := f.store.DailyDoneCount(context.Background(), today)
	if n != 1 {
		t.Errorf("daily done count = %d, want 1", n)
	}
}

func TestRunOncePreflightSkips(t *testing.T) {
	tests := []struct {
		name       string
		issue      github.Issue
		wantReason string
	}{
		{
			"closed issue",
			github.Issue{Number: 1, Title: "t", State: "CLOSED", Labels: []string{"enhancement"}},
			"issue is no longer open",
		},
		{
			"trigger label removed",
			github.Issue{Number: 1, Title: "t", State: "OPEN", Labels: []string{"bug"}},
			"missing trigger label 'enhancement'",
		},
		{
			"skip labels win",
			github.Issue{Number: 1, Title: "t", State: "OPEN", Labels: []string{"enhancement", "wontfix", "blocked"}},
			"contains skip label(s): blocked, wontfix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.source.listed = []github.Issue{openIssue(1, "enhancement")}
			f.source.full[1] = tt.issue

			result, err := f.daemon.RunOnce(context.Background(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if result.Status != store.StatusSkipped {
				t.Fatalf("result = %+v, want skipped", result)
			}
			if len(f.runner.runs) != 0 {
				t.Error("runner invoked for preflight-skipped issue")
			}

			issue, _ := f.store.GetIssue(context.Background(), 1)
			if issue.LastError == nil || *issue.LastError != tt.wantReason {
				t.Errorf("LastError = %v, want %q", issue.LastError, tt.wantReason)
			}
		})
	}
}

func TestRunOnceRunnerOutcomesMapToStore(t *testing.T) {
	tests := []struct {
		name       string
		result     *runner.Result
		wantStatus string
	}{
		{"skipped", &runner.Result{Status: runner.StatusSkipped, RunDir: "/r", Error: strPtr("no changes produced")}, store.StatusSkipped},
		{"timeout", &runner.Result{Status: runner.StatusTimeout, RunDir: "/r", Error: strPtr("Codex timed out after 900s")}, store.StatusTimeout},
		{"failed", &runner.Result{Status: runner.StatusFailed, RunDir: "/r", Error: strPtr("boom")}, store.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.source.listed = []github.Issue{openIssue(1, "enhancement")}
			f.source.full[1] = openIssue(1, "enhancement")
			f.runner.result = func(issue *store.Issue) *runner.Result { return tt.result }

			result, err := f.daemon.RunOnce(context.Background(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if result.Status != tt.wantStatus {
				t.Errorf("cycle status = %q, want %q", result.Status, tt.wantStatus)
			}

			issue, _ := f.store.GetIssue(context.Background(), 1)
			if issue.Status != tt.wantStatus {
				t.Errorf("store status = %q, want %q", issue.Status, tt.wantStatus)
			}
			if issue.LastRunDir == nil || *issue.LastRunDir != "/r" {
				t.Errorf("LastRunDir = %v", issue.LastRunDir)
			}
			if f.prs.calls != 0 {
				t.Error("EnsurePR called for non-pushed result")
			}
		})
	}
}

func TestRunOnceHonorsDailyCap(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxIssuesPerDay = 1
	f.source.listed = []github.Issue{openIssue(1, "enhancement")}
	f.source.full[1] = openIssue(1, "enhancement")

	today := time.Now().Format("2006-01-02")
	if _, err := f.store.IncrementDailyDoneCount(context.Background(), today); err != nil {
		t.Fatal(err)
	}

	result, err := f.daemon.RunOnce(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Processed || result.Status != "" {
		t.Errorf("result = %+v, want nothing processed at cap", result)
	}
	if len(f.runner.runs) != 0 {
		t.Error("runner invoked past the daily cap")
	}

	// Requested-issue mode bypasses the cap.
	id := int64(1)
	result, err = f.daemon.RunOnce(context.Background(), &id)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Processed {
		t.Error("requested-issue run did not process past the cap")
	}
}

func TestRunOnceRequestedIssueFetchesUnknown(t *testing.T) {
	f := newFixture(t)
	// Not in the poll listing, only available via view.
	f.source.full[42] = openIssue(42, "enhancement")

	id := int64(42)
	result, err := f.daemon.RunOnce(context.Background(), &id)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Processed || result.Status != store.StatusDone {
		t.Fatalf("result = %+v, want processed done", result)
	}
	if len(f.runner.runs) != 1 || f.runner.runs[0] != 42 {
		t.Errorf("runner runs = %v", f.runner.runs)
	}
}

func TestRunOnceRequestedIssueNotPending(t *testing.T) {
	f := newFixture(t)

	id := int64(99)
	result, err := f.daemon.RunOnce(context.Background(), &id)
	if err == nil {
		if result.Processed {
			t.Errorf("result = %+v, want unprocessed", result)
		}
	}
	// The fetch of an unknown issue fails upstream; either outcome must
	// leave the store empty.
	issue, _ := f.store.GetIssue(context.Background(), 99)
	if issue != nil {
		t.Errorf("store row = %+v, want none", issue)
	}
}

func TestRunOnceParallelBatch(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxConcurrent = 3
	f.source.listed = []github.Issue{
		openIssue(1, "enhancement"),
		openIssue(2, "enhancement"),
		openIssue(3, "enhancement"),
	}
	for id := int64(1); id <= 3; id++ {
		f.source.full[id] = openIssue(id, "enhancement")
	}
	f.runner.result = func(issue *store.Issue) *runner.Result {
		if issue.ID == 2 {
			return &runner.Result{Status: runner.StatusFailed, RunDir: "/r", Error: strPtr("boom")}
		}
		sha := "abc123"
		return &runner.Result{Status: runner.StatusPushed, Branch: "b", RunDir: "/r", HeadSHA: &sha}
	}

	result, err := f.daemon.RunOnce(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Processed {
		t.Fatal("batch not processed")
	}
	// Any success wins the aggregate.
	if result.Status != store.StatusDone {
		t.Errorf("aggregate = %q, want done", result.Status)
	}

	counts, _ := f.store.StatusCounts(context.Background())
	if counts[store.StatusDone] != 2 || counts[store.StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"empty", nil, ""},
		{"single done", []string{"done"}, "done"},
		{"done beats skipped", []string{"skipped", "done"}, "done"},
		{"skipped beats partial failure", []string{"failed", "skipped"}, "skipped"},
		{"all failed", []string{"failed", "failed"}, "failed"},
		{"all timeout", []string{"timeout", "timeout"}, "timeout"},
		{"mixed failure prefers failed", []string{"timeout", "failed"}, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aggregateStatus(tt.statuses); got != tt.want {
				t.Errorf("aggregateStatus(%v) = %q, want %q", tt.statuses, got, tt.want)
			}
		})
	}
}

func TestSleepInterruptibleStops(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.daemon.Stop()
	}()
	f.daemon.sleepInterruptible(context.Background(), 30*time.Second)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("sleep did not stop promptly, took %v", elapsed)
	}
}
