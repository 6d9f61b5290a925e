package pr

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ralexstokes/scryer/internal/config"
	"github.com/ralexstokes/scryer/internal/github"
	"github.com/ralexstokes/scryer/internal/store"
)

type fakeSource struct {
	existing    []github.PR
	afterCreate []github.PR
	createOut   string

	created  []github.PRCreate
	comments []string
}

func (f *fakeSource) ListOpenIssues(ctx context.Context, label string) ([]github.Issue, error) {
	return nil, nil
}

func (f *fakeSource) ViewIssue(ctx context.Context, number int64) (*github.Issue, error) {
	return nil, nil
}

func (f *fakeSource) ListOpenPRsForBranch(ctx context.Context, branch string) ([]github.PR, error) {
	if len(f.created) > 0 {
		return f.afterCreate, nil
	}
	return f.existing, nil
}

func (f *fakeSource) CreatePR(ctx context.Context, pr github.PRCreate) (string, error) {
	f.created = append(f.created, pr)
	return f.createOut, nil
}

func (f *fakeSource) CommentIssue(ctx context.Context, number int64, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func testIssue() *store.Issue {
	return &store.Issue{Namespace: "ns", ID: 5, Title: "  Add retry logic  "}
}

func TestEnsurePRReturnsExisting(t *testing.T) {
	source := &fakeSource{existing: []github.PR{{Number: 9, URL: "https://x/pull/9"}}}
	m := NewManager(config.DefaultConfig(), source, zerolog.Nop())

	info, err := m.EnsurePR(context.Background(), testIssue(), "codex/issue-5")
	if err != nil {
		t.Fatalf("EnsurePR() error = %v", err)
	}
	if info.Created {
		t.Error("Created = true, want false for existing PR")
	}
	if info.Number == nil || *info.Number != 9 {
		t.Errorf("Number = %v, want 9", info.Number)
	}
	if len(source.created) != 0 {
		t.Errorf("CreatePR called %d times, want 0", len(source.created))
	}
}

func TestEnsurePRCreates(t *testing.T) {
	cfg := config.DefaultConfig()
	source := &fakeSource{
		afterCreate: []github.PR{{Number: 12, URL: "https://x/pull/12"}},
	}
	m := NewManager(cfg, source, zerolog.Nop())

	info, err := m.EnsurePR(context.Background(), testIssue(), "codex/issue-5")
	if err != nil {
		t.Fatal(err)
	}
	if !info.Created {
		t.Error("Created = false, want true")
	}
	if info.Number == nil || *info.Number != 12 {
		t.Errorf("Number = %v, want 12", info.Number)
	}

	if len(source.created) != 1 {
		t.Fatalf("CreatePR called %d times", len(source.created))
	}
	created := source.created[0]
	if created.Title != "[Codex] Add retry logic" {
		t.Errorf("Title = %q", created.Title)
	}
	if created.Head != "codex/issue-5" || created.Base != cfg.BaseBranch {
		t.Errorf("Head/Base = %q/%q", created.Head, created.Base)
	}
	if !created.Draft {
		t.Error("Draft = false, want config default true")
	}
	if !strings.Contains(created.Body, "Fixes #5") {
		t.Errorf("Body = %q, missing Fixes line", created.Body)
	}
	for _, section := range []string{"### What Changed", "### How To Verify"} {
		if !strings.Contains(created.Body, section) {
			t.Errorf("Body missing %q", section)
		}
	}
	if len(source.comments) != 0 {
		t.Error("comment posted without issue_comment_on_success")
	}
}

func TestEnsurePRFallsBackToCreationOutput(t *testing.T) {
	source := &fakeSource{createOut: "https://github.com/a/b/pull/33\n"}
	m := NewManager(config.DefaultConfig(), source, zerolog.Nop())

	info, err := m.EnsurePR(context.Background(), testIssue(), "codex/issue-5")
	if err != nil {
		t.Fatal(err)
	}
	if info.Number == nil || *info.Number != 33 {
		t.Errorf("Number = %v, want 33 parsed from output", info.Number)
	}
	if info.URL == nil || !strings.Contains(*info.URL, "/pull/33") {
		t.Errorf("URL = %v", info.URL)
	}
}

func TestEnsurePRCommentsWhenConfigured(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.IssueCommentOnSuccess = true
	source := &fakeSource{
		afterCreate: []github.PR{{Number: 2, URL: "https://x/pull/2"}},
	}
	m := NewManager(cfg, source, zerolog.Nop())

	if _, err := m.EnsurePR(context.Background(), testIssue(), "codex/issue-5"); err != nil {
		t.Fatal(err)
	}
	if len(source.comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(source.comments))
	}
	if !strings.Contains(source.comments[0], "https://x/pull/2") {
		t.Errorf("comment = %q", source.comments[0])
	}
}
