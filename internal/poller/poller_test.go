package poller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ralexstokes/scryer/internal/github"
	"github.com/ralexstokes/scryer/internal/store"
)

type fakeSource struct {
	issues  []github.Issue
	listErr error
	label   string
}

func (f *fakeSource) ListOpenIssues(ctx context.Context, label string) ([]github.Issue, error) {
	f.label = label
	return f.issues, f.listErr
}

func (f *fakeSource) ViewIssue(ctx context.Context, number int64) (*github.Issue, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSource) ListOpenPRsForBranch(ctx context.Context, branch string) ([]github.PR, error) {
	return nil, nil
}

func (f *fakeSource) CreatePR(ctx context.Context, pr github.PRCreate) (string, error) {
	return "", nil
}

func (f *fakeSource) CommentIssue(ctx context.Context, number int64, body string) error {
	return nil
}

func strPtr(s string) *string { return &s }

func TestPollAndUpsert(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "ns")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	source := &fakeSource{issues: []github.Issue{
		{Number: 1, Title: "first", URL: strPtr("https://x/1"), Labels: []string{"enhancement"}, UpdatedAt: strPtr("2026-08-01T00:00:00Z")},
		{Number: 2, Title: "second", Labels: []string{"enhancement", "bug"}},
	}}

	p := New(source, st, "enhancement", zerolog.Nop())
	count, err := p.PollAndUpsert(context.Background())
	if err != nil {
		t.Fatalf("PollAndUpsert() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if source.label != "enhancement" {
		t.Errorf("queried label = %q", source.label)
	}

	issue, err := st.GetIssue(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if issue == nil || issue.Status != store.StatusPending {
		t.Fatalf("issue 1 = %+v, want pending row", issue)
	}
	if issue.Body != nil {
		t.Error("list results must not carry bodies")
	}
	if len(issue.Labels) != 1 || issue.Labels[0] != "enhancement" {
		t.Errorf("labels = %v", issue.Labels)
	}
}

func TestPollAndUpsertPropagatesError(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "ns")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	wantErr := &github.CommandError{Args: []string{"issue", "list"}, ExitCode: 1}
	p := New(&fakeSource{listErr: wantErr}, st, "enhancement", zerolog.Nop())

	if _, err := p.PollAndUpsert(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("PollAndUpsert() error = %v, want %v", err, wantErr)
	}
}
