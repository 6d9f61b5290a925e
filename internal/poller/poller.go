// Package poller pulls labelled open issues from the issue source into
// the store.
package poller

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ralexstokes/scryer/internal/github"
	"github.com/ralexstokes/scryer/internal/store"
)

// Poller fetches candidate issues and upserts them as pending rows.
// It never transitions anything terminal; stale issues keep whatever
// state they already reached.
type Poller struct {
	source       github.IssueSource
	store        *store.Store
	triggerLabel string
	log          zerolog.Logger
}

// New returns a Poller for the given trigger label.
func New(source github.IssueSource, st *store.Store, triggerLabel string, log zerolog.Logger) *Poller {
	return &Poller{source: source, store: st, triggerLabel: triggerLabel, log: log}
}

// PollAndUpsert lists open issues with the trigger label and upserts
// them. Returns the number fetched.
func (p *Poller) PollAndUpsert(ctx context.Context) (int, error) {
	issues, err := p.source.ListOpenIssues(ctx, p.triggerLabel)
	if err != nil {
		return 0, err
	}

	polled := make([]store.PolledIssue, len(issues))
	for i, issue := range issues {
		polled[i] = store.PolledIssue{
			ID:        issue.Number,
			Title:     issue.Title,
			Body:      nil, // list endpoint omits bodies; the preflight re-read fills them in
			URL:       issue.URL,
			Labels:    issue.Labels,
			UpdatedAt: issue.UpdatedAt,
		}
	}
	if err := p.store.UpsertPolled(ctx, polled); err != nil {
		return 0, err
	}

	p.log.Debug().Int("count", len(polled)).Str("label", p.triggerLabel).Msg("polled issues")
	return len(polled), nil
}
