// Package daemon owns the control loop: poll, requeue, claim, dispatch
// workers, publish, and back off when upstream misbehaves.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ralexstokes/scryer/internal/config"
	"github.com/ralexstokes/scryer/internal/github"
	"github.com/ralexstokes/scryer/internal/poller"
	"github.com/ralexstokes/scryer/internal/pr"
	"github.com/ralexstokes/scryer/internal/runner"
	"github.com/ralexstokes/scryer/internal/store"
)

// CycleResult reports one cycle: whether any issue was processed and
// the terminal status, aggregated across a batch. Status is empty when
// nothing was processed.
type CycleResult struct {
	Processed bool
	Status    string
}

const maxBackoff = 300 * time.Second

// Daemon wires the components together and runs cycles until stopped.
type Daemon struct {
	cfg    *config.Config
	store  *store.Store
	source github.IssueSource
	poller *poller.Poller
	runner runner.IssueRunner
	prs    pr.Ensurer
	log    zerolog.Logger

	// openStore opens an extra store handle for a parallel worker; the
	// store file supports concurrent writers.
	openStore func() (*store.Store, error)

	stop atomic.Bool
}

// New assembles a Daemon. openStore is called once per parallel worker.
func New(
	cfg *config.Config,
	st *store.Store,
	source github.IssueSource,
	p *poller.Poller,
	r runner.IssueRunner,
	prs pr.Ensurer,
	openStore func() (*store.Store, error),
	log zerolog.Logger,
) *Daemon {
	return &Daemon{
		cfg:       cfg,
		store:     st,
		source:    source,
		poller:    p,
		runner:    r,
		prs:       prs,
		openStore: openStore,
		log:       log,
	}
}

// Stop requests an orderly shutdown: in-flight work finishes, no new
// claims start.
func (d *Daemon) Stop() {
	d.stop.Store(true)
}

// Stopping reports whether shutdown has been requested.
func (d *Daemon) Stopping() bool {
	return d.stop.Load()
}

// InstallSignalHandlers makes SIGINT and SIGTERM request a stop.
func (d *Daemon) InstallSignalHandlers() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		d.log.Info().Str("signal", sig.String()).Msg("signal received, stop requested")
		d.Stop()
	}()
}

// RunForever loops cycles until a stop is requested. Upstream failures
// back off exponentially (capped at 5 minutes); three consecutive
// failed or timed-out cycles stretch the next sleep.
func (d *Daemon) RunForever(ctx context.Context) {
	d.InstallSignalHandlers()

	ghBackoff := d.cfg.PollInterval
	consecutiveFailures := 0
	cycle := 0
	d.log.Info().
		Str("worker", d.cfg.WorkerID).
		Dur("poll_interval", d.cfg.PollInterval).
		Dur("lease", d.cfg.LeaseDuration).
		Int("max_attempts", d.cfg.MaxAttempts).
		Int("max_concurrent", d.cfg.MaxConcurrent).
		Msg("daemon started")

	for !d.Stopping() && ctx.Err() == nil {
		cycle++
		cycleStarted := time.Now()

		result, err := d.RunOnce(ctx, nil)
		if err != nil {
			var cmdErr *github.CommandError
			if errors.As(err, &cmdErr) {
				wait := minDuration(ghBackoff, maxBackoff)
				d.log.Error().
					Int("cycle", cycle).
					Dur("backoff", wait).
					Err(err).
					Msg("github operation failed")
				ghBackoff = minDuration(ghBackoff*2, maxBackoff)
				d.sleepInterruptible(ctx, wait)
				continue
			}
			d.log.Error().Int("cycle", cycle).Err(err).Msg("unexpected daemon loop error")
			d.sleepInterruptible(ctx, d.cfg.PollInterval)
			continue
		}
		ghBackoff = d.cfg.PollInterval

		d.log.Info().
			Int("cycle", cycle).
			Bool("processed", result.Processed).
			Str("status", result.Status).
			Int("elapsed_seconds", int(time.Since(cycleStarted).Seconds())).
			Msg("cycle complete")

		switch {
		case result.Status == store.StatusFailed || result.Status == store.StatusTimeout:
			consecutiveFailures++
		case result.Processed:
			consecutiveFailures = 0
		}

		sleep := d.cfg.PollInterval
		if consecutiveFailures >= 3 {
			sleep = minDuration(d.cfg.PollInterval*3, maxBackoff)
			d.log.Warn().
				Int("cycle", cycle).
				Int("count", consecutiveFailures).
				Dur("wait", sleep).
				Msg("consecutive failures threshold reached")
		}
		d.sleepInterruptible(ctx, sleep)
	}
	d.log.Info().Msg("daemon stopped")
}

// RunOnce executes one cycle. With a non-nil issueID the daily cap is
// bypassed and only that issue is considered.
func (d *Daemon) RunOnce(ctx context.Context, issueID *int64) (CycleResult, error) {
	polled, err := d.poller.PollAndUpsert(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	d.log.Info().Int("fetched", polled).Msg("poll sync complete")

	expired, err := d.store.RequeueExpiredLeases(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	if expired > 0 {
		d.log.Info().Int("count", expired).Msg("requeued expired leases")
	}

	if issueID != nil {
		issue, err := d.claimTargetIssue(ctx, *issueID)
		if err != nil {
			return CycleResult{}, err
		}
		if issue == nil {
			d.log.Info().Int64("issue", *issueID).Msg("requested issue is not pending")
			return CycleResult{}, nil
		}
		return d.handleIssue(ctx, issue, d.store), nil
	}

	claimLimit, err := d.claimLimitForCycle(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	if claimLimit <= 0 {
		d.log.Warn().Int("limit", d.cfg.MaxIssuesPerDay).Msg("daily issue limit reached")
		return CycleResult{}, nil
	}

	issues, err := d.claimPendingBatch(ctx, claimLimit)
	if err != nil {
		return CycleResult{}, err
	}
	if len(issues) == 0 {
		d.log.Info().Msg("no pending issues available")
		return CycleResult{}, nil
	}

	ids := make([]string, len(issues))
	for i, issue := range issues {
		ids[i] = fmt.Sprintf("%d", issue.ID)
	}
	d.log.Info().
		Int("count", len(issues)).
		Int("max_concurrent", d.cfg.MaxConcurrent).
		Str("issue_ids", strings.Join(ids, ",")).
		Msg("claimed issues")

	return d.processClaimedIssues(ctx, issues), nil
}

func (d *Daemon) claimLimitForCycle(ctx context.Context) (int, error) {
	today := time.Now().Format("2006-01-02")
	done, err := d.store.DailyDoneCount(ctx, today)
	if err != nil {
		return 0, err
	}
	remaining := d.cfg.MaxIssuesPerDay - done
	if remaining <= 0 {
		return 0, nil
	}
	return min(max(1, d.cfg.MaxConcurrent), remaining), nil
}

func (d *Daemon) claimPendingBatch(ctx context.Context, limit int) ([]*store.Issue, error) {
	var claimed []*store.Issue
	for i := 0; i < limit; i++ {
		issue, err := d.store.ClaimNextPending(ctx, d.cfg.WorkerID, d.cfg.MaxAttempts, d.cfg.LeaseDuration)
		if err != nil {
			return claimed, err
		}
		if issue == nil {
			break
		}
		claimed = append(claimed, issue)
	}
	return claimed, nil
}

func (d *Daemon) processClaimedIssues(ctx context.Context, issues []*store.Issue) CycleResult {
	if len(issues) == 1 && d.cfg.MaxConcurrent <= 1 {
		return d.handleIssue(ctx, issues[0], d.store)
	}

	results := make([]CycleResult, len(issues))
	var g errgroup.Group
	for i, issue := range issues {
		i, issue := i, issue
		g.Go(func() error {
			workerStore, err := d.openStore()
			if err != nil {
				d.log.Error().Int64("issue", issue.ID).Err(err).Msg("worker store open failed")
				d.store.MarkFailed(ctx, issue.ID, err.Error(), nil)
				results[i] = CycleResult{Processed: true, Status: store.StatusFailed}
				return nil
			}
			defer workerStore.Close()
			results[i] = d.handleIssue(ctx, issue, workerStore)
			return nil
		})
	}
	g.Wait()

	var statuses []string
	processed := false
	for _, result := range results {
		processed = processed || result.Processed
		if result.Status != "" {
			statuses = append(statuses, result.Status)
		}
	}
	return CycleResult{Processed: processed, Status: aggregateStatus(statuses)}
}

// aggregateStatus reduces a batch to one tag. An all-failure batch
// reports failed (or timeout when there were only timeouts); otherwise
// any success wins, then skips, then partial failures.
func aggregateStatus(statuses []string) string {
	if len(statuses) == 0 {
		return ""
	}
	count := make(map[string]int)
	allFailed := true
	for _, status := range statuses {
		count[status]++
		if status != store.StatusFailed && status != store.StatusTimeout {
			allFailed = false
		}
	}
	if allFailed {
		if count[store.StatusFailed] > 0 {
			return store.StatusFailed
		}
		return store.StatusTimeout
	}
	for _, status := range []string{store.StatusDone, store.StatusSkipped, store.StatusTimeout, store.StatusFailed} {
		if count[status] > 0 {
			return status
		}
	}
	return statuses[0]
}

// claimTargetIssue claims one specific issue, fetching and upserting it
// first if the store has never seen it (or its row is stale).
func (d *Daemon) claimTargetIssue(ctx context.Context, issueID int64) (*store.Issue, error) {
	issue, err := d.store.ClaimPendingByID(ctx, issueID, d.cfg.WorkerID, d.cfg.MaxAttempts, d.cfg.LeaseDuration)
	if err != nil || issue != nil {
		return issue, err
	}

	full, err := d.source.ViewIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := d.store.UpsertPolled(ctx, []store.PolledIssue{{
		ID:        full.Number,
		Title:     full.Title,
		Body:      full.Body,
		URL:       full.URL,
		Labels:    full.Labels,
		UpdatedAt: full.UpdatedAt,
	}}); err != nil {
		return nil, err
	}
	return d.store.ClaimPendingByID(ctx, issueID, d.cfg.WorkerID, d.cfg.MaxAttempts, d.cfg.LeaseDuration)
}

// handleIssue runs preflight, the pipeline, and the terminal state
// write for one claimed issue. Errors become a failed mark; they never
// abort the cycle.
func (d *Daemon) handleIssue(ctx context.Context, claimed *store.Issue, st *store.Store) CycleResult {
	d.log.Info().Int64("issue", claimed.ID).Int("attempt", claimed.AttemptCount).Msg("claimed issue")

	fail := func(err error) CycleResult {
		st.MarkFailed(ctx, claimed.ID, err.Error(), nil)
		d.log.Error().Int64("issue", claimed.ID).Err(err).Msg("issue handling failed")
		return CycleResult{Processed: true, Status: store.StatusFailed}
	}
	skip := func(reason string) CycleResult {
		st.MarkSkipped(ctx, claimed.ID, reason, nil)
		d.log.Info().Int64("issue", claimed.ID).Str("reason", reason).Msg("issue skipped")
		return CycleResult{Processed: true, Status: store.StatusSkipped}
	}

	full, err := d.source.ViewIssue(ctx, claimed.ID)
	if err != nil {
		return fail(err)
	}
	if err := st.UpdateIssueDetails(ctx, store.PolledIssue{
		ID:        full.Number,
		Title:     full.Title,
		Body:      full.Body,
		URL:       full.URL,
		Labels:    full.Labels,
		UpdatedAt: full.UpdatedAt,
	}); err != nil {
		return fail(err)
	}

	if !strings.EqualFold(full.State, "open") {
		return skip("issue is no longer open")
	}
	if !containsLabel(full.Labels, d.cfg.TriggerLabel) {
		return skip(fmt.Sprintf("missing trigger label '%s'", d.cfg.TriggerLabel))
	}
	if hit := skipLabelHits(full.Labels, d.cfg.SkipLabels); len(hit) > 0 {
		return skip("contains skip label(s): " + strings.Join(hit, ", "))
	}

	refreshed := &store.Issue{
		Namespace: claimed.Namespace,
		ID:        full.Number,
		Title:     full.Title,
		Body:      full.Body,
		URL:       full.URL,
		Labels:    full.Labels,
	}
	result := d.runner.Run(ctx, refreshed)
	d.log.Info().
		Int64("issue", claimed.ID).
		Str("status", result.Status).
		Str("branch", result.Branch).
		Str("run_dir", result.RunDir).
		Msg("runner result")

	runDir := &result.RunDir
	switch result.Status {
	case runner.StatusPushed:
		info, err := d.prs.EnsurePR(ctx, refreshed, result.Branch)
		if err != nil {
			return fail(err)
		}
		if err := st.MarkDone(ctx, claimed.ID, info.Number, info.URL, result.Branch, result.HeadSHA, runDir); err != nil {
			return fail(err)
		}
		today := time.Now().Format("2006-01-02")
		if _, err := st.IncrementDailyDoneCount(ctx, today); err != nil {
			d.log.Warn().Int64("issue", claimed.ID).Err(err).Msg("daily counter update failed")
		}
		d.log.Info().Int64("issue", claimed.ID).Msg("issue complete")
		return CycleResult{Processed: true, Status: store.StatusDone}

	case runner.StatusSkipped:
		st.MarkSkipped(ctx, claimed.ID, errOr(result.Error, "no changes produced"), runDir)
		d.log.Info().Int64("issue", claimed.ID).Str("reason", errOr(result.Error, "")).Msg("issue skipped")
		return CycleResult{Processed: true, Status: store.StatusSkipped}

	case runner.StatusTimeout:
		st.MarkTimeout(ctx, claimed.ID, errOr(result.Error, "runner timeout"), runDir)
		d.log.Warn().Int64("issue", claimed.ID).Msg("issue timed out")
		return CycleResult{Processed: true, Status: store.StatusTimeout}

	default:
		st.MarkFailed(ctx, claimed.ID, errOr(result.Error, "runner failed"), runDir)
		d.log.Error().Int64("issue", claimed.ID).Str("error", errOr(result.Error, "")).Msg("issue failed")
		return CycleResult{Processed: true, Status: store.StatusFailed}
	}
}

func errOr(err *string, fallback string) string {
	if err != nil && *err != "" {
		return *err
	}
	return fallback
}

func containsLabel(labels []string, want string) bool {
	for _, label := range labels {
		if label == want {
			return true
		}
	}
	return false
}

// skipLabelHits returns the sorted, de-duplicated intersection of the
// issue's labels with the configured skip labels.
func skipLabelHits(labels, skipLabels []string) []string {
	skip := make(map[string]bool, len(skipLabels))
	for _, label := range skipLabels {
		skip[label] = true
	}
	seen := make(map[string]bool)
	var hits []string
	for _, label := range labels {
		if skip[label] && !seen[label] {
			seen[label] = true
			hits = append(hits, label)
		}
	}
	sort.Strings(hits)
	return hits
}

// sleepInterruptible sleeps in 1-second slices, returning early when a
// stop is requested or the context ends.
func (d *Daemon) sleepInterruptible(ctx context.Context, duration time.Duration) {
	deadline := time.Now().Add(duration)
	for !d.Stopping() && ctx.Err() == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		slice := time.Second
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-time.After(slice):
		case <-ctx.Done():
			return
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
