// Package store persists the issue queue and its metadata in a single
// SQLite file shared by every worker. All state transitions serialise
// through it; one handle per worker is the intended usage.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Issue statuses. running is the only leased state; the rest are either
// queued (pending) or terminal.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusSkipped = "skipped"
)

// Issue is one row of the queue.
type Issue struct {
	Namespace    string
	ID           int64
	Title        string
	Body         *string
	URL          *string
	Labels       []string
	Status       string
	AttemptCount int
	UpdatedAt    *string
	LeaseUntil   *string
	ClaimedBy    *string
	Branch       *string
	PRNumber     *int64
	PRURL        *string
	HeadSHA      *string
	LastError    *string
	LastRunDir   *string
	CreatedAt    string
	StartedAt    *string
	CompletedAt  *string
}

// PolledIssue is the normalised shape the poller and the preflight
// re-read feed into the store.
type PolledIssue struct {
	ID        int64
	Title     string
	Body      *string
	URL       *string
	Labels    []string
	UpdatedAt *string
}

// Store wraps one database handle scoped to a namespace.
type Store struct {
	db        *sql.DB
	namespace string
}

// Open opens (creating if needed) the state database and migrates the
// schema. Transactions take the write lock immediately so concurrent
// handles queue on the busy timeout instead of failing mid-transaction.
func Open(path, namespace string) (*Store, error) {
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, namespace: namespace}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Namespace returns the namespace this handle is scoped to.
func (s *Store) Namespace() string {
	return s.namespace
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const schemaVersion = 2

const schemaSQL = `
CREATE TABLE IF NOT EXISTS issues (
  namespace TEXT NOT NULL,
  id INTEGER NOT NULL,
  title TEXT NOT NULL,
  body TEXT,
  url TEXT,
  labels_json TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  attempt_count INTEGER NOT NULL DEFAULT 0,

  lease_until TEXT,
  claimed_by TEXT,

  branch TEXT,
  pr_number INTEGER,
  pr_url TEXT,
  head_sha TEXT,

  last_error TEXT,
  last_run_dir TEXT,

  created_at TEXT NOT NULL,
  updated_at TEXT,
  started_at TEXT,
  completed_at TEXT,
  PRIMARY KEY (namespace, id)
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(namespace, status);
CREATE INDEX IF NOT EXISTS idx_issues_lease ON issues(namespace, lease_until);

CREATE TABLE IF NOT EXISTS meta (
  key TEXT PRIMARY KEY,
  value TEXT
);
`

// migrate brings the schema to the current version. A legacy
// single-tenant issues table is renamed and its rows re-homed under the
// current namespace; done_count meta keys gain the namespace prefix.
// Everything runs in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	legacy, err := hasLegacyIssuesTable(ctx, tx)
	if err != nil {
		return err
	}
	if legacy {
		if _, err := tx.ExecContext(ctx, "ALTER TABLE issues RENAME TO issues_legacy"); err != nil {
			return fmt.Errorf("failed to stash legacy issues table: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if legacy {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues (
			  namespace, id, title, body, url, labels_json, status, attempt_count,
			  lease_until, claimed_by, branch, pr_number, pr_url, head_sha,
			  last_error, last_run_dir, created_at, updated_at, started_at, completed_at
			)
			SELECT ?, id, title, body, url, labels_json, status, attempt_count,
			  lease_until, claimed_by, branch, pr_number, pr_url, head_sha,
			  last_error, last_run_dir,
			  COALESCE(created_at, strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			  updated_at, started_at, completed_at
			FROM issues_legacy
		`, s.namespace); err != nil {
			return fmt.Errorf("failed to copy legacy issues: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE issues_legacy"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE meta SET key = ? || ':' || key WHERE key LIKE 'done_count:%'`,
			s.namespace); err != nil {
			return fmt.Errorf("failed to re-home meta keys: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func hasLegacyIssuesTable(ctx context.Context, tx *sql.Tx) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'issues'`).Scan(&n)
	if err != nil || n == 0 {
		return false, err
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('issues') WHERE name = 'namespace'`).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

const issueColumns = `namespace, id, title, body, url, labels_json, status, attempt_count,
	lease_until, claimed_by, branch, pr_number, pr_url, head_sha,
	last_error, last_run_dir, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*Issue, error) {
	var (
		issue      Issue
		body, url, labelsJSON, leaseUntil, claimedBy   sql.NullString
		branch, prURL, headSHA, lastError, lastRunDir  sql.NullString
		updatedAt, startedAt, completedAt              sql.NullString
		prNumber                                       sql.NullInt64
	)
	err := row.Scan(
		&issue.Namespace, &issue.ID, &issue.Title, &body, &url, &labelsJSON,
		&issue.Status, &issue.AttemptCount,
		&leaseUntil, &claimedBy, &branch, &prNumber, &prURL, &headSHA,
		&lastError, &lastRunDir, &issue.CreatedAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	issue.Body = nullStr(body)
	issue.URL = nullStr(url)
	issue.LeaseUntil = nullStr(leaseUntil)
	issue.ClaimedBy = nullStr(claimedBy)
	issue.Branch = nullStr(branch)
	issue.PRURL = nullStr(prURL)
	issue.HeadSHA = nullStr(headSHA)
	issue.LastError = nullStr(lastError)
	issue.LastRunDir = nullStr(lastRunDir)
	issue.UpdatedAt = nullStr(updatedAt)
	issue.StartedAt = nullStr(startedAt)
	issue.CompletedAt = nullStr(completedAt)
	if prNumber.Valid {
		issue.PRNumber = &prNumber.Int64
	}
	issue.Labels = parseLabels(labelsJSON.String)
	return &issue, nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func parseLabels(labelsJSON string) []string {
	if labelsJSON == "" {
		return nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
		return nil
	}
	return labels
}

func marshalLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	data, _ := json.Marshal(labels)
	return string(data)
}

// UpsertPolled inserts pending rows for unseen issues and refreshes the
// descriptive fields of known ones. Body only moves forward: a nil body
// from the list endpoint never erases one fetched earlier. Status is
// untouched, so terminal rows never regress to pending here.
func (s *Store) UpsertPolled(ctx context.Context, issues []PolledIssue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := utcNow()
	for _, issue := range issues {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO issues (namespace, id, title, body, url, labels_json, status, updated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
			ON CONFLICT(namespace, id) DO UPDATE SET
			  title = excluded.title,
			  body = COALESCE(excluded.body, issues.body),
			  url = excluded.url,
			  labels_json = excluded.labels_json,
			  updated_at = excluded.updated_at
		`, s.namespace, issue.ID, issue.Title, issue.Body, issue.URL,
			marshalLabels(issue.Labels), issue.UpdatedAt, now)
		if err != nil {
			return fmt.Errorf("failed to upsert issue %d: %w", issue.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateIssueDetails overwrites descriptive fields only. Status, attempt
// accounting, lease and publication fields are never touched.
func (s *Store) UpdateIssueDetails(ctx context.Context, issue PolledIssue) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET title = ?, body = ?, url = ?, labels_json = ?, updated_at = ?
		WHERE namespace = ? AND id = ?
	`, issue.Title, issue.Body, issue.URL, marshalLabels(issue.Labels),
		issue.UpdatedAt, s.namespace, issue.ID)
	return err
}

// RequeueExpiredLeases returns running rows with expired leases to
// pending and reports how many were reset.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status = 'pending',
		    lease_until = NULL,
		    claimed_by = NULL,
		    last_error = COALESCE(last_error, 'lease expired')
		WHERE namespace = ?
		  AND status = 'running'
		  AND lease_until IS NOT NULL
		  AND lease_until < ?
	`, s.namespace, utcNow())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClaimNextPending claims the most recently updated pending issue with
// attempts remaining. The transition is a compare-and-swap on
// status='pending'; a lost race re-selects. Returns nil when no row
// qualifies.
func (s *Store) ClaimNextPending(ctx context.Context, worker string, maxAttempts int, lease time.Duration) (*Issue, error) {
	for {
		issue, retry, err := s.tryClaim(ctx, worker, maxAttempts, lease, nil)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return issue, nil
	}
}

// ClaimPendingByID claims one specific issue if it is currently pending
// with attempts remaining; nil otherwise.
func (s *Store) ClaimPendingByID(ctx context.Context, id int64, worker string, maxAttempts int, lease time.Duration) (*Issue, error) {
	issue, _, err := s.tryClaim(ctx, worker, maxAttempts, lease, &id)
	return issue, err
}

func (s *Store) tryClaim(ctx context.Context, worker string, maxAttempts int, lease time.Duration, id *int64) (*Issue, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var row *sql.Row
	if id != nil {
		row = tx.QueryRowContext(ctx, `
			SELECT id FROM issues
			WHERE namespace = ? AND id = ? AND status = 'pending' AND attempt_count < ?
		`, s.namespace, *id, maxAttempts)
	} else {
		row = tx.QueryRowContext(ctx, `
			SELECT id FROM issues
			WHERE namespace = ? AND status = 'pending' AND attempt_count < ?
			ORDER BY COALESCE(updated_at, created_at) DESC, id ASC
			LIMIT 1
		`, s.namespace, maxAttempts)
	}

	var target int64
	if err := row.Scan(&target); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE issues
		SET status = 'running',
		    started_at = ?,
		    lease_until = ?,
		    claimed_by = ?,
		    attempt_count = attempt_count + 1
		WHERE namespace = ? AND id = ? AND status = 'pending'
	`, now.Format(time.RFC3339), now.Add(lease).Format(time.RFC3339),
		worker, s.namespace, target)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected != 1 {
		// Lost the race inside the same handle; re-select unless the
		// caller asked for a specific id.
		return nil, id == nil, nil
	}

	issue, err := scanIssue(tx.QueryRowContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE namespace = ? AND id = ?",
		s.namespace, target))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return issue, false, nil
}

// MarkDone records a successful publication.
func (s *Store) MarkDone(ctx context.Context, id int64, prNumber *int64, prURL *string, branch string, headSHA, runDir *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status = 'done',
		    pr_number = ?, pr_url = ?, branch = ?, head_sha = ?,
		    lease_until = NULL, claimed_by = NULL,
		    completed_at = ?, last_error = NULL, last_run_dir = ?
		WHERE namespace = ? AND id = ?
	`, prNumber, prURL, branch, headSHA, utcNow(), runDir, s.namespace, id)
	return err
}

// MarkFailed records a terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, runDir *string) error {
	return s.markTerminal(ctx, id, StatusFailed, errMsg, runDir)
}

// MarkTimeout records a generator deadline expiry.
func (s *Store) MarkTimeout(ctx context.Context, id int64, errMsg string, runDir *string) error {
	return s.markTerminal(ctx, id, StatusTimeout, errMsg, runDir)
}

// MarkSkipped records a preflight or no-change skip.
func (s *Store) MarkSkipped(ctx context.Context, id int64, reason string, runDir *string) error {
	return s.markTerminal(ctx, id, StatusSkipped, reason, runDir)
}

func (s *Store) markTerminal(ctx context.Context, id int64, status, errMsg string, runDir *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status = ?,
		    lease_until = NULL, claimed_by = NULL,
		    completed_at = ?, last_error = ?, last_run_dir = ?
		WHERE namespace = ? AND id = ?
	`, status, utcNow(), errMsg, runDir, s.namespace, id)
	return err
}

// GetIssue fetches one row, or nil when absent.
func (s *Store) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE namespace = ? AND id = ?",
		s.namespace, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return issue, err
}

// StatusCounts returns per-status row counts for the namespace.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM issues
		WHERE namespace = ?
		GROUP BY status ORDER BY status ASC
	`, s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) metaKey(key string) string {
	return s.namespace + ":" + key
}

// GetMeta reads one namespace-scoped metadata value, nil when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (*string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", s.metaKey(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// SetMeta writes one namespace-scoped metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, s.metaKey(key), value)
	return err
}

func dailyDoneKey(date string) string {
	return "done_count:" + date
}

// DailyDoneCount returns how many issues completed on the given
// YYYY-MM-DD date; unparseable or absent values count as zero.
func (s *Store) DailyDoneCount(ctx context.Context, date string) (int, error) {
	value, err := s.GetMeta(ctx, dailyDoneKey(date))
	if err != nil || value == nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(*value, "%d", &n); err != nil {
		return 0, nil
	}
	return n, nil
}

// IncrementDailyDoneCount bumps the per-day counter inside a single
// write transaction and returns the new value.
func (s *Store) IncrementDailyDoneCount(ctx context.Context, date string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	key := s.metaKey(dailyDoneKey(date))
	var current int
	var value string
	err = tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		fmt.Sscanf(value, "%d", &current)
	}
	current++

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, fmt.Sprintf("%d", current)); err != nil {
		return 0, err
	}
	return current, tx.Commit()
}

// ClearNamespaceState deletes every row belonging to the namespace from
// both tables and reports the counts.
func (s *Store) ClearNamespaceState(ctx context.Context) (issuesDeleted, metaDeleted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM issues WHERE namespace = ?", s.namespace)
	if err != nil {
		return 0, 0, err
	}
	ni, _ := res.RowsAffected()

	prefix := s.namespace + ":"
	res, err = tx.ExecContext(ctx,
		"DELETE FROM meta WHERE substr(key, 1, ?) = ?", len(prefix), prefix)
	if err != nil {
		return 0, 0, err
	}
	nm, _ := res.RowsAffected()

	return int(ni), int(nm), tx.Commit()
}
