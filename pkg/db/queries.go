// Package db provides the durable stores behind the monitoring queue: the
// recurring job table, the dead-letter table and the closure ledger.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
)

// Queries wraps job/dead-letter/closure SQL.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over an open database.
func NewQueries(d *Database) *Queries {
	return &Queries{db: d.DB}
}

// ----------------------------------------
// Job queries
// ----------------------------------------

// UpsertJob inserts the job or, when the id already exists, refreshes its
// payload, priority and retry bookkeeping without creating a second schedule.
// Re-admitting a failed job resets it to waiting so monitoring resumes. A row
// mid-execution keeps its active state and attempt count: the claim's
// exclusivity must survive a concurrent re-admission.
func (q *Queries) UpsertJob(ctx context.Context, j Job) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, deal_id, payload, priority, state, attempts, last_error, next_run_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			priority = excluded.priority,
			state = CASE WHEN jobs.state = '`+JobActive+`' THEN '`+JobActive+`' ELSE '`+JobWaiting+`' END,
			attempts = CASE WHEN jobs.state = '`+JobActive+`' THEN jobs.attempts ELSE 0 END,
			last_error = CASE WHEN jobs.state = '`+JobActive+`' THEN jobs.last_error ELSE '' END,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, j.ID, j.DealID, j.Payload, j.Priority, JobWaiting, j.NextRunAt.UTC(), j.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (q *Queries) GetJob(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, deal_id, payload, priority, state, attempts, last_error, next_run_at, expires_at, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

// DeleteJob removes a job; reports whether one existed.
func (q *Queries) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DueJobs returns runnable jobs ordered by priority (highest first) then age.
// Delayed jobs whose backoff has elapsed are due again.
func (q *Queries) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, deal_id, payload, priority, state, attempts, last_error, next_run_at, expires_at, created_at, updated_at
		FROM jobs
		WHERE state IN (?, ?) AND next_run_at <= ? AND expires_at > ?
		ORDER BY priority DESC, next_run_at ASC
		LIMIT ?
	`, JobWaiting, JobDelayed, now.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimJob transitions a due job to active. It returns false when another
// consumer already claimed it, which is what guarantees at most one active
// execution per order.
func (q *Queries) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state IN (?, ?)
	`, JobActive, id, JobWaiting, JobDelayed)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RescheduleJob puts an active job back to waiting for its next recurrence
// and clears retry bookkeeping after a successful tick.
func (q *Queries) RescheduleJob(ctx context.Context, id string, nextRun time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = 0, last_error = '', next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, JobWaiting, nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// DelayJob records a transient failure: bumps attempts and parks the job
// until the backoff deadline.
func (q *Queries) DelayJob(ctx context.Context, id string, nextRun time.Time, attempts int, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, attempts = ?, last_error = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, JobDelayed, attempts, lastError, nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("delay job: %w", err)
	}
	return nil
}

// FailJob marks a job permanently failed after retries are exhausted.
func (q *Queries) FailJob(ctx context.Context, id, lastError string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, JobFailed, lastError, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ExpiredJobs returns jobs whose safety lifetime has elapsed.
func (q *Queries) ExpiredJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, deal_id, payload, priority, state, attempts, last_error, next_run_at, expires_at, created_at, updated_at
		FROM jobs
		WHERE expires_at <= ? AND state != ?
	`, now.UTC(), JobActive)
	if err != nil {
		return nil, fmt.Errorf("query expired jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobs returns jobs filtered by state ("" for all), newest first.
func (q *Queries) ListJobs(ctx context.Context, state string, limit int) ([]Job, error) {
	query := `
		SELECT id, deal_id, payload, priority, state, attempts, last_error, next_run_at, expires_at, created_at, updated_at
		FROM jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountJobsByState returns the per-state job counts.
func (q *Queries) CountJobsByState(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// ResetActiveJobs moves jobs stranded in active (crash mid-tick) back to
// waiting so they are picked up again after restart.
func (q *Queries) ResetActiveJobs(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE state = ?
	`, JobWaiting, JobActive)
	if err != nil {
		return 0, fmt.Errorf("reset active jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ----------------------------------------
// Dead-letter queries
// ----------------------------------------

// InsertDeadLetter copies a permanently failed job into the dead-letter table.
func (q *Queries) InsertDeadLetter(ctx context.Context, d DeadLetterJob) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dead_letter_jobs (id, deal_id, payload, error, failed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			error = excluded.error,
			failed_at = excluded.failed_at
	`, d.ID, d.DealID, d.Payload, d.Error, d.FailedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter fetches one dead-letter entry by job id.
func (q *Queries) GetDeadLetter(ctx context.Context, id string) (*DeadLetterJob, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, deal_id, payload, error, failed_at FROM dead_letter_jobs WHERE id = ?
	`, id)
	var d DeadLetterJob
	if err := row.Scan(&d.ID, &d.DealID, &d.Payload, &d.Error, &d.FailedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	return &d, nil
}

// ListDeadLetters returns dead-letter entries, newest first.
func (q *Queries) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, deal_id, payload, error, failed_at
		FROM dead_letter_jobs ORDER BY failed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterJob
	for rows.Next() {
		var d DeadLetterJob
		if err := rows.Scan(&d.ID, &d.DealID, &d.Payload, &d.Error, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes an entry (after replay); reports existence.
func (q *Queries) DeleteDeadLetter(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dead_letter_jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountDeadLetters returns the dead-letter backlog size.
func (q *Queries) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// PurgeDeadLettersBefore trims entries older than the retention horizon.
func (q *Queries) PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dead_letter_jobs WHERE failed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ----------------------------------------
// Closure queries
// ----------------------------------------

// InsertClosure appends a closure outcome to the ledger.
func (q *Queries) InsertClosure(ctx context.Context, c Closure) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO closures (id, deal_id, user_id, reason, close_price, realized_pnl, success, error, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.DealID, c.UserID, c.Reason, c.ClosePrice, c.RealizedPnL, c.Success, c.Error, c.ClosedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert closure: %w", err)
	}
	return nil
}

// ClosuresByDeal returns the closure history for a deal, newest first.
func (q *Queries) ClosuresByDeal(ctx context.Context, dealID string) ([]Closure, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, deal_id, user_id, reason, close_price, realized_pnl, success, error, closed_at
		FROM closures WHERE deal_id = ? ORDER BY closed_at DESC
	`, dealID)
	if err != nil {
		return nil, fmt.Errorf("query closures: %w", err)
	}
	defer rows.Close()

	var out []Closure
	for rows.Next() {
		var c Closure
		if err := rows.Scan(&c.ID, &c.DealID, &c.UserID, &c.Reason, &c.ClosePrice, &c.RealizedPnL, &c.Success, &c.Error, &c.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan closure: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ----------------------------------------
// scanning helpers
// ----------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.DealID, &j.Payload, &j.Priority, &j.State, &j.Attempts,
		&j.LastError, &j.NextRunAt, &j.ExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
