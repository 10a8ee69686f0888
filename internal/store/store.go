package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Job is one row of the jobs table. It is the single source of truth
// for a job's status and progress; the broker only carries references.
type Job struct {
	ID          uuid.UUID
	Kind        string
	Lane        string
	Status      string
	Progress    int32
	ProgressMsg *string
	Attempts    int32
	MaxAttempts int32
	LastError   *string
	Input       json.RawMessage
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Store wraps access to the jobs table over a shared *sql.DB.
//
// Every status transition is a conditional UPDATE keyed on the expected
// current status, so a stale worker that outlived its lease cannot
// overwrite a newer attempt's terminal write.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

const jobColumns = `id, kind, lane, status, progress, progress_message,
	attempt_count, max_attempts, last_error, input, result,
	created_at, updated_at, completed_at`

func scanJob(row interface{ Scan(dest ...any) error }) (Job, error) {
	var j Job
	var msg, lastErr sql.NullString
	var result []byte
	var completed sql.NullTime
	err := row.Scan(&j.ID, &j.Kind, &j.Lane, &j.Status, &j.Progress, &msg,
		&j.Attempts, &j.MaxAttempts, &lastErr, &j.Input, &result,
		&j.CreatedAt, &j.UpdatedAt, &completed)
	if err != nil {
		return Job{}, err
	}
	if msg.Valid {
		j.ProgressMsg = &msg.String
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	if len(result) > 0 {
		j.Result = result
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// CreateJob inserts a new job row in pending with progress 0.
func (s *Store) CreateJob(ctx context.Context, id uuid.UUID, kind, lane string, input any, maxAttempts int32) (Job, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return Job{}, err
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (id, kind, lane, status, progress, attempt_count, max_attempts, input)
		VALUES ($1, $2, $3, 'pending', 0, 0, $4, $5)
		RETURNING `+jobColumns,
		id, kind, lane, maxAttempts, payload)
	return scanJob(row)
}

// GetJobByID fetches a single job.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns recent jobs, optionally filtered by lane and/or status.
func (s *Store) ListJobs(ctx context.Context, lane, status string, limit int32) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR lane = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		lane, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRunning transitions a job from pending/retrying to running and
// increments its attempt counter. It returns false when the job is not
// in a runnable state, which is how duplicate deliveries of
// already-terminal jobs are detected.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) (Job, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'retrying')
		RETURNING `+jobColumns, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// ReclaimStaleRunning re-arms a running job whose worker died after
// MarkRunning: the record is still running but nothing has touched it
// since staleBefore. The redelivered attempt takes over, counting a
// fresh attempt. A record updated after staleBefore belongs to a live
// worker and is left alone.
func (s *Store) ReclaimStaleRunning(ctx context.Context, id uuid.UUID, staleBefore time.Time) (Job, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1 AND status = 'running' AND updated_at < $2
		RETURNING `+jobColumns, id, staleBefore)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// UpdateProgress writes a progress percentage and optional status text.
// Writes that would move progress backward, or that arrive after the
// job left running, are dropped (returns false).
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, percent int32, message *string) (bool, error) {
	var msg sql.NullString
	if message != nil {
		msg = sql.NullString{String: *message, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET progress = $2, progress_message = COALESCE($3, progress_message), updated_at = now()
		WHERE id = $1 AND status = 'running' AND progress <= $2`,
		id, percent, msg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteJob transitions running → completed and records the result.
// Only the first writer wins; a duplicate completion returns false and
// writes nothing.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result any) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', progress = 100, result = $2,
		    updated_at = now(), completed_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailJob transitions running → failed with a terminal error summary.
// Progress is left where it was so partial progress stays visible.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $2, updated_at = now(), completed_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, errMsg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AbortPending fails a job that never made it onto the queue. This is
// the creation-time escape hatch: a record must never sit in pending
// with no corresponding enqueued message.
func (s *Store) AbortPending(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $2, updated_at = now(), completed_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, errMsg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRetrying transitions running → retrying and records the error
// that caused the attempt to fail. The job returns to a runnable state
// when the broker redelivers it after the backoff delay.
func (s *Store) MarkRetrying(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, errMsg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeueFailed resets a permanently failed job so it can run again:
// attempt_count back to 0, status back to pending. Partial progress and
// the previous error are kept for operator context.
func (s *Store) RequeueFailed(ctx context.Context, id uuid.UUID) (Job, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'pending', attempt_count = 0, completed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// DeleteExpiredJobsByLane deletes terminal jobs in a lane whose last
// update is older than cutoff. Live jobs are never touched.
func (s *Store) DeleteExpiredJobsByLane(ctx context.Context, lane string, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE lane = $1 AND status IN ('completed', 'failed') AND updated_at < $2`,
		lane, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns per-status job counts for one lane, backing the
// admin lane view.
func (s *Store) CountByStatus(ctx context.Context, lane string) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE lane = $1 GROUP BY status`,
		lane)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
