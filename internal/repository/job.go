package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/ScribeDrop/internal/database"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
)

// undefinedColumn is the Postgres SQLSTATE for a missing column.
const undefinedColumn = "42703"

// JobRepository wraps all SQL touching the jobs table. Every state change is
// a conditional UPDATE keyed on the allowed source states, so a row that has
// moved on (done, or failed by the watchdog) is never overwritten.
type JobRepository struct {
	pool     *pgxpool.Pool
	extended atomic.Bool
	now      func() time.Time
}

// NewJobRepository constructs a repository. caps comes from
// database.DetectCapabilities at startup.
func NewJobRepository(pool *pgxpool.Pool, caps database.Capabilities) *JobRepository {
	r := &JobRepository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	r.extended.Store(caps.Extended)
	return r
}

// Extended reports whether the optional columns are being written.
func (r *JobRepository) Extended() bool {
	return r.extended.Load()
}

// Create inserts a new job row.
func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	now := r.now()
	if job.State == "" {
		job.State = model.StateCreated
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (id, doctor_id, file_name, file_path, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, nullable(job.DoctorID), nullable(job.FileName), nullable(job.AudioPath), string(job.State), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	extra := "failed_state, error_reason, processed_at"
	if !r.Extended() {
		extra = "NULL::text, NULL::text, NULL::timestamptz"
	}
	var (
		job         model.Job
		doctorID    sql.NullString
		fileName    sql.NullString
		filePath    sql.NullString
		state       string
		failedState *string
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, file_name, file_path, result_path, state, duration_seconds, created_at, updated_at, `+extra+`
		FROM jobs WHERE id = $1
	`, id)
	err := row.Scan(&job.ID, &doctorID, &fileName, &filePath, &job.ResultPath, &state, &job.DurationSeconds,
		&job.CreatedAt, &job.UpdatedAt, &failedState, &job.ErrorReason, &job.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
		}
		if r.downgrade(err) {
			return r.Get(ctx, id)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	job.DoctorID = doctorID.String
	job.FileName = fileName.String
	job.AudioPath = filePath.String
	job.State = model.JobState(state)
	if failedState != nil {
		job.FailedState = model.JobState(*failedState)
	}
	return &job, nil
}

// SetAudio records a new audio blob and moves the job to uploaded. Only
// jobs that have not started processing accept a new file.
func (r *JobRepository) SetAudio(ctx context.Context, id, fileName, audioPath string) error {
	return r.transition(ctx, id, []model.JobState{model.StateCreated, model.StateUploaded},
		[]string{"state", "file_name", "file_path"},
		[]any{string(model.StateUploaded), fileName, audioPath})
}

// MarkRunning moves the job to running. Re-entering running is allowed.
func (r *JobRepository) MarkRunning(ctx context.Context, id string) error {
	return r.transition(ctx, id, model.SourcesFor(model.StateRunning),
		[]string{"state"}, []any{string(model.StateRunning)})
}

// MarkFailed moves the job to error with reason. failed_state takes the row's
// previous state in the same statement.
func (r *JobRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.withFallback(ctx, func(extended bool) error {
		cols := []string{"state"}
		args := []any{string(model.StateError)}
		if extended {
			cols = append(cols, "failed_state", "error_reason")
			args = append(args, column("state"), reason)
		}
		return r.transition(ctx, id, model.SourcesFor(model.StateError), cols, args)
	})
}

// MarkCompleted moves a running job to done.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string, c model.Completion) error {
	return r.withFallback(ctx, func(extended bool) error {
		cols := []string{"state", "result_path", "duration_seconds"}
		args := []any{string(model.StateDone), c.ResultPath, c.DurationSeconds}
		if extended {
			cols = append(cols, "processed_at", "error_reason", "failed_state")
			args = append(args, c.ProcessedAt.UTC(), nil, nil)
		}
		return r.transition(ctx, id, model.SourcesFor(model.StateDone), cols, args)
	})
}

// ResetForRetry moves an errored job back to uploaded, clearing the previous
// attempt's result and reason.
func (r *JobRepository) ResetForRetry(ctx context.Context, id string) error {
	return r.withFallback(ctx, func(extended bool) error {
		cols := []string{"state", "result_path", "duration_seconds"}
		args := []any{string(model.StateUploaded), nil, nil}
		if extended {
			cols = append(cols, "error_reason", "failed_state", "processed_at")
			args = append(args, nil, nil, nil)
		}
		return r.transition(ctx, id, []model.JobState{model.StateError}, cols, args)
	})
}

// Delete removes the row.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return nil
}

// ListRunningOlderThan returns running jobs created before cutoff, oldest
// first.
func (r *JobRepository) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, file_path, state, created_at, updated_at
		FROM jobs WHERE state = $1 AND created_at < $2
		ORDER BY created_at
	`, string(model.StateRunning), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		var (
			job      model.Job
			doctorID sql.NullString
			filePath sql.NullString
			state    string
		)
		if err := rows.Scan(&job.ID, &doctorID, &filePath, &state, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan running job: %w", err)
		}
		job.DoctorID = doctorID.String
		job.AudioPath = filePath.String
		job.State = model.JobState(state)
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	return out, nil
}

// column marks an argument that is another column of the same row rather
// than a bind parameter.
type column string

// transition runs UPDATE jobs SET cols... WHERE id AND state = ANY(from). A
// zero row count is resolved into NotFound or StateConflict.
func (r *JobRepository) transition(ctx context.Context, id string, from []model.JobState, cols []string, args []any) error {
	stmt, params := buildUpdate(id, from, cols, args, r.now())
	tag, err := r.pool.Exec(ctx, stmt, params...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = r.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("reload job state: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", model.ErrStateConflict, id, current)
}

func buildUpdate(id string, from []model.JobState, cols []string, args []any, now time.Time) (string, []any) {
	sets := make([]string, 0, len(cols)+1)
	params := make([]any, 0, len(args)+3)
	for i, col := range cols {
		if ref, ok := args[i].(column); ok {
			sets = append(sets, fmt.Sprintf("%s = %s", col, ref))
			continue
		}
		params = append(params, args[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(params)))
	}
	params = append(params, now)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(params)))
	params = append(params, id, states(from))
	stmt := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d AND state = ANY($%d)",
		strings.Join(sets, ", "), len(params)-1, len(params))
	return stmt, params
}

// withFallback runs write with the extended columns when supported. If the
// database reports a missing column the flag is cleared and the write is
// repeated once without them.
func (r *JobRepository) withFallback(ctx context.Context, write func(extended bool) error) error {
	if !r.Extended() {
		return write(false)
	}
	err := write(true)
	if err == nil || !r.downgrade(err) {
		return err
	}
	return write(false)
}

// downgrade clears the extended flag when err is an undefined-column error.
func (r *JobRepository) downgrade(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != undefinedColumn {
		return false
	}
	if r.extended.CompareAndSwap(true, false) {
		log := logging.WithComponent("repository")
		log.Warn().
			Str("column_error", pgErr.Message).
			Msg("jobs table lacks extended columns; writing without them")
		return true
	}
	return false
}

func states(in []model.JobState) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
