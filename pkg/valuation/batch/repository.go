package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a batch job repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "batch_job_repository")),
	}
}

const jobColumns = `
	id, status, method, apply, company_ids::text[], total, processed, succeeded, failed,
	results, error, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	var status, method string
	var results []byte
	err := row.Scan(&j.ID, &status, &method, &j.Apply, &j.CompanyIDs, &j.Total, &j.Processed,
		&j.Succeeded, &j.Failed, &results, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Method = valuation.Method(method)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, fmt.Errorf("failed to decode job results: %w", err)
		}
	}
	return j, nil
}

// Create inserts a queued job and fills in its id and timestamps.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = StatusQueued
	job.Total = len(job.CompanyIDs)
	row := r.pool.QueryRow(ctx, `
		INSERT INTO batch_valuation_jobs (id, status, method, apply, company_ids, total)
		VALUES ($1, $2, $3, $4, $5::uuid[], $6)
		RETURNING created_at`,
		job.ID, string(job.Status), string(job.Method), job.Apply, job.CompanyIDs, job.Total)
	if err := row.Scan(&job.CreatedAt); err != nil {
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	r.logger.Debug("Batch job created", logging.F("job_id", job.ID.String()), logging.F("total", job.Total))
	return nil
}

// Get returns a job by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_valuation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch job %s: %w", id, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return j, nil
}

// List returns the newest jobs first.
func (r *Repository) List(ctx context.Context, limit int) ([]Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM batch_valuation_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// transition runs a conditional UPDATE … RETURNING. No returned row means the
// job is missing or in a state the update does not accept.
func (r *Repository) transition(ctx context.Context, id uuid.UUID, op, query string, args ...any) (*Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to %s batch job: %w", op, err)
	}
	current, gerr := r.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("cannot %s batch job in status %s: %w", op, current.Status, vcerrors.ErrInvalidState)
}

// MarkRunning moves a queued job to running. A running job is returned as is
// so a redelivered message resumes where the previous worker stopped.
func (r *Repository) MarkRunning(ctx context.Context, id uuid.UUID) (*Job, error) {
	return r.transition(ctx, id, "start", `
		UPDATE batch_valuation_jobs
		SET status = 'running', started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns, id)
}

// RecordResult appends one company outcome and bumps the counters. A result
// whose value was already written is still recorded on a cancelled job.
func (r *Repository) RecordResult(ctx context.Context, id uuid.UUID, res CompanyResult) (*Job, error) {
	entry, err := json.Marshal([]CompanyResult{res})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	succeeded, failed := 0, 0
	if res.Succeeded() {
		succeeded = 1
	} else {
		failed = 1
	}
	return r.transition(ctx, id, "record result on", `
		UPDATE batch_valuation_jobs
		SET processed = processed + 1,
			succeeded = succeeded + $2,
			failed = failed + $3,
			results = results || $4::jsonb
		WHERE id = $1 AND (status = 'running' OR (status = 'cancelled' AND $5))
		RETURNING `+jobColumns, id, succeeded, failed, entry, res.Applied)
}

// Finish moves a running job to a terminal status.
func (r *Repository) Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string) (*Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal: %w", status, vcerrors.ErrValidation)
	}
	return r.transition(ctx, id, "finish", `
		UPDATE batch_valuation_jobs
		SET status = $2, error = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns, id, string(status), errMsg)
}

// Cancel stops a queued or running job.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	return r.transition(ctx, id, "cancel", `
		UPDATE batch_valuation_jobs
		SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns, id)
}
