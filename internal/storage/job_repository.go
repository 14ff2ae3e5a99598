package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, user_id, kind, scope, status, cursor, retry_count, max_retries,
	last_error, wait_until, priority, created_at, updated_at`

// executor is satisfied by both *pgxpool.Pool and pgx.Tx
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresJobStore is the JobStore backed by the migration_jobs table
type PostgresJobStore struct {
	db *PostgresDB
}

// NewPostgresJobStore creates a new job store
func NewPostgresJobStore(db *PostgresDB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

// Enqueue inserts a new job. The partial unique index on active jobs turns a
// second active job for the same user into ALREADY_ACTIVE.
func (s *PostgresJobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := insertJob(ctx, s.db.Pool(), job); err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewAlreadyActiveError(job.UserID)
		}
		return err
	}
	return nil
}

func insertJob(ctx context.Context, q executor, job *models.Job) error {
	kind, cursor, err := models.EncodeProgress(job.Progress)
	if err != nil {
		return err
	}
	scope, err := json.Marshal(job.Scope)
	if err != nil {
		return fmt.Errorf("failed to encode scope: %w", err)
	}

	query := `
		INSERT INTO migration_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = q.Exec(ctx, query,
		job.ID,
		job.UserID,
		kind,
		scope,
		job.Status,
		cursor,
		job.RetryCount,
		job.MaxRetries,
		nullString(job.LastError),
		job.WaitUntil,
		job.Priority,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID
func (s *PostgresJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs WHERE id = $1`

	job, err := scanJob(s.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// FindActiveByUser returns the user's active job, or nil
func (s *PostgresJobStore) FindActiveByUser(ctx context.Context, userID string) (*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM migration_jobs
		WHERE user_id = $1 AND status IN ('pending', 'processing', 'waiting')
		LIMIT 1
	`

	job, err := scanJob(s.db.Pool().QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}
	return job, nil
}

// CancelActive deletes the user's active jobs
func (s *PostgresJobStore) CancelActive(ctx context.Context, userID string) (int, error) {
	query := `
		DELETE FROM migration_jobs
		WHERE user_id = $1 AND status IN ('pending', 'processing', 'waiting')
	`

	result, err := s.db.Pool().Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// FindOldestPending returns the least recently touched pending job
func (s *PostgresJobStore) FindOldestPending(ctx context.Context, exclude []string) (*models.Job, error) {
	if exclude == nil {
		exclude = []string{}
	}
	query := `
		SELECT ` + jobColumns + `
		FROM migration_jobs
		WHERE status = 'pending' AND NOT (id = ANY($1))
		ORDER BY updated_at ASC, priority ASC
		LIMIT 1
	`

	job, err := scanJob(s.db.Pool().QueryRow(ctx, query, exclude))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find pending job: %w", err)
	}
	return job, nil
}

// Transition is a compare-and-swap on status
func (s *PostgresJobStore) Transition(ctx context.Context, id string, from, to types.JobStatus, at time.Time) (bool, error) {
	query := `
		UPDATE migration_jobs
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`

	result, err := s.db.Pool().Exec(ctx, query, id, from, to, at)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Save writes the job back if its stored status is still from
func (s *PostgresJobStore) Save(ctx context.Context, job *models.Job, from types.JobStatus) (bool, error) {
	_, cursor, err := models.EncodeProgress(job.Progress)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE migration_jobs
		SET status = $3, cursor = $4, retry_count = $5, max_retries = $6,
			last_error = $7, wait_until = $8, updated_at = $9
		WHERE id = $1 AND status = $2
	`

	result, err := s.db.Pool().Exec(ctx, query,
		job.ID,
		from,
		job.Status,
		cursor,
		job.RetryCount,
		job.MaxRetries,
		nullString(job.LastError),
		job.WaitUntil,
		job.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Replace deletes oldID and inserts next in one transaction
func (s *PostgresJobStore) Replace(ctx context.Context, oldID string, from types.JobStatus, next *models.Job) (bool, error) {
	replaced := false
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `DELETE FROM migration_jobs WHERE id = $1 AND status = $2`, oldID, from)
		if err != nil {
			return fmt.Errorf("failed to delete replaced job: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}
		if err := insertJob(ctx, tx, next); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return replaced, nil
}

// Delete removes a job if it is still in from
func (s *PostgresJobStore) Delete(ctx context.Context, id string, from types.JobStatus) (bool, error) {
	result, err := s.db.Pool().Exec(ctx, `DELETE FROM migration_jobs WHERE id = $1 AND status = $2`, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListActive returns jobs in statuses, oldest UpdatedAt first
func (s *PostgresJobStore) ListActive(ctx context.Context, statuses ...types.JobStatus) ([]*models.Job, error) {
	if len(statuses) == 0 {
		statuses = types.ActiveJobStatuses
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	query := `
		SELECT ` + jobColumns + `
		FROM migration_jobs
		WHERE status = ANY($1)
		ORDER BY updated_at ASC, priority ASC
	`

	rows, err := s.db.Pool().Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// ResetStaleProcessing reclaims jobs orphaned by a crashed tick
func (s *PostgresJobStore) ResetStaleProcessing(ctx context.Context, cutoff, at time.Time) (int, error) {
	query := `
		UPDATE migration_jobs
		SET status = 'pending', updated_at = $2
		WHERE status = 'processing' AND updated_at < $1
	`

	result, err := s.db.Pool().Exec(ctx, query, cutoff, at)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// ReleaseWaiting returns expired waiting jobs to pending
func (s *PostgresJobStore) ReleaseWaiting(ctx context.Context, at time.Time) (int, error) {
	query := `
		UPDATE migration_jobs
		SET status = 'pending', wait_until = NULL, updated_at = $1
		WHERE status = 'waiting' AND wait_until <= $1
	`

	result, err := s.db.Pool().Exec(ctx, query, at)
	if err != nil {
		return 0, fmt.Errorf("failed to release waiting jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job       models.Job
		kind      types.JobKind
		scope     []byte
		cursor    []byte
		lastError *string
	)

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&kind,
		&scope,
		&job.Status,
		&cursor,
		&job.RetryCount,
		&job.MaxRetries,
		&lastError,
		&job.WaitUntil,
		&job.Priority,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scope, &job.Scope); err != nil {
		return nil, fmt.Errorf("failed to decode scope of job %s: %w", job.ID, err)
	}
	if job.Progress, err = models.DecodeProgress(kind, cursor); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	return &job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
