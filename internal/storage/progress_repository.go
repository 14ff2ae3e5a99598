package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/activity-migrator/internal/models"
	"github.com/jackc/pgx/v5"
)

// ProgressRepository handles the user-facing progress projection and reports
type ProgressRepository struct {
	db *PostgresDB
}

// NewProgressRepository creates a new progress repository
func NewProgressRepository(db *PostgresDB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// GetProgress returns the user's projection, or nil if none exists
func (r *ProgressRepository) GetProgress(ctx context.Context, userID string) (*models.UserMigrationProgress, error) {
	query := `
		SELECT user_id, job_id, status, scope, progress, last_error, report, updated_at
		FROM migration_progress
		WHERE user_id = $1
	`

	var (
		p         models.UserMigrationProgress
		jobID     *string
		scope     []byte
		progress  []byte
		lastError *string
		report    []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&jobID,
		&p.Status,
		&scope,
		&progress,
		&lastError,
		&report,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	if jobID != nil {
		p.JobID = *jobID
	}
	if lastError != nil {
		p.LastError = *lastError
	}
	if len(scope) > 0 {
		p.Scope = &models.Scope{}
		if err := json.Unmarshal(scope, p.Scope); err != nil {
			return nil, fmt.Errorf("failed to decode progress scope: %w", err)
		}
	}
	if err := json.Unmarshal(progress, &p.Progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress detail: %w", err)
	}
	if len(report) > 0 {
		p.Report = &models.MigrationReport{}
		if err := json.Unmarshal(report, p.Report); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
	}
	return &p, nil
}

// UpsertProgress writes the whole projection
func (r *ProgressRepository) UpsertProgress(ctx context.Context, p *models.UserMigrationProgress) error {
	progress, err := json.Marshal(p.Progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress detail: %w", err)
	}
	var scope, report []byte
	if p.Scope != nil {
		if scope, err = json.Marshal(p.Scope); err != nil {
			return fmt.Errorf("failed to encode progress scope: %w", err)
		}
	}
	if p.Report != nil {
		if report, err = json.Marshal(p.Report); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
	}

	query := `
		INSERT INTO migration_progress (user_id, job_id, status, scope, progress, last_error, report, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			status = EXCLUDED.status,
			scope = EXCLUDED.scope,
			progress = EXCLUDED.progress,
			last_error = EXCLUDED.last_error,
			report = EXCLUDED.report,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Pool().Exec(ctx, query,
		p.UserID,
		nullString(p.JobID),
		p.Status,
		scope,
		progress,
		nullString(p.LastError),
		report,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert progress: %w", err)
	}
	return nil
}

// DeleteProgress removes the projection, which reads back as NOT_STARTED
func (r *ProgressRepository) DeleteProgress(ctx context.Context, userID string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM migration_progress WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	return nil
}

// InsertReport writes an immutable report
func (r *ProgressRepository) InsertReport(ctx context.Context, report *models.MigrationReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	query := `INSERT INTO migration_reports (id, user_id, body, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := r.db.Pool().Exec(ctx, query, report.ID, report.UserID, body, report.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// LatestReport returns the user's most recent report, or nil
func (r *ProgressRepository) LatestReport(ctx context.Context, userID string) (*models.MigrationReport, error) {
	query := `
		SELECT body FROM migration_reports
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var body []byte
	if err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var report models.MigrationReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}
