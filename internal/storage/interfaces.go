package storage

import (
	"context"
	"errors"
	"time"

	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/types"
)

// MaxBatchSize bounds every batched write.
const MaxBatchSize = 500

// ErrJobNotFound is returned by Get when the job record does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobStore persists Job records. Every status change is conditional on the
// stored status so that two overlapping ticks can never both own a job.
type JobStore interface {
	// Enqueue inserts job, failing with an ALREADY_ACTIVE conflict when the
	// user already has a pending, processing or waiting job.
	Enqueue(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	FindActiveByUser(ctx context.Context, userID string) (*models.Job, error)
	// CancelActive deletes every active job of the user and returns how many were removed.
	CancelActive(ctx context.Context, userID string) (int, error)
	// FindOldestPending returns the pending job with the oldest UpdatedAt
	// not in exclude, or nil when there is none.
	FindOldestPending(ctx context.Context, exclude []string) (*models.Job, error)
	// Transition moves a job from one status to another, stamping UpdatedAt.
	// It reports false when the stored status is not from or the job is gone.
	Transition(ctx context.Context, id string, from, to types.JobStatus, at time.Time) (bool, error)
	// Save writes every mutable field of job if its stored status is still from.
	Save(ctx context.Context, job *models.Job, from types.JobStatus) (bool, error)
	// Replace atomically deletes oldID (if still in from) and inserts next.
	Replace(ctx context.Context, oldID string, from types.JobStatus, next *models.Job) (bool, error)
	// Delete removes a job if it is still in from.
	Delete(ctx context.Context, id string, from types.JobStatus) (bool, error)
	// ListActive returns jobs in the given statuses ordered by UpdatedAt ascending.
	ListActive(ctx context.Context, statuses ...types.JobStatus) ([]*models.Job, error)
	// ResetStaleProcessing moves processing jobs last updated before cutoff back to pending.
	ResetStaleProcessing(ctx context.Context, cutoff, at time.Time) (int, error)
	// ReleaseWaiting moves waiting jobs whose WaitUntil has passed back to pending.
	ReleaseWaiting(ctx context.Context, at time.Time) (int, error)
}

// ProgressStore holds the user-facing projection and the immutable reports.
type ProgressStore interface {
	GetProgress(ctx context.Context, userID string) (*models.UserMigrationProgress, error)
	UpsertProgress(ctx context.Context, p *models.UserMigrationProgress) error
	DeleteProgress(ctx context.Context, userID string) error
	// InsertReport writes a report once. Reports are never updated.
	InsertReport(ctx context.Context, r *models.MigrationReport) error
	LatestReport(ctx context.Context, userID string) (*models.MigrationReport, error)
}

// ActivityStore holds normalized activity records and what phase 2 attaches to them.
type ActivityStore interface {
	ImportedExternalIDs(ctx context.Context, userID string) (map[int64]struct{}, error)
	NativeStartTimes(ctx context.Context, userID string) ([]time.Time, error)
	// InsertActivities writes recs in batches of at most MaxBatchSize. Records
	// whose external ID already exists for the user are ignored.
	InsertActivities(ctx context.Context, recs []*models.ActivityRecord) (int, error)
	ProviderActivities(ctx context.Context, userID string) ([]*models.ActivityRecord, error)
	UpdateActivityDetail(ctx context.Context, userID string, externalID int64, d models.ActivityDetail) error

	SaveStreamRecord(ctx context.Context, rec *models.StreamRecord) error
	StreamExternalIDs(ctx context.Context, userID string) (map[int64]struct{}, error)
	CountStreamRecords(ctx context.Context, userID string) (int, error)

	KnownSegmentIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error)
	SaveSegments(ctx context.Context, segs []models.Segment) error
	SaveSegmentEfforts(ctx context.Context, efforts []models.SegmentEffort) (int, error)
}

// ProfileStore resolves the nickname and default visibility stamped on imports.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	UpsertProfile(ctx context.Context, p *models.UserProfile) error
}
