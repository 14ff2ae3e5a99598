package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/storage"
	"github.com/activity-migrator/internal/types"
)

// EnqueueInput is a user's migration request
type EnqueueInput struct {
	Period          string `json:"period"`
	IncludePhotos   bool   `json:"includePhotos"`
	IncludeSegments bool   `json:"includeSegments"`
}

// MigrationStatus is what a user sees about their migration
type MigrationStatus struct {
	Progress *models.UserMigrationProgress `json:"progress"`
	Report   *models.MigrationReport       `json:"report,omitempty"`
}

// MigrationService handles the two user actions and the progress read
type MigrationService struct {
	jobs       storage.JobStore
	progress   storage.ProgressStore
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// NewMigrationService creates the service. maxRetries <= 0 uses the model default.
func NewMigrationService(jobs storage.JobStore, progress storage.ProgressStore, maxRetries int) *MigrationService {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &MigrationService{
		jobs:       jobs,
		progress:   progress,
		maxRetries: maxRetries,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// WithClock replaces time.Now
func (s *MigrationService) WithClock(now func() time.Time) *MigrationService {
	s.now = now
	return s
}

// Enqueue creates the user's Activities job. It fails with ALREADY_ACTIVE
// when the user already has a job in flight.
func (s *MigrationService) Enqueue(ctx context.Context, userID string, in EnqueueInput) (*models.UserMigrationProgress, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewInvalidParameterError("userId", "must not be empty")
	}
	period, err := types.ParsePeriod(in.Period)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("period", err.Error())
	}

	now := s.now().UTC()
	scope := models.Scope{Period: period, IncludePhotos: in.IncludePhotos, IncludeSegments: in.IncludeSegments}
	job := models.NewActivitiesJob(s.newID(), userID, scope, now)
	job.MaxRetries = s.maxRetries

	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	p := &models.UserMigrationProgress{}
	p.ProjectJob(job, now)
	if err := s.progress.UpsertProgress(ctx, p); err != nil {
		return nil, apperrors.NewDatabaseError("upsert progress", err)
	}

	logging.FromContext(ctx).ForJob(job.ID, userID, string(job.Kind())).WithFields(map[string]interface{}{
		"period":          period,
		"includePhotos":   in.IncludePhotos,
		"includeSegments": in.IncludeSegments,
	}).Info("Migration enqueued")
	return p, nil
}

// Cancel deletes the user's active jobs and resets their projection. It
// returns how many jobs were removed.
func (s *MigrationService) Cancel(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, apperrors.NewInvalidParameterError("userId", "must not be empty")
	}

	removed, err := s.jobs.CancelActive(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	reset := &models.UserMigrationProgress{
		UserID:    userID,
		Status:    types.ClientNotStarted,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.progress.UpsertProgress(ctx, reset); err != nil {
		return removed, apperrors.NewDatabaseError("reset progress", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId":  userID,
		"removed": removed,
	}).Info("Migration cancelled")
	return removed, nil
}

// GetStatus returns the user's projection, NOT_STARTED when nothing was ever
// enqueued, together with the report of a finished migration
func (s *MigrationService) GetStatus(ctx context.Context, userID string) (*MigrationStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.NewInvalidParameterError("userId", "must not be empty")
	}

	p, err := s.progress.GetProgress(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get progress", err)
	}
	if p == nil {
		p = &models.UserMigrationProgress{UserID: userID, Status: types.ClientNotStarted}
	}

	report := p.Report
	if report == nil && p.Status == types.ClientDone {
		if report, err = s.progress.LatestReport(ctx, userID); err != nil {
			return nil, apperrors.NewDatabaseError("get report", err)
		}
	}
	return &MigrationStatus{Progress: p, Report: report}, nil
}
