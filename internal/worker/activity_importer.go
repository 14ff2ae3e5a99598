package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/activity-migrator/internal/adapter"
	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/storage"
)

// DefaultAllowedTypes are the cycling-like activity types that get imported
var DefaultAllowedTypes = []string{
	"Ride",
	"VirtualRide",
	"EBikeRide",
	"GravelRide",
	"MountainBikeRide",
	"EMountainBikeRide",
	"Handcycle",
	"Velomobile",
}

// ImporterConfig tunes phase 1
type ImporterConfig struct {
	PageSize     int
	DedupWindow  time.Duration
	AllowedTypes []string
}

// DefaultImporterConfig returns a page size of 100 and a 5 minute dedup window
func DefaultImporterConfig() ImporterConfig {
	return ImporterConfig{
		PageSize:     100,
		DedupWindow:  5 * time.Minute,
		AllowedTypes: DefaultAllowedTypes,
	}
}

// ActivityImporter is phase 1: one page of the provider's activity list per dispatch
type ActivityImporter struct {
	provider   adapter.Provider
	activities storage.ActivityStore
	profiles   storage.ProfileStore
	cfg        ImporterConfig
	allowed    map[string]struct{}
	newID      func() string
}

// NewActivityImporter creates the phase 1 worker. newID mints record and job IDs.
func NewActivityImporter(
	provider adapter.Provider,
	activities storage.ActivityStore,
	profiles storage.ProfileStore,
	cfg ImporterConfig,
	newID func() string,
) *ActivityImporter {
	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = struct{}{}
	}
	return &ActivityImporter{
		provider:   provider,
		activities: activities,
		profiles:   profiles,
		cfg:        cfg,
		allowed:    allowed,
		newID:      newID,
	}
}

// Process imports one page. A short page ends phase 1.
func (w *ActivityImporter) Process(ctx context.Context, in Input) (*Result, error) {
	job := in.Job
	cursor, ok := job.Activities()
	if !ok {
		return &Result{}, fmt.Errorf("job %s is not an activities job", job.ID)
	}
	logger := logging.FromContext(ctx)

	page, pressure, err := w.provider.ListActivities(ctx, in.AccessToken, cursor.NextPage, w.cfg.PageSize, job.Scope.Period.After(in.Now))
	result := &Result{CallsUsed: 1, Pressure: pressure.Paused}
	if err != nil {
		if apperrors.IsRateLimited(err) {
			secs, _ := apperrors.RetryAfterSeconds(err)
			waitUntil := in.Now.Add(time.Duration(secs) * time.Second)
			job.WaitUntil = &waitUntil
			result.Pressure = true
			result.Outcome = OutcomeWait
			logger.WithField("retryAfterSeconds", secs).Warn("Activity list rate limited")
			return result, nil
		}
		return result, fmt.Errorf("failed to list activities page %d: %w", cursor.NextPage, err)
	}

	imported, skipped, err := w.importPage(ctx, job, page, in.Now)
	if err != nil {
		return result, err
	}
	cursor.Imported += imported
	cursor.Skipped += skipped

	logger.WithFields(map[string]interface{}{
		"page":     cursor.NextPage,
		"returned": len(page),
		"imported": imported,
		"skipped":  skipped,
	}).Info("Imported activity page")

	if len(page) == w.cfg.PageSize {
		cursor.NextPage++
		result.Outcome = OutcomeContinue
		return result, nil
	}

	remaining, err := w.pendingStreams(ctx, job.UserID)
	if err != nil {
		return result, err
	}
	if len(remaining) == 0 {
		result.Outcome = OutcomeComplete
		return result, nil
	}
	result.Outcome = OutcomeReplace
	result.Next = models.NewStreamsJob(w.newID(), job, remaining, in.Now)
	return result, nil
}

// importPage writes the page's new activities. Every returned item is counted
// as either imported or skipped.
func (w *ActivityImporter) importPage(ctx context.Context, job *models.Job, page []adapter.SummaryActivity, now time.Time) (int, int, error) {
	if len(page) == 0 {
		return 0, 0, nil
	}

	known, err := w.activities.ImportedExternalIDs(ctx, job.UserID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load imported ids: %w", err)
	}
	native, err := w.activities.NativeStartTimes(ctx, job.UserID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load native start times: %w", err)
	}
	sort.Slice(native, func(i, j int) bool { return native[i].Before(native[j]) })

	profile, err := w.profiles.GetProfile(ctx, job.UserID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load profile: %w", err)
	}

	skipped := 0
	recs := make([]*models.ActivityRecord, 0, len(page))
	for _, a := range page {
		if _, ok := w.allowed[a.ActivityType()]; !ok {
			skipped++
			continue
		}
		if _, dup := known[a.ID]; dup {
			skipped++
			continue
		}
		if nearAny(native, a.StartDate, w.cfg.DedupWindow) {
			skipped++
			continue
		}
		known[a.ID] = struct{}{}
		recs = append(recs, toRecord(w.newID(), job.UserID, a, profile, now))
	}

	inserted, err := w.activities.InsertActivities(ctx, recs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert activities: %w", err)
	}
	// Rows a concurrent import already wrote count as skipped.
	skipped += len(recs) - inserted
	return inserted, skipped, nil
}

// nearAny reports whether t is within window of any time in sorted, inclusive.
func nearAny(sorted []time.Time, t time.Time, window time.Duration) bool {
	lo := t.Add(-window)
	i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Before(lo) })
	return i < len(sorted) && !sorted[i].After(t.Add(window))
}

func toRecord(id, userID string, a adapter.SummaryActivity, profile *models.UserProfile, now time.Time) *models.ActivityRecord {
	ext := a.ID
	// Summaries carry work in kJ, which for cycling is close enough to kcal.
	calories := a.Kilojoules
	return &models.ActivityRecord{
		ID:             id,
		UserID:         userID,
		Source:         models.SourceProvider,
		ExternalID:     &ext,
		Type:           a.ActivityType(),
		Title:          a.Name,
		StartTime:      a.StartDate.UTC(),
		DistanceMeters: a.Distance,
		MovingSeconds:  a.MovingTime,
		ElapsedSeconds: a.ElapsedTime,
		ElevationGain:  a.TotalElevationGain,
		Calories:       calories,
		Visibility:     profile.DefaultVisibility,
		OwnerNickname:  profile.Nickname,
		PhotoCount:     a.TotalPhotoCount,
		CreatedAt:      now,
	}
}

// pendingStreams lists imported activities without a stream record, oldest first
func (w *ActivityImporter) pendingStreams(ctx context.Context, userID string) ([]int64, error) {
	acts, err := w.activities.ProviderActivities(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load imported activities: %w", err)
	}
	cached, err := w.activities.StreamExternalIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream records: %w", err)
	}

	remaining := make([]int64, 0, len(acts))
	for _, a := range acts {
		if a.ExternalID == nil {
			continue
		}
		if _, ok := cached[*a.ExternalID]; ok {
			continue
		}
		remaining = append(remaining, *a.ExternalID)
	}
	return remaining, nil
}

var _ Worker = (*ActivityImporter)(nil)
