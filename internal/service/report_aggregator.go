package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/storage"
	"github.com/activity-migrator/internal/types"
)

// TopRouteCount is the length of the recurring-routes list
const TopRouteCount = 3

// ReportAggregator builds the final migration report once a user's queue drains
type ReportAggregator struct {
	activities storage.ActivityStore
	progress   storage.ProgressStore
	newID      func() string
}

// NewReportAggregator creates an aggregator
func NewReportAggregator(activities storage.ActivityStore, progress storage.ProgressStore, newID func() string) *ReportAggregator {
	return &ReportAggregator{activities: activities, progress: progress, newID: newID}
}

// Finalize writes the user's report and flips their projection to DONE.
// failedItems is the number of activities phase 2 gave up on.
func (a *ReportAggregator) Finalize(ctx context.Context, userID string, failedItems int, now time.Time) (*models.MigrationReport, error) {
	acts, err := a.activities.ProviderActivities(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load activities: %w", err)
	}
	streams, err := a.activities.CountStreamRecords(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count stream records: %w", err)
	}

	report := Summarize(acts)
	report.ID = a.newID()
	report.UserID = userID
	report.StreamCount = streams
	report.FailedItems = failedItems
	report.CreatedAt = now

	if err := a.progress.InsertReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to insert report: %w", err)
	}

	p, err := a.progress.GetProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	if p == nil {
		p = &models.UserMigrationProgress{UserID: userID}
	}
	p.JobID = ""
	p.Status = types.ClientDone
	p.LastError = ""
	p.Report = report
	p.Progress.Remaining = 0
	p.Progress.QueuePosition = 0
	p.Progress.EstimatedMinutes = 0
	p.Progress.WaitUntil = nil
	p.UpdatedAt = now
	if err := a.progress.UpsertProgress(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save progress: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId":     userID,
		"activities": report.ActivityCount,
		"streams":    streams,
		"failed":     failedItems,
	}).Info("Migration report written")
	return report, nil
}

// Summarize totals acts into a report without identity or timestamps
func Summarize(acts []*models.ActivityRecord) *models.MigrationReport {
	r := &models.MigrationReport{ActivityCount: len(acts), TopRoutes: []models.RouteCount{}}
	titles := map[string]int{}

	for _, a := range acts {
		r.TotalDistanceMeters += a.DistanceMeters
		r.TotalMovingSeconds += a.MovingSeconds
		r.TotalElevationGain += a.ElevationGain
		r.TotalCalories += a.Calories
		r.PhotoCount += a.PhotoCount
		r.SegmentEffortCount += a.SegmentEffortCount

		start := a.StartTime
		if r.EarliestStart == nil || start.Before(*r.EarliestStart) {
			r.EarliestStart = &start
		}
		if r.LatestStart == nil || start.After(*r.LatestStart) {
			r.LatestStart = &start
		}

		if title := NormalizeTitle(a.Title); title != "" {
			titles[title]++
		}
	}

	for title, count := range titles {
		r.TopRoutes = append(r.TopRoutes, models.RouteCount{Title: title, Count: count})
	}
	sort.Slice(r.TopRoutes, func(i, j int) bool {
		if r.TopRoutes[i].Count != r.TopRoutes[j].Count {
			return r.TopRoutes[i].Count > r.TopRoutes[j].Count
		}
		return r.TopRoutes[i].Title < r.TopRoutes[j].Title
	})
	if len(r.TopRoutes) > TopRouteCount {
		r.TopRoutes = r.TopRoutes[:TopRouteCount]
	}
	return r
}

// NormalizeTitle lowercases and collapses whitespace so that "Morning  Ride"
// and "morning ride" group together
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
