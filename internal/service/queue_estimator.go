package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/storage"
	"github.com/activity-migrator/internal/types"
)

// DefaultBudgetPerMinute is the shared provider budget spread over a minute,
// roughly (100 - 10) / 15.
const DefaultBudgetPerMinute = 6

// QueueEstimator writes queue position and ETA onto every active user's progress
type QueueEstimator struct {
	jobs            storage.JobStore
	progress        storage.ProgressStore
	budgetPerMinute int
}

// NewQueueEstimator creates an estimator. A non-positive budgetPerMinute uses the default.
func NewQueueEstimator(jobs storage.JobStore, progress storage.ProgressStore, budgetPerMinute int) *QueueEstimator {
	if budgetPerMinute <= 0 {
		budgetPerMinute = DefaultBudgetPerMinute
	}
	return &QueueEstimator{jobs: jobs, progress: progress, budgetPerMinute: budgetPerMinute}
}

// RemainingCalls estimates the provider calls a job still needs
func RemainingCalls(job *models.Job) int {
	switch c := job.Progress.(type) {
	case *models.StreamsProgress:
		return len(c.Remaining) * job.Scope.APICallsPerItem()
	case *models.ActivitiesProgress:
		return max(1, job.Scope.Period.PageEstimate()-(c.NextPage-1))
	default:
		return 0
	}
}

// EstimateMinutes spreads totalCalls over the shared per-minute budget
func EstimateMinutes(totalCalls, budgetPerMinute int) int {
	if totalCalls <= 0 {
		return 0
	}
	return int(math.Ceil(float64(totalCalls) / float64(budgetPerMinute)))
}

// Recompute refreshes every active job's projection and returns how many jobs are active
func (e *QueueEstimator) Recompute(ctx context.Context, now time.Time) (int, error) {
	active, err := e.jobs.ListActive(ctx, types.ActiveJobStatuses...)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	total := 0
	for _, job := range active {
		total += RemainingCalls(job)
	}
	shared := EstimateMinutes(total, e.budgetPerMinute)

	for position, job := range active {
		eta := shared
		if job.Status == types.JobStatusWaiting && job.WaitUntil != nil {
			wait := int(math.Ceil(job.WaitUntil.Sub(now).Minutes()))
			eta = max(eta, wait)
		}

		p, err := e.progress.GetProgress(ctx, job.UserID)
		if err != nil {
			return 0, fmt.Errorf("failed to load progress for %s: %w", job.UserID, err)
		}
		if p == nil {
			p = &models.UserMigrationProgress{UserID: job.UserID}
		}
		p.ProjectJob(job, now)
		p.Progress.QueuePosition = position
		p.Progress.EstimatedMinutes = eta

		if err := e.progress.UpsertProgress(ctx, p); err != nil {
			return 0, fmt.Errorf("failed to save progress for %s: %w", job.UserID, err)
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"activeJobs": len(active),
		"totalCalls": total,
		"etaMinutes": shared,
	}).Debug("Queue estimates refreshed")
	return len(active), nil
}
