// Package job runs the migration queue: one scheduler tick reconciles
// orphaned jobs, spends the shared provider budget on the oldest pending jobs
// and refreshes every user's queue estimate.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/activity-migrator/internal/adapter"
	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/metrics"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/retry"
	"github.com/activity-migrator/internal/service"
	"github.com/activity-migrator/internal/storage"
	"github.com/activity-migrator/internal/types"
	"github.com/activity-migrator/internal/worker"
)

// BudgetSource reports how many provider calls a tick may spend.
// *ratelimit.Tracker satisfies it.
type BudgetSource interface {
	ComputeBudget(ctx context.Context) (int, error)
}

// Config tunes the tick loop
type Config struct {
	// TickDeadline is the hard wall-clock ceiling of one tick
	TickDeadline time.Duration
	// SafetyBuffer stops dispatching this long before the deadline
	SafetyBuffer time.Duration
	// StaleAfter is how long a processing job may go without an update
	StaleAfter time.Duration
	// Backoff is the wait schedule for transient job failures
	Backoff retry.Schedule
}

// DefaultConfig returns a 120s tick with a 15s buffer and 5 minute staleness
func DefaultConfig() Config {
	return Config{
		TickDeadline: 120 * time.Second,
		SafetyBuffer: 15 * time.Second,
		StaleAfter:   5 * time.Minute,
		Backoff:      retry.DefaultJobSchedule,
	}
}

// Dependencies are the collaborators of a Scheduler. Metrics may be nil.
type Dependencies struct {
	Jobs      storage.JobStore
	Progress  storage.ProgressStore
	Tokens    adapter.TokenSource
	Budget    BudgetSource
	Importer  worker.Worker
	Fetcher   worker.Worker
	Reports   *service.ReportAggregator
	Estimator *service.QueueEstimator
	Metrics   *metrics.Metrics
}

// Scheduler is the migration tick loop. Ticks are expected to be serialized
// by the caller; overlapping ticks stay safe because every job write-back is
// conditioned on the job still being processing.
type Scheduler struct {
	deps    Dependencies
	workers map[types.JobKind]worker.Worker
	cfg     Config
	now     func() time.Time
}

// TickResult summarizes one tick
type TickResult struct {
	Budget     int
	CallsUsed  int
	Dispatched int
	Failed     int
	Pressure   bool
	Reclaimed  int
	Released   int
	Active     int
}

// NewScheduler validates deps and creates a scheduler
func NewScheduler(deps Dependencies, cfg Config) (*Scheduler, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Progress == nil:
		return nil, errors.New("progress store is required")
	case deps.Tokens == nil:
		return nil, errors.New("token source is required")
	case deps.Budget == nil:
		return nil, errors.New("budget source is required")
	case deps.Importer == nil || deps.Fetcher == nil:
		return nil, errors.New("both workers are required")
	case deps.Reports == nil || deps.Estimator == nil:
		return nil, errors.New("report aggregator and queue estimator are required")
	}

	defaults := DefaultConfig()
	if cfg.TickDeadline <= 0 {
		cfg.TickDeadline = defaults.TickDeadline
	}
	if cfg.SafetyBuffer < 0 || cfg.SafetyBuffer >= cfg.TickDeadline {
		cfg.SafetyBuffer = defaults.SafetyBuffer
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaults.Backoff
	}

	return &Scheduler{
		deps: deps,
		workers: map[types.JobKind]worker.Worker{
			types.KindActivities: deps.Importer,
			types.KindStreams:    deps.Fetcher,
		},
		cfg: cfg,
		now: time.Now,
	}, nil
}

// WithClock replaces time.Now
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Now returns the scheduler's current time
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Reconcile returns orphaned processing jobs and expired waiting jobs to pending
func (s *Scheduler) Reconcile(ctx context.Context, now time.Time) (reclaimed, released int, err error) {
	reclaimed, err = s.deps.Jobs.ResetStaleProcessing(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	released, err = s.deps.Jobs.ReleaseWaiting(ctx, now)
	if err != nil {
		return reclaimed, 0, fmt.Errorf("failed to release waiting jobs: %w", err)
	}
	return reclaimed, released, nil
}

// Tick runs one scheduler pass. The ETA pass runs even when dispatch is
// skipped or fails.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickDeadline)
	defer cancel()

	logger := logging.FromContext(ctx).Component("scheduler")
	ctx = logging.WithLogger(ctx, logger)
	res := &TickResult{}
	defer func() { s.deps.Metrics.ObserveTick(s.now().Sub(start)) }()

	var tickErr error
	reclaimed, released, err := s.Reconcile(ctx, start)
	if err != nil {
		logger.ErrorWithErr("Reconciliation failed", err)
		tickErr = err
	}
	res.Reclaimed, res.Released = reclaimed, released
	if reclaimed > 0 || released > 0 {
		logger.WithFields(map[string]interface{}{
			"reclaimed": reclaimed,
			"released":  released,
		}).Info("Reconciled jobs")
	}

	budget, err := s.deps.Budget.ComputeBudget(ctx)
	if err != nil {
		logger.WithError(err).Warn("Budget unavailable, skipping dispatch")
		budget = 0
	}
	res.Budget = budget
	s.deps.Metrics.SetBudget(budget)

	if budget > 0 {
		if err := s.dispatch(ctx, start, budget, res); err != nil {
			logger.ErrorWithErr("Dispatch loop aborted", err)
			tickErr = err
		}
	}

	active, err := s.deps.Estimator.Recompute(ctx, s.now())
	if err != nil {
		logger.ErrorWithErr("Queue estimate failed", err)
		if tickErr == nil {
			tickErr = err
		}
	}
	res.Active = active
	s.deps.Metrics.SetActiveJobs(active)

	logger.WithFields(map[string]interface{}{
		"budget":     res.Budget,
		"calls":      res.CallsUsed,
		"dispatched": res.Dispatched,
		"failed":     res.Failed,
		"pressure":   res.Pressure,
		"active":     res.Active,
	}).Info("Tick finished")
	return res, tickErr
}

// dispatch drains pending jobs oldest-updated first. Each job is visited at
// most once per tick.
func (s *Scheduler) dispatch(ctx context.Context, start time.Time, budget int, res *TickResult) error {
	logger := logging.FromContext(ctx)
	stopAt := start.Add(s.cfg.TickDeadline - s.cfg.SafetyBuffer)
	var visited []string

	for budget > 0 {
		if !s.now().Before(stopAt) {
			logger.WithField("budget", budget).Warn("Tick time budget spent, stopping dispatch")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := s.deps.Jobs.FindOldestPending(ctx, visited)
		if err != nil {
			return fmt.Errorf("failed to find pending job: %w", err)
		}
		if job == nil {
			return nil
		}
		visited = append(visited, job.ID)

		claimedAt := s.now()
		ok, err := s.deps.Jobs.Transition(ctx, job.ID, types.JobStatusPending, types.JobStatusProcessing, claimedAt)
		if err != nil {
			return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if !ok {
			continue
		}
		job.Status = types.JobStatusProcessing
		job.UpdatedAt = claimedAt

		calls, pressure, failed := s.run(ctx, job, budget)
		budget -= calls
		res.CallsUsed += calls
		res.Dispatched++
		if failed {
			res.Failed++
		}
		if pressure {
			res.Pressure = true
			logger.WithField("budget", budget).Info("Provider pressure, stopping dispatch")
			return nil
		}
	}
	return nil
}

// run executes one claimed job and writes it back. It reports the calls
// consumed, whether the provider signalled pressure and whether the job
// ended in an error path.
func (s *Scheduler) run(ctx context.Context, job *models.Job, budget int) (int, bool, bool) {
	kind := job.Kind()
	logger := logging.FromContext(ctx).ForJob(job.ID, job.UserID, string(kind))
	ctx = logging.WithLogger(ctx, logger)

	w, ok := s.workers[kind]
	if !ok {
		s.fail(ctx, job, fmt.Errorf("unknown job kind %q", kind))
		return 0, false, true
	}

	token, err := s.deps.Tokens.GetValidAccessToken(ctx, job.UserID)
	if err != nil {
		s.fail(ctx, job, err)
		return 0, false, true
	}

	result, err := w.Process(ctx, worker.Input{
		Job:         job,
		AccessToken: token,
		BudgetHint:  budget,
		Now:         s.now(),
	})
	if result == nil {
		result = &worker.Result{}
	}
	s.deps.Metrics.Dispatched(kind, result.CallsUsed)
	s.deps.Metrics.AddItemsFailed(result.ItemsFailed)

	if err != nil {
		s.fail(ctx, job, err)
		return result.CallsUsed, result.Pressure || apperrors.IsRateLimited(err), true
	}

	logger.WithFields(map[string]interface{}{
		"budget":  budget,
		"calls":   result.CallsUsed,
		"outcome": result.Outcome.String(),
	}).Debug("Job dispatched")
	s.apply(ctx, job, result)
	return result.CallsUsed, result.Pressure, false
}

// apply writes a successful dispatch back, conditioned on the job still
// being processing. A job cancelled mid-dispatch is left alone.
func (s *Scheduler) apply(ctx context.Context, job *models.Job, result *worker.Result) {
	logger := logging.FromContext(ctx)
	now := s.now()
	job.UpdatedAt = now

	var (
		ok  bool
		err error
	)
	projected := job
	switch result.Outcome {
	case worker.OutcomeContinue:
		job.Status = types.JobStatusPending
		job.WaitUntil = nil
		ok, err = s.deps.Jobs.Save(ctx, job, types.JobStatusProcessing)
	case worker.OutcomeWait:
		job.Status = types.JobStatusWaiting
		if job.WaitUntil == nil {
			wait := now.Add(s.cfg.Backoff.Delay(1))
			job.WaitUntil = &wait
		}
		s.deps.Metrics.Failure(metrics.ClassRateLimit)
		ok, err = s.deps.Jobs.Save(ctx, job, types.JobStatusProcessing)
	case worker.OutcomeReplace:
		if result.Next == nil {
			err = errors.New("replace outcome without a successor job")
			break
		}
		projected = result.Next
		ok, err = s.deps.Jobs.Replace(ctx, job.ID, types.JobStatusProcessing, result.Next)
	case worker.OutcomeComplete:
		ok, err = s.deps.Jobs.Delete(ctx, job.ID, types.JobStatusProcessing)
	default:
		err = fmt.Errorf("unknown outcome %d", result.Outcome)
	}

	if err != nil {
		logger.ErrorWithErr("Job write-back failed, left for reconciliation", err)
		return
	}
	if !ok {
		logger.Info("Job cancelled during dispatch, discarding result")
		return
	}

	if result.Outcome == worker.OutcomeComplete {
		failed := 0
		if cursor, isStreams := job.Streams(); isStreams {
			failed = cursor.Failed
		}
		if _, err := s.deps.Reports.Finalize(ctx, job.UserID, failed, now); err != nil {
			logger.ErrorWithErr("Report aggregation failed", err)
		}
		return
	}
	s.project(ctx, projected, now)
}

// fail classifies a worker or token error and writes the job back. Access
// failures are terminal, rate limits wait without spending a retry and
// everything else follows the backoff schedule until MaxRetries.
func (s *Scheduler) fail(ctx context.Context, job *models.Job, cause error) {
	logger := logging.FromContext(ctx).WithError(cause)
	now := s.now()
	job.LastError = cause.Error()
	job.UpdatedAt = now

	class := metrics.ClassRetry
	switch {
	case apperrors.IsFatal(cause):
		class = metrics.ClassFatal
		job.Status = types.JobStatusFailed
		job.WaitUntil = nil
	case apperrors.IsRateLimited(cause):
		class = metrics.ClassRateLimit
		secs, _ := apperrors.RetryAfterSeconds(cause)
		wait := now.Add(time.Duration(secs) * time.Second)
		job.Status = types.JobStatusWaiting
		job.WaitUntil = &wait
	default:
		job.RetryCount++
		if job.RetryCount >= job.MaxRetries {
			class = metrics.ClassExhausted
			job.Status = types.JobStatusFailed
			job.WaitUntil = nil
		} else {
			wait := now.Add(s.cfg.Backoff.Delay(job.RetryCount))
			job.Status = types.JobStatusWaiting
			job.WaitUntil = &wait
		}
	}
	s.deps.Metrics.Failure(class)

	ok, err := s.deps.Jobs.Save(ctx, job, types.JobStatusProcessing)
	if err != nil {
		logger.ErrorWithErr("Failed to record job failure", err)
		return
	}
	if !ok {
		logger.Info("Job cancelled during dispatch, discarding failure")
		return
	}

	logger.WithFields(map[string]interface{}{
		"class":      class,
		"status":     job.Status,
		"retryCount": job.RetryCount,
	}).Warn("Job failed")
	s.project(ctx, job, now)
}

// project refreshes the user's progress from job, keeping ETA fields for
// the estimator
func (s *Scheduler) project(ctx context.Context, job *models.Job, now time.Time) {
	p, err := s.deps.Progress.GetProgress(ctx, job.UserID)
	if err == nil {
		if p == nil {
			p = &models.UserMigrationProgress{}
		}
		p.ProjectJob(job, now)
		err = s.deps.Progress.UpsertProgress(ctx, p)
	}
	if err != nil {
		logging.FromContext(ctx).ErrorWithErr("Failed to update progress", err)
	}
}
