package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activity-migrator/internal/adapter"
	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/metrics"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/ratelimit"
	"github.com/activity-migrator/internal/service"
	"github.com/activity-migrator/internal/storage"
	"github.com/activity-migrator/internal/types"
	"github.com/activity-migrator/internal/worker"
)

var t0 = time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixedBudget struct {
	budget int
	err    error
}

func (b fixedBudget) ComputeBudget(ctx context.Context) (int, error) { return b.budget, b.err }

// scriptedWorker answers each dispatch with fn and records the inputs
type scriptedWorker struct {
	mu    sync.Mutex
	fn    func(in worker.Input) (*worker.Result, error)
	calls []worker.Input
}

func (w *scriptedWorker) Process(ctx context.Context, in worker.Input) (*worker.Result, error) {
	w.mu.Lock()
	w.calls = append(w.calls, in)
	w.mu.Unlock()
	if w.fn == nil {
		return &worker.Result{CallsUsed: 1, Outcome: worker.OutcomeContinue}, nil
	}
	return w.fn(in)
}

func (w *scriptedWorker) users() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.calls))
	for _, in := range w.calls {
		out = append(out, in.Job.UserID)
	}
	return out
}

type fixture struct {
	store    *storage.MemoryStore
	tokens   *adapter.StaticTokenSource
	clock    *clock
	importer *scriptedWorker
	fetcher  *scriptedWorker
	metrics  *metrics.Metrics
	sched    *Scheduler
}

func newFixture(t *testing.T, budget BudgetSource) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		tokens:   adapter.NewStaticTokenSource(map[string]string{"u1": "t1", "u2": "t2", "u3": "t3"}),
		clock:    &clock{t: t0},
		importer: &scriptedWorker{},
		fetcher:  &scriptedWorker{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.sched = f.build(t, budget, f.importer, f.fetcher)
	return f
}

func (f *fixture) build(t *testing.T, budget BudgetSource, importer, fetcher worker.Worker) *Scheduler {
	t.Helper()
	n := 0
	ids := func() string { n++; return fmt.Sprintf("report-%d", n) }
	sched, err := NewScheduler(Dependencies{
		Jobs:      f.store,
		Progress:  f.store,
		Tokens:    f.tokens,
		Budget:    budget,
		Importer:  importer,
		Fetcher:   fetcher,
		Reports:   service.NewReportAggregator(f.store, f.store, ids),
		Estimator: service.NewQueueEstimator(f.store, f.store, service.DefaultBudgetPerMinute),
		Metrics:   f.metrics,
	}, DefaultConfig())
	require.NoError(t, err)
	return sched.WithClock(f.clock.now)
}

func (f *fixture) enqueue(t *testing.T, id, userID string, at time.Time) *models.Job {
	t.Helper()
	job := models.NewActivitiesJob(id, userID, models.Scope{Period: types.PeriodRecent90}, at)
	require.NoError(t, f.store.Enqueue(context.Background(), job))
	return job
}

func (f *fixture) get(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) progress(t *testing.T, userID string) *models.UserMigrationProgress {
	t.Helper()
	p, err := f.store.GetProgress(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestNewSchedulerRequiresDependencies(t *testing.T) {
	_, err := NewScheduler(Dependencies{}, DefaultConfig())
	assert.Error(t, err)
}

// pageProvider serves full pages of rides for the importer
type pageProvider struct {
	perPage int
	pages   int
}

func (p *pageProvider) ListActivities(ctx context.Context, token string, page, perPage int, after time.Time) ([]adapter.SummaryActivity, ratelimit.Pressure, error) {
	if page > p.pages {
		return nil, ratelimit.Pressure{}, nil
	}
	out := make([]adapter.SummaryActivity, 0, p.perPage)
	for i := 0; i < p.perPage; i++ {
		id := int64(page*1000 + i)
		out = append(out, adapter.SummaryActivity{
			ID:        id,
			Name:      "Morning Ride",
			Type:      "Ride",
			StartDate: t0.Add(-time.Duration(id) * time.Hour),
			Distance:  1000,
		})
	}
	return out, ratelimit.Pressure{}, nil
}

func (p *pageProvider) FetchStreams(ctx context.Context, token string, id int64) (*adapter.Streams, ratelimit.Pressure, error) {
	return &adapter.Streams{Raw: []byte(`{"time":{"data":[0]}}`), PointCount: 1}, ratelimit.Pressure{}, nil
}

func (p *pageProvider) FetchDetail(ctx context.Context, token string, id int64) (*adapter.DetailedActivity, ratelimit.Pressure, error) {
	return &adapter.DetailedActivity{ID: id}, ratelimit.Pressure{}, nil
}

func (p *pageProvider) FetchPhotos(ctx context.Context, token string, id int64) ([]adapter.Photo, ratelimit.Pressure, error) {
	return nil, ratelimit.Pressure{}, nil
}

func realWorkers(f *fixture, provider adapter.Provider) (worker.Worker, worker.Worker) {
	n := 0
	ids := func() string { n++; return fmt.Sprintf("gen-%d", n) }
	importer := worker.NewActivityImporter(provider, f.store, f.store, worker.DefaultImporterConfig(), ids)
	fetcher := worker.NewStreamFetcher(provider, f.store, storage.NewMemoryObjectStore(), nil, worker.DefaultFetcherConfig())
	return importer, fetcher
}

func TestTick_FirstPageWithSmallBudget(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 5})
	importer, fetcher := realWorkers(f, &pageProvider{perPage: 100, pages: 3})
	sched := f.build(t, fixedBudget{budget: 5}, importer, fetcher)
	f.enqueue(t, "j1", "u1", t0.Add(-time.Minute))

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 1, res.CallsUsed)

	job := f.get(t, "j1")
	assert.Equal(t, types.JobStatusPending, job.Status)
	cursor, ok := job.Activities()
	require.True(t, ok)
	assert.Equal(t, 2, cursor.NextPage)
	assert.Equal(t, 100, cursor.Imported)

	p := f.progress(t, "u1")
	assert.Equal(t, types.ClientQueued, p.Status)
	assert.Equal(t, 100, p.Progress.Imported)
}

func TestTick_FullMigrationInOneTick(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	importer, fetcher := realWorkers(f, &pageProvider{perPage: 3, pages: 1})
	// page size 100 makes the 3-item page the last one
	sched := f.build(t, fixedBudget{budget: 80}, importer, fetcher)
	f.enqueue(t, "j1", "u1", t0.Add(-time.Minute))

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 4, res.CallsUsed)
	assert.Equal(t, 0, res.Active)

	active, err := f.store.FindActiveByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, active)

	p := f.progress(t, "u1")
	assert.Equal(t, types.ClientDone, p.Status)
	require.NotNil(t, p.Report)
	assert.Equal(t, 3, p.Report.ActivityCount)
	assert.Equal(t, 3, p.Report.StreamCount)
	assert.Equal(t, []models.RouteCount{{Title: "morning ride", Count: 3}}, p.Report.TopRoutes)
	assert.Len(t, f.store.Reports(), 1)
}

func TestTick_Reconciliation(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 0})
	ctx := context.Background()
	f.enqueue(t, "stale", "u1", t0.Add(-time.Hour))
	f.enqueue(t, "fresh", "u2", t0.Add(-time.Hour))

	ok, err := f.store.Transition(ctx, "stale", types.JobStatusPending, types.JobStatusProcessing, t0.Add(-6*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.store.Transition(ctx, "fresh", types.JobStatusPending, types.JobStatusProcessing, t0.Add(-2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, types.JobStatusPending, f.get(t, "stale").Status)
	assert.Equal(t, types.JobStatusProcessing, f.get(t, "fresh").Status)
	assert.Empty(t, f.importer.calls)
}

func TestTick_ReleasesExpiredWaitAndDispatches(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 10})
	ctx := context.Background()
	job := f.enqueue(t, "j1", "u1", t0.Add(-time.Hour))

	_, err := f.store.Transition(ctx, job.ID, types.JobStatusPending, types.JobStatusProcessing, t0.Add(-time.Hour))
	require.NoError(t, err)
	past := t0.Add(-time.Second)
	job.Status = types.JobStatusWaiting
	job.WaitUntil = &past
	_, err = f.store.Save(ctx, job, types.JobStatusProcessing)
	require.NoError(t, err)

	res, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, []string{"u1"}, f.importer.users())
}

func TestTick_BudgetExhaustedSkipsDispatchButEstimates(t *testing.T) {
	for _, b := range []fixedBudget{{budget: 0}, {budget: -4}, {err: errors.New("redis down")}} {
		f := newFixture(t, b)
		f.enqueue(t, "j1", "u1", t0.Add(-time.Minute))

		res, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.Dispatched)
		assert.Empty(t, f.importer.calls)
		assert.Equal(t, 1, res.Active)

		p := f.progress(t, "u1")
		// 5 pages for a 90-day period at 6 calls per minute
		assert.Equal(t, 1, p.Progress.EstimatedMinutes)
		assert.Equal(t, 0, p.Progress.QueuePosition)
	}
}

func TestTick_OldestUpdatedFirstAndBudgetHints(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 50})
	f.enqueue(t, "j2", "u2", t0.Add(-time.Minute))
	f.enqueue(t, "j1", "u1", t0.Add(-2*time.Minute))
	f.enqueue(t, "j3", "u3", t0.Add(-30*time.Second))
	f.importer.fn = func(in worker.Input) (*worker.Result, error) {
		return &worker.Result{CallsUsed: 20, Outcome: worker.OutcomeContinue}, nil
	}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "u2", "u3"}, f.importer.users())
	hints := []int{f.importer.calls[0].BudgetHint, f.importer.calls[1].BudgetHint, f.importer.calls[2].BudgetHint}
	assert.Equal(t, []int{50, 30, 10}, hints)
	assert.Equal(t, 60, res.CallsUsed)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.JobsDispatched.WithLabelValues("activities")))
}

func TestTick_JobDispatchedOncePerTick(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	f.enqueue(t, "j1", "u1", t0.Add(-time.Minute))

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Len(t, f.importer.calls, 1)
	assert.Equal(t, types.JobStatusPending, f.get(t, "j1").Status)
}

func TestTick_PressureStopsDispatch(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	f.enqueue(t, "j1", "u1", t0.Add(-2*time.Minute))
	f.enqueue(t, "j2", "u2", t0.Add(-time.Minute))
	f.importer.fn = func(in worker.Input) (*worker.Result, error) {
		wait := in.Now.Add(5 * time.Minute)
		in.Job.WaitUntil = &wait
		return &worker.Result{CallsUsed: 1, Pressure: true, Outcome: worker.OutcomeWait}, nil
	}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Pressure)
	assert.Equal(t, []string{"u1"}, f.importer.users())

	job := f.get(t, "j1")
	assert.Equal(t, types.JobStatusWaiting, job.Status)
	require.NotNil(t, job.WaitUntil)
	assert.Equal(t, t0.Add(5*time.Minute), *job.WaitUntil)
	assert.Zero(t, job.RetryCount)

	p := f.progress(t, "u1")
	assert.Equal(t, types.ClientWaiting, p.Status)
	assert.GreaterOrEqual(t, p.Progress.EstimatedMinutes, 5)
}

func TestTick_FatalTokenFailureFailsJobAndContinues(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	f.enqueue(t, "j1", "ghost", t0.Add(-2*time.Minute))
	f.enqueue(t, "j2", "u2", t0.Add(-time.Minute))

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"u2"}, f.importer.users())

	job := f.get(t, "j1")
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Zero(t, job.RetryCount)
	assert.Contains(t, job.LastError, "NOT_CONNECTED")

	p := f.progress(t, "ghost")
	assert.Equal(t, types.ClientFailed, p.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobFailures.WithLabelValues(metrics.ClassFatal)))
}

func TestTick_TransientFailureBacksOff(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		wantStatus types.JobStatus
		wantWait   time.Duration
	}{
		{"first failure waits one minute", 0, types.JobStatusWaiting, time.Minute},
		{"third failure waits five minutes", 2, types.JobStatusWaiting, 5 * time.Minute},
		{"reaching max retries fails", 4, types.JobStatusFailed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixedBudget{budget: 80})
			job := models.NewActivitiesJob("j1", "u1", models.Scope{Period: types.PeriodAll}, t0.Add(-time.Minute))
			job.RetryCount = tt.retryCount
			require.NoError(t, f.store.Enqueue(context.Background(), job))
			f.importer.fn = func(in worker.Input) (*worker.Result, error) {
				return &worker.Result{CallsUsed: 1}, apperrors.NewProviderStatusError("/athlete/activities", 500)
			}

			_, err := f.sched.Tick(context.Background())
			require.NoError(t, err)

			got := f.get(t, "j1")
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.retryCount+1, got.RetryCount)
			if tt.wantWait > 0 {
				require.NotNil(t, got.WaitUntil)
				assert.Equal(t, t0.Add(tt.wantWait), *got.WaitUntil)
			} else {
				assert.Nil(t, got.WaitUntil)
			}
		})
	}
}

func TestTick_RateLimitErrorWaitsWithoutSpendingRetry(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	f.enqueue(t, "j1", "u1", t0.Add(-time.Minute))
	f.importer.fn = func(in worker.Input) (*worker.Result, error) {
		return &worker.Result{CallsUsed: 1}, apperrors.NewProviderRateLimitError(120)
	}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Pressure)

	job := f.get(t, "j1")
	assert.Equal(t, types.JobStatusWaiting, job.Status)
	assert.Zero(t, job.RetryCount)
	assert.Equal(t, t0.Add(2*time.Minute), *job.WaitUntil)
}

func TestTick_CancelledMidDispatchIsDiscarded(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	f.enqueue(t, "j1", "u1", t0.Add(-time.Minute))
	f.importer.fn = func(in worker.Input) (*worker.Result, error) {
		_, err := f.store.CancelActive(context.Background(), in.Job.UserID)
		require.NoError(t, err)
		return &worker.Result{CallsUsed: 1, Outcome: worker.OutcomeContinue}, nil
	}

	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	_, err = f.store.Get(context.Background(), "j1")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
	active, err := f.store.FindActiveByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestTick_ReplaceSwapsInStreamsJob(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 1})
	f.enqueue(t, "j1", "u1", t0.Add(-time.Minute))
	f.importer.fn = func(in worker.Input) (*worker.Result, error) {
		next := models.NewStreamsJob("s1", in.Job, []int64{7, 8}, in.Now)
		return &worker.Result{CallsUsed: 1, Outcome: worker.OutcomeReplace, Next: next}, nil
	}

	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	_, err = f.store.Get(context.Background(), "j1")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)
	next := f.get(t, "s1")
	assert.Equal(t, types.JobStatusPending, next.Status)
	assert.Equal(t, types.KindStreams, next.Kind())

	p := f.progress(t, "u1")
	assert.Equal(t, types.KindStreams, p.Progress.Phase)
	assert.Equal(t, 2, p.Progress.Remaining)
	// 2 items at 1 call each
	assert.Equal(t, 1, p.Progress.EstimatedMinutes)
}

func TestTick_CompleteWritesReport(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	parent := models.NewActivitiesJob("a1", "u1", models.Scope{}, t0.Add(-time.Hour))
	streams := models.NewStreamsJob("s1", parent, []int64{1}, t0.Add(-time.Minute))
	require.NoError(t, f.store.Enqueue(context.Background(), streams))
	f.fetcher.fn = func(in worker.Input) (*worker.Result, error) {
		cursor, _ := in.Job.Streams()
		cursor.Remaining = nil
		cursor.Failed = 1
		cursor.FailedIDs = []int64{1}
		return &worker.Result{CallsUsed: 1, Outcome: worker.OutcomeComplete, ItemsFailed: 1}, nil
	}

	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	_, err = f.store.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)

	reports := f.store.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].FailedItems)
	assert.Equal(t, types.ClientDone, f.progress(t, "u1").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ItemsFailed))
}

func TestTick_StopsBeforeDeadline(t *testing.T) {
	f := newFixture(t, fixedBudget{budget: 80})
	f.enqueue(t, "j1", "u1", t0.Add(-2*time.Minute))
	f.enqueue(t, "j2", "u2", t0.Add(-time.Minute))
	f.importer.fn = func(in worker.Input) (*worker.Result, error) {
		f.clock.t = f.clock.t.Add(106 * time.Second)
		return &worker.Result{CallsUsed: 1, Outcome: worker.OutcomeContinue}, nil
	}

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, []string{"u1"}, f.importer.users())
}

func TestTickNeverExceedsTrackerBudgetProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("calls spent stay within limit15min - usage15min - 10", prop.ForAll(
		func(usage, cost int) bool {
			state := &models.RateLimitState{
				Limit15Min:    100,
				Usage15Min:    usage,
				LimitDaily:    1000,
				UsageDaily:    usage,
				WindowResetAt: t0.Add(10 * time.Minute),
			}
			tracker, err := ratelimit.NewTracker(ratelimit.NewMemoryStateStore(state), nil, ratelimit.WithClock(func() time.Time { return t0 }))
			if err != nil {
				return false
			}

			f := newFixture(t, tracker)
			for i := 0; i < 12; i++ {
				f.enqueue(t, fmt.Sprintf("j%d", i), fmt.Sprintf("user-%d", i), t0.Add(-time.Duration(12-i)*time.Minute))
				f.tokens.Set(fmt.Sprintf("user-%d", i), "tok")
			}
			f.importer.fn = func(in worker.Input) (*worker.Result, error) {
				return &worker.Result{CallsUsed: min(cost, in.BudgetHint), Outcome: worker.OutcomeContinue}, nil
			}

			res, err := f.sched.Tick(context.Background())
			if err != nil {
				return false
			}
			return res.CallsUsed <= max(0, 100-usage-10)
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
