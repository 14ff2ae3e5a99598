// Package main provides the migration scheduler entry point. It runs one
// tick per cron firing against the shared provider budget.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/activity-migrator/internal/adapter"
	"github.com/activity-migrator/internal/circuitbreaker"
	"github.com/activity-migrator/internal/config"
	"github.com/activity-migrator/internal/job"
	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/metrics"
	"github.com/activity-migrator/internal/ratelimit"
	"github.com/activity-migrator/internal/retry"
	"github.com/activity-migrator/internal/service"
	"github.com/activity-migrator/internal/storage"
	"github.com/activity-migrator/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "Run a single tick and exit")
	metricsAddr := flag.String("metrics-addr", ":9090", "Address serving /metrics, empty to disable")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().Component("scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	stores, err := storage.OpenStores(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open stores")
	}
	defer stores.Close()

	// Rate limit state is shared with every scheduler instance through Redis.
	// The memory driver keeps it in process.
	var state ratelimit.StateStore
	if stores.Driver == storage.DriverMemory {
		state = ratelimit.NewMemoryStateStore(nil)
	} else {
		redisClient, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()

		state, err = ratelimit.NewRedisStateStore(&ratelimit.RedisStateStoreConfig{Redis: redisClient.Client()})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create rate limit state store")
		}
	}

	trackerCfg := ratelimit.LoadFromEnv()
	tracker, err := ratelimit.NewTracker(state, trackerCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rate limit tracker")
	}
	logger.WithField("rateLimit", trackerCfg.String()).Info("Rate limit tracker initialized")

	var objects storage.ObjectStore
	if cfg.ObjectStore.Endpoint == "" && stores.Driver == storage.DriverMemory {
		objects = storage.NewMemoryObjectStore()
	} else {
		s3, err := storage.NewS3ObjectStore(ctx, &cfg.ObjectStore)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create object store")
		}
		objects = s3
	}

	provider := adapter.NewProviderClient(cfg.Provider.BaseURL, cfg.Provider.Timeout, tracker)
	tokens := adapter.NewTokenClient(cfg.Provider.AuthServiceURL, cfg.Provider.Timeout)
	photos := adapter.NewPhotoDownloader(cfg.Provider.Timeout, circuitbreaker.NewManager(circuitbreaker.DefaultConfig("photos")))
	newID := func() string { return uuid.NewString() }

	importerCfg := worker.DefaultImporterConfig()
	importerCfg.PageSize = cfg.Provider.PageSize
	importerCfg.DedupWindow = cfg.Scheduler.DedupWindow

	sched, err := job.NewScheduler(job.Dependencies{
		Jobs:     stores.Jobs,
		Progress: stores.Progress,
		Tokens:   tokens,
		Budget:   tracker,
		Importer: worker.NewActivityImporter(provider, stores.Activities, stores.Profiles, importerCfg, newID),
		Fetcher: worker.NewStreamFetcher(provider, stores.Activities, objects, photos,
			worker.FetcherConfig{ItemRetryLimit: cfg.Scheduler.ItemRetryLimit}),
		Reports:   service.NewReportAggregator(stores.Activities, stores.Progress, newID),
		Estimator: service.NewQueueEstimator(stores.Jobs, stores.Progress, cfg.Scheduler.BudgetPerMinute),
		Metrics:   metrics.New(prometheus.DefaultRegisterer),
	}, job.Config{
		TickDeadline: cfg.Scheduler.TickDeadline,
		SafetyBuffer: cfg.Scheduler.SafetyBuffer,
		StaleAfter:   cfg.Scheduler.StaleAfter,
		Backoff:      retry.DefaultJobSchedule,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	if *once {
		if _, err := sched.Tick(ctx); err != nil {
			logger.WithError(err).Fatal("Tick failed")
		}
		return
	}

	// Jobs orphaned by a previous crash go back to pending before the first tick.
	reclaimed, released, err := sched.Reconcile(ctx, sched.Now())
	if err != nil {
		logger.WithError(err).Warn("Startup reconciliation failed")
	} else {
		logger.WithFields(map[string]interface{}{
			"reclaimed": reclaimed,
			"released":  released,
		}).Info("Startup reconciliation complete")
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics listener failed")
			}
		}()
		defer metricsServer.Close()
	}

	runner, err := job.NewRunner(sched, cfg.Scheduler.Cron)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create runner")
	}
	if err := runner.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start runner")
	}

	<-ctx.Done()
	logger.Info("Shutting down scheduler...")
	runner.Stop()
	logger.Info("Scheduler exited")
}
