package job

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/activity-migrator/internal/logging"
)

// Ticker is one unit of scheduled work
type Ticker interface {
	Tick(ctx context.Context) (*TickResult, error)
}

// Runner fires Tick on a cron schedule. A firing is skipped while the previous
// tick is still running.
type Runner struct {
	ticker   Ticker
	cron     *cron.Cron
	schedule string
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewRunner validates schedule, which may be a 5-field expression or a
// descriptor such as "@every 1m"
func NewRunner(ticker Ticker, schedule string) (*Runner, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Runner{ticker: ticker, cron: c, schedule: schedule}, nil
}

// Start schedules the tick and returns. Ticks inherit ctx's logger and stop
// when ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	logger := logging.FromContext(ctx).Component("runner")

	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.ticker.Tick(r.ctx); err != nil {
			logger.ErrorWithErr("Tick failed", err)
		}
	}); err != nil {
		r.cancel()
		return fmt.Errorf("failed to schedule tick: %w", err)
	}

	r.cron.Start()
	logger.WithField("schedule", r.schedule).Info("Scheduler started")
	return nil
}

// Stop cancels in-flight ticks and waits for them to return
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.cron.Stop().Done()
}
