package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/models"
)

// Pressure is the outcome of CheckPressure.
type Pressure struct {
	Paused            bool
	RetryAfterSeconds int
}

// RetryAt converts the pressure into an absolute wait deadline.
func (p Pressure) RetryAt(now time.Time) time.Time {
	return now.Add(time.Duration(p.RetryAfterSeconds) * time.Second)
}

// Tracker derives the shared call budget from recorded response headers. It
// is a best-effort estimate; a provider 429 always wins over it.
type Tracker struct {
	store StateStore
	cfg   *TrackerConfig
	now   func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker over store. A nil cfg uses defaults.
func NewTracker(store StateStore, cfg *TrackerConfig, opts ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg == nil {
		cfg = NewTrackerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	t := &Tracker{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns the tracker's configuration.
func (t *Tracker) Config() *TrackerConfig {
	return t.cfg
}

// RecordResponse parses h and stores the resulting state with a window reset
// at the next 15-minute UTC boundary.
func (t *Tracker) RecordResponse(ctx context.Context, h http.Header) (Info, error) {
	info := ParseHeaders(h, t.cfg)
	now := t.now().UTC()

	state := models.RateLimitState{
		Usage15Min:    info.Usage15Min,
		Limit15Min:    info.Limit15Min,
		UsageDaily:    info.UsageDaily,
		LimitDaily:    info.LimitDaily,
		WindowResetAt: NextWindowBoundary(now),
		UpdatedAt:     now,
	}
	if err := t.store.Save(ctx, state); err != nil {
		return info, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"usage15min": info.Usage15Min,
		"usageDaily": info.UsageDaily,
	}).Debug("Recorded provider rate limit usage")

	return info, nil
}

// ComputeBudget returns how many calls a tick may spend.
func (t *Tracker) ComputeBudget(ctx context.Context) (int, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return t.cfg.DefaultBudget, nil
	}
	return BudgetFor(*state, t.now(), t.cfg.SafetyMargin), nil
}

// BudgetFor computes the budget for a fixed snapshot. Once the snapshot's
// window has reset the full 15-minute limit is assumed available again.
func BudgetFor(s models.RateLimitState, now time.Time, safetyMargin int) int {
	if !now.Before(s.WindowResetAt) {
		return min(s.Limit15Min, s.RemainingDaily()) - safetyMargin
	}
	return min(s.Remaining15Min(), s.RemainingDaily()) - safetyMargin
}

// CheckPressure flags a pause when either window is within PressureMargin of
// its limit. RetryAfterSeconds is always populated so a 429 without pressure
// in its headers still gets a wait: the next UTC midnight when the daily window
// is the one exhausted, otherwise the next 15-minute boundary.
func (t *Tracker) CheckPressure(info Info) Pressure {
	now := t.now().UTC()
	dailyPressed := info.RemainingDaily() <= t.cfg.PressureMargin
	windowPressed := info.Remaining15Min() <= t.cfg.PressureMargin

	resetAt := NextWindowBoundary(now)
	if dailyPressed {
		resetAt = NextUTCMidnight(now)
	}
	wait := resetAt.Add(t.cfg.ResetBuffer).Sub(now)

	return Pressure{
		Paused:            dailyPressed || windowPressed,
		RetryAfterSeconds: int((wait + time.Second - 1) / time.Second),
	}
}

// NextWindowBoundary returns the first 15-minute UTC boundary strictly after now.
func NextWindowBoundary(now time.Time) time.Time {
	return now.UTC().Truncate(DefaultWindow).Add(DefaultWindow)
}

// NextUTCMidnight returns the first UTC midnight strictly after now.
func NextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
