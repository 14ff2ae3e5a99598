package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/activity-migrator/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func headers(limit, usage string) http.Header {
	h := http.Header{}
	if limit != "" {
		h.Set(DefaultLimitHeader, limit)
	}
	if usage != "" {
		h.Set(DefaultUsageHeader, usage)
	}
	return h
}

func setupTracker(t *testing.T, now time.Time, initial *models.RateLimitState) (*Tracker, *MemoryStateStore) {
	t.Helper()
	store := NewMemoryStateStore(initial)
	tr, err := NewTracker(store, nil, WithClock(fixedClock(now)))
	require.NoError(t, err)
	return tr, store
}

func TestNewTracker(t *testing.T) {
	_, err := NewTracker(nil, nil)
	assert.Error(t, err)

	_, err = NewTracker(NewMemoryStateStore(nil), &TrackerConfig{SafetyMargin: -1})
	assert.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	cfg := NewTrackerConfig()

	tests := []struct {
		name     string
		h        http.Header
		expected Info
	}{
		{"both present", headers("200,2000", "31,512"), Info{200, 2000, 31, 512}},
		{"absent", headers("", ""), Info{100, 1000, 0, 0}},
		{"malformed limit", headers("200", "3,4"), Info{100, 1000, 3, 4}},
		{"spaces tolerated", headers("600, 30000", " 5 ,6"), Info{600, 30000, 5, 6}},
		{"negative rejected", headers("-1,10", ""), Info{100, 1000, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseHeaders(tt.h, cfg))
		})
	}
}

func TestRecordResponse(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 7, 30, 0, time.UTC)
	tr, store := setupTracker(t, now, nil)

	info, err := tr.RecordResponse(context.Background(), headers("100,1000", "42,300"))
	require.NoError(t, err)
	assert.Equal(t, 42, info.Usage15Min)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 42, state.Usage15Min)
	assert.Equal(t, 300, state.UsageDaily)
	assert.Equal(t, time.Date(2024, 5, 10, 9, 15, 0, 0, time.UTC), state.WindowResetAt)
}

func TestComputeBudget(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 7, 0, 0, time.UTC)
	resetLater := now.Add(8 * time.Minute)
	resetPassed := now.Add(-time.Minute)

	tests := []struct {
		name     string
		state    *models.RateLimitState
		expected int
	}{
		{"no state uses default", nil, 80},
		{
			"within window uses remaining 15min",
			&models.RateLimitState{Usage15Min: 40, Limit15Min: 100, UsageDaily: 200, LimitDaily: 1000, WindowResetAt: resetLater},
			50,
		},
		{
			"within window limited by daily",
			&models.RateLimitState{Usage15Min: 10, Limit15Min: 100, UsageDaily: 960, LimitDaily: 1000, WindowResetAt: resetLater},
			30,
		},
		{
			"reset window assumes full 15min",
			&models.RateLimitState{Usage15Min: 99, Limit15Min: 100, UsageDaily: 500, LimitDaily: 1000, WindowResetAt: resetPassed},
			90,
		},
		{
			"reset window still bounded by daily",
			&models.RateLimitState{Usage15Min: 99, Limit15Min: 100, UsageDaily: 995, LimitDaily: 1000, WindowResetAt: resetPassed},
			-5,
		},
		{
			"exhausted window is negative",
			&models.RateLimitState{Usage15Min: 95, Limit15Min: 100, UsageDaily: 500, LimitDaily: 1000, WindowResetAt: resetLater},
			-5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := setupTracker(t, now, tt.state)
			budget, err := tr.ComputeBudget(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, budget)
		})
	}
}

func TestCheckPressure(t *testing.T) {
	now := time.Date(2024, 5, 10, 9, 7, 0, 0, time.UTC)
	tr, _ := setupTracker(t, now, nil)

	t.Run("healthy", func(t *testing.T) {
		p := tr.CheckPressure(Info{Limit15Min: 100, LimitDaily: 1000, Usage15Min: 50, UsageDaily: 100})
		assert.False(t, p.Paused)
		assert.Equal(t, 8*60+5, p.RetryAfterSeconds)
	})

	t.Run("15 minute window within margin", func(t *testing.T) {
		p := tr.CheckPressure(Info{Limit15Min: 100, LimitDaily: 1000, Usage15Min: 95, UsageDaily: 100})
		assert.True(t, p.Paused)
		assert.Equal(t, 8*60+5, p.RetryAfterSeconds)
		assert.Equal(t, time.Date(2024, 5, 10, 9, 15, 5, 0, time.UTC), p.RetryAt(now))
	})

	t.Run("just outside margin", func(t *testing.T) {
		p := tr.CheckPressure(Info{Limit15Min: 100, LimitDaily: 1000, Usage15Min: 94, UsageDaily: 100})
		assert.False(t, p.Paused)
	})

	t.Run("daily window waits for midnight", func(t *testing.T) {
		p := tr.CheckPressure(Info{Limit15Min: 100, LimitDaily: 1000, Usage15Min: 10, UsageDaily: 998})
		assert.True(t, p.Paused)
		wantWait := time.Date(2024, 5, 11, 0, 0, 5, 0, time.UTC).Sub(now)
		assert.Equal(t, int(wantWait/time.Second), p.RetryAfterSeconds)
	})
}

func TestWindowBoundaries(t *testing.T) {
	at := time.Date(2024, 12, 31, 23, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), NextWindowBoundary(at))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), NextUTCMidnight(at))

	mid := time.Date(2024, 3, 3, 10, 14, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 3, 10, 15, 0, 0, time.UTC), NextWindowBoundary(mid))
}

func TestBudgetNeverExceedsWindowProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	now := time.Date(2024, 5, 10, 9, 7, 0, 0, time.UTC)

	properties.Property("budget within an open window never exceeds limit15 - usage15 - margin", prop.ForAll(
		func(limit15, usage15, limitDaily, usageDaily int) bool {
			s := models.RateLimitState{
				Limit15Min:    limit15,
				Usage15Min:    usage15,
				LimitDaily:    limitDaily,
				UsageDaily:    usageDaily,
				WindowResetAt: now.Add(time.Minute),
			}
			b := BudgetFor(s, now, DefaultSafetyMargin)
			return b <= limit15-usage15-DefaultSafetyMargin &&
				b <= limitDaily-usageDaily-DefaultSafetyMargin
		},
		gen.IntRange(1, 1000),
		gen.IntRange(0, 1000),
		gen.IntRange(1, 50000),
		gen.IntRange(0, 50000),
	))

	properties.Property("budget after reset never exceeds the full window", prop.ForAll(
		func(limit15, usage15, usageDaily int) bool {
			s := models.RateLimitState{
				Limit15Min:    limit15,
				Usage15Min:    usage15,
				LimitDaily:    10 * limit15,
				UsageDaily:    usageDaily,
				WindowResetAt: now.Add(-time.Second),
			}
			return BudgetFor(s, now, DefaultSafetyMargin) <= limit15-DefaultSafetyMargin
		},
		gen.IntRange(1, 1000),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t)
}

func setupRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStateStore(&RedisStateStoreConfig{Redis: client})
	require.NoError(t, err)
	return store, mr
}

func TestRedisStateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("config validation", func(t *testing.T) {
		_, err := NewRedisStateStore(nil)
		assert.Error(t, err)
		_, err = NewRedisStateStore(&RedisStateStoreConfig{})
		assert.Error(t, err)
	})

	t.Run("empty store has no state", func(t *testing.T) {
		store, _ := setupRedisStore(t)
		state, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, state)
	})

	t.Run("round trip with ttl", func(t *testing.T) {
		store, mr := setupRedisStore(t)
		reset := time.Date(2024, 5, 10, 9, 15, 0, 0, time.UTC)
		in := models.RateLimitState{
			Usage15Min: 12, Limit15Min: 100, UsageDaily: 340, LimitDaily: 1000,
			WindowResetAt: reset, UpdatedAt: reset.Add(-time.Minute),
		}
		require.NoError(t, store.Save(ctx, in))

		out, err := store.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in, *out)
		assert.Equal(t, DefaultStateTTL, mr.TTL(DefaultStateKey))
	})

	t.Run("corrupt field", func(t *testing.T) {
		store, mr := setupRedisStore(t)
		mr.HSet(DefaultStateKey, fieldUsage15, "nope")
		_, err := store.Load(ctx)
		assert.Error(t, err)
	})

	t.Run("tracker over redis shares state", func(t *testing.T) {
		store, _ := setupRedisStore(t)
		now := time.Date(2024, 5, 10, 9, 0, 30, 0, time.UTC)
		a, err := NewTracker(store, nil, WithClock(fixedClock(now)))
		require.NoError(t, err)
		b, err := NewTracker(store, nil, WithClock(fixedClock(now)))
		require.NoError(t, err)

		_, err = a.RecordResponse(ctx, headers("100,1000", "60,100"))
		require.NoError(t, err)

		budget, err := b.ComputeBudget(ctx)
		require.NoError(t, err)
		assert.Equal(t, 30, budget)
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := LoadFromEnv()
		assert.Equal(t, NewTrackerConfig(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv(EnvSafetyMargin, "20")
		t.Setenv(EnvDefaultBudget, "40")
		cfg := LoadFromEnv()
		assert.Equal(t, 20, cfg.SafetyMargin)
		assert.Equal(t, 40, cfg.DefaultBudget)
	})

	t.Run("invalid value keeps default", func(t *testing.T) {
		t.Setenv(EnvPressureMargin, "lots")
		cfg := LoadFromEnv()
		assert.Equal(t, DefaultPressureMargin, cfg.PressureMargin)
	})

	t.Run("inconsistent limits fall back", func(t *testing.T) {
		t.Setenv(EnvDefaultLimit15Min, "5000")
		cfg := LoadFromEnv()
		assert.Equal(t, NewTrackerConfig(), cfg)
	})

	assert.Contains(t, NewTrackerConfig().String(), "SafetyMargin: 10")
}
