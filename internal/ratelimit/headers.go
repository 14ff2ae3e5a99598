package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
)

// Info is one response's view of both rate limit windows.
type Info struct {
	Limit15Min int
	LimitDaily int
	Usage15Min int
	UsageDaily int
}

// Remaining15Min is the calls left in the 15-minute window
func (i Info) Remaining15Min() int { return i.Limit15Min - i.Usage15Min }

// RemainingDaily is the calls left today
func (i Info) RemainingDaily() int { return i.LimitDaily - i.UsageDaily }

// ParseHeaders reads the limit and usage headers, each a "15min,daily" pair.
// A missing or malformed pair falls back to the configured limits and zero usage.
func ParseHeaders(h http.Header, cfg *TrackerConfig) Info {
	info := Info{
		Limit15Min: cfg.DefaultLimit15Min,
		LimitDaily: cfg.DefaultLimitDaily,
	}
	if a, b, ok := parsePair(h.Get(DefaultLimitHeader)); ok {
		info.Limit15Min, info.LimitDaily = a, b
	}
	if a, b, ok := parsePair(h.Get(DefaultUsageHeader)); ok {
		info.Usage15Min, info.UsageDaily = a, b
	}
	return info
}

func parsePair(v string) (int, int, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || a < 0 {
		return 0, 0, false
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || b < 0 {
		return 0, 0, false
	}
	return a, b, true
}
