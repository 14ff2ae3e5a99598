package models

import "time"

// RateLimitState is the process-wide estimate of the provider's two rate
// limit windows, derived from the last response's headers.
type RateLimitState struct {
	Usage15Min    int       `json:"usage15min"`
	Limit15Min    int       `json:"limit15min"`
	UsageDaily    int       `json:"usageDaily"`
	LimitDaily    int       `json:"limitDaily"`
	WindowResetAt time.Time `json:"windowResetAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Remaining15Min is the estimated calls left in the current 15-minute window
func (s RateLimitState) Remaining15Min() int {
	return s.Limit15Min - s.Usage15Min
}

// RemainingDaily is the estimated calls left today
func (s RateLimitState) RemainingDaily() int {
	return s.LimitDaily - s.UsageDaily
}
