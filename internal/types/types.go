// Package types provides common type definitions for the activity migrator.
package types

import (
	"fmt"
	"time"
)

// JobKind identifies which migration phase a job belongs to
type JobKind string

const (
	// KindActivities is phase 1: paginated import of the activity list
	KindActivities JobKind = "activities"
	// KindStreams is phase 2: per-activity detail, streams and photos
	KindStreams JobKind = "streams"
)

// Valid reports whether k is a known job kind
func (k JobKind) Valid() bool {
	return k == KindActivities || k == KindStreams
}

// JobStatus is the scheduler-side status of a job. Successful completion
// deletes the job record, so there is no terminal success value.
type JobStatus string

const (
	// JobStatusPending is waiting for a tick to pick it up
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing is claimed by a tick
	JobStatusProcessing JobStatus = "processing"
	// JobStatusWaiting is parked until WaitUntil
	JobStatusWaiting JobStatus = "waiting"
	// JobStatusFailed is terminal
	JobStatusFailed JobStatus = "failed"
)

// ActiveJobStatuses are the statuses counted by the one-active-job-per-user rule
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusWaiting}

// IsActive reports whether s is one of the active statuses
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusWaiting
}

// Period is the lookback window a user chose for their migration
type Period string

const (
	PeriodRecent90  Period = "recent_90"
	PeriodRecent180 Period = "recent_180"
	PeriodAll       Period = "all"
)

// ParsePeriod validates a period string
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodRecent90, PeriodRecent180, PeriodAll:
		return p, nil
	default:
		return "", fmt.Errorf("unknown period %q", s)
	}
}

// After returns the earliest start time included by the period, or the zero
// time for PeriodAll.
func (p Period) After(now time.Time) time.Time {
	switch p {
	case PeriodRecent90:
		return now.AddDate(0, 0, -90)
	case PeriodRecent180:
		return now.AddDate(0, 0, -180)
	default:
		return time.Time{}
	}
}

// PageEstimate is the assumed number of activity pages for the period
func (p Period) PageEstimate() int {
	switch p {
	case PeriodRecent90:
		return 5
	case PeriodRecent180:
		return 10
	default:
		return 30
	}
}

// ClientStatus is the user-facing migration status
type ClientStatus string

const (
	ClientNotStarted ClientStatus = "NOT_STARTED"
	ClientQueued     ClientStatus = "QUEUED"
	ClientRunning    ClientStatus = "RUNNING"
	ClientWaiting    ClientStatus = "WAITING"
	ClientDone       ClientStatus = "DONE"
	ClientFailed     ClientStatus = "FAILED"
)

// ClientStatusFor maps a job status to what the user sees
func ClientStatusFor(s JobStatus) ClientStatus {
	switch s {
	case JobStatusPending:
		return ClientQueued
	case JobStatusProcessing:
		return ClientRunning
	case JobStatusWaiting:
		return ClientWaiting
	case JobStatusFailed:
		return ClientFailed
	default:
		return ClientNotStarted
	}
}

// Visibility controls who can see an imported activity
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityFollowers Visibility = "followers"
	VisibilityPrivate   Visibility = "private"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
