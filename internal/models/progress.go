package models

import (
	"time"

	"github.com/activity-migrator/internal/types"
)

// ProgressDetail is the user-visible phase and counters of the active job
type ProgressDetail struct {
	Phase            types.JobKind `json:"phase,omitempty"`
	Page             int           `json:"page,omitempty"`
	Imported         int           `json:"imported"`
	Skipped          int           `json:"skipped"`
	Fetched          int           `json:"fetched"`
	Failed           int           `json:"failed"`
	Remaining        int           `json:"remaining"`
	QueuePosition    int           `json:"queuePosition"`
	EstimatedMinutes int           `json:"estimatedMinutes"`
	WaitUntil        *time.Time    `json:"waitUntil,omitempty"`
}

// UserMigrationProgress is the denormalized projection the UI reads. Only the
// scheduler and the migration service write it.
type UserMigrationProgress struct {
	UserID    string             `json:"userId"`
	JobID     string             `json:"jobId,omitempty"`
	Status    types.ClientStatus `json:"status"`
	Scope     *Scope             `json:"scope,omitempty"`
	Progress  ProgressDetail     `json:"progress"`
	LastError string             `json:"lastError,omitempty"`
	Report    *MigrationReport   `json:"report"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// ProjectJob refreshes p's status and counters from job, keeping ETA fields
func (p *UserMigrationProgress) ProjectJob(job *Job, now time.Time) {
	p.UserID = job.UserID
	p.JobID = job.ID
	p.Status = types.ClientStatusFor(job.Status)
	scope := job.Scope
	p.Scope = &scope
	p.LastError = job.LastError
	p.Progress.Phase = job.Kind()
	p.Progress.WaitUntil = job.WaitUntil

	switch c := job.Progress.(type) {
	case *ActivitiesProgress:
		p.Progress.Page = c.NextPage
		p.Progress.Imported = c.Imported
		p.Progress.Skipped = c.Skipped
	case *StreamsProgress:
		p.Progress.Fetched = c.Fetched
		p.Progress.Failed = c.Failed
		p.Progress.Remaining = len(c.Remaining)
	}
	p.UpdatedAt = now
}

// RouteCount is one entry of the recurring-routes list
type RouteCount struct {
	Title string `json:"title"`
	Count int    `json:"count"`
}

// MigrationReport is written once when a user's queue drains and never updated
type MigrationReport struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"userId"`
	ActivityCount       int          `json:"activityCount"`
	TotalDistanceMeters float64      `json:"totalDistanceMeters"`
	TotalMovingSeconds  int64        `json:"totalMovingSeconds"`
	TotalElevationGain  float64      `json:"totalElevationGain"`
	TotalCalories       float64      `json:"totalCalories"`
	PhotoCount          int          `json:"photoCount"`
	SegmentEffortCount  int          `json:"segmentEffortCount"`
	StreamCount         int          `json:"streamCount"`
	FailedItems         int          `json:"failedItems"`
	EarliestStart       *time.Time   `json:"earliestStart,omitempty"`
	LatestStart         *time.Time   `json:"latestStart,omitempty"`
	TopRoutes           []RouteCount `json:"topRoutes"`
	CreatedAt           time.Time    `json:"createdAt"`
}
