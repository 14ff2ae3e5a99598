package models

import (
	"time"

	"github.com/activity-migrator/internal/types"
)

// ActivitySource tells provider-imported records from natively recorded ones
type ActivitySource string

const (
	SourceNative   ActivitySource = "native"
	SourceProvider ActivitySource = "provider"
)

// ActivityRecord is a normalized activity in the application's own store
type ActivityRecord struct {
	ID                 string           `json:"id" db:"id"`
	UserID             string           `json:"userId" db:"user_id"`
	Source             ActivitySource   `json:"source" db:"source"`
	ExternalID         *int64           `json:"externalId,omitempty" db:"external_id"`
	Type               string           `json:"type" db:"type"`
	Title              string           `json:"title" db:"title"`
	StartTime          time.Time        `json:"startTime" db:"start_time"`
	DistanceMeters     float64          `json:"distanceMeters" db:"distance_meters"`
	MovingSeconds      int64            `json:"movingSeconds" db:"moving_seconds"`
	ElapsedSeconds     int64            `json:"elapsedSeconds" db:"elapsed_seconds"`
	ElevationGain      float64          `json:"elevationGain" db:"elevation_gain"`
	Calories           float64          `json:"calories" db:"calories"`
	Visibility         types.Visibility `json:"visibility" db:"visibility"`
	OwnerNickname      string           `json:"ownerNickname" db:"owner_nickname"`
	PhotoCount         int              `json:"photoCount" db:"photo_count"`
	PhotoURLs          []string         `json:"photoUrls,omitempty" db:"photo_urls"`
	SegmentEffortCount int              `json:"segmentEffortCount" db:"segment_effort_count"`
	CreatedAt          time.Time        `json:"createdAt" db:"created_at"`
}

// ActivityDetail is what phase 2 writes back onto an imported activity.
// Photo fields are written only when HasPhotos is set and the segment count
// only when HasSegments is set; otherwise the imported values stay.
type ActivityDetail struct {
	HasPhotos          bool
	PhotoURLs          []string
	PhotoCount         int
	HasSegments        bool
	SegmentEffortCount int
	Calories           float64
}

// StreamRecord marks that an activity's compressed streams are on disk
type StreamRecord struct {
	UserID     string    `json:"userId" db:"user_id"`
	ExternalID int64     `json:"externalId" db:"external_id"`
	ObjectKey  string    `json:"objectKey" db:"object_key"`
	SizeBytes  int       `json:"sizeBytes" db:"size_bytes"`
	PointCount int       `json:"pointCount" db:"point_count"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Segment is a provider segment definition, shared across users
type Segment struct {
	ID             int64   `json:"id" db:"segment_id"`
	Name           string  `json:"name" db:"name"`
	DistanceMeters float64 `json:"distanceMeters" db:"distance_meters"`
}

// SegmentEffort is one traversal of a segment within an activity
type SegmentEffort struct {
	ID             int64     `json:"id" db:"effort_id"`
	UserID         string    `json:"userId" db:"user_id"`
	ExternalID     int64     `json:"externalId" db:"external_id"`
	SegmentID      int64     `json:"segmentId" db:"segment_id"`
	ElapsedSeconds int64     `json:"elapsedSeconds" db:"elapsed_seconds"`
	StartTime      time.Time `json:"startTime" db:"start_time"`
}
