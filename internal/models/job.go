package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/activity-migrator/internal/types"
)

// DefaultMaxRetries is the number of transient-job failures tolerated before a job fails
const DefaultMaxRetries = 5

// Scope is the user's choice of what to migrate. It never changes for the
// life of a job and is carried from the Activities job to the Streams job.
type Scope struct {
	Period          types.Period `json:"period"`
	IncludePhotos   bool         `json:"includePhotos"`
	IncludeSegments bool         `json:"includeSegments"`
}

// APICallsPerItem is the number of provider calls one Streams item costs:
// the mandatory streams call plus one each for detail (segments) and photos.
func (s Scope) APICallsPerItem() int {
	calls := 1
	if s.IncludeSegments {
		calls++
	}
	if s.IncludePhotos {
		calls++
	}
	return calls
}

// Progress is the kind-specific cursor of a job. Exactly two implementations
// exist: *ActivitiesProgress and *StreamsProgress.
type Progress interface {
	Kind() types.JobKind
	clone() Progress
}

// ActivitiesProgress is the phase 1 cursor
type ActivitiesProgress struct {
	NextPage int `json:"nextPage"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

func (p *ActivitiesProgress) Kind() types.JobKind { return types.KindActivities }

func (p *ActivitiesProgress) clone() Progress {
	c := *p
	return &c
}

// StreamsProgress is the phase 2 cursor. Remaining is ordered: the front is
// processed first, 429s push back onto the front, item failures go to the back.
type StreamsProgress struct {
	Remaining    []int64       `json:"remaining"`
	PerItemRetry map[int64]int `json:"perItemRetry,omitempty"`
	Fetched      int           `json:"fetched"`
	Failed       int           `json:"failed"`
	FailedIDs    []int64       `json:"failedIds,omitempty"`
}

func (p *StreamsProgress) Kind() types.JobKind { return types.KindStreams }

func (p *StreamsProgress) clone() Progress {
	c := &StreamsProgress{
		Remaining: append([]int64(nil), p.Remaining...),
		Fetched:   p.Fetched,
		Failed:    p.Failed,
		FailedIDs: append([]int64(nil), p.FailedIDs...),
	}
	if p.PerItemRetry != nil {
		c.PerItemRetry = make(map[int64]int, len(p.PerItemRetry))
		for k, v := range p.PerItemRetry {
			c.PerItemRetry[k] = v
		}
	}
	return c
}

// Job is one unit of migration work for one user
type Job struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Scope      Scope           `json:"scope"`
	Status     types.JobStatus `json:"status"`
	Progress   Progress        `json:"-"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	LastError  string          `json:"lastError,omitempty"`
	WaitUntil  *time.Time      `json:"waitUntil,omitempty"`
	Priority   int64           `json:"priority"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewActivitiesJob builds a fresh phase 1 job starting at page 1
func NewActivitiesJob(id, userID string, scope Scope, now time.Time) *Job {
	return &Job{
		ID:         id,
		UserID:     userID,
		Scope:      scope,
		Status:     types.JobStatusPending,
		Progress:   &ActivitiesProgress{NextPage: 1},
		MaxRetries: DefaultMaxRetries,
		Priority:   now.UnixMilli(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewStreamsJob builds the phase 2 successor of an Activities job. Scope and
// priority are carried forward.
func NewStreamsJob(id string, from *Job, remaining []int64, now time.Time) *Job {
	return &Job{
		ID:         id,
		UserID:     from.UserID,
		Scope:      from.Scope,
		Status:     types.JobStatusPending,
		Progress:   &StreamsProgress{Remaining: remaining, PerItemRetry: map[int64]int{}},
		MaxRetries: from.MaxRetries,
		Priority:   from.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Kind returns the job's phase
func (j *Job) Kind() types.JobKind {
	if j.Progress == nil {
		return ""
	}
	return j.Progress.Kind()
}

// Activities returns the phase 1 cursor, or false for a Streams job
func (j *Job) Activities() (*ActivitiesProgress, bool) {
	p, ok := j.Progress.(*ActivitiesProgress)
	return p, ok
}

// Streams returns the phase 2 cursor, or false for an Activities job
func (j *Job) Streams() (*StreamsProgress, bool) {
	p, ok := j.Progress.(*StreamsProgress)
	return p, ok
}

// Clone returns a deep copy
func (j *Job) Clone() *Job {
	c := *j
	if j.Progress != nil {
		c.Progress = j.Progress.clone()
	}
	if j.WaitUntil != nil {
		w := *j.WaitUntil
		c.WaitUntil = &w
	}
	return &c
}

// EncodeProgress serializes a cursor for the jobs.cursor column
func EncodeProgress(p Progress) (types.JobKind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("job has no progress cursor")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s cursor: %w", p.Kind(), err)
	}
	return p.Kind(), raw, nil
}

// DecodeProgress is the inverse of EncodeProgress
func DecodeProgress(kind types.JobKind, raw []byte) (Progress, error) {
	switch kind {
	case types.KindActivities:
		var p ActivitiesProgress
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode activities cursor: %w", err)
		}
		return &p, nil
	case types.KindStreams:
		var p StreamsProgress
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode streams cursor: %w", err)
		}
		if p.PerItemRetry == nil {
			p.PerItemRetry = map[int64]int{}
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}
