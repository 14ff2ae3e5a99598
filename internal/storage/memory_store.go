package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/types"
)

// MemoryStore implements every store interface in process. It backs the
// memory driver and the pipeline tests; all reads return copies.
type MemoryStore struct {
	mu sync.Mutex

	jobs       map[string]*models.Job
	progress   map[string]*models.UserMigrationProgress
	reports    []*models.MigrationReport
	activities map[string][]*models.ActivityRecord
	streams    map[string]map[int64]*models.StreamRecord
	segments   map[int64]models.Segment
	efforts    map[int64]models.SegmentEffort
	profiles   map[string]*models.UserProfile
	batchSizes []int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       map[string]*models.Job{},
		progress:   map[string]*models.UserMigrationProgress{},
		activities: map[string][]*models.ActivityRecord{},
		streams:    map[string]map[int64]*models.StreamRecord{},
		segments:   map[int64]models.Segment{},
		efforts:    map[int64]models.SegmentEffort{},
		profiles:   map[string]*models.UserProfile{},
	}
}

var (
	_ JobStore      = (*MemoryStore)(nil)
	_ ProgressStore = (*MemoryStore)(nil)
	_ ActivityStore = (*MemoryStore)(nil)
	_ ProfileStore  = (*MemoryStore)(nil)
	_ JobStore      = (*PostgresJobStore)(nil)
	_ ProgressStore = (*ProgressRepository)(nil)
	_ ActivityStore = (*ActivityRepository)(nil)
	_ ProfileStore  = (*ProfileRepository)(nil)
)

func (m *MemoryStore) Enqueue(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.UserID == job.UserID && j.Status.IsActive() {
			return apperrors.NewAlreadyActiveError(job.UserID)
		}
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("failed to insert job: duplicate id %s", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) FindActiveByUser(ctx context.Context, userID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.UserID == userID && j.Status.IsActive() {
			return j.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CancelActive(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, j := range m.jobs {
		if j.UserID == userID && j.Status.IsActive() {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// sortedLocked returns matching jobs ordered by UpdatedAt then Priority
func (m *MemoryStore) sortedLocked(match func(*models.Job) bool) []*models.Job {
	var out []*models.Job
	for _, j := range m.jobs {
		if match(j) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].UpdatedAt.Before(out[b].UpdatedAt)
		}
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (m *MemoryStore) FindOldestPending(ctx context.Context, exclude []string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	pending := m.sortedLocked(func(j *models.Job) bool {
		_, excluded := skip[j.ID]
		return j.Status == types.JobStatusPending && !excluded
	})
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0].Clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to types.JobStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	j.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) Save(ctx context.Context, job *models.Job, from types.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[job.ID]
	if !ok || j.Status != from {
		return false, nil
	}
	m.jobs[job.ID] = job.Clone()
	return true, nil
}

func (m *MemoryStore) Replace(ctx context.Context, oldID string, from types.JobStatus, next *models.Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[oldID]
	if !ok || j.Status != from {
		return false, nil
	}
	delete(m.jobs, oldID)
	m.jobs[next.ID] = next.Clone()
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string, from types.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, statuses ...types.JobStatus) ([]*models.Job, error) {
	if len(statuses) == 0 {
		statuses = types.ActiveJobStatuses
	}
	want := make(map[types.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := m.sortedLocked(func(j *models.Job) bool { return want[j.Status] })
	out := make([]*models.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

func (m *MemoryStore) ResetStaleProcessing(ctx context.Context, cutoff, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == types.JobStatusProcessing && j.UpdatedAt.Before(cutoff) {
			j.Status = types.JobStatusPending
			j.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReleaseWaiting(ctx context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == types.JobStatusWaiting && j.WaitUntil != nil && !j.WaitUntil.After(at) {
			j.Status = types.JobStatusPending
			j.WaitUntil = nil
			j.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func cloneProgress(p *models.UserMigrationProgress) *models.UserMigrationProgress {
	c := *p
	if p.Scope != nil {
		s := *p.Scope
		c.Scope = &s
	}
	if p.Report != nil {
		r := *p.Report
		r.TopRoutes = append([]models.RouteCount(nil), p.Report.TopRoutes...)
		c.Report = &r
	}
	return &c
}

func (m *MemoryStore) GetProgress(ctx context.Context, userID string) (*models.UserMigrationProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[userID]
	if !ok {
		return nil, nil
	}
	return cloneProgress(p), nil
}

func (m *MemoryStore) UpsertProgress(ctx context.Context, p *models.UserMigrationProgress) error {
	m.mu.Lock()
	m.progress[p.UserID] = cloneProgress(p)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteProgress(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.progress, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) InsertReport(ctx context.Context, r *models.MigrationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.reports {
		if existing.ID == r.ID {
			return fmt.Errorf("failed to insert report: duplicate id %s", r.ID)
		}
	}
	c := *r
	m.reports = append(m.reports, &c)
	return nil
}

func (m *MemoryStore) LatestReport(ctx context.Context, userID string) (*models.MigrationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.reports) - 1; i >= 0; i-- {
		if m.reports[i].UserID == userID {
			c := *m.reports[i]
			return &c, nil
		}
	}
	return nil, nil
}

// Reports returns every stored report in insertion order
func (m *MemoryStore) Reports() []*models.MigrationReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.MigrationReport(nil), m.reports...)
}

func (m *MemoryStore) ImportedExternalIDs(ctx context.Context, userID string) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := map[int64]struct{}{}
	for _, a := range m.activities[userID] {
		if a.ExternalID != nil {
			ids[*a.ExternalID] = struct{}{}
		}
	}
	return ids, nil
}

func (m *MemoryStore) NativeStartTimes(ctx context.Context, userID string) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []time.Time
	for _, a := range m.activities[userID] {
		if a.Source == models.SourceNative {
			out = append(out, a.StartTime)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertActivities(ctx context.Context, recs []*models.ActivityRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for start := 0; start < len(recs); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(recs))
		m.batchSizes = append(m.batchSizes, end-start)
		for _, rec := range recs[start:end] {
			if rec.ExternalID != nil && m.hasExternalLocked(rec.UserID, *rec.ExternalID) {
				continue
			}
			c := *rec
			c.PhotoURLs = append([]string(nil), rec.PhotoURLs...)
			m.activities[rec.UserID] = append(m.activities[rec.UserID], &c)
			inserted++
		}
	}
	return inserted, nil
}

func (m *MemoryStore) hasExternalLocked(userID string, id int64) bool {
	for _, a := range m.activities[userID] {
		if a.ExternalID != nil && *a.ExternalID == id {
			return true
		}
	}
	return false
}

// BatchSizes returns the size of every activity write batch so far
func (m *MemoryStore) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batchSizes...)
}

func (m *MemoryStore) ProviderActivities(ctx context.Context, userID string) ([]*models.ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ActivityRecord
	for _, a := range m.activities[userID] {
		if a.Source == models.SourceProvider {
			c := *a
			c.PhotoURLs = append([]string(nil), a.PhotoURLs...)
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) UpdateActivityDetail(ctx context.Context, userID string, externalID int64, d models.ActivityDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.activities[userID] {
		if a.ExternalID != nil && *a.ExternalID == externalID {
			if d.HasPhotos {
				a.PhotoURLs = append([]string(nil), d.PhotoURLs...)
				a.PhotoCount = d.PhotoCount
			}
			if d.HasSegments {
				a.SegmentEffortCount = d.SegmentEffortCount
			}
			if d.Calories > 0 {
				a.Calories = d.Calories
			}
			return nil
		}
	}
	return fmt.Errorf("activity not found: %d", externalID)
}

func (m *MemoryStore) SaveStreamRecord(ctx context.Context, rec *models.StreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.streams[rec.UserID] == nil {
		m.streams[rec.UserID] = map[int64]*models.StreamRecord{}
	}
	c := *rec
	m.streams[rec.UserID][rec.ExternalID] = &c
	return nil
}

func (m *MemoryStore) StreamExternalIDs(ctx context.Context, userID string) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[int64]struct{}, len(m.streams[userID]))
	for id := range m.streams[userID] {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (m *MemoryStore) CountStreamRecords(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[userID]), nil
}

func (m *MemoryStore) KnownSegmentIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := map[int64]struct{}{}
	for _, id := range ids {
		if _, ok := m.segments[id]; ok {
			known[id] = struct{}{}
		}
	}
	return known, nil
}

func (m *MemoryStore) SaveSegments(ctx context.Context, segs []models.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range segs {
		if _, ok := m.segments[s.ID]; !ok {
			m.segments[s.ID] = s
		}
	}
	return nil
}

func (m *MemoryStore) SaveSegmentEfforts(ctx context.Context, efforts []models.SegmentEffort) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range efforts {
		if _, ok := m.efforts[e.ID]; ok {
			continue
		}
		m.efforts[e.ID] = e
		n++
	}
	return n, nil
}

// SegmentCount returns how many distinct segments are stored
func (m *MemoryStore) SegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

func (m *MemoryStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return models.DefaultProfile(userID), nil
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) UpsertProfile(ctx context.Context, p *models.UserProfile) error {
	if err := validateVisibility(p.DefaultVisibility); err != nil {
		return err
	}
	m.mu.Lock()
	c := *p
	m.profiles[p.UserID] = &c
	m.mu.Unlock()
	return nil
}
