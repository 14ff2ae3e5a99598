package worker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/activity-migrator/internal/adapter"
	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/models"
	"github.com/activity-migrator/internal/storage"
)

// FetcherConfig tunes phase 2
type FetcherConfig struct {
	// ItemRetryLimit is the number of failed attempts after which an item is dropped
	ItemRetryLimit int
}

// DefaultFetcherConfig gives each item three attempts
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{ItemRetryLimit: 3}
}

// StreamFetcher is phase 2: streams, and optionally detail and photos, per activity
type StreamFetcher struct {
	provider   adapter.Provider
	activities storage.ActivityStore
	objects    storage.ObjectStore
	photos     adapter.PhotoFetcher
	cfg        FetcherConfig
}

// NewStreamFetcher creates the phase 2 worker
func NewStreamFetcher(
	provider adapter.Provider,
	activities storage.ActivityStore,
	objects storage.ObjectStore,
	photos adapter.PhotoFetcher,
	cfg FetcherConfig,
) *StreamFetcher {
	if cfg.ItemRetryLimit <= 0 {
		cfg.ItemRetryLimit = DefaultFetcherConfig().ItemRetryLimit
	}
	return &StreamFetcher{
		provider:   provider,
		activities: activities,
		objects:    objects,
		photos:     photos,
		cfg:        cfg,
	}
}

// BatchSize is how many items a dispatch with budgetHint may attempt
func BatchSize(budgetHint, callsPerItem, remaining int) int {
	return min(max(1, budgetHint/callsPerItem), remaining)
}

// Process works through one batch from the front of the remaining list
func (w *StreamFetcher) Process(ctx context.Context, in Input) (*Result, error) {
	job := in.Job
	cursor, ok := job.Streams()
	if !ok {
		return &Result{}, fmt.Errorf("job %s is not a streams job", job.ID)
	}
	if cursor.PerItemRetry == nil {
		cursor.PerItemRetry = map[int64]int{}
	}
	logger := logging.FromContext(ctx)
	result := &Result{}

	if len(cursor.Remaining) == 0 {
		result.Outcome = OutcomeComplete
		return result, nil
	}

	size := BatchSize(in.BudgetHint, job.Scope.APICallsPerItem(), len(cursor.Remaining))
	batch := append([]int64(nil), cursor.Remaining[:size]...)
	rest := append([]int64(nil), cursor.Remaining[size:]...)
	var back []int64

	requeue := func(front []int64) {
		next := make([]int64, 0, len(front)+len(rest)+len(back))
		next = append(next, front...)
		next = append(next, rest...)
		next = append(next, back...)
		cursor.Remaining = next
	}

	for i, id := range batch {
		calls, paused, err := w.fetchItem(ctx, job, in.AccessToken, id, in.Now)
		result.CallsUsed += calls

		if apperrors.IsRateLimited(err) {
			secs, _ := apperrors.RetryAfterSeconds(err)
			waitUntil := in.Now.Add(time.Duration(secs) * time.Second)
			job.WaitUntil = &waitUntil
			requeue(batch[i:])
			result.Pressure = true
			result.Outcome = OutcomeWait
			logger.WithFields(map[string]interface{}{
				"activityId":        id,
				"requeued":          len(batch) - i,
				"retryAfterSeconds": secs,
			}).Warn("Streams rate limited, batch re-queued")
			return result, nil
		}

		if err != nil {
			cursor.PerItemRetry[id]++
			attempts := cursor.PerItemRetry[id]
			if attempts < w.cfg.ItemRetryLimit {
				back = append(back, id)
			} else {
				delete(cursor.PerItemRetry, id)
				cursor.Failed++
				cursor.FailedIDs = append(cursor.FailedIDs, id)
				result.ItemsFailed++
			}
			logger.WithError(err).WithFields(map[string]interface{}{
				"activityId": id,
				"attempts":   attempts,
			}).Warn("Activity detail fetch failed")
		} else {
			delete(cursor.PerItemRetry, id)
			cursor.Fetched++
		}

		if paused {
			requeue(batch[i+1:])
			result.Pressure = true
			result.Outcome = OutcomeContinue
			return result, nil
		}
	}

	requeue(nil)
	if len(cursor.Remaining) == 0 {
		result.Outcome = OutcomeComplete
	} else {
		result.Outcome = OutcomeContinue
	}
	return result, nil
}

// fetchItem archives one activity's streams and attaches its optional detail.
// It returns the provider calls made and whether any response showed pressure.
func (w *StreamFetcher) fetchItem(ctx context.Context, job *models.Job, token string, id int64, now time.Time) (int, bool, error) {
	calls := 0
	paused := false

	streams, p, err := w.provider.FetchStreams(ctx, token, id)
	calls++
	paused = paused || p.Paused
	if err != nil {
		return calls, paused, err
	}

	archive, err := compress(streams.Raw)
	if err != nil {
		return calls, paused, apperrors.NewItemFailedError(id, err)
	}
	key := storage.StreamObjectKey(job.UserID, id)
	if _, err := w.objects.Put(ctx, key, archive, "application/gzip"); err != nil {
		return calls, paused, apperrors.NewItemFailedError(id, err)
	}

	var detail models.ActivityDetail
	if job.Scope.IncludeSegments {
		d, p, err := w.provider.FetchDetail(ctx, token, id)
		calls++
		paused = paused || p.Paused
		if err != nil {
			return calls, paused, err
		}
		n, err := w.saveSegments(ctx, job.UserID, id, d)
		if err != nil {
			return calls, paused, apperrors.NewItemFailedError(id, err)
		}
		detail.HasSegments = true
		detail.SegmentEffortCount = n
		detail.Calories = d.Calories
	}

	if job.Scope.IncludePhotos {
		photos, p, err := w.provider.FetchPhotos(ctx, token, id)
		calls++
		paused = paused || p.Paused
		if err != nil {
			return calls, paused, err
		}
		detail.HasPhotos = true
		detail.PhotoURLs = w.rehostPhotos(ctx, job.UserID, id, photos)
		detail.PhotoCount = len(detail.PhotoURLs)
	}

	if err := w.activities.UpdateActivityDetail(ctx, job.UserID, id, detail); err != nil {
		return calls, paused, apperrors.NewItemFailedError(id, err)
	}
	err = w.activities.SaveStreamRecord(ctx, &models.StreamRecord{
		UserID:     job.UserID,
		ExternalID: id,
		ObjectKey:  key,
		SizeBytes:  len(archive),
		PointCount: streams.PointCount,
		CreatedAt:  now,
	})
	if err != nil {
		return calls, paused, apperrors.NewItemFailedError(id, err)
	}
	return calls, paused, nil
}

// saveSegments stores unseen segment definitions and the activity's efforts
func (w *StreamFetcher) saveSegments(ctx context.Context, userID string, activityID int64, d *adapter.DetailedActivity) (int, error) {
	if len(d.SegmentEfforts) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(d.SegmentEfforts))
	for _, e := range d.SegmentEfforts {
		ids = append(ids, e.Segment.ID)
	}
	known, err := w.activities.KnownSegmentIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	var segs []models.Segment
	efforts := make([]models.SegmentEffort, 0, len(d.SegmentEfforts))
	for _, e := range d.SegmentEfforts {
		if _, ok := known[e.Segment.ID]; !ok {
			known[e.Segment.ID] = struct{}{}
			segs = append(segs, models.Segment{ID: e.Segment.ID, Name: e.Segment.Name, DistanceMeters: e.Segment.Distance})
		}
		efforts = append(efforts, models.SegmentEffort{
			ID:             e.ID,
			UserID:         userID,
			ExternalID:     activityID,
			SegmentID:      e.Segment.ID,
			ElapsedSeconds: e.ElapsedTime,
			StartTime:      e.StartDate.UTC(),
		})
	}

	if len(segs) > 0 {
		if err := w.activities.SaveSegments(ctx, segs); err != nil {
			return 0, err
		}
	}
	if _, err := w.activities.SaveSegmentEfforts(ctx, efforts); err != nil {
		return 0, err
	}
	return len(efforts), nil
}

// rehostPhotos copies each photo into the object store. A photo that cannot
// be copied keeps its original URL.
func (w *StreamFetcher) rehostPhotos(ctx context.Context, userID string, activityID int64, photos []adapter.Photo) []string {
	urls := make([]string, 0, len(photos))
	for i, ph := range photos {
		src := ph.LargestURL()
		if src == "" {
			continue
		}
		photoID := ph.UniqueID
		if photoID == "" {
			photoID = fmt.Sprintf("%d", i)
		}

		url, err := w.copyPhoto(ctx, storage.PhotoObjectKey(userID, activityID, photoID), src)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("activityId", activityID).Debug("Photo copy failed, keeping original url")
			url = src
		}
		urls = append(urls, url)
	}
	return urls
}

func (w *StreamFetcher) copyPhoto(ctx context.Context, key, src string) (string, error) {
	if w.photos == nil {
		return "", fmt.Errorf("photo downloads disabled")
	}
	body, contentType, err := w.photos.Download(ctx, src)
	if err != nil {
		return "", err
	}
	return w.objects.Put(ctx, key, body, contentType)
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress streams: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress streams: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Worker = (*StreamFetcher)(nil)
