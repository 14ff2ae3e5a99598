package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/activity-migrator/internal/models"
	"github.com/jackc/pgx/v5"
)

// ActivityRepository handles activity, stream and segment persistence
type ActivityRepository struct {
	db *PostgresDB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *PostgresDB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// ImportedExternalIDs returns every provider ID already imported for the user
func (r *ActivityRepository) ImportedExternalIDs(ctx context.Context, userID string) (map[int64]struct{}, error) {
	query := `SELECT external_id FROM activities WHERE user_id = $1 AND external_id IS NOT NULL`
	return r.idSet(ctx, query, userID)
}

// StreamExternalIDs returns every activity whose streams are already stored
func (r *ActivityRepository) StreamExternalIDs(ctx context.Context, userID string) (map[int64]struct{}, error) {
	return r.idSet(ctx, `SELECT external_id FROM stream_records WHERE user_id = $1`, userID)
}

func (r *ActivityRepository) idSet(ctx context.Context, query string, args ...any) (map[int64]struct{}, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan ids: %w", err)
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// NativeStartTimes returns start times of activities recorded in the app itself
func (r *ActivityRepository) NativeStartTimes(ctx context.Context, userID string) ([]time.Time, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT start_time FROM activities WHERE user_id = $1 AND source = 'native' ORDER BY start_time`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query native start times: %w", err)
	}
	times, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("failed to scan native start times: %w", err)
	}
	return times, nil
}

// InsertActivities writes records with pgx batches of at most MaxBatchSize
func (r *ActivityRepository) InsertActivities(ctx context.Context, recs []*models.ActivityRecord) (int, error) {
	query := `
		INSERT INTO activities (
			id, user_id, source, external_id, type, title, start_time,
			distance_meters, moving_seconds, elapsed_seconds, elevation_gain, calories,
			visibility, owner_nickname, photo_count, photo_urls, segment_effort_count, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (user_id, external_id) WHERE external_id IS NOT NULL DO NOTHING
	`

	inserted := 0
	for start := 0; start < len(recs); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(recs))

		batch := &pgx.Batch{}
		for _, rec := range recs[start:end] {
			photos, err := json.Marshal(nonNilStrings(rec.PhotoURLs))
			if err != nil {
				return inserted, fmt.Errorf("failed to encode photo urls: %w", err)
			}
			batch.Queue(query,
				rec.ID, rec.UserID, rec.Source, rec.ExternalID, rec.Type, rec.Title, rec.StartTime,
				rec.DistanceMeters, rec.MovingSeconds, rec.ElapsedSeconds, rec.ElevationGain, rec.Calories,
				rec.Visibility, rec.OwnerNickname, rec.PhotoCount, photos, rec.SegmentEffortCount, rec.CreatedAt,
			)
		}

		n, err := r.sendBatch(ctx, batch)
		inserted += n
		if err != nil {
			return inserted, fmt.Errorf("failed to insert activities: %w", err)
		}
	}
	return inserted, nil
}

func (r *ActivityRepository) sendBatch(ctx context.Context, batch *pgx.Batch) (int, error) {
	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	affected := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return affected, err
		}
		affected += int(tag.RowsAffected())
	}
	return affected, nil
}

// ProviderActivities returns every provider-sourced record for the user
func (r *ActivityRepository) ProviderActivities(ctx context.Context, userID string) ([]*models.ActivityRecord, error) {
	query := `
		SELECT id, user_id, source, external_id, type, title, start_time,
			distance_meters, moving_seconds, elapsed_seconds, elevation_gain, calories,
			visibility, owner_nickname, photo_count, photo_urls, segment_effort_count, created_at
		FROM activities
		WHERE user_id = $1 AND source = 'provider'
		ORDER BY start_time
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var recs []*models.ActivityRecord
	for rows.Next() {
		var (
			rec    models.ActivityRecord
			photos []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Source, &rec.ExternalID, &rec.Type, &rec.Title, &rec.StartTime,
			&rec.DistanceMeters, &rec.MovingSeconds, &rec.ElapsedSeconds, &rec.ElevationGain, &rec.Calories,
			&rec.Visibility, &rec.OwnerNickname, &rec.PhotoCount, &photos, &rec.SegmentEffortCount, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if err := json.Unmarshal(photos, &rec.PhotoURLs); err != nil {
			return nil, fmt.Errorf("failed to decode photo urls: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}
	return recs, nil
}

// UpdateActivityDetail attaches phase 2 results to an imported activity
func (r *ActivityRepository) UpdateActivityDetail(ctx context.Context, userID string, externalID int64, d models.ActivityDetail) error {
	photos, err := json.Marshal(nonNilStrings(d.PhotoURLs))
	if err != nil {
		return fmt.Errorf("failed to encode photo urls: %w", err)
	}

	query := `
		UPDATE activities
		SET photo_urls = CASE WHEN $7::boolean THEN $3 ELSE photo_urls END,
			photo_count = CASE WHEN $7::boolean THEN $4 ELSE photo_count END,
			segment_effort_count = CASE WHEN $8::boolean THEN $5 ELSE segment_effort_count END,
			calories = CASE WHEN $6::double precision > 0 THEN $6::double precision ELSE calories END
		WHERE user_id = $1 AND external_id = $2
	`
	result, err := r.db.Pool().Exec(ctx, query, userID, externalID, photos, d.PhotoCount, d.SegmentEffortCount, d.Calories,
		d.HasPhotos, d.HasSegments)
	if err != nil {
		return fmt.Errorf("failed to update activity detail: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("activity not found: %d", externalID)
	}
	return nil
}

// SaveStreamRecord marks an activity's streams as stored
func (r *ActivityRepository) SaveStreamRecord(ctx context.Context, rec *models.StreamRecord) error {
	query := `
		INSERT INTO stream_records (user_id, external_id, object_key, size_bytes, point_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, external_id) DO UPDATE SET
			object_key = EXCLUDED.object_key,
			size_bytes = EXCLUDED.size_bytes,
			point_count = EXCLUDED.point_count
	`
	_, err := r.db.Pool().Exec(ctx, query, rec.UserID, rec.ExternalID, rec.ObjectKey, rec.SizeBytes, rec.PointCount, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save stream record: %w", err)
	}
	return nil
}

// CountStreamRecords counts stored stream payloads for the user
func (r *ActivityRepository) CountStreamRecords(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM stream_records WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stream records: %w", err)
	}
	return n, nil
}

// KnownSegmentIDs returns which of ids already exist
func (r *ActivityRepository) KnownSegmentIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error) {
	if len(ids) == 0 {
		return map[int64]struct{}{}, nil
	}
	return r.idSet(ctx, `SELECT segment_id FROM segments WHERE segment_id = ANY($1)`, ids)
}

// SaveSegments inserts segment definitions not already present
func (r *ActivityRepository) SaveSegments(ctx context.Context, segs []models.Segment) error {
	query := `
		INSERT INTO segments (segment_id, name, distance_meters)
		VALUES ($1, $2, $3)
		ON CONFLICT (segment_id) DO NOTHING
	`
	for start := 0; start < len(segs); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(segs))
		batch := &pgx.Batch{}
		for _, s := range segs[start:end] {
			batch.Queue(query, s.ID, s.Name, s.DistanceMeters)
		}
		if _, err := r.sendBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to save segments: %w", err)
		}
	}
	return nil
}

// SaveSegmentEfforts inserts efforts, ignoring ones already stored
func (r *ActivityRepository) SaveSegmentEfforts(ctx context.Context, efforts []models.SegmentEffort) (int, error) {
	query := `
		INSERT INTO segment_efforts (effort_id, user_id, external_id, segment_id, elapsed_seconds, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (effort_id) DO NOTHING
	`
	inserted := 0
	for start := 0; start < len(efforts); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(efforts))
		batch := &pgx.Batch{}
		for _, e := range efforts[start:end] {
			batch.Queue(query, e.ID, e.UserID, e.ExternalID, e.SegmentID, e.ElapsedSeconds, e.StartTime)
		}
		n, err := r.sendBatch(ctx, batch)
		inserted += n
		if err != nil {
			return inserted, fmt.Errorf("failed to save segment efforts: %w", err)
		}
	}
	return inserted, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
