// Package adapter talks to the third-party fitness provider and the auth
// service that holds users' provider tokens.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/logging"
	"github.com/activity-migrator/internal/ratelimit"
)

// RateRecorder is the part of the rate limit tracker the client feeds
type RateRecorder interface {
	RecordResponse(ctx context.Context, h http.Header) (ratelimit.Info, error)
	CheckPressure(info ratelimit.Info) ratelimit.Pressure
}

// Provider is the set of provider endpoints the workers use. Every call
// consumes one rate limit unit and reports the pressure seen on its response.
type Provider interface {
	ListActivities(ctx context.Context, token string, page, perPage int, after time.Time) ([]SummaryActivity, ratelimit.Pressure, error)
	FetchStreams(ctx context.Context, token string, activityID int64) (*Streams, ratelimit.Pressure, error)
	FetchDetail(ctx context.Context, token string, activityID int64) (*DetailedActivity, ratelimit.Pressure, error)
	FetchPhotos(ctx context.Context, token string, activityID int64) ([]Photo, ratelimit.Pressure, error)
}

// SummaryActivity is one entry of the activity list
type SummaryActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`
	MovingTime         int64     `json:"moving_time"`
	ElapsedTime        int64     `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	Kilojoules         float64   `json:"kilojoules"`
	TotalPhotoCount    int       `json:"total_photo_count"`
}

// ActivityType prefers the finer-grained sport type when present
func (a SummaryActivity) ActivityType() string {
	if a.SportType != "" {
		return a.SportType
	}
	return a.Type
}

// Streams is the keyed stream set of one activity. Raw is the response body
// as received and is what gets archived.
type Streams struct {
	Raw        []byte
	PointCount int
}

type streamSeries struct {
	Data         json.RawMessage `json:"data"`
	OriginalSize int             `json:"original_size"`
}

// SegmentRef is the segment a segment effort traverses
type SegmentRef struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// SegmentEffort is one segment traversal inside a detailed activity
type SegmentEffort struct {
	ID          int64      `json:"id"`
	ElapsedTime int64      `json:"elapsed_time"`
	StartDate   time.Time  `json:"start_date"`
	Segment     SegmentRef `json:"segment"`
}

// DetailedActivity carries what the summary lacks
type DetailedActivity struct {
	ID             int64           `json:"id"`
	Calories       float64         `json:"calories"`
	SegmentEfforts []SegmentEffort `json:"segment_efforts"`
}

// Photo is one provider-hosted photo
type Photo struct {
	UniqueID string            `json:"unique_id"`
	URLs     map[string]string `json:"urls"`
}

// LargestURL returns the URL of the biggest available rendition
func (p Photo) LargestURL() string {
	best, bestSize := "", -1
	for k, u := range p.URLs {
		size, err := strconv.Atoi(k)
		if err != nil {
			size = 0
		}
		if size > bestSize {
			best, bestSize = u, size
		}
	}
	return best
}

// ProviderClient is the HTTP implementation of Provider
type ProviderClient struct {
	baseURL  string
	client   *http.Client
	recorder RateRecorder
}

// NewProviderClient creates a client for baseURL that records every response on recorder
func NewProviderClient(baseURL string, timeout time.Duration, recorder RateRecorder) *ProviderClient {
	return &ProviderClient{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		recorder: recorder,
	}
}

// ListActivities fetches one page of the athlete's activities started after after
func (c *ProviderClient) ListActivities(ctx context.Context, token string, page, perPage int, after time.Time) ([]SummaryActivity, ratelimit.Pressure, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if !after.IsZero() {
		q.Set("after", strconv.FormatInt(after.Unix(), 10))
	}

	var out []SummaryActivity
	p, err := c.getJSON(ctx, token, "/athlete/activities", q, &out)
	return out, p, err
}

// FetchStreams fetches the GPS and sensor streams of one activity
func (c *ProviderClient) FetchStreams(ctx context.Context, token string, activityID int64) (*Streams, ratelimit.Pressure, error) {
	q := url.Values{}
	q.Set("keys", "time,latlng,distance,altitude,velocity_smooth,heartrate,cadence,watts,temp,moving,grade_smooth")
	q.Set("key_by_type", "true")

	body, p, err := c.get(ctx, token, fmt.Sprintf("/activities/%d/streams", activityID), q)
	if err != nil {
		return nil, p, err
	}

	var series map[string]streamSeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, p, fmt.Errorf("failed to decode streams for %d: %w", activityID, err)
	}
	points := 0
	for _, s := range series {
		points = max(points, s.OriginalSize)
	}
	return &Streams{Raw: body, PointCount: points}, p, nil
}

// FetchDetail fetches the detailed activity including all segment efforts
func (c *ProviderClient) FetchDetail(ctx context.Context, token string, activityID int64) (*DetailedActivity, ratelimit.Pressure, error) {
	q := url.Values{}
	q.Set("include_all_efforts", "true")

	var out DetailedActivity
	p, err := c.getJSON(ctx, token, fmt.Sprintf("/activities/%d", activityID), q, &out)
	if err != nil {
		return nil, p, err
	}
	return &out, p, nil
}

// FetchPhotos lists the photos attached to one activity
func (c *ProviderClient) FetchPhotos(ctx context.Context, token string, activityID int64) ([]Photo, ratelimit.Pressure, error) {
	q := url.Values{}
	q.Set("size", "2048")
	q.Set("photo_sources", "true")

	var out []Photo
	p, err := c.getJSON(ctx, token, fmt.Sprintf("/activities/%d/photos", activityID), q, &out)
	return out, p, err
}

func (c *ProviderClient) getJSON(ctx context.Context, token, path string, q url.Values, out interface{}) (ratelimit.Pressure, error) {
	body, p, err := c.get(ctx, token, path, q)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return p, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return p, nil
}

// get performs one provider call. The rate limit headers are recorded for
// every response that arrives, including errors.
func (c *ProviderClient) get(ctx context.Context, token, path string, q url.Values) ([]byte, ratelimit.Pressure, error) {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, ratelimit.Pressure{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ratelimit.Pressure{}, fmt.Errorf("provider request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	info, recErr := c.recorder.RecordResponse(ctx, resp.Header)
	if recErr != nil {
		logging.FromContext(ctx).WithError(recErr).Warn("Failed to record provider rate limit state")
	}
	pressure := c.recorder.CheckPressure(info)

	if resp.StatusCode == http.StatusTooManyRequests {
		pressure.Paused = true
		return nil, pressure, apperrors.NewProviderRateLimitError(pressure.RetryAfterSeconds)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, pressure, apperrors.NewProviderStatusError(path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pressure, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return body, pressure, nil
}

var _ Provider = (*ProviderClient)(nil)
