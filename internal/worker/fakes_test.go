package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/activity-migrator/internal/adapter"
	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/ratelimit"
)

// fakeProvider serves scripted pages and per-activity failures
type fakeProvider struct {
	mu sync.Mutex

	pages     map[int][]adapter.SummaryActivity
	listErr   error
	listAfter []time.Time

	// streamErrs pops one error per FetchStreams call for an activity
	streamErrs map[int64][]error
	detail     map[int64]*adapter.DetailedActivity
	photos     map[int64][]adapter.Photo
	pressureOn map[int64]bool

	streamCalls []int64
	detailCalls int
	photoCalls  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:      map[int][]adapter.SummaryActivity{},
		streamErrs: map[int64][]error{},
		detail:     map[int64]*adapter.DetailedActivity{},
		photos:     map[int64][]adapter.Photo{},
		pressureOn: map[int64]bool{},
	}
}

func rateLimited() error { return apperrors.NewProviderRateLimitError(300) }

func (f *fakeProvider) ListActivities(ctx context.Context, token string, page, perPage int, after time.Time) ([]adapter.SummaryActivity, ratelimit.Pressure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listAfter = append(f.listAfter, after)
	if f.listErr != nil {
		return nil, ratelimit.Pressure{}, f.listErr
	}
	return f.pages[page], ratelimit.Pressure{}, nil
}

func (f *fakeProvider) FetchStreams(ctx context.Context, token string, id int64) (*adapter.Streams, ratelimit.Pressure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCalls = append(f.streamCalls, id)
	p := ratelimit.Pressure{Paused: f.pressureOn[id], RetryAfterSeconds: 60}
	if errs := f.streamErrs[id]; len(errs) > 0 {
		err := errs[0]
		f.streamErrs[id] = errs[1:]
		if err != nil {
			return nil, p, err
		}
	}
	raw := []byte(fmt.Sprintf(`{"time":{"data":[0,1],"original_size":2},"id":%d}`, id))
	return &adapter.Streams{Raw: raw, PointCount: 2}, p, nil
}

func (f *fakeProvider) FetchDetail(ctx context.Context, token string, id int64) (*adapter.DetailedActivity, ratelimit.Pressure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if d, ok := f.detail[id]; ok {
		return d, ratelimit.Pressure{}, nil
	}
	return &adapter.DetailedActivity{ID: id}, ratelimit.Pressure{}, nil
}

func (f *fakeProvider) FetchPhotos(ctx context.Context, token string, id int64) ([]adapter.Photo, ratelimit.Pressure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photoCalls++
	return f.photos[id], ratelimit.Pressure{}, nil
}

func (f *fakeProvider) streamsFetched() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.streamCalls...)
}

// fakePhotos fails downloads for URLs in broken
type fakePhotos struct {
	broken map[string]bool
}

func (p *fakePhotos) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if p.broken[rawURL] {
		return nil, "", fmt.Errorf("cdn down")
	}
	return []byte("img:" + rawURL), "image/jpeg", nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}
