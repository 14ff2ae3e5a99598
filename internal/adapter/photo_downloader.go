package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/activity-migrator/internal/circuitbreaker"
)

// DefaultMaxPhotoBytes caps a single photo download
const DefaultMaxPhotoBytes = 20 << 20

// ErrPhotoTooLarge is returned for photos above the size cap
var ErrPhotoTooLarge = errors.New("photo exceeds size limit")

// PhotoFetcher downloads a photo from its CDN URL
type PhotoFetcher interface {
	Download(ctx context.Context, rawURL string) (body []byte, contentType string, err error)
}

// PhotoDownloader fetches photos through one circuit breaker per CDN host.
// Photo downloads do not touch the provider API and cost no rate limit units.
type PhotoDownloader struct {
	client   *http.Client
	breakers *circuitbreaker.Manager
	maxBytes int64
}

// NewPhotoDownloader creates a downloader. A nil breakers manager uses the defaults.
func NewPhotoDownloader(timeout time.Duration, breakers *circuitbreaker.Manager) *PhotoDownloader {
	if breakers == nil {
		breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig("photos"))
	}
	return &PhotoDownloader{
		client:   &http.Client{Timeout: timeout},
		breakers: breakers,
		maxBytes: DefaultMaxPhotoBytes,
	}
}

// Download fetches rawURL. When the host's breaker is open it fails fast with
// circuitbreaker.ErrCircuitOpen.
func (d *PhotoDownloader) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, "", fmt.Errorf("invalid photo url %q", rawURL)
	}

	var body []byte
	var contentType string
	err = d.breakers.Get(u.Host).Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("photo host returned %d", resp.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > d.maxBytes {
			return ErrPhotoTooLarge
		}
		contentType = resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(body)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

var _ PhotoFetcher = (*PhotoDownloader)(nil)
