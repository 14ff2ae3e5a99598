package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/activity-migrator/internal/errors"
)

var (
	// ErrNotConnected means the user never linked a provider account
	ErrNotConnected = errors.New("provider account not connected")
	// ErrRefreshFailed means the auth service could not produce a valid token
	ErrRefreshFailed = errors.New("provider token refresh failed")
)

// TokenSource resolves a valid provider access token for a user. Errors are
// always fatal CategorizedErrors wrapping ErrNotConnected or ErrRefreshFailed.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

// TokenClient asks the auth service for a fresh token. The service owns the
// OAuth refresh flow.
type TokenClient struct {
	baseURL string
	client  *http.Client
}

type tokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// NewTokenClient creates a client for the auth service at baseURL
func NewTokenClient(baseURL string, timeout time.Duration) *TokenClient {
	return &TokenClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// GetValidAccessToken returns the user's access token
func (c *TokenClient) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	endpoint := fmt.Sprintf("%s/internal/provider-tokens/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", apperrors.NewRefreshFailedError(userID, fmt.Errorf("%w: %v", ErrRefreshFailed, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.NewRefreshFailedError(userID, fmt.Errorf("%w: %v", ErrRefreshFailed, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", apperrors.NewNotConnectedError(userID, ErrNotConnected)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperrors.NewRefreshFailedError(userID,
			fmt.Errorf("%w: auth service returned %d: %s", ErrRefreshFailed, resp.StatusCode, string(body)))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", apperrors.NewRefreshFailedError(userID, fmt.Errorf("%w: %v", ErrRefreshFailed, err))
	}
	if tok.AccessToken == "" {
		return "", apperrors.NewRefreshFailedError(userID, fmt.Errorf("%w: empty token", ErrRefreshFailed))
	}
	return tok.AccessToken, nil
}

// StaticTokenSource serves tokens from a map. Scheduler tests use it in place of the auth service.
type StaticTokenSource struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticTokenSource creates a source holding tokens
func NewStaticTokenSource(tokens map[string]string) *StaticTokenSource {
	s := &StaticTokenSource{tokens: make(map[string]string, len(tokens))}
	for k, v := range tokens {
		s.tokens[k] = v
	}
	return s
}

// Set connects userID with token
func (s *StaticTokenSource) Set(userID, token string) {
	s.mu.Lock()
	s.tokens[userID] = token
	s.mu.Unlock()
}

// GetValidAccessToken returns the stored token or a NotConnected error
func (s *StaticTokenSource) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[userID]
	if !ok {
		return "", apperrors.NewNotConnectedError(userID, ErrNotConnected)
	}
	return tok, nil
}

var (
	_ TokenSource = (*TokenClient)(nil)
	_ TokenSource = (*StaticTokenSource)(nil)
)
