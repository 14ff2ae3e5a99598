package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/activity-migrator/internal/errors"
)

func TestTokenClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/provider-tokens/connected":
			_, _ = w.Write([]byte(`{"accessToken": "abc", "expiresAt": "2026-05-04T12:00:00Z"}`))
		case "/internal/provider-tokens/stranger":
			w.WriteHeader(http.StatusNotFound)
		case "/internal/provider-tokens/empty":
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	client := NewTokenClient(srv.URL, time.Second)
	ctx := context.Background()

	tok, err := client.GetValidAccessToken(ctx, "connected")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = client.GetValidAccessToken(ctx, "stranger")
	assert.True(t, apperrors.IsFatal(err))
	assert.True(t, errors.Is(err, ErrNotConnected))

	_, err = client.GetValidAccessToken(ctx, "broken")
	assert.True(t, apperrors.IsFatal(err))
	assert.True(t, errors.Is(err, ErrRefreshFailed))

	_, err = client.GetValidAccessToken(ctx, "empty")
	assert.True(t, errors.Is(err, ErrRefreshFailed))
}

func TestTokenClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewTokenClient(srv.URL, 100*time.Millisecond).GetValidAccessToken(context.Background(), "u1")
	assert.True(t, apperrors.IsFatal(err))
	assert.True(t, errors.Is(err, ErrRefreshFailed))
}

func TestStaticTokenSource(t *testing.T) {
	src := NewStaticTokenSource(map[string]string{"u1": "t1"})
	ctx := context.Background()

	tok, err := src.GetValidAccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)

	_, err = src.GetValidAccessToken(ctx, "u2")
	assert.True(t, apperrors.IsFatal(err))

	src.Set("u2", "t2")
	tok, err = src.GetValidAccessToken(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)
}
