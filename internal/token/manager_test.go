package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocollect/geocollect/internal/cache"
	"github.com/geocollect/geocollect/internal/provider"
)

func TestAccessTokenExpired(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresIn int
		at        time.Time
		expired   bool
	}{
		{"fresh", 600, created.Add(time.Minute), false},
		{"just inside the margin", 600, created.Add(569 * time.Second), false},
		{"inside the safety margin", 600, created.Add(571 * time.Second), true},
		{"past declared lifetime", 600, created.Add(601 * time.Second), true},
		{"lifetime shorter than margin", 10, created, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := AccessToken{Token: "x", CreatedAt: created, ExpiresIn: tt.expiresIn}
			assert.Equal(t, tt.expired, tok.Expired(tt.at))
		})
	}
}

// authServer counts token grants and hands out sequentially numbered tokens.
func authServer(t *testing.T, requests *int) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))

		*requests++

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"bearer","expires_in":600}`, *requests)
	}))
}

func newTestManager(t *testing.T, store cache.Store, tokenURL string) *Manager {
	t.Helper()

	m, err := NewManager(store, "user", "pass", "client", tokenURL)
	require.NoError(t, err)

	m.sleep = func(time.Duration) {}

	return m
}

func TestGetTokenFillsPoolOnce(t *testing.T) {
	var requests int

	ts := authServer(t, &requests)
	defer ts.Close()

	store := cache.NewMemoryStore()
	m := newTestManager(t, store, ts.URL)

	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, 2, requests, "first call fills the pool")

	for i := 0; i < 5; i++ {
		_, err := m.GetToken(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 2, requests, "subsequent calls reuse cached tokens")
}

func TestGetTokenReplacesExpired(t *testing.T) {
	var requests int

	ts := authServer(t, &requests)
	defer ts.Close()

	store := cache.NewMemoryStore()
	m := newTestManager(t, store, ts.URL)

	_, err := m.GetToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, requests)

	// Jump past every token's lifetime.
	m.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	_, err = m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, requests, "both expired tokens are replaced")
}

func TestGetTokenSharedThroughStore(t *testing.T) {
	var requests int

	ts := authServer(t, &requests)
	defer ts.Close()

	store := cache.NewMemoryStore()

	first := newTestManager(t, store, ts.URL)
	second := newTestManager(t, store, ts.URL)

	_, err := first.GetToken(context.Background())
	require.NoError(t, err)

	_, err = second.GetToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, requests, "managers sharing a store share the token pool")
}

func TestGetTokenAuthFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	m := newTestManager(t, cache.NewMemoryStore(), ts.URL)

	_, err := m.GetToken(context.Background())
	require.Error(t, err)

	var authErr *provider.AuthenticationError

	assert.ErrorAs(t, err, &authErr)
}

func TestNewManagerRequiresCredentials(t *testing.T) {
	_, err := NewManager(cache.NewMemoryStore(), "", "", "client", "http://localhost")
	require.Error(t, err)

	var cfgErr *provider.ConfigurationError

	assert.ErrorAs(t, err, &cfgErr)
}
