package creodias_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocollect/geocollect/internal/cache"
	"github.com/geocollect/geocollect/internal/provider"
	"github.com/geocollect/geocollect/internal/provider/creodias"
	"github.com/geocollect/geocollect/internal/transfer"
)

const onlineScene = "S2B_MSIL1C_20260815T132249_N0500_R038_T23LLG_20260815T151058"

func feature(ts *httptest.Server, title string, status int) string {
	return fmt.Sprintf(`{
		"id": "uuid-%s",
		"properties": {
			"title": "%s.SAFE",
			"cloudCover": 33.3,
			"status": %d,
			"services": {"download": {"url": "%s/download/%s", "size": 5}}
		}
	}`, title, title, status, ts.URL, title)
}

func newProvider(t *testing.T) (*creodias.Provider, *httptest.Server, *int) {
	t.Helper()

	var downloads int

	mux := http.NewServeMux()

	var ts *httptest.Server

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":600}`)
	})

	mux.HandleFunc("/resto/collections/Sentinel2/search.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Query().Get("page") == "2" {
			fmt.Fprintf(w, `{"features":[%s],"properties":{"links":[]}}`,
				feature(ts, "S2B_OFFLINE", 31))

			return
		}

		fmt.Fprintf(w, `{"features":[%s],"properties":{"links":[{"rel":"next","href":"%s/resto/collections/Sentinel2/search.json?page=2"}]}}`,
			feature(ts, onlineScene, 0), ts.URL)
	})

	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "5")

			return
		}

		downloads++

		fmt.Fprint(w, "bytes")
	})

	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	p, err := creodias.New(ts.Client(), cache.NewMemoryStore(), transfer.NewEngine(ts.Client(), transfer.WithMaxRetries(2)), creodias.Config{
		Username: "user",
		Password: "pass",
		ClientID: "CLOUDFERRO_PUBLIC",
		TokenURL: ts.URL + "/token",
		APIURL:   ts.URL + "/resto",
		Workers:  2,
	})
	require.NoError(t, err)

	return p, ts, &downloads
}

func TestSearchFollowsNextLinks(t *testing.T) {
	p, _, _ := newProvider(t)

	scenes, err := p.Search(context.Background(), "Sentinel2", provider.SearchOptions{
		StartDate: "2026-08-01",
		EndDate:   "2026-08-31",
		BBox:      []float64{-54, -12, -50, -8},
	})
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	assert.Equal(t, onlineScene, scenes[0].ID)
	assert.Equal(t, 33.3, scenes[0].CloudCover)
	assert.NotEmpty(t, scenes[0].Link)
	assert.Equal(t, "S2B_OFFLINE", scenes[1].ID)
}

func TestDownloadAllPartitionsByArchiveStatus(t *testing.T) {
	p, _, downloads := newProvider(t)

	scenes, err := p.Search(context.Background(), "Sentinel2", provider.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	result, err := p.DownloadAll(context.Background(), scenes, t.TempDir())
	require.NoError(t, err)

	require.Len(t, result.Success, 1)
	assert.Equal(t, onlineScene, result.Success[0].ID)
	assert.NotEmpty(t, result.Success[0].Path)
	assert.Equal(t, []string{"S2B_OFFLINE"}, result.Scheduled)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 1, *downloads, "only the online scene reaches the download endpoint")
}

func TestResolveRejectsUnknownPrefix(t *testing.T) {
	p, _, _ := newProvider(t)

	result, err := p.DownloadAll(context.Background(), []provider.Scene{{ID: "XX_UNKNOWN"}}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"XX_UNKNOWN"}, result.Failed)
}
