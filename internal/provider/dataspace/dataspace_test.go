package dataspace_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocollect/geocollect/internal/cache"
	"github.com/geocollect/geocollect/internal/provider"
	"github.com/geocollect/geocollect/internal/provider/dataspace"
	"github.com/geocollect/geocollect/internal/transfer"
)

const sceneName = "S2A_MSIL2A_20260801T131241_N0500_R138_T23KPQ_20260801T152111"

type fixture struct {
	ts        *httptest.Server
	provider  *dataspace.Provider
	filters   []string
	downloads int
	authSeen  string
	online    bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{online: true}

	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":600}`)
	})

	mux.HandleFunc("/odata/Products", func(w http.ResponseWriter, r *http.Request) {
		f.filters = append(f.filters, r.URL.Query().Get("$filter"))

		w.Header().Set("Content-Type", "application/json")

		page := r.URL.Query().Get("page")
		if page == "2" {
			fmt.Fprintf(w, `{"value":[{"Id":"id-2","Name":"%s.SAFE","Online":%t,"ContentLength":5,
				"Attributes":[{"Name":"cloudCover","Value":12.5}]}]}`, sceneName, f.online)

			return
		}

		fmt.Fprintf(w, `{"value":[{"Id":"id-1","Name":"%s.SAFE","Online":%t,"ContentLength":5,
			"Attributes":[{"Name":"cloudCover","Value":42.0}]}],
			"@odata.nextLink":"%s/odata/Products?page=2"}`, sceneName, f.online, f.ts.URL)
	})

	mux.HandleFunc("/odata/Products(id-1)/$value", func(w http.ResponseWriter, r *http.Request) {
		f.authSeen = r.Header.Get("Authorization")

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "5")

			return
		}

		f.downloads++

		fmt.Fprint(w, "bytes")
	})

	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)

	p, err := dataspace.New(f.ts.Client(), cache.NewMemoryStore(), transfer.NewEngine(f.ts.Client(), transfer.WithMaxRetries(2)), dataspace.Config{
		Username: "user",
		Password: "pass",
		ClientID: "cdse-public",
		TokenURL: f.ts.URL + "/token",
		APIURL:   f.ts.URL + "/odata",
		Workers:  2,
	})
	require.NoError(t, err)

	f.provider = p

	return f
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := dataspace.New(http.DefaultClient, cache.NewMemoryStore(), nil, dataspace.Config{})
	require.Error(t, err)

	var cfgErr *provider.ConfigurationError

	assert.ErrorAs(t, err, &cfgErr)
}

func TestSearchFollowsPagination(t *testing.T) {
	f := newFixture(t)

	scenes, err := f.provider.Search(context.Background(), "SENTINEL-2", provider.SearchOptions{
		StartDate:  "2026-08-01",
		EndDate:    "2026-08-31",
		BBox:       []float64{-54, -12, -50, -8},
		Tile:       "23KPQ",
		CloudCover: 50,
	})
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	assert.Equal(t, sceneName, scenes[0].ID, "container suffix is stripped from the scene id")
	assert.Equal(t, 42.0, scenes[0].CloudCover)
	assert.Contains(t, scenes[0].Link, "Products(id-1)/$value")

	require.NotEmpty(t, f.filters)
	filter := f.filters[0]
	assert.Contains(t, filter, "Collection/Name eq 'SENTINEL-2'")
	assert.Contains(t, filter, "ContentDate/Start gt 2026-08-01")
	assert.Contains(t, filter, "ContentDate/Start lt 2026-08-31")
	assert.Contains(t, filter, "POLYGON")
	assert.Contains(t, filter, "contains(Name,'23KPQ')")
}

func TestSearchBySceneIDAppendsContainerSuffix(t *testing.T) {
	f := newFixture(t)

	_, err := f.provider.Search(context.Background(), "", provider.SearchOptions{SceneIDs: []string{sceneName}})
	require.NoError(t, err)

	require.NotEmpty(t, f.filters)
	assert.Equal(t, fmt.Sprintf("Name eq '%s.SAFE'", sceneName), f.filters[0])
}

func TestDownloadAttachesBearerToken(t *testing.T) {
	f := newFixture(t)
	outputDir := t.TempDir()

	path, err := f.provider.Download(context.Background(), sceneName, outputDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, sceneName+".zip"), path)
	assert.Equal(t, "Bearer tok", f.authSeen)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))
}

func TestDownloadAllSchedulesOfflineScenes(t *testing.T) {
	f := newFixture(t)
	f.online = false

	result, err := f.provider.DownloadAll(context.Background(), []provider.Scene{{ID: sceneName}}, t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, result.Success)
	assert.Equal(t, []string{sceneName}, result.Scheduled)
	assert.Zero(t, f.downloads, "offline scenes never reach the download endpoint")
}
