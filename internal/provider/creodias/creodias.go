// Package creodias implements the CREODIAS (CloudFerro) driver on top of the
// resto catalog API.
//
// The CREODIAS API rate-limits by source IP (60 requests per minute), which
// is why the worker cap stays at the orchestrator default.
package creodias

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/geocollect/geocollect/internal/cache"
	"github.com/geocollect/geocollect/internal/provider"
	"github.com/geocollect/geocollect/internal/token"
	"github.com/geocollect/geocollect/internal/transfer"
)

const maxRecordsPerPage = 500

// Config carries the provider settings.
type Config struct {
	Username string
	Password string
	ClientID string
	TokenURL string
	APIURL   string
	Workers  int
	PoolSize int
}

// Provider implements the CREODIAS catalog and download endpoints.
type Provider struct {
	client  *http.Client
	apiURL  string
	tokens  *token.Manager
	engine  *transfer.Engine
	workers int
}

func New(client *http.Client, store cache.Store, engine *transfer.Engine, cfg Config) (*Provider, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, &provider.ConfigurationError{Reason: `missing "username"/"password" for CREODIAS provider`}
	}

	tokens, err := token.NewManager(store, cfg.Username, cfg.Password, cfg.ClientID, cfg.TokenURL,
		token.WithKey("creodias:tokens"), token.WithHTTPClient(client), token.WithPoolSize(cfg.PoolSize))
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:  client,
		apiURL:  strings.TrimSuffix(cfg.APIURL, "/"),
		tokens:  tokens,
		engine:  engine,
		workers: cfg.Workers,
	}, nil
}

func (p *Provider) Collections() []string {
	return []string{"Sentinel1", "Sentinel2", "Sentinel3", "Sentinel5P", "Landsat8", "Landsat7", "Landsat5"}
}

// Search queries the resto catalog, following rel=next links until the
// result set is exhausted.
func (p *Provider) Search(ctx context.Context, collection string, opts provider.SearchOptions) ([]provider.Scene, error) {
	params := url.Values{}
	params.Set("maxRecords", fmt.Sprintf("%d", maxRecordsPerPage))
	params.Set("status", "all")

	if opts.StartDate != "" {
		params.Set("startDate", opts.StartDate)
	}

	if opts.EndDate != "" {
		params.Set("completionDate", opts.EndDate)
	}

	if len(opts.BBox) == 4 {
		params.Set("box", fmt.Sprintf("%g,%g,%g,%g", opts.BBox[0], opts.BBox[1], opts.BBox[2], opts.BBox[3]))
	}

	if len(opts.SceneIDs) == 1 {
		params.Set("productIdentifier", fmt.Sprintf("%%%s%%", opts.SceneIDs[0]))
	}

	next := fmt.Sprintf("%s/collections/%s/search.json?%s", p.apiURL, collection, params.Encode())

	var scenes []provider.Scene

	for next != "" {
		page, nextLink, err := p.searchPage(ctx, next)
		if err != nil {
			return nil, err
		}

		scenes = append(scenes, page...)
		next = nextLink
	}

	return scenes, nil
}

type restoFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Title      string  `json:"title"`
		CloudCover float64 `json:"cloudCover"`
		Status     any     `json:"status"`
		Services   struct {
			Download struct {
				URL  string `json:"url"`
				Size int64  `json:"size"`
			} `json:"download"`
		} `json:"services"`
	} `json:"properties"`
}

func (p *Provider) searchPage(ctx context.Context, pageURL string) ([]provider.Scene, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", &provider.ProviderError{Operation: "search", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &provider.ProviderError{Operation: "search", StatusCode: resp.StatusCode, Message: "catalog query rejected"}
	}

	var page struct {
		Features   []restoFeature `json:"features"`
		Properties struct {
			Links []struct {
				Rel  string `json:"rel"`
				Href string `json:"href"`
			} `json:"links"`
		} `json:"properties"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("failed to decode catalog response: %w", err)
	}

	scenes := make([]provider.Scene, 0, len(page.Features))

	for _, feature := range page.Features {
		scenes = append(scenes, provider.Scene{
			ID:         strings.TrimSuffix(feature.Properties.Title, ".SAFE"),
			CloudCover: feature.Properties.CloudCover,
			Link:       feature.Properties.Services.Download.URL,
			Meta: map[string]any{
				"id":     feature.ID,
				"status": feature.Properties.Status,
				"size":   feature.Properties.Services.Download.Size,
			},
		})
	}

	var next string

	for _, link := range page.Properties.Links {
		if link.Rel == "next" {
			next = link.Href

			break
		}
	}

	return scenes, next, nil
}

// Download fetches one scene by identifier.
func (p *Provider) Download(ctx context.Context, sceneID string, outputDir string) (string, error) {
	scene, err := p.resolve(ctx, provider.Scene{ID: sceneID})
	if err != nil {
		return "", err
	}

	downloaded, err := p.download(ctx, scene, outputDir)
	if err != nil {
		return "", err
	}

	return downloaded.Path, nil
}

// DownloadAll downloads scenes in bulk over the bounded worker pool.
func (p *Provider) DownloadAll(ctx context.Context, scenes []provider.Scene, outputDir string) (provider.BulkResult, error) {
	download := func(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
		return p.download(ctx, scene, outputDir)
	}

	return provider.DownloadBatch(ctx, scenes, p.workers, p.resolve, download), nil
}

// resolve looks a scene up in the catalog when its download link is unknown.
func (p *Provider) resolve(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
	if scene.Link != "" {
		return scene, nil
	}

	collection, err := guessCollection(scene.ID)
	if err != nil {
		return scene, err
	}

	found, err := p.Search(ctx, collection, provider.SearchOptions{SceneIDs: []string{scene.ID}})
	if err != nil {
		return scene, err
	}

	if len(found) == 0 {
		return scene, fmt.Errorf("scene %s not found", scene.ID)
	}

	return found[0], nil
}

func (p *Provider) download(ctx context.Context, scene provider.Scene, outputDir string) (provider.Scene, error) {
	// Catalog status 0 means the product sits on fast storage; anything else
	// must first be staged from the long-term archive.
	if status, ok := scene.Meta["status"].(float64); ok && status != 0 {
		return scene, &provider.DataOfflineError{SceneID: scene.ID}
	}

	tok, err := p.tokens.GetToken(ctx)
	if err != nil {
		return scene, err
	}

	expected := transfer.SizeUnknown
	if size, ok := scene.Meta["size"].(int64); ok && size > 0 {
		expected = size
	}

	req := transfer.Request{
		URL:          scene.Link,
		TargetPath:   filepath.Join(outputDir, scene.ID+".zip"),
		ExpectedSize: expected,
		Header:       http.Header{"Authorization": []string{"Bearer " + tok.Token}},
	}

	path, err := p.engine.Fetch(ctx, req)
	if err != nil {
		return scene, err
	}

	scene.Path = path

	return scene, nil
}

func (p *Provider) Disconnect(context.Context) error {
	return nil
}

// guessCollection identifies the catalog collection from the scene id prefix.
func guessCollection(sceneID string) (string, error) {
	switch {
	case strings.HasPrefix(sceneID, "S2"):
		return "Sentinel2", nil
	case strings.HasPrefix(sceneID, "S1"):
		return "Sentinel1", nil
	case strings.HasPrefix(sceneID, "S3"):
		return "Sentinel3", nil
	case strings.HasPrefix(sceneID, "LC08"):
		return "Landsat8", nil
	case strings.HasPrefix(sceneID, "LE07"):
		return "Landsat7", nil
	case strings.HasPrefix(sceneID, "LT05"):
		return "Landsat5", nil
	default:
		return "", fmt.Errorf("cannot identify collection for scene %s", sceneID)
	}
}
