// Package onda implements the ONDA DIAS catalogue driver. ONDA enforces a
// per-user concurrent-download limit, so every transfer checks an account out
// of the shared credential pool and returns it when done. Offline products
// are ordered from the long-term archive exactly once and reported as
// scheduled.
package onda

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/geocollect/geocollect/internal/creds"
	"github.com/geocollect/geocollect/internal/provider"
	"github.com/geocollect/geocollect/internal/transfer"
)

// Config carries the provider settings.
type Config struct {
	APIURL  string
	Workers int
}

// Provider implements the ONDA catalogue endpoints.
type Provider struct {
	client  *http.Client
	apiURL  string
	pool    *creds.Pool
	engine  *transfer.Engine
	workers int

	mu      sync.Mutex
	ordered map[string]bool
}

func New(client *http.Client, pool *creds.Pool, engine *transfer.Engine, cfg Config) (*Provider, error) {
	if pool == nil {
		return nil, &provider.ConfigurationError{Reason: "ONDA provider requires a credential pool"}
	}

	return &Provider{
		client:  client,
		apiURL:  strings.TrimSuffix(cfg.APIURL, "/"),
		pool:    pool,
		engine:  engine,
		workers: cfg.Workers,
		ordered: make(map[string]bool),
	}, nil
}

func (p *Provider) Collections() []string {
	return []string{"SENTINEL-1", "SENTINEL-2", "SENTINEL-3"}
}

// Search looks scenes up by identifier in the ONDA catalogue. ONDA's own
// discovery is keyed by free-text search, so collection filters translate to
// name prefixes.
func (p *Provider) Search(ctx context.Context, collection string, opts provider.SearchOptions) ([]provider.Scene, error) {
	if len(opts.SceneIDs) == 0 {
		return nil, &provider.ProviderError{Operation: "search", Message: "ONDA search requires scene identifiers"}
	}

	scenes := make([]provider.Scene, 0, len(opts.SceneIDs))

	for _, id := range opts.SceneIDs {
		scene, err := p.searchBySceneID(ctx, id)
		if err != nil {
			return nil, err
		}

		scenes = append(scenes, scene)
	}

	return scenes, nil
}

type ondaEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Offline bool   `json:"offline"`
	Size    int64  `json:"size"`
	MD5     string `json:"md5"`
}

func (p *Provider) searchBySceneID(ctx context.Context, sceneID string) (provider.Scene, error) {
	query := url.Values{}
	query.Set("$search", fmt.Sprintf("%q", "name:"+sceneID+".zip"))
	query.Set("$format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"?"+query.Encode(), nil)
	if err != nil {
		return provider.Scene{}, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Scene{}, &provider.ProviderError{Operation: "search", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.Scene{}, &provider.ProviderError{Operation: "search", StatusCode: resp.StatusCode, Message: "catalogue query rejected"}
	}

	var payload struct {
		Value []ondaEntry `json:"value"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return provider.Scene{}, fmt.Errorf("failed to decode catalogue response: %w", err)
	}

	if len(payload.Value) == 0 {
		return provider.Scene{}, fmt.Errorf("%s not found", sceneID)
	}

	entry := payload.Value[0]

	scene := provider.Scene{
		ID:   sceneID,
		Link: fmt.Sprintf("%s(%s)/$value", p.apiURL, entry.ID),
		Meta: map[string]any{
			"id":      entry.ID,
			"offline": entry.Offline,
			"size":    entry.Size,
		},
	}

	if entry.MD5 != "" {
		scene.Meta["md5"] = entry.MD5
	}

	return scene, nil
}

// order asks the archive to stage an offline product. Called at most once per
// product per provider instance.
func (p *Provider) order(ctx context.Context, handle *creds.Handle, productID string) error {
	p.mu.Lock()
	if p.ordered[productID] {
		p.mu.Unlock()

		return nil
	}

	p.ordered[productID] = true
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s(%s)/Ens.Order", p.apiURL, productID), nil)
	if err != nil {
		return fmt.Errorf("failed to build order request: %w", err)
	}

	req.SetBasicAuth(handle.Username, handle.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &provider.ProviderError{Operation: "order", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &provider.ProviderError{Operation: "order", StatusCode: resp.StatusCode, Message: "archive order rejected"}
	}

	return nil
}

// Download fetches one scene by identifier.
func (p *Provider) Download(ctx context.Context, sceneID string, outputDir string) (string, error) {
	scene, err := p.searchBySceneID(ctx, sceneID)
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
	resolve := func(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
		if scene.Link != "" {
			return scene, nil
		}

		return p.searchBySceneID(ctx, scene.ID)
	}

	download := func(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
		return p.download(ctx, scene, outputDir)
	}

	return provider.DownloadBatch(ctx, scenes, p.workers, resolve, download), nil
}

func (p *Provider) download(ctx context.Context, scene provider.Scene, outputDir string) (provider.Scene, error) {
	handle, err := p.pool.Acquire(ctx)
	if err != nil {
		return scene, err
	}
	defer handle.Release(ctx)

	productID, _ := scene.Meta["id"].(string)

	if offline, _ := scene.Meta["offline"].(bool); offline {
		if err := p.order(ctx, handle, productID); err != nil {
			return scene, err
		}

		return scene, &provider.DataOfflineError{SceneID: scene.ID}
	}

	expected := transfer.SizeUnknown
	if size, ok := scene.Meta["size"].(int64); ok && size > 0 {
		expected = size
	}

	var sums []transfer.Checksum
	if md5sum, ok := scene.Meta["md5"].(string); ok {
		sums = append(sums, transfer.Checksum{Algorithm: "MD5", Value: md5sum})
	}

	req := transfer.Request{
		URL:          scene.Link,
		TargetPath:   filepath.Join(outputDir, scene.ID+".zip"),
		ExpectedSize: expected,
		Checksums:    sums,
		Header:       http.Header{"Authorization": []string{basicAuth(handle.Username, handle.Password)}},
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

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
