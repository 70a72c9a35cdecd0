// Package stac implements a generic driver for SpatioTemporal Asset Catalog
// APIs. It speaks the POST /search endpoint and downloads scene assets one
// by one into a per-scene directory.
package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/geocollect/geocollect/internal/provider"
	"github.com/geocollect/geocollect/internal/transfer"
)

const pageLimit = 100

// Config carries the provider settings.
type Config struct {
	APIURL      string
	AccessToken string
	Workers     int
}

type Provider struct {
	client  *http.Client
	apiURL  string
	token   string
	engine  *transfer.Engine
	workers int
}

func New(client *http.Client, engine *transfer.Engine, cfg Config) (*Provider, error) {
	if cfg.APIURL == "" {
		return nil, &provider.ConfigurationError{Reason: `missing "api url" for STAC provider`}
	}

	return &Provider{
		client:  client,
		apiURL:  strings.TrimSuffix(cfg.APIURL, "/"),
		token:   cfg.AccessToken,
		engine:  engine,
		workers: cfg.Workers,
	}, nil
}

type stacAsset struct {
	Href     string `json:"href"`
	Type     string `json:"type"`
	Checksum string `json:"checksum:multihash"`
}

type stacFeature struct {
	ID         string               `json:"id"`
	Collection string               `json:"collection"`
	Properties map[string]any       `json:"properties"`
	Assets     map[string]stacAsset `json:"assets"`
}

type stacPage struct {
	Features []stacFeature `json:"features"`
	Links    []struct {
		Rel  string          `json:"rel"`
		Href string          `json:"href"`
		Body json.RawMessage `json:"body"`
	} `json:"links"`
}

// Collections lists the ids published by the catalog.
func (p *Provider) Collections() []string {
	req, err := http.NewRequest(http.MethodGet, p.apiURL+"/collections", nil)
	if err != nil {
		return nil
	}

	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var data struct {
		Collections []struct {
			ID string `json:"id"`
		} `json:"collections"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil
	}

	names := make([]string, 0, len(data.Collections))
	for _, collection := range data.Collections {
		names = append(names, collection.ID)
	}

	return names
}

// Search pages through POST /search until the catalog stops handing out a
// next link or MaxResults is reached.
func (p *Provider) Search(ctx context.Context, collection string, opts provider.SearchOptions) ([]provider.Scene, error) {
	body := map[string]any{
		"collections": []string{collection},
		"limit":       pageLimit,
	}

	if opts.StartDate != "" {
		body["datetime"] = fmt.Sprintf("%sT00:00:00Z/%sT23:59:59Z", opts.StartDate, opts.EndDate)
	}

	if len(opts.BBox) == 4 {
		body["bbox"] = opts.BBox
	}

	if len(opts.SceneIDs) > 0 {
		body["ids"] = opts.SceneIDs
	}

	if opts.CloudCover > 0 {
		body["query"] = map[string]any{"eo:cloud_cover": map[string]any{"lte": opts.CloudCover}}
	}

	var scenes []provider.Scene

	next := p.apiURL + "/search"
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}

	for next != "" {
		page, err := p.searchPage(ctx, next, payload)
		if err != nil {
			return nil, err
		}

		for _, feature := range page.Features {
			scenes = append(scenes, serialize(feature))

			if opts.MaxResults > 0 && len(scenes) >= opts.MaxResults {
				return scenes, nil
			}
		}

		next = ""
		payload = nil

		for _, link := range page.Links {
			if link.Rel == "next" {
				next = link.Href
				payload = link.Body

				break
			}
		}
	}

	return scenes, nil
}

func (p *Provider) searchPage(ctx context.Context, endpoint string, body []byte) (*stacPage, error) {
	if body == nil {
		body = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &provider.ProviderError{Operation: "search", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.ProviderError{Operation: "search", StatusCode: resp.StatusCode, Message: "search request rejected"}
	}

	var page stacPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode search page: %w", err)
	}

	return &page, nil
}

func serialize(feature stacFeature) provider.Scene {
	scene := provider.Scene{
		ID:   feature.ID,
		Meta: map[string]any{"collection": feature.Collection},
	}

	for key, value := range feature.Properties {
		scene.Meta[key] = value
	}

	if cc, ok := feature.Properties["eo:cloud_cover"].(float64); ok {
		scene.CloudCover = cc
	}

	assets := map[string]any{}
	for name, asset := range feature.Assets {
		assets[name] = map[string]any{"href": asset.Href, "checksum:multihash": asset.Checksum}
	}

	scene.Meta["assets"] = assets

	return scene
}

// Download fetches every asset of the scene into outputDir/<scene id>/.
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

func (p *Provider) DownloadAll(ctx context.Context, scenes []provider.Scene, outputDir string) (provider.BulkResult, error) {
	download := func(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
		return p.download(ctx, scene, outputDir)
	}

	return provider.DownloadBatch(ctx, scenes, p.workers, p.resolve, download), nil
}

// resolve re-queries the catalog when the scene carries no asset map, so a
// bare id handed to Download still works.
func (p *Provider) resolve(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
	if _, ok := scene.Meta["assets"].(map[string]any); ok {
		return scene, nil
	}

	collection, _ := scene.Meta["collection"].(string)

	found, err := p.Search(ctx, collection, provider.SearchOptions{SceneIDs: []string{scene.ID}, MaxResults: 1})
	if err != nil {
		return scene, err
	}

	if len(found) == 0 {
		return scene, fmt.Errorf("scene %s not found in catalog", scene.ID)
	}

	return found[0], nil
}

func (p *Provider) download(ctx context.Context, scene provider.Scene, outputDir string) (provider.Scene, error) {
	assets, _ := scene.Meta["assets"].(map[string]any)
	if len(assets) == 0 {
		return scene, fmt.Errorf("scene %s has no downloadable assets", scene.ID)
	}

	sceneDir := filepath.Join(outputDir, scene.ID)

	for _, raw := range assets {
		asset, _ := raw.(map[string]any)

		href, _ := asset["href"].(string)
		if href == "" {
			continue
		}

		header := http.Header{}
		if p.token != "" {
			header.Set("Authorization", "Bearer "+p.token)
		}

		if _, err := p.engine.Fetch(ctx, transfer.Request{
			URL:          href,
			TargetPath:   filepath.Join(sceneDir, assetFileName(href)),
			ExpectedSize: transfer.SizeUnknown,
			Header:       header,
		}); err != nil {
			return scene, err
		}
	}

	scene.Path = sceneDir

	return scene, nil
}

func (p *Provider) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

func (p *Provider) Disconnect(ctx context.Context) error {
	return nil
}

func assetFileName(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return path.Base(href)
	}

	return path.Base(parsed.Path)
}
