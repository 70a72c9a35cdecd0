// Package dataspace implements the Copernicus Dataspace Ecosystem driver.
// Search goes through the OData catalog; downloads are authorized by bearer
// tokens kept warm by the token manager.
package dataspace

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

const (
	// maxRecords bounds catalog pagination so a loose filter cannot walk the
	// whole archive.
	maxRecords = 12000

	pageLimit = 500

	datetimeLayout = "2006-01-02T15:04:05Z"
)

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

// Provider talks to the Copernicus Dataspace program.
type Provider struct {
	client  *http.Client
	apiURL  string
	tokens  *token.Manager
	engine  *transfer.Engine
	workers int
}

// New builds a Dataspace provider. Tokens are shared through the given cache
// store, so several workers reuse one rotating pool.
func New(client *http.Client, store cache.Store, engine *transfer.Engine, cfg Config) (*Provider, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, &provider.ConfigurationError{Reason: `missing "username"/"password" for Dataspace provider`}
	}

	tokens, err := token.NewManager(store, cfg.Username, cfg.Password, cfg.ClientID, cfg.TokenURL,
		token.WithKey("dataspace:tokens"), token.WithHTTPClient(client), token.WithPoolSize(cfg.PoolSize))
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
	return []string{"SENTINEL-1", "SENTINEL-2", "SENTINEL-3"}
}

// Search queries the OData catalog for one collection.
func (p *Provider) Search(ctx context.Context, collection string, opts provider.SearchOptions) ([]provider.Scene, error) {
	if len(opts.SceneIDs) > 0 {
		scenes := make([]provider.Scene, 0, len(opts.SceneIDs))

		for _, id := range opts.SceneIDs {
			found, err := p.retrieveProducts(ctx, fmt.Sprintf("Name eq '%s'", itemID(id)))
			if err != nil {
				return nil, err
			}

			scenes = append(scenes, found...)
		}

		return scenes, nil
	}

	filters := []string{fmt.Sprintf("Collection/Name eq '%s'", collection)}

	if len(opts.BBox) == 4 {
		wkt := bboxWKT(opts.BBox)
		filters = append(filters, fmt.Sprintf("OData.CSC.Intersects(area=geography'SRID=4326;%s')", wkt))
	}

	if opts.StartDate != "" {
		filters = append(filters, fmt.Sprintf("ContentDate/Start gt %s", opts.StartDate))
	}

	if opts.EndDate != "" {
		filters = append(filters, fmt.Sprintf("ContentDate/Start lt %s", opts.EndDate))
	}

	if opts.Tile != "" {
		filters = append(filters, fmt.Sprintf("contains(Name,'%s')", opts.Tile))
	}

	return p.retrieveProducts(ctx, filters...)
}

func (p *Provider) retrieveProducts(ctx context.Context, filters ...string) ([]provider.Scene, error) {
	params := url.Values{}
	params.Set("$filter", strings.Join(filters, " and "))
	params.Set("$top", fmt.Sprintf("%d", pageLimit))
	params.Set("$expand", "Attributes")
	params.Set("$orderby", "ContentDate/Start desc")

	next := fmt.Sprintf("%s/Products?%s", p.apiURL, params.Encode())

	var scenes []provider.Scene

	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build search request: %w", err)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, &provider.ProviderError{Operation: "search", Message: err.Error(), Err: err}
		}

		var page struct {
			Value    []map[string]any `json:"value"`
			NextLink string           `json:"@odata.nextLink"`
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()

			return nil, &provider.ProviderError{Operation: "search", StatusCode: resp.StatusCode, Message: "catalog query rejected"}
		}

		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()

			return nil, fmt.Errorf("failed to decode catalog response: %w", err)
		}

		resp.Body.Close()

		if len(page.Value) == 0 {
			break
		}

		for _, product := range page.Value {
			scenes = append(scenes, p.serialize(product))
		}

		if len(scenes) > maxRecords {
			break
		}

		next = page.NextLink
	}

	return scenes, nil
}

func (p *Provider) serialize(product map[string]any) provider.Scene {
	meta := make(map[string]any, len(product))
	for k, v := range product {
		meta[k] = v
	}

	var cloudCover float64

	if attrs, ok := product["Attributes"].([]any); ok {
		for _, raw := range attrs {
			attr, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			name, _ := attr["Name"].(string)
			meta[name] = attr["Value"]

			if name == "cloudCover" {
				cloudCover, _ = attr["Value"].(float64)
			}
		}

		delete(meta, "Attributes")
	}

	name, _ := product["Name"].(string)
	id, _ := product["Id"].(string)

	sceneID := strings.TrimSuffix(strings.TrimSuffix(name, ".SAFE"), ".SEN3")

	return provider.Scene{
		ID:         sceneID,
		CloudCover: cloudCover,
		Link:       fmt.Sprintf("%s/Products(%s)/$value", p.apiURL, id),
		Meta:       meta,
	}
}

// Download fetches one scene. Products flagged offline by the catalog raise
// *provider.DataOfflineError instead of hitting the download endpoint.
func (p *Provider) Download(ctx context.Context, sceneID string, outputDir string) (string, error) {
	scenes, err := p.Search(ctx, "", provider.SearchOptions{SceneIDs: []string{sceneID}})
	if err != nil {
		return "", err
	}

	if len(scenes) == 0 {
		return "", &provider.ProviderError{Operation: "download", Message: fmt.Sprintf("no product found for %s", sceneID)}
	}

	scene, err := p.download(ctx, scenes[0], outputDir)
	if err != nil {
		return "", err
	}

	return scene.Path, nil
}

// DownloadAll fetches many scenes through the shared bulk orchestrator.
func (p *Provider) DownloadAll(ctx context.Context, scenes []provider.Scene, outputDir string) (provider.BulkResult, error) {
	resolve := func(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
		if scene.Link != "" {
			return scene, nil
		}

		found, err := p.Search(ctx, "", provider.SearchOptions{SceneIDs: []string{scene.ID}})
		if err != nil {
			return scene, err
		}

		if len(found) == 0 {
			return scene, fmt.Errorf("not found in provider")
		}

		return found[0], nil
	}

	download := func(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
		return p.download(ctx, scene, outputDir)
	}

	return provider.DownloadBatch(ctx, scenes, p.workers, resolve, download), nil
}

func (p *Provider) download(ctx context.Context, scene provider.Scene, outputDir string) (provider.Scene, error) {
	if online, declared := scene.Meta["Online"].(bool); declared && !online {
		return scene, &provider.DataOfflineError{SceneID: scene.ID}
	}

	tok, err := p.tokens.GetToken(ctx)
	if err != nil {
		return scene, err
	}

	downloadURL, err := p.resolveRedirects(ctx, scene.Link)
	if err != nil {
		return scene, err
	}

	req := transfer.Request{
		URL:          downloadURL,
		TargetPath:   filepath.Join(outputDir, scene.ID+".zip"),
		ExpectedSize: contentLength(scene.Meta),
		Checksums:    checksums(scene.Meta),
		Header:       http.Header{"Authorization": []string{"Bearer " + tok.Token}},
	}

	path, err := p.engine.Fetch(ctx, req)
	if err != nil {
		return scene, err
	}

	scene.Path = path

	return scene, nil
}

// resolveRedirects chases the catalog's redirect chain before any bearer
// header is attached, so the token only reaches the final download host.
func (p *Provider) resolveRedirects(ctx context.Context, link string) (string, error) {
	noFollow := *p.client
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	current := link

	for hops := 0; hops < 5; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, current, nil)
		if err != nil {
			return "", fmt.Errorf("failed to build redirect probe: %w", err)
		}

		resp, err := noFollow.Do(req)
		if err != nil {
			return "", &provider.ProviderError{Operation: "download", Message: err.Error(), Err: err}
		}

		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
			current = resp.Header.Get("Location")
		default:
			return current, nil
		}
	}

	return current, nil
}

func (p *Provider) Disconnect(context.Context) error {
	return nil
}

// contentLength reads the catalog-declared size, distinguishing a declared
// zero from an absent declaration.
func contentLength(meta map[string]any) int64 {
	if raw, ok := meta["ContentLength"].(float64); ok {
		return int64(raw)
	}

	return transfer.SizeUnknown
}

func checksums(meta map[string]any) []transfer.Checksum {
	raw, ok := meta["Checksum"].([]any)
	if !ok {
		return nil
	}

	out := make([]transfer.Checksum, 0, len(raw))

	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		algorithm, _ := m["Algorithm"].(string)
		value, _ := m["Value"].(string)

		if algorithm != "" && value != "" {
			out = append(out, transfer.Checksum{Algorithm: algorithm, Value: value})
		}
	}

	return out
}

// itemID appends the product container suffix expected by the catalog.
func itemID(scene string) string {
	switch {
	case strings.HasSuffix(scene, ".SAFE"), strings.HasSuffix(scene, ".SEN3"):
		return scene
	case strings.HasPrefix(scene, "S1"), strings.HasPrefix(scene, "S2"):
		return scene + ".SAFE"
	case strings.HasPrefix(scene, "S3"):
		return scene + ".SEN3"
	default:
		return scene
	}
}

func bboxWKT(bbox []float64) string {
	w, s, e, n := bbox[0], bbox[1], bbox[2], bbox[3]

	return fmt.Sprintf("POLYGON ((%[1]g %[2]g, %[3]g %[2]g, %[3]g %[4]g, %[1]g %[4]g, %[1]g %[2]g))", w, s, e, n)
}
