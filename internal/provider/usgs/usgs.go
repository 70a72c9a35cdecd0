// Package usgs implements the USGS Earth Explorer driver against the M2M
// JSON API (https://m2m.cr.usgs.gov/api/docs/json/).
package usgs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/geocollect/geocollect/internal/provider"
	"github.com/geocollect/geocollect/internal/transfer"
)

// Config carries the provider settings.
type Config struct {
	Username string
	Password string
	APIURL   string
	Workers  int
}

// Provider holds one authenticated M2M session. The session token is
// obtained lazily on first use and attached to every request.
type Provider struct {
	client  *http.Client
	apiURL  string
	cfg     Config
	engine  *transfer.Engine
	workers int

	mu        sync.Mutex
	authToken string
}

func New(client *http.Client, engine *transfer.Engine, cfg Config) (*Provider, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, &provider.ConfigurationError{Reason: `missing "username"/"password" for USGS provider`}
	}

	return &Provider{
		client:  client,
		apiURL:  strings.TrimSuffix(cfg.APIURL, "/"),
		cfg:     cfg,
		engine:  engine,
		workers: cfg.Workers,
	}, nil
}

func (p *Provider) Collections() []string {
	return []string{"landsat_tm_c2_l1", "landsat_tm_c2_l2", "landsat_etm_c2_l1", "landsat_etm_c2_l2", "landsat_ot_c2_l1", "landsat_ot_c2_l2"}
}

// login opens the M2M session and keeps its token for later requests. The
// lock is held across the call so concurrent first uses share one session.
func (p *Provider) login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.authToken != "" {
		return nil
	}

	var data string
	if err := p.request(ctx, "", "login", map[string]any{
		"username": p.cfg.Username,
		"password": p.cfg.Password,
	}, &data); err != nil {
		return &provider.AuthenticationError{Operation: "login", Err: err}
	}

	p.authToken = data

	return nil
}

// token reads the session token without touching the request path.
func (p *Provider) token() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.authToken
}

// request posts one M2M API call and decodes its data payload into out. It
// never acquires p.mu, so login can call it while holding the lock.
func (p *Provider) request(ctx context.Context, token, resource string, params map[string]any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/"+resource, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &provider.ProviderError{Operation: resource, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Data         json.RawMessage `json:"data"`
		ErrorCode    string          `json:"errorCode"`
		ErrorMessage string          `json:"errorMessage"`
	}

	if err := json.Unmarshal(content, &envelope); err != nil {
		return &provider.ProviderError{Operation: resource, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("cannot parse response as JSON: %.200s", content)}
	}

	if envelope.ErrorCode != "" || envelope.ErrorMessage != "" {
		return &provider.ProviderError{Operation: resource, StatusCode: resp.StatusCode, Message: envelope.ErrorMessage}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", resource, err)
		}
	}

	return nil
}

type m2mScene struct {
	DisplayID  string  `json:"displayId"`
	EntityID   string  `json:"entityId"`
	CloudCover float64 `json:"cloudCover"`
}

// Search runs scene-search for one data set.
func (p *Provider) Search(ctx context.Context, collection string, opts provider.SearchOptions) ([]provider.Scene, error) {
	if err := p.login(ctx); err != nil {
		return nil, err
	}

	sceneFilter := map[string]any{
		"cloudCoverFilter": map[string]any{"min": 0, "max": 100, "includeUnknown": true},
	}

	if opts.CloudCover > 0 {
		sceneFilter["cloudCoverFilter"] = map[string]any{"min": 0, "max": opts.CloudCover, "includeUnknown": true}
	}

	if opts.StartDate != "" {
		sceneFilter["acquisitionFilter"] = map[string]any{"start": opts.StartDate, "end": opts.EndDate}
	}

	if len(opts.BBox) == 4 {
		sceneFilter["spatialFilter"] = map[string]any{
			"filterType": "mbr",
			"lowerLeft":  map[string]any{"latitude": opts.BBox[1], "longitude": opts.BBox[0]},
			"upperRight": map[string]any{"latitude": opts.BBox[3], "longitude": opts.BBox[2]},
		}
	}

	maxResults := opts.MaxResults
	if maxResults == 0 {
		maxResults = 50000
	}

	var data struct {
		Results []m2mScene `json:"results"`
	}

	if err := p.request(ctx, p.token(), "scene-search", map[string]any{
		"datasetName": collection,
		"maxResults":  maxResults,
		"sceneFilter": sceneFilter,
	}, &data); err != nil {
		return nil, err
	}

	scenes := make([]provider.Scene, 0, len(data.Results))

	for _, result := range data.Results {
		scenes = append(scenes, provider.Scene{
			ID:         result.DisplayID,
			CloudCover: result.CloudCover,
			Meta:       map[string]any{"entityId": result.EntityID, "dataset": collection},
		})
	}

	return scenes, nil
}

// lookup resolves display ids into entity ids through a transient scene list.
func (p *Provider) lookup(ctx context.Context, dataset string, sceneID string) (string, error) {
	listID := fmt.Sprintf("the_list_%d", rand.Intn(1000)+1)

	if err := p.request(ctx, p.token(), "scene-list-add", map[string]any{
		"listId":      listID,
		"datasetName": dataset,
		"entityIds":   []string{sceneID},
		"idField":     "displayId",
		"timeToLive":  "PT10S",
	}, nil); err != nil {
		return "", err
	}

	var entries []m2mScene
	if err := p.request(ctx, p.token(), "scene-list-get", map[string]any{"listId": listID}, &entries); err != nil {
		return "", err
	}

	if len(entries) == 0 {
		return "", fmt.Errorf("scene %s not found in dataset %s", sceneID, dataset)
	}

	return entries[0].EntityID, nil
}

// downloadURL picks the first available product option for the entity.
func (p *Provider) downloadURL(ctx context.Context, dataset, entityID string) (string, int64, error) {
	var options []struct {
		Available     bool   `json:"available"`
		ProductID     string `json:"id"`
		FileSize      int64  `json:"filesize"`
		DownloadURL   string `json:"downloadUrl"`
		ProductName   string `json:"productName"`
		DownloadsLeft any    `json:"downloadsLeft"`
	}

	if err := p.request(ctx, p.token(), "download-options", map[string]any{
		"datasetName": dataset,
		"entityIds":   []string{entityID},
	}, &options); err != nil {
		return "", 0, err
	}

	for _, option := range options {
		if option.Available && option.DownloadURL != "" {
			return option.DownloadURL, option.FileSize, nil
		}
	}

	return "", 0, fmt.Errorf("no available download option for %s", entityID)
}

// Download fetches one Landsat product.
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
	if err := p.login(ctx); err != nil {
		// Batch-level setup failure: nothing can proceed without a session.
		return provider.BulkResult{}, err
	}

	download := func(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
		return p.download(ctx, scene, outputDir)
	}

	return provider.DownloadBatch(ctx, scenes, p.workers, p.resolve, download), nil
}

func (p *Provider) resolve(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
	if err := p.login(ctx); err != nil {
		return scene, err
	}

	dataset, _ := scene.Meta["dataset"].(string)
	if dataset == "" {
		dataset = guessDataset(scene.ID)
		if scene.Meta == nil {
			scene.Meta = map[string]any{}
		}

		scene.Meta["dataset"] = dataset
	}

	if _, ok := scene.Meta["entityId"].(string); !ok {
		entityID, err := p.lookup(ctx, dataset, scene.ID)
		if err != nil {
			return scene, err
		}

		scene.Meta["entityId"] = entityID
	}

	return scene, nil
}

func (p *Provider) download(ctx context.Context, scene provider.Scene, outputDir string) (provider.Scene, error) {
	dataset, _ := scene.Meta["dataset"].(string)
	entityID, _ := scene.Meta["entityId"].(string)

	link, size, err := p.downloadURL(ctx, dataset, entityID)
	if err != nil {
		return scene, err
	}

	expected := transfer.SizeUnknown
	if size > 0 {
		expected = size
	}

	path, err := p.engine.Fetch(ctx, transfer.Request{
		URL:          link,
		TargetPath:   filepath.Join(outputDir, scene.ID+".tar"),
		ExpectedSize: expected,
	})
	if err != nil {
		return scene, err
	}

	scene.Path = path

	return scene, nil
}

// Disconnect closes the M2M session. The API rate-limits open sessions, so
// callers should always disconnect before shutdown.
func (p *Provider) Disconnect(ctx context.Context) error {
	token := p.token()
	if token == "" {
		return nil
	}

	err := p.request(ctx, token, "logout", map[string]any{}, nil)

	p.mu.Lock()
	p.authToken = ""
	p.mu.Unlock()

	return err
}

// guessDataset maps a Landsat display id prefix to its Collection-2 Level-1
// data set name.
func guessDataset(sceneID string) string {
	switch {
	case strings.HasPrefix(sceneID, "LT04"), strings.HasPrefix(sceneID, "LT05"):
		return "landsat_tm_c2_l1"
	case strings.HasPrefix(sceneID, "LE07"):
		return "landsat_etm_c2_l1"
	default:
		return "landsat_ot_c2_l1"
	}
}
