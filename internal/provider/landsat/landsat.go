// Package landsat implements a driver for the USGS Landsat Collection 2
// open archive on AWS S3 (usgs-landsat, us-west-2). The bucket is
// requester-pays, so every request carries the RequestPayer attribute.
package landsat

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/geocollect/geocollect/internal/provider"
)

// Config carries the provider settings.
type Config struct {
	Bucket  string
	Region  string
	Workers int
}

type Provider struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	workers    int
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "usgs-landsat"
	}

	if cfg.Region == "" {
		cfg.Region = "us-west-2"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, &provider.ConfigurationError{Reason: "cannot load AWS configuration", Err: err}
	}

	client := s3.NewFromConfig(awsCfg)

	return &Provider{
		client:     client,
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		workers:    cfg.Workers,
	}, nil
}

func (p *Provider) Collections() []string {
	return []string{"landsat-c2l1", "landsat-c2l2-sr"}
}

// Search lists the bucket by scene-id prefix. The archive has no query API,
// so only SceneIDs lookups are supported.
func (p *Provider) Search(ctx context.Context, collection string, opts provider.SearchOptions) ([]provider.Scene, error) {
	if len(opts.SceneIDs) == 0 {
		return nil, fmt.Errorf("landsat archive supports lookup by scene id only")
	}

	var scenes []provider.Scene

	for _, sceneID := range opts.SceneIDs {
		prefix, err := scenePrefix(sceneID)
		if err != nil {
			return nil, err
		}

		keys, err := p.listScene(ctx, prefix)
		if err != nil {
			return nil, err
		}

		if len(keys) == 0 {
			continue
		}

		scenes = append(scenes, provider.Scene{
			ID:   sceneID,
			Meta: map[string]any{"prefix": prefix},
		})
	}

	return scenes, nil
}

func (p *Provider) listScene(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:       aws.String(p.bucket),
		Prefix:       aws.String(prefix),
		RequestPayer: types.RequestPayerRequester,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &provider.ProviderError{Operation: "list", Message: err.Error(), Err: err}
		}

		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}

	return keys, nil
}

// Download fetches every object of the scene into outputDir/<scene id>/.
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

func (p *Provider) resolve(ctx context.Context, scene provider.Scene) (provider.Scene, error) {
	if _, ok := scene.Meta["prefix"].(string); ok {
		return scene, nil
	}

	prefix, err := scenePrefix(scene.ID)
	if err != nil {
		return scene, err
	}

	if scene.Meta == nil {
		scene.Meta = map[string]any{}
	}

	scene.Meta["prefix"] = prefix

	return scene, nil
}

func (p *Provider) download(ctx context.Context, scene provider.Scene, outputDir string) (provider.Scene, error) {
	prefix, _ := scene.Meta["prefix"].(string)

	keys, err := p.listScene(ctx, prefix)
	if err != nil {
		return scene, err
	}

	if len(keys) == 0 {
		return scene, fmt.Errorf("scene %s not found under %s", scene.ID, prefix)
	}

	sceneDir := filepath.Join(outputDir, scene.ID)
	if err := os.MkdirAll(sceneDir, 0o755); err != nil {
		return scene, fmt.Errorf("failed to create scene directory: %w", err)
	}

	for _, key := range keys {
		if err := p.fetchObject(ctx, key, filepath.Join(sceneDir, path.Base(key))); err != nil {
			return scene, err
		}
	}

	scene.Path = sceneDir

	return scene, nil
}

func (p *Provider) fetchObject(ctx context.Context, key, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer file.Close()

	_, err = p.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(key),
		RequestPayer: types.RequestPayerRequester,
	})
	if err != nil {
		os.Remove(target)

		return &provider.ProviderError{Operation: "download", Message: fmt.Sprintf("cannot fetch %s", key), Err: err}
	}

	return nil
}

func (p *Provider) Disconnect(ctx context.Context) error {
	return nil
}

// scenePrefix derives the bucket prefix from a Collection-2 scene id, e.g.
// LC08_L1TP_220069_20240101_20240110_02_T1 lives under
// collection02/level-1/standard/oli-tirs/2024/220/069/<scene id>/.
func scenePrefix(sceneID string) (string, error) {
	parts := strings.Split(sceneID, "_")
	if len(parts) < 4 || len(parts[2]) != 6 || len(parts[3]) < 4 {
		return "", fmt.Errorf("malformed landsat scene id: %s", sceneID)
	}

	level := "level-1"
	if strings.HasPrefix(parts[1], "L2") {
		level = "level-2"
	}

	sensor, err := sensorDir(parts[0])
	if err != nil {
		return "", err
	}

	year := parts[3][:4]
	wrsPath := parts[2][:3]
	wrsRow := parts[2][3:]

	return fmt.Sprintf("collection02/%s/standard/%s/%s/%s/%s/%s/", level, sensor, year, wrsPath, wrsRow, sceneID), nil
}

func sensorDir(prefix string) (string, error) {
	switch prefix {
	case "LC08", "LC09", "LO08", "LO09", "LT08", "LT09":
		return "oli-tirs", nil
	case "LE07":
		return "etm", nil
	case "LT04", "LT05":
		return "tm", nil
	}

	return "", fmt.Errorf("unsupported landsat sensor: %s", prefix)
}
