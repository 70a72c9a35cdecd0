package provider

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/geocollect/geocollect/internal/telemetry"
)

// Instrumented wraps a Provider with telemetry: per-operation request
// counters, auth-failure counters and transferred-byte totals.
type Instrumented struct {
	next Provider
	tel  *telemetry.Telemetry
	name string
}

// Instrument wraps next so every driver operation is recorded under name.
func Instrument(name string, next Provider, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{
		next: next,
		tel:  tel,
		name: name,
	}
}

// Search queries the catalog with telemetry.
func (p *Instrumented) Search(ctx context.Context, collection string, opts SearchOptions) ([]Scene, error) {
	scenes, err := p.next.Search(ctx, collection, opts)
	p.record("search", err)

	return scenes, err
}

// Download fetches a single scene with telemetry: the active-downloads gauge
// and duration histogram around the transfer, byte totals on success.
func (p *Instrumented) Download(ctx context.Context, sceneID string, outputDir string) (string, error) {
	var path string

	err := p.tel.InstrumentDownload(ctx, p.name, func(ctx context.Context) error {
		var err error
		path, err = p.next.Download(ctx, sceneID, outputDir)

		return err
	})

	p.record("download", err)

	if err != nil {
		return "", err
	}

	p.tel.RecordBytes(p.name, pathSize(path))

	return path, nil
}

// DownloadAll fetches a batch with telemetry. Bytes are totalled per
// successfully delivered scene.
func (p *Instrumented) DownloadAll(ctx context.Context, scenes []Scene, outputDir string) (BulkResult, error) {
	result, err := p.next.DownloadAll(ctx, scenes, outputDir)
	p.record("download_all", err)

	for _, scene := range result.Success {
		p.tel.RecordBytes(p.name, pathSize(scene.Path))
	}

	return result, err
}

// Collections lists the wrapped driver's collections.
func (p *Instrumented) Collections() []string {
	return p.next.Collections()
}

// Disconnect releases the wrapped driver's sessions with telemetry.
func (p *Instrumented) Disconnect(ctx context.Context) error {
	err := p.next.Disconnect(ctx)
	p.record("disconnect", err)

	return err
}

func (p *Instrumented) record(operation string, err error) {
	status := "success"

	if err != nil {
		status = "error"

		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			p.tel.RecordAuthFailure(p.name)
		}
	}

	p.tel.RecordProviderRequest(p.name, operation, status)
}

// pathSize measures one delivered product: a single archive file, or the sum
// of a per-asset scene directory.
func pathSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	if !info.IsDir() {
		return info.Size()
	}

	var total int64

	filepath.WalkDir(path, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}

		if fileInfo, err := entry.Info(); err == nil {
			total += fileInfo.Size()
		}

		return nil
	})

	return total
}
