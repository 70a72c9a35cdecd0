package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/geocollect/geocollect/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers caps bulk concurrency. Kept deliberately low: the target
// APIs enforce per-account and per-IP rate limits, and over-parallelizing
// gets the whole batch throttled or banned.
const DefaultWorkers = 2

// ResolveFunc maps a scene to the provider's native product reference before
// any worker slot is consumed. Returning an error sends the scene straight to
// the failed list.
type ResolveFunc func(ctx context.Context, scene Scene) (Scene, error)

// DownloadFunc performs one scene transfer and returns the scene with its
// local path set.
type DownloadFunc func(ctx context.Context, scene Scene) (Scene, error)

// DownloadBatch fans scenes out over a bounded worker pool and partitions the
// outcomes. Results are collected in completion order, not submission order.
// It never fails for an individual scene: a *DataOfflineError lands in
// Scheduled, everything else in Failed.
func DownloadBatch(ctx context.Context, scenes []Scene, workers int, resolve ResolveFunc, download DownloadFunc) BulkResult {
	logger := logctx.LoggerFromContext(ctx)

	if workers <= 0 {
		workers = DefaultWorkers
	}

	var result BulkResult

	resolved := make([]Scene, 0, len(scenes))

	for _, scene := range scenes {
		if resolve == nil {
			resolved = append(resolved, scene)

			continue
		}

		entry, err := resolve(ctx, scene)
		if err != nil {
			var offline *DataOfflineError
			if errors.As(err, &offline) {
				logger.Info("scene offline at resolve time", "scene_id", offline.SceneID)
				result.Scheduled = append(result.Scheduled, offline.SceneID)

				continue
			}

			logger.Error("failed to resolve scene", "scene_id", scene.ID, "err", err)
			result.Failed = append(result.Failed, scene.ID)

			continue
		}

		resolved = append(resolved, entry)
	}

	var (
		mu sync.Mutex
		wg errgroup.Group
	)

	sem := make(chan struct{}, workers)

	for i := range resolved {
		scene := resolved[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			downloaded, err := download(ctx, scene)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				result.Success = append(result.Success, downloaded)
			default:
				var offline *DataOfflineError
				if errors.As(err, &offline) {
					logger.Info("scene scheduled for archive retrieval", "scene_id", offline.SceneID)
					result.Scheduled = append(result.Scheduled, offline.SceneID)

					break
				}

				logger.Error("failed to download scene", "scene_id", scene.ID, "err", err)
				result.Failed = append(result.Failed, scene.ID)
			}

			return nil
		})
	}

	// Workers classify their own outcome and never return an error, so Wait
	// only observes batch-level problems.
	_ = wg.Wait()

	return result
}
