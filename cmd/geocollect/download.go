package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/geocollect/geocollect/internal/policy"
	"github.com/geocollect/geocollect/internal/provider"
)

func newDownloadCmd(a *app) *cobra.Command {
	var (
		providerName string
		collection   string
		outputDir    string
		maxAttempts  int
		waitOffline  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "download <scene-id> [<scene-id>...]",
		Short: "Download scenes, scheduling offline ones for later retrieval",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := a.resolveProvider(providerName, collection)
			if err != nil {
				return err
			}

			drv, err := provider.New(name)
			if err != nil {
				return err
			}
			defer drv.Disconnect(cmd.Context())

			if outputDir == "" {
				outputDir = a.cfg.OutputDir
			}

			return a.runDownload(cmd.Context(), drv, name, args, outputDir, maxAttempts, waitOffline)
		},
	}

	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider driver to use (default: resolved from the catalog)")
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "collection used to resolve the provider")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default: configured output dir)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", policy.DefaultMaxAttempts, "attempts per scene before giving up")
	cmd.Flags().DurationVar(&waitOffline, "wait-offline", 0, "re-poll scheduled scenes for this long (0 disables)")

	return cmd
}

// runDownload drives the batch through the lifecycle tracker. Scenes that
// come back scheduled stay pending; with --wait-offline the batch is retried
// until they surface from cold storage or the budget runs out.
func (a *app) runDownload(ctx context.Context, drv provider.Provider, providerName string, sceneIDs []string, outputDir string, maxAttempts int, waitOffline time.Duration) error {
	tracker := policy.NewTracker(maxAttempts)

	for _, sceneID := range sceneIDs {
		tracker.Request(sceneID)

		if err := a.downloads.TrackDownload(sceneID, providerName); err != nil {
			slog.Warn("failed to track download", "scene_id", sceneID, "err", err)
		}
	}

	deadline := time.Now().Add(waitOffline)
	pending := sceneIDs

	for {
		scenes := make([]provider.Scene, 0, len(pending))
		for _, sceneID := range pending {
			scenes = append(scenes, provider.Scene{ID: sceneID})
		}

		start := time.Now()

		result, err := drv.DownloadAll(ctx, scenes, outputDir)
		if err != nil {
			return fmt.Errorf("download batch failed: %w", err)
		}

		a.recordBatch(tracker, providerName, result, time.Since(start))

		slog.Info("batch finished",
			"provider", providerName,
			"downloaded", len(result.Success),
			"scheduled", len(result.Scheduled),
			"failed", len(result.Failed),
		)

		pending = tracker.Pending()
		if len(pending) == 0 {
			break
		}

		if waitOffline <= 0 || time.Now().After(deadline) {
			slog.Warn("scenes left pending", "count", len(pending))

			break
		}

		slog.Info("waiting for offline scenes", "count", len(pending), "retry_in", offlinePollInterval.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(offlinePollInterval):
		}

		for _, sceneID := range pending {
			tracker.Request(sceneID)
		}
	}

	return nil
}

const offlinePollInterval = 5 * time.Minute

func (a *app) recordBatch(tracker *policy.Tracker, providerName string, result provider.BulkResult, elapsed time.Duration) {
	for _, scene := range result.Success {
		a.transition(tracker, scene.ID, policy.StateAvailable, nil)
		a.transition(tracker, scene.ID, policy.StateDownloading, nil)
		a.transition(tracker, scene.ID, policy.StateDownloaded, nil)

		if err := a.downloads.UpdateDownloadStatus(scene.ID, "downloaded", scene.Path); err != nil {
			slog.Warn("failed to update download status", "scene_id", scene.ID, "err", err)
		}

		a.tel.RecordDownload(providerName, "downloaded", elapsed)
	}

	for _, sceneID := range result.Scheduled {
		a.transition(tracker, sceneID, policy.StateOffline, nil)
		a.transition(tracker, sceneID, policy.StateOrdered, nil)

		if err := a.downloads.UpdateDownloadStatus(sceneID, "scheduled", ""); err != nil {
			slog.Warn("failed to update download status", "scene_id", sceneID, "err", err)
		}

		a.tel.RecordScheduled(providerName)
	}

	for _, sceneID := range result.Failed {
		record, _ := tracker.Transition(sceneID, policy.StateFailed, nil)

		status := "failed"
		if record.State == policy.StateTerminallyFailed {
			status = "terminally_failed"
		}

		if err := a.downloads.UpdateDownloadStatus(sceneID, status, ""); err != nil {
			slog.Warn("failed to update download status", "scene_id", sceneID, "err", err)
		}

		a.tel.RecordDownload(providerName, "failed", elapsed)
	}
}

func (a *app) transition(tracker *policy.Tracker, sceneID string, to policy.State, cause error) {
	if _, err := tracker.Transition(sceneID, to, cause); err != nil {
		slog.Debug("state transition skipped", "scene_id", sceneID, "state", string(to), "err", err)
	}
}
