package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/geocollect/geocollect/internal/provider"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		providerName string
		startDate    string
		endDate      string
		bbox         string
		cloudCover   float64
		tile         string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "search <collection>",
		Short: "Query a provider catalog and print matching scenes as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := args[0]

			name, err := a.resolveProvider(providerName, collection)
			if err != nil {
				return err
			}

			drv, err := provider.New(name)
			if err != nil {
				return err
			}
			defer drv.Disconnect(cmd.Context())

			opts := provider.SearchOptions{
				StartDate:  startDate,
				EndDate:    endDate,
				CloudCover: cloudCover,
				Tile:       tile,
				MaxResults: limit,
			}

			if bbox != "" {
				opts.BBox, err = parseBBox(bbox)
				if err != nil {
					return err
				}
			}

			scenes, err := drv.Search(cmd.Context(), collection, opts)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if err := a.collections.RegisterCollection(name, collection); err != nil {
				slog.Warn("failed to register collection", "err", err)
			}

			slog.Info("search finished", "provider", name, "collection", collection, "scenes", len(scenes))

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")

			return encoder.Encode(scenes)
		},
	}

	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider driver to use (default: resolved from the catalog)")
	cmd.Flags().StringVar(&startDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endDate, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&bbox, "bbox", "", "bounding box as west,south,east,north")
	cmd.Flags().Float64Var(&cloudCover, "cloud-cover", 0, "maximum cloud cover percentage")
	cmd.Flags().StringVar(&tile, "tile", "", "grid tile identifier")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of scenes to return")

	return cmd
}

// resolveProvider picks the driver: an explicit --provider wins, otherwise
// the catalog is asked which provider served the collection before.
func (a *app) resolveProvider(name, collection string) (string, error) {
	if name != "" {
		return name, nil
	}

	providers, err := a.collections.ProvidersFor(collection)
	if err != nil {
		return "", fmt.Errorf("failed to resolve provider: %w", err)
	}

	if len(providers) == 0 {
		return "", fmt.Errorf("no provider registered for collection %s, pass --provider", collection)
	}

	return providers[0], nil
}

func parseBBox(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 coordinates, got %d", len(parts))
	}

	coords := make([]float64, 4)

	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", part, err)
		}

		coords[i] = value
	}

	return coords, nil
}
