package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tracked scene downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			downloads, err := a.downloads.GetDownloads(status)
			if err != nil {
				return fmt.Errorf("failed to read catalog: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCENE\tPROVIDER\tSTATUS\tATTEMPTS\tPATH")

			for _, record := range downloads {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					record.SceneID, record.Provider, record.Status, record.Attempts, record.FilePath)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "filter", "", "only show downloads with this status")

	return cmd
}
