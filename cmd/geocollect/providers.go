package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/geocollect/geocollect/internal/provider"
)

func newProvidersCmd(a *app) *cobra.Command {
	var withCollections bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the registered provider drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range provider.Names() {
				if !withCollections {
					fmt.Fprintln(cmd.OutOrStdout(), name)

					continue
				}

				drv, err := provider.New(name)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t(not configured: %v)\n", name, err)

					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, strings.Join(drv.Collections(), ","))
				drv.Disconnect(cmd.Context())
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&withCollections, "collections", false, "show the collections each provider serves")

	return cmd
}
