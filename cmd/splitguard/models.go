package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/splitguard/internal/registry"
)

func newModelsCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every stored model version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			reg, err := registry.New(cfg.Models.RegistryPath)
			if err != nil {
				return err
			}

			names, err := reg.ModelNames()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tVERSION\tTRAINED AT\tSTATUS")
			for _, name := range names {
				versions, err := reg.ListVersions(name)
				if err != nil {
					return err
				}
				for _, v := range versions {
					meta, err := reg.Metadata(name, v)
					if err != nil {
						fmt.Fprintf(tw, "%s\t%s\t-\tcorrupt: %v\n", name, v, err)
						continue
					}
					status := "trained"
					if !meta.IsTrained {
						status = "untrained"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, v, meta.TrainedAt.Format(time.RFC3339), status)
				}
			}
			return tw.Flush()
		},
	})
	return cmd
}
