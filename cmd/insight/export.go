package main

import (
	"io"
	"os"

	"github.com/dusk-indust/insight/internal/export"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	var (
		format  string
		output  string
		results bool
	)

	cmd := &cobra.Command{
		Use:   "export <project>",
		Short: "Export stage state and results as JSON or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			e, err := export.ExportProject(ctx, st, args[0], export.Options{
				Graph:       pipeline.DefaultGraph(),
				Routes:      a.cfg.Routes,
				MaxRetries:  a.cfg.Pipeline.MaxRetries,
				WithResults: results,
			})
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return eris.Wrapf(err, "create %s", output)
				}
				defer f.Close()
				w = f
			}
			return export.Write(w, format, e)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&results, "results", false, "include stage result payloads")
	return cmd
}
