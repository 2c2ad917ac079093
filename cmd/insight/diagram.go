package main

import (
	"fmt"

	"github.com/dusk-indust/insight/internal/export"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/spf13/cobra"
)

func newDiagramCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diagram [project]",
		Short: "Print the stage graph as a Mermaid diagram",
		Long: `Print the stage dependency graph as a Mermaid flowchart. With a project,
nodes are styled by their current status.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g := pipeline.DefaultGraph()
			if len(args) == 0 {
				fmt.Fprint(cmd.OutOrStdout(), export.GenerateMermaid(g, nil, nil))
				return nil
			}

			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			contexts, err := st.Load(ctx, args[0])
			if err != nil {
				return err
			}
			statuses := make(map[pipeline.StageID]pipeline.StageStatus, len(contexts))
			for id, c := range contexts {
				statuses[id] = c.Status
			}
			blocked := orchestrator.BlockedStages(g, contexts, a.cfg.Pipeline.MaxRetries)
			fmt.Fprint(cmd.OutOrStdout(), export.GenerateMermaid(g, statuses, blocked))
			return nil
		},
	}
}
