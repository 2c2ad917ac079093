package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/status"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show stage status for a project, or list projects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				projects, err := st.ListProjects(ctx)
				if err != nil {
					return err
				}
				listProjects(out, projects)
				return nil
			}

			project := args[0]
			progress, err := st.Progress(ctx, project)
			if err != nil {
				return err
			}
			contexts, err := st.Load(ctx, project)
			if err != nil {
				return err
			}
			phase := pipeline.ProjectPhase(progress.PerStage)
			view := &orchestrator.ProgressView{
				Progress: progress,
				Phase:    phase,
				Redirect: pipeline.RedirectFor(phase, project, a.cfg.Routes),
			}
			report := status.BuildReport(view, pipeline.DefaultGraph(), contexts, a.cfg.Pipeline.MaxRetries)
			status.Render(out, report, time.Now())
			return nil
		},
	}
}

func listProjects(w io.Writer, projects []pipeline.ProjectProgress) {
	if len(projects) == 0 {
		fmt.Fprintln(w, "no projects yet; start one with: insight run <project>")
		return
	}
	total := len(pipeline.AllStages())
	fmt.Fprintf(w, "%-24s  %-12s  %-8s  %s\n", "PROJECT", "PHASE", "COMPLETE", "UPDATED")
	for _, p := range projects {
		complete := 0
		for _, s := range p.PerStage {
			if s == pipeline.StatusComplete {
				complete++
			}
		}
		fmt.Fprintf(w, "%-24s  %-12s  %d/%-6d  %s\n",
			p.ProjectID,
			pipeline.ProjectPhase(p.PerStage),
			complete, total,
			p.UpdatedAt.Local().Format(time.DateTime),
		)
	}
}
