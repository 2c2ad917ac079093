package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/status"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Run one evaluation cycle",
		Long: `Run one evaluation cycle: execute every runnable stage in dependency order
until nothing more can run, then print which stages completed, failed, are
blocked or still pending.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.openPipeline(cmd.Context())
			if err != nil {
				return err
			}
			printed := printEvents(cmd.ErrOrStderr(), w.pipeline.Progress())
			defer func() {
				w.Close()
				<-printed
			}()

			sum, err := w.pipeline.RunPipeline(cmd.Context(), args[0])
			return writeCycle(cmd.OutOrStdout(), sum, err, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle summary as JSON")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "retry <project> <stage>",
		Short: "Reset a failed stage and run a cycle",
		Long: `Reset a failed, blocked or stale stage to pending with a fresh retry budget
and run one evaluation cycle. Complete stages cannot be retried; use reset
to start the project over.`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: stageNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := pipeline.ParseStageID(args[1])
			if err != nil {
				return err
			}
			w, err := a.openPipeline(cmd.Context())
			if err != nil {
				return err
			}
			printed := printEvents(cmd.ErrOrStderr(), w.pipeline.Progress())
			defer func() {
				w.Close()
				<-printed
			}()

			sum, err := w.pipeline.RetryStage(cmd.Context(), args[0], stage)
			return writeCycle(cmd.OutOrStdout(), sum, err, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle summary as JSON")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		interval  time.Duration
		maxCycles int
	)

	cmd := &cobra.Command{
		Use:   "watch <project>",
		Short: "Run cycles on an interval until the pipeline settles",
		Long: `Run an evaluation cycle every --interval until every stage is complete or
every incomplete stage is blocked. Rate-limited stages are picked up once
their cooldown ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := a.openPipeline(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
			s.Suffix = " starting"
			s.Start()
			defer s.Stop()

			go func() {
				for ev := range w.pipeline.Progress() {
					s.Lock()
					s.Suffix = " " + orchestrator.FormatProgress(ev)
					s.Unlock()
				}
			}()

			out := cmd.OutOrStdout()
			for cycle := 1; ; cycle++ {
				sum, err := w.pipeline.RunPipeline(ctx, args[0])
				if err != nil {
					s.Stop()
					return writeCycle(out, sum, err, false)
				}
				if sum.Settled() || (maxCycles > 0 && cycle >= maxCycles) {
					s.Stop()
					status.RenderSummary(out, sum)
					return nil
				}

				s.Lock()
				s.Suffix = fmt.Sprintf(" cycle %d: %d complete, next run in %s", cycle, len(sum.Completed), interval)
				s.Unlock()

				timer := time.NewTimer(interval)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between cycles")
	cmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "stop after this many cycles (0 means no limit)")
	return cmd
}

// printEvents writes progress lines, with a header whenever the cycle
// changes, until ch is closed. The returned channel closes when it is done.
func printEvents(w io.Writer, ch <-chan orchestrator.ProgressEvent) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		cycle := ""
		for ev := range ch {
			if ev.CycleID != "" && ev.CycleID != cycle {
				cycle = ev.CycleID
				fmt.Fprintln(w, orchestrator.FormatCycleHeader(ev.ProjectID, ev.CycleID))
			}
			fmt.Fprintln(w, orchestrator.FormatProgress(ev))
		}
	}()
	return done
}

// writeCycle prints sum (when there is one) and passes err through.
func writeCycle(w io.Writer, sum *orchestrator.CycleSummary, err error, asJSON bool) error {
	if sum == nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(sum); encErr != nil && err == nil {
			err = encErr
		}
		return err
	}
	status.RenderSummary(w, sum)
	return err
}

func stageNames() []string {
	var out []string
	for _, id := range pipeline.AllStages() {
		out = append(out, string(id))
	}
	return out
}
