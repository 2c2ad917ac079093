package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newResetCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <project>",
		Short: "Clear every stage of a project back to pending",
		Long: `Cancel any evaluation running for the project in this process, wait for the
project lock and delete every stage result. The project starts over on the
next run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := args[0]
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Reset all stages of %s? [y/N] ", project)
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				switch strings.ToLower(strings.TrimSpace(answer)) {
				case "y", "yes":
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			w, err := a.openPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.pipeline.ResetPipeline(cmd.Context(), project); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", project)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
