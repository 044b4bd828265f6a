package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect named jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status NAME",
		Short: "Show the persisted state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, s *session, args []string) error {
			rec, found, err := s.app.Compute().Record(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("read job %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintf(out, "%s\t%s\n", args[0], grid.JobIdle)
				return nil
			}
			fmt.Fprintf(out, "%s\t%s\trun=%s\tstarted=%s", rec.Name, rec.State, rec.RunID, rec.StartedAt.Format(time.RFC3339))
			if !rec.EndedAt.IsZero() {
				fmt.Fprintf(out, "\tended=%s", rec.EndedAt.Format(time.RFC3339))
			}
			if rec.Error != "" {
				fmt.Fprintf(out, "\terror=%q", rec.Error)
			}
			fmt.Fprintln(out)
			return nil
		}),
	})
	return cmd
}

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect and stop pipelines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status ID",
		Short: "Show the stage a pipeline is at",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, s *session, args []string) error {
			idx, found, err := s.app.Pipeline().ActiveStageIndex(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("read pipeline %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			switch {
			case !found:
				fmt.Fprintf(out, "%s\tnot started\n", args[0])
			case idx == grid.CompletedStageIndex:
				fmt.Fprintf(out, "%s\tcompleted\n", args[0])
			default:
				fmt.Fprintf(out, "%s\tstage %d\n", args[0], idx)
			}
			return nil
		}),
	}, &cobra.Command{
		Use:   "stop ID",
		Short: "Ask a pipeline to stop, in whichever process runs it",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, s *session, args []string) error {
			if err := s.app.Pipeline().Stop(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("stop pipeline %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
			return nil
		}),
	})
	return cmd
}
