package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/insight/pkg/journal"
	"github.com/pario-ai/insight/pkg/models"
)

func newRunsCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query and manage the run journal",
	}

	cmd.AddCommand(
		newRunsSearchCmd(load),
		newRunsStatsCmd(load),
		newRunsCleanupCmd(load),
	)
	return cmd
}

func newRunsSearchCmd(load configLoader) *cobra.Command {
	var (
		subject   string
		operation string
		outcome   string
		since     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search journaled runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(load)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.RunQueryOpts{
				SubjectID: subject,
				Operation: operation,
				Outcome:   models.RunOutcome(outcome),
				Limit:     limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			runs, err := j.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			return writeRuns(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "filter by subject")
	cmd.Flags().StringVarP(&operation, "operation", "o", "", "filter by operation")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (done, error, cancelled)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs to return")
	return cmd
}

func newRunsStatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show run counts by operation, day and outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(load)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := j.Stats(context.Background())
			if err != nil {
				return err
			}
			return writeRunStats(cmd.OutOrStdout(), stats)
		},
	}
}

func newRunsCleanupCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete runs older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(load)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := j.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs.\n", deleted)
			return nil
		},
	}
}

func openJournal(load configLoader) (*journal.Journal, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	j, err := journal.New(cfg.Journal)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return j, func() { _ = j.Close() }, nil
}

func writeRuns(out io.Writer, runs []models.RunRecord) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "No runs found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSUBJECT\tOPERATION\tOUTCOME\tCHARS\tCACHED\tLATENCY\tTIME\tERROR")
	for _, r := range runs {
		cached := "no"
		if r.Cached {
			cached = "yes"
		}
		errText := "-"
		if r.Error != "" {
			errText = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%dms\t%s\t%s\n",
			r.RunID, r.SubjectID, r.Operation, r.Outcome, r.Chars, cached,
			r.LatencyMs, r.CreatedAt.Local().Format("2006-01-02T15:04:05"), errText)
	}
	return w.Flush()
}

func writeRunStats(out io.Writer, stats []models.RunStat) error {
	if len(stats) == 0 {
		_, err := fmt.Fprintln(out, "No run stats found.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tOPERATION\tOUTCOME\tCOUNT\tAVG MS")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\n", s.Day, s.Operation, s.Outcome, s.Count, s.AvgMs)
	}
	return w.Flush()
}
