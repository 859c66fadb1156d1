package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ot-sentinel/internal/schema"
)

var (
	runsShowAll   bool
	runsShowLimit int
	runsArchiveN  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and archive agent runs",
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print an agent run, or list runs newest first with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !runsShowAll && len(args) == 0 {
			return errors.New("a run id or --all is required")
		}
		ctx := cmd.Context()
		a := newApp(cfg)
		defer a.close()
		store, err := a.runStore(ctx)
		if err != nil {
			return err
		}

		if runsShowAll {
			runs, err := store.List(ctx, runsShowLimit)
			if err != nil {
				return err
			}
			return printRunTable(cmd.OutOrStdout(), runs)
		}

		run, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	},
}

var runsArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload finished agent runs to S3",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := newApp(cfg)
		defer a.close()
		archiver, err := a.runArchiver(ctx)
		if err != nil {
			return err
		}
		store, err := a.runStore(ctx)
		if err != nil {
			return err
		}
		runs, err := store.List(ctx, runsArchiveN)
		if err != nil {
			return err
		}

		manifests, err := archiver.Archive(ctx, runs)
		for _, m := range manifests {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %d run(s)  %s\n", m.ID, m.RunCount, m.Key)
		}
		if err != nil {
			return err
		}
		if len(manifests) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to archive")
		}
		return nil
	},
}

var runsRestoreCmd = &cobra.Command{
	Use:   "restore <archive-id>",
	Short: "Print the runs stored in an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := newApp(cfg)
		defer a.close()
		archiver, err := a.runArchiver(ctx)
		if err != nil {
			return err
		}
		runs, err := archiver.Restore(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), runs)
	},
}

func init() {
	runsShowCmd.Flags().BoolVar(&runsShowAll, "all", false, "list all runs")
	runsShowCmd.Flags().IntVar(&runsShowLimit, "limit", 50, "maximum runs listed with --all (0 for no limit)")
	runsArchiveCmd.Flags().IntVar(&runsArchiveN, "scan", 0, "number of most recent runs to consider (0 for all)")

	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsArchiveCmd)
	runsCmd.AddCommand(runsRestoreCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRunTable(w io.Writer, runs []*schema.AgentRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tINCIDENT\tSTARTED\tOUTCOME\tSTEPS\tLAST STEP")
	for _, r := range runs {
		last := "-"
		if n := len(r.Steps); n > 0 {
			last = fmt.Sprintf("%s: %s", r.Steps[n-1].Type, r.Steps[n-1].Summary)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.IncidentID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Outcome, len(r.Steps), last)
	}
	return tw.Flush()
}
