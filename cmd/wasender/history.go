package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"wasender/internal/domain"
	"wasender/internal/store"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs from the run store",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded yet.")
				return nil
			}
			printRuns(os.Stdout, runs)
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one run and its per-recipient outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			run, err := st.GetRun(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no run with id %s", args[0])
			}
			if err != nil {
				return err
			}
			outcomes, err := st.GetOutcomes(ctx, run.ID)
			if err != nil {
				return err
			}
			printRun(os.Stdout, run, outcomes)
			return nil
		},
	})

	return cmd
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("run store is disabled (store.enabled=false)")
	}
	return store.Open(cfg.Store.DBPath, logger)
}

func printRuns(w io.Writer, runs []domain.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tTOTAL\tSENT\tFAILED\tUNCONFIRMED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.Total, r.Sent, r.Failed, r.Unconfirmed)
	}
	tw.Flush()
}

func printRun(w io.Writer, run *domain.RunRecord, outcomes []domain.Outcome) {
	fmt.Fprintf(w, "Run:        %s\n", run.ID)
	fmt.Fprintf(w, "Status:     %s\n", run.Status)
	fmt.Fprintf(w, "Started:    %s\n", run.StartedAt.Local().Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Finished:   %s (%s)\n", run.FinishedAt.Local().Format(time.DateTime), run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "Recipients: %s\n", run.RecipientsPath)
	fmt.Fprintf(w, "Template:   %s\n", run.TemplatePath)
	for _, img := range run.Images {
		fmt.Fprintf(w, "Image:      %s\n", img)
	}
	if run.DocumentPath != "" {
		fmt.Fprintf(w, "Document:   %s\n", run.DocumentPath)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", run.Error)
	}
	fmt.Fprintf(w, "Totals:     %d sent, %d failed, %d unconfirmed of %d\n\n", run.Sent, run.Failed, run.Unconfirmed, run.Total)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tIDENTITY\tSTATUS\tPOLLS\tIMAGES\tDOC\tREASON")
	for _, o := range outcomes {
		doc := "-"
		if o.Document {
			doc = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n", o.Row, o.Identity, o.Status, o.PollAttempts, o.Images, doc, o.Reason)
	}
	tw.Flush()
}
