package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs and drift scans",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryDriftCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func openHistoryOrFail(cmd *cobra.Command) (*app, *history.Store, error) {
	app, err := loadApp()
	if err != nil {
		return nil, nil, err
	}
	store, err := app.openHistory(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("run history is disabled (history_path is empty)")
	}
	return app, store, nil
}

func newHistoryListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded reconciliation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openHistoryOrFail(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSELECTOR\tSTATUS\tSTARTED\tDURATION\tTOTAL\tCHANGED\tFAILED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					run.ID, run.Selector, run.Status,
					run.Started.Local().Format(time.RFC3339),
					run.Duration.Round(time.Millisecond),
					run.Total, run.Changed, run.Failed)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its per-site results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openHistoryOrFail(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(run)
			}

			fmt.Printf("run %s (%s)\nselector: %s\nstarted:  %s\nduration: %s\n\n",
				run.ID, run.Status, run.Selector,
				run.Started.Local().Format(time.RFC3339),
				run.Duration.Round(time.Millisecond))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tBACKEND\tSTEP\tCHANGED\tERROR")
			for _, r := range run.Results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", r.Domain, r.Backend, r.Step, r.Changed, r.Error)
			}
			w.Flush()

			if run.Skipped > 0 {
				fmt.Printf("\n%d site(s) skipped after cancellation\n", run.Skipped)
			}
			return nil
		},
	}

	return cmd
}

func newHistoryDriftCommand() *cobra.Command {
	var (
		domain string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "List recorded drift checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openHistoryOrFail(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			checks, err := store.ListDrift(cmd.Context(), domain, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(checks)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHECKED\tDOMAIN\tBACKEND\tSTATUS")
			for _, check := range checks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					check.CheckedAt.Local().Format(time.RFC3339),
					check.Record.Domain, check.Record.Backend, check.Record.Status)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&domain, "domain", "d", "", "limit to one site")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum checks to list")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs and drift checks older than a retention window",
		Example: `  # Keep 30 days of history
  webfleet history prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openHistoryOrFail(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("%d record(s) deleted\n", deleted)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention window")

	return cmd
}
