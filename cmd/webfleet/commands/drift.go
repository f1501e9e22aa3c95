package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/drift"
	"github.com/webfleet/webfleet/pkg/fleet"
)

func newDriftCommand() *cobra.Command {
	var (
		filters filterFlags
		domain  string
		record  bool
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect drift between desired state and live artifacts",
		Long: `Compare freshly generated artifacts with what is live on disk.

Detection is read-only: it reports in-sync, diverged, missing-live and
missing-desired without changing anything. Run apply to converge. The
exit code is non-zero when any site has drifted, so the command can gate
cron checks and CI.`,
		Example: `  # Scan the whole fleet
  webfleet drift

  # Scan one environment and keep a record in history
  webfleet drift --env prod --record

  # Check a single site
  webfleet drift --domain dev.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}

			filter, err := filters.filter()
			if err != nil {
				return err
			}

			graph, err := app.loadGraph()
			if err != nil {
				return err
			}

			detector := drift.NewDetector(graph, app.generator(), app.settings.LiveRoot,
				drift.WithLogger(app.logger.NewComponentLogger("drift")))

			var records []fleet.DriftRecord
			if domain != "" {
				site, err := graph.ResolveSite(domain)
				if err != nil {
					return err
				}
				rec, err := detector.CheckSite(site)
				if err != nil {
					return err
				}
				records = []fleet.DriftRecord{rec}
			} else {
				records, err = detector.Scan(filter)
				if err != nil {
					return err
				}
			}

			if record {
				store, err := app.openHistory(cmd.Context())
				if err != nil {
					return err
				}
				if store != nil {
					defer store.Close()
					if err := store.RecordDrift(cmd.Context(), records); err != nil {
						return err
					}
				}
			}

			drifted := 0
			for _, rec := range records {
				if rec.Status != fleet.DriftInSync {
					drifted++
				}
			}

			if jsonOutput {
				if err := printJSON(records); err != nil {
					return err
				}
			} else if !quiet {
				printDrift(records)
			}

			if drifted > 0 {
				return fmt.Errorf("%d of %d artifact(s) drifted", drifted, len(records))
			}
			if !jsonOutput && !quiet {
				fmt.Printf("\n%d artifact(s) in sync\n", len(records))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&filters.provider, "provider", "p", "", "limit to one provider")
	cmd.Flags().StringVarP(&filters.env, "env", "e", "", "limit to one environment (dev, qa, prod)")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "check a single site")
	cmd.Flags().BoolVar(&record, "record", false, "persist the scan in run history")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the table, exit code only")

	return cmd
}

func printDrift(records []fleet.DriftRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tBACKEND\tSTATUS\tPATH")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Domain, rec.Backend, rec.Status, rec.Path)
	}
	w.Flush()
}
