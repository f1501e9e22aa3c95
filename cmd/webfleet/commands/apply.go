package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/reconcile"
)

func newApplyCommand() *cobra.Command {
	var (
		filters  filterFlags
		domain   string
		parallel int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile live servers with the desired state",
		Long: `Reconcile every selected site: regenerate its artifact, stage it,
validate it with the backend and activate it with a reload. A site whose
live artifact already matches the desired fingerprint is skipped. A site
that fails validation is rolled back to its previous artifact without
affecting the rest of the batch.`,
		Example: `  # Reconcile the whole fleet
  webfleet apply

  # Reconcile one provider's qa slice
  webfleet apply --provider lunarsystemx --env qa

  # Reconcile a single site
  webfleet apply --domain dev.example.com

  # Show what would change without touching anything
  webfleet apply --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.shutdown()

			filter, err := filters.filter()
			if err != nil {
				return err
			}

			graph, err := app.loadGraph()
			if err != nil {
				return err
			}

			opts := []reconcile.Option{
				reconcile.WithLogger(app.logger.NewComponentLogger("reconcile")),
				reconcile.WithBackendTimeout(app.settings.Apply.BackendTimeout),
				reconcile.WithMetrics(app.telemetry.Metrics),
				reconcile.WithTracer(app.telemetry.Tracer),
			}
			if dryRun {
				opts = append(opts, reconcile.WithDryRun())
			}
			if parallel > 0 {
				opts = append(opts, reconcile.WithWorkers(parallel))
			} else if app.settings.Apply.Workers > 0 {
				opts = append(opts, reconcile.WithWorkers(app.settings.Apply.Workers))
			}

			store, err := app.openHistory(cmd.Context())
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
				opts = append(opts, reconcile.WithRecorder(store))
			}

			mirror, err := app.mirror()
			if err != nil {
				return err
			}
			r := reconcile.NewReconciler(graph, app.generator(), app.controllers(), mirror, opts...)

			var report *reconcile.Report
			if domain != "" {
				report, err = r.ApplySite(cmd.Context(), domain)
			} else {
				report, err = r.Apply(cmd.Context(), reconcile.Selector{Filter: filter})
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printReport(report, dryRun)
			}

			if failed := len(report.Failed()); failed > 0 {
				return fmt.Errorf("%d of %d site(s) failed", failed, len(report.Results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&filters.provider, "provider", "p", "", "limit to one provider")
	cmd.Flags().StringVarP(&filters.env, "env", "e", "", "limit to one environment (dev, qa, prod)")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "reconcile a single site")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "worker count (default from settings)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without staging or activating")

	return cmd
}

func printReport(report *reconcile.Report, dryRun bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tBACKEND\tSTEP\tCHANGED\tERROR")
	for _, r := range report.Results {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", r.Domain, r.Backend, r.Step, r.Changed, errMsg)
	}
	w.Flush()

	verb := "reconciled"
	if dryRun {
		verb = "planned"
	}
	changed := 0
	for _, r := range report.Results {
		if r.Changed && r.Err == nil {
			changed++
		}
	}
	fmt.Printf("\nrun %s: %d %s, %d changed, %d failed", report.RunID, len(report.Results), verb, changed, len(report.Failed()))
	if report.Skipped > 0 {
		fmt.Printf(", %d skipped after cancellation", report.Skipped)
	}
	fmt.Printf(" in %s\n", report.Duration().Round(time.Millisecond))
}
