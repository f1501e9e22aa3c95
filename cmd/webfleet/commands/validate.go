package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/policy"
	"github.com/webfleet/webfleet/pkg/state"
)

func newValidateCommand() *cobra.Command {
	var (
		filters    filterFlags
		policyDir  string
		requireURI bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the desired-state tree and lint sites",
		Long: `Load the whole YAML tree, resolve every reference, and lint each site
against the builtin policies plus any operator .rego policies.

Schema and reference errors fail immediately. Policy violations of error
severity fail the command; warnings are printed but do not.`,
		Example: `  # Validate the tree and lint every site
  webfleet validate

  # Insist on explicit uri blocks on proxy routes
  webfleet validate --require-uri

  # Lint with operator policies from a directory
  webfleet validate --policies /etc/webfleet/policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}

			filter, err := filters.filter()
			if err != nil {
				return err
			}

			var loaderOpts []state.Option
			if requireURI {
				loaderOpts = append(loaderOpts, state.WithRequireURI())
			}
			graph, err := app.loadGraph(loaderOpts...)
			if err != nil {
				return err
			}

			engine := policy.NewEngine(policy.WithEngineLogger(app.logger.NewComponentLogger("policy")))

			dir := policyDir
			if dir == "" {
				dir = app.settings.PolicyDir
			}
			if dir != "" {
				loaded, err := policy.NewLoader(app.logger.NewComponentLogger("policy-loader")).LoadDir(dir)
				if err != nil {
					return err
				}
				for _, p := range loaded {
					if err := engine.AddPolicy(p); err != nil {
						return err
					}
				}
			}

			sites := graph.ListSites(filter)
			var all []policy.Violation
			errorCount := 0
			for _, site := range sites {
				upstreams, err := graph.SiteUpstreams(site)
				if err != nil {
					return err
				}
				res, err := engine.EvaluateSite(cmd.Context(), site, upstreams)
				if err != nil {
					return err
				}
				all = append(all, res.Violations...)
				errorCount += len(res.Errors())
			}

			if jsonOutput {
				if err := printJSON(all); err != nil {
					return err
				}
			} else {
				printViolations(all)
				fmt.Printf("\n%d site(s) checked, %d violation(s)\n", len(sites), len(all))
			}

			if errorCount > 0 {
				return fmt.Errorf("%d policy violation(s) of error severity", errorCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&filters.provider, "provider", "p", "", "limit to one provider")
	cmd.Flags().StringVarP(&filters.env, "env", "e", "", "limit to one environment (dev, qa, prod)")
	cmd.Flags().StringVar(&policyDir, "policies", "", "operator policy directory (overrides settings)")
	cmd.Flags().BoolVar(&requireURI, "require-uri", false, "reject proxy routes without an explicit uri block")

	return cmd
}

func printViolations(violations []policy.Violation) {
	if len(violations) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tDOMAIN\tPOLICY\tMESSAGE")
	for _, v := range violations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Severity, v.Domain, v.Policy, v.Message)
	}
	w.Flush()
}
