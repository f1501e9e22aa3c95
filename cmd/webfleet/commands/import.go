package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/importer"
)

func newImportCommand() *cobra.Command {
	var (
		commit        bool
		provider      string
		env           string
		server        string
		serverAddress string
		baseDomain    string
	)

	cmd := &cobra.Command{
		Use:     "import <dir>",
		Aliases: []string{"migrate"},
		Short:   "Import legacy nginx and traefik configs into the state tree",
		Long: `Parse hand-written nginx .conf and traefik .yml files and reconstruct
the sites, upstream groups, servers and providers they describe.

The default is a dry run that lists what would be created. With --commit
documents are written, but never overwritten: state already in the tree
wins over the import, so re-running an import is safe.`,
		Example: `  # See what a directory of legacy configs would become
  webfleet import /etc/nginx/conf.d

  # Write the documents
  webfleet import /etc/nginx/conf.d --commit

  # File foreign configs under a specific scope
  webfleet import ./legacy --provider lunarsystemx --env qa --server web2 --commit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}

			def := app.settings.Import
			if provider != "" {
				def.ProviderID = provider
			}
			if env != "" {
				def.Environment = fleet.Environment(env)
			}
			if server != "" {
				def.ServerID = server
			}
			if serverAddress != "" {
				def.ServerAddress = serverAddress
			}
			if baseDomain != "" {
				def.BaseDomain = baseDomain
			}

			im, err := importer.NewImporter(app.settings.StateRoot, def,
				importer.WithLogger(app.logger.NewComponentLogger("import")))
			if err != nil {
				return err
			}

			result, err := im.ImportDir(args[0], commit)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printImportResult(result, commit)
			}

			if failed := result.Count(importer.StatusFailed); failed > 0 {
				return fmt.Errorf("%d document(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&commit, "commit", false, "write documents instead of reporting")
	cmd.Flags().StringVar(&provider, "provider", "", "provider for configs without a header")
	cmd.Flags().StringVar(&env, "env", "", "environment for configs without a header")
	cmd.Flags().StringVar(&server, "server", "", "server for configs without a header")
	cmd.Flags().StringVar(&serverAddress, "server-address", "", "address when the server document has to be created")
	cmd.Flags().StringVar(&baseDomain, "base-domain", "", "base domain when the provider document has to be created")

	return cmd
}

func printImportResult(result *importer.Result, commit bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tKIND\tNAME\tPATH")
	for _, a := range result.Actions {
		name := a.Name
		if a.Err != nil {
			name = fmt.Sprintf("%s (%v)", a.Name, a.Err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Status, a.Kind, name, a.Path)
	}
	w.Flush()

	if commit {
		fmt.Printf("\n%d created, %d skipped, %d failed\n",
			result.Count(importer.StatusCreated),
			result.Count(importer.StatusSkipped),
			result.Count(importer.StatusFailed))
	} else {
		fmt.Printf("\n%d planned, %d already present, %d failed (dry run, use --commit to write)\n",
			result.Count(importer.StatusPlanned),
			result.Count(importer.StatusSkipped),
			result.Count(importer.StatusFailed))
	}
}
