package commands

import (
	"fmt"
	"path"
	"sort"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/backend"
	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/remote"
)

func newPushCommand() *cobra.Command {
	var (
		remoteRoot string
		reload     bool
	)

	cmd := &cobra.Command{
		Use:   "push <server>",
		Short: "Push the staging tree to a remote server over SSH",
		Long: `Synchronize the staging tree to a remote server's live tree with SFTP:
stale artifacts are replaced atomically and orphans are pruned, exactly
like the local mirror. The server must appear under remotes in the
settings file.

With --reload, affected backends are validated and reloaded over the
same SSH session after the files land; without it, activation is left
to a daemon or operator on that host.`,
		Example: `  # Push staged artifacts to web2
  webfleet push web2

  # Push and activate in one step
  webfleet push web2 --reload

  # Push to a non-standard live tree location
  webfleet push web2 --remote-root /srv/webfleet/live`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverID := args[0]

			app, err := loadApp()
			if err != nil {
				return err
			}

			cfg, ok := app.settings.Remotes[serverID]
			if !ok {
				known := make([]string, 0, len(app.settings.Remotes))
				for id := range app.settings.Remotes {
					known = append(known, id)
				}
				sort.Strings(known)
				return fmt.Errorf("server %q is not configured under remotes (known: %v)", serverID, known)
			}

			client, err := remote.NewClient(&cfg,
				remote.WithClientLogger(app.logger.NewComponentLogger("remote")))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Dial(cmd.Context()); err != nil {
				return err
			}

			target := remote.NewTarget(client, remoteRoot)
			result, err := target.Sync(cmd.Context(), app.settings.StagingRoot)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}

			for _, rel := range result.Propagated {
				fmt.Println("pushed", rel)
			}
			for _, rel := range result.Pruned {
				fmt.Println("pruned", rel)
			}
			fmt.Printf("%d pushed, %d pruned on %s\n", len(result.Propagated), len(result.Pruned), serverID)

			if !reload {
				if len(result.Backends) > 0 {
					fmt.Printf("affected backends: %v (reload on the remote host to activate)\n", result.Backends)
				}
				return nil
			}

			// Validation runs over the same SSH session; traefik's
			// file parse uses the staged local copy, which holds the
			// same bytes that just landed remotely.
			controllers := backend.Controllers(backend.WithRunner(client.Run))
			samplePath := make(map[string]string)
			for _, rel := range result.Propagated {
				if b, _, ok := emit.ParseArtifactRelPath(rel); ok {
					if _, seen := samplePath[string(b)]; !seen {
						samplePath[string(b)] = path.Join(app.settings.StagingRoot, rel)
					}
				}
			}
			for _, b := range result.Backends {
				ctrl, ok := controllers[b]
				if !ok {
					return fmt.Errorf("no controller for backend %s", b)
				}
				if err := ctrl.Validate(cmd.Context(), samplePath[string(b)]); err != nil {
					return err
				}
				if err := ctrl.Reload(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("%s validated and reloaded on %s\n", b, serverID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteRoot, "remote-root", "/etc/webfleet/live", "live tree root on the remote host")
	cmd.Flags().BoolVar(&reload, "reload", false, "validate and reload affected backends over SSH after pushing")

	return cmd
}
