package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webfleet/webfleet/pkg/propagate"
)

func newDaemonCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the propagation daemon",
		Long: `Watch the staging tree and keep the live tree converged with it:
changed artifacts are copied over, orphans are pruned, and affected
backends are validated and reloaded after a quiet period so bursts of
changes coalesce into one reload.

In events mode the staging tree is watched with inotify; poll mode
rescans on an interval. Auto tries events and falls back to polling.`,
		Example: `  # Run with settings-file configuration
  webfleet daemon

  # Force polling on filesystems without inotify
  webfleet daemon --mode poll`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.shutdown()

			cfg := app.settings.Daemon
			if mode != "" {
				cfg.Mode = propagate.Mode(mode)
				if !cfg.Mode.Valid() {
					return fmt.Errorf("invalid mode %q (want auto, events or poll)", mode)
				}
			}

			opts := []propagate.DaemonOption{
				propagate.WithDaemonLogger(app.logger.NewComponentLogger("propagate")),
				propagate.WithDaemonMetrics(app.telemetry.Metrics),
			}
			if app.settings.Metrics.Enabled {
				if err := app.telemetry.StartMetricsServer(); err != nil {
					return err
				}
			}

			mirror, err := app.mirror()
			if err != nil {
				return err
			}
			daemon := propagate.NewDaemon(mirror, app.controllers(), cfg, opts...)
			return daemon.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "change detection mode: auto, events or poll")

	return cmd
}
