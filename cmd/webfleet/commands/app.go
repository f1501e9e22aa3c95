package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/webfleet/webfleet/pkg/backend"
	"github.com/webfleet/webfleet/pkg/config"
	"github.com/webfleet/webfleet/pkg/emit"
	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/history"
	"github.com/webfleet/webfleet/pkg/propagate"
	"github.com/webfleet/webfleet/pkg/state"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// defaultSettingsPaths are tried in order when --config is not given.
var defaultSettingsPaths = []string{
	"webfleet.yml",
	"/etc/webfleet/webfleet.yml",
}

// app bundles the wiring every command needs.
type app struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger
}

func loadApp() (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	if verbose {
		settings.Logging.Level = "debug"
	}
	if jsonOutput {
		settings.Logging.Format = "json"
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry(cliVersion))
	if err != nil {
		return nil, err
	}

	return &app{settings: settings, telemetry: tel, logger: tel.Logger}, nil
}

// shutdown flushes pending telemetry. Deferred by commands that trace.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Debug("Telemetry shutdown failed")
	}
}

func loadSettings() (*config.Settings, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	for _, path := range defaultSettingsPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	settings := config.Default()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (a *app) loadGraph(opts ...state.Option) (*state.Graph, error) {
	opts = append(opts, state.WithLogger(a.logger))
	return state.NewLoader(opts...).Load(a.settings.StateRoot)
}

func (a *app) mirror() (*propagate.Mirror, error) {
	opts, err := a.settings.Daemon.MirrorOptions()
	if err != nil {
		return nil, err
	}
	return propagate.NewMirror(a.settings.StagingRoot, a.settings.LiveRoot, opts...), nil
}

func (a *app) controllers() map[fleet.BackendType]fleet.BackendController {
	return backend.Controllers()
}

func (a *app) generator() *emit.Generator {
	return emit.DefaultGenerator()
}

// openHistory returns nil without error when history is disabled.
func (a *app) openHistory(ctx context.Context) (*history.Store, error) {
	if a.settings.HistoryPath == "" {
		return nil, nil
	}
	store, err := history.NewStore(history.Config{Path: a.settings.HistoryPath},
		history.WithStoreLogger(a.logger.NewComponentLogger("history")))
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// filterFlags holds the provider and environment selection shared by apply,
// drift and sites.
type filterFlags struct {
	provider string
	env      string
}

func (f *filterFlags) filter() (state.Filter, error) {
	env := fleet.Environment(f.env)
	if f.env != "" && !env.Valid() {
		return state.Filter{}, fmt.Errorf("invalid environment %q (want dev, qa or prod)", f.env)
	}
	return state.Filter{Provider: f.provider, Environment: env}, nil
}
