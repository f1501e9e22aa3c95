package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/importer"
	"github.com/webfleet/webfleet/pkg/propagate"
	"github.com/webfleet/webfleet/pkg/remote"
	"github.com/webfleet/webfleet/pkg/telemetry"
)

// Settings is the webfleet tool configuration.
type Settings struct {
	// StateRoot is the desired-state YAML tree root.
	StateRoot string `yaml:"state_root" validate:"required"`

	// StagingRoot holds artifacts between generation and propagation.
	StagingRoot string `yaml:"staging_root" validate:"required"`

	// LiveRoot is the tree the web engines read their configuration from.
	LiveRoot string `yaml:"live_root" validate:"required"`

	// HistoryPath is the SQLite run history database. Empty disables
	// history.
	HistoryPath string `yaml:"history_path"`

	// PolicyDir holds operator .rego policies loaded on top of the
	// builtins. Empty loads builtins only.
	PolicyDir string `yaml:"policy_dir"`

	// Logging configures structured log output.
	Logging LoggingSettings `yaml:"logging"`

	// Metrics configures the Prometheus endpoint for long-running modes.
	Metrics MetricsSettings `yaml:"metrics"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingSettings `yaml:"tracing"`

	// Apply configures the reconciler.
	Apply ApplySettings `yaml:"apply"`

	// Daemon configures the propagation daemon.
	Daemon propagate.DaemonConfig `yaml:"daemon"`

	// Import holds defaults for legacy config imports. Validated by the
	// importer when an import actually runs.
	Import importer.Defaults `yaml:"import" validate:"-"`

	// Remotes maps server IDs to SSH push targets.
	Remotes map[string]remote.Config `yaml:"remotes"`
}

// LoggingSettings configures log level and format.
type LoggingSettings struct {
	// Level is the minimum level emitted.
	Level string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format is console or json.
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
}

// MetricsSettings configures the metrics HTTP endpoint.
type MetricsSettings struct {
	// Enabled turns the endpoint on for daemon mode.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the endpoint bind address.
	ListenAddress string `yaml:"listen_address"`

	// Path is the scrape path.
	Path string `yaml:"path"`
}

// TracingSettings configures trace export.
type TracingSettings struct {
	// Enabled turns span recording and export on.
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address for the otlp exporter.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of runs traced, 0 to 1.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

// ApplySettings configures the reconciler.
type ApplySettings struct {
	// Workers bounds batch parallelism.
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`

	// BackendTimeout bounds each validate or reload invocation.
	BackendTimeout time.Duration `yaml:"backend_timeout"`
}

// Default returns settings with every field filled.
func Default() *Settings {
	return &Settings{
		StateRoot:   "/etc/webfleet/state",
		StagingRoot: "/var/lib/webfleet/staging",
		LiveRoot:    "/etc/webfleet/live",
		HistoryPath: "/var/lib/webfleet/history.db",
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Metrics: MetricsSettings{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
		Tracing: TracingSettings{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Apply: ApplySettings{
			Workers:        4,
			BackendTimeout: 30 * time.Second,
		},
		Daemon: propagate.DefaultDaemonConfig(),
		Import: importer.Defaults{
			Environment: fleet.EnvDev,
		},
	}
}

// Load reads settings from path, layered over defaults. Unknown keys are
// rejected so typos fail loudly.
func Load(path string) (*Settings, error) {
	settings := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fleet.NewSchemaError("opening settings file "+path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(settings); err != nil {
		return nil, fleet.NewSchemaError("parsing settings file "+path, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks field constraints and fills dependent defaults.
func (s *Settings) Validate() error {
	if s.Logging.Output == "" {
		s.Logging.Output = "stdout"
	}
	if s.Metrics.Path == "" {
		s.Metrics.Path = "/metrics"
	}
	if s.Metrics.Enabled && s.Metrics.ListenAddress == "" {
		s.Metrics.ListenAddress = ":9090"
	}
	if s.Tracing.Exporter == "" {
		s.Tracing.Exporter = "stdout"
	}
	if s.Apply.BackendTimeout <= 0 {
		s.Apply.BackendTimeout = 30 * time.Second
	}
	if s.Daemon.Mode == "" {
		s.Daemon.Mode = propagate.ModeAuto
	}

	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return fleet.NewSchemaError("invalid settings", err)
	}
	if !s.Daemon.Mode.Valid() {
		return fleet.NewSchemaError("invalid daemon mode "+string(s.Daemon.Mode), nil)
	}
	return nil
}

// Telemetry maps the settings onto the telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = s.Logging.Output
	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	cfg.Metrics.Path = s.Metrics.Path
	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure
	return cfg
}
