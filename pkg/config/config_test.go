package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/webfleet/webfleet/pkg/fleet"
	"github.com/webfleet/webfleet/pkg/propagate"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webfleet.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeSettings(t, `
state_root: /srv/fleet/state
staging_root: /srv/fleet/staging
live_root: /srv/fleet/live
logging:
  level: debug
apply:
  workers: 8
  backend_timeout: 10s
daemon:
  mode: poll
  poll_interval: 15s
  file_mode: "0640"
tracing:
  enabled: true
  exporter: none
import:
  provider: lunarsystemx
  environment: qa
  server: web2
remotes:
  web2:
    host: 10.0.0.20
    user: deploy
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.StateRoot != "/srv/fleet/state" {
		t.Errorf("state_root = %s", s.StateRoot)
	}
	if s.Logging.Level != "debug" || s.Logging.Format != "console" {
		t.Errorf("logging = %+v, want debug level with default console format", s.Logging)
	}
	if s.Apply.Workers != 8 || s.Apply.BackendTimeout != 10*time.Second {
		t.Errorf("apply = %+v", s.Apply)
	}
	if s.Daemon.Mode != propagate.ModePoll || s.Daemon.PollInterval != 15*time.Second {
		t.Errorf("daemon = %+v", s.Daemon)
	}
	if s.Daemon.Debounce != propagate.DefaultDaemonConfig().Debounce {
		t.Errorf("debounce = %s, want default", s.Daemon.Debounce)
	}
	if s.Daemon.FileMode != "0640" {
		t.Errorf("file_mode = %q", s.Daemon.FileMode)
	}
	if !s.Tracing.Enabled || s.Tracing.Exporter != "none" {
		t.Errorf("tracing = %+v", s.Tracing)
	}
	if s.Tracing.SamplingRate != 1.0 {
		t.Errorf("sampling_rate = %v, want default 1.0", s.Tracing.SamplingRate)
	}
	if s.Import.ProviderID != "lunarsystemx" || s.Import.Environment != fleet.EnvQA {
		t.Errorf("import = %+v", s.Import)
	}
	if len(s.Remotes) != 1 || s.Remotes["web2"].Host != "10.0.0.20" {
		t.Errorf("remotes = %+v", s.Remotes)
	}
	if s.HistoryPath == "" {
		t.Error("history_path default dropped")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeSettings(t, "state_roots: /tmp/state\n")

	if _, err := Load(path); !fleet.IsSchema(err) {
		t.Errorf("err = %v, want schema error", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); !fleet.IsSchema(err) {
		t.Errorf("err = %v, want schema error", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty state root", func(s *Settings) { s.StateRoot = "" }},
		{"bad log level", func(s *Settings) { s.Logging.Level = "loud" }},
		{"bad log format", func(s *Settings) { s.Logging.Format = "xml" }},
		{"zero workers", func(s *Settings) { s.Apply.Workers = 0 }},
		{"bad daemon mode", func(s *Settings) { s.Daemon.Mode = "push" }},
		{"bad trace exporter", func(s *Settings) { s.Tracing.Exporter = "jaeger" }},
		{"sampling rate above one", func(s *Settings) { s.Tracing.SamplingRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			if err := s.Validate(); !fleet.IsSchema(err) {
				t.Errorf("err = %v, want schema error", err)
			}
		})
	}
}

func TestTelemetryMapping(t *testing.T) {
	s := Default()
	s.Logging.Level = "warn"
	s.Logging.Format = "json"
	s.Metrics.Enabled = true
	s.Metrics.ListenAddress = ":9191"
	s.Tracing.Enabled = true
	s.Tracing.Exporter = "otlp"
	s.Tracing.Endpoint = "collector:4317"
	s.Tracing.SamplingRate = 0.25

	cfg := s.Telemetry("1.2.3")
	if cfg.ServiceVersion != "1.2.3" {
		t.Errorf("version = %s", cfg.ServiceVersion)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != ":9191" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.Endpoint != "collector:4317" || cfg.Tracing.SamplingRate != 0.25 {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
}
