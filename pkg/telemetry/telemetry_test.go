package telemetry

import (
	"context"
	"testing"
)

func TestNewTelemetryBuildsAllComponents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceVersion = "test"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil {
		t.Fatalf("incomplete bundle: %+v", tel)
	}

	ctx, span := tel.Tracer.StartApplySpan(context.Background(), "run-1")
	if !span.IsRecording() {
		t.Error("apply span not recording with tracing enabled")
	}
	_, site := tel.Tracer.StartSiteSpan(ctx, "dev.example.com", "nginx")
	if !site.IsRecording() {
		t.Error("site span not recording with tracing enabled")
	}
	site.End()
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewTelemetryRejectsBadExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("bad exporter accepted")
	}
}

func TestNoopTracerSpansAreInert(t *testing.T) {
	tr := NoopTracer()
	_, span := tr.StartBackendSpan(context.Background(), "nginx", "validate")
	if span.IsRecording() {
		t.Error("noop tracer produced a recording span")
	}
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
