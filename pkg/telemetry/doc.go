// Package telemetry provides observability instrumentation for webfleet.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and Prometheus metrics into a unified system for
// monitoring reconciliation runs, drift detection, and the propagation
// daemon.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "webfleet"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Components obtain child loggers through NewComponentLogger and enrich
// them per operation:
//
//	log := tel.Logger.NewComponentLogger("reconciler").
//	    WithRunID(runID).
//	    WithDomain(site.Domain).
//	    WithBackend(string(site.Backend))
//
// # Metrics
//
// With metrics enabled, the following series are exported under the
// webfleet namespace:
//
//   - webfleet_applies_started_total{selector}
//   - webfleet_applies_completed_total{status}
//   - webfleet_apply_duration_seconds{status}
//   - webfleet_site_applies_total{backend,status}
//   - webfleet_site_apply_duration_seconds{backend,status}
//   - webfleet_artifacts_generated_total{backend}
//   - webfleet_drift_checks_total{backend,status}
//   - webfleet_backend_calls_total{backend,operation}
//   - webfleet_backend_call_duration_seconds{backend,operation}
//   - webfleet_validation_failures_total{backend}
//   - webfleet_rollbacks_total{backend}
//   - webfleet_propagations_total{status}
//   - webfleet_reloads_total{backend,status}
//   - webfleet_orphans_pruned_total
//   - webfleet_errors_by_kind_total{kind}
//   - webfleet_active_applies
//   - webfleet_pending_reloads
//
// # Tracing
//
// Tracing is disabled by default and, when enabled, exports through the
// stdout or OTLP gRPC exporter. Spans cover apply runs, per-site
// reconciliations, and backend engine invocations.
package telemetry
