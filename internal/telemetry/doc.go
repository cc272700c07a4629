// Package telemetry sets up OpenTelemetry tracing and metrics for
// conductord.
//
// # Overview
//
// Services obtain tracers and meters from the otel globals under their
// own instrumentation name. New installs OTLP-backed providers as those
// globals when telemetry is enabled, and leaves the no-op defaults in
// place otherwise. Exporter failures degrade telemetry instead of
// failing startup.
//
// # Usage
//
//	cfg, err := telemetry.FromConfig(appCfg, version)
//	tel, err := telemetry.New(ctx, cfg, telemetry.WithLogger(logger))
//	defer tel.Shutdown(context.Background())
//
// # Testing
//
// NewTestTelemetry records spans and metrics in memory. Install makes it
// the global provider so services created afterwards report to it.
package telemetry
