// Package telemetry provides OpenTelemetry integration for streambed.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	STREAMBED_OTEL_ENABLED=true       enable telemetry (default: off)
//	STREAMBED_OTEL_STDOUT=true        write metrics to stdout (dev mode)
//	OTEL_EXPORTER_OTLP_ENDPOINT=...   OTLP/HTTP endpoint
//	OTEL_SERVICE_NAME=streambed       override service name
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/steveyegge/streambed"

var (
	mu          sync.Mutex
	shutdownFns []func(context.Context) error
)

// Enabled reports whether telemetry is active.
func Enabled() bool {
	return os.Getenv("STREAMBED_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When STREAMBED_OTEL_ENABLED is
// not "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	var readers []sdkmetric.Option
	if os.Getenv("STREAMBED_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
	}
	if len(readers) == 0 {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	mp := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
	otel.SetMeterProvider(mp)

	mu.Lock()
	shutdownFns = append(shutdownFns, mp.Shutdown)
	mu.Unlock()
	return nil
}

// Shutdown flushes and stops every installed provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fns := shutdownFns
	shutdownFns = nil
	mu.Unlock()
	var first error
	for _, fn := range fns {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Meter returns the engine's meter.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// Counters used across the engine. All calls are no-ops when telemetry is
// disabled.
var (
	countersOnce sync.Once

	commitCounter    metric.Int64Counter
	eventCounter     metric.Int64Counter
	migrationCounter metric.Int64Counter
	backupCounter    metric.Int64Counter
)

func counters() {
	countersOnce.Do(func() {
		m := Meter()
		commitCounter, _ = m.Int64Counter("streambed.commits",
			metric.WithDescription("Committed leased sessions"))
		eventCounter, _ = m.Int64Counter("streambed.events.appended",
			metric.WithDescription("Events appended across all streams"))
		migrationCounter, _ = m.Int64Counter("streambed.migrations",
			metric.WithDescription("Completed live migrations"))
		backupCounter, _ = m.Int64Counter("streambed.backups",
			metric.WithDescription("Completed backups"))
	})
}

// RecordCommit counts one committed session with n appended events.
func RecordCommit(ctx context.Context, n int) {
	counters()
	commitCounter.Add(ctx, 1)
	eventCounter.Add(ctx, int64(n))
}

// RecordMigration counts one finished live migration.
func RecordMigration(ctx context.Context) {
	counters()
	migrationCounter.Add(ctx, 1)
}

// RecordBackup counts one finished backup.
func RecordBackup(ctx context.Context) {
	counters()
	backupCounter.Add(ctx, 1)
}
