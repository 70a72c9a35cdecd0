// Package telemetry exposes OpenTelemetry metrics for the harvester through
// a Prometheus endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the harvester's instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// Business metrics
	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	bytesDownloaded  metric.Int64Counter
	scenesScheduled  metric.Int64Counter
	providerRequests metric.Int64Counter
	authFailures     metric.Int64Counter

	// Process health
	goroutineCount metric.Int64Gauge
	memoryUsage    metric.Int64Gauge
	uptime         metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a telemetry instance. When disabled, every record method is a
// no-op so callers never need to branch.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectProcessMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordDownload records one finished scene download. Status is a bounded
// set: "downloaded", "scheduled" or "failed".
func (t *Telemetry) RecordDownload(provider, status string, duration time.Duration) {
	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("status", status),
			),
		)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("status", status),
			),
		)
	}
}

// RecordBytes adds to the transferred byte counter.
func (t *Telemetry) RecordBytes(provider string, n int64) {
	if t.bytesDownloaded != nil {
		t.bytesDownloaded.Add(context.Background(), n,
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}

// RecordScheduled counts a scene pushed to offline staging.
func (t *Telemetry) RecordScheduled(provider string) {
	if t.scenesScheduled != nil {
		t.scenesScheduled.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}

// RecordProviderRequest counts one catalog API call.
func (t *Telemetry) RecordProviderRequest(provider, operation, status string) {
	if t.providerRequests != nil {
		t.providerRequests.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
}

// RecordAuthFailure counts a failed authentication against a provider.
func (t *Telemetry) RecordAuthFailure(provider string) {
	if t.authFailures != nil {
		t.authFailures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}

// IncrementActiveDownloads increments the active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// InstrumentDownload wraps one scene download with the active-downloads
// gauge and the duration histogram.
func (t *Telemetry) InstrumentDownload(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	if t == nil || t.meter == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := fn(ctx)

	status := "downloaded"
	if err != nil {
		status = "failed"
	}

	t.RecordDownload(provider, status, time.Since(start))

	return err
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.downloadsTotal, err = t.meter.Int64Counter(
		"scene_downloads_total",
		metric.WithDescription("Total number of scene downloads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scene_downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"scene_downloads_active",
		metric.WithDescription("Number of scene downloads in progress"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scene_downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"scene_download_duration_seconds",
		metric.WithDescription("Scene download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scene_download_duration histogram: %w", err)
	}

	t.bytesDownloaded, err = t.meter.Int64Counter(
		"bytes_downloaded_total",
		metric.WithDescription("Total bytes transferred from providers"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_downloaded_total counter: %w", err)
	}

	t.scenesScheduled, err = t.meter.Int64Counter(
		"scenes_scheduled_total",
		metric.WithDescription("Total number of scenes pushed to offline staging"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scenes_scheduled_total counter: %w", err)
	}

	t.providerRequests, err = t.meter.Int64Counter(
		"provider_requests_total",
		metric.WithDescription("Total number of provider API requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider_requests_total counter: %w", err)
	}

	t.authFailures, err = t.meter.Int64Counter(
		"provider_auth_failures_total",
		metric.WithDescription("Total number of failed provider authentications"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create provider_auth_failures counter: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.uptime, err = t.meter.Float64Gauge(
		"uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create uptime gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) collectProcessMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateProcessMetrics(startTime)
		}
	}
}

func (t *Telemetry) updateProcessMetrics(startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	if t.memoryUsage != nil {
		t.memoryUsage.Record(context.Background(), int64(m.Alloc))
	}

	if t.goroutineCount != nil {
		t.goroutineCount.Record(context.Background(), int64(runtime.NumGoroutine()))
	}

	if t.uptime != nil {
		t.uptime.Record(context.Background(), time.Since(startTime).Seconds())
	}
}
