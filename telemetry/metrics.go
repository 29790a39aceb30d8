package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/artifact-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	fetchTotal      metric.Int64Counter
	fetchBytesTotal metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	fetchSize       metric.Float64Histogram

	sourceFetchDuration   metric.Float64Histogram
	sourceFetchTotal      metric.Int64Counter
	sourceFetchBytesTotal metric.Int64Counter

	catalogRequestsTotal   metric.Int64Counter
	catalogRequestDuration metric.Float64Histogram

	lockWaitDuration metric.Float64Histogram

	cacheEntries    metric.Int64Gauge
	cacheBytes      metric.Int64Gauge
	queueDepth      metric.Int64Gauge
	cacheQuotaBytes metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

// Meter returns the meter used for the package instruments, or the global
// otel meter if metrics were never initialized.
func Meter() metric.Meter {
	if globalMetrics != nil && globalMetrics.meterProvider != nil {
		return globalMetrics.meterProvider.Meter(meterName)
	}
	return otel.Meter(meterName)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "artifact-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"artifact_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"artifact_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"artifact_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"artifact_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.fetchTotal, err = meter.Int64Counter(
		"artifact_cache_fetch_total",
		metric.WithDescription("Fetch requests processed by the replicator, by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.fetchBytesTotal, err = meter.Int64Counter(
		"artifact_cache_fetch_bytes_total",
		metric.WithDescription("Total bytes copied into the content store"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"artifact_cache_fetch_duration_seconds",
		metric.WithDescription("Time to process one fetch request, lock wait included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 300),
	); err != nil {
		return nil, err
	}

	if m.fetchSize, err = meter.Float64Histogram(
		"artifact_cache_fetch_size_bytes",
		metric.WithDescription("Size of files copied into the content store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824, 4294967296),
	); err != nil {
		return nil, err
	}

	if m.sourceFetchDuration, err = meter.Float64Histogram(
		"artifact_cache_source_fetch_duration_seconds",
		metric.WithDescription("Duration of reads from the build repository, open to close"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.sourceFetchTotal, err = meter.Int64Counter(
		"artifact_cache_source_fetch_total",
		metric.WithDescription("Reads from the build repository by scheme, host and outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.sourceFetchBytesTotal, err = meter.Int64Counter(
		"artifact_cache_source_fetch_bytes_total",
		metric.WithDescription("Bytes read from the build repository"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.catalogRequestsTotal, err = meter.Int64Counter(
		"artifact_cache_catalog_requests_total",
		metric.WithDescription("Catalog queries by operation, outcome and local cache result"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.catalogRequestDuration, err = meter.Float64Histogram(
		"artifact_cache_catalog_request_duration_seconds",
		metric.WithDescription("Catalog query duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.lockWaitDuration, err = meter.Float64Histogram(
		"artifact_cache_lock_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for a per-hash lock"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"artifact_cache_entries",
		metric.WithDescription("Number of files in the content store"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	if m.cacheBytes, err = meter.Int64Gauge(
		"artifact_cache_bytes",
		metric.WithDescription("Bytes held in the content store"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64Gauge(
		"artifact_cache_queue_depth",
		metric.WithDescription("Fetch requests waiting for the replicator"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.cacheQuotaBytes, err = meter.Int64Gauge(
		"artifact_cache_quota_bytes",
		metric.WithDescription("Configured content store quota"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := ""
	if tags := GetTags(r); tags != nil {
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		))
	}
}

// RecordFetch records one fetch request handled by the replicator.
// outcome is one of "copied", "cached", "recovered" or "failed".
func RecordFetch(ctx context.Context, outcome string, idle bool, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("idle", idle),
	)
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 && outcome == "copied" {
		globalMetrics.fetchBytesTotal.Add(ctx, bytes, attrs)
		globalMetrics.fetchSize.Record(ctx, float64(bytes), attrs)
	}
}

// RecordSourceFetch records one read from the build repository. host is
// empty for local paths and the bucket for s3.
func RecordSourceFetch(ctx context.Context, scheme, host string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("scheme", scheme),
		attribute.String("host", host),
		attribute.String("outcome", outcome),
	)
	globalMetrics.sourceFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.sourceFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.sourceFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordCatalogOp records a catalog query. result says whether a local
// lookup cache answered it.
func RecordCatalogOp(ctx context.Context, op, outcome string, result CacheResult, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
		attribute.String("cache_result", string(result)),
	)
	globalMetrics.catalogRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.catalogRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLockWait records how long a caller waited for a per-hash lock.
// holder names the component that took it.
func RecordLockWait(ctx context.Context, holder string, wait time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockWaitDuration.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("holder", holder)))
}

// UpdateCacheState updates the content store and queue gauges.
func UpdateCacheState(ctx context.Context, entries int, bytes, quota int64, queueDepth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheBytes.Record(ctx, bytes)
	globalMetrics.cacheQuotaBytes.Record(ctx, quota)
	globalMetrics.queueDepth.Record(ctx, int64(queueDepth))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
