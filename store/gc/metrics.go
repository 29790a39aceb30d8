package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds capacity-manager OpenTelemetry metric instruments.
// Every instrument carries a "pass" attribute naming the routine.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	skippedTotal     metric.Int64Counter
	checkedTotal     metric.Int64Counter
	orphansDeleted   metric.Int64Counter
	entriesEvicted   metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"artifact_cache_gc_runs_total",
		metric.WithDescription("Total number of capacity passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"artifact_cache_gc_run_duration_seconds",
		metric.WithDescription("Capacity pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	skippedTotal, err := meter.Int64Counter(
		"artifact_cache_gc_skipped_total",
		metric.WithDescription("Capacity passes skipped, by reason"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	checkedTotal, err := meter.Int64Counter(
		"artifact_cache_gc_orphan_checks_total",
		metric.WithDescription("Cached hashes checked against the catalog"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	orphansDeleted, err := meter.Int64Counter(
		"artifact_cache_gc_orphans_deleted_total",
		metric.WithDescription("Cached files deleted because no build references them"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	entriesEvicted, err := meter.Int64Counter(
		"artifact_cache_gc_evicted_total",
		metric.WithDescription("Cached files evicted to stay under quota"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"artifact_cache_gc_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by capacity passes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"artifact_cache_gc_errors_total",
		metric.WithDescription("Total number of capacity pass errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"artifact_cache_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of the last capacity pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"artifact_cache_gc_last_run_success",
		metric.WithDescription("Whether the last capacity pass was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		skippedTotal:     skippedTotal,
		checkedTotal:     checkedTotal,
		orphansDeleted:   orphansDeleted,
		entriesEvicted:   entriesEvicted,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
