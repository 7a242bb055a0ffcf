package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records engine execution and cache lifecycle metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must honor cancellation/deadlines and return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordFetch records one query fetch with duration and error status.
	RecordFetch(ctx context.Context, meta OpMeta, duration time.Duration, err error)

	// RecordCacheHit records a query served from fresh cached data.
	RecordCacheHit(ctx context.Context, meta OpMeta)

	// RecordCacheMiss records a query that had to fetch.
	RecordCacheMiss(ctx context.Context, meta OpMeta)

	// RecordMutation records one mutation execution with duration and
	// error status.
	RecordMutation(ctx context.Context, meta OpMeta, duration time.Duration, err error)

	// RecordInvalidations records how many cache entries a tag
	// invalidation marked stale.
	RecordInvalidations(ctx context.Context, count int64)

	// RecordEviction records one entry evicted after retention expiry.
	RecordEviction(ctx context.Context)

	// RecordAuthRefresh records one credential refresh attempt.
	RecordAuthRefresh(ctx context.Context)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	meter metric.Meter

	fetchTotal    metric.Int64Counter
	fetchErrors   metric.Int64Counter
	fetchDuration metric.Float64Histogram
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	mutationTotal metric.Int64Counter
	mutationErrs  metric.Int64Counter
	invalidations metric.Int64Counter
	evictions     metric.Int64Counter
	authRefreshes metric.Int64Counter
}

// NewMetrics creates a Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{meter: meter}

	var err error
	if m.fetchTotal, err = meter.Int64Counter(
		"query.fetch.total",
		metric.WithDescription("Total number of query fetches"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.fetchErrors, err = meter.Int64Counter(
		"query.fetch.errors",
		metric.WithDescription("Total number of query fetch errors"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.fetchDuration, err = meter.Float64Histogram(
		"query.fetch.duration_ms",
		metric.WithDescription("Query fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter(
		"query.cache.hits",
		metric.WithDescription("Queries served from fresh cached data"),
		metric.WithUnit("{hit}"),
	); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter(
		"query.cache.misses",
		metric.WithDescription("Queries that required a fetch"),
		metric.WithUnit("{miss}"),
	); err != nil {
		return nil, err
	}
	if m.mutationTotal, err = meter.Int64Counter(
		"mutation.exec.total",
		metric.WithDescription("Total number of mutation executions"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.mutationErrs, err = meter.Int64Counter(
		"mutation.exec.errors",
		metric.WithDescription("Total number of mutation execution errors"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.invalidations, err = meter.Int64Counter(
		"cache.invalidations",
		metric.WithDescription("Cache entries marked stale by tag invalidation"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter(
		"cache.evictions",
		metric.WithDescription("Cache entries evicted after retention expiry"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.authRefreshes, err = meter.Int64Counter(
		"auth.refreshes",
		metric.WithDescription("Credential refresh attempts"),
		metric.WithUnit("{refresh}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metricsImpl) opAttrs(meta OpMeta) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("op.endpoint", meta.Endpoint),
		attribute.String("op.kind", meta.Kind),
	)
}

// RecordFetch records metrics for one query fetch.
func (m *metricsImpl) RecordFetch(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
	opt := m.opAttrs(meta)
	m.fetchTotal.Add(ctx, 1, opt)
	if err != nil {
		m.fetchErrors.Add(ctx, 1, opt)
	}
	m.fetchDuration.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordCacheHit(ctx context.Context, meta OpMeta) {
	m.cacheHits.Add(ctx, 1, m.opAttrs(meta))
}

func (m *metricsImpl) RecordCacheMiss(ctx context.Context, meta OpMeta) {
	m.cacheMisses.Add(ctx, 1, m.opAttrs(meta))
}

// RecordMutation records metrics for one mutation execution.
func (m *metricsImpl) RecordMutation(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
	opt := m.opAttrs(meta)
	m.mutationTotal.Add(ctx, 1, opt)
	if err != nil {
		m.mutationErrs.Add(ctx, 1, opt)
	}
}

func (m *metricsImpl) RecordInvalidations(ctx context.Context, count int64) {
	if count > 0 {
		m.invalidations.Add(ctx, count)
	}
}

func (m *metricsImpl) RecordEviction(ctx context.Context) {
	m.evictions.Add(ctx, 1)
}

func (m *metricsImpl) RecordAuthRefresh(ctx context.Context) {
	m.authRefreshes.Add(ctx, 1)
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

// NewNoopMetrics returns a Metrics that discards everything.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *noopMetrics) RecordFetch(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
}
func (m *noopMetrics) RecordCacheHit(ctx context.Context, meta OpMeta)  {}
func (m *noopMetrics) RecordCacheMiss(ctx context.Context, meta OpMeta) {}
func (m *noopMetrics) RecordMutation(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
}
func (m *noopMetrics) RecordInvalidations(ctx context.Context, count int64) {}
func (m *noopMetrics) RecordEviction(ctx context.Context)                   {}
func (m *noopMetrics) RecordAuthRefresh(ctx context.Context)                {}

// Ensure implementations satisfy Metrics
var (
	_ Metrics = (*metricsImpl)(nil)
	_ Metrics = (*noopMetrics)(nil)
)
