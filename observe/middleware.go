package observe

import (
	"context"
	"time"
)

// ExecuteFunc is the signature for instrumented engine operations: one
// query fetch or one mutation execution.
type ExecuteFunc func(ctx context.Context, op OpMeta, input any) (any, error)

// Middleware wraps operations with observability (tracing, metrics,
// logging). It is a host-facing convenience for instrumenting custom
// executor paths or operation layers built around the engine; the engine
// itself instruments its fetch and mutation paths directly so it can
// attach per-key fields and cache hit/miss counters the generic wrapper
// has no access to.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe ExecuteFunc.
//   - Context: Propagates context through tracing spans.
//   - Errors: Errors from the wrapped function are recorded and propagated unchanged.
//   - Ownership: Input/output values are passed through without modification.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware with the given observability components.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap wraps an ExecuteFunc with tracing, metrics, and logging.
func (m *Middleware) Wrap(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, op OpMeta, input any) (any, error) {
		ctx, span := m.tracer.StartSpan(ctx, op)

		start := time.Now()
		result, err := fn(ctx, op, input)
		duration := time.Since(start)

		// End span (records error status if err != nil)
		m.tracer.EndSpan(span, err)

		if op.Kind == KindMutation {
			m.metrics.RecordMutation(ctx, op, duration, err)
		} else {
			m.metrics.RecordFetch(ctx, op, duration, err)
		}

		opLogger := m.logger.WithOp(op)
		fields := []Field{
			{Key: "duration_ms", Value: float64(duration.Milliseconds())},
		}

		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err.Error()})
			opLogger.Error(ctx, "operation failed", fields...)
		} else {
			opLogger.Debug(ctx, "operation completed", fields...)
		}

		return result, err
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
// This is a convenience function for common use cases.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
