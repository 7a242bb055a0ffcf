package engine

import (
	"github.com/jonwraymond/querysync/observe"
)

// Option configures an Engine at construction time.
type Option func(*settings)

type settings struct {
	policy   Policy
	logger   observe.Logger
	tracer   observe.Tracer
	metrics  observe.Metrics
	observer observe.Observer
}

// WithPolicy sets the cache retention policy.
func WithPolicy(p Policy) Option {
	return func(s *settings) {
		s.policy = p
	}
}

// WithLogger sets the structured logger. Default: no-op.
func WithLogger(l observe.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithTracer sets the tracer. Default: no-op.
func WithTracer(t observe.Tracer) Option {
	return func(s *settings) {
		s.tracer = t
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observe.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithObserver derives logger, tracer, and metrics from an Observer.
// Components set individually take precedence.
func WithObserver(obs observe.Observer) Option {
	return func(s *settings) {
		s.observer = obs
	}
}
