package core

import (
	"context"
	"time"
)

// Logger is the structured logging surface used by the engine. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsRecorder receives one observation per engine operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan is ended exactly once with the operation outcome.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around engine operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// Clock supplies timestamps for durations.
type Clock interface {
	Now() time.Time
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// settings is shared by UnitOfWork and DataContext construction.
type settings struct {
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock
}

func defaultSettings() settings {
	return settings{
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		clock:   systemClock{},
	}
}

// Option customizes engine observability and time.
type Option func(*settings)

// WithLogger overrides the logger (nil keeps the no-op logger).
func WithLogger(l Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder overrides the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer overrides the tracer.
func WithTracer(t Tracer) Option {
	return func(s *settings) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the clock used for timing.
func WithClock(c Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
