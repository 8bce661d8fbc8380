// Package telemetry turns the metrics and tracing configuration into engine
// options and flushes the selected exporters when a session ends.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"datacontext/internal/config"
	"datacontext/internal/core"
)

// ErrUnknownExporter is returned for unsupported metrics or tracing drivers.
var ErrUnknownExporter = errors.New("unknown exporter")

// Telemetry holds the configured recorder and tracer.
type Telemetry struct {
	Metrics core.MetricsRecorder
	Tracer  core.Tracer

	shutdown []func(context.Context) error
}

// Options returns the engine options for the configured exporters.
func (t *Telemetry) Options() []core.Option {
	var opts []core.Option
	if t.Metrics != nil {
		opts = append(opts, core.WithMetricsRecorder(t.Metrics))
	}
	if t.Tracer != nil {
		opts = append(opts, core.WithTracer(t.Tracer))
	}
	return opts
}

// Shutdown flushes exporters in reverse setup order and joins their errors.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdown[i](ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// Setup builds the exporters named by metrics and tracing. Spans without a
// configured path go to fallback.
func Setup(metrics config.MetricsConfig, tracing config.TracingConfig, fallback io.Writer) (*Telemetry, error) {
	t := &Telemetry{}
	if err := t.initMetrics(metrics); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if err := t.initTracer(tracing, fallback); err != nil {
		_ = t.Shutdown(context.Background())
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	return t, nil
}

func (t *Telemetry) initMetrics(cfg config.MetricsConfig) error {
	switch cfg.Driver {
	case "", config.MetricsNone:
		return nil
	case config.MetricsExpvar:
		rec := core.NewExpvarMetricsRecorder("")
		t.Metrics = rec
		if cfg.Path != "" {
			t.shutdown = append(t.shutdown, func(context.Context) error {
				return writeJSONFile(cfg.Path, rec.Snapshot())
			})
		}
		return nil
	case config.MetricsPrometheus:
		rec := core.NewPrometheusMetricsRecorder(cfg.Namespace)
		t.Metrics = rec
		if cfg.Path != "" {
			t.shutdown = append(t.shutdown, func(context.Context) error {
				return prometheus.WriteToTextfile(cfg.Path, rec.Registry())
			})
		}
		return nil
	default:
		return fmt.Errorf("%w: metrics %s", ErrUnknownExporter, cfg.Driver)
	}
}

func (t *Telemetry) initTracer(cfg config.TracingConfig, fallback io.Writer) error {
	if cfg.Driver == "" || cfg.Driver == config.TracingNone {
		return nil
	}
	if cfg.Driver != config.TracingJSON && cfg.Driver != config.TracingOTel {
		return fmt.Errorf("%w: tracing %s", ErrUnknownExporter, cfg.Driver)
	}
	w := fallback
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		t.shutdown = append(t.shutdown, func(context.Context) error { return f.Close() })
		w = f
	}
	if w == nil {
		w = io.Discard
	}

	if cfg.Driver == config.TracingJSON {
		t.Tracer = core.NewJSONTracer(w)
		return nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	t.shutdown = append(t.shutdown, tp.Shutdown)
	t.Tracer = core.NewOTelTracer(tp)
	return nil
}

func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}
