package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation counters and accumulated
// latency through expvar. Keys take the form "<operation>.success",
// "<operation>.error" and "<operation>.ms".
type ExpvarMetricsRecorder struct {
	name   string
	values *expvar.Map
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated name when empty. Publishing the same name twice panics in expvar.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("datacontext_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	values := new(expvar.Map).Init()
	expvar.Publish(name, values)
	return &ExpvarMetricsRecorder{name: name, values: values}
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	outcome := "error"
	if success {
		outcome = "success"
	}
	r.values.Add(operation+"."+outcome, 1)
	r.values.AddFloat(operation+".ms", float64(duration)/float64(time.Millisecond))
}

// Count returns the recorded count for operation and outcome ("success" or "error").
func (r *ExpvarMetricsRecorder) Count(operation, outcome string) int64 {
	if v, ok := r.values.Get(operation + "." + outcome).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// Snapshot flattens the published map.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]string {
	out := make(map[string]string)
	r.values.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = kv.Value.String()
	})
	return out
}

// PrometheusMetricsRecorder exports operation outcomes on its own registry so
// several data contexts in one process do not collide.
type PrometheusMetricsRecorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder builds a recorder whose metric names start with
// namespace (default "datacontext").
func NewPrometheusMetricsRecorder(namespace string) *PrometheusMetricsRecorder {
	if namespace == "" {
		namespace = "datacontext"
	}
	r := &PrometheusMetricsRecorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by kind, table and outcome.",
		}, []string{"operation", "table", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "table"}),
	}
	r.registry.MustRegister(r.operations, r.latency)
	return r
}

// Registry exposes the underlying registry for gathering.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusMetricsRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Observe implements MetricsRecorder. Operation names of the form
// "kind:table" are split into labels.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	kind, table, _ := strings.Cut(operation, ":")
	result := "error"
	if success {
		result = "success"
	}
	r.operations.WithLabelValues(kind, table, result).Inc()
	r.latency.WithLabelValues(kind, table).Observe(duration.Seconds())
}

// JSONTraceEntry is one finished span.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes finished spans as JSON lines and keeps them for
// inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	clock   Clock
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w; a nil writer only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{clock: systemClock{}}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the finished spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: t.clock.Now()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonTraceSpan) End(err error) {
	s.once.Do(func() {
		ended := s.tracer.clock.Now()
		entry := JSONTraceEntry{
			Operation:  s.operation,
			Status:     "success",
			DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
			StartedAt:  s.started,
			EndedAt:    ended,
		}
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
		}
		s.tracer.mu.Lock()
		defer s.tracer.mu.Unlock()
		s.tracer.entries = append(s.tracer.entries, entry)
		if s.tracer.enc != nil {
			_ = s.tracer.enc.Encode(entry)
		}
	})
}
