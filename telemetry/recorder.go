package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/storymind-ai/storymind/core"
)

// OTelRecorder implements core.Recorder on the OpenTelemetry meter and
// tracer APIs. Instruments are created lazily and cached; recording with an
// already-created instrument is lock-free on the read path.
type OTelRecorder struct {
	meter  metric.Meter
	tracer trace.Tracer
	logger core.Logger

	mu         sync.RWMutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOTelRecorder creates a Recorder publishing under the given
// instrumentation name.
func NewOTelRecorder(name string, logger core.Logger) *OTelRecorder {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OTelRecorder{
		meter:      otel.Meter(name),
		tracer:     otel.Tracer(name),
		logger:     logger,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (r *OTelRecorder) Counter(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	counter, ok := r.counters[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if counter, ok = r.counters[name]; !ok {
			var err error
			counter, err = r.meter.Float64Counter(name)
			if err != nil {
				r.mu.Unlock()
				r.logger.Error("Failed to create counter", map[string]interface{}{
					"metric": name,
					"error":  err,
				})
				return
			}
			r.counters[name] = counter
		}
		r.mu.Unlock()
	}

	counter.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (r *OTelRecorder) Gauge(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	gauge, ok := r.gauges[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if gauge, ok = r.gauges[name]; !ok {
			var err error
			gauge, err = r.meter.Float64Gauge(name)
			if err != nil {
				r.mu.Unlock()
				r.logger.Error("Failed to create gauge", map[string]interface{}{
					"metric": name,
					"error":  err,
				})
				return
			}
			r.gauges[name] = gauge
		}
		r.mu.Unlock()
	}

	gauge.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (r *OTelRecorder) Histogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	histogram, ok := r.histograms[name]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if histogram, ok = r.histograms[name]; !ok {
			var err error
			histogram, err = r.meter.Float64Histogram(name)
			if err != nil {
				r.mu.Unlock()
				r.logger.Error("Failed to create histogram", map[string]interface{}{
					"metric": name,
					"error":  err,
				})
				return
			}
			r.histograms[name] = histogram
		}
		r.mu.Unlock()
	}

	histogram.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (r *OTelRecorder) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := r.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, toString(v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func toString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
