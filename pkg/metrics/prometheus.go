package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports tracker events as Prometheus series.
type PrometheusObserver struct {
	events        *prometheus.CounterVec
	flushedEvents prometheus.Counter
	queueLen      prometheus.Gauge
	flushSeconds  *prometheus.HistogramVec
}

// NewPrometheusObserver registers the tracker collectors on reg. A nil reg
// uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowstack",
			Subsystem: "tracker",
			Name:      "events_total",
			Help:      "Tracker lifecycle events by name.",
		}, []string{"event"}),
		flushedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowstack",
			Subsystem: "tracker",
			Name:      "submitted_usage_events_total",
			Help:      "Usage events accepted by the collection endpoint.",
		}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowstack",
			Subsystem: "tracker",
			Name:      "queue_length",
			Help:      "Usage events waiting for the next flush.",
		}),
		flushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shadowstack",
			Subsystem: "tracker",
			Name:      "flush_duration_seconds",
			Help:      "Duration of batch submissions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{o.events, o.flushedEvents, o.queueLen, o.flushSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	o.events.WithLabelValues(ev.Name).Inc()
	if n, ok := intField(ev.Fields, FieldQueueLen); ok {
		o.queueLen.Set(float64(n))
	}
	switch ev.Name {
	case EventFlushSucceeded:
		o.flushSeconds.WithLabelValues("success").Observe(ev.Value)
		if n, ok := intField(ev.Fields, FieldBatchSize); ok {
			o.flushedEvents.Add(float64(n))
		}
	case EventFlushFailed:
		o.flushSeconds.WithLabelValues("failure").Observe(ev.Value)
	}
}

func intField(fields map[string]any, key string) (int, bool) {
	switch v := fields[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
