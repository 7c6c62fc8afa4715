package trace

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink is the production Sink: every Entry increments a counter
// keyed by (kind, event) and, for the payloads that carry a duration,
// observes it into a matching histogram (bin/trace/src/stat.rs's
// per-event mean/stddev/total report, reimagined as live metrics
// instead of an offline log walk).
type PromSink struct {
	counts     *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewPromSink constructs a PromSink and registers its metrics with reg
// (a nil reg is valid and simply skips registration, useful in tests).
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kfabric",
			Subsystem: "trace",
			Name:      "events_total",
			Help:      "Trace events recorded, by kind and event name.",
		}, []string{"kind", "event"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kfabric",
			Subsystem: "trace",
			Name:      "event_duration_seconds",
			Help:      "Duration carried by trace events that record one (faults, syscalls, allocations).",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 16),
		}, []string{"kind", "event"}),
	}
	if reg != nil {
		reg.MustRegister(s.counts, s.durations)
	}
	return s
}

// Record implements Sink.
func (s *PromSink) Record(e Entry) {
	kind, event := e.Kind.String(), e.Event.name(e.Kind)
	s.counts.WithLabelValues(kind, event).Inc()

	switch d := e.Data.(type) {
	case ContextFaultData:
		s.durations.WithLabelValues(kind, event).Observe(d.ProcessingTime.Seconds())
	case SyscallExitData:
		s.durations.WithLabelValues(kind, event).Observe(d.Duration.Seconds())
	case AllocData:
		s.durations.WithLabelValues(kind, event).Observe(d.Duration.Seconds())
	}
}
