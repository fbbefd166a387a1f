package event

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink translates lifecycle events into Prometheus metrics.
type MetricsSink struct {
	executions   *prometheus.CounterVec
	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	execDuration prometheus.Histogram
}

// NewMetricsSink creates a MetricsSink and registers its collectors
// with the given registerer.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	s := &MetricsSink{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "n3n_executions_total",
			Help: "Execution lifecycle transitions by outcome.",
		}, []string{"event"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "n3n_node_executions_total",
			Help: "Node dispatch outcomes by node type.",
		}, []string{"event", "node_type"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "n3n_node_duration_seconds",
			Help:    "Node handler runtime.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"node_type"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "n3n_execution_duration_seconds",
			Help:    "End-to-end execution runtime.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}
	reg.MustRegister(s.executions, s.nodes, s.nodeDuration, s.execDuration)
	return s
}

func (s *MetricsSink) Emit(e Event) {
	switch {
	case strings.HasPrefix(e.Type, "execution."):
		s.executions.WithLabelValues(e.Type).Inc()
		if e.Type == ExecutionCompleted || e.Type == ExecutionFailed {
			s.execDuration.Observe(time.Duration(e.DurationMs * int64(time.Millisecond)).Seconds())
		}
	case strings.HasPrefix(e.Type, "node."):
		s.nodes.WithLabelValues(e.Type, e.NodeType).Inc()
		if e.Type == NodeCompleted || e.Type == NodeFailed {
			s.nodeDuration.WithLabelValues(e.NodeType).Observe(time.Duration(e.DurationMs * int64(time.Millisecond)).Seconds())
		}
	}
}
