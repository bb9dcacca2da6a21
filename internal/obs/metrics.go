package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LockAcquireTotal *prometheus.CounterVec // result=success|fail|timeout
	LockOpLatencyMS  *prometheus.HistogramVec // op=acquire|release|extend

	QueueDepth         *prometheus.GaugeVec   // queue=<name>
	QueueOverflowTotal *prometheus.CounterVec // queue=<name>

	CacheOpsTotal *prometheus.CounterVec // backend=memory|redis, result=hit|miss

	BusPublishTotal *prometheus.CounterVec // subject=<subject>, result=ok|error
	BusConsumeTotal *prometheus.CounterVec // subject=<subject>, result=ok|error

	DecisionTotal *prometheus.CounterVec // outcome=posted|suppressed|errored, reason=<reason>
}

// NewMetrics registers all collectors on reg. Tests pass a fresh
// prometheus.NewRegistry so parallel packages don't collide on the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_acquire_total",
				Help: "Total lock acquire attempts by result",
			},
			[]string{"result"},
		),
		LockOpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lock_op_latency_ms",
				Help:    "Latency of lock operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current number of items held per bounded queue",
			},
			[]string{"queue"},
		),
		QueueOverflowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_overflow_total",
				Help: "Total evictions caused by enqueue against a full queue",
			},
			[]string{"queue"},
		),
		CacheOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_ops_total",
				Help: "Cache lookups by backend and result",
			},
			[]string{"backend", "result"},
		),
		BusPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_publish_total",
				Help: "Event bus publishes by subject and result",
			},
			[]string{"subject", "result"},
		),
		BusConsumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_consume_total",
				Help: "Event bus deliveries by subject and result",
			},
			[]string{"subject", "result"},
		),
		DecisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_decision_total",
				Help: "Gated publisher decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
	}

	reg.MustRegister(
		m.LockAcquireTotal,
		m.LockOpLatencyMS,
		m.QueueDepth,
		m.QueueOverflowTotal,
		m.CacheOpsTotal,
		m.BusPublishTotal,
		m.BusConsumeTotal,
		m.DecisionTotal,
	)

	return m
}
