package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "highlightsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests by route and status.",
		},
		[]string{"route", "status"},
	)

	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_size",
		Help:      "Entries waiting in the durable sync queue.",
	})

	queueOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_operations_total",
			Help:      "Durable queue operations by kind (enqueued, dequeued, rejected, retried, dead_lettered, cleared).",
		},
		[]string{"op"},
	)

	offlineSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "offline_buffer_size",
		Help:      "Events held in the offline staging buffer.",
	})

	offlineReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_replayed_total",
			Help:      "Offline buffer hand-offs by result.",
		},
		[]string{"result"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Token bucket decisions by operation and result.",
		},
		[]string{"operation", "result"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"name", "from", "to"},
	)

	flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flush attempts by outcome.",
		},
		[]string{"result"},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-event delivery outcomes.",
		},
		[]string{"result"},
	)

	online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_online",
		Help:      "1 when the network monitor considers the remote reachable.",
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			queueSize,
			queueOps,
			offlineSize,
			offlineReplayed,
			rateLimitDecisions,
			breakerState,
			breakerTransitions,
			flushes,
			deliveries,
			online,
		)
	})
}

// IncHTTP increments the counter for a route and status code.
func IncHTTP(route, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}

func SetQueueSize(n int) {
	queueSize.Set(float64(n))
}

// IncQueueOp counts a durable queue operation.
func IncQueueOp(op string) {
	queueOps.WithLabelValues(op).Inc()
}

func SetOfflineSize(n int) {
	offlineSize.Set(float64(n))
}

func IncOfflineReplay(result string) {
	offlineReplayed.WithLabelValues(result).Inc()
}

func IncRateLimit(operation string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	rateLimitDecisions.WithLabelValues(operation, result).Inc()
}

// SetBreakerState records the numeric breaker state.
func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

func IncBreakerTransition(name, from, to string) {
	breakerTransitions.WithLabelValues(name, from, to).Inc()
}

func IncFlush(result string) {
	flushes.WithLabelValues(result).Inc()
}

func IncDelivery(result string) {
	deliveries.WithLabelValues(result).Inc()
}

func SetOnline(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}
