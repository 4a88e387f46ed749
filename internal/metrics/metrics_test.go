package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("/v1/events", "202")
		IncDelivery("delivered")
		IncFlush("completed")
		IncOfflineReplay("ok")
		IncBreakerTransition("test", "closed", "open")
	})
}

func TestQueueMetrics(t *testing.T) {
	SetQueueSize(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(queueSize))

	before := testutil.ToFloat64(queueOps.WithLabelValues("enqueued"))
	IncQueueOp("enqueued")
	assert.Equal(t, before+1, testutil.ToFloat64(queueOps.WithLabelValues("enqueued")))
}

func TestRateLimitMetrics(t *testing.T) {
	before := testutil.ToFloat64(rateLimitDecisions.WithLabelValues("sync", "blocked"))
	IncRateLimit("sync", false)
	assert.Equal(t, before+1, testutil.ToFloat64(rateLimitDecisions.WithLabelValues("sync", "blocked")))
}

func TestGauges(t *testing.T) {
	SetOnline(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(online))
	SetOnline(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(online))

	SetBreakerState("transport", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(breakerState.WithLabelValues("transport")))

	SetOfflineSize(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(offlineSize))
}
