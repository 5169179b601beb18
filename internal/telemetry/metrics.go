package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BuildsEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_enqueued_total", Help: "Build requests inserted into the queue"})
	BuildsCoalesced  = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_coalesced_total", Help: "Enqueues coalesced onto an existing open build"})
	BuildsSucceeded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_succeeded_total", Help: "Builds deployed successfully"})
	BuildsRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_retried_total", Help: "Failed attempts returned to the queue for retry"})
	BuildsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_failed_total", Help: "Builds that exhausted the retry ceiling"})
	BuildsCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "builds_cancelled_total", Help: "Builds cancelled by suspension"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_rate_limit_rejects_total", Help: "Admin requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "build_queue_depth", Help: "Pending builds in the queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "builds_inflight", Help: "Builds currently executing against the deployment provider"})

	LifecycleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_lifecycle_transitions_total",
		Help: "Agent status transitions by operation",
	}, []string{"operation"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BuildsEnqueued,
			BuildsCoalesced,
			BuildsSucceeded,
			BuildsRetried,
			BuildsFailed,
			BuildsCancelled,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			LifecycleTransitions,
		)
	})
	return promhttp.Handler()
}
