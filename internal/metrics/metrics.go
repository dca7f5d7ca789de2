package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icelauncher"

// Source start reasons.
const (
	ReasonFirstListener = "first_listener"
	ReasonCrashed       = "crashed"
)

var (
	// Listeners is the number of tracked clients per mount.
	Listeners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "listeners",
		Help:      "Listener clients tracked per mount.",
	}, []string{"mount"})

	// SourcesRunning is the number of live source processes.
	SourcesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sources_running",
		Help:      "Source processes currently owned by the launcher.",
	})

	// SourceStarts counts source process launches.
	SourceStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_starts_total",
		Help:      "Source process launches by mount and reason.",
	}, []string{"mount", "reason"})

	// SourceStartFailures counts source processes that failed to launch.
	SourceStartFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_start_failures_total",
		Help:      "Source process launches that failed.",
	}, []string{"mount"})

	// MetadataUpdaters is the number of running metadata updaters.
	MetadataUpdaters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "metadata_updaters",
		Help:      "Metadata updaters currently running.",
	})

	// MetadataPushes counts titles pushed to icecast.
	MetadataPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metadata_pushes_total",
		Help:      "Stream titles pushed to icecast.",
	}, []string{"mount"})

	// MetadataErrors counts failed metadata cycles.
	MetadataErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metadata_errors_total",
		Help:      "Metadata decode or push failures.",
	}, []string{"mount"})

	// CallbackDecisions counts icecast callbacks by action and outcome.
	CallbackDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callback_decisions_total",
		Help:      "Icecast callbacks answered, by action and decision.",
	}, []string{"action", "decision"})

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RequestDuration.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
