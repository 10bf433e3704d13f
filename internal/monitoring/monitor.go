package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proctor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_active_sessions",
			Help: "Attempt sessions currently hosted",
		},
	)

	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_violations_total",
			Help: "Integrity violations recorded, by type",
		},
		[]string{"type"},
	)

	ForceSubmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_force_submits_total",
			Help: "Forced submissions triggered, by reason",
		},
		[]string{"reason"},
	)

	FinalizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_finalize_total",
			Help: "Finalize calls to the gateway, by outcome",
		},
		[]string{"outcome"},
	)

	AutosaveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_autosave_total",
			Help: "Autosave calls to the gateway, by outcome",
		},
		[]string{"outcome"},
	)

	ArchivedViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_archived_violations_total",
			Help: "Violation records handled by the archive worker, by outcome",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			ActiveSessions,
			ViolationsTotal,
			ForceSubmitsTotal,
			FinalizeTotal,
			AutosaveTotal,
			ArchivedViolationsTotal,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
