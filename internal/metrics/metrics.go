// Package metrics provides Prometheus instrumentation for the PayBroker
// platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paybroker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChargesTotal counts charge lifecycle outcomes.
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "charges_total",
			Help:      "Total charge transitions applied by resulting state.",
		},
		[]string{"state"},
	)

	// CardErrorsTotal counts processor card declines by backend.
	CardErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "card_errors_total",
			Help:      "Total card declines by backend and decline code.",
		},
		[]string{"backend", "code"},
	)

	// ProcessorErrorsTotal counts transport/auth failures talking to
	// processors.
	ProcessorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "processor_errors_total",
			Help:      "Total processor transport or auth failures by backend and operation.",
		},
		[]string{"backend", "op"},
	)

	// CustomerRecreatedTotal counts card updates that silently recreated a
	// missing processor-side customer. A spike here usually means
	// credentials were switched between test and live keys.
	CustomerRecreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "customer_recreated_total",
			Help:      "Total card updates that recreated a missing processor customer record.",
		},
		[]string{"backend"},
	)

	// WebhookEventsTotal counts inbound processor events by type and
	// routing result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "webhook_events_total",
			Help:      "Total inbound processor webhook events by type and result.",
		},
		[]string{"type", "result"},
	)

	// NotifyDeliveriesTotal counts outbound notification deliveries.
	NotifyDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "notify_deliveries_total",
			Help:      "Total outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// BreakerTransitionsTotal counts delivery circuit state changes by
	// destination key.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paybroker",
			Name:      "breaker_transitions_total",
			Help:      "Total delivery circuit breaker transitions by destination and new state.",
		},
		[]string{"destination", "state"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paybroker", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paybroker", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paybroker", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paybroker", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChargesTotal,
		CardErrorsTotal,
		ProcessorErrorsTotal,
		CustomerRecreatedTotal,
		WebhookEventsTotal,
		NotifyDeliveriesTotal,
		BreakerTransitionsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
