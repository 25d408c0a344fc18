package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginsTotal       *prometheus.CounterVec
	TokensIssuedTotal *prometheus.CounterVec
	TokensRevokedTotal *prometheus.CounterVec
	AuthorizeTotal    *prometheus.CounterVec
	AuthorizeDuration prometheus.Histogram

	// Validation cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Usage metering
	UsageTokensTotal *prometheus.CounterVec
	UsageEventsDropped prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_logins_total",
				Help: "Total number of login attempts",
			},
			[]string{"status"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_tokens_issued_total",
				Help: "Total number of tokens issued",
			},
			[]string{"kind"},
		),
		TokensRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_tokens_revoked_total",
				Help: "Total number of tokens revoked",
			},
			[]string{"reason"},
		),
		AuthorizeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_authorize_total",
				Help: "Total number of authorization checks",
			},
			[]string{"result"},
		),
		AuthorizeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modelgate_authorize_duration_seconds",
				Help:    "Authorization check duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_cache_hits_total",
				Help: "Total number of token validation cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_cache_misses_total",
				Help: "Total number of token validation cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modelgate_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modelgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		UsageTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_usage_tokens_total",
				Help: "Total model tokens metered through the proxy",
			},
			[]string{"api_type", "model"},
		),
		UsageEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "modelgate_usage_events_dropped_total",
				Help: "Usage events dropped because the sink was unavailable or full",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.TokensIssuedTotal,
		m.TokensRevokedTotal,
		m.AuthorizeTotal,
		m.AuthorizeDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.UsageTokensTotal,
		m.UsageEventsDropped,
	)

	return m
}

// ObserveDBPool copies connection pool stats into the pool gauges.
func (m *Metrics) ObserveDBPool(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
