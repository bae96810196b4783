package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Rotation metrics
	RotationsTotal        prometheus.Counter
	RotationFailuresTotal prometheus.Counter
	RotationsStalledTotal prometheus.Counter
	SpendChecksTotal      *prometheus.CounterVec

	// Reconciler metrics
	OrphansRepairedTotal prometheus.Counter
	OrphansDeletedTotal  prometheus.Counter
	RepairRunsTotal      *prometheus.CounterVec

	// Backup pool metrics
	BackupKeysIdle     prometheus.Gauge
	BackupKeysPurged   prometheus.Counter
	BackupKeysRestored prometheus.Counter

	// Webhook metrics
	WebhookIngestsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		// Rotation metrics
		RotationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "key_rotations_total",
				Help: "Total number of completed key rotations",
			},
		),
		RotationFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "key_rotation_failures_total",
				Help: "Total number of rotations that left the binding mirror incomplete",
			},
		),
		RotationsStalledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "key_rotations_stalled_total",
				Help: "Total number of rotations stalled for lack of an idle backup",
			},
		),
		SpendChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spend_checks_total",
				Help: "Total number of key spend checks",
			},
			[]string{"key_status"},
		),

		// Reconciler metrics
		OrphansRepairedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orphan_bindings_repaired_total",
				Help: "Total number of orphaned bindings reassigned to a substitute key",
			},
		),
		OrphansDeletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orphan_bindings_deleted_total",
				Help: "Total number of orphaned bindings deleted",
			},
		),
		RepairRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "binding_repair_runs_total",
				Help: "Total number of binding repair passes",
			},
			[]string{"trigger"},
		),

		// Backup pool metrics
		BackupKeysIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backup_keys_idle",
				Help: "Number of idle backup keys available for promotion",
			},
		),
		BackupKeysPurged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backup_keys_purged_total",
				Help: "Total number of used backup keys purged past retention",
			},
		),
		BackupKeysRestored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backup_keys_restored_total",
				Help: "Total number of used backup keys restored to idle",
			},
		),

		// Webhook metrics
		WebhookIngestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_ingests_total",
				Help: "Total number of webhook key ingests",
			},
			[]string{"status"},
		),

		// Rate limiting metrics
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"scope"},
		),

		// Database metrics
		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query_type"},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordRotation records a completed key rotation
func RecordRotation() {
	Get().RotationsTotal.Inc()
}

// RecordRotationFailure records a rotation whose binding mirror failed
func RecordRotationFailure() {
	Get().RotationFailuresTotal.Inc()
}

// RecordRotationStalled records a rotation stalled without a backup
func RecordRotationStalled() {
	Get().RotationsStalledTotal.Inc()
}

// RecordSpendCheck records a key spend check
func RecordSpendCheck(keyStatus string) {
	Get().SpendChecksTotal.WithLabelValues(keyStatus).Inc()
}

// RecordRepairRun records a binding repair pass and its outcome counts
func RecordRepairRun(trigger string, repaired, deleted int) {
	m := Get()
	m.RepairRunsTotal.WithLabelValues(trigger).Inc()
	if repaired > 0 {
		m.OrphansRepairedTotal.Add(float64(repaired))
	}
	if deleted > 0 {
		m.OrphansDeletedTotal.Add(float64(deleted))
	}
}

// SetBackupKeysIdle sets the idle backup pool gauge
func SetBackupKeysIdle(n int64) {
	Get().BackupKeysIdle.Set(float64(n))
}

// RecordBackupPurged records purged backup keys
func RecordBackupPurged(n int64) {
	Get().BackupKeysPurged.Add(float64(n))
}

// RecordBackupRestored records a backup key restored to idle
func RecordBackupRestored() {
	Get().BackupKeysRestored.Inc()
}

// RecordWebhookIngest records a webhook key ingest outcome
func RecordWebhookIngest(status string) {
	Get().WebhookIngestsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(scope string) {
	Get().RateLimitHits.WithLabelValues(scope).Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(queryType string, duration time.Duration) {
	Get().DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}
