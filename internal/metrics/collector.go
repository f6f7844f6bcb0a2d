package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector holds every fedrun metric.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// central
	runTransitions   *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	eventSubscribers prometheus.Gauge

	// node
	runningUnits      *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	stageFailures     *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec

	// database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the metrics under namespace on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.runTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions",
		},
		[]string{"from", "to"},
	)

	c.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus",
		},
		[]string{"topic"},
	)

	c.eventsDelivered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events queued for a subscriber",
		},
		[]string{"topic"},
	)

	c.eventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		},
		[]string{"topic"},
	)

	c.eventSubscribers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Live event subscriptions",
	})

	c.runningUnits = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_units",
			Help:      "Containers and processes currently supervised by the node",
		},
		[]string{"backend"},
	)

	c.reconnectAttempts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnect_attempts_total",
		Help:      "Event-stream reconnect attempts",
	})

	c.stageFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_failures_total",
			Help:      "Run pipeline failures by stage",
		},
		[]string{"coordinator", "stage"},
	)

	c.transferBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Archive bytes uploaded and downloaded",
		},
		[]string{"direction"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// HTTP
// =============================================================================

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// Central
// =============================================================================

// RecordRunTransition counts a run status change.
func (c *Collector) RecordRunTransition(from, to string) {
	c.runTransitions.WithLabelValues(from, to).Inc()
}

// RecordEventPublished counts a published event.
func (c *Collector) RecordEventPublished(topic string) {
	c.eventsPublished.WithLabelValues(topic).Inc()
}

// RecordEventDelivered counts an event queued for a subscriber.
func (c *Collector) RecordEventDelivered(topic string) {
	c.eventsDelivered.WithLabelValues(topic).Inc()
}

// RecordEventDropped counts an event dropped for a full queue.
func (c *Collector) RecordEventDropped(topic string) {
	c.eventsDropped.WithLabelValues(topic).Inc()
}

// SetSubscribers sets the number of live subscriptions.
func (c *Collector) SetSubscribers(n int) {
	c.eventSubscribers.Set(float64(n))
}

// =============================================================================
// Node
// =============================================================================

// SetRunningUnits sets the number of supervised units for a backend.
func (c *Collector) SetRunningUnits(backend string, n int) {
	c.runningUnits.WithLabelValues(backend).Set(float64(n))
}

// RecordReconnectAttempt counts an event-stream reconnect attempt.
func (c *Collector) RecordReconnectAttempt() {
	c.reconnectAttempts.Inc()
}

// RecordStageFailure counts a failed pipeline stage.
func (c *Collector) RecordStageFailure(coordinator, stage string) {
	c.stageFailures.WithLabelValues(coordinator, stage).Inc()
}

// RecordTransfer adds transferred archive bytes. direction is upload or download.
func (c *Collector) RecordTransfer(direction string, bytes int64) {
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// =============================================================================
// Database
// =============================================================================

// RecordDBConnections records database pool sizes.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusCode buckets an HTTP status into a class label.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
