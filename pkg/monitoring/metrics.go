package monitoring

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsCollector manages Prometheus metrics for a service
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	// Standard HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge
	serviceInfo         *prometheus.GaugeVec

	// Custom metrics registry
	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector creates a new metrics collector for a service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Sanitize service name for Prometheus (replace hyphens with underscores)
	sanitizedServiceName := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName:   sanitizedServiceName,
		registry:      prometheus.NewRegistry(),
		customMetrics: make(map[string]prometheus.Collector),
	}

	// Standard HTTP metrics
	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_active_connections",
			Help: "Number of active connections",
		},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	// Register standard metrics
	mc.registry.MustRegister(mc.httpRequestsTotal)
	mc.registry.MustRegister(mc.httpRequestDuration)
	mc.registry.MustRegister(mc.activeConnections)
	mc.registry.MustRegister(mc.serviceInfo)

	// Set service info
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// RegisterCustomMetric registers a custom Prometheus metric
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	mc.registry.MustRegister(metric)
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Increment active connections
		mc.activeConnections.Inc()
		defer mc.activeConnections.Dec()

		// Process request
		c.Next()

		// Record metrics
		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler serves the metrics endpoint. Prometheus exposition by default,
// a flat JSON snapshot with ?format=json.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	promHandler := promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		if c.Query("format") == "json" {
			snapshot, err := mc.Snapshot()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to gather metrics"})
				return
			}
			c.JSON(http.StatusOK, snapshot)
			return
		}
		promHandler.ServeHTTP(c.Writer, c.Request)
	}
}

// Snapshot flattens the registry into metric name -> value pairs.
// Labeled series are keyed as name{label="v",...}; histograms and
// summaries report their sample count.
func (mc *MetricsCollector) Snapshot() (map[string]float64, error) {
	families, err := mc.registry.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			key := family.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, lp := range labels {
					parts = append(parts, lp.GetName()+`="`+lp.GetValue()+`"`)
				}
				key += "{" + strings.Join(parts, ",") + "}"
			}

			switch family.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			case dto.MetricType_SUMMARY:
				out[key] = float64(m.GetSummary().GetSampleCount())
			}
		}
	}
	return out, nil
}

// Service-specific metric helpers

// NewCounter creates a new counter metric for the service
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewGauge creates a new gauge metric for the service
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, gauge)
	return gauge
}

// NewHistogram creates a new histogram metric for the service
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_" + name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// Common service metric sets

// CreateIngestMetrics creates the standard ingestion pipeline metrics.
func (mc *MetricsCollector) CreateIngestMetrics() (
	*prometheus.CounterVec, // events_processed_total
	*prometheus.HistogramVec, // batch_flush_duration_seconds
	*prometheus.GaugeVec, // batch_pending_events
) {
	processed := mc.NewCounter("events_processed_total", "Total events processed by parsing status", []string{"source_type", "status"})
	flush := mc.NewHistogram("batch_flush_duration_seconds", "Batch flush duration", []string{"table"}, nil)
	pending := mc.NewGauge("batch_pending_events", "Events buffered awaiting flush", []string{"table"})

	return processed, flush, pending
}

// CreateStorageMetrics creates the standard destination metrics.
func (mc *MetricsCollector) CreateStorageMetrics() (
	*prometheus.CounterVec, // destination_writes_total
	*prometheus.HistogramVec, // destination_write_duration_seconds
) {
	writes := mc.NewCounter("destination_writes_total", "Total destination writes", []string{"destination", "status"})
	duration := mc.NewHistogram("destination_write_duration_seconds", "Destination write duration", []string{"destination"}, nil)

	return writes, duration
}

// CreateSearchMetrics creates the standard search metrics.
func (mc *MetricsCollector) CreateSearchMetrics() (
	*prometheus.CounterVec, // searches_total
	*prometheus.CounterVec, // search_cache_total
	*prometheus.HistogramVec, // search_duration_seconds
) {
	searches := mc.NewCounter("searches_total", "Total search executions", []string{"status"})
	cache := mc.NewCounter("search_cache_total", "Search cache lookups", []string{"result"})
	duration := mc.NewHistogram("search_duration_seconds", "Search execution duration", []string{"status"}, nil)

	return searches, cache, duration
}

// CreateDeployMetrics creates the standard rule deployment metrics.
func (mc *MetricsCollector) CreateDeployMetrics() (
	*prometheus.CounterVec, // deployments_total
	*prometheus.HistogramVec, // deployment_duration_seconds
) {
	deploys := mc.NewCounter("deployments_total", "Total rule pack deployments", []string{"phase", "status"})
	duration := mc.NewHistogram("deployment_duration_seconds", "Deployment phase duration", []string{"phase"}, nil)

	return deploys, duration
}
