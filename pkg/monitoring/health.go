package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Component status values. NotConfigured components are excluded from the
// overall aggregation.
const (
	StatusHealthy       = "healthy"
	StatusDegraded      = "degraded"
	StatusUnhealthy     = "unhealthy"
	StatusUnknown       = "unknown"
	StatusNotConfigured = "not_configured"
)

// CheckResult represents the result of an individual health probe.
type CheckResult struct {
	Status         string            `json:"status"`
	Message        string            `json:"message,omitempty"`
	ResponseTimeMs int64             `json:"response_time_ms,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// HealthReport is the cached typed report returned by the health endpoints.
type HealthReport struct {
	Overall    string                 `json:"overall"`
	Service    string                 `json:"service"`
	Version    string                 `json:"version"`
	Timestamp  int64                  `json:"timestamp"`
	Components map[string]CheckResult `json:"components"`
	Summary    string                 `json:"summary"`
}

// HealthCheck is a probe for one dependency. The context carries the
// per-probe timeout; a probe that overruns is marked unhealthy.
type HealthCheck func(ctx context.Context) CheckResult

type registeredCheck struct {
	name    string
	check   HealthCheck
	timeout time.Duration
}

// HealthChecker runs registered probes and caches the last report.
type HealthChecker struct {
	service string
	version string

	mu     sync.RWMutex
	checks []registeredCheck
	last   *HealthReport
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
	}
}

// AddCheck registers a probe with its own timeout.
func (hc *HealthChecker) AddCheck(name string, timeout time.Duration, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, registeredCheck{name: name, check: check, timeout: timeout})
}

// RunOnce executes every probe under its timeout and caches the report.
// Tests call this directly instead of waiting on the scheduler.
func (hc *HealthChecker) RunOnce(ctx context.Context) HealthReport {
	hc.mu.RLock()
	checks := make([]registeredCheck, len(hc.checks))
	copy(checks, hc.checks)
	hc.mu.RUnlock()

	report := HealthReport{
		Service:    hc.service,
		Version:    hc.version,
		Timestamp:  time.Now().Unix(),
		Components: make(map[string]CheckResult, len(checks)),
	}

	worst := StatusHealthy
	configured := 0
	for _, rc := range checks {
		result := runChecked(ctx, rc)
		report.Components[rc.name] = result

		if result.Status == StatusNotConfigured {
			continue
		}
		configured++
		worst = worseStatus(worst, result.Status)
	}

	if configured == 0 {
		worst = StatusUnknown
	}
	report.Overall = worst
	report.Summary = fmt.Sprintf("%d/%d components configured, overall %s", configured, len(checks), worst)

	hc.mu.Lock()
	hc.last = &report
	hc.mu.Unlock()

	return report
}

// runChecked runs a probe under its timeout; an overrun marks the
// component unhealthy rather than blocking the report.
func runChecked(ctx context.Context, rc registeredCheck) CheckResult {
	if rc.timeout <= 0 {
		return rc.check(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	start := time.Now()
	go func() {
		done <- rc.check(cctx)
	}()

	select {
	case result := <-done:
		return result
	case <-cctx.Done():
		return CheckResult{
			Status:         StatusUnhealthy,
			Message:        fmt.Sprintf("probe timed out after %s", rc.timeout),
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}
}

var statusRank = map[string]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnknown:   2,
	StatusUnhealthy: 3,
}

func worseStatus(a, b string) string {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// LastReport returns the cached report, running the probes once if no
// report exists yet.
func (hc *HealthChecker) LastReport(ctx context.Context) HealthReport {
	hc.mu.RLock()
	last := hc.last
	hc.mu.RUnlock()
	if last != nil {
		return *last
	}
	return hc.RunOnce(ctx)
}

// StartScheduler re-runs the probes every interval until ctx is cancelled.
func (hc *HealthChecker) StartScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		hc.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hc.RunOnce(ctx)
			}
		}
	}()
}

// Handler returns the summary health endpoint: 200 for healthy or
// degraded, 503 otherwise.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := hc.LastReport(c.Request.Context())
		statusCode := http.StatusOK
		if report.Overall != StatusHealthy && report.Overall != StatusDegraded {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, gin.H{
			"status":    report.Overall,
			"service":   report.Service,
			"version":   report.Version,
			"timestamp": report.Timestamp,
		})
	}
}

// DetailedHandler returns the full cached report.
func (hc *HealthChecker) DetailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := hc.LastReport(c.Request.Context())
		statusCode := http.StatusOK
		if report.Overall != StatusHealthy && report.Overall != StatusDegraded {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, report)
	}
}

// Common health probes

// NotConfiguredCheck marks a component that has no endpoint configured.
func NotConfiguredCheck() HealthCheck {
	return func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusNotConfigured}
	}
}

// ClickHouseHTTPCheck probes the columnar store over its HTTP interface:
// GET /ping must answer 2xx, then a trivial SELECT must execute. Ping ok
// but query failing degrades the component instead of failing it.
func ClickHouseHTTPCheck(baseURL string) HealthCheck {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		client := &http.Client{}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/ping", nil)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{
				Status:         StatusUnhealthy,
				Message:        fmt.Sprintf("ClickHouse ping failed: %v", err),
				ResponseTimeMs: time.Since(start).Milliseconds(),
			}
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return CheckResult{
				Status:         StatusUnhealthy,
				Message:        fmt.Sprintf("ClickHouse ping returned %d", resp.StatusCode),
				ResponseTimeMs: time.Since(start).Milliseconds(),
			}
		}

		qreq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, strings.NewReader("SELECT 1"))
		if err != nil {
			return CheckResult{Status: StatusDegraded, Message: err.Error()}
		}
		qresp, err := client.Do(qreq)
		duration := time.Since(start)
		if err != nil {
			return CheckResult{
				Status:         StatusDegraded,
				Message:        fmt.Sprintf("ClickHouse query failed: %v", err),
				ResponseTimeMs: duration.Milliseconds(),
			}
		}
		io.Copy(io.Discard, qresp.Body)
		qresp.Body.Close()
		if qresp.StatusCode >= 300 {
			return CheckResult{
				Status:         StatusDegraded,
				Message:        fmt.Sprintf("ClickHouse query returned %d", qresp.StatusCode),
				ResponseTimeMs: duration.Milliseconds(),
			}
		}

		return CheckResult{
			Status:         StatusHealthy,
			Message:        "ClickHouse responding",
			ResponseTimeMs: duration.Milliseconds(),
		}
	}
}

// ClickHouseSQLCheck probes the columnar store through an open SQL handle.
func ClickHouseSQLCheck(db *sql.DB) HealthCheck {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		if db == nil {
			return CheckResult{Status: StatusNotConfigured}
		}
		if err := db.PingContext(ctx); err != nil {
			return CheckResult{
				Status:         StatusUnhealthy,
				Message:        fmt.Sprintf("ClickHouse ping failed: %v", err),
				ResponseTimeMs: time.Since(start).Milliseconds(),
			}
		}
		return CheckResult{
			Status:         StatusHealthy,
			Message:        "ClickHouse connection healthy",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}
}

// RedisCheck probes the KV/stream store with PING.
func RedisCheck(client goredis.UniversalClient) HealthCheck {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		if client == nil {
			return CheckResult{Status: StatusNotConfigured}
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return CheckResult{
				Status:         StatusUnhealthy,
				Message:        fmt.Sprintf("Redis ping failed: %v", err),
				ResponseTimeMs: time.Since(start).Milliseconds(),
			}
		}
		return CheckResult{
			Status:         StatusHealthy,
			Message:        "Redis responding",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}
}

// KafkaCheck probes the bus with a metadata round trip.
func KafkaCheck(client *kgo.Client) HealthCheck {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		if client == nil {
			return CheckResult{Status: StatusNotConfigured}
		}
		if err := client.Ping(ctx); err != nil {
			return CheckResult{
				Status:         StatusUnhealthy,
				Message:        fmt.Sprintf("Kafka ping failed: %v", err),
				ResponseTimeMs: time.Since(start).Milliseconds(),
			}
		}
		return CheckResult{
			Status:         StatusHealthy,
			Message:        "Kafka connection healthy",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}
	}
}

// HTTPServiceCheck probes an HTTP dependency with a GET.
func HTTPServiceCheck(serviceName, url string) HealthCheck {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		if url == "" {
			return CheckResult{Status: StatusNotConfigured}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		resp, err := (&http.Client{}).Do(req)
		duration := time.Since(start)
		if err != nil {
			return CheckResult{
				Status:         StatusUnhealthy,
				Message:        fmt.Sprintf("%s service unreachable: %v", serviceName, err),
				ResponseTimeMs: duration.Milliseconds(),
			}
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			return CheckResult{
				Status:         StatusUnhealthy,
				Message:        fmt.Sprintf("%s service returned %d", serviceName, resp.StatusCode),
				ResponseTimeMs: duration.Milliseconds(),
			}
		}

		return CheckResult{
			Status:         StatusHealthy,
			Message:        fmt.Sprintf("%s service responding", serviceName),
			ResponseTimeMs: duration.Milliseconds(),
		}
	}
}

// ConfigurationCheck verifies required configuration is present.
func ConfigurationCheck(configs map[string]string) HealthCheck {
	return func(ctx context.Context) CheckResult {
		missing := []string{}
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Missing required configuration: %v", missing),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "All required configuration present",
		}
	}
}
