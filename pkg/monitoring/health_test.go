package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnce_AggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("a", time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	hc.AddCheck("b", time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "slow"}
	})

	report := hc.RunOnce(context.Background())
	assert.Equal(t, StatusDegraded, report.Overall)
	assert.Len(t, report.Components, 2)
	assert.Equal(t, "slow", report.Components["b"].Message)
}

func TestRunOnce_NotConfiguredExcluded(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("geo", time.Second, NotConfiguredCheck())
	hc.AddCheck("db", time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	report := hc.RunOnce(context.Background())
	assert.Equal(t, StatusHealthy, report.Overall)
	assert.Equal(t, StatusNotConfigured, report.Components["geo"].Status)
}

func TestRunOnce_AllNotConfiguredIsUnknown(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("geo", time.Second, NotConfiguredCheck())

	report := hc.RunOnce(context.Background())
	assert.Equal(t, StatusUnknown, report.Overall)
}

func TestRunOnce_ProbeTimeout(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("stuck", 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return CheckResult{Status: StatusHealthy}
	})

	report := hc.RunOnce(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Overall)
	assert.Contains(t, report.Components["stuck"].Message, "timed out")
}

func TestHandler_DegradedStill200(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("b", time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	})
	hc.RunOnce(context.Background())

	router := gin.New()
	router.GET("/health", hc.Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Unhealthy503(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("b", time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	hc.RunOnce(context.Background())

	router := gin.New()
	router.GET("/health", hc.Handler())
	router.GET("/health/detailed", hc.DetailedHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "components")
}

func TestHTTPServiceCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()

	res := HTTPServiceCheck("exporter", s.URL)(context.Background())
	require.Equal(t, StatusHealthy, res.Status)

	res = HTTPServiceCheck("exporter", "")(context.Background())
	assert.Equal(t, StatusNotConfigured, res.Status)
}

func TestClickHouseHTTPCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()

	res := ClickHouseHTTPCheck(s.URL)(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestConfigurationCheck(t *testing.T) {
	res := ConfigurationCheck(map[string]string{"A": "set", "B": ""})(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "B")

	res = ConfigurationCheck(map[string]string{"A": "set"})(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}
