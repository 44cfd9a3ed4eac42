package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector_Snapshot(t *testing.T) {
	mc := NewMetricsCollector("test-svc", "v1", "abc")
	counter := mc.NewCounter("things_total", "Things", []string{"kind"})
	counter.WithLabelValues("widget").Add(3)

	snapshot, err := mc.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(3), snapshot[`test_svc_things_total{kind="widget"}`])
}

func TestMetricsCollector_HandlerFormats(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mc := NewMetricsCollector("fmt-svc", "v1", "abc")
	router := gin.New()
	router.Use(mc.MetricsMiddleware())
	router.GET("/metrics", mc.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fmt_svc_service_info")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics?format=json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, w.Body.String(), "fmt_svc_http_requests_total")
}

func TestMetricsCollector_IndependentRegistries(t *testing.T) {
	a := NewMetricsCollector("same-name", "v1", "abc")
	b := NewMetricsCollector("same-name", "v1", "abc")
	assert.NotNil(t, a)
	assert.NotNil(t, b)
}
