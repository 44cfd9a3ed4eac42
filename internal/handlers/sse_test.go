package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/pkg/models"
)

func TestStreamFilter_Matches(t *testing.T) {
	event := &models.Event{SourceType: "Syslog", Severity: "high", IsThreat: 1}

	assert.True(t, streamFilter{}.matches(event))
	assert.True(t, streamFilter{source: "Syslog"}.matches(event))
	assert.False(t, streamFilter{source: "JSON"}.matches(event))
	assert.True(t, streamFilter{severity: "high"}.matches(event))
	assert.False(t, streamFilter{severity: "low"}.matches(event))
	assert.True(t, streamFilter{securityEvent: true}.matches(event))

	benign := &models.Event{SourceType: "Syslog", Severity: "high"}
	assert.False(t, streamFilter{securityEvent: true}.matches(benign))
}

func TestStreamRedis_RequiresSource(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/events/stream/redis", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedStreamEvent(t *testing.T, env *testEnv, e *models.Event) {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	_, err = env.redis.XAdd("events:"+e.SourceType, "*", []string{"event", string(raw)})
	require.NoError(t, err)
}

func TestStreamRedis_DeliversFilteredEvents(t *testing.T) {
	env := newTestEnv(t)

	seedStreamEvent(t, env, &models.Event{
		EventID: "e1", TenantID: "t1", SourceType: "Syslog", Severity: "high", IsThreat: 1,
	})
	seedStreamEvent(t, env, &models.Event{
		EventID: "e2", TenantID: "t1", SourceType: "Syslog", Severity: "low",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events/stream/redis?source=Syslog&severity=high&from_id=0", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, body, `"event_id":"e1"`)
	assert.NotContains(t, body, `"event_id":"e2"`, "severity filter drops the low event")
}

func TestStreamClickHouse_RequiresTenant(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/events/stream/ch", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamClickHouse_DeliversPolledEvents(t *testing.T) {
	env := newTestEnv(t)

	event := sampleEvent("live-1")
	event.EventTimestamp = uint32(time.Now().Unix()) + 1
	env.chMock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(searchRows(env.chMock, event))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream/ch", nil).WithContext(ctx)
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"event_id":"live-1"`)
}

func TestStreamHeartbeat(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream/ch", nil).WithContext(ctx)
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	frames := strings.Count(rec.Body.String(), "event: heartbeat")
	assert.GreaterOrEqual(t, frames, 1, "heartbeat frames are emitted while idle")
}
