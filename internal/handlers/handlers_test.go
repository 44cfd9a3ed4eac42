package handlers

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/query"
	"argus/internal/rulepacks"
	"argus/internal/search"
	"argus/pkg/cache"
	"argus/pkg/kafka"
	"argus/pkg/models"
	"argus/pkg/monitoring"
)

type fakeProducer struct {
	published []kafka.IngestEnvelope
	err       error
}

func (f *fakeProducer) PublishEnvelope(_ context.Context, env *kafka.IngestEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, *env)
	return nil
}

func (f *fakeProducer) PublishEnvelopeBatch(_ context.Context, envs []kafka.IngestEnvelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, envs...)
	return nil
}

type testEnv struct {
	router   *gin.Engine
	producer *fakeProducer
	chMock   sqlmock.Sqlmock
	pgMock   sqlmock.Sqlmock
	redis    *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()

	chDB, chMock, err := sqlmock.New(sqlmock.ValueConverterOption(passthroughConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { chDB.Close() })

	pgDB, pgMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pgDB.Close() })

	mr := miniredis.RunT(t)
	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	builder := query.NewBuilder(query.Options{MaxPageSize: 1000})
	respCache := cache.New(cache.Options{TTL: time.Minute, MaxEntries: 100}, cache.MetricsHooks{})
	searchSvc := search.NewService(chDB, builder, respCache, logger, search.Metrics{}, search.Options{})
	engine := rulepacks.NewEngine(rulepacks.NewStore(pgDB), redisClient, nil, logger, rulepacks.Metrics{}, rulepacks.Config{})
	health := monitoring.NewHealthChecker("argus-api", "test")

	producer := &fakeProducer{}
	h := New(logger, producer, searchSvc, engine, nil, redisClient, health, Config{
		HeartbeatInterval:  50 * time.Millisecond,
		StreamPollInterval: 30 * time.Millisecond,
	})

	return &testEnv{
		router:   SetupRouter(h, logger, nil),
		producer: producer,
		chMock:   chMock,
		pgMock:   pgMock,
		redis:    mr,
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngestEvent_Accepted(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/events/ingest", models.IngestEventRequest{
		TenantID: "t1",
		SourceIP: "10.0.0.1",
		RawEvent: `{"user":"alice","action":"login"}`,
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["event_id"])
	require.Len(t, env.producer.published, 1)
	assert.Equal(t, "t1", env.producer.published[0].TenantID)
}

func TestIngestEvent_MissingMandatoryField(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/events/ingest", models.IngestEventRequest{
		TenantID: "t1",
		RawEvent: "something",
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "source_ip")
	assert.Empty(t, env.producer.published)
}

func TestBatchIngest_PartialAcceptance(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/events/batch", models.BatchIngestRequest{
		Events: []models.IngestEventRequest{
			{TenantID: "t1", SourceIP: "10.0.0.1", RawEvent: "ok"},
			{TenantID: "t1", RawEvent: "missing source_ip"},
		},
	}, nil)

	require.Equal(t, http.StatusPartialContent, rec.Code, rec.Body.String())
	var resp models.BatchIngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Failed)
}

func TestBatchIngest_AllBad(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/events/batch", models.BatchIngestRequest{
		Events: []models.IngestEventRequest{
			{TenantID: "t1", RawEvent: "no source_ip"},
		},
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type passthroughConverter struct{}

func (passthroughConverter) ConvertValue(v interface{}) (driver.Value, error) {
	return driver.Value(v), nil
}

func searchRows(mock sqlmock.Sqlmock, events ...*models.Event) *sqlmock.Rows {
	rows := mock.NewRows(models.EventColumns)
	for _, e := range events {
		vals := e.InsertValues()
		row := make([]driver.Value, len(vals))
		for i, v := range vals {
			row[i] = v
		}
		rows.AddRow(row...)
	}
	return rows
}

func sampleEvent(id string) *models.Event {
	return &models.Event{
		EventID:        id,
		TenantID:       "t1",
		EventTimestamp: 1700000000,
		SourceIP:       "10.0.0.1",
		SourceType:     "Syslog",
		RawEvent:       "Failed password for alice",
		EventCategory:  "Authentication",
		EventOutcome:   "Failure",
		EventAction:    "Login",
		Severity:       "high",
	}
}

func TestSearchEvents_OK(t *testing.T) {
	env := newTestEnv(t)

	env.chMock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(searchRows(env.chMock, sampleEvent("e1")))

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/events/search?severity=high", nil,
		map[string]string{"X-Tenant-ID": "t1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Hits.Hits, 1)
	assert.Equal(t, "e1", resp.Hits.Hits[0].ID)
	assert.Equal(t, "t1", resp.Metadata.TenantID)
}

func TestSearchEvents_RejectsUnknownField(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/events/search?drop_table=x", nil,
		map[string]string{"X-Tenant-ID": "t1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.CodeInvalidField, resp.Code)
}

func TestSearchEvents_RejectsZeroSize(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/events/search?size=0", nil,
		map[string]string{"X-Tenant-ID": "t1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEvents_CacheReplay(t *testing.T) {
	env := newTestEnv(t)

	// Only one columnar query is expected: the second request must be
	// served from the response cache.
	env.chMock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(searchRows(env.chMock, sampleEvent("e1")))

	path := "/api/v1/events/search?severity=high&cache=true&cache_ttl=60"
	first := doJSON(t, env.router, http.MethodGet, path, nil, map[string]string{"X-Tenant-ID": "t1"})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := doJSON(t, env.router, http.MethodGet, path, nil, map[string]string{"X-Tenant-ID": "t1"})
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	var firstResp, secondResp models.SearchResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))

	assert.False(t, firstResp.Metadata.CacheHit)
	assert.True(t, secondResp.Metadata.CacheHit)
	assert.Equal(t, firstResp.Hits, secondResp.Hits)
	assert.NoError(t, env.chMock.ExpectationsWereMet())
}

func TestGetEvent_NotFound(t *testing.T) {
	env := newTestEnv(t)

	env.chMock.ExpectQuery("SELECT .* FROM events_t1 WHERE tenant_id = \\? AND event_id = \\?").
		WillReturnRows(searchRows(env.chMock))

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/events/nope", nil,
		map[string]string{"X-Tenant-ID": "t1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEvent_Found(t *testing.T) {
	env := newTestEnv(t)

	env.chMock.ExpectQuery("SELECT .* FROM events_t1 WHERE tenant_id = \\? AND event_id = \\?").
		WithArgs("t1", "e1").
		WillReturnRows(searchRows(env.chMock, sampleEvent("e1")))

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/events/e1", nil,
		map[string]string{"X-Tenant-ID": "t1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var event models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, "e1", event.EventID)
}

func packTarGz(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func multipartArchive(t *testing.T, fieldFiles map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	archive := packTarGz(t, fieldFiles)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("archive", "rules.tar.gz")
	require.NoError(t, err)
	_, err = fw.Write(archive.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUploadRulePack_Created(t *testing.T) {
	env := newTestEnv(t)

	env.pgMock.ExpectBegin()
	env.pgMock.ExpectExec("INSERT INTO rule_packs").WillReturnResult(sqlmock.NewResult(0, 1))
	env.pgMock.ExpectExec("INSERT INTO rule_pack_items").WillReturnResult(sqlmock.NewResult(0, 1))
	env.pgMock.ExpectCommit()

	body, contentType := multipartArchive(t, map[string]string{
		"rule.json": `{"rule_id":"r1","name":"SSH","pattern":"Failed password"}`,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rule-packs", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Tenant-ID", "t1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp rulepacks.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.PackID)
	assert.Equal(t, 1, resp.ValidCount)
}

func TestUploadRulePack_RequiresArchive(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/rule-packs", nil,
		map[string]string{"X-Tenant-ID": "t1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyRulePack_RequiresIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/rule-packs/p1/apply", nil,
		map[string]string{"X-Tenant-ID": "t1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Idempotency-Key")
}

func TestApplyRulePack_UnknownPack(t *testing.T) {
	env := newTestEnv(t)

	env.pgMock.ExpectQuery("SELECT plan_id FROM deploy_plans").
		WillReturnError(fmt.Errorf("%w", rulepacks.ErrPlanNotFound))

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/rule-packs/ghost/apply", nil,
		map[string]string{"X-Tenant-ID": "t1", "Idempotency-Key": "k1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlCanary_RequiresAction(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/api/v1/deployments/d1/canary",
		map[string]string{}, map[string]string{"X-Tenant-ID": "t1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodGet, "/health", nil, nil)
	// No probes are registered, so the overall report is unknown and
	// the endpoint answers 503.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, env.router, http.MethodGet, "/health/detailed", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "components")
}
