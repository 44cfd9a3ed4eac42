package search

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/query"
	"argus/pkg/cache"
	"argus/pkg/models"
)

type passthroughConverter struct{}

func (passthroughConverter) ConvertValue(v interface{}) (driver.Value, error) {
	return driver.Value(v), nil
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthroughConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	respCache := cache.New(cache.Options{TTL: time.Minute, MaxEntries: 100}, cache.MetricsHooks{})
	builder := query.NewBuilder(query.Options{MaxPageSize: 1000, AllowRegex: true})
	svc := NewService(db, builder, respCache, logrus.New(), Metrics{}, Options{})
	return svc, mock
}

func eventRows(mock sqlmock.Sqlmock, events ...*models.Event) *sqlmock.Rows {
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

func storedEvent(id string) *models.Event {
	return &models.Event{
		EventID:        id,
		TenantID:       "t1",
		EventTimestamp: 1700000000,
		SourceIP:       "10.0.0.1",
		SourceType:     "JSON",
		RawEvent:       `{"user":"alice"}`,
		EventCategory:  models.TaxonomyUnknown,
		EventOutcome:   models.TaxonomyUnknown,
		EventAction:    models.TaxonomyUnknown,
		UserName:       "alice",
	}
}

func TestSearch_Basic(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1 WHERE tenant_id = \\?").
		WithArgs("t1").
		WillReturnRows(eventRows(mock, storedEvent("e1"), storedEvent("e2")))

	resp, err := svc.Search(context.Background(), &models.SearchRequest{
		TenantID:   "t1",
		Pagination: models.Pagination{Page: 1, Size: 2},
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits.Hits, 2)
	assert.Equal(t, "e1", resp.Hits.Hits[0].ID)
	assert.Equal(t, "alice", resp.Hits.Hits[0].Source.UserName)
	assert.True(t, resp.Hits.Pagination.HasNext, "full page implies another may exist")
	assert.False(t, resp.Metadata.CacheHit)
	assert.NotEmpty(t, resp.Metadata.QueryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_PartialPageHasNoNext(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(eventRows(mock, storedEvent("e1")))

	resp, err := svc.Search(context.Background(), &models.SearchRequest{
		TenantID:   "t1",
		Pagination: models.Pagination{Page: 1, Size: 50},
	})
	require.NoError(t, err)
	assert.False(t, resp.Hits.Pagination.HasNext)
}

func TestSearch_CacheHit(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(eventRows(mock, storedEvent("e1")))

	req := &models.SearchRequest{
		TenantID:   "t1",
		Pagination: models.Pagination{Page: 1, Size: 50},
		Options:    models.SearchOptions{EnableCaching: true},
	}

	first, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	// No second DB expectation: a repeat request must come from cache.
	second, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Len(t, second.Hits.Hits, 1)
	assert.NotEqual(t, first.Metadata.QueryID, second.Metadata.QueryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_FailureNotCached(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnError(errors.New("connection reset"))

	req := &models.SearchRequest{
		TenantID:   "t1",
		Pagination: models.Pagination{Page: 1, Size: 50},
		Options:    models.SearchOptions{EnableCaching: true},
	}
	_, err := svc.Search(context.Background(), req)
	require.Error(t, err)

	_, cached := svc.cache.Peek(Fingerprint(req))
	assert.False(t, cached, "failed responses must not populate the cache")
}

func TestSearch_IncludeTotal(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(eventRows(mock, storedEvent("e1")))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count() FROM events_t1")).
		WillReturnRows(sqlmock.NewRows([]string{"count()"}).AddRow(4321))

	resp, err := svc.Search(context.Background(), &models.SearchRequest{
		TenantID:   "t1",
		Pagination: models.Pagination{Page: 1, Size: 50, IncludeTotal: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 4321, resp.Hits.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_TermsAggregation(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(eventRows(mock))
	mock.ExpectQuery("SELECT severity, count\\(\\) AS doc_count FROM events_t1").
		WillReturnRows(sqlmock.NewRows([]string{"severity", "doc_count"}).
			AddRow("High", uint64(12)).
			AddRow("Low", uint64(3)))

	resp, err := svc.Search(context.Background(), &models.SearchRequest{
		TenantID:   "t1",
		Pagination: models.Pagination{Page: 1, Size: 50},
		Aggregations: map[string]models.Aggregation{
			"by_severity": {Type: models.AggTerms, Field: "severity", Size: 10},
		},
	})
	require.NoError(t, err)
	require.Contains(t, resp.Aggregations, "by_severity")
	buckets := resp.Aggregations["by_severity"].Buckets
	require.Len(t, buckets, 2)
	assert.Equal(t, "High", buckets[0].Key)
	assert.Equal(t, uint64(12), buckets[0].DocCount)
}

func TestSearch_InvalidFieldNoSQL(t *testing.T) {
	svc, mock := newTestService(t)

	_, err := svc.Search(context.Background(), &models.SearchRequest{
		TenantID: "t1",
		Filters:  map[string]models.Filter{"drop_table": {Operator: models.OpEquals, Value: "x"}},
	})
	assert.ErrorIs(t, err, query.ErrInvalidField)
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL may reach the store")
}

func TestGetEvent(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1 WHERE tenant_id = \\? AND event_id = \\?").
		WithArgs("t1", "e1").
		WillReturnRows(eventRows(mock, storedEvent("e1")))

	event, err := svc.GetEvent(context.Background(), "t1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", event.EventID)
}

func TestGetEvent_NotFound(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT .* FROM events_t1").
		WillReturnRows(eventRows(mock))

	_, err := svc.GetEvent(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestFingerprint_Stability(t *testing.T) {
	a := &models.SearchRequest{
		TenantID: "t1",
		Filters:  map[string]models.Filter{"severity": {Operator: models.OpEquals, Value: "High"}},
		Options:  models.SearchOptions{EnableCaching: true, CacheTTLSecs: 30},
	}
	b := &models.SearchRequest{
		TenantID: "t1",
		Filters:  map[string]models.Filter{"severity": {Operator: models.OpEquals, Value: "High"}},
		Options:  models.SearchOptions{EnableCaching: true, CacheTTLSecs: 300},
	}
	assert.Equal(t, Fingerprint(a), Fingerprint(b), "cache knobs must not change the fingerprint")

	c := &models.SearchRequest{TenantID: "t2"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}
