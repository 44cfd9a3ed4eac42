package search

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"argus/internal/query"
	"argus/pkg/cache"
	"argus/pkg/database"
	"argus/pkg/models"
)

var ErrEventNotFound = errors.New("event not found")

// Metrics are the search counters, created from the service's
// MetricsCollector. All fields are optional.
type Metrics struct {
	Searches *prometheus.CounterVec // status
	Cache    *prometheus.CounterVec // result: hit|miss
	Duration *prometheus.HistogramVec
}

// Options configure the search service.
type Options struct {
	DefaultCacheTTL time.Duration
	QueryTimeout    time.Duration
}

// Service executes search requests against the columnar store with a
// fingerprint-keyed response cache.
type Service struct {
	db      database.ClickHouseConn
	builder *query.Builder
	cache   *cache.Cache
	logger  *logrus.Logger
	metrics Metrics
	opts    Options
}

func NewService(db database.ClickHouseConn, builder *query.Builder, respCache *cache.Cache, logger *logrus.Logger, metrics Metrics, opts Options) *Service {
	if opts.DefaultCacheTTL <= 0 {
		opts.DefaultCacheTTL = 60 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	return &Service{
		db:      db,
		builder: builder,
		cache:   respCache,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

// Fingerprint is the stable cache key for a request: sha256 over the
// canonical JSON encoding with the cache knobs zeroed out (two requests
// differing only in TTL hit the same entry).
func Fingerprint(req *models.SearchRequest) string {
	normalized := *req
	normalized.Options = models.SearchOptions{Explain: req.Options.Explain}
	b, err := json.Marshal(&normalized)
	if err != nil {
		return uuid.New().String()
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Search runs one request: cache lookup, SQL build, execute, aggregate.
// Failed or timed-out queries are never cached.
func (s *Service) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()
	queryID := uuid.New().String()

	fingerprint := Fingerprint(req)
	if req.Options.EnableCaching && s.cache != nil {
		if cached, ok := s.cache.Peek(fingerprint); ok {
			if resp, ok := cached.(*models.SearchResponse); ok {
				s.countCache("hit")
				s.countSearch("cached")
				out := *resp
				out.Metadata.CacheHit = true
				out.Metadata.QueryID = queryID
				out.Metadata.TookMs = time.Since(start).Milliseconds()
				return &out, nil
			}
		}
		s.countCache("miss")
	}

	qctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	resp, err := s.execute(qctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.countSearch("timeout")
			s.observe("timeout", elapsed)
			return &models.SearchResponse{
				Hits: models.SearchHits{Hits: []models.SearchHit{}},
				Metadata: models.SearchMetadata{
					TookMs:   elapsed.Milliseconds(),
					TimedOut: true,
					QueryID:  queryID,
					TenantID: req.TenantID,
				},
			}, nil
		}
		s.countSearch("error")
		s.observe("error", elapsed)
		return nil, err
	}

	resp.Metadata.TookMs = elapsed.Milliseconds()
	resp.Metadata.QueryID = queryID
	resp.Metadata.TenantID = req.TenantID

	s.countSearch("ok")
	s.observe("ok", elapsed)

	if req.Options.EnableCaching && s.cache != nil {
		ttl := s.opts.DefaultCacheTTL
		if req.Options.CacheTTLSecs > 0 {
			ttl = time.Duration(req.Options.CacheTTLSecs) * time.Second
		}
		s.cache.Set(fingerprint, resp, ttl)
	}
	return resp, nil
}

func (s *Service) execute(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	tables, err := s.eventTables(ctx, req)
	if err != nil {
		return nil, err
	}

	q, err := s.builder.Build(req, tables)
	if err != nil {
		return nil, err
	}

	var explanation string
	if req.Options.Explain {
		explanation = q.SQL
	}

	rows, err := s.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}
	defer rows.Close()

	hits := []models.SearchHit{}
	for rows.Next() {
		var event models.Event
		if err := rows.Scan(event.ScanDest()...); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		hits = append(hits, models.SearchHit{ID: event.EventID, Source: event})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}

	size := req.Pagination.Size
	if size <= 0 {
		size = 100
	}
	page := req.Pagination.Page
	if page < 1 {
		page = 1
	}

	total := len(hits)
	if req.Pagination.IncludeTotal {
		countQ, err := s.builder.BuildCount(req, tables)
		if err != nil {
			return nil, err
		}
		if err := s.db.QueryRowContext(ctx, countQ.SQL, countQ.Args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("execute count: %w", err)
		}
	}

	resp := &models.SearchResponse{
		Hits: models.SearchHits{
			Total: total,
			Hits:  hits,
			Pagination: models.PageInfo{
				Page:    page,
				Size:    size,
				Total:   total,
				HasNext: len(hits) == size,
			},
		},
		Metadata: models.SearchMetadata{Explanation: explanation},
	}

	if len(req.Aggregations) > 0 {
		resp.Aggregations = make(map[string]models.AggregationResult, len(req.Aggregations))
		for name, agg := range req.Aggregations {
			result, err := s.runAggregation(ctx, req, agg, tables)
			if err != nil {
				return nil, fmt.Errorf("aggregation %q: %w", name, err)
			}
			resp.Aggregations[name] = result
		}
	}
	return resp, nil
}

func (s *Service) runAggregation(ctx context.Context, req *models.SearchRequest, agg models.Aggregation, tables []string) (models.AggregationResult, error) {
	q, err := s.builder.BuildAggregation(req, agg, tables)
	if err != nil {
		return models.AggregationResult{}, err
	}

	switch agg.Type {
	case models.AggCount:
		var count uint64
		if err := s.db.QueryRowContext(ctx, q.SQL, q.Args...).Scan(&count); err != nil {
			return models.AggregationResult{}, err
		}
		return models.AggregationResult{Count: count}, nil

	case models.AggTerms:
		rows, err := s.db.QueryContext(ctx, q.SQL, q.Args...)
		if err != nil {
			return models.AggregationResult{}, err
		}
		defer rows.Close()
		var buckets []models.TermsBucket
		for rows.Next() {
			var b models.TermsBucket
			if err := rows.Scan(&b.Key, &b.DocCount); err != nil {
				return models.AggregationResult{}, err
			}
			buckets = append(buckets, b)
		}
		return models.AggregationResult{Buckets: buckets}, rows.Err()

	case models.AggDateHistogram:
		rows, err := s.db.QueryContext(ctx, q.SQL, q.Args...)
		if err != nil {
			return models.AggregationResult{}, err
		}
		defer rows.Close()
		var buckets []models.DateBucket
		for rows.Next() {
			var b models.DateBucket
			if err := rows.Scan(&b.Bucket, &b.DocCount); err != nil {
				return models.AggregationResult{}, err
			}
			buckets = append(buckets, b)
		}
		return models.AggregationResult{DateBuckets: buckets}, rows.Err()
	}
	return models.AggregationResult{}, query.ErrUnsupportedAggregation
}

// eventTables lists candidate tables for cross-tenant queries. Tenant
// requests route directly and skip the catalog lookup.
func (s *Service) eventTables(ctx context.Context, req *models.SearchRequest) ([]string, error) {
	if req.TenantID != "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM system.tables WHERE database = currentDatabase() AND name LIKE 'events_%'")
	if err != nil {
		return nil, fmt.Errorf("list event tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// GetEvent fetches one event by id within a tenant's table.
func (s *Service) GetEvent(ctx context.Context, tenantID, eventID string) (*models.Event, error) {
	table, err := query.TenantTable(tenantID)
	if err != nil {
		return nil, err
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = ? AND event_id = ? LIMIT 1",
		strings.Join(models.EventColumns, ", "), table)

	var event models.Event
	err = s.db.QueryRowContext(ctx, sqlText, tenantID, eventID).Scan(event.ScanDest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	return &event, nil
}

func (s *Service) countSearch(status string) {
	if s.metrics.Searches != nil {
		s.metrics.Searches.WithLabelValues(status).Inc()
	}
}

func (s *Service) countCache(result string) {
	if s.metrics.Cache != nil {
		s.metrics.Cache.WithLabelValues(result).Inc()
	}
}

func (s *Service) observe(status string, elapsed time.Duration) {
	if s.metrics.Duration != nil {
		s.metrics.Duration.WithLabelValues(status).Observe(elapsed.Seconds())
	}
}
