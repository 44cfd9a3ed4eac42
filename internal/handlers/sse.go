package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"argus/pkg/models"
)

// streamFilter is the SSE filter set shared by both stream flavors.
type streamFilter struct {
	source        string
	severity      string
	securityEvent bool
}

func filterFromQuery(c *gin.Context) streamFilter {
	return streamFilter{
		source:        c.Query("source"),
		severity:      c.Query("severity"),
		securityEvent: c.Query("security_event") == "true",
	}
}

func (f streamFilter) matches(e *models.Event) bool {
	if f.source != "" && e.SourceType != f.source {
		return false
	}
	if f.severity != "" && e.Severity != f.severity {
		return false
	}
	if f.securityEvent && e.IsThreat != 1 {
		return false
	}
	return true
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func writeSSE(c *gin.Context, event string, data []byte) bool {
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func writeHeartbeat(c *gin.Context) bool {
	return writeSSE(c, "heartbeat", []byte(`{}`))
}

// StreamRedis serves a live event feed from the Redis streams the KV
// destination appends to. The sequence is finite: it ends when the
// client disconnects, and is not restartable.
func (h *Handlers) StreamRedis(c *gin.Context) {
	if h.redis == nil {
		errorJSON(c, http.StatusNotFound, models.CodeNotFound, "redis streaming is not configured")
		return
	}

	filter := filterFromQuery(c)
	source := filter.source
	if source == "" {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "source parameter is required for the redis stream")
		return
	}
	stream := "events:" + source

	sseHeaders(c)
	c.Writer.Flush()

	ctx := c.Request.Context()
	lastID := "$"
	// Begin at the stream head minus nothing: "$" skips history. Use
	// last_id to resume within the same connection only.
	if from := c.Query("from_id"); from != "" {
		lastID = from
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !writeHeartbeat(c) {
				return
			}
		default:
		}

		res, err := h.redis.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   100,
			Block:   h.cfg.StreamPollInterval,
		}).Result()
		if err != nil {
			if err == goredis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.logger.WithError(err).Warn("Redis stream read failed")
			return
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				lastID = msg.ID
				raw, ok := msg.Values["event"].(string)
				if !ok {
					continue
				}
				var event models.Event
				if err := json.Unmarshal([]byte(raw), &event); err != nil {
					continue
				}
				if !filter.matches(&event) {
					continue
				}
				if !writeSSE(c, "event", []byte(raw)) {
					return
				}
			}
		}
	}
}

// StreamClickHouse serves a live feed by polling the columnar store for
// events newer than the last poll.
func (h *Handlers) StreamClickHouse(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		tenantID = c.Query("tenant_id")
	}
	if tenantID == "" {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "tenant context required")
		return
	}

	filter := filterFromQuery(c)
	sseHeaders(c)
	c.Writer.Flush()

	ctx := c.Request.Context()
	poll := time.NewTicker(h.cfg.StreamPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	since := uint32(time.Now().Unix())
	seen := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !writeHeartbeat(c) {
				return
			}
		case <-poll.C:
			req := h.pollRequest(tenantID, filter, since)
			resp, err := h.search.Search(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.logger.WithError(err).Warn("Live-stream poll failed")
				continue
			}
			for _, hit := range resp.Hits.Hits {
				if _, dup := seen[hit.ID]; dup {
					continue
				}
				seen[hit.ID] = struct{}{}
				if hit.Source.EventTimestamp > since {
					since = hit.Source.EventTimestamp
				}
				raw, err := json.Marshal(hit.Source)
				if err != nil {
					continue
				}
				if !writeSSE(c, "event", raw) {
					return
				}
			}
		}
	}
}

// pollRequest builds the incremental search for one live-stream poll.
// The lower bound is inclusive, so the event on the boundary timestamp
// is deduplicated by id instead.
func (h *Handlers) pollRequest(tenantID string, filter streamFilter, since uint32) *models.SearchRequest {
	req := &models.SearchRequest{
		TenantID:  tenantID,
		TimeRange: &models.TimeRange{Start: since, End: uint32(time.Now().Unix()) + 1},
		Sort: []models.Sort{
			{Field: "event_timestamp", Direction: models.SortAsc},
		},
		Pagination: models.Pagination{Page: 1, Size: 500},
	}
	filters := make(map[string]models.Filter)
	if filter.source != "" {
		filters["source_type"] = models.Filter{Operator: models.OpEquals, Value: filter.source}
	}
	if filter.severity != "" {
		filters["severity"] = models.Filter{Operator: models.OpEquals, Value: filter.severity}
	}
	if filter.securityEvent {
		filters["is_threat"] = models.Filter{Operator: models.OpEquals, Value: "1"}
	}
	if len(filters) > 0 {
		req.Filters = filters
	}
	return req
}
