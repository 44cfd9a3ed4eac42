package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"argus/internal/query"
	"argus/internal/rulepacks"
	"argus/internal/search"
	"argus/internal/storage"
	"argus/pkg/kafka"
	"argus/pkg/logging"
	"argus/pkg/models"
	"argus/pkg/monitoring"
)

// EnvelopePublisher is the producing side of the event bus.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env *kafka.IngestEnvelope) error
	PublishEnvelopeBatch(ctx context.Context, envs []kafka.IngestEnvelope) error
}

// Config tunes the handler layer.
type Config struct {
	HeartbeatInterval  time.Duration // SSE heartbeat cadence
	StreamPollInterval time.Duration // ClickHouse live-stream poll cadence
	MaxBatchEvents     int           // cap on POST /events/batch
}

// Handlers binds the HTTP surface to the pipeline services.
type Handlers struct {
	logger   logging.Logger
	producer EnvelopePublisher
	search   *search.Service
	engine   *rulepacks.Engine
	manager  *storage.Manager
	redis    goredis.UniversalClient
	health   *monitoring.HealthChecker
	cfg      Config
}

func New(logger logging.Logger, producer EnvelopePublisher, searchSvc *search.Service, engine *rulepacks.Engine, manager *storage.Manager, redisClient goredis.UniversalClient, health *monitoring.HealthChecker, cfg Config) *Handlers {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 2 * time.Second
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = 1000
	}
	return &Handlers{
		logger:   logger,
		producer: producer,
		search:   searchSvc,
		engine:   engine,
		manager:  manager,
		redis:    redisClient,
		health:   health,
		cfg:      cfg,
	}
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
	})
}

// envelopeFromRequest validates one ingest item and fills the defaults.
func envelopeFromRequest(req *models.IngestEventRequest) (*kafka.IngestEnvelope, error) {
	env := &kafka.IngestEnvelope{
		EventID:        req.EventID,
		TenantID:       req.TenantID,
		EventTimestamp: req.EventTimestamp,
		SourceIP:       req.SourceIP,
		SourceType:     req.SourceType,
		RawEvent:       req.RawEvent,
	}
	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}
	if env.EventTimestamp == 0 {
		env.EventTimestamp = uint32(time.Now().Unix())
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// IngestEvent accepts one event and publishes its envelope to the bus.
// The 202 acknowledges acceptance onto the bus, not storage.
func (h *Handlers) IngestEvent(c *gin.Context) {
	var req models.IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
		return
	}

	env, err := envelopeFromRequest(&req)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
		return
	}

	if err := h.producer.PublishEnvelope(c.Request.Context(), env); err != nil {
		h.logger.WithError(err).Error("Failed to publish ingest envelope")
		errorJSON(c, http.StatusBadGateway, models.CodeInternal, "event bus unavailable")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"event_id": env.EventID, "status": "accepted"})
}

// BatchIngest accepts up to MaxBatchEvents events in one call. The
// response code reflects the success ratio: 202 when everything was
// accepted, 206 on a partial batch, 400 when nothing was.
func (h *Handlers) BatchIngest(c *gin.Context) {
	var req models.BatchIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
		return
	}
	if len(req.Events) == 0 {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "events array is empty")
		return
	}
	if len(req.Events) > h.cfg.MaxBatchEvents {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "too many events in one batch")
		return
	}

	resp := models.BatchIngestResponse{}
	envs := make([]kafka.IngestEnvelope, 0, len(req.Events))
	for i := range req.Events {
		env, err := envelopeFromRequest(&req.Events[i])
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		envs = append(envs, *env)
		resp.EventIDs = append(resp.EventIDs, env.EventID)
	}

	if len(envs) > 0 {
		if err := h.producer.PublishEnvelopeBatch(c.Request.Context(), envs); err != nil {
			h.logger.WithError(err).Error("Failed to publish ingest batch")
			errorJSON(c, http.StatusBadGateway, models.CodeInternal, "event bus unavailable")
			return
		}
		resp.Accepted = len(envs)
	}

	switch {
	case resp.Accepted == 0:
		c.JSON(http.StatusBadRequest, resp)
	case resp.Failed > 0:
		c.JSON(http.StatusPartialContent, resp)
	default:
		c.JSON(http.StatusAccepted, resp)
	}
}

// SearchEvents runs a search built from query parameters.
func (h *Handlers) SearchEvents(c *gin.Context) {
	req, err := searchRequestFromQuery(c)
	if err != nil {
		var badField *invalidFieldError
		if errors.As(err, &badField) {
			errorJSON(c, http.StatusBadRequest, models.CodeInvalidField, err.Error())
			return
		}
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
		return
	}

	resp, err := h.search.Search(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, query.ErrInvalidField) {
			errorJSON(c, http.StatusBadRequest, models.CodeInvalidField, err.Error())
			return
		}
		if errors.Is(err, query.ErrInvalidTableName) || errors.Is(err, query.ErrRegexDisabled) ||
			errors.Is(err, query.ErrUnsupportedAggregation) {
			errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
			return
		}
		h.logger.WithError(err).Error("Search failed")
		errorJSON(c, http.StatusInternalServerError, models.CodeInternal, "search failed")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetEvent returns one event by id within the caller's tenant.
func (h *Handlers) GetEvent(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		tenantID = c.Query("tenant_id")
	}
	if tenantID == "" {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "tenant context required")
		return
	}

	event, err := h.search.GetEvent(c.Request.Context(), tenantID, c.Param("id"))
	if errors.Is(err, search.ErrEventNotFound) {
		errorJSON(c, http.StatusNotFound, models.CodeNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Event lookup failed")
		errorJSON(c, http.StatusInternalServerError, models.CodeInternal, "event lookup failed")
		return
	}

	c.JSON(http.StatusOK, event)
}

// StorageStats reports per-destination counters.
func (h *Handlers) StorageStats(c *gin.Context) {
	if h.manager == nil {
		errorJSON(c, http.StatusNotFound, models.CodeNotFound, "no storage manager configured")
		return
	}
	c.JSON(http.StatusOK, h.manager.Stats())
}
