package handlers

import (
	"github.com/gin-gonic/gin"

	"argus/pkg/logging"
	"argus/pkg/monitoring"
	"argus/pkg/server"
)

// SetupRouter wires the full /api/v1 surface onto a service router with
// the standard middleware, health and metrics endpoints.
func SetupRouter(h *Handlers, logger logging.Logger, metricsCollector *monitoring.MetricsCollector) *gin.Engine {
	router := server.SetupServiceRouter(logger, "argus-api", h.health, metricsCollector)

	v1 := router.Group("/api/v1")
	{
		events := v1.Group("/events")
		{
			events.POST("/ingest", h.IngestEvent)
			events.POST("/batch", h.BatchIngest)
			events.GET("/search", h.SearchEvents)
			events.GET("/stream/redis", h.StreamRedis)
			events.GET("/stream/ch", h.StreamClickHouse)
			events.GET("/:id", h.GetEvent)
		}

		v1.GET("/storage/stats", h.StorageStats)

		v1.POST("/rule-packs", h.UploadRulePack)
		v1.POST("/rule-packs/:pack_id/plan", h.PlanRulePack)
		v1.POST("/rule-packs/:pack_id/apply", h.ApplyRulePack)
		v1.POST("/deployments/:deploy_id/rollback", h.RollbackDeployment)
		v1.POST("/deployments/:deploy_id/canary", h.ControlCanary)
	}

	return router
}
