package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"argus/internal/rulepacks"
	"argus/pkg/models"
)

// UploadRulePack accepts a multipart archive of detection rules.
func (h *Handlers) UploadRulePack(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		tenantID = c.PostForm("tenant_id")
	}
	if tenantID == "" {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "tenant context required")
		return
	}

	file, header, err := c.Request.FormFile("archive")
	if err != nil {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "multipart field 'archive' is required")
		return
	}
	defer file.Close()

	name := c.PostForm("name")
	if name == "" {
		name = header.Filename
	}

	result, err := h.engine.Upload(c.Request.Context(), tenantID, name, file, header.Size)
	if err != nil {
		h.rulePackError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// PlanRulePack computes and persists the deploy plan for a pack.
func (h *Handlers) PlanRulePack(c *gin.Context) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	// The body is optional; an empty or absent body means the safe
	// strategy.
	_ = c.ShouldBindJSON(&body)

	plan, err := h.engine.Plan(c.Request.Context(), c.Param("pack_id"), body.Strategy)
	if err != nil {
		h.rulePackError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"plan_id":    plan.PlanID,
		"pack_id":    plan.PackID,
		"strategy":   plan.Strategy,
		"totals":     plan.Totals,
		"guardrails": plan.Guardrails,
		"entries":    plan.Entries,
	})
}

// ApplyRulePack executes a pack's latest plan. The Idempotency-Key
// header is mandatory; a repeated key replays the original result.
func (h *Handlers) ApplyRulePack(c *gin.Context) {
	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey == "" {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "Idempotency-Key header is required")
		return
	}

	var body struct {
		Canary *rulepacks.CanaryConfig `json:"canary,omitempty"`
	}
	_ = c.ShouldBindJSON(&body)

	result, err := h.engine.Apply(c.Request.Context(), c.Param("pack_id"), idempotencyKey, body.Canary)
	if err != nil {
		h.rulePackError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RollbackDeployment restores the snapshots of a prior deployment.
func (h *Handlers) RollbackDeployment(c *gin.Context) {
	result, err := h.engine.Rollback(c.Request.Context(), c.Param("deploy_id"))
	if err != nil {
		h.rulePackError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ControlCanary advances, pauses or cancels a staged rollout.
func (h *Handlers) ControlCanary(c *gin.Context) {
	var body struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, "action is required: advance, pause or cancel")
		return
	}

	state, err := h.engine.Canary(c.Request.Context(), c.Param("deploy_id"), body.Action)
	if err != nil {
		h.rulePackError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// rulePackError maps engine errors onto the error envelope.
func (h *Handlers) rulePackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rulepacks.ErrPackNotFound),
		errors.Is(err, rulepacks.ErrPlanNotFound),
		errors.Is(err, rulepacks.ErrDeployNotFound):
		errorJSON(c, http.StatusNotFound, models.CodeNotFound, err.Error())
	case errors.Is(err, rulepacks.ErrArchiveTooLarge),
		errors.Is(err, rulepacks.ErrTooManyItems),
		errors.Is(err, rulepacks.ErrNoValidItems),
		errors.Is(err, rulepacks.ErrIdempotencyKey),
		errors.Is(err, rulepacks.ErrInvalidCanaryStage),
		errors.Is(err, rulepacks.ErrBadCanaryAction),
		errors.Is(err, rulepacks.ErrNoSnapshots),
		errors.Is(err, rulepacks.ErrCanaryNotActive):
		errorJSON(c, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
	case errors.Is(err, rulepacks.ErrLockHeld):
		errorJSON(c, http.StatusConflict, models.CodeInvalidRequest, err.Error())
	case errors.Is(err, rulepacks.ErrGuardrail):
		errorJSON(c, http.StatusUnprocessableEntity, models.CodeInvalidRequest, err.Error())
	default:
		h.logger.WithError(err).Error("Rule pack operation failed")
		errorJSON(c, http.StatusInternalServerError, models.CodeInternal, "rule pack operation failed")
	}
}
