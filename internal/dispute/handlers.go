package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cesnetwork/escrowd/internal/escrow"
	"github.com/cesnetwork/escrowd/internal/settlement"
	"github.com/cesnetwork/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	engine     *Engine
	moderators *Registry
}

// NewHandler creates a new dispute handler.
func NewHandler(engine *Engine, moderators *Registry) *Handler {
	return &Handler{engine: engine, moderators: moderators}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Initiate)
	r.GET("/disputes/:id", h.Get)
	r.GET("/disputes", h.ListByStatus)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.GET("/moderators", h.ListModerators)
}

// Initiate handles POST /v1/disputes
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	dc, err := h.engine.Initiate(c.Request.Context(), req)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dc})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	dc, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

// ListByStatus handles GET /v1/disputes?status=open
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusOpen)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	cases, err := h.engine.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": cases, "count": len(cases)})
}

type evidenceRequest struct {
	Role        Role   `json:"role" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	dc, err := h.engine.SubmitEvidence(c.Request.Context(), c.Param("id"), req.Role, req.Description)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	dc, err := h.engine.Escalate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

type resolveRequest struct {
	ModeratorID        string  `json:"moderatorId" binding:"required"`
	Outcome            Outcome `json:"outcome" binding:"required"`
	CompensationAmount string  `json:"compensationAmount"`
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("moderatorId", req.ModeratorID),
		validation.ValidAmount("compensationAmount", req.CompensationAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error()})
		return
	}

	dc, err := h.engine.Resolve(c.Request.Context(), c.Param("id"), req.ModeratorID, req.Outcome, req.CompensationAmount)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

// ListModerators handles GET /v1/moderators
func (h *Handler) ListModerators(c *gin.Context) {
	if h.moderators == nil {
		c.JSON(http.StatusOK, gin.H{"moderators": []*Moderator{}})
		return
	}
	mods := h.moderators.List()
	c.JSON(http.StatusOK, gin.H{"moderators": mods, "count": len(mods)})
}

func writeDisputeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrCaseNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ErrAlreadyResolved):
		status, code = http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrNotEscalatable):
		status, code = http.StatusConflict, "not_escalatable"
	case errors.Is(err, ErrWrongModerator):
		status, code = http.StatusForbidden, "wrong_moderator"
	case errors.Is(err, ErrInvalidState), errors.Is(err, escrow.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, escrow.ErrRecordNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrConcurrencyConflict):
		status, code = http.StatusTooManyRequests, "concurrency_conflict"
	case errors.Is(err, escrow.ErrManualInterventionRequired):
		status, code = http.StatusInternalServerError, "manual_intervention_required"
	case settlement.IsTransient(err):
		status, code = http.StatusBadGateway, "settlement_unavailable"
	case settlement.IsPermanent(err):
		status, code = http.StatusConflict, "settlement_rejected"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
