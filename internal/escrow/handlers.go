package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cesnetwork/escrowd/internal/settlement"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/lock", h.Lock)
	r.POST("/escrows/:tradeId/release", h.Release)
	r.POST("/escrows/:tradeId/refund", h.Refund)
	r.POST("/escrows/:tradeId/split", h.Split)
	r.GET("/escrows/:tradeId", h.GetByTrade)
	r.GET("/accounts/:id/escrows", h.ListByAccount)
}

type settleRequest struct {
	Token string `json:"token"`
	Actor string `json:"actor"`
}

type splitRequest struct {
	Token         string `json:"token"`
	Actor         string `json:"actor"`
	ReleaseAmount string `json:"releaseAmount" binding:"required"`
}

// Lock handles POST /v1/escrows/lock
func (h *Handler) Lock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.engine.Lock(c.Request.Context(), req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// Release handles POST /v1/escrows/:tradeId/release
func (h *Handler) Release(c *gin.Context) {
	var req settleRequest
	_ = c.ShouldBindJSON(&req)

	rec, err := h.engine.Release(c.Request.Context(), c.Param("tradeId"), req.Token, actorOrDefault(req.Actor))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// Refund handles POST /v1/escrows/:tradeId/refund
func (h *Handler) Refund(c *gin.Context) {
	var req settleRequest
	_ = c.ShouldBindJSON(&req)

	rec, err := h.engine.Refund(c.Request.Context(), c.Param("tradeId"), req.Token, actorOrDefault(req.Actor))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// Split handles POST /v1/escrows/:tradeId/split
func (h *Handler) Split(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.engine.Split(c.Request.Context(), c.Param("tradeId"), req.Token, req.ReleaseAmount, actorOrDefault(req.Actor))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// GetByTrade handles GET /v1/escrows/:tradeId
func (h *Handler) GetByTrade(c *gin.Context) {
	rec, err := h.engine.GetByTrade(c.Request.Context(), c.Param("tradeId"), c.Query("token"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListByAccount handles GET /v1/accounts/:id/escrows
func (h *Handler) ListByAccount(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	records, err := h.engine.ListByAccount(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": records, "count": len(records)})
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "api"
	}
	return actor
}

func writeEscrowError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrRecordNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ErrDuplicateLock):
		status, code = http.StatusConflict, "duplicate_lock"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConcurrencyConflict):
		status, code = http.StatusTooManyRequests, "concurrency_conflict"
	case errors.Is(err, ErrManualInterventionRequired):
		status, code = http.StatusInternalServerError, "manual_intervention_required"
	case errors.Is(err, ErrSettlementUnavailable):
		status, code = http.StatusServiceUnavailable, "settlement_unavailable"
	case settlement.IsTransient(err):
		status, code = http.StatusBadGateway, "settlement_unavailable"
	case settlement.IsPermanent(err):
		status, code = http.StatusConflict, "settlement_rejected"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
