package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cesnetwork/escrowd/internal/escrow"
	"github.com/cesnetwork/escrowd/internal/ledger"
)

// Handler provides HTTP endpoints for on-demand reconciliation.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/accounts/:id", h.ValidateAccount)
	r.POST("/reconciliation/sweep", h.Sweep)
}

type validateRequest struct {
	Token        string `json:"token"`
	AutoFix      bool   `json:"autoFix"`
	CheckOrphans bool   `json:"checkOrphans"`
}

// ValidateAccount handles POST /v1/reconciliation/accounts/:id
func (h *Handler) ValidateAccount(c *gin.Context) {
	var req validateRequest
	_ = c.ShouldBindJSON(&req)

	report, err := h.service.ValidateAccount(c.Request.Context(), c.Param("id"), req.Token, ValidateOptions{
		AutoFix:      req.AutoFix,
		CheckOrphans: req.CheckOrphans,
	})
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			status, code = http.StatusNotFound, "not_found"
		case errors.Is(err, escrow.ErrConcurrencyConflict):
			status, code = http.StatusTooManyRequests, "concurrency_conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Sweep handles POST /v1/reconciliation/sweep
func (h *Handler) Sweep(c *gin.Context) {
	var opts SweepOptions
	_ = c.ShouldBindJSON(&opts)

	result, err := h.service.ValidateAll(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
