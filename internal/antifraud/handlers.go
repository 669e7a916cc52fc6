package antifraud

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for anti-fraud screening.
type Handler struct {
	gate  *Gate
	store Store
}

// NewHandler creates a new anti-fraud handler.
func NewHandler(gate *Gate, store Store) *Handler {
	return &Handler{gate: gate, store: store}
}

// RegisterRoutes sets up anti-fraud routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/antifraud/evaluate", h.Evaluate)
	r.GET("/accounts/:id/evaluations", h.ListByAccount)
}

// Evaluate handles POST /v1/antifraud/evaluate. Dry run: the verdict is
// returned but no funds move and no order is placed.
func (h *Handler) Evaluate(c *gin.Context) {
	var order Order
	if err := c.ShouldBindJSON(&order); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	eval := h.gate.Evaluate(c.Request.Context(), order)
	c.JSON(http.StatusOK, gin.H{"evaluation": eval})
}

// ListByAccount handles GET /v1/accounts/:id/evaluations
func (h *Handler) ListByAccount(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Evaluation audit trail is not enabled",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	evals, err := h.store.ListByAccount(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": evals, "count": len(evals)})
}
