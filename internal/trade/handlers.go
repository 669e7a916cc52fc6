package trade

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cesnetwork/escrowd/internal/metrics"
	"github.com/cesnetwork/escrowd/internal/pagination"
	"github.com/cesnetwork/escrowd/internal/token"
)

// Handler provides HTTP endpoints for trade records and statistics.
type Handler struct {
	store Store
}

// NewHandler creates a new trade handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.Create)
	r.GET("/trades/:id", h.Get)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.GET("/accounts/:id/trades", h.ListByAccount)
	r.GET("/tokens/:symbol/price-stats", h.PriceStats)
}

type createTradeRequest struct {
	Token   string `json:"token"`
	Amount  string `json:"amount" binding:"required"`
	Price   string `json:"price" binding:"required"`
	MakerID string `json:"makerId" binding:"required"`
	TakerID string `json:"takerId" binding:"required"`
}

// Create handles POST /v1/trades
func (h *Handler) Create(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.MakerID == req.TakerID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "maker and taker cannot be the same account",
		})
		return
	}
	if !token.Positive(req.Amount) || !token.Positive(req.Price) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "amount and price must be positive decimals",
		})
		return
	}
	if req.Token == "" {
		req.Token = token.CES
	}

	t := &Trade{
		Token:   req.Token,
		Amount:  req.Amount,
		Price:   req.Price,
		MakerID: req.MakerID,
		TakerID: req.TakerID,
		Status:  StatusOpen,
	}
	if err := h.store.Create(c.Request.Context(), t); err != nil {
		writeTradeError(c, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(StatusOpen).Inc()
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// Get handles GET /v1/trades/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Cancel handles POST /v1/trades/:id/cancel. Only open trades without an
// active escrow hold can be cancelled directly; funded trades go through the
// escrow refund path instead.
func (h *Handler) Cancel(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeTradeError(c, err)
		return
	}
	if t.Status != StatusOpen || t.EscrowStatus != "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "only open, unfunded trades can be cancelled",
		})
		return
	}

	if err := h.store.UpdateStatus(c.Request.Context(), t.ID, StatusCancelled); err != nil {
		writeTradeError(c, err)
		return
	}
	t.Status = StatusCancelled

	metrics.TradesTotal.WithLabelValues(StatusCancelled).Inc()
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListByAccount handles GET /v1/accounts/:id/trades. Pages are keyed by an
// opaque cursor so results stay stable while new trades arrive.
func (h *Handler) ListByAccount(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	trades, err := h.store.ListByAccount(c.Request.Context(), c.Param("id"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	trades, next, hasMore := pagination.ComputePage(trades, limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	resp := gin.H{"trades": trades, "count": len(trades), "has_more": hasMore}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// PriceStats handles GET /v1/tokens/:symbol/price-stats
func (h *Handler) PriceStats(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			window = d
		}
	}

	stats, err := h.store.GetPriceStats(c.Request.Context(), c.Param("symbol"), time.Now().Add(-window))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func writeTradeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrTradeNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidStatus):
		status, code = http.StatusBadRequest, "invalid_status"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
