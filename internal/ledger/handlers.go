package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for account balances and history.
type Handler struct {
	ledger *Ledger
	audit  AuditLogger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// WithAuditQuery enables the audit trail endpoint.
func (h *Handler) WithAuditQuery(audit AuditLogger) *Handler {
	h.audit = audit
	return h
}

// RegisterRoutes sets up account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)
	r.GET("/accounts/:id", h.GetAccount)
	r.GET("/accounts/:id/ledger", h.GetHistory)
	r.POST("/accounts/:id/credit", h.Credit)
	r.POST("/accounts/:id/policy", h.SetPolicy)
	r.GET("/accounts/:id/audit", h.QueryAudit)
}

type createAccountRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Token     string `json:"token"`
}

// CreateAccount handles POST /v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	acct, err := h.ledger.CreateAccount(c.Request.Context(), req.AccountID, req.Token)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /v1/accounts/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type creditRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// Credit handles POST /v1/accounts/:id/credit. Deposits land here; in a real
// deployment a settlement-layer indexer drives this endpoint.
func (h *Handler) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	accountID := c.Param("id")
	if err := h.ledger.Credit(c.Request.Context(), accountID, req.Amount, req.Reference, req.Description); err != nil {
		writeLedgerError(c, err)
		return
	}

	acct, err := h.ledger.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type policyRequest struct {
	Policy string `json:"policy" binding:"required"`
	Reason string `json:"reason"`
}

// SetPolicy handles POST /v1/accounts/:id/policy
func (h *Handler) SetPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.ledger.SetPolicy(c.Request.Context(), c.Param("id"), req.Policy, req.Reason); err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": c.Param("id"), "policy": req.Policy})
}

// QueryAudit handles GET /v1/accounts/:id/audit
func (h *Handler) QueryAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Audit trail not enabled",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	from := parseTimeQuery(c.Query("from"), time.Time{})
	to := parseTimeQuery(c.Query("to"), time.Now())

	entries, err := h.audit.QueryAudit(c.Request.Context(), c.Param("id"), from, to, c.Query("operation"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func parseTimeQuery(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t
}

func writeLedgerError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrAccountNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAccountExists):
		status, code = http.StatusConflict, "account_exists"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		status, code = http.StatusConflict, "insufficient_balance"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
