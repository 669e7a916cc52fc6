package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/cesnetwork/escrowd/internal/escrow"
	"github.com/cesnetwork/escrowd/internal/events"
	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/logging"
	"github.com/cesnetwork/escrowd/internal/token"
	"github.com/cesnetwork/escrowd/internal/traces"
)

// EscrowController is the slice of the escrow engine disputes drive.
type EscrowController interface {
	GetByTrade(ctx context.Context, tradeID, tokenSym string) (*escrow.Record, error)
	MarkDisputed(ctx context.Context, tradeID, tokenSym, actor string) (*escrow.Record, error)
	Release(ctx context.Context, tradeID, tokenSym, actor string) (*escrow.Record, error)
	Refund(ctx context.Context, tradeID, tokenSym, actor string) (*escrow.Record, error)
	Split(ctx context.Context, tradeID, tokenSym, releaseAmount, actor string) (*escrow.Record, error)
}

// TradeLinker back-references the dispute case on the trade record.
type TradeLinker interface {
	SetDisputeRef(ctx context.Context, tradeID, disputeRef string) error
}

// EngineConfig carries the dispute workflow tunables.
type EngineConfig struct {
	// EscalationWindow is how long a case may wait before escalating.
	EscalationWindow time.Duration

	// HighValueThreshold is the locked amount, in CES, above which a case
	// starts at high priority.
	HighValueThreshold string

	// LowValueThreshold is the locked amount below which a case starts at
	// low priority.
	LowValueThreshold string
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.EscalationWindow <= 0 {
		c.EscalationWindow = 24 * time.Hour
	}
	if c.HighValueThreshold == "" {
		c.HighValueThreshold = "5000"
	}
	if c.LowValueThreshold == "" {
		c.LowValueThreshold = "100"
	}
	return c
}

// Engine runs the dispute workflow on top of the escrow engine.
type Engine struct {
	store      Store
	escrows    EscrowController
	moderators *Registry
	cfg        EngineConfig
	trades     TradeLinker
	emitter    *events.Emitter
}

// NewEngine creates the dispute engine.
func NewEngine(store Store, escrows EscrowController, moderators *Registry, cfg EngineConfig) *Engine {
	return &Engine{
		store:      store,
		escrows:    escrows,
		moderators: moderators,
		cfg:        cfg.withDefaults(),
	}
}

// WithTradeLinker keeps trade records pointing at their open dispute.
func (e *Engine) WithTradeLinker(linker TradeLinker) *Engine {
	e.trades = linker
	return e
}

// WithEmitter wires lifecycle event publishing.
func (e *Engine) WithEmitter(emitter *events.Emitter) *Engine {
	e.emitter = emitter
	return e
}

// InitiateRequest opens a dispute over a trade.
type InitiateRequest struct {
	TradeID       string   `json:"tradeId" binding:"required"`
	Token         string   `json:"token"`
	InitiatorRole Role     `json:"initiatorRole" binding:"required"`
	Category      Category `json:"category" binding:"required"`
	Reason        string   `json:"reason" binding:"required"`
}

// Initiate opens a dispute. Valid only while the trade's escrow is locked;
// the escrow is frozen in the same call.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*Case, error) {
	if req.InitiatorRole != RoleBuyer && req.InitiatorRole != RoleSeller {
		return nil, fmt.Errorf("%w: initiatorRole must be buyer or seller", ErrValidation)
	}
	if !validCategory(req.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, req.Category)
	}
	if req.Token == "" {
		req.Token = token.CES
	}

	if existing, err := e.store.GetByTrade(ctx, req.TradeID); err == nil && existing.Status != StatusResolved {
		return nil, fmt.Errorf("%w: trade already has an open dispute %s", ErrValidation, existing.ID)
	}

	rec, err := e.escrows.GetByTrade(ctx, req.TradeID, req.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: no escrow for trade %s", ErrValidation, req.TradeID)
	}
	if rec.State != escrow.StateLocked {
		return nil, fmt.Errorf("%w: disputes require a locked escrow, state is %s", ErrInvalidState, rec.State)
	}

	if _, err := e.escrows.MarkDisputed(ctx, req.TradeID, req.Token, "dispute:"+string(req.InitiatorRole)); err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Case{
		ID:                 idgen.WithPrefix("dsp_"),
		TradeID:            req.TradeID,
		Token:              req.Token,
		Amount:             rec.Amount,
		InitiatorRole:      req.InitiatorRole,
		Category:           req.Category,
		Reason:             req.Reason,
		Priority:           e.computePriority(rec.Amount, req.Category),
		Status:             StatusOpen,
		EscalationDeadline: now.Add(e.cfg.EscalationWindow),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if e.moderators != nil {
		c.AssignedModeratorID = e.moderators.Assign(req.Category)
		if c.AssignedModeratorID != "" {
			c.Status = StatusInvestigating
		}
	}

	if err := e.store.Create(ctx, c); err != nil {
		return nil, err
	}
	if e.trades != nil {
		if err := e.trades.SetDisputeRef(ctx, req.TradeID, c.ID); err != nil {
			logging.L(ctx).Warn("dispute ref mirror failed", "trade", req.TradeID, "error", err)
		}
	}

	e.emitter.EmitDisputeInitiated(c.ID, c.TradeID, string(c.InitiatorRole), string(c.Category), string(c.Priority))
	casesOpened.WithLabelValues(string(c.Category)).Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute", c.ID, "trade", c.TradeID, "category", c.Category,
		"priority", c.Priority, "moderator", c.AssignedModeratorID)
	return c, nil
}

// SubmitEvidence appends evidence to the submitting side's list. An open case
// moves to under review.
func (e *Engine) SubmitEvidence(ctx context.Context, disputeID string, role Role, description string) (*Case, error) {
	if role != RoleBuyer && role != RoleSeller {
		return nil, fmt.Errorf("%w: role must be buyer or seller", ErrValidation)
	}
	if description == "" {
		return nil, fmt.Errorf("%w: evidence description is required", ErrValidation)
	}

	c, err := e.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	ev := Evidence{Role: role, Description: description, SubmittedAt: time.Now()}
	if role == RoleBuyer {
		c.BuyerEvidence = append(c.BuyerEvidence, ev)
	} else {
		c.SellerEvidence = append(c.SellerEvidence, ev)
	}
	if c.Status == StatusOpen {
		c.Status = StatusUnderReview
	}
	c.UpdatedAt = time.Now()

	if err := e.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Escalate raises an overdue case one priority level and reassigns it up a
// tier. Evidence and status are untouched; the deadline restarts so the case
// does not re-escalate on every sweep.
func (e *Engine) Escalate(ctx context.Context, disputeID string) (*Case, error) {
	c, err := e.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusOpen && c.Status != StatusInvestigating {
		return nil, fmt.Errorf("%w: status is %s", ErrNotEscalatable, c.Status)
	}
	if time.Now().Before(c.EscalationDeadline) {
		return nil, fmt.Errorf("%w: deadline not reached", ErrNotEscalatable)
	}

	c.Priority = c.Priority.raise()
	c.Escalations++
	if e.moderators != nil {
		tier := 1
		if m, ok := e.moderators.Get(c.AssignedModeratorID); ok {
			tier = m.Tier
		}
		c.AssignedModeratorID = e.moderators.Reassign(c.AssignedModeratorID, tier, c.Category)
	}
	c.EscalationDeadline = time.Now().Add(e.cfg.EscalationWindow)
	c.UpdatedAt = time.Now()

	if err := e.store.Update(ctx, c); err != nil {
		return nil, err
	}

	e.emitter.EmitDisputeEscalated(c.ID, c.TradeID, string(c.Priority), c.AssignedModeratorID)
	escalations.Inc()
	logging.L(ctx).Info("dispute escalated",
		"dispute", c.ID, "priority", c.Priority, "moderator", c.AssignedModeratorID)
	return c, nil
}

// Resolve closes a case by driving the escrow engine. A failed escrow
// operation leaves the case under review for another attempt.
func (e *Engine) Resolve(ctx context.Context, disputeID, moderatorID string, outcome Outcome, compensationAmount string) (*Case, error) {
	if !validOutcome(outcome) {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrValidation, outcome)
	}

	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	c, err := e.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if c.AssignedModeratorID != "" && moderatorID != c.AssignedModeratorID {
		return nil, fmt.Errorf("%w: %s", ErrWrongModerator, c.AssignedModeratorID)
	}

	// The escrow owner is the seller who locked the tokens; the buyer is the
	// beneficiary. Release pays the buyer, refund returns to the seller.
	actor := "moderator:" + moderatorID
	switch outcome {
	case OutcomeBuyerWins:
		_, err = e.escrows.Release(ctx, c.TradeID, c.Token, actor)
	case OutcomeSellerWins, OutcomeNoFault:
		_, err = e.escrows.Refund(ctx, c.TradeID, c.Token, actor)
	case OutcomeCompromise:
		if err = e.validateCompensation(c.Amount, compensationAmount); err == nil {
			_, err = e.escrows.Split(ctx, c.TradeID, c.Token, compensationAmount, actor)
		}
	}
	if err != nil {
		c.Status = StatusUnderReview
		c.UpdatedAt = time.Now()
		if uerr := e.store.Update(ctx, c); uerr != nil {
			logging.L(ctx).Error("dispute status persist failed", "dispute", c.ID, "error", uerr)
		}
		logging.L(ctx).Warn("dispute resolution failed, case stays under review",
			"dispute", c.ID, "outcome", outcome, "error", err)
		return nil, err
	}

	now := time.Now()
	c.Status = StatusResolved
	c.ResolutionOutcome = outcome
	c.CompensationAmount = compensationAmount
	c.ResolvedBy = moderatorID
	c.ResolvedAt = &now
	c.UpdatedAt = now
	if err := e.store.Update(ctx, c); err != nil {
		return nil, err
	}

	if e.moderators != nil && c.AssignedModeratorID != "" {
		e.moderators.RecordResolution(c.AssignedModeratorID, now.Sub(c.CreatedAt))
	}
	e.emitter.EmitDisputeResolved(c.ID, c.TradeID, string(outcome))
	casesResolved.WithLabelValues(string(outcome)).Inc()
	logging.L(ctx).Info("dispute resolved",
		"dispute", c.ID, "trade", c.TradeID, "outcome", outcome, "moderator", moderatorID)
	return c, nil
}

// Get returns a case by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Case, error) {
	return e.store.Get(ctx, id)
}

// GetByTrade returns the case attached to a trade.
func (e *Engine) GetByTrade(ctx context.Context, tradeID string) (*Case, error) {
	return e.store.GetByTrade(ctx, tradeID)
}

// ListByStatus returns cases in a given state.
func (e *Engine) ListByStatus(ctx context.Context, status Status, limit int) ([]*Case, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByStatus(ctx, status, limit)
}

// SweepEscalations escalates every overdue case. Per-case failures are
// logged and skipped.
func (e *Engine) SweepEscalations(ctx context.Context) (int, error) {
	overdue, err := e.store.ListEscalatable(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, c := range overdue {
		if _, err := e.Escalate(ctx, c.ID); err != nil {
			logging.L(ctx).Warn("escalation failed, continuing sweep", "dispute", c.ID, "error", err)
			continue
		}
		escalated++
	}
	return escalated, nil
}

// validateCompensation enforces that a compromise neither leaks nor
// fabricates funds: strictly between zero and the locked amount.
func (e *Engine) validateCompensation(lockedAmount, compensation string) error {
	comp, ok := token.Parse(compensation)
	total, tok := token.Parse(lockedAmount)
	if !ok || !tok || comp.Sign() <= 0 || comp.Cmp(total) >= 0 {
		return fmt.Errorf("%w: compensation must be strictly between 0 and %s", ErrValidation, lockedAmount)
	}
	return nil
}

// computePriority derives the starting priority from case value and category.
func (e *Engine) computePriority(amount string, category Category) Priority {
	if category == CategoryFraud {
		return PriorityUrgent
	}

	value, ok := token.Parse(amount)
	if !ok {
		return PriorityNormal
	}
	if high, ok := token.Parse(e.cfg.HighValueThreshold); ok && value.Cmp(high) >= 0 {
		return PriorityHigh
	}
	if low, ok := token.Parse(e.cfg.LowValueThreshold); ok && value.Cmp(low) < 0 {
		return PriorityLow
	}
	return PriorityNormal
}
