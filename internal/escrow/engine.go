package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/cesnetwork/escrowd/internal/circuitbreaker"
	"github.com/cesnetwork/escrowd/internal/events"
	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/logging"
	"github.com/cesnetwork/escrowd/internal/metrics"
	"github.com/cesnetwork/escrowd/internal/retry"
	"github.com/cesnetwork/escrowd/internal/settlement"
	"github.com/cesnetwork/escrowd/internal/syncutil"
	"github.com/cesnetwork/escrowd/internal/token"
	"github.com/cesnetwork/escrowd/internal/traces"
	"github.com/cesnetwork/escrowd/internal/trade"
)

// EngineConfig carries the tunables for the escrow state machine.
type EngineConfig struct {
	// SettlementBacked enables the two-phase settlement confirmation. When
	// false the local ledger is authoritative and no settlement calls happen.
	SettlementBacked bool

	// SettlementAttempts bounds retries of transient settlement failures.
	SettlementAttempts int

	// SettlementBaseDelay is the initial backoff between retries.
	SettlementBaseDelay time.Duration

	// LockWaitTimeout bounds waiting for the per-trade and per-account locks.
	LockWaitTimeout time.Duration

	// BreakerThreshold is the consecutive settlement failures per operation
	// before the circuit trips open.
	BreakerThreshold int

	// BreakerOpenFor is how long a tripped circuit rejects calls before
	// allowing a probe.
	BreakerOpenFor time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.SettlementAttempts <= 0 {
		c.SettlementAttempts = 5
	}
	if c.SettlementBaseDelay <= 0 {
		c.SettlementBaseDelay = 200 * time.Millisecond
	}
	if c.LockWaitTimeout <= 0 {
		c.LockWaitTimeout = 5 * time.Second
	}
	return c
}

// Engine implements the escrow state machine over the local ledger and the
// settlement layer.
type Engine struct {
	store      Store
	ledger     LedgerService
	cfg        EngineConfig
	settlement settlement.Client
	gate       FraudGate
	validator  PostOpValidator
	trades     TradeMirror
	emitter    *events.Emitter

	tradeLocks   *syncutil.ContextShardedMutex
	accountLocks *syncutil.ContextShardedMutex
	breaker      *circuitbreaker.Breaker
}

// NewEngine creates the escrow engine.
func NewEngine(store Store, ledger LedgerService, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:        store,
		ledger:       ledger,
		cfg:          cfg,
		tradeLocks:   syncutil.NewContextShardedMutex(),
		accountLocks: syncutil.NewContextShardedMutex(),
		breaker:      circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor),
	}
}

// WithSettlement wires the settlement client. Required in settlement-backed
// mode.
func (e *Engine) WithSettlement(client settlement.Client) *Engine {
	e.settlement = client
	return e
}

// WithGate adds anti-fraud screening to Lock.
func (e *Engine) WithGate(gate FraudGate) *Engine {
	e.gate = gate
	return e
}

// WithValidator adds the post-operation reconciliation hook.
func (e *Engine) WithValidator(v PostOpValidator) *Engine {
	e.validator = v
	return e
}

// WithTradeMirror keeps trade records in sync with escrow state.
func (e *Engine) WithTradeMirror(m TradeMirror) *Engine {
	e.trades = m
	return e
}

// WithEmitter wires lifecycle event publishing.
func (e *Engine) WithEmitter(emitter *events.Emitter) *Engine {
	e.emitter = emitter
	return e
}

// AccountLock exposes the per-account mutex so reconciliation serializes
// against fund-moving operations.
func (e *Engine) AccountLock(ctx context.Context, accountID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LockWaitTimeout)
	defer cancel()
	unlock, err := e.accountLocks.LockContext(lctx, accountID)
	if err != nil {
		return nil, ErrConcurrencyConflict
	}
	return unlock, nil
}

// acquire takes the per-trade lock, then the owner's account lock. Lock order
// is fixed to keep operations deadlock free.
func (e *Engine) acquire(ctx context.Context, tradeID, accountID string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LockWaitTimeout)
	defer cancel()

	unlockTrade, err := e.tradeLocks.LockContext(lctx, tradeID)
	if err != nil {
		return nil, ErrConcurrencyConflict
	}
	unlockAccount, err := e.accountLocks.LockContext(lctx, accountID)
	if err != nil {
		unlockTrade()
		return nil, ErrConcurrencyConflict
	}
	return func() {
		unlockAccount()
		unlockTrade()
	}, nil
}

// Lock reserves the owner's funds for a trade. Idempotent: repeating the call
// for an already locked trade returns the existing record.
func (e *Engine) Lock(ctx context.Context, req LockRequest) (*Record, error) {
	if err := validateLockRequest(&req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.TradeID(req.TradeID), traces.AccountID(req.OwnerID), traces.Amount(req.Amount))
	defer span.End()

	if e.gate != nil {
		if err := e.gate.Authorize(ctx, req.OwnerID, req.Token, req.Amount, req.Price); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
	}

	unlock, err := e.acquire(ctx, req.TradeID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := e.store.GetByTrade(ctx, req.TradeID, req.Token)
	if err == nil {
		switch existing.State {
		case StateLocked:
			if existing.OwnerID == req.OwnerID && existing.Amount == normalizeAmount(req.Amount) {
				return existing, nil
			}
			return nil, ErrDuplicateLock
		case StateFailed:
			// Previous attempt never completed; a fresh lock is allowed.
		case StateReleased, StateRefunded, StateResolved:
			return nil, fmt.Errorf("%w: trade already settled", ErrInvalidState)
		default:
			return nil, ErrDuplicateLock
		}
	} else if err != ErrRecordNotFound {
		return nil, err
	}

	now := time.Now()
	rec := &Record{
		ID:            idgen.WithPrefix("esc_"),
		TradeID:       req.TradeID,
		Token:         req.Token,
		OwnerID:       req.OwnerID,
		BeneficiaryID: req.BeneficiaryID,
		Amount:        normalizeAmount(req.Amount),
		State:         StateLockPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	// Phase one: local reserve.
	if err := e.ledger.EscrowLock(ctx, rec.OwnerID, rec.Amount, rec.ID); err != nil {
		e.transition(ctx, rec, StateFailed, "engine")
		e.emitter.EmitEscrowFailed(rec.TradeID, rec.ID, "lock", err.Error())
		escrowOps.WithLabelValues("lock", "rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	// Phase two: settlement confirmation.
	if e.cfg.SettlementBacked {
		ref, serr := e.settle(ctx, "lock", func() (string, error) {
			return e.settlement.Lock(ctx, rec.OwnerID, rec.Token, rec.Amount)
		})
		if serr != nil {
			// Roll the local reserve back; the hold never took effect.
			if rbErr := e.ledger.EscrowRefund(ctx, rec.OwnerID, rec.Amount, rec.ID); rbErr != nil {
				logging.L(ctx).Error("escrow lock rollback failed, ledgers diverged",
					"escrow", rec.ID, "account", rec.OwnerID, "error", rbErr)
				e.emitter.EmitManualIntervention(rec.OwnerID, rec.TradeID, "lock rollback failed: "+rbErr.Error())
			}
			e.transition(ctx, rec, StateFailed, "engine")
			e.emitter.EmitEscrowFailed(rec.TradeID, rec.ID, "lock", serr.Error())
			detail := "settlement lock retries exhausted"
			if settlement.IsPermanent(serr) {
				detail = "settlement lock rejected permanently"
			}
			e.emitter.EmitManualIntervention(rec.OwnerID, rec.TradeID, detail)
			escrowOps.WithLabelValues("lock", "failed").Inc()
			return nil, serr
		}
		rec.SettlementRef = ref
	}

	e.transition(ctx, rec, StateLocked, "engine")
	e.mirror(ctx, rec.TradeID, string(StateLocked), "")
	e.emitter.EmitEscrowLocked(rec.TradeID, rec.ID, rec.OwnerID, rec.Amount)
	e.validate(ctx, rec.OwnerID)
	escrowOps.WithLabelValues("lock", "ok").Inc()

	logging.L(ctx).Info("escrow locked",
		"escrow", rec.ID, "trade", rec.TradeID, "owner", rec.OwnerID, "amount", rec.Amount)
	return rec, nil
}

// Release pays the escrowed funds to the beneficiary. From a disputed state
// the record resolves instead, preserving the dispute outcome. Idempotent.
func (e *Engine) Release(ctx context.Context, tradeID, tokenSym, actor string) (*Record, error) {
	return e.settleEscrow(ctx, tradeID, tokenSym, actor, ResolutionReleased)
}

// Refund returns the escrowed funds to the owner. Idempotent.
func (e *Engine) Refund(ctx context.Context, tradeID, tokenSym, actor string) (*Record, error) {
	return e.settleEscrow(ctx, tradeID, tokenSym, actor, ResolutionRefunded)
}

// settleEscrow implements the shared release/refund path.
func (e *Engine) settleEscrow(ctx context.Context, tradeID, tokenSym, actor, outcome string) (*Record, error) {
	if tokenSym == "" {
		tokenSym = token.CES
	}

	ctx, span := traces.StartSpan(ctx, "escrow.settle."+outcome, traces.TradeID(tradeID))
	defer span.End()

	rec, err := e.store.GetByTrade(ctx, tradeID, tokenSym)
	if err != nil {
		return nil, err
	}

	unlock, err := e.acquire(ctx, tradeID, rec.OwnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under lock.
	rec, err = e.store.GetByTrade(ctx, tradeID, tokenSym)
	if err != nil {
		return nil, err
	}

	op := outcome // "released" or "refunded" names the operation too
	if done, err := checkSettleState(rec, outcome); done {
		return rec, err
	}

	fromDispute := rec.State == StateDisputed

	if e.cfg.SettlementBacked {
		_, serr := e.settle(ctx, op, func() (string, error) {
			if outcome == ResolutionReleased {
				return e.settlement.Release(ctx, rec.SettlementRef, rec.BeneficiaryID)
			}
			return e.settlement.Refund(ctx, rec.SettlementRef)
		})
		if serr != nil {
			e.emitter.EmitEscrowFailed(rec.TradeID, rec.ID, op, serr.Error())
			detail := "settlement " + op + " retries exhausted"
			if settlement.IsPermanent(serr) {
				detail = "settlement " + op + " rejected permanently"
			}
			e.emitter.EmitManualIntervention(rec.OwnerID, rec.TradeID, detail)
			escrowOps.WithLabelValues(op, "failed").Inc()
			return nil, serr
		}
	}

	// Local commit. Settlement already moved the funds, so a failure here
	// means the ledgers diverged and an operator has to step in.
	var lerr error
	if outcome == ResolutionReleased {
		lerr = e.ledger.EscrowRelease(ctx, rec.OwnerID, rec.BeneficiaryID, rec.Amount, rec.ID)
	} else {
		lerr = e.ledger.EscrowRefund(ctx, rec.OwnerID, rec.Amount, rec.ID)
	}
	if lerr != nil {
		logging.L(ctx).Error("escrow local commit failed after settlement confirmation",
			"escrow", rec.ID, "operation", op, "error", lerr)
		e.emitter.EmitManualIntervention(rec.OwnerID, rec.TradeID, op+" local commit failed: "+lerr.Error())
		escrowOps.WithLabelValues(op, "diverged").Inc()
		return nil, fmt.Errorf("%w: %v", ErrManualInterventionRequired, lerr)
	}

	target := StateReleased
	tradeStatus := trade.StatusCompleted
	if outcome == ResolutionRefunded {
		target = StateRefunded
		tradeStatus = trade.StatusCancelled
	}
	if fromDispute {
		rec.Resolution = outcome
		target = StateResolved
	}
	e.resolve(ctx, rec, target, actor)
	e.mirror(ctx, rec.TradeID, string(target), tradeStatus)

	if outcome == ResolutionReleased {
		e.emitter.EmitEscrowReleased(rec.TradeID, rec.ID, rec.BeneficiaryID, rec.Amount)
		e.validate(ctx, rec.BeneficiaryID)
	} else {
		e.emitter.EmitEscrowRefunded(rec.TradeID, rec.ID, rec.OwnerID, rec.Amount)
	}
	e.validate(ctx, rec.OwnerID)
	escrowOps.WithLabelValues(op, "ok").Inc()

	logging.L(ctx).Info("escrow settled",
		"escrow", rec.ID, "trade", rec.TradeID, "outcome", outcome, "actor", actor)
	return rec, nil
}

// Split settles a disputed escrow with releaseAmount to the beneficiary and
// the remainder refunded. releaseAmount must be strictly between zero and the
// locked amount.
func (e *Engine) Split(ctx context.Context, tradeID, tokenSym, releaseAmount, actor string) (*Record, error) {
	if tokenSym == "" {
		tokenSym = token.CES
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Split",
		traces.TradeID(tradeID), traces.Amount(releaseAmount))
	defer span.End()

	rec, err := e.store.GetByTrade(ctx, tradeID, tokenSym)
	if err != nil {
		return nil, err
	}

	unlock, err := e.acquire(ctx, tradeID, rec.OwnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = e.store.GetByTrade(ctx, tradeID, tokenSym)
	if err != nil {
		return nil, err
	}

	if rec.State == StateResolved && rec.Resolution == ResolutionSplit {
		return rec, nil
	}
	if rec.State != StateDisputed {
		return nil, fmt.Errorf("%w: split requires a disputed escrow, state is %s", ErrInvalidState, rec.State)
	}

	rel, ok := token.Parse(releaseAmount)
	total, _ := token.Parse(rec.Amount)
	if !ok || rel.Sign() <= 0 || rel.Cmp(total) >= 0 {
		return nil, fmt.Errorf("%w: split amount must be strictly between 0 and %s", ErrValidation, rec.Amount)
	}
	refundAmount := token.Format(total.Sub(total, rel))
	releaseAmount = normalizeAmount(releaseAmount)

	if e.cfg.SettlementBacked {
		_, serr := e.settle(ctx, "split", func() (string, error) {
			return e.settlement.ReleasePartial(ctx, rec.SettlementRef, rec.BeneficiaryID, releaseAmount)
		})
		if serr != nil {
			e.emitter.EmitEscrowFailed(rec.TradeID, rec.ID, "split", serr.Error())
			detail := "settlement split retries exhausted"
			if settlement.IsPermanent(serr) {
				detail = "settlement split rejected permanently"
			}
			e.emitter.EmitManualIntervention(rec.OwnerID, rec.TradeID, detail)
			escrowOps.WithLabelValues("split", "failed").Inc()
			return nil, serr
		}
	}

	if err := e.ledger.EscrowSplit(ctx, rec.OwnerID, rec.BeneficiaryID, releaseAmount, refundAmount, rec.ID); err != nil {
		logging.L(ctx).Error("escrow split local commit failed after settlement confirmation",
			"escrow", rec.ID, "error", err)
		e.emitter.EmitManualIntervention(rec.OwnerID, rec.TradeID, "split local commit failed: "+err.Error())
		escrowOps.WithLabelValues("split", "diverged").Inc()
		return nil, fmt.Errorf("%w: %v", ErrManualInterventionRequired, err)
	}

	rec.Resolution = ResolutionSplit
	e.resolve(ctx, rec, StateResolved, actor)
	e.mirror(ctx, rec.TradeID, string(StateResolved), trade.StatusCompleted)
	e.emitter.EmitEscrowSplit(rec.TradeID, rec.ID, rec.BeneficiaryID, releaseAmount, refundAmount)
	e.validate(ctx, rec.OwnerID)
	e.validate(ctx, rec.BeneficiaryID)
	escrowOps.WithLabelValues("split", "ok").Inc()

	logging.L(ctx).Info("escrow split",
		"escrow", rec.ID, "trade", rec.TradeID, "released", releaseAmount, "refunded", refundAmount)
	return rec, nil
}

// MarkDisputed freezes a locked escrow pending dispute resolution. No funds
// move.
func (e *Engine) MarkDisputed(ctx context.Context, tradeID, tokenSym, actor string) (*Record, error) {
	if tokenSym == "" {
		tokenSym = token.CES
	}

	rec, err := e.store.GetByTrade(ctx, tradeID, tokenSym)
	if err != nil {
		return nil, err
	}

	unlock, err := e.acquire(ctx, tradeID, rec.OwnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = e.store.GetByTrade(ctx, tradeID, tokenSym)
	if err != nil {
		return nil, err
	}
	if rec.State == StateDisputed {
		return rec, nil
	}
	if rec.State != StateLocked {
		return nil, fmt.Errorf("%w: dispute requires a locked escrow, state is %s", ErrInvalidState, rec.State)
	}

	e.transition(ctx, rec, StateDisputed, actor)
	e.mirror(ctx, rec.TradeID, string(StateDisputed), "")
	return rec, nil
}

// Get returns a record by escrow ID.
func (e *Engine) Get(ctx context.Context, id string) (*Record, error) {
	return e.store.Get(ctx, id)
}

// GetByTrade returns the newest record for a trade.
func (e *Engine) GetByTrade(ctx context.Context, tradeID, tokenSym string) (*Record, error) {
	if tokenSym == "" {
		tokenSym = token.CES
	}
	return e.store.GetByTrade(ctx, tradeID, tokenSym)
}

// ListByAccount returns records where the account is owner or beneficiary.
func (e *Engine) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByAccount(ctx, accountID, limit)
}

// settle runs a settlement call under the circuit breaker and the bounded
// retry policy. Transient errors retry with backoff; permanent errors
// short-circuit. A tripped circuit fails fast without touching the
// settlement layer.
func (e *Engine) settle(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	if !e.breaker.Allow(op) {
		logging.L(ctx).Warn("settlement circuit open, rejecting call", "operation", op)
		return "", ErrSettlementUnavailable
	}

	var ref string
	err := retry.Do(ctx, e.cfg.SettlementAttempts, e.cfg.SettlementBaseDelay, func() error {
		r, err := fn()
		if err != nil {
			if settlement.IsPermanent(err) {
				return retry.Permanent(err)
			}
			logging.L(ctx).Warn("settlement call failed, retrying", "operation", op, "error", err)
			return err
		}
		ref = r
		return nil
	})
	if err != nil {
		e.breaker.RecordFailure(op)
	} else {
		e.breaker.RecordSuccess(op)
	}
	return ref, err
}

// transition journals a state change with a bumped sequence number.
func (e *Engine) transition(ctx context.Context, rec *Record, to State, actor string) {
	from := rec.State
	rec.Seq++
	rec.State = to
	rec.UpdatedAt = time.Now()

	tr := Transition{From: from, To: to, Actor: actor, Seq: rec.Seq, At: rec.UpdatedAt}
	rec.Transitions = append(rec.Transitions, tr)

	if err := e.store.Update(ctx, rec); err != nil {
		logging.L(ctx).Error("escrow state persist failed", "escrow", rec.ID, "to", to, "error", err)
	}
	if err := e.store.AddTransition(ctx, rec.ID, tr); err != nil {
		logging.L(ctx).Error("escrow transition persist failed", "escrow", rec.ID, "error", err)
	}
}

// resolve is transition plus the resolved timestamp.
func (e *Engine) resolve(ctx context.Context, rec *Record, to State, actor string) {
	now := time.Now()
	rec.ResolvedAt = &now
	metrics.EscrowDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	e.transition(ctx, rec, to, actor)
}

func (e *Engine) mirror(ctx context.Context, tradeID, escrowStatus, tradeStatus string) {
	if e.trades == nil {
		return
	}
	if err := e.trades.SetEscrowStatus(ctx, tradeID, escrowStatus); err != nil {
		logging.L(ctx).Warn("trade escrow status mirror failed", "trade", tradeID, "error", err)
	}
	if tradeStatus != "" {
		if err := e.trades.UpdateStatus(ctx, tradeID, tradeStatus); err != nil {
			logging.L(ctx).Warn("trade status update failed", "trade", tradeID, "error", err)
		}
	}
}

func (e *Engine) validate(ctx context.Context, accountID string) {
	if e.validator == nil {
		return
	}
	if err := e.validator.ValidateAfterOperation(ctx, accountID); err != nil {
		logging.L(ctx).Warn("post-operation validation failed", "account", accountID, "error", err)
	}
}

// checkSettleState applies the idempotency and state rules for release and
// refund. Returns done=true when the caller should return immediately.
func checkSettleState(rec *Record, outcome string) (bool, error) {
	switch rec.State {
	case StateLocked, StateDisputed:
		return false, nil
	case StateReleased:
		if outcome == ResolutionReleased {
			return true, nil
		}
		return true, fmt.Errorf("%w: escrow already released", ErrInvalidState)
	case StateRefunded:
		if outcome == ResolutionRefunded {
			return true, nil
		}
		return true, fmt.Errorf("%w: escrow already refunded", ErrInvalidState)
	case StateResolved:
		if rec.Resolution == outcome {
			return true, nil
		}
		return true, fmt.Errorf("%w: escrow resolved as %s", ErrInvalidState, rec.Resolution)
	default:
		return true, fmt.Errorf("%w: escrow is %s", ErrInvalidState, rec.State)
	}
}

func validateLockRequest(req *LockRequest) error {
	if req.TradeID == "" || req.OwnerID == "" || req.BeneficiaryID == "" {
		return fmt.Errorf("%w: tradeId, ownerId and beneficiaryId are required", ErrValidation)
	}
	if req.OwnerID == req.BeneficiaryID {
		return fmt.Errorf("%w: owner and beneficiary cannot be the same account", ErrValidation)
	}
	if req.Token == "" {
		req.Token = token.CES
	}
	if !token.Positive(req.Amount) {
		return fmt.Errorf("%w: amount must be a positive decimal", ErrValidation)
	}
	return nil
}

func normalizeAmount(amount string) string {
	amt, ok := token.Parse(amount)
	if !ok {
		return amount
	}
	return token.Format(amt)
}
