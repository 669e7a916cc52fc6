package antifraud

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cesnetwork/escrowd/internal/idgen"
	"github.com/cesnetwork/escrowd/internal/logging"
	"github.com/cesnetwork/escrowd/internal/token"
	"github.com/cesnetwork/escrowd/internal/trade"
)

// GateConfig carries the screening thresholds.
type GateConfig struct {
	MinAccountAge       time.Duration
	HourlyOrderCap      int
	DailyOrderCap       int
	PriceDeviationFrac  float64
	MinCompletionRatio  float64
	MinReputationSample int
	NewAccountValueCap  string
	NewAccountAge       time.Duration
	SuspiciousDenyCount int
}

func (c GateConfig) withDefaults() GateConfig {
	if c.MinAccountAge <= 0 {
		c.MinAccountAge = 24 * time.Hour
	}
	if c.HourlyOrderCap <= 0 {
		c.HourlyOrderCap = 10
	}
	if c.DailyOrderCap <= 0 {
		c.DailyOrderCap = 50
	}
	if c.PriceDeviationFrac <= 0 {
		c.PriceDeviationFrac = 0.3
	}
	if c.MinCompletionRatio <= 0 {
		c.MinCompletionRatio = 0.5
	}
	if c.MinReputationSample <= 0 {
		c.MinReputationSample = 5
	}
	if c.NewAccountValueCap == "" {
		c.NewAccountValueCap = "10000"
	}
	if c.NewAccountAge <= 0 {
		c.NewAccountAge = 72 * time.Hour
	}
	if c.SuspiciousDenyCount <= 0 {
		c.SuspiciousDenyCount = 3
	}
	return c
}

// Gate screens orders. Checks run independently so a single data-source
// failure degrades one check, not the whole gate.
type Gate struct {
	cfg       GateConfig
	accounts  AccountDirectory
	trades    trade.Store
	suspicion SuspicionCounter
	store     Store
}

// NewGate creates the anti-fraud gate.
func NewGate(cfg GateConfig, accounts AccountDirectory, trades trade.Store) *Gate {
	return &Gate{
		cfg:       cfg.withDefaults(),
		accounts:  accounts,
		trades:    trades,
		suspicion: NewMemoryCounter(time.Hour),
	}
}

// WithSuspicionCounter overrides the default in-memory counter.
func (g *Gate) WithSuspicionCounter(c SuspicionCounter) *Gate {
	g.suspicion = c
	return g
}

// WithStore enables the evaluation audit trail.
func (g *Gate) WithStore(store Store) *Gate {
	g.store = store
	return g
}

// Evaluate screens an order and returns the verdict. It never returns an
// error: data-source failures degrade to skipped checks.
func (g *Gate) Evaluate(ctx context.Context, order Order) *Evaluation {
	eval := &Evaluation{
		ID:          idgen.WithPrefix("frd_"),
		AccountID:   order.AccountID,
		EvaluatedAt: time.Now(),
	}

	// Accounts over the suspicion threshold are denied before any check runs.
	if count := g.suspicion.Count(order.AccountID); count >= g.cfg.SuspiciousDenyCount {
		eval.Allowed = false
		eval.RiskLevel = SeverityHigh
		eval.Reasons = []string{fmt.Sprintf("suspicious activity threshold reached (%d recent denials)", count)}
		g.record(eval)
		evaluations.WithLabelValues("denied").Inc()
		return eval
	}

	age, ageKnown := g.accountAge(ctx, order.AccountID)
	checks := []CheckResult{
		g.checkAccountAge(age, ageKnown),
		g.checkVelocity(ctx, order.AccountID),
		g.checkPriceDeviation(ctx, order),
		g.checkReputation(ctx, order),
		g.checkNewAccountValue(order, age, ageKnown),
	}
	eval.Checks = checks

	var mediums, highs int
	for _, c := range checks {
		if c.Passed {
			continue
		}
		switch c.Severity {
		case SeverityHigh:
			highs++
			eval.Reasons = append(eval.Reasons, c.Reason)
		case SeverityMedium:
			mediums++
			eval.Reasons = append(eval.Reasons, c.Reason)
		}
	}

	switch {
	case highs > 0 || mediums >= 2:
		eval.Allowed = false
		eval.RiskLevel = SeverityHigh
	case mediums == 1:
		eval.Allowed = true
		eval.RiskLevel = SeverityMedium
		eval.Warnings = eval.Reasons
		eval.Reasons = nil
	default:
		eval.Allowed = true
		eval.RiskLevel = SeverityLow
	}

	if !eval.Allowed {
		count := g.suspicion.Bump(order.AccountID)
		logging.L(ctx).Warn("order denied by anti-fraud gate",
			"account", order.AccountID, "reasons", eval.Reasons, "recent_denials", count)
		evaluations.WithLabelValues("denied").Inc()
	} else {
		evaluations.WithLabelValues("allowed").Inc()
	}

	g.record(eval)
	return eval
}

// Authorize adapts Evaluate to the escrow engine's gate hook. A denial comes
// back as an error carrying the reasons.
func (g *Gate) Authorize(ctx context.Context, accountID, tokenSym, amount, price string) error {
	eval := g.Evaluate(ctx, Order{
		AccountID: accountID,
		Token:     tokenSym,
		Amount:    amount,
		Price:     price,
	})
	if eval.Allowed {
		return nil
	}
	return fmt.Errorf("order denied (risk %s): %s", eval.RiskLevel, strings.Join(eval.Reasons, "; "))
}

// accountAge resolves the account's age. Unknown accounts count as brand new;
// lookup failures leave the age-based checks skipped.
func (g *Gate) accountAge(ctx context.Context, accountID string) (time.Duration, bool) {
	if g.accounts == nil {
		return 0, false
	}
	createdAt, err := g.accounts.AccountCreatedAt(ctx, accountID)
	if err != nil {
		return 0, true // no record means the account was never funded
	}
	return time.Since(createdAt), true
}

func (g *Gate) checkAccountAge(age time.Duration, known bool) CheckResult {
	res := CheckResult{Name: "account_age", Passed: true}
	if !known {
		return res
	}
	if age < g.cfg.MinAccountAge {
		res.Passed = false
		res.Severity = SeverityMedium
		res.Reason = fmt.Sprintf("account age %s below minimum %s", age.Round(time.Minute), g.cfg.MinAccountAge)
	}
	return res
}

func (g *Gate) checkVelocity(ctx context.Context, accountID string) CheckResult {
	res := CheckResult{Name: "order_velocity", Passed: true}
	if g.trades == nil {
		return res
	}

	now := time.Now()
	hourly, err := g.trades.CountOrdersSince(ctx, accountID, now.Add(-time.Hour))
	if err != nil {
		logging.L(ctx).Warn("velocity check skipped", "account", accountID, "error", err)
		return res
	}
	if hourly >= g.cfg.HourlyOrderCap {
		res.Passed = false
		res.Severity = SeverityHigh
		res.Reason = fmt.Sprintf("hourly order cap exceeded (%d/%d)", hourly, g.cfg.HourlyOrderCap)
		return res
	}

	daily, err := g.trades.CountOrdersSince(ctx, accountID, now.Add(-24*time.Hour))
	if err != nil {
		logging.L(ctx).Warn("velocity check skipped", "account", accountID, "error", err)
		return res
	}
	if daily >= g.cfg.DailyOrderCap {
		res.Passed = false
		res.Severity = SeverityMedium
		res.Reason = fmt.Sprintf("daily order cap exceeded (%d/%d)", daily, g.cfg.DailyOrderCap)
	}
	return res
}

func (g *Gate) checkPriceDeviation(ctx context.Context, order Order) CheckResult {
	res := CheckResult{Name: "price_deviation", Passed: true}
	if g.trades == nil || order.Price == "" {
		return res
	}

	price, err := strconv.ParseFloat(order.Price, 64)
	if err != nil || price <= 0 {
		res.Passed = false
		res.Severity = SeverityMedium
		res.Reason = fmt.Sprintf("unparseable price %q", order.Price)
		return res
	}

	tokenSym := order.Token
	if tokenSym == "" {
		tokenSym = token.CES
	}
	stats, err := g.trades.GetPriceStats(ctx, tokenSym, time.Now().Add(-24*time.Hour))
	if err != nil {
		logging.L(ctx).Warn("price check skipped", "token", tokenSym, "error", err)
		return res
	}
	if stats == nil || stats.Count == 0 {
		return res // no market history to compare against
	}

	min, _ := strconv.ParseFloat(stats.Min, 64)
	max, _ := strconv.ParseFloat(stats.Max, 64)
	if min > 0 && (price < 0.5*min || price > 2*max) {
		res.Passed = false
		res.Severity = SeverityHigh
		res.Reason = fmt.Sprintf("price %s outside observed range [%s, %s]", order.Price, stats.Min, stats.Max)
		return res
	}

	avg, _ := strconv.ParseFloat(stats.Average, 64)
	if avg > 0 && math.Abs(price-avg)/avg > g.cfg.PriceDeviationFrac {
		res.Passed = false
		res.Severity = SeverityMedium
		res.Reason = fmt.Sprintf("price %s deviates more than %.0f%% from 24h average %s",
			order.Price, g.cfg.PriceDeviationFrac*100, stats.Average)
	}
	return res
}

func (g *Gate) checkReputation(ctx context.Context, order Order) CheckResult {
	res := CheckResult{Name: "reputation", Passed: true}
	if g.trades == nil {
		return res
	}

	completed, total, err := g.trades.CompletionStats(ctx, order.AccountID)
	if err != nil {
		logging.L(ctx).Warn("reputation check skipped", "account", order.AccountID, "error", err)
		return res
	}
	if total >= g.cfg.MinReputationSample {
		ratio := float64(completed) / float64(total)
		if ratio < g.cfg.MinCompletionRatio {
			res.Passed = false
			res.Severity = SeverityMedium
			res.Reason = fmt.Sprintf("completion ratio %.2f below %.2f over %d trades",
				ratio, g.cfg.MinCompletionRatio, total)
			return res
		}
	}

	if order.CounterpartyID != "" {
		_, cpTotal, err := g.trades.CompletionStats(ctx, order.CounterpartyID)
		if err == nil && cpTotal == 0 {
			res.Passed = false
			res.Severity = SeverityMedium
			res.Reason = fmt.Sprintf("counterparty %s has no trade history", order.CounterpartyID)
		}
	}
	return res
}

func (g *Gate) checkNewAccountValue(order Order, age time.Duration, known bool) CheckResult {
	res := CheckResult{Name: "new_account_value", Passed: true}
	if !known || age >= g.cfg.NewAccountAge {
		return res
	}

	value := orderValue(order)
	capValue, _ := strconv.ParseFloat(g.cfg.NewAccountValueCap, 64)
	if capValue > 0 && value > capValue {
		res.Passed = false
		res.Severity = SeverityMedium
		res.Reason = fmt.Sprintf("order value %.2f exceeds new-account cap %s (account age %s)",
			value, g.cfg.NewAccountValueCap, age.Round(time.Minute))
	}
	return res
}

// orderValue is amount times price, or just the amount when no price is
// attached.
func orderValue(order Order) float64 {
	amount, err := strconv.ParseFloat(order.Amount, 64)
	if err != nil {
		return 0
	}
	if order.Price == "" {
		return amount
	}
	price, err := strconv.ParseFloat(order.Price, 64)
	if err != nil || price <= 0 {
		return amount
	}
	return amount * price
}

// record persists the evaluation asynchronously. Best effort; the verdict
// never waits on the audit trail.
func (g *Gate) record(eval *Evaluation) {
	if g.store == nil {
		return
	}
	go func() {
		_ = g.store.Record(context.Background(), eval)
	}()
}
