// Package reconciliation detects and corrects divergence between the local
// ledger and the settlement layer.
//
// Every account check computes expected (local available) versus actual
// (settlement truth) and classifies the discrepancy. Corrections write
// settlement truth over the local value, except for accounts under a manual
// override policy, which are reported but never touched. The service runs
// on demand, synchronously after every escrow operation, and on a timer.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cesnetwork/escrowd/internal/escrow"
	"github.com/cesnetwork/escrowd/internal/events"
	"github.com/cesnetwork/escrowd/internal/ledger"
	"github.com/cesnetwork/escrowd/internal/logging"
	"github.com/cesnetwork/escrowd/internal/settlement"
	"github.com/cesnetwork/escrowd/internal/token"
)

// Classification names the kind of discrepancy found on an account.
type Classification string

const (
	ClassNone           Classification = "none"
	ClassDrift          Classification = "drift"
	ClassNegativeEscrow Classification = "negative_escrow"
	ClassOrphanedLock   Classification = "orphaned_lock"
)

// Issue is one discrepancy found during a check.
type Issue struct {
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail"`
	Before         string         `json:"before,omitempty"`
	After          string         `json:"after,omitempty"`
	Fixed          bool           `json:"fixed"`
}

// Report is the outcome of checking one account.
type Report struct {
	AccountID        string         `json:"accountId"`
	Token            string         `json:"token"`
	Expected         string         `json:"expected"`
	Actual           string         `json:"actual,omitempty"`
	Delta            string         `json:"delta,omitempty"`
	Classification   Classification `json:"classification"`
	CorrectiveAction string         `json:"correctiveAction,omitempty"`
	Issues           []Issue        `json:"issues,omitempty"`
	CheckedAt        time.Time      `json:"checkedAt"`
}

// SweepResult aggregates a batch validation run.
type SweepResult struct {
	Checked      int       `json:"checked"`
	WithIssues   int       `json:"withIssues"`
	Issues       int       `json:"issues"`
	FixesApplied int       `json:"fixesApplied"`
	Errors       int       `json:"errors"`
	Reports      []*Report `json:"reports,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	Duration     string    `json:"duration"`
}

// ValidateOptions controls a single-account check.
type ValidateOptions struct {
	AutoFix      bool `json:"autoFix"`
	CheckOrphans bool `json:"checkOrphans"`
}

// SweepOptions controls a batch run.
type SweepOptions struct {
	Limit          int  `json:"limit"`
	OnlyWithIssues bool `json:"onlyWithIssues"`
	AutoFix        bool `json:"autoFix"`
	CheckOrphans   bool `json:"checkOrphans"`
}

// AccountLocker serializes a check against fund-moving operations. Satisfied
// by the escrow engine.
type AccountLocker interface {
	AccountLock(ctx context.Context, accountID string) (func(), error)
}

// Config carries the reconciliation tunables.
type Config struct {
	// SettlementBacked enables the drift check. In local-only mode the local
	// ledger is authoritative and only internal invariants are checked.
	SettlementBacked bool

	// Epsilon is the largest tolerated |actual - expected|, in CES.
	Epsilon string

	// OrphanGrace is how long a lock may sit unresolved before it counts as
	// orphaned.
	OrphanGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Epsilon == "" {
		c.Epsilon = "0.000001"
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = 30 * time.Minute
	}
	return c
}

// Service validates accounts against settlement truth.
type Service struct {
	cfg        Config
	epsilon    *big.Int
	ledger     *ledger.Ledger
	settlement settlement.Client
	escrows    escrow.Store
	locker     AccountLocker
	emitter    *events.Emitter
}

// NewService creates the reconciliation service.
func NewService(cfg Config, led *ledger.Ledger, client settlement.Client) *Service {
	cfg = cfg.withDefaults()
	eps, ok := token.Parse(cfg.Epsilon)
	if !ok {
		eps = big.NewInt(1)
	}
	return &Service{
		cfg:        cfg,
		epsilon:    eps,
		ledger:     led,
		settlement: client,
	}
}

// WithEscrowStore enables the orphaned-lock check.
func (s *Service) WithEscrowStore(store escrow.Store) *Service {
	s.escrows = store
	return s
}

// WithLocker serializes checks against escrow operations.
func (s *Service) WithLocker(locker AccountLocker) *Service {
	s.locker = locker
	return s
}

// WithEmitter wires event publishing for applied fixes.
func (s *Service) WithEmitter(emitter *events.Emitter) *Service {
	s.emitter = emitter
	return s
}

// ValidateAccount checks one account under the per-account lock.
func (s *Service) ValidateAccount(ctx context.Context, accountID, tokenSym string, opts ValidateOptions) (*Report, error) {
	if s.locker != nil {
		unlock, err := s.locker.AccountLock(ctx, accountID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}
	return s.validateLocked(ctx, accountID, tokenSym, opts)
}

// validateLocked runs the checks. The caller must already hold the account
// lock, or be in a context where no escrow operation can race.
func (s *Service) validateLocked(ctx context.Context, accountID, tokenSym string, opts ValidateOptions) (*Report, error) {
	if tokenSym == "" {
		tokenSym = token.CES
	}

	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	protected := acct.Policy == ledger.PolicyManualOverride

	report := &Report{
		AccountID:      accountID,
		Token:          tokenSym,
		Expected:       acct.Available,
		Classification: ClassNone,
		CheckedAt:      time.Now(),
	}

	if issue := s.checkNegativeEscrow(ctx, acct, opts.AutoFix && !protected); issue != nil {
		report.Issues = append(report.Issues, *issue)
	}

	if s.cfg.SettlementBacked {
		if issue, actual, delta := s.checkDrift(ctx, acct, tokenSym, opts.AutoFix && !protected); issue != nil {
			report.Actual = actual
			report.Delta = delta
			report.Issues = append(report.Issues, *issue)
		} else if actual != "" {
			report.Actual = actual
			report.Delta = delta
		}
	}

	if opts.CheckOrphans && s.escrows != nil {
		report.Issues = append(report.Issues, s.checkOrphans(ctx, accountID)...)
	}

	for _, issue := range report.Issues {
		issuesFound.WithLabelValues(string(issue.Classification)).Inc()
		if issue.Fixed {
			fixesApplied.Inc()
		}
	}
	if len(report.Issues) > 0 {
		report.Classification = report.Issues[0].Classification
		report.CorrectiveAction = correctiveAction(report.Issues, protected)
		logging.L(ctx).Warn("reconciliation found issues",
			"account", accountID, "classification", report.Classification,
			"issues", len(report.Issues), "action", report.CorrectiveAction)
	}
	return report, nil
}

// checkNegativeEscrow repairs an escrowed balance below zero: reset to zero
// and restore the deficit to available.
func (s *Service) checkNegativeEscrow(ctx context.Context, acct *ledger.Account, fix bool) *Issue {
	escrowed, ok := token.ParseSigned(acct.Escrowed)
	if !ok || escrowed.Sign() >= 0 {
		return nil
	}

	issue := &Issue{
		Classification: ClassNegativeEscrow,
		Detail:         fmt.Sprintf("escrowed balance is %s", acct.Escrowed),
		Before:         acct.Escrowed,
	}
	if !fix {
		return issue
	}

	ref := "recon_" + acct.AccountID
	deficit, err := s.ledger.Store().ResetNegativeEscrow(ctx, acct.AccountID, ref)
	if err != nil {
		logging.L(ctx).Error("negative escrow reset failed", "account", acct.AccountID, "error", err)
		return issue
	}
	if err := s.ledger.Credit(ctx, acct.AccountID, deficit, ref, "negative escrow restore"); err != nil {
		logging.L(ctx).Error("negative escrow restore failed", "account", acct.AccountID, "error", err)
		return issue
	}

	issue.After = "0.000000"
	issue.Fixed = true
	s.emitter.EmitReconciliationFixed(acct.AccountID, string(ClassNegativeEscrow), issue.Before, issue.After)
	return issue
}

// checkDrift compares local available with settlement truth.
func (s *Service) checkDrift(ctx context.Context, acct *ledger.Account, tokenSym string, fix bool) (*Issue, string, string) {
	actualStr, err := s.settlement.BalanceOf(ctx, acct.AccountID, tokenSym)
	if err != nil {
		logging.L(ctx).Warn("settlement balance unavailable, drift check skipped",
			"account", acct.AccountID, "error", err)
		checkErrors.Inc()
		return nil, "", ""
	}

	expected, _ := token.Parse(acct.Available)
	actual, ok := token.Parse(actualStr)
	if !ok {
		checkErrors.Inc()
		return nil, "", ""
	}

	delta := new(big.Int).Sub(actual, expected)
	deltaStr := token.Format(delta)
	if new(big.Int).Abs(delta).Cmp(s.epsilon) <= 0 {
		return nil, actualStr, deltaStr
	}

	issue := &Issue{
		Classification: ClassDrift,
		Detail:         fmt.Sprintf("local available %s, settlement reports %s", acct.Available, actualStr),
		Before:         acct.Available,
	}
	if !fix {
		return issue, actualStr, deltaStr
	}

	ref := "recon_" + acct.AccountID
	if err := s.ledger.Store().OverwriteAvailable(ctx, acct.AccountID, actualStr, ref, "drift_fix"); err != nil {
		logging.L(ctx).Error("drift fix failed", "account", acct.AccountID, "error", err)
		return issue, actualStr, deltaStr
	}

	issue.After = actualStr
	issue.Fixed = true
	s.emitter.EmitReconciliationFixed(acct.AccountID, string(ClassDrift), issue.Before, issue.After)
	return issue, actualStr, deltaStr
}

// checkOrphans reports locks that sat unresolved past the grace period.
// Report only; releasing someone's funds is never automatic.
func (s *Service) checkOrphans(ctx context.Context, accountID string) []Issue {
	records, err := s.escrows.ListByAccount(ctx, accountID, 100)
	if err != nil {
		logging.L(ctx).Warn("orphan check skipped", "account", accountID, "error", err)
		checkErrors.Inc()
		return nil
	}

	cutoff := time.Now().Add(-s.cfg.OrphanGrace)
	var issues []Issue
	for _, rec := range records {
		if rec.State == escrow.StateLocked && rec.UpdatedAt.Before(cutoff) {
			issues = append(issues, Issue{
				Classification: ClassOrphanedLock,
				Detail: fmt.Sprintf("escrow %s for trade %s locked since %s",
					rec.ID, rec.TradeID, rec.UpdatedAt.Format(time.RFC3339)),
			})
		}
	}
	return issues
}

// ValidateAll sweeps every account. Per-account failures are logged and
// skipped; the sweep always completes.
func (s *Service) ValidateAll(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{StartedAt: start}

	ids, err := s.ledger.Store().ListAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}

	for _, id := range ids {
		report, err := s.ValidateAccount(ctx, id, token.CES, ValidateOptions{
			AutoFix:      opts.AutoFix,
			CheckOrphans: opts.CheckOrphans,
		})
		if err != nil {
			logging.L(ctx).Warn("account check failed, continuing sweep", "account", id, "error", err)
			checkErrors.Inc()
			result.Errors++
			continue
		}

		result.Checked++
		if len(report.Issues) > 0 {
			result.WithIssues++
			result.Issues += len(report.Issues)
			for _, issue := range report.Issues {
				if issue.Fixed {
					result.FixesApplied++
				}
			}
		}
		if !opts.OnlyWithIssues || len(report.Issues) > 0 {
			result.Reports = append(result.Reports, report)
		}
	}

	elapsed := time.Since(start)
	result.Duration = elapsed.String()
	runDuration.Observe(elapsed.Seconds())
	accountsWithIssues.Set(float64(result.WithIssues))

	logging.L(ctx).Info("reconciliation sweep complete",
		"checked", result.Checked, "with_issues", result.WithIssues,
		"fixes", result.FixesApplied, "errors", result.Errors, "duration", result.Duration)
	return result, nil
}

// ValidateAfterOperation is the escrow engine's post-operation hook. The
// engine still holds the account lock, so this path must not take it again.
func (s *Service) ValidateAfterOperation(ctx context.Context, accountID string) error {
	report, err := s.validateLocked(ctx, accountID, token.CES, ValidateOptions{})
	if err != nil {
		return err
	}
	if report.Classification != ClassNone {
		return fmt.Errorf("post-operation check found %s on %s (delta %s)",
			report.Classification, accountID, report.Delta)
	}
	return nil
}

func correctiveAction(issues []Issue, protected bool) string {
	if protected {
		return "skipped: manual override policy"
	}
	for _, issue := range issues {
		if issue.Fixed {
			return "auto-fixed"
		}
	}
	return "reported"
}
