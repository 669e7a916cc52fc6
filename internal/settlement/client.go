// Package settlement abstracts the external authoritative settlement layer.
//
// In settlement-backed mode every fund movement the ledger records must have a
// matching operation here; the reconciliation service treats this layer as the
// source of truth. The local-only mode uses the simulated client, where the
// local ledger stays authoritative.
package settlement

import "context"

// Client executes custody operations against the settlement layer.
//
// All calls may fail with *TransientError (safe to retry) or *PermanentError
// (the operation will never succeed as submitted). Callers must branch on
// IsTransient.
type Client interface {
	// Lock commits amount of the owner's funds to escrow custody and returns
	// a settlement reference identifying the held funds.
	Lock(ctx context.Context, ownerRef, tokenSym, amount string) (string, error)

	// Release hands the funds held under settlementRef to the beneficiary.
	Release(ctx context.Context, settlementRef, beneficiaryRef string) (string, error)

	// Refund returns the funds held under settlementRef to their owner.
	Refund(ctx context.Context, settlementRef string) (string, error)

	// ReleasePartial releases releaseAmount of the held funds to the
	// beneficiary and refunds the remainder to the owner in one settlement
	// action. Used for dispute compromise splits.
	ReleasePartial(ctx context.Context, settlementRef, beneficiaryRef, releaseAmount string) (string, error)

	// BalanceOf reports the owner's spendable balance as seen by the
	// settlement layer, as a 6-decimal string.
	BalanceOf(ctx context.Context, ownerRef, tokenSym string) (string, error)
}
