package ledger

import "errors"

var (
	// ErrPoolNotFound is returned for operations on an unknown pool id.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrNotController rejects a mutating call from anyone but the
	// identity fixed at pool creation.
	ErrNotController = errors.New("caller is not the pool controller")

	// ErrAssetMismatch rejects an operation whose asset path does not
	// match the pool's asset kind.
	ErrAssetMismatch = errors.New("asset kind mismatch")

	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrContributorLimit rejects a brand-new contributor once the
	// distinct-contributor cap is reached.
	ErrContributorLimit = errors.New("contributor limit reached")

	// ErrInsufficientBalance rejects an execution beyond the pool's
	// tracked balance.
	ErrInsufficientBalance = errors.New("insufficient tracked balance")

	// ErrNothingReceived rejects a token contribution whose measured
	// balance delta is zero, so no zero entry ever joins the ledger.
	ErrNothingReceived = errors.New("no value received")

	// ErrExecutionFailed stands in for an external action that failed
	// without supplying any detail of its own.
	ErrExecutionFailed = errors.New("external action failed")

	// ErrPayoutFailed marks a distribution aborted by a failed payout.
	ErrPayoutFailed = errors.New("distribution payout failed")

	// ErrDistributionBusy rejects a distribute that overlaps another
	// distribute on the same pool, including reentrant attempts from a
	// payout recipient.
	ErrDistributionBusy = errors.New("distribution already in progress")
)
