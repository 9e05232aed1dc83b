package settle

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"prorata/internal/asset"
)

// Payment is one transfer inside a batch payout.
type Payment struct {
	To     common.Address
	Amount *big.Int
}

// Engine settles value between identities. The ledger keeps its own
// accounting and uses an engine only to move and observe real balances.
type Engine interface {
	// BalanceOf reports owner's balance of the given asset.
	BalanceOf(ctx context.Context, id asset.ID, owner common.Address) (*big.Int, error)

	// Pull moves amount from `from` to `to`. Engines may require prior
	// authorization from the payer: the EVM engine needs an ERC-20
	// approval and cannot pull native value at all.
	Pull(ctx context.Context, id asset.ID, from, to common.Address, amount *big.Int) error

	// Approve sets spender's allowance over owner's balance of a token
	// asset. A zero amount revokes.
	Approve(ctx context.Context, id asset.ID, owner, spender common.Address, amount *big.Int) error

	// Allowance reports spender's remaining allowance over owner's
	// balance of a token asset.
	Allowance(ctx context.Context, id asset.ID, owner, spender common.Address) (*big.Int, error)

	// Call invokes target with the payload, forwarding value in the
	// native asset from `from`. The payload is opaque. On failure the
	// target's own error is returned and no value moves.
	Call(ctx context.Context, from, target common.Address, value *big.Int, payload []byte) ([]byte, error)

	// PayBatch pays every payment from `from`, atomically: either all
	// payments land or none do.
	PayBatch(ctx context.Context, id asset.ID, from common.Address, payments []Payment) error
}

var (
	// ErrInsufficientFunds signals a settlement attempt beyond the
	// payer's balance.
	ErrInsufficientFunds = errors.New("settle: insufficient funds")

	// ErrNoAllowance signals a pull or transfer-from beyond the
	// spender's allowance.
	ErrNoAllowance = errors.New("settle: allowance exceeded")

	// ErrUnsupported signals an operation the engine cannot perform,
	// such as pulling native value on an EVM chain.
	ErrUnsupported = errors.New("settle: operation not supported")
)
