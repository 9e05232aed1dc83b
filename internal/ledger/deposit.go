package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"prorata/internal/asset"
	"prorata/internal/model"
)

// Deposit returns native value into the pool's tracked accounting.
// Controller-only. Any pool can receive native proceeds; for a native
// pool this credits the same bucket contributions fund.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, poolID uint64, amount *big.Int) error {
	p, err := l.pool(poolID)
	if err != nil {
		return err
	}
	if err := positiveAmount(amount); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorizeLocked(caller); err != nil {
		return err
	}
	if err := l.engine.Pull(ctx, asset.Native, caller, l.custody, amount); err != nil {
		return fmt.Errorf("pool %d: collect deposit: %w", poolID, err)
	}
	bucket := p.bucketLocked(asset.Native)
	bucket.Add(bucket, amount)
	l.emit(model.Event{
		Kind:   model.KindDeposited,
		PoolID: poolID,
		Actor:  caller.Hex(),
		Asset:  asset.Native.String(),
		Amount: model.Decimal(amount),
	})
	l.logger.Info("deposit recorded",
		zap.Uint64("pool", poolID),
		zap.String("amount", model.Decimal(amount)))
	return nil
}

// DepositToken returns proceeds in any token asset into the pool's
// bucket for that asset, which may differ from the contribution asset.
// Controller-only. The credited amount, also returned, is the measured
// custody balance delta, so fee-deducting assets are credited at what
// actually arrived; a zero delta still succeeds and credits nothing.
func (l *Ledger) DepositToken(ctx context.Context, caller common.Address, poolID uint64, assetID asset.ID, amount *big.Int) (*big.Int, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	if assetID.IsNative() {
		return nil, fmt.Errorf("pool %d: token deposit needs a token asset: %w", poolID, ErrAssetMismatch)
	}
	if err := positiveAmount(amount); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorizeLocked(caller); err != nil {
		return nil, err
	}
	received, err := l.pullMeasured(ctx, assetID, caller, amount)
	if err != nil {
		return nil, fmt.Errorf("pool %d: collect deposit: %w", poolID, err)
	}
	if received.Sign() < 0 {
		received.SetInt64(0)
	}
	bucket := p.bucketLocked(assetID)
	bucket.Add(bucket, received)
	l.emit(model.Event{
		Kind:     model.KindAssetDeposited,
		PoolID:   poolID,
		Actor:    caller.Hex(),
		Asset:    assetID.String(),
		Amount:   model.Decimal(amount),
		Received: model.Decimal(received),
	})
	l.logger.Info("asset deposit recorded",
		zap.Uint64("pool", poolID),
		zap.String("asset", assetID.String()),
		zap.String("requested", model.Decimal(amount)),
		zap.String("received", model.Decimal(received)))
	return received, nil
}
