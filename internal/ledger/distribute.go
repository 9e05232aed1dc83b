package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"prorata/internal/asset"
	"prorata/internal/model"
	"prorata/internal/settle"
)

// Distribute pays the pool's bucket for the given asset out to every
// contributor pro rata to recorded contributions. Controller-only. The
// bucket is zeroed before any payout and the payouts land in one atomic
// batch; floor-division residue stays behind as accepted dust. A pool
// with nothing to pay or nothing contributed is a successful no-op.
// Overlapping calls, including a hostile recipient re-entering from its
// own payout, are rejected with ErrDistributionBusy.
func (l *Ledger) Distribute(ctx context.Context, caller common.Address, poolID uint64, assetID asset.ID) error {
	p, err := l.pool(poolID)
	if err != nil {
		return err
	}
	if !p.distributing.CompareAndSwap(false, true) {
		return fmt.Errorf("pool %d: %w", poolID, ErrDistributionBusy)
	}
	defer p.distributing.Store(false)

	p.mu.Lock()
	if err := p.authorizeLocked(caller); err != nil {
		p.mu.Unlock()
		return err
	}
	balance := new(big.Int).Set(p.bucketLocked(assetID))
	if balance.Sign() == 0 || p.total.Sign() == 0 {
		p.mu.Unlock()
		l.logger.Info("nothing to distribute",
			zap.Uint64("pool", poolID),
			zap.String("asset", assetID.String()))
		return nil
	}

	payments := make([]settle.Payment, 0, len(p.contributors))
	paid := new(big.Int)
	for _, contributor := range p.contributors {
		share := new(big.Int).Mul(balance, p.contributions[contributor])
		share.Quo(share, p.total)
		if share.Sign() == 0 {
			continue
		}
		payments = append(payments, settle.Payment{To: contributor, Amount: share})
		paid.Add(paid, share)
	}
	p.bucketLocked(assetID).SetInt64(0)
	p.mu.Unlock()

	if len(payments) > 0 {
		if err := l.engine.PayBatch(ctx, assetID, l.custody, payments); err != nil {
			p.mu.Lock()
			bucket := p.bucketLocked(assetID)
			bucket.Add(bucket, balance)
			p.mu.Unlock()
			l.logger.Warn("distribution aborted, balance restored",
				zap.Uint64("pool", poolID),
				zap.String("asset", assetID.String()),
				zap.Error(err))
			return fmt.Errorf("pool %d: %w: %w", poolID, ErrPayoutFailed, err)
		}
	}

	residue := new(big.Int).Sub(balance, paid)
	p.mu.Lock()
	l.emit(model.Event{
		Kind:       model.KindDistributed,
		PoolID:     poolID,
		Actor:      caller.Hex(),
		Asset:      assetID.String(),
		Paid:       model.Decimal(paid),
		Residue:    model.Decimal(residue),
		Recipients: len(payments),
	})
	p.mu.Unlock()

	l.logger.Info("distribution complete",
		zap.Uint64("pool", poolID),
		zap.String("asset", assetID.String()),
		zap.String("paid", model.Decimal(paid)),
		zap.String("residue", model.Decimal(residue)),
		zap.Int("recipients", len(payments)))
	return nil
}
