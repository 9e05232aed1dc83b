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

// Execute spends tracked pool value on an arbitrary external action.
// Controller-only. For native pools the amount is forwarded as call
// value; for token pools the target is granted an allowance of at most
// amount and pulls what it needs during the call. The tracked balance
// is reserved before the action runs and any unspent remainder is
// returned to it afterwards, so a reentrant or concurrent operation can
// never see value that is already committed to an action. The action's
// result is returned unmodified; its failure is re-raised with the
// ledger's own state fully restored.
func (l *Ledger) Execute(ctx context.Context, caller common.Address, poolID uint64, target common.Address, amount *big.Int, payload []byte) ([]byte, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}

	p.mu.Lock()
	if err := p.authorizeLocked(caller); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if amount.Sign() > 0 {
		bucket := p.bucketLocked(p.kind)
		if bucket.Cmp(amount) < 0 {
			have := bucket.String()
			p.mu.Unlock()
			return nil, fmt.Errorf("pool %d has %s of %s, action needs %s: %w",
				poolID, have, p.kind, amount, ErrInsufficientBalance)
		}
		bucket.Sub(bucket, amount)
	}
	kind := p.kind
	p.mu.Unlock()

	value := new(big.Int)
	if kind.IsNative() {
		value.Set(amount)
	} else if amount.Sign() > 0 {
		if err := l.engine.Approve(ctx, kind, l.custody, target, amount); err != nil {
			l.restoreBucket(p, kind, amount)
			return nil, fmt.Errorf("pool %d: grant allowance to %s: %w", poolID, target.Hex(), err)
		}
	}

	result, callErr := l.engine.Call(ctx, l.custody, target, value, payload)

	spent := new(big.Int).Set(amount)
	if !kind.IsNative() && amount.Sign() > 0 {
		left, err := l.engine.Allowance(ctx, kind, l.custody, target)
		if err != nil {
			l.logger.Warn("allowance readback failed, assuming fully spent",
				zap.Uint64("pool", poolID), zap.Error(err))
			left = new(big.Int)
		}
		if err := l.engine.Approve(ctx, kind, l.custody, target, new(big.Int)); err != nil {
			l.logger.Warn("allowance revoke failed",
				zap.Uint64("pool", poolID), zap.String("target", target.Hex()), zap.Error(err))
		}
		spent.Sub(amount, left)
		if spent.Sign() < 0 {
			spent.SetInt64(0)
		}
		if spent.Cmp(amount) > 0 {
			spent.Set(amount)
		}
	}

	p.mu.Lock()
	if callErr != nil {
		if amount.Sign() > 0 {
			bucket := p.bucketLocked(kind)
			bucket.Add(bucket, amount)
		}
		l.emit(model.Event{
			Kind:    model.KindExecuted,
			PoolID:  poolID,
			Actor:   caller.Hex(),
			Asset:   kind.String(),
			Target:  target.Hex(),
			Amount:  model.Decimal(amount),
			Spent:   "0",
			Success: false,
		})
		p.mu.Unlock()
		l.logger.Warn("execution failed",
			zap.Uint64("pool", poolID),
			zap.String("target", target.Hex()),
			zap.Error(callErr))
		return nil, fmt.Errorf("pool %d: action on %s: %w: %w", poolID, target.Hex(), ErrExecutionFailed, callErr)
	}
	if spent.Cmp(amount) < 0 {
		unspent := new(big.Int).Sub(amount, spent)
		bucket := p.bucketLocked(kind)
		bucket.Add(bucket, unspent)
	}
	l.emit(model.Event{
		Kind:    model.KindExecuted,
		PoolID:  poolID,
		Actor:   caller.Hex(),
		Asset:   kind.String(),
		Target:  target.Hex(),
		Amount:  model.Decimal(amount),
		Spent:   model.Decimal(spent),
		Success: true,
	})
	p.mu.Unlock()

	l.logger.Info("execution complete",
		zap.Uint64("pool", poolID),
		zap.String("target", target.Hex()),
		zap.String("spent", model.Decimal(spent)))
	return result, nil
}

func (l *Ledger) restoreBucket(p *pool, id asset.ID, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	p.mu.Lock()
	bucket := p.bucketLocked(id)
	bucket.Add(bucket, amount)
	p.mu.Unlock()
}
