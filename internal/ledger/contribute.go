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

// Contribute records a native-asset contribution attributed to the
// given contributor. The caller must be the pool's controller and the
// value moves caller to custody through the engine.
func (l *Ledger) Contribute(ctx context.Context, caller common.Address, poolID uint64, contributor common.Address, amount *big.Int) error {
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
	if !p.kind.IsNative() {
		return fmt.Errorf("pool %d holds %s, not native: %w", poolID, p.kind, ErrAssetMismatch)
	}
	if err := p.admitLocked(contributor); err != nil {
		return err
	}
	if err := l.engine.Pull(ctx, asset.Native, caller, l.custody, amount); err != nil {
		return fmt.Errorf("pool %d: collect contribution: %w", poolID, err)
	}
	p.recordLocked(contributor, amount)
	l.emit(model.Event{
		Kind:        model.KindContributed,
		PoolID:      poolID,
		Actor:       caller.Hex(),
		Asset:       p.kind.String(),
		Contributor: contributor.Hex(),
		Amount:      model.Decimal(amount),
		Received:    model.Decimal(amount),
	})
	l.logger.Info("contribution recorded",
		zap.Uint64("pool", poolID),
		zap.String("contributor", contributor.Hex()),
		zap.String("amount", model.Decimal(amount)))
	return nil
}

// ContributeToken records a token contribution and returns the recorded
// amount: the custody balance delta around the pull, not the requested
// amount, so assets that deduct a fee in transit are credited at what
// actually arrived. A zero delta is rejected and records nothing.
func (l *Ledger) ContributeToken(ctx context.Context, caller common.Address, poolID uint64, contributor common.Address, amount *big.Int) (*big.Int, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	if err := positiveAmount(amount); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.authorizeLocked(caller); err != nil {
		return nil, err
	}
	if p.kind.IsNative() {
		return nil, fmt.Errorf("pool %d holds native value: %w", poolID, ErrAssetMismatch)
	}
	if err := p.admitLocked(contributor); err != nil {
		return nil, err
	}
	received, err := l.pullMeasured(ctx, p.kind, caller, amount)
	if err != nil {
		return nil, fmt.Errorf("pool %d: collect contribution: %w", poolID, err)
	}
	if received.Sign() <= 0 {
		return nil, fmt.Errorf("pool %d: requested %s of %s: %w", poolID, model.Decimal(amount), p.kind, ErrNothingReceived)
	}
	p.recordLocked(contributor, received)
	l.emit(model.Event{
		Kind:        model.KindContributed,
		PoolID:      poolID,
		Actor:       caller.Hex(),
		Asset:       p.kind.String(),
		Contributor: contributor.Hex(),
		Amount:      model.Decimal(amount),
		Received:    model.Decimal(received),
	})
	l.logger.Info("contribution recorded",
		zap.Uint64("pool", poolID),
		zap.String("contributor", contributor.Hex()),
		zap.String("asset", p.kind.String()),
		zap.String("requested", model.Decimal(amount)),
		zap.String("received", model.Decimal(received)))
	return received, nil
}

// pullMeasured moves amount from payer to custody and reports how much
// custody actually gained. The intake lock keeps concurrent pulls of
// the same asset from bleeding into each other's measurements.
func (l *Ledger) pullMeasured(ctx context.Context, id asset.ID, payer common.Address, amount *big.Int) (*big.Int, error) {
	l.intakeMu.Lock()
	defer l.intakeMu.Unlock()
	before, err := l.engine.BalanceOf(ctx, id, l.custody)
	if err != nil {
		return nil, fmt.Errorf("custody balance: %w", err)
	}
	if err := l.engine.Pull(ctx, id, payer, l.custody, amount); err != nil {
		return nil, err
	}
	after, err := l.engine.BalanceOf(ctx, id, l.custody)
	if err != nil {
		return nil, fmt.Errorf("custody balance: %w", err)
	}
	return new(big.Int).Sub(after, before), nil
}

func positiveAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, model.Decimal(amount))
	}
	return nil
}
