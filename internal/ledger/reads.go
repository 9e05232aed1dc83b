package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"prorata/internal/asset"
)

// GetPoolBalance reports the pool's tracked balance for its own
// contribution asset.
func (l *Ledger) GetPoolBalance(poolID uint64) (*big.Int, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.bucketLocked(p.kind)), nil
}

// GetPoolAssetBalance reports the pool's bucket for any asset, zero if
// that asset was never credited.
func (l *Ledger) GetPoolAssetBalance(poolID uint64, assetID asset.ID) (*big.Int, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.bucketLocked(assetID)), nil
}

// GetContribution reports a contributor's cumulative recorded amount,
// zero for an identity that never contributed.
func (l *Ledger) GetContribution(poolID uint64, contributor common.Address) (*big.Int, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.contributions[contributor]; ok {
		return new(big.Int).Set(current), nil
	}
	return new(big.Int), nil
}

// GetContributors returns the pool's distinct contributors in insertion
// order.
func (l *Ledger) GetContributors(poolID uint64) ([]common.Address, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.Address, len(p.contributors))
	copy(out, p.contributors)
	return out, nil
}

// GetContributorsPaginated returns the window [start, start+count) of
// the ordered contributor list, clamped to its length. A window that
// starts at or past the end, or non-positive arguments, yield an empty
// slice.
func (l *Ledger) GetContributorsPaginated(poolID uint64, start, count int) ([]common.Address, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if start < 0 || count <= 0 || start >= len(p.contributors) {
		return []common.Address{}, nil
	}
	end := start + count
	if end > len(p.contributors) || end < start {
		end = len(p.contributors)
	}
	out := make([]common.Address, end-start)
	copy(out, p.contributors[start:end])
	return out, nil
}

// TrackedTotals sums every pool's buckets per asset. This is what
// custody must hold for the ledger's accounting to be fully backed.
func (l *Ledger) TrackedTotals() map[asset.ID]*big.Int {
	l.mu.RLock()
	pools := make([]*pool, 0, len(l.pools))
	for _, p := range l.pools {
		pools = append(pools, p)
	}
	l.mu.RUnlock()

	totals := make(map[asset.ID]*big.Int)
	for _, p := range pools {
		p.mu.Lock()
		for id, bucket := range p.buckets {
			total, ok := totals[id]
			if !ok {
				total = new(big.Int)
				totals[id] = total
			}
			total.Add(total, bucket)
		}
		p.mu.Unlock()
	}
	return totals
}
