package ledger

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"prorata/internal/asset"
)

// MaxContributors caps the distinct contributors per pool. A repeat
// contributor never counts against it.
const MaxContributors = 250

// pool is the self-contained state of one pool. Every balance lives in
// the pool's own buckets, never derived from custody-wide balances, so
// no operation on one pool can observe or disturb another.
type pool struct {
	mu           sync.Mutex
	distributing atomic.Bool

	id            uint64
	kind          asset.ID
	controller    common.Address
	total         *big.Int
	buckets       map[asset.ID]*big.Int
	contributors  []common.Address
	contributions map[common.Address]*big.Int
}

func newPool(id uint64, kind asset.ID, controller common.Address) *pool {
	return &pool{
		id:            id,
		kind:          kind,
		controller:    controller,
		total:         new(big.Int),
		buckets:       make(map[asset.ID]*big.Int),
		contributions: make(map[common.Address]*big.Int),
	}
}

func (p *pool) bucketLocked(id asset.ID) *big.Int {
	bucket, ok := p.buckets[id]
	if !ok {
		bucket = new(big.Int)
		p.buckets[id] = bucket
	}
	return bucket
}

func (p *pool) authorizeLocked(caller common.Address) error {
	if caller != p.controller {
		return fmt.Errorf("pool %d: caller %s: %w", p.id, caller.Hex(), ErrNotController)
	}
	return nil
}

// admitLocked enforces the distinct-contributor cap before any value
// moves, so a rejected contribution never touches settlement.
func (p *pool) admitLocked(contributor common.Address) error {
	if _, known := p.contributions[contributor]; known {
		return nil
	}
	if len(p.contributors) >= MaxContributors {
		return fmt.Errorf("pool %d has %d contributors: %w", p.id, len(p.contributors), ErrContributorLimit)
	}
	return nil
}

// recordLocked credits a contribution: the contributor joins the ordered
// list on first appearance, and the amount lands in the running total
// and the pool's contribution-asset bucket.
func (p *pool) recordLocked(contributor common.Address, amount *big.Int) {
	current, known := p.contributions[contributor]
	if !known {
		current = new(big.Int)
		p.contributions[contributor] = current
		p.contributors = append(p.contributors, contributor)
	}
	current.Add(current, amount)
	p.total.Add(p.total, amount)
	bucket := p.bucketLocked(p.kind)
	bucket.Add(bucket, amount)
}
