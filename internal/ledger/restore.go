package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"prorata/internal/asset"
	"prorata/internal/model"
)

// Restore applies one previously emitted event back onto ledger state.
// No settlement happens and nothing is re-emitted; the id and sequence
// counters advance past what the event carries. Feed a pool's events in
// their original sequence order.
func (l *Ledger) Restore(ev model.Event) error {
	switch ev.Kind {
	case model.KindPoolCreated:
		kind, err := asset.Parse(ev.Asset)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		if !common.IsHexAddress(ev.Actor) {
			return fmt.Errorf("restore seq %d: bad controller %q", ev.Seq, ev.Actor)
		}
		l.mu.Lock()
		if _, exists := l.pools[ev.PoolID]; exists {
			l.mu.Unlock()
			return fmt.Errorf("restore seq %d: pool %d created twice", ev.Seq, ev.PoolID)
		}
		l.pools[ev.PoolID] = newPool(ev.PoolID, kind, common.HexToAddress(ev.Actor))
		if ev.PoolID > l.lastID {
			l.lastID = ev.PoolID
		}
		l.mu.Unlock()

	case model.KindContributed:
		p, err := l.pool(ev.PoolID)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		received, ok := model.ParseDecimal(ev.Received)
		if !ok {
			return fmt.Errorf("restore seq %d: bad received amount %q", ev.Seq, ev.Received)
		}
		p.mu.Lock()
		p.recordLocked(common.HexToAddress(ev.Contributor), received)
		p.mu.Unlock()

	case model.KindDeposited:
		p, err := l.pool(ev.PoolID)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		amount, ok := model.ParseDecimal(ev.Amount)
		if !ok {
			return fmt.Errorf("restore seq %d: bad amount %q", ev.Seq, ev.Amount)
		}
		p.mu.Lock()
		bucket := p.bucketLocked(asset.Native)
		bucket.Add(bucket, amount)
		p.mu.Unlock()

	case model.KindAssetDeposited:
		p, err := l.pool(ev.PoolID)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		id, err := asset.Parse(ev.Asset)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		received, ok := model.ParseDecimal(ev.Received)
		if !ok {
			return fmt.Errorf("restore seq %d: bad received amount %q", ev.Seq, ev.Received)
		}
		p.mu.Lock()
		bucket := p.bucketLocked(id)
		bucket.Add(bucket, received)
		p.mu.Unlock()

	case model.KindExecuted:
		p, err := l.pool(ev.PoolID)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		if ev.Success {
			spent, ok := model.ParseDecimal(ev.Spent)
			if !ok {
				return fmt.Errorf("restore seq %d: bad spent amount %q", ev.Seq, ev.Spent)
			}
			p.mu.Lock()
			bucket := p.bucketLocked(p.kind)
			if bucket.Cmp(spent) < 0 {
				p.mu.Unlock()
				return fmt.Errorf("restore seq %d: pool %d spend %s exceeds tracked %s", ev.Seq, ev.PoolID, spent, bucket)
			}
			bucket.Sub(bucket, spent)
			p.mu.Unlock()
		}

	case model.KindDistributed:
		p, err := l.pool(ev.PoolID)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		id, err := asset.Parse(ev.Asset)
		if err != nil {
			return fmt.Errorf("restore seq %d: %w", ev.Seq, err)
		}
		paid, ok := model.ParseDecimal(ev.Paid)
		if !ok {
			return fmt.Errorf("restore seq %d: bad paid amount %q", ev.Seq, ev.Paid)
		}
		residue, ok := model.ParseDecimal(ev.Residue)
		if !ok {
			return fmt.Errorf("restore seq %d: bad residue amount %q", ev.Seq, ev.Residue)
		}
		out := new(big.Int).Add(paid, residue)
		p.mu.Lock()
		bucket := p.bucketLocked(id)
		if bucket.Cmp(out) < 0 {
			p.mu.Unlock()
			return fmt.Errorf("restore seq %d: pool %d distribution %s exceeds tracked %s", ev.Seq, ev.PoolID, out, bucket)
		}
		bucket.Sub(bucket, out)
		p.mu.Unlock()

	default:
		return fmt.Errorf("restore seq %d: unknown event kind %q", ev.Seq, ev.Kind)
	}

	for {
		current := l.seq.Load()
		if ev.Seq <= current || l.seq.CompareAndSwap(current, ev.Seq) {
			break
		}
	}
	return nil
}
