package replay

import (
	"fmt"
	"math/big"
	"sort"

	"prorata/internal/model"
)

type contribKey struct {
	pool        uint64
	contributor string
}

type balanceKey struct {
	pool  uint64
	asset string
}

// Rebuilder folds a journal's event stream into mirror rows. It keeps
// the complete read model in memory and tracks which rows each event
// touched so callers can flush increments instead of the whole model.
type Rebuilder struct {
	pools         map[uint64]*model.PoolRow
	contributions map[contribKey]*model.ContributionRow
	balances      map[balanceKey]*model.BalanceRow

	dirtyPools    map[uint64]struct{}
	dirtyContribs map[contribKey]struct{}
	dirtyBalances map[balanceKey]struct{}

	applied int
	lastSeq uint64
}

func NewRebuilder() *Rebuilder {
	return &Rebuilder{
		pools:         make(map[uint64]*model.PoolRow),
		contributions: make(map[contribKey]*model.ContributionRow),
		balances:      make(map[balanceKey]*model.BalanceRow),
		dirtyPools:    make(map[uint64]struct{}),
		dirtyContribs: make(map[contribKey]struct{}),
		dirtyBalances: make(map[balanceKey]struct{}),
	}
}

// Apply folds one event. Events must arrive in journal order; a fold
// that does not add up means the journal is damaged and is an error,
// not a warning.
func (r *Rebuilder) Apply(ev model.Event) error {
	switch ev.Kind {
	case model.KindPoolCreated:
		if _, exists := r.pools[ev.PoolID]; exists {
			return fmt.Errorf("seq %d: pool %d created twice", ev.Seq, ev.PoolID)
		}
		r.pools[ev.PoolID] = &model.PoolRow{
			ID:               ev.PoolID,
			Asset:            ev.Asset,
			Controller:       ev.Actor,
			TotalContributed: "0",
			CreatedSeq:       ev.Seq,
			UpdatedSeq:       ev.Seq,
		}
		r.dirtyPools[ev.PoolID] = struct{}{}

	case model.KindContributed:
		pool, err := r.poolOf(ev)
		if err != nil {
			return err
		}
		received, err := amountOf(ev, ev.Received, "received")
		if err != nil {
			return err
		}
		total, err := addAmount(pool.TotalContributed, received)
		if err != nil {
			return fmt.Errorf("seq %d: pool %d total: %w", ev.Seq, ev.PoolID, err)
		}
		pool.TotalContributed = total

		key := contribKey{ev.PoolID, ev.Contributor}
		row, ok := r.contributions[key]
		if !ok {
			row = &model.ContributionRow{
				PoolID:      ev.PoolID,
				Contributor: ev.Contributor,
				Amount:      "0",
				Position:    pool.Contributors,
			}
			r.contributions[key] = row
			pool.Contributors++
		}
		sum, err := addAmount(row.Amount, received)
		if err != nil {
			return fmt.Errorf("seq %d: contribution of %s: %w", ev.Seq, ev.Contributor, err)
		}
		row.Amount = sum
		r.dirtyContribs[key] = struct{}{}
		if err := r.creditBalance(ev, pool.Asset, received); err != nil {
			return err
		}
		r.touchPool(pool, ev.Seq)

	case model.KindDeposited:
		pool, err := r.poolOf(ev)
		if err != nil {
			return err
		}
		amount, err := amountOf(ev, ev.Amount, "amount")
		if err != nil {
			return err
		}
		if err := r.creditBalance(ev, "native", amount); err != nil {
			return err
		}
		r.touchPool(pool, ev.Seq)

	case model.KindAssetDeposited:
		pool, err := r.poolOf(ev)
		if err != nil {
			return err
		}
		received, err := amountOf(ev, ev.Received, "received")
		if err != nil {
			return err
		}
		if err := r.creditBalance(ev, ev.Asset, received); err != nil {
			return err
		}
		r.touchPool(pool, ev.Seq)

	case model.KindExecuted:
		pool, err := r.poolOf(ev)
		if err != nil {
			return err
		}
		if ev.Success {
			spent, err := amountOf(ev, ev.Spent, "spent")
			if err != nil {
				return err
			}
			if err := r.debitBalance(ev, pool.Asset, spent); err != nil {
				return err
			}
		}
		r.touchPool(pool, ev.Seq)

	case model.KindDistributed:
		pool, err := r.poolOf(ev)
		if err != nil {
			return err
		}
		paid, err := amountOf(ev, ev.Paid, "paid")
		if err != nil {
			return err
		}
		residue, err := amountOf(ev, ev.Residue, "residue")
		if err != nil {
			return err
		}
		if err := r.debitBalance(ev, ev.Asset, new(big.Int).Add(paid, residue)); err != nil {
			return err
		}
		r.touchPool(pool, ev.Seq)

	default:
		return fmt.Errorf("seq %d: unknown event kind %q", ev.Seq, ev.Kind)
	}

	r.applied++
	if ev.Seq > r.lastSeq {
		r.lastSeq = ev.Seq
	}
	return nil
}

// DrainDirty returns the rows touched since the previous drain, sorted
// for stable writes, and clears the dirty sets.
func (r *Rebuilder) DrainDirty() ([]model.PoolRow, []model.ContributionRow, []model.BalanceRow) {
	pools := make([]model.PoolRow, 0, len(r.dirtyPools))
	for id := range r.dirtyPools {
		pools = append(pools, *r.pools[id])
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })

	contribs := make([]model.ContributionRow, 0, len(r.dirtyContribs))
	for key := range r.dirtyContribs {
		contribs = append(contribs, *r.contributions[key])
	}
	sort.Slice(contribs, func(i, j int) bool {
		if contribs[i].PoolID != contribs[j].PoolID {
			return contribs[i].PoolID < contribs[j].PoolID
		}
		return contribs[i].Position < contribs[j].Position
	})

	balances := make([]model.BalanceRow, 0, len(r.dirtyBalances))
	for key := range r.dirtyBalances {
		balances = append(balances, *r.balances[key])
	}
	sort.Slice(balances, func(i, j int) bool {
		if balances[i].PoolID != balances[j].PoolID {
			return balances[i].PoolID < balances[j].PoolID
		}
		return balances[i].Asset < balances[j].Asset
	})

	r.ResetDirty()
	return pools, contribs, balances
}

// ResetDirty forgets accumulated dirt without reporting it. Used when
// folding events that are already persisted.
func (r *Rebuilder) ResetDirty() {
	r.dirtyPools = make(map[uint64]struct{})
	r.dirtyContribs = make(map[contribKey]struct{})
	r.dirtyBalances = make(map[balanceKey]struct{})
}

// Pools lists every pool row, ordered by id.
func (r *Rebuilder) Pools() []model.PoolRow {
	rows := make([]model.PoolRow, 0, len(r.pools))
	for _, row := range r.pools {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// Contributions lists every contribution row, ordered by pool then by
// insertion position.
func (r *Rebuilder) Contributions() []model.ContributionRow {
	rows := make([]model.ContributionRow, 0, len(r.contributions))
	for _, row := range r.contributions {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PoolID != rows[j].PoolID {
			return rows[i].PoolID < rows[j].PoolID
		}
		return rows[i].Position < rows[j].Position
	})
	return rows
}

// Balances lists every balance row, ordered by pool then asset.
func (r *Rebuilder) Balances() []model.BalanceRow {
	rows := make([]model.BalanceRow, 0, len(r.balances))
	for _, row := range r.balances {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PoolID != rows[j].PoolID {
			return rows[i].PoolID < rows[j].PoolID
		}
		return rows[i].Asset < rows[j].Asset
	})
	return rows
}

// Applied reports how many events have been folded.
func (r *Rebuilder) Applied() int { return r.applied }

// LastSeq reports the highest sequence number folded so far.
func (r *Rebuilder) LastSeq() uint64 { return r.lastSeq }

func (r *Rebuilder) poolOf(ev model.Event) (*model.PoolRow, error) {
	pool, ok := r.pools[ev.PoolID]
	if !ok {
		return nil, fmt.Errorf("seq %d: pool %d not created", ev.Seq, ev.PoolID)
	}
	return pool, nil
}

func (r *Rebuilder) touchPool(pool *model.PoolRow, seq uint64) {
	pool.UpdatedSeq = seq
	r.dirtyPools[pool.ID] = struct{}{}
}

func (r *Rebuilder) creditBalance(ev model.Event, assetName string, delta *big.Int) error {
	key := balanceKey{ev.PoolID, assetName}
	row, ok := r.balances[key]
	if !ok {
		row = &model.BalanceRow{PoolID: ev.PoolID, Asset: assetName, Amount: "0"}
		r.balances[key] = row
	}
	sum, err := addAmount(row.Amount, delta)
	if err != nil {
		return fmt.Errorf("seq %d: pool %d bucket %s: %w", ev.Seq, ev.PoolID, assetName, err)
	}
	row.Amount = sum
	r.dirtyBalances[key] = struct{}{}
	return nil
}

func (r *Rebuilder) debitBalance(ev model.Event, assetName string, delta *big.Int) error {
	key := balanceKey{ev.PoolID, assetName}
	row, ok := r.balances[key]
	if !ok {
		row = &model.BalanceRow{PoolID: ev.PoolID, Asset: assetName, Amount: "0"}
		r.balances[key] = row
	}
	current, ok2 := model.ParseDecimal(row.Amount)
	if !ok2 {
		return fmt.Errorf("seq %d: pool %d bucket %s holds invalid amount %q", ev.Seq, ev.PoolID, assetName, row.Amount)
	}
	if current.Cmp(delta) < 0 {
		return fmt.Errorf("seq %d: pool %d bucket %s: debit %s exceeds %s", ev.Seq, ev.PoolID, assetName, delta, current)
	}
	row.Amount = current.Sub(current, delta).String()
	r.dirtyBalances[key] = struct{}{}
	return nil
}

func amountOf(ev model.Event, field, name string) (*big.Int, error) {
	value, ok := model.ParseDecimal(field)
	if !ok {
		return nil, fmt.Errorf("seq %d: invalid %s %q", ev.Seq, name, field)
	}
	return value, nil
}

func addAmount(current string, delta *big.Int) (string, error) {
	value, ok := model.ParseDecimal(current)
	if !ok {
		return "", fmt.Errorf("invalid stored amount %q", current)
	}
	return value.Add(value, delta).String(), nil
}
