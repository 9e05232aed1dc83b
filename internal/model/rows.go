package model

// PoolRow is the mirror's image of one pool.
type PoolRow struct {
	ID               uint64 `json:"id"`
	Asset            string `json:"asset"`
	Controller       string `json:"controller"`
	TotalContributed string `json:"total_contributed"`
	Contributors     int    `json:"contributors"`
	CreatedSeq       uint64 `json:"created_seq"`
	UpdatedSeq       uint64 `json:"updated_seq"`
}

// ContributionRow is the mirror's image of one contributor's cumulative
// position in one pool. Position is the contributor's insertion index.
type ContributionRow struct {
	PoolID      uint64 `json:"pool_id"`
	Contributor string `json:"contributor"`
	Amount      string `json:"amount"`
	Position    int    `json:"position"`
}

// BalanceRow is the mirror's image of one pool's bucket for one asset.
type BalanceRow struct {
	PoolID uint64 `json:"pool_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}
