package model

import (
	"math/big"
	"time"
)

// Kind names a change-notification type.
type Kind string

const (
	KindPoolCreated    Kind = "pool_created"
	KindContributed    Kind = "contributed"
	KindExecuted       Kind = "executed"
	KindDeposited      Kind = "deposited"
	KindAssetDeposited Kind = "asset_deposited"
	KindDistributed    Kind = "distributed"
)

// Event is one change notification, the unit of the journal and of the
// subscriber feed. Amount fields are decimal strings; address fields are
// 0x-hex; Asset is "native" or a token address. Fields beyond the first
// five are kind-specific and omitted elsewhere.
type Event struct {
	Seq         uint64    `json:"seq"`
	Kind        Kind      `json:"kind"`
	PoolID      uint64    `json:"pool_id"`
	Actor       string    `json:"actor"`
	EmittedAt   time.Time `json:"emitted_at"`
	Asset       string    `json:"asset,omitempty"`
	Contributor string    `json:"contributor,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Received    string    `json:"received,omitempty"`
	Target      string    `json:"target,omitempty"`
	Spent       string    `json:"spent,omitempty"`
	Success     bool      `json:"success,omitempty"`
	Paid        string    `json:"paid,omitempty"`
	Residue     string    `json:"residue,omitempty"`
	Recipients  int       `json:"recipients,omitempty"`
}

// Decimal renders an amount for an event field. Nil renders as "0".
func Decimal(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// ParseDecimal converts an event amount field back into an integer.
// The empty string reads as zero.
func ParseDecimal(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	value, ok := new(big.Int).SetString(s, 10)
	if !ok || value.Sign() < 0 {
		return nil, false
	}
	return value, true
}
