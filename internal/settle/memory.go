package settle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"prorata/internal/asset"
)

// PayHook runs while a payment to its recipient is being validated,
// before anything is applied. Returning an error rejects the payment
// and with it the whole batch. Hooks run outside the engine lock and
// may call back into the rest of the system.
type PayHook func(ctx context.Context, id asset.ID, amount *big.Int) error

// Handler services a Call to its target. Handlers run outside the
// engine lock; the forwarded value has already been credited to the
// target and is reversed if the handler fails.
type Handler func(ctx context.Context, from common.Address, value *big.Int, payload []byte) ([]byte, error)

// Memory is an in-process engine for tests and development. It models
// balances, allowances, fee-on-transfer assets, callable targets and
// reactive payment recipients.
type Memory struct {
	mu         sync.Mutex
	balances   map[common.Address]map[asset.ID]*big.Int
	allowances map[common.Address]map[common.Address]map[asset.ID]*big.Int
	fees       map[asset.ID]uint32
	handlers   map[common.Address]Handler
	hooks      map[common.Address]PayHook
}

// NewMemory returns an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[common.Address]map[asset.ID]*big.Int),
		allowances: make(map[common.Address]map[common.Address]map[asset.ID]*big.Int),
		fees:       make(map[asset.ID]uint32),
		handlers:   make(map[common.Address]Handler),
		hooks:      make(map[common.Address]PayHook),
	}
}

// Credit mints amount of an asset to owner.
func (m *Memory) Credit(owner common.Address, id asset.ID, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditLocked(owner, id, amount)
}

// SetFee makes an asset deduct the given basis points in transit. The
// deducted portion is burned, so received is always below requested.
func (m *Memory) SetFee(id asset.ID, bps uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fees[id] = bps
}

// Handle installs a callable target. Calls to targets without a
// handler succeed with an empty result, moving only the value.
func (m *Memory) Handle(target common.Address, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[target] = fn
}

// OnPay installs a hook observing payments to recipient.
func (m *Memory) OnPay(recipient common.Address, hook PayHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[recipient] = hook
}

func (m *Memory) BalanceOf(_ context.Context, id asset.ID, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceLocked(owner, id)), nil
}

func (m *Memory) Allowance(_ context.Context, id asset.ID, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.allowanceLocked(owner, spender, id)), nil
}

func (m *Memory) Pull(_ context.Context, id asset.ID, from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(id, from, to, amount, true)
}

func (m *Memory) Approve(_ context.Context, id asset.ID, owner, spender common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySpender, ok := m.allowances[owner]
	if !ok {
		bySpender = make(map[common.Address]map[asset.ID]*big.Int)
		m.allowances[owner] = bySpender
	}
	byAsset, ok := bySpender[spender]
	if !ok {
		byAsset = make(map[asset.ID]*big.Int)
		bySpender[spender] = byAsset
	}
	byAsset[id] = bigOrZero(amount)
	return nil
}

// TransferFrom spends spender's allowance to move owner's funds, the
// way a called target pulls tokens during an execution. Transit fees
// apply to the moved amount.
func (m *Memory) TransferFrom(_ context.Context, id asset.ID, owner, spender, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := m.allowanceLocked(owner, spender, id)
	amt := bigOrZero(amount)
	if allowed.Cmp(amt) < 0 {
		return fmt.Errorf("%w: spender %s has %s of %s, needs %s",
			ErrNoAllowance, spender.Hex(), allowed, id, amt)
	}
	if err := m.moveLocked(id, owner, to, amt, true); err != nil {
		return err
	}
	allowed.Sub(allowed, amt)
	return nil
}

func (m *Memory) Call(ctx context.Context, from, target common.Address, value *big.Int, payload []byte) ([]byte, error) {
	value = bigOrZero(value)
	m.mu.Lock()
	if value.Sign() > 0 {
		if err := m.moveLocked(asset.Native, from, target, value, false); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	handler := m.handlers[target]
	m.mu.Unlock()

	if handler == nil {
		return nil, nil
	}
	result, err := handler(ctx, from, value, payload)
	if err != nil {
		if value.Sign() > 0 {
			m.mu.Lock()
			m.moveLocked(asset.Native, target, from, value, false)
			m.mu.Unlock()
		}
		return nil, err
	}
	return result, nil
}

func (m *Memory) PayBatch(ctx context.Context, id asset.ID, from common.Address, payments []Payment) error {
	total := new(big.Int)
	for _, p := range payments {
		amt := bigOrZero(p.Amount)
		if amt.Sign() < 0 {
			return fmt.Errorf("negative payment to %s", p.To.Hex())
		}
		total.Add(total, amt)
	}

	m.mu.Lock()
	if m.balanceLocked(from, id).Cmp(total) < 0 {
		have := new(big.Int).Set(m.balanceLocked(from, id))
		m.mu.Unlock()
		return fmt.Errorf("%w: %s has %s of %s, batch needs %s",
			ErrInsufficientFunds, from.Hex(), have, id, total)
	}
	hooks := make([]PayHook, len(payments))
	for i, p := range payments {
		hooks[i] = m.hooks[p.To]
	}
	m.mu.Unlock()

	// Recipients react before anything lands; one rejection kills the
	// whole batch with no partial state.
	for i, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, id, bigOrZero(payments[i].Amount)); err != nil {
			return fmt.Errorf("recipient %s rejected payment: %w", payments[i].To.Hex(), err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceLocked(from, id).Cmp(total) < 0 {
		return fmt.Errorf("%w: %s drained below %s of %s during recipient callbacks",
			ErrInsufficientFunds, from.Hex(), total, id)
	}
	for _, p := range payments {
		m.moveLocked(id, from, p.To, bigOrZero(p.Amount), true)
	}
	return nil
}

// moveLocked debits `from` the full amount and credits `to` the amount
// net of the asset's transit fee. withFee is off for value forwarding,
// which models a native transfer.
func (m *Memory) moveLocked(id asset.ID, from, to common.Address, amount *big.Int, withFee bool) error {
	amt := bigOrZero(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("negative transfer of %s", id)
	}
	balance := m.balanceLocked(from, id)
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientFunds, from.Hex(), balance, id, amt)
	}
	received := new(big.Int).Set(amt)
	if withFee {
		if bps := m.fees[id]; bps > 0 {
			fee := new(big.Int).Mul(amt, big.NewInt(int64(bps)))
			fee.Quo(fee, big.NewInt(10000))
			received.Sub(received, fee)
		}
	}
	balance.Sub(balance, amt)
	m.creditLocked(to, id, received)
	return nil
}

func (m *Memory) balanceLocked(owner common.Address, id asset.ID) *big.Int {
	byAsset, ok := m.balances[owner]
	if !ok {
		byAsset = make(map[asset.ID]*big.Int)
		m.balances[owner] = byAsset
	}
	balance, ok := byAsset[id]
	if !ok {
		balance = new(big.Int)
		byAsset[id] = balance
	}
	return balance
}

func (m *Memory) creditLocked(owner common.Address, id asset.ID, amount *big.Int) {
	balance := m.balanceLocked(owner, id)
	balance.Add(balance, bigOrZero(amount))
}

func (m *Memory) allowanceLocked(owner, spender common.Address, id asset.ID) *big.Int {
	byAsset, ok := m.allowances[owner][spender]
	if !ok {
		return new(big.Int)
	}
	allowed, ok := byAsset[id]
	if !ok {
		return new(big.Int)
	}
	return allowed
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
