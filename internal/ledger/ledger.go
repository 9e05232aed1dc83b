package ledger

import (
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"prorata/internal/asset"
	"prorata/internal/model"
	"prorata/internal/settle"
)

// Ledger owns every pool and serializes operations per pool. Value
// custody is delegated to a settlement engine under a single custody
// identity; the ledger's buckets are the authoritative accounting.
type Ledger struct {
	mu     sync.RWMutex
	pools  map[uint64]*pool
	lastID uint64

	engine  settle.Engine
	custody common.Address
	logger  *zap.Logger

	// intakeMu serializes balance-delta measurement around token pulls.
	// Without it two concurrent pulls of the same token would pollute
	// each other's deltas through the shared custody balance.
	intakeMu sync.Mutex

	seq   atomic.Uint64
	subMu sync.Mutex
	subs  []func(model.Event)
}

// New builds a ledger over the given settlement engine. The custody
// address is the identity holding pooled value at the engine.
func New(engine settle.Engine, custody common.Address, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		pools:   make(map[uint64]*pool),
		engine:  engine,
		custody: custody,
		logger:  logger,
	}
}

// Subscribe registers a change-notification consumer. Subscribers run
// synchronously after each committed operation, in registration order,
// and must not call back into the ledger; hand off to a channel for
// anything slow.
func (l *Ledger) Subscribe(fn func(model.Event)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs = append(l.subs, fn)
}

// CreatePool registers a new pool holding the given asset kind. The
// caller becomes the pool's controller, permanently.
func (l *Ledger) CreatePool(caller common.Address, kind asset.ID) uint64 {
	l.mu.Lock()
	l.lastID++
	id := l.lastID
	l.pools[id] = newPool(id, kind, caller)
	l.emit(model.Event{
		Kind:   model.KindPoolCreated,
		PoolID: id,
		Actor:  caller.Hex(),
		Asset:  kind.String(),
	})
	l.mu.Unlock()

	l.logger.Info("pool created",
		zap.Uint64("pool", id),
		zap.String("asset", kind.String()),
		zap.String("controller", caller.Hex()))
	return id
}

// PoolCount reports how many pools have ever been created.
func (l *Ledger) PoolCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID
}

// PoolInfo is the point-in-time summary of one pool.
type PoolInfo struct {
	Asset            asset.ID
	Controller       common.Address
	TotalContributed *big.Int
	ContributorCount int
}

// GetPoolInfo returns the pool's summary.
func (l *Ledger) GetPoolInfo(poolID uint64) (PoolInfo, error) {
	p, err := l.pool(poolID)
	if err != nil {
		return PoolInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolInfo{
		Asset:            p.kind,
		Controller:       p.controller,
		TotalContributed: new(big.Int).Set(p.total),
		ContributorCount: len(p.contributors),
	}, nil
}

func (l *Ledger) pool(poolID uint64) (*pool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("pool %d: %w", poolID, ErrPoolNotFound)
	}
	return p, nil
}

// emit assigns the sequence number and fans out. Callers hold the lock
// of the pool the event belongs to (the registry lock for creation), so
// per-pool sequence order always matches state order. The exclusive
// lock across assignment and fan-out means subscribers see ALL events
// in sequence order, which lets the journal double as a resume cursor.
func (l *Ledger) emit(ev model.Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	ev.Seq = l.seq.Add(1)
	ev.EmittedAt = time.Now().UTC()
	for _, fn := range l.subs {
		fn(ev)
	}
}
