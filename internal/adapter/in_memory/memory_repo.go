package in_memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
)

var _ port.Repository = (*MemoryRepo)(nil)

type balanceKey struct {
	clientID string
	asset    string
}

type MemoryRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.OrderSnapshot
	trades    map[string][]domain.Trade
	tradeIDs  map[string]bool
	balances  map[balanceKey]domain.BalanceSnapshot
	snapshots map[string]*domain.Depth
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		orders:    make(map[string]domain.OrderSnapshot),
		trades:    make(map[string][]domain.Trade),
		tradeIDs:  make(map[string]bool),
		balances:  make(map[balanceKey]domain.BalanceSnapshot),
		snapshots: make(map[string]*domain.Depth),
	}
}

func (r *MemoryRepo) SaveOrder(ctx context.Context, o domain.OrderSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	return nil
}

// SaveTrade ignores a trade id it has already seen.
func (r *MemoryRepo) SaveTrade(ctx context.Context, symbol string, t domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tradeIDs[t.ID] {
		return nil
	}
	r.tradeIDs[t.ID] = true
	r.trades[t.OrderID] = append(r.trades[t.OrderID], t)
	return nil
}

func (r *MemoryRepo) SaveBalance(ctx context.Context, b domain.BalanceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[balanceKey{b.ClientID, b.Asset}] = b
	return nil
}

func (r *MemoryRepo) LoadOrder(ctx context.Context, orderID string) (domain.OrderSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return o, fmt.Errorf("memory: order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

func (r *MemoryRepo) LoadTradesForOrder(ctx context.Context, orderID string) ([]domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Trade(nil), r.trades[orderID]...), nil
}

func (r *MemoryRepo) LoadBalance(ctx context.Context, clientID, asset string) (domain.BalanceSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[balanceKey{clientID, asset}]
	if !ok {
		return b, fmt.Errorf("memory: balance %s/%s: %w", clientID, asset, domain.ErrNotFound)
	}
	return b, nil
}

func (r *MemoryRepo) SaveSnapshot(ctx context.Context, snapshotID string, d *domain.Depth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snapshotID] = d.DeepCopy()
	return nil
}

func (r *MemoryRepo) LoadSnapshot(ctx context.Context, snapshotID string) (*domain.Depth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.snapshots[snapshotID]
	if !ok {
		return nil, fmt.Errorf("memory: snapshot %s: %w", snapshotID, domain.ErrNotFound)
	}
	return d.DeepCopy(), nil
}

// BeginTx buffers writes until Commit.
func (r *MemoryRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	return &memoryTx{repo: r}, nil
}

type memoryTx struct {
	repo *MemoryRepo
	ops  []func(context.Context) error
	done bool
}

func (t *memoryTx) SaveOrder(ctx context.Context, o domain.OrderSnapshot) error {
	t.ops = append(t.ops, func(ctx context.Context) error { return t.repo.SaveOrder(ctx, o) })
	return nil
}

func (t *memoryTx) SaveTrade(ctx context.Context, symbol string, tr domain.Trade) error {
	t.ops = append(t.ops, func(ctx context.Context) error { return t.repo.SaveTrade(ctx, symbol, tr) })
	return nil
}

func (t *memoryTx) SaveBalance(ctx context.Context, b domain.BalanceSnapshot) error {
	t.ops = append(t.ops, func(ctx context.Context) error { return t.repo.SaveBalance(ctx, b) })
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("memory: tx already closed: %w", domain.ErrInvalidState)
	}
	t.done = true
	for _, op := range t.ops {
		if err := op(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.done = true
	t.ops = nil
	return nil
}
