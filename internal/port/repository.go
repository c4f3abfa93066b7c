package port

import (
	"context"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Repository is the audit sink for book activity. It is written behind the
// book and never read by matching.
type Repository interface {
	SaveOrder(ctx context.Context, o domain.OrderSnapshot) error
	SaveTrade(ctx context.Context, symbol string, t domain.Trade) error
	SaveBalance(ctx context.Context, b domain.BalanceSnapshot) error
	LoadOrder(ctx context.Context, orderID string) (domain.OrderSnapshot, error)
	LoadTradesForOrder(ctx context.Context, orderID string) ([]domain.Trade, error)
	SaveSnapshot(ctx context.Context, snapshotID string, d *domain.Depth) error
	LoadSnapshot(ctx context.Context, snapshotID string) (*domain.Depth, error)
	BeginTx(ctx context.Context) (Tx, error)
}

type Tx interface {
	SaveOrder(ctx context.Context, o domain.OrderSnapshot) error
	SaveTrade(ctx context.Context, symbol string, t domain.Trade) error
	SaveBalance(ctx context.Context, b domain.BalanceSnapshot) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
