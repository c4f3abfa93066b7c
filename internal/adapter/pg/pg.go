package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
)

var (
	_ port.Repository = (*PgRepo)(nil)
	_ port.Tx         = (*pgTx)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  client_order_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  price NUMERIC NOT NULL,
  quantity NUMERIC NOT NULL,
  remaining NUMERIC NOT NULL,
  filled_notional NUMERIC NOT NULL,
  market BOOLEAN NOT NULL,
  post_only BOOLEAN NOT NULL,
  expiry TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS orders_client_idx ON orders(client_id, symbol);
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  counter_order_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  price NUMERIC NOT NULL,
  quantity NUMERIC NOT NULL,
  quote_quantity NUMERIC NOT NULL,
  is_buyer BOOLEAN NOT NULL,
  is_maker BOOLEAN NOT NULL,
  executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_order_idx ON trades(order_id);
CREATE TABLE IF NOT EXISTS balances (
  client_id TEXT NOT NULL,
  asset TEXT NOT NULL,
  available NUMERIC NOT NULL,
  reserved NUMERIC NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (client_id, asset)
);
CREATE TABLE IF NOT EXISTS depth_snapshots (
  id TEXT PRIMARY KEY,
  symbol TEXT NOT NULL,
  snapshot_json JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// querier is what both the pool and a transaction offer.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepo struct {
	pool *pgxpool.Pool
}

// call Close when finish to work with database.
func NewPgRepo(ctx context.Context, dsn string) (*PgRepo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &PgRepo{pool: pool}, nil
}

func (p *PgRepo) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the audit tables when they are missing.
func (p *PgRepo) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg: migrate: %w", err)
	}
	return nil
}

func (p *PgRepo) SaveOrder(ctx context.Context, o domain.OrderSnapshot) error {
	return saveOrder(ctx, p.pool, o)
}

func (p *PgRepo) SaveTrade(ctx context.Context, symbol string, t domain.Trade) error {
	return saveTrade(ctx, p.pool, symbol, t)
}

func (p *PgRepo) SaveBalance(ctx context.Context, b domain.BalanceSnapshot) error {
	return saveBalance(ctx, p.pool, b)
}

func (p *PgRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pg: begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (p *PgRepo) LoadOrder(ctx context.Context, orderID string) (domain.OrderSnapshot, error) {
	var (
		o                 domain.OrderSnapshot
		side, typ, status string
		expiry            *time.Time
	)
	err := p.pool.QueryRow(ctx, `
SELECT id, client_id, client_order_id, symbol, side, type, status, price, quantity, remaining,
       filled_notional, market, post_only, expiry, created_at
FROM orders
WHERE id = $1
`, orderID).Scan(&o.ID, &o.ClientID, &o.ClientOrderID, &o.Symbol, &side, &typ, &status,
		&o.Price, &o.Quantity, &o.Remaining, &o.FilledNotional, &o.Market, &o.PostOnly, &expiry, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, fmt.Errorf("pg: order %s: %w", orderID, domain.ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("pg: load order %s: %w", orderID, err)
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.Executed = o.Quantity.Sub(o.Remaining)
	if expiry != nil {
		o.Expiry = *expiry
	}
	return o, nil
}

// LoadTradesForOrder returns the trades of one order, oldest first.
func (p *PgRepo) LoadTradesForOrder(ctx context.Context, orderID string) ([]domain.Trade, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, order_id, counter_order_id, symbol, price, quantity, quote_quantity, is_buyer, is_maker, executed_at
FROM trades
WHERE order_id = $1
ORDER BY executed_at ASC
`, orderID)
	if err != nil {
		return nil, fmt.Errorf("pg: load trades for %s: %w", orderID, err)
	}
	defer rows.Close()

	var res []domain.Trade
	for rows.Next() {
		var (
			t      domain.Trade
			symbol string
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.CounterOrderID, &symbol, &t.Price, &t.Quantity,
			&t.QuoteQuantity, &t.IsBuyer, &t.IsMaker, &t.Time); err != nil {
			return nil, fmt.Errorf("pg: scan trade: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SaveSnapshot persists a depth snapshot as JSONB.
func (p *PgRepo) SaveSnapshot(ctx context.Context, snapshotID string, d *domain.Depth) error {
	if d == nil {
		return fmt.Errorf("pg: nil snapshot: %w", domain.ErrValidation)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("pg: encode snapshot: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO depth_snapshots(id, symbol, snapshot_json, created_at)
VALUES($1,$2,$3,NOW())
ON CONFLICT (id) DO UPDATE SET snapshot_json = EXCLUDED.snapshot_json, created_at = NOW()
`, snapshotID, d.Symbol, string(b))
	if err != nil {
		return fmt.Errorf("pg: save snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func (p *PgRepo) LoadSnapshot(ctx context.Context, snapshotID string) (*domain.Depth, error) {
	var data string
	err := p.pool.QueryRow(ctx, `SELECT snapshot_json FROM depth_snapshots WHERE id = $1`, snapshotID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pg: snapshot %s: %w", snapshotID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pg: load snapshot %s: %w", snapshotID, err)
	}
	var d domain.Depth
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("pg: decode snapshot %s: %w", snapshotID, err)
	}
	return &d, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SaveOrder(ctx context.Context, o domain.OrderSnapshot) error {
	return saveOrder(ctx, t.tx, o)
}

func (t *pgTx) SaveTrade(ctx context.Context, symbol string, tr domain.Trade) error {
	return saveTrade(ctx, t.tx, symbol, tr)
}

func (t *pgTx) SaveBalance(ctx context.Context, b domain.BalanceSnapshot) error {
	return saveBalance(ctx, t.tx, b)
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func saveOrder(ctx context.Context, q querier, o domain.OrderSnapshot) error {
	var expiry *time.Time
	if !o.Expiry.IsZero() {
		expiry = &o.Expiry
	}
	_, err := q.Exec(ctx, `
INSERT INTO orders(id, client_id, client_order_id, symbol, side, type, status, price, quantity, remaining,
                   filled_notional, market, post_only, expiry, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  quantity = EXCLUDED.quantity,
  remaining = EXCLUDED.remaining,
  filled_notional = EXCLUDED.filled_notional,
  updated_at = NOW()
`, o.ID, o.ClientID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Status),
		o.Price, o.Quantity, o.Remaining, o.FilledNotional, o.Market, o.PostOnly, expiry, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: save order %s: %w", o.ID, err)
	}
	return nil
}

func saveTrade(ctx context.Context, q querier, symbol string, t domain.Trade) error {
	_, err := q.Exec(ctx, `
INSERT INTO trades(id, order_id, counter_order_id, symbol, price, quantity, quote_quantity, is_buyer, is_maker, executed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO NOTHING
`, t.ID, t.OrderID, t.CounterOrderID, symbol, t.Price, t.Quantity, t.QuoteQuantity, t.IsBuyer, t.IsMaker, t.Time)
	if err != nil {
		return fmt.Errorf("pg: save trade %s: %w", t.ID, err)
	}
	return nil
}

func saveBalance(ctx context.Context, q querier, b domain.BalanceSnapshot) error {
	_, err := q.Exec(ctx, `
INSERT INTO balances(client_id, asset, available, reserved, updated_at)
VALUES($1,$2,$3,$4,NOW())
ON CONFLICT (client_id, asset) DO UPDATE SET
  available = EXCLUDED.available,
  reserved = EXCLUDED.reserved,
  updated_at = NOW()
`, b.ClientID, b.Asset, b.Available, b.Reserved)
	if err != nil {
		return fmt.Errorf("pg: save balance %s/%s: %w", b.ClientID, b.Asset, err)
	}
	return nil
}
