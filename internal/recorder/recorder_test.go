package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olyamironova/spot-exchange/internal/adapter/in_memory"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	depth domain.Depth
	calls int
}

func (s *staticSource) Depth(symbol string, n int) (domain.Depth, error) {
	s.calls++
	if symbol != s.depth.Symbol {
		return domain.Depth{}, domain.ErrNotFound
	}
	return s.depth, nil
}

func sampleDepth() domain.Depth {
	return domain.Depth{
		Symbol:  "BTCUSDT",
		Version: 3,
		Bids:    []domain.DepthLevel{{Price: decimal.NewFromInt(99), Volume: decimal.NewFromInt(2), Orders: 1}},
		Asks:    []domain.DepthLevel{{Price: decimal.NewFromInt(101), Volume: decimal.NewFromInt(1), Orders: 1}},
	}
}

func sampleEvent() domain.Event {
	return domain.Event{
		Kind:    domain.EventOrder,
		Symbol:  "BTCUSDT",
		Version: 3,
		Orders:  []domain.OrderSnapshot{{ID: "o1", ClientID: "alice", Status: domain.Filled}},
		Trades: []domain.Trade{
			{ID: "t1", OrderID: "o1", CounterOrderID: "o2"},
			{ID: "t2", OrderID: "o2", CounterOrderID: "o1"},
		},
		Balances: []domain.BalanceSnapshot{{ClientID: "alice", Asset: "BTC", Available: decimal.NewFromInt(1)}},
		Time:     time.Unix(0, 0),
	}
}

func TestRecordPersistsEvent(t *testing.T) {
	repo := in_memory.NewMemoryRepo()
	cache := in_memory.NewCache()
	src := &staticSource{depth: sampleDepth()}
	r := New(repo, cache, src, 10, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, sampleEvent()))
	// a replayed event is stored once
	require.NoError(t, r.Record(ctx, sampleEvent()))

	o, err := repo.LoadOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.Filled, o.Status)
	trades, err := repo.LoadTradesForOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	b, err := repo.LoadBalance(ctx, "alice", "BTC")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(decimal.NewFromInt(1)))

	cached, err := cache.GetDepth(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cached.Version)
}

func TestBalanceEventsSkipTheCache(t *testing.T) {
	repo := in_memory.NewMemoryRepo()
	src := &staticSource{depth: sampleDepth()}
	r := New(repo, in_memory.NewCache(), src, 10, nil)

	ev := domain.Event{Kind: domain.EventBalance, Balances: []domain.BalanceSnapshot{{ClientID: "bob", Asset: "USDT"}}}
	require.NoError(t, r.Record(context.Background(), ev))
	assert.Zero(t, src.calls)
	_, err := repo.LoadBalance(context.Background(), "bob", "USDT")
	assert.NoError(t, err)
}

type failingRepo struct {
	port.Repository
	tx *failingTx
}

func (f *failingRepo) BeginTx(ctx context.Context) (port.Tx, error) { return f.tx, nil }

type failingTx struct {
	port.Tx
	rolledBack bool
}

func (t *failingTx) SaveOrder(ctx context.Context, o domain.OrderSnapshot) error {
	return errors.New("disk full")
}

func (t *failingTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

func TestRecordRollsBackOnFailure(t *testing.T) {
	tx := &failingTx{}
	r := New(&failingRepo{tx: tx}, nil, nil, 10, nil)

	err := r.Record(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "disk full")
	assert.True(t, tx.rolledBack)
}

func TestCachedDepth(t *testing.T) {
	cache := in_memory.NewCache()
	src := &staticSource{depth: sampleDepth()}
	r := New(in_memory.NewMemoryRepo(), cache, src, 10, nil)
	ctx := context.Background()

	d, err := r.CachedDepth(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), d.Version)
	assert.Equal(t, 1, src.calls)

	_, err = r.CachedDepth(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	_, err = r.CachedDepth(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshots(t *testing.T) {
	src := &staticSource{depth: sampleDepth()}
	r := New(in_memory.NewMemoryRepo(), nil, src, 10, nil)
	ctx := context.Background()

	id, err := r.SaveSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	d, err := r.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sampleDepth().Bids, d.Bids)

	_, err = r.LoadSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	noRepo := New(nil, nil, src, 10, nil)
	_, err = noRepo.SaveSnapshot(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRunStopsWhenEventsClose(t *testing.T) {
	repo := in_memory.NewMemoryRepo()
	r := New(repo, nil, nil, 10, nil)
	events := make(chan domain.Event, 1)
	events <- sampleEvent()
	close(events)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
	_, err := repo.LoadOrder(context.Background(), "o1")
	assert.NoError(t, err)
}
