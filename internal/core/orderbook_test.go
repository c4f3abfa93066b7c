package core

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Publish(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) Events() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

func newBook(t *testing.T, opts ...Option) (*Orderbook, *domain.Registry) {
	t.Helper()
	accounts := domain.NewRegistry()
	defaults := []Option{WithClock(func() time.Time { return t0 }), WithExpiryInterval(time.Hour)}
	ob := NewOrderbook("BTCUSDT", "BTC", "USDT", accounts, append(defaults, opts...)...)
	require.NoError(t, ob.Start(context.Background()))
	t.Cleanup(ob.Stop)
	return ob, accounts
}

func deposit(t *testing.T, accounts *domain.Registry, clientID, asset, amount string) {
	t.Helper()
	require.NoError(t, accounts.Get(clientID).Balance(asset).Deposit(dec(amount)))
}

func balance(accounts *domain.Registry, clientID, asset string) domain.BalanceSnapshot {
	return accounts.Get(clientID).Balance(asset).Snapshot()
}

func limitOrder(clientID string, side domain.Side, price, qty string) domain.OrderParams {
	return domain.OrderParams{ClientID: clientID, Side: side, Price: dec(price), Quantity: dec(qty), Type: domain.GTC}
}

func marketOrder(clientID string, side domain.Side, qty string) domain.OrderParams {
	return domain.OrderParams{ClientID: clientID, Side: side, Quantity: dec(qty), Market: true, Type: domain.GTC}
}

func process(t *testing.T, ob *Orderbook, p domain.OrderParams) *domain.ExecutionResult {
	t.Helper()
	res, err := ob.Process(p)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func status(t *testing.T, ob *Orderbook, orderID string) domain.OrderStatus {
	t.Helper()
	o, err := ob.Order(orderID)
	require.NoError(t, err)
	return o.Status
}

func TestLimitOrderRests(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "alice", "USDT", "1000")

	res := process(t, ob, limitOrder("alice", domain.Bid, "100", "2"))
	assert.Equal(t, domain.ResultLimit, res.Kind)
	assert.Empty(t, res.Fills)
	assert.Equal(t, domain.Pending, status(t, ob, res.OrderID))

	usdt := balance(accounts, "alice", "USDT")
	assertAmount(t, "800", usdt.Available)
	assertAmount(t, "200", usdt.Reserved)

	d := ob.Depth(10)
	require.Len(t, d.Bids, 1)
	assertAmount(t, "100", d.Bids[0].Price)
	assertAmount(t, "2", d.Bids[0].Volume)
	assert.Equal(t, 1, d.Bids[0].Orders)
	assert.Empty(t, d.Asks)
	assert.Equal(t, uint64(1), d.Version)
}

func TestCrossingLimitTakesBestPrices(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "bob", "BTC", "10")
	deposit(t, accounts, "alice", "USDT", "10000")

	process(t, ob, limitOrder("bob", domain.Ask, "100", "3"))
	process(t, ob, limitOrder("bob", domain.Ask, "101", "2"))

	res := process(t, ob, limitOrder("alice", domain.Bid, "101", "4"))
	assert.Equal(t, domain.ResultMarket, res.Kind)
	require.Len(t, res.Fills, 2)
	assertAmount(t, "100", res.Fills[0].Price)
	assertAmount(t, "3", res.Fills[0].Quantity)
	assertAmount(t, "101", res.Fills[1].Price)
	assertAmount(t, "1", res.Fills[1].Quantity)
	assert.Equal(t, domain.Filled, status(t, ob, res.OrderID))

	// 404 reserved, 401 paid, the rest released on fill
	usdt := balance(accounts, "alice", "USDT")
	assertAmount(t, "9599", usdt.Available)
	assert.True(t, usdt.Reserved.IsZero())
	assertAmount(t, "4", balance(accounts, "alice", "BTC").Available)

	btc := balance(accounts, "bob", "BTC")
	assertAmount(t, "5", btc.Available)
	assertAmount(t, "1", btc.Reserved)
	assertAmount(t, "401", balance(accounts, "bob", "USDT").Available)

	d := ob.Depth(10)
	assert.Empty(t, d.Bids)
	require.Len(t, d.Asks, 1)
	assertAmount(t, "101", d.Asks[0].Price)
	assertAmount(t, "1", d.Asks[0].Volume)
}

func TestPriceTimePriority(t *testing.T) {
	ob, accounts := newBook(t)
	for _, c := range []string{"bob", "carol", "dave"} {
		deposit(t, accounts, c, "BTC", "1")
	}
	deposit(t, accounts, "alice", "USDT", "1000")

	bob := process(t, ob, limitOrder("bob", domain.Ask, "100", "1"))
	carol := process(t, ob, limitOrder("carol", domain.Ask, "100", "1"))
	dave := process(t, ob, limitOrder("dave", domain.Ask, "99", "1"))

	res := process(t, ob, marketOrder("alice", domain.Bid, "3"))
	require.Len(t, res.Fills, 3)
	assert.Equal(t, dave.OrderID, res.Fills[0].CounterOrderID)
	assert.Equal(t, bob.OrderID, res.Fills[1].CounterOrderID)
	assert.Equal(t, carol.OrderID, res.Fills[2].CounterOrderID)
	assertAmount(t, "701", balance(accounts, "alice", "USDT").Available)
}

func TestPartialFillRestsRemainder(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "bob", "BTC", "5")
	deposit(t, accounts, "alice", "USDT", "1000")
	process(t, ob, limitOrder("bob", domain.Ask, "100", "5"))

	res := process(t, ob, limitOrder("alice", domain.Bid, "101", "8"))
	assert.Equal(t, domain.ResultPartialMarket, res.Kind)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, domain.Partial, status(t, ob, res.OrderID))

	usdt := balance(accounts, "alice", "USDT")
	assertAmount(t, "192", usdt.Available)
	assertAmount(t, "308", usdt.Reserved)

	d := ob.Depth(10)
	assert.Empty(t, d.Asks)
	require.Len(t, d.Bids, 1)
	assertAmount(t, "101", d.Bids[0].Price)
	assertAmount(t, "3", d.Bids[0].Volume)

	_, err := ob.Cancel(res.OrderID)
	require.NoError(t, err)
	usdt = balance(accounts, "alice", "USDT")
	assertAmount(t, "500", usdt.Available)
	assert.True(t, usdt.Reserved.IsZero())
	assertAmount(t, "5", balance(accounts, "alice", "BTC").Available)
}

func TestMarketRemainderIsCanceled(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "bob", "BTC", "2")
	deposit(t, accounts, "alice", "USDT", "1000")
	process(t, ob, limitOrder("bob", domain.Ask, "100", "2"))

	res := process(t, ob, marketOrder("alice", domain.Bid, "5"))
	assert.Equal(t, domain.ResultMarket, res.Kind)
	require.Len(t, res.Fills, 1)
	assertAmount(t, "2", res.Fills[0].Quantity)

	o, err := ob.Order(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.Canceled, o.Status)
	assertAmount(t, "3", o.Remaining)

	assertAmount(t, "800", balance(accounts, "alice", "USDT").Available)
	assertAmount(t, "2", balance(accounts, "alice", "BTC").Available)
	assert.Equal(t, 0, ob.NumBids())
	assert.Equal(t, 0, ob.NumAsks())
}

func TestMarketOrderWithoutLiquidity(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "alice", "USDT", "1000")

	res, err := ob.Process(marketOrder("alice", domain.Bid, "1"))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ResultError, res.Kind)
	assert.NotEmpty(t, res.Messages)
	assert.Empty(t, ob.OrdersByClient("alice"))
	assert.Zero(t, ob.Version())
}

func TestMarketOrderInsufficientFunds(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "bob", "BTC", "1")
	deposit(t, accounts, "alice", "USDT", "50")
	process(t, ob, limitOrder("bob", domain.Ask, "100", "1"))

	_, err := ob.Process(marketOrder("alice", domain.Bid, "1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertAmount(t, "1", ob.AsksVolume())
	assertAmount(t, "50", balance(accounts, "alice", "USDT").Available)

	_, err = ob.Process(marketOrder("carol", domain.Ask, "1"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLimitOrderInsufficientFundsIsNotRegistered(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "alice", "USDT", "50")

	res, err := ob.Process(limitOrder("alice", domain.Bid, "100", "1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.False(t, res.Success)
	assert.Empty(t, ob.OrdersByClient("alice"))
	assert.Empty(t, ob.Depth(10).Bids)
	assert.Zero(t, ob.Version())

	usdt := balance(accounts, "alice", "USDT")
	assertAmount(t, "50", usdt.Available)
	assert.True(t, usdt.Reserved.IsZero())
}

func TestFillOrKill(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "bob", "BTC", "3")
	deposit(t, accounts, "alice", "USDT", "1000")
	process(t, ob, limitOrder("bob", domain.Ask, "100", "3"))

	fok := func(price, qty string) domain.OrderParams {
		p := limitOrder("alice", domain.Bid, price, qty)
		p.Type = domain.FOK
		return p
	}

	_, err := ob.Process(fok("100", "5"))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assertAmount(t, "3", ob.AsksVolume())

	_, err = ob.Process(fok("99", "1"))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, ob.NumBids())

	usdt := balance(accounts, "alice", "USDT")
	assertAmount(t, "1000", usdt.Available)
	assert.True(t, usdt.Reserved.IsZero())

	res := process(t, ob, fok("100", "3"))
	assert.Equal(t, domain.Filled, status(t, ob, res.OrderID))
	assertAmount(t, "700", balance(accounts, "alice", "USDT").Available)
	assert.Len(t, ob.OrdersByClient("alice"), 1)
}

func TestPostOnly(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "bob", "BTC", "1")
	deposit(t, accounts, "alice", "USDT", "1000")
	process(t, ob, limitOrder("bob", domain.Ask, "100", "1"))

	p := limitOrder("alice", domain.Bid, "100", "1")
	p.PostOnly = true
	_, err := ob.Process(p)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assertAmount(t, "1000", balance(accounts, "alice", "USDT").Available)
	assertAmount(t, "1", ob.AsksVolume())

	p.Price = dec("99")
	res := process(t, ob, p)
	assert.Equal(t, domain.ResultLimit, res.Kind)
	assert.Equal(t, 1, ob.NumBids())
}

func TestClientOrderIDIsUniqueWhileLive(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "alice", "USDT", "1000")
	deposit(t, accounts, "bob", "USDT", "1000")

	p := limitOrder("alice", domain.Bid, "100", "1")
	p.ClientOrderID = "a1"
	first := process(t, ob, p)
	assert.Equal(t, "a1", first.ClientOrderID)

	_, err := ob.Process(p)
	assert.ErrorIs(t, err, domain.ErrValidation)

	other := limitOrder("bob", domain.Bid, "100", "1")
	other.ClientOrderID = "a1"
	process(t, ob, other)

	res, err := ob.CancelByClientOrderID("alice", "a1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, res.OrderID)

	second := process(t, ob, p)
	assert.NotEqual(t, first.OrderID, second.OrderID)
	o, err := ob.OrderByClientOrderID("alice", "a1")
	require.NoError(t, err)
	assert.Equal(t, second.OrderID, o.ID)

	_, err = ob.CancelByClientOrderID("alice", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateKeepsPriority(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "alice", "USDT", "1000")
	deposit(t, accounts, "carol", "USDT", "1000")
	deposit(t, accounts, "bob", "BTC", "10")

	alice := process(t, ob, limitOrder("alice", domain.Bid, "100", "1"))
	process(t, ob, limitOrder("carol", domain.Bid, "100", "1"))

	res, err := ob.Update(alice.OrderID, dec("3"))
	require.NoError(t, err)
	assert.Equal(t, domain.ResultUpdate, res.Kind)
	assertAmount(t, "300", balance(accounts, "alice", "USDT").Reserved)
	assertAmount(t, "4", ob.BidsVolume())

	sell := process(t, ob, marketOrder("bob", domain.Ask, "2"))
	require.Len(t, sell.Fills, 1)
	assert.Equal(t, alice.OrderID, sell.Fills[0].CounterOrderID)
	assert.Equal(t, domain.Partial, status(t, ob, alice.OrderID))
	assertAmount(t, "100", balance(accounts, "alice", "USDT").Reserved)

	_, err = ob.Update(alice.OrderID, dec("20"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertAmount(t, "100", balance(accounts, "alice", "USDT").Reserved)

	_, err = ob.Update(alice.OrderID, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = ob.Update("missing", dec("1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelOfTerminalOrders(t *testing.T) {
	ob, accounts := newBook(t)
	deposit(t, accounts, "alice", "USDT", "1000")
	deposit(t, accounts, "bob", "BTC", "1")

	res := process(t, ob, limitOrder("alice", domain.Bid, "90", "1"))
	_, err := ob.Cancel(res.OrderID)
	require.NoError(t, err)
	before := balance(accounts, "alice", "USDT")

	_, err = ob.Cancel(res.OrderID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, before, balance(accounts, "alice", "USDT"))
	assert.Equal(t, domain.Canceled, status(t, ob, res.OrderID))

	maker := process(t, ob, limitOrder("bob", domain.Ask, "100", "1"))
	taker := process(t, ob, limitOrder("alice", domain.Bid, "100", "1"))
	before = balance(accounts, "alice", "USDT")

	_, err = ob.Cancel(taker.OrderID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = ob.Cancel(maker.OrderID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, before, balance(accounts, "alice", "USDT"))
}

func TestGTDExpiry(t *testing.T) {
	clock := &testClock{now: t0}
	ob, accounts := newBook(t, WithClock(clock.Now))
	deposit(t, accounts, "alice", "USDT", "1000")

	p := limitOrder("alice", domain.Bid, "100", "1")
	p.Type = domain.GTD
	p.Expiry = t0.Add(time.Second)
	res := process(t, ob, p)

	assert.Zero(t, ob.CancelExpired(t0))
	assert.Zero(t, ob.CancelExpired(p.Expiry))
	assert.Equal(t, domain.Pending, status(t, ob, res.OrderID))

	assert.Equal(t, 1, ob.CancelExpired(p.Expiry.Add(time.Nanosecond)))
	assert.Equal(t, domain.Canceled, status(t, ob, res.OrderID))
	assertAmount(t, "1000", balance(accounts, "alice", "USDT").Available)
	assert.Equal(t, 0, ob.NumBids())
	assert.Zero(t, ob.CancelExpired(p.Expiry.Add(time.Hour)))

	p.Expiry = t0
	_, err := ob.Process(p)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGTDOrderTradesUntilExpiry(t *testing.T) {
	clock := &testClock{now: t0}
	ob, accounts := newBook(t, WithClock(clock.Now))
	deposit(t, accounts, "bob", "BTC", "1")
	deposit(t, accounts, "alice", "USDT", "1000")

	p := limitOrder("bob", domain.Ask, "100", "1")
	p.Type = domain.GTD
	p.Expiry = t0.Add(time.Minute)
	ask := process(t, ob, p)

	clock.Set(t0.Add(time.Minute))
	process(t, ob, marketOrder("alice", domain.Bid, "1"))
	assert.Equal(t, domain.Filled, status(t, ob, ask.OrderID))
	assert.Zero(t, ob.CancelExpired(t0.Add(time.Hour)))
	assertAmount(t, "100", balance(accounts, "bob", "USDT").Available)
}

func TestExpirySweepRunsInBackground(t *testing.T) {
	clock := &testClock{now: t0}
	ob, accounts := newBook(t, WithClock(clock.Now), WithExpiryInterval(5*time.Millisecond))
	deposit(t, accounts, "alice", "USDT", "1000")

	p := limitOrder("alice", domain.Bid, "100", "1")
	p.Type = domain.GTD
	p.Expiry = t0.Add(time.Second)
	res := process(t, ob, p)

	clock.Set(t0.Add(2 * time.Second))
	assert.Eventually(t, func() bool {
		o, err := ob.Order(res.OrderID)
		return err == nil && o.Status == domain.Canceled
	}, time.Second, 5*time.Millisecond)
	assertAmount(t, "1000", balance(accounts, "alice", "USDT").Available)
}

func TestLifecycle(t *testing.T) {
	accounts := domain.NewRegistry()
	ob := NewOrderbook("BTCUSDT", "BTC", "USDT", accounts)
	require.NoError(t, accounts.Get("alice").Balance("USDT").Deposit(dec("100")))

	_, err := ob.Process(limitOrder("alice", domain.Bid, "10", "1"))
	assert.ErrorIs(t, err, domain.ErrNotRunning)
	_, err = ob.Cancel("any")
	assert.ErrorIs(t, err, domain.ErrNotRunning)
	_, err = ob.Update("any", dec("1"))
	assert.ErrorIs(t, err, domain.ErrNotRunning)

	require.NoError(t, ob.Start(context.Background()))
	assert.True(t, ob.Running())
	assert.ErrorIs(t, ob.Start(context.Background()), domain.ErrInvalidState)

	ob.Stop()
	assert.False(t, ob.Running())
	_, err = ob.Process(limitOrder("alice", domain.Bid, "10", "1"))
	assert.ErrorIs(t, err, domain.ErrNotRunning)
	assertAmount(t, "100", accounts.Get("alice").Balance("USDT").Available())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ob.Start(ctx))
	cancel()
	assert.Eventually(t, func() bool { return !ob.Running() }, time.Second, time.Millisecond)
	ob.Stop()
}

func TestApplySnapshot(t *testing.T) {
	log := &eventLog{}
	ob, accounts := newBook(t, WithPublisher(log))
	deposit(t, accounts, "alice", "USDT", "1000")

	err := ob.ApplySnapshot(domain.Depth{
		Bids: []domain.DepthLevel{{Price: dec("99"), Volume: dec("2")}},
		Asks: []domain.DepthLevel{{Price: dec("101"), Volume: dec("1")}, {Price: dec("102"), Volume: dec("3")}},
	})
	require.NoError(t, err)
	d := ob.Depth(10)
	assert.Len(t, d.Bids, 1)
	assert.Len(t, d.Asks, 2)
	events := log.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSeed, events[0].Kind)
	assert.Empty(t, events[0].Balances)

	res := process(t, ob, marketOrder("alice", domain.Bid, "2"))
	require.Len(t, res.Fills, 2)
	assertAmount(t, "797", balance(accounts, "alice", "USDT").Available)
	assertAmount(t, "2", balance(accounts, "alice", "BTC").Available)

	err = ob.ApplySnapshot(domain.Depth{Bids: []domain.DepthLevel{{Price: dec("105"), Volume: dec("1")}}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, ob.NumBids())
}

func TestApplySnapshotIsAllOrNothing(t *testing.T) {
	log := &eventLog{}
	ob, _ := newBook(t, WithPublisher(log))

	err := ob.ApplySnapshot(domain.Depth{
		Bids: []domain.DepthLevel{{Price: dec("99"), Volume: dec("1")}, {Price: dec("100"), Volume: dec("1")}},
		Asks: []domain.DepthLevel{{Price: dec("100"), Volume: dec("1")}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, ob.NumBids())
	assert.Equal(t, 0, ob.NumAsks())
	assert.Empty(t, log.Events())

	require.NoError(t, ob.ApplySnapshot(domain.Depth{Bids: []domain.DepthLevel{{Price: dec("99"), Volume: dec("1")}}}))
	err = ob.ApplySnapshot(domain.Depth{
		Bids: []domain.DepthLevel{{Price: dec("98"), Volume: dec("4")}},
		Asks: []domain.DepthLevel{{Price: dec("99"), Volume: dec("1")}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, ob.NumBids())
	assertAmount(t, "1", ob.BidsVolume())
	assert.Equal(t, 0, ob.NumAsks())
	assert.Len(t, log.Events(), 1)
}

func TestEventReplayMatchesBook(t *testing.T) {
	log := &eventLog{}
	ob, accounts := newBook(t, WithPublisher(log))

	const perClient = 400
	clients := []string{"alice", "bob"}
	for _, c := range clients {
		deposit(t, accounts, c, "USDT", "100000")
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				res, err := ob.Process(limitOrder(clientID, domain.Bid, "10", "1"))
				if !assert.NoError(t, err) {
					return
				}
				if i%2 == 1 {
					_, err = ob.Cancel(res.OrderID)
					assert.NoError(t, err)
				}
			}
		}(c)
	}
	wg.Wait()

	events := log.Events()
	sort.Slice(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	require.Len(t, events, len(clients)*perClient*3/2)

	// every event moves level 10 by exactly one order when applied in
	// version order
	volume := decimal.Zero
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.Version)
		require.Len(t, ev.Bids, 1)
		step := ev.Bids[0].Volume.Sub(volume).Abs()
		require.True(t, step.Equal(decimal.NewFromInt(1)),
			"version %d (%s): volume %s after %s", ev.Version, ev.Kind, ev.Bids[0].Volume, volume)
		volume = ev.Bids[0].Volume
	}

	d := ob.Depth(1)
	assert.Equal(t, events[len(events)-1].Version, d.Version)
	require.Len(t, d.Bids, 1)
	assertAmount(t, volume.String(), d.Bids[0].Volume)
	assertAmount(t, "400", volume)
}

func TestEventsCarryChanges(t *testing.T) {
	log := &eventLog{}
	ob, accounts := newBook(t, WithPublisher(log))
	deposit(t, accounts, "alice", "USDT", "1000")
	deposit(t, accounts, "bob", "BTC", "1")

	bid := process(t, ob, limitOrder("alice", domain.Bid, "100", "1"))
	process(t, ob, limitOrder("bob", domain.Ask, "100", "1"))

	_, err := ob.Process(limitOrder("carol", domain.Ask, "100", "1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = ob.Cancel("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	events := log.Events()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), ob.Version())

	placed := events[0]
	assert.Equal(t, domain.EventOrder, placed.Kind)
	assert.Equal(t, "BTCUSDT", placed.Symbol)
	assert.Equal(t, uint64(1), placed.Version)
	require.Len(t, placed.Bids, 1)
	assertAmount(t, "1", placed.Bids[0].Volume)
	require.Len(t, placed.Orders, 1)
	assert.Equal(t, bid.OrderID, placed.Orders[0].ID)
	require.Len(t, placed.Balances, 2)
	assert.Equal(t, "alice", placed.Balances[0].ClientID)

	trade := events[1]
	assert.Equal(t, uint64(2), trade.Version)
	require.Len(t, trade.Bids, 1)
	assert.True(t, trade.Bids[0].Volume.IsZero())
	assert.Len(t, trade.Trades, 2)
	assert.Len(t, trade.Orders, 2)
	require.Len(t, trade.Balances, 4)
	assert.Equal(t, "BTC", trade.Balances[0].Asset)
	assertAmount(t, "1", trade.Balances[0].Available)
	assert.Equal(t, "bob", trade.Balances[2].ClientID)
	assertAmount(t, "100", trade.Balances[3].Available)
}

func TestAnalytics(t *testing.T) {
	ob, _ := newBook(t)
	_, ok := ob.Spread()
	assert.False(t, ok)
	_, ok = ob.Imbalance(0)
	assert.False(t, ok)

	require.NoError(t, ob.ApplySnapshot(domain.Depth{
		Bids: []domain.DepthLevel{{Price: dec("99"), Volume: dec("1")}, {Price: dec("98"), Volume: dec("3")}},
		Asks: []domain.DepthLevel{{Price: dec("101"), Volume: dec("3")}, {Price: dec("103"), Volume: dec("1")}},
	}))

	bid, ok := ob.BestBid()
	require.True(t, ok)
	assertAmount(t, "99", bid.Price)
	ask, ok := ob.BestAsk()
	require.True(t, ok)
	assertAmount(t, "101", ask.Price)

	spread, ok := ob.Spread()
	require.True(t, ok)
	assertAmount(t, "2", spread)
	mid, _ := ob.Midprice()
	assertAmount(t, "100", mid)
	wmid, _ := ob.WeightedMidprice()
	assertAmount(t, "100.5", wmid)
	top, _ := ob.Imbalance(1)
	assertAmount(t, "0.25", top)
	all, _ := ob.Imbalance(0)
	assertAmount(t, "0.5", all)

	assertAmount(t, "4", ob.BidsVolume())
	assertAmount(t, "4", ob.AsksVolume())
	assert.Equal(t, 2, ob.NumBids())
	assert.Equal(t, 2, ob.NumAsks())
}

func TestClientQueries(t *testing.T) {
	clock := &testClock{now: t0}
	ob, accounts := newBook(t, WithClock(clock.Now))
	deposit(t, accounts, "alice", "USDT", "1000")
	deposit(t, accounts, "bob", "BTC", "5")

	first := process(t, ob, limitOrder("alice", domain.Bid, "100", "1"))
	process(t, ob, limitOrder("alice", domain.Bid, "99", "1"))
	assert.Len(t, ob.OpenOrdersByClient("alice"), 2)

	clock.Set(t0.Add(time.Minute))
	process(t, ob, marketOrder("bob", domain.Ask, "1"))
	clock.Set(t0.Add(2 * time.Minute))
	process(t, ob, marketOrder("bob", domain.Ask, "1"))

	assert.Len(t, ob.OrdersByClient("alice"), 2)
	assert.Empty(t, ob.OpenOrdersByClient("alice"))
	assert.Len(t, ob.OrdersByClient("bob"), 2)

	trades := ob.TradesByClient("alice", time.Time{}, time.Time{})
	require.Len(t, trades, 2)
	assertAmount(t, "100", trades[0].Price)
	assertAmount(t, "99", trades[1].Price)
	assert.True(t, trades[0].IsMaker)

	later := ob.TradesByClient("alice", t0.Add(90*time.Second), time.Time{})
	require.Len(t, later, 1)
	assertAmount(t, "99", later[0].Price)
	earlier := ob.TradesByClient("alice", time.Time{}, t0.Add(time.Minute))
	require.Len(t, earlier, 1)
	assertAmount(t, "100", earlier[0].Price)

	byOrder, err := ob.TradesByOrder(first.OrderID)
	require.NoError(t, err)
	require.Len(t, byOrder, 1)
	assert.Equal(t, first.OrderID, byOrder[0].OrderID)
	_, err = ob.TradesByOrder("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// checkInvariants verifies that no asset was created or destroyed, that no
// balance went negative, that reserved base equals open ask volume and that
// the book is not crossed.
func checkInvariants(t *testing.T, ob *Orderbook, accounts *domain.Registry, clients []string, supply map[string]decimal.Decimal) {
	t.Helper()
	reservedBase := decimal.Zero
	for asset, want := range supply {
		total := decimal.Zero
		for _, c := range clients {
			b := balance(accounts, c, asset)
			require.False(t, b.Available.IsNegative(), "%s %s available %s", c, asset, b.Available)
			require.False(t, b.Reserved.IsNegative(), "%s %s reserved %s", c, asset, b.Reserved)
			total = total.Add(b.Total())
			if asset == ob.Base() {
				reservedBase = reservedBase.Add(b.Reserved)
			}
		}
		require.Truef(t, want.Equal(total), "%s supply %s, found %s", asset, want, total)
	}
	require.Truef(t, reservedBase.Equal(ob.AsksVolume()), "reserved base %s, asks %s", reservedBase, ob.AsksVolume())

	bid, bok := ob.BestBid()
	ask, aok := ob.BestAsk()
	if bok && aok {
		require.Truef(t, bid.Price.LessThan(ask.Price), "crossed book: %s >= %s", bid.Price, ask.Price)
	}
}

func randomOrder(r *rand.Rand, clientID string) domain.OrderParams {
	side := domain.Bid
	if r.Intn(2) == 0 {
		side = domain.Ask
	}
	qty := decimal.NewFromInt(int64(1 + r.Intn(5)))
	if r.Intn(5) == 0 {
		return domain.OrderParams{ClientID: clientID, Side: side, Quantity: qty, Market: true, Type: domain.GTC}
	}
	return domain.OrderParams{
		ClientID: clientID,
		Side:     side,
		Price:    decimal.NewFromInt(int64(90 + r.Intn(21))),
		Quantity: qty,
		Type:     domain.GTC,
	}
}

func TestBalancesAreConserved(t *testing.T) {
	ob, accounts := newBook(t)
	clients := []string{"alice", "bob", "carol"}
	supply := map[string]decimal.Decimal{"BTC": decimal.Zero, "USDT": decimal.Zero}
	for _, c := range clients {
		deposit(t, accounts, c, "BTC", "200")
		deposit(t, accounts, c, "USDT", "20000")
		supply["BTC"] = supply["BTC"].Add(dec("200"))
		supply["USDT"] = supply["USDT"].Add(dec("20000"))
	}

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		c := clients[r.Intn(len(clients))]
		if open := ob.OpenOrdersByClient(c); len(open) > 0 && r.Intn(4) == 0 {
			_, _ = ob.Cancel(open[r.Intn(len(open))].ID)
		} else {
			_, _ = ob.Process(randomOrder(r, c))
		}
		checkInvariants(t, ob, accounts, clients, supply)
	}
}

func TestConcurrentOrdersKeepBookConsistent(t *testing.T) {
	ob, accounts := newBook(t)
	clients := []string{"c0", "c1", "c2", "c3", "c4", "c5"}
	supply := map[string]decimal.Decimal{"BTC": decimal.Zero, "USDT": decimal.Zero}
	for _, c := range clients {
		deposit(t, accounts, c, "BTC", "500")
		deposit(t, accounts, c, "USDT", "50000")
		supply["BTC"] = supply["BTC"].Add(dec("500"))
		supply["USDT"] = supply["USDT"].Add(dec("50000"))
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(seed int64, clientID string) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < 200; j++ {
				if open := ob.OpenOrdersByClient(clientID); len(open) > 0 && r.Intn(4) == 0 {
					_, _ = ob.Cancel(open[r.Intn(len(open))].ID)
					continue
				}
				_, _ = ob.Process(randomOrder(r, clientID))
			}
		}(int64(i+1), c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			ob.Depth(5)
			ob.Imbalance(3)
		}
	}()
	wg.Wait()

	checkInvariants(t, ob, accounts, clients, supply)
}
