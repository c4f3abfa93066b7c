package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultExpiryInterval = 100 * time.Millisecond

type Option func(*Orderbook)

func WithLogger(l *zap.Logger) Option {
	return func(ob *Orderbook) { ob.logger = l }
}

func WithPublisher(p port.Publisher) Option {
	return func(ob *Orderbook) { ob.publisher = p }
}

func WithClock(clock func() time.Time) Option {
	return func(ob *Orderbook) { ob.clock = clock }
}

func WithExpiryInterval(d time.Duration) Option {
	return func(ob *Orderbook) {
		if d > 0 {
			ob.interval = d
		}
	}
}

type expiryBucket struct {
	at     time.Time
	orders []*domain.Order
}

type clientOrderKey struct {
	clientID      string
	clientOrderID string
}

// Orderbook owns both sides of one symbol, routes incoming orders to
// placement or matching, and expires GTD orders in the background.
//
// Lock order: admission, then events, then at most one side lock at a
// time. The index lock (mu) is never taken while a side lock is held.
type Orderbook struct {
	symbol string
	base   string
	quote  string

	bids *Side
	asks *Side

	accounts  *domain.Registry
	publisher port.Publisher
	logger    *zap.Logger
	clock     func() time.Time
	interval  time.Duration

	// admission serializes routing of new orders, so two orders that cross
	// each other can not both end up resting.
	admission sync.Mutex
	// events is held from the first side mutation of an operation until its
	// event is published, so versions follow the order levels changed in.
	events sync.Mutex

	mu             sync.RWMutex
	orders         map[string]*domain.Order
	history        map[string]*domain.Order
	sequence       []*domain.Order
	clientOrderIDs map[clientOrderKey]*domain.Order
	expiries       *btree.BTreeG[*expiryBucket]

	version   atomic.Uint64
	running   atomic.Bool
	lifecycle sync.Mutex
	stop      context.CancelFunc
	done      chan struct{}
}

func NewOrderbook(symbol, base, quote string, accounts *domain.Registry, opts ...Option) *Orderbook {
	ob := &Orderbook{
		symbol:         symbol,
		base:           base,
		quote:          quote,
		bids:           NewSide(domain.Bid),
		asks:           NewSide(domain.Ask),
		accounts:       accounts,
		publisher:      port.NopPublisher{},
		logger:         zap.NewNop(),
		clock:          time.Now,
		interval:       DefaultExpiryInterval,
		orders:         make(map[string]*domain.Order),
		history:        make(map[string]*domain.Order),
		clientOrderIDs: make(map[clientOrderKey]*domain.Order),
		expiries: btree.NewG(btreeDegree, func(a, b *expiryBucket) bool {
			return a.at.Before(b.at)
		}),
	}
	for _, opt := range opts {
		opt(ob)
	}
	ob.logger = ob.logger.With(zap.String("symbol", symbol))
	return ob
}

func (ob *Orderbook) Symbol() string  { return ob.symbol }
func (ob *Orderbook) Base() string    { return ob.base }
func (ob *Orderbook) Quote() string   { return ob.quote }
func (ob *Orderbook) Version() uint64 { return ob.version.Load() }
func (ob *Orderbook) Running() bool   { return ob.running.Load() }

// Start marks the book running and launches the GTD expiry sweep. The sweep
// ends on Stop or when ctx is canceled.
func (ob *Orderbook) Start(ctx context.Context) error {
	ob.lifecycle.Lock()
	defer ob.lifecycle.Unlock()
	if ob.running.Load() {
		return fmt.Errorf("%w: orderbook %s is already running", domain.ErrInvalidState, ob.symbol)
	}
	ctx, cancel := context.WithCancel(ctx)
	ob.stop = cancel
	ob.done = make(chan struct{})
	ob.running.Store(true)
	go ob.sweep(ctx, ob.done)
	ob.logger.Info("orderbook started", zap.Duration("expiry_interval", ob.interval))
	return nil
}

func (ob *Orderbook) Stop() {
	ob.lifecycle.Lock()
	defer ob.lifecycle.Unlock()
	if ob.stop == nil {
		ob.logger.Warn("orderbook is not running")
		return
	}
	ob.running.Store(false)
	ob.stop()
	<-ob.done
	ob.stop = nil
	ob.logger.Info("orderbook stopped")
}

func (ob *Orderbook) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(ob.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ob.running.Store(false)
			return
		case <-ticker.C:
			ob.CancelExpired(ob.clock())
		}
	}
}

// Process validates params, builds the order (reserving funds for limit
// orders) and either places it or sends it to the matching engine.
func (ob *Orderbook) Process(p domain.OrderParams) (*domain.ExecutionResult, error) {
	res := domain.NewResult(domain.ResultError, "", p.ClientOrderID)
	if !ob.running.Load() {
		return res, res.Fail(fmt.Errorf("%w: %s", domain.ErrNotRunning, ob.symbol))
	}
	now := ob.clock()
	if err := ob.validate(p, now); err != nil {
		ob.logger.Warn("order params rejected", zap.String("client_id", p.ClientID), zap.Error(err))
		return res, res.Fail(err)
	}

	ob.admission.Lock()
	defer ob.admission.Unlock()

	if p.ClientOrderID != "" && ob.clientOrderIDInUse(p.ClientID, p.ClientOrderID) {
		return res, res.Fail(fmt.Errorf("%w: client order id %q is already in use", domain.ErrValidation, p.ClientOrderID))
	}

	order, err := domain.NewOrder(p, ob.base, ob.quote, ob.accounts.Get(p.ClientID), now)
	if err != nil {
		ob.logger.Warn("order not admitted", zap.String("client_id", p.ClientID), zap.Error(err))
		return res, res.Fail(err)
	}
	ob.logger.Debug("processing order",
		zap.String("order_id", order.ID()),
		zap.String("side", string(order.Side())),
		zap.Bool("market", order.IsMarket()),
		zap.Stringer("price", order.Price()),
		zap.Stringer("quantity", order.Quantity()))

	own, opp := ob.sides(order.Side())
	ob.events.Lock()
	res, ch, err := ob.route(order, own, opp, now)
	if res.Success || len(res.Fills) > 0 {
		ob.register(order, res.Kind)
		ob.emit(domain.EventOrder, ch)
	}
	ob.events.Unlock()
	if err != nil {
		ob.logger.Warn("order was not processed", zap.String("order_id", order.ID()), zap.Error(err))
		return res, err
	}
	ob.logger.Info("order processed",
		zap.String("order_id", order.ID()),
		zap.String("kind", string(res.Kind)),
		zap.Int("fills", len(res.Fills)))
	return res, nil
}

func (ob *Orderbook) validate(p domain.OrderParams, now time.Time) error {
	if p.Type == domain.Fake {
		return fmt.Errorf("%w: FAKE orders are only accepted through snapshots", domain.ErrValidation)
	}
	if p.ClientID == "" {
		return fmt.Errorf("%w: client id is required", domain.ErrValidation)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Type == domain.GTD && !p.Expiry.After(now) {
		return fmt.Errorf("%w: GTD order must expire in the future (%s <= %s)",
			domain.ErrValidation, p.Expiry.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	return nil
}

// route decides between resting and matching. It never holds both side
// locks: the walk runs under the opposite side's lock, a leftover is placed
// under the own side's lock afterwards.
func (ob *Orderbook) route(o *domain.Order, own, opp *Side, now time.Time) (*domain.ExecutionResult, *changes, error) {
	ch := &changes{orders: []*domain.Order{o}}

	opp.Lock()
	if !o.IsMarket() && !opp.IsMarket(o) {
		opp.Unlock()
		return ob.placeLimit(o, own, ch)
	}

	res := domain.NewResult(domain.ResultMarket, o.ID(), o.ClientOrderID())
	if o.PostOnly() {
		opp.Unlock()
		return res, ch, ob.reject(o, res, fmt.Errorf("%w: post-only order would take liquidity", domain.ErrValidation))
	}
	if err := opp.CheckMarketOrder(o); err != nil {
		opp.Unlock()
		return res, ch, ob.reject(o, res, err)
	}

	m, err := execute(o, opp, now)
	ch.add(opp.Kind(), opp.DrainTouched())
	opp.Unlock()
	ch.record(m)
	res.Fills = m.takerTrades

	if err != nil {
		if len(m.takerTrades) == 0 {
			return res, ch, ob.reject(o, res, err)
		}
		if cerr := o.Cancel(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		res.AddMessage("order [%s] stopped after %d fills", o.ID(), len(m.takerTrades))
		return res, ch, res.Fail(err)
	}

	left := o.Remaining()
	switch {
	case !left.IsPositive():
		res.AddMessage("order [%s] filled", o.ID())
	case o.IsMarket():
		if err := o.Cancel(); err != nil {
			return res, ch, res.Fail(fmt.Errorf("%w: end market order %s: %v", domain.ErrExecution, o.ID(), err))
		}
		res.AddMessage("order [%s] ran out of liquidity, remaining %s canceled", o.ID(), left)
	default:
		res.Kind = domain.ResultPartialMarket
		own.Lock()
		own.Place(o)
		ch.add(own.Kind(), own.DrainTouched())
		own.Unlock()
		res.AddMessage("order [%s] partially executed, %s placed as %s limit at %s", o.ID(), left, o.Side(), o.Price())
	}
	res.Success = true
	return res, ch, nil
}

func (ob *Orderbook) placeLimit(o *domain.Order, own *Side, ch *changes) (*domain.ExecutionResult, *changes, error) {
	res := domain.NewResult(domain.ResultLimit, o.ID(), o.ClientOrderID())
	if o.Type() == domain.FOK {
		return res, ch, ob.reject(o, res, fmt.Errorf("%w: FOK order can not be filled immediately", domain.ErrValidation))
	}
	own.Lock()
	own.Place(o)
	ch.add(own.Kind(), own.DrainTouched())
	own.Unlock()
	res.Success = true
	res.AddMessage("order [%s] placed at %s", o.ID(), o.Price())
	return res, ch, nil
}

// reject ends an order that never reached the book and gives its
// reservation back.
func (ob *Orderbook) reject(o *domain.Order, res *domain.ExecutionResult, err error) error {
	if rerr := o.Reject(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	res.Kind = domain.ResultError
	return res.Fail(err)
}

func (ob *Orderbook) register(o *domain.Order, kind domain.ResultKind) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.orders[o.ID()] = o
	ob.history[o.ID()] = o
	ob.sequence = append(ob.sequence, o)
	ob.clientOrderIDs[clientOrderKey{o.ClientID(), o.ClientOrderID()}] = o

	if o.Type() == domain.GTD && kind.Resting() {
		probe := &expiryBucket{at: o.Expiry()}
		if b, ok := ob.expiries.Get(probe); ok {
			b.orders = append(b.orders, o)
			return
		}
		probe.orders = []*domain.Order{o}
		ob.expiries.ReplaceOrInsert(probe)
	}
}

func (ob *Orderbook) forget(o *domain.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	delete(ob.orders, o.ID())
}

func (ob *Orderbook) clientOrderIDInUse(clientID, clientOrderID string) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.clientOrderIDs[clientOrderKey{clientID, clientOrderID}]
	return ok && o.Valid()
}

func (ob *Orderbook) liveOrder(orderID string) (*domain.Order, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order [%s] not found in %s", domain.ErrNotFound, orderID, ob.symbol)
	}
	return o, nil
}

func (ob *Orderbook) sides(s domain.Side) (own, opp *Side) {
	if s == domain.Bid {
		return ob.bids, ob.asks
	}
	return ob.asks, ob.bids
}

func (ob *Orderbook) sideOf(o *domain.Order) *Side {
	own, _ := ob.sides(o.Side())
	return own
}

// Update changes the open quantity of a resting order without touching its
// queue position.
func (ob *Orderbook) Update(orderID string, qty decimal.Decimal) (*domain.ExecutionResult, error) {
	res := domain.NewResult(domain.ResultUpdate, orderID, "")
	if !ob.running.Load() {
		return res, res.Fail(fmt.Errorf("%w: %s", domain.ErrNotRunning, ob.symbol))
	}
	if !qty.IsPositive() {
		return res, res.Fail(fmt.Errorf("%w: new quantity [%s] must be > 0", domain.ErrValidation, qty))
	}
	o, err := ob.liveOrder(orderID)
	if err != nil {
		return res, res.Fail(err)
	}
	res.ClientOrderID = o.ClientOrderID()

	ob.events.Lock()
	defer ob.events.Unlock()
	side := ob.sideOf(o)
	side.Lock()
	if !o.Valid() {
		side.Unlock()
		return res, res.Fail(fmt.Errorf("%w: order [%s] can not be updated (status=%s)", domain.ErrInvalidState, orderID, o.Status()))
	}
	err = side.UpdateOrder(o, qty)
	levels := side.DrainTouched()
	side.Unlock()
	if err != nil {
		ob.logger.Warn("update failed", zap.String("order_id", orderID), zap.Error(err))
		return res, res.Fail(err)
	}

	ch := &changes{orders: []*domain.Order{o}}
	ch.add(side.Kind(), levels)
	ob.emit(domain.EventUpdate, ch)

	res.Success = true
	res.AddMessage("order [%s] updated to [%s]", orderID, qty)
	ob.logger.Info("order updated", zap.String("order_id", orderID), zap.Stringer("quantity", qty))
	return res, nil
}

// Cancel removes a resting order from the book and releases its funds. The
// order stays queryable through the history.
func (ob *Orderbook) Cancel(orderID string) (*domain.ExecutionResult, error) {
	res := domain.NewResult(domain.ResultCancel, orderID, "")
	if !ob.running.Load() {
		return res, res.Fail(fmt.Errorf("%w: %s", domain.ErrNotRunning, ob.symbol))
	}
	o, err := ob.liveOrder(orderID)
	if err != nil {
		return res, res.Fail(err)
	}
	res.ClientOrderID = o.ClientOrderID()

	ob.events.Lock()
	defer ob.events.Unlock()
	side := ob.sideOf(o)
	side.Lock()
	if !o.Valid() {
		side.Unlock()
		return res, res.Fail(fmt.Errorf("%w: order [%s] can not be canceled (status=%s)", domain.ErrInvalidState, orderID, o.Status()))
	}
	err = side.CancelOrder(o)
	levels := side.DrainTouched()
	side.Unlock()
	if err != nil {
		ob.logger.Warn("cancel failed", zap.String("order_id", orderID), zap.Error(err))
		return res, res.Fail(err)
	}
	ob.forget(o)

	ch := &changes{orders: []*domain.Order{o}}
	ch.add(side.Kind(), levels)
	ob.emit(domain.EventCancel, ch)

	res.Success = true
	res.AddMessage("order [%s] canceled", orderID)
	ob.logger.Info("order canceled", zap.String("order_id", orderID))
	return res, nil
}

// CancelByClientOrderID cancels the client's latest order carrying that
// client order id.
func (ob *Orderbook) CancelByClientOrderID(clientID, clientOrderID string) (*domain.ExecutionResult, error) {
	ob.mu.RLock()
	o, ok := ob.clientOrderIDs[clientOrderKey{clientID, clientOrderID}]
	ob.mu.RUnlock()
	if !ok {
		res := domain.NewResult(domain.ResultCancel, "", clientOrderID)
		return res, res.Fail(fmt.Errorf("%w: client order id [%s] not found in %s", domain.ErrNotFound, clientOrderID, ob.symbol))
	}
	return ob.Cancel(o.ID())
}

// CancelExpired cancels every GTD order whose expiry is strictly before now
// and returns how many were canceled. A failing cancel is logged and
// skipped.
func (ob *Orderbook) CancelExpired(now time.Time) int {
	ob.mu.Lock()
	var due []*expiryBucket
	ob.expiries.Ascend(func(b *expiryBucket) bool {
		if !b.at.Before(now) {
			return false
		}
		due = append(due, b)
		return true
	})
	for _, b := range due {
		ob.expiries.Delete(b)
	}
	ob.mu.Unlock()

	canceled := 0
	for _, b := range due {
		ob.logger.Info("cancelling expired GTD orders", zap.Time("expiry", b.at), zap.Int("orders", len(b.orders)))
		for _, o := range b.orders {
			if ob.expire(o) {
				canceled++
			}
		}
	}
	return canceled
}

func (ob *Orderbook) expire(o *domain.Order) bool {
	if !o.Valid() {
		return false
	}
	ob.events.Lock()
	defer ob.events.Unlock()
	side := ob.sideOf(o)
	side.Lock()
	if !o.Valid() {
		side.Unlock()
		return false
	}
	err := side.CancelOrder(o)
	levels := side.DrainTouched()
	side.Unlock()
	if err != nil {
		ob.logger.Error("failed to expire order", zap.String("order_id", o.ID()), zap.Error(err))
		return false
	}
	ob.forget(o)

	ch := &changes{orders: []*domain.Order{o}}
	ch.add(side.Kind(), levels)
	ob.emit(domain.EventExpiry, ch)
	return true
}

// ApplySnapshot seeds the book with account-less FAKE orders, one per
// level. They trade like any resting order but are never indexed. The
// snapshot is applied whole or not at all: a level that crosses the book
// or the other side of the snapshot rejects it before anything is placed.
func (ob *Orderbook) ApplySnapshot(snap domain.Depth) error {
	ob.admission.Lock()
	defer ob.admission.Unlock()
	ob.events.Lock()
	defer ob.events.Unlock()

	now := ob.clock()
	build := func(s domain.Side, levels []domain.DepthLevel) ([]*domain.Order, error) {
		_, opp := ob.sides(s)
		res := make([]*domain.Order, 0, len(levels))
		for _, l := range levels {
			o, err := domain.NewOrder(domain.OrderParams{
				Side:     s,
				Price:    l.Price,
				Quantity: l.Volume,
				Type:     domain.Fake,
			}, ob.base, ob.quote, nil, now)
			if err != nil {
				return nil, err
			}
			opp.Lock()
			crossed := opp.IsMarket(o)
			opp.Unlock()
			if crossed {
				return nil, fmt.Errorf("%w: snapshot level %s %s crosses the book", domain.ErrValidation, s, l.Price)
			}
			res = append(res, o)
		}
		return res, nil
	}
	bids, err := build(domain.Bid, snap.Bids)
	if err != nil {
		return err
	}
	asks, err := build(domain.Ask, snap.Asks)
	if err != nil {
		return err
	}
	if len(bids) > 0 && len(asks) > 0 {
		hi, lo := bids[0].Price(), asks[0].Price()
		for _, o := range bids {
			hi = decimal.Max(hi, o.Price())
		}
		for _, o := range asks {
			lo = decimal.Min(lo, o.Price())
		}
		if hi.GreaterThanOrEqual(lo) {
			return fmt.Errorf("%w: snapshot bid %s crosses its ask %s", domain.ErrValidation, hi, lo)
		}
	}

	ch := &changes{}
	for _, seeded := range [][]*domain.Order{bids, asks} {
		for _, o := range seeded {
			own := ob.sideOf(o)
			own.Lock()
			own.Place(o)
			ch.add(o.Side(), own.DrainTouched())
			own.Unlock()
		}
	}
	if len(ch.bids) > 0 || len(ch.asks) > 0 {
		ob.emit(domain.EventSeed, ch)
	}
	ob.logger.Info("snapshot applied", zap.Int("bids", len(bids)), zap.Int("asks", len(asks)))
	return nil
}

// Depth returns the best n levels of each side. Each side is locked only
// while it is read. The version is loaded first, so the levels include at
// least every change up to it; later events carry absolute level volumes
// and apply on top.
func (ob *Orderbook) Depth(n int) domain.Depth {
	version := ob.version.Load()
	ob.bids.Lock()
	bids := ob.bids.BestLimits(n)
	ob.bids.Unlock()
	ob.asks.Lock()
	asks := ob.asks.BestLimits(n)
	ob.asks.Unlock()
	return domain.Depth{
		Symbol:    ob.symbol,
		Bids:      bids,
		Asks:      asks,
		Version:   version,
		Timestamp: ob.clock(),
	}
}

// emit bumps the version and publishes one event for a mutation. Callers
// hold events.
func (ob *Orderbook) emit(kind domain.EventKind, ch *changes) {
	ev := domain.Event{
		Kind:    kind,
		Symbol:  ob.symbol,
		Version: ob.version.Add(1),
		Bids:    ch.bids,
		Asks:    ch.asks,
		Trades:  ch.trades,
		Time:    ob.clock(),
	}
	accounts := make(map[string]*domain.Account)
	for _, o := range ch.orders {
		ev.Orders = append(ev.Orders, o.Snapshot())
		if a := o.Account(); a != nil {
			accounts[a.ClientID()] = a
		}
	}
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, asset := range []string{ob.base, ob.quote} {
			b := accounts[id].Balance(asset).Snapshot()
			b.ClientID = id
			ev.Balances = append(ev.Balances, b)
		}
	}
	ob.publisher.Publish(ev)
}

// changes collects what one operation touched.
type changes struct {
	bids   []domain.DepthLevel
	asks   []domain.DepthLevel
	orders []*domain.Order
	trades []domain.Trade
}

func (c *changes) add(s domain.Side, levels []domain.DepthLevel) {
	if s == domain.Bid {
		c.bids = append(c.bids, levels...)
		return
	}
	c.asks = append(c.asks, levels...)
}

func (c *changes) record(m *match) {
	c.orders = append(c.orders, m.makers...)
	c.trades = append(c.trades, m.takerTrades...)
	c.trades = append(c.trades, m.makerTrades...)
}
