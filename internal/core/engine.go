package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultQuoteAsset = "USDT"

type ExchangeConfig struct {
	QuoteAsset     string
	ExpiryInterval time.Duration
	Clock          func() time.Time
}

// Exchange owns the account registry and one Orderbook per symbol. Every
// book trades <base><quote> against the configured quote asset.
type Exchange struct {
	accounts  *domain.Registry
	publisher port.Publisher
	logger    *zap.Logger
	cfg       ExchangeConfig

	mu    sync.RWMutex
	ctx   context.Context
	books map[string]*Orderbook
}

func NewExchange(cfg ExchangeConfig, publisher port.Publisher, logger *zap.Logger) *Exchange {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = DefaultQuoteAsset
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = DefaultExpiryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if publisher == nil {
		publisher = port.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{
		accounts:  domain.NewRegistry(),
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		ctx:       context.Background(),
		books:     make(map[string]*Orderbook),
	}
}

func (e *Exchange) Accounts() *domain.Registry { return e.accounts }
func (e *Exchange) QuoteAsset() string         { return e.cfg.QuoteAsset }

// Start binds the books' expiry sweeps to ctx. Books created before Start
// are restarted on ctx, so canceling it stops every sweep.
func (e *Exchange) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx = ctx
	for _, ob := range e.books {
		if ob.Running() {
			ob.Stop()
		}
		if err := ob.Start(ctx); err != nil {
			return err
		}
	}
	e.logger.Info("exchange started", zap.Int("books", len(e.books)))
	return nil
}

// Shutdown stops every book. Books stay queryable.
func (e *Exchange) Shutdown() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ob := range e.books {
		ob.Stop()
	}
	e.logger.Info("exchange stopped")
}

// Reset stops and drops every book and forgets every account.
func (e *Exchange) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ob := range e.books {
		ob.Stop()
	}
	e.books = make(map[string]*Orderbook)
	e.accounts.Reset()
	e.logger.Info("exchange reset")
}

// NewBook creates and starts the book for symbol, which must be a base
// asset followed by the quote asset. Creating an existing book returns it.
func (e *Exchange) NewBook(symbol string) (*Orderbook, error) {
	symbol = strings.ToUpper(symbol)
	base, ok := strings.CutSuffix(symbol, e.cfg.QuoteAsset)
	if !ok || base == "" {
		return nil, fmt.Errorf("%w: symbol %q must be <base>%s", domain.ErrValidation, symbol, e.cfg.QuoteAsset)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ob, ok := e.books[symbol]; ok {
		return ob, nil
	}
	ob := NewOrderbook(symbol, base, e.cfg.QuoteAsset, e.accounts,
		WithLogger(e.logger),
		WithPublisher(e.publisher),
		WithClock(e.cfg.Clock),
		WithExpiryInterval(e.cfg.ExpiryInterval),
	)
	if err := ob.Start(e.ctx); err != nil {
		return nil, err
	}
	e.books[symbol] = ob
	e.logger.Info("book created", zap.String("symbol", symbol))
	return ob, nil
}

func (e *Exchange) Book(symbol string) (*Orderbook, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ob, ok := e.books[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: book %s", domain.ErrNotFound, symbol)
	}
	return ob, nil
}

// Books lists the symbols in lexical order.
func (e *Exchange) Books() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res := make([]string, 0, len(e.books))
	for s := range e.books {
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}

func (e *Exchange) Deposit(clientID, asset string, amount decimal.Decimal) (domain.BalanceSnapshot, error) {
	return e.moveFunds(clientID, asset, amount, (*domain.Balance).Deposit)
}

func (e *Exchange) Withdraw(clientID, asset string, amount decimal.Decimal) (domain.BalanceSnapshot, error) {
	return e.moveFunds(clientID, asset, amount, (*domain.Balance).Withdraw)
}

func (e *Exchange) moveFunds(clientID, asset string, amount decimal.Decimal, op func(*domain.Balance, decimal.Decimal) error) (domain.BalanceSnapshot, error) {
	if clientID == "" || asset == "" {
		return domain.BalanceSnapshot{}, fmt.Errorf("%w: client id and asset are required", domain.ErrValidation)
	}
	bal := e.accounts.Get(clientID).Balance(strings.ToUpper(asset))
	if err := op(bal, amount); err != nil {
		return domain.BalanceSnapshot{}, err
	}
	snap := bal.Snapshot()
	snap.ClientID = clientID
	e.publisher.Publish(domain.Event{
		Kind:     domain.EventBalance,
		Balances: []domain.BalanceSnapshot{snap},
		Time:     e.cfg.Clock(),
	})
	return snap, nil
}

func (e *Exchange) Balances(clientID string) []domain.BalanceSnapshot {
	a, ok := e.accounts.Lookup(clientID)
	if !ok {
		return nil
	}
	res := a.Balances()
	for i := range res {
		res[i].ClientID = clientID
	}
	return res
}

func (e *Exchange) SubmitOrder(symbol string, p domain.OrderParams) (*domain.ExecutionResult, error) {
	ob, err := e.Book(symbol)
	if err != nil {
		res := domain.NewResult(domain.ResultError, "", p.ClientOrderID)
		return res, res.Fail(err)
	}
	return ob.Process(p)
}

// owned resolves an order of clientID by engine id or, when orderID is
// empty, by client order id. Orders of other clients are reported as not
// found.
func (e *Exchange) owned(ob *Orderbook, clientID, orderID, clientOrderID string) (domain.OrderSnapshot, error) {
	var (
		snap domain.OrderSnapshot
		err  error
	)
	if orderID != "" {
		snap, err = ob.Order(orderID)
	} else {
		snap, err = ob.OrderByClientOrderID(clientID, clientOrderID)
	}
	if err != nil {
		return snap, err
	}
	if snap.ClientID != clientID {
		return domain.OrderSnapshot{}, fmt.Errorf("%w: order [%s%s] in %s", domain.ErrNotFound, orderID, clientOrderID, ob.Symbol())
	}
	return snap, nil
}

func (e *Exchange) CancelOrder(clientID, symbol, orderID, clientOrderID string) (*domain.ExecutionResult, error) {
	res := domain.NewResult(domain.ResultCancel, orderID, clientOrderID)
	ob, err := e.Book(symbol)
	if err != nil {
		return res, res.Fail(err)
	}
	snap, err := e.owned(ob, clientID, orderID, clientOrderID)
	if err != nil {
		return res, res.Fail(err)
	}
	return ob.Cancel(snap.ID)
}

func (e *Exchange) UpdateOrder(clientID, symbol, orderID string, qty decimal.Decimal) (*domain.ExecutionResult, error) {
	res := domain.NewResult(domain.ResultUpdate, orderID, "")
	ob, err := e.Book(symbol)
	if err != nil {
		return res, res.Fail(err)
	}
	if _, err := e.owned(ob, clientID, orderID, ""); err != nil {
		return res, res.Fail(err)
	}
	return ob.Update(orderID, qty)
}

// CancelAll cancels every open order of the client in the book and returns
// one result per order.
func (e *Exchange) CancelAll(clientID, symbol string) ([]*domain.ExecutionResult, error) {
	ob, err := e.Book(symbol)
	if err != nil {
		return nil, err
	}
	var (
		results []*domain.ExecutionResult
		errs    []error
	)
	for _, o := range ob.OpenOrdersByClient(clientID) {
		res, err := ob.Cancel(o.ID)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("canceled all open orders",
		zap.String("client_id", clientID),
		zap.String("symbol", ob.Symbol()),
		zap.Int("orders", len(results)))
	return results, errors.Join(errs...)
}

// CancelReplace cancels an order and submits a new one in its place. The new
// order is only submitted when the cancel succeeded.
func (e *Exchange) CancelReplace(clientID, symbol, cancelOrderID, cancelClientOrderID string, p domain.OrderParams) (canceled, placed *domain.ExecutionResult, err error) {
	canceled, err = e.CancelOrder(clientID, symbol, cancelOrderID, cancelClientOrderID)
	if err != nil {
		return canceled, nil, err
	}
	p.ClientID = clientID
	placed, err = e.SubmitOrder(symbol, p)
	return canceled, placed, err
}

func (e *Exchange) Depth(symbol string, n int) (domain.Depth, error) {
	ob, err := e.Book(symbol)
	if err != nil {
		return domain.Depth{}, err
	}
	return ob.Depth(n), nil
}

func (e *Exchange) Order(clientID, symbol, orderID, clientOrderID string) (domain.OrderSnapshot, error) {
	ob, err := e.Book(symbol)
	if err != nil {
		return domain.OrderSnapshot{}, err
	}
	return e.owned(ob, clientID, orderID, clientOrderID)
}

func (e *Exchange) Orders(clientID, symbol string, open bool) ([]domain.OrderSnapshot, error) {
	ob, err := e.Book(symbol)
	if err != nil {
		return nil, err
	}
	if open {
		return ob.OpenOrdersByClient(clientID), nil
	}
	return ob.OrdersByClient(clientID), nil
}

// Trades returns the client's trades, for one order when orderID is set.
func (e *Exchange) Trades(clientID, symbol, orderID string, from, to time.Time) ([]domain.Trade, error) {
	ob, err := e.Book(symbol)
	if err != nil {
		return nil, err
	}
	if orderID == "" {
		return ob.TradesByClient(clientID, from, to), nil
	}
	if _, err := e.owned(ob, clientID, orderID, ""); err != nil {
		return nil, err
	}
	trades, err := ob.TradesByOrder(orderID)
	if err != nil {
		return nil, err
	}
	res := trades[:0]
	for _, t := range trades {
		if (!from.IsZero() && t.Time.Before(from)) || (!to.IsZero() && t.Time.After(to)) {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}
