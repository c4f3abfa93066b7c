package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string
type OrderType string
type OrderStatus string

const (
	Bid Side = "BID"
	Ask Side = "ASK"

	FOK  OrderType = "FOK"
	GTC  OrderType = "GTC"
	GTD  OrderType = "GTD"
	Fake OrderType = "FAKE"

	Created  OrderStatus = "CREATED"
	Pending  OrderStatus = "PENDING"
	Partial  OrderStatus = "PARTIAL_FILLED"
	Filled   OrderStatus = "FILLED"
	Canceled OrderStatus = "CANCELED"
	Rejected OrderStatus = "ERROR"
)

// MarketBidPrice is the price a market bid carries so it crosses any ask.
// Market asks carry zero.
var MarketBidPrice = decimal.New(1, 18)

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) Valid() bool { return s == Bid || s == Ask }

func (t OrderType) Valid() bool {
	switch t {
	case FOK, GTC, GTD, Fake:
		return true
	}
	return false
}

// OrderParams is what a client submits.
type OrderParams struct {
	ClientID      string
	ClientOrderID string
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Market        bool
	Type          OrderType
	PostOnly      bool
	Expiry        time.Time
}

// Validate checks the parameters in isolation. Checks that depend on the
// book (GTD expiry against the book clock, crossing) happen in the book.
func (p OrderParams) Validate() error {
	if !p.Side.Valid() {
		return fmt.Errorf("%w: invalid side %q", ErrValidation, p.Side)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: invalid order type %q", ErrValidation, p.Type)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be > 0, got %s", ErrValidation, p.Quantity)
	}
	if !p.Market && !p.Price.IsPositive() {
		return fmt.Errorf("%w: price must be > 0 for limit orders, got %s", ErrValidation, p.Price)
	}
	if p.Market && p.PostOnly {
		return fmt.Errorf("%w: market order can not be post-only", ErrValidation)
	}
	if p.Type == GTD && p.Expiry.IsZero() {
		return fmt.Errorf("%w: GTD order requires an expiry", ErrValidation)
	}
	if p.Type != GTD && !p.Expiry.IsZero() {
		return fmt.Errorf("%w: expiry is only allowed on GTD orders", ErrValidation)
	}
	if p.Type == Fake && p.ClientID != "" {
		return fmt.Errorf("%w: FAKE orders can not belong to a client", ErrValidation)
	}
	return nil
}

// Order is one side of the book. Mutation happens under the owning side's
// lock; the order's own mutex only keeps concurrent readers consistent.
type Order struct {
	mu sync.Mutex

	id            string
	clientID      string
	clientOrderID string
	base          string
	quote         string
	side          Side
	otype         OrderType
	status        OrderStatus
	price         decimal.Decimal
	quantity      decimal.Decimal
	remaining     decimal.Decimal
	market        bool
	postOnly      bool
	expiry        time.Time
	// quoteNotional is the quote amount reserved by a limit bid.
	quoteNotional  decimal.Decimal
	filledNotional decimal.Decimal
	createdAt      time.Time
	trades         []*Trade

	account *Account
}

// NewOrder builds the order and, for limit orders, reserves the funds it may
// consume: quote notional for bids, base quantity for asks. If the
// reservation fails nothing has been mutated. FAKE orders carry no account.
func NewOrder(p OrderParams, base, quote string, account *Account, now time.Time) (*Order, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Type != Fake && account == nil {
		return nil, fmt.Errorf("%w: order requires an account", ErrValidation)
	}

	o := &Order{
		id:            uuid.NewString(),
		clientID:      p.ClientID,
		clientOrderID: p.ClientOrderID,
		base:          base,
		quote:         quote,
		side:          p.Side,
		otype:         p.Type,
		status:        Created,
		price:         p.Price,
		quantity:      p.Quantity,
		remaining:     p.Quantity,
		market:        p.Market,
		postOnly:      p.PostOnly,
		expiry:        p.Expiry,
		createdAt:     now,
	}
	if p.Type != Fake {
		o.account = account
	}
	if o.clientOrderID == "" {
		o.clientOrderID = uuid.NewString()
	}
	if o.market {
		o.price = decimal.Zero
		if o.side == Bid {
			o.price = MarketBidPrice
		}
		return o, nil
	}
	if o.account == nil {
		return o, nil
	}

	switch o.side {
	case Bid:
		notional := o.price.Mul(o.quantity)
		if err := o.account.Balance(quote).Reserve(notional); err != nil {
			return nil, err
		}
		o.quoteNotional = notional
	case Ask:
		if err := o.account.Balance(base).Reserve(o.quantity); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Order) ID() string             { return o.id }
func (o *Order) ClientID() string       { return o.clientID }
func (o *Order) ClientOrderID() string  { return o.clientOrderID }
func (o *Order) Base() string           { return o.base }
func (o *Order) Quote() string          { return o.quote }
func (o *Order) Side() Side             { return o.side }
func (o *Order) Type() OrderType        { return o.otype }
func (o *Order) Price() decimal.Decimal { return o.price }
func (o *Order) IsMarket() bool         { return o.market }
func (o *Order) PostOnly() bool         { return o.postOnly }
func (o *Order) Expiry() time.Time      { return o.expiry }
func (o *Order) CreatedAt() time.Time   { return o.createdAt }
func (o *Order) Account() *Account      { return o.account }

func (o *Order) Status() OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Order) Remaining() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remaining
}

func (o *Order) Quantity() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quantity
}

// Valid reports whether the order can still be matched, updated or canceled.
func (o *Order) Valid() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.valid()
}

func (o *Order) valid() bool {
	return o.status == Created || o.status == Pending || o.status == Partial
}

func (o *Order) Trades() []Trade {
	o.mu.Lock()
	defer o.mu.Unlock()
	res := make([]Trade, len(o.trades))
	for i, t := range o.trades {
		res[i] = *t
	}
	return res
}

// Snapshot returns a consistent copy of the order.
func (o *Order) Snapshot() OrderSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OrderSnapshot{
		ID:             o.id,
		ClientID:       o.clientID,
		ClientOrderID:  o.clientOrderID,
		Symbol:         o.base + o.quote,
		Side:           o.side,
		Type:           o.otype,
		Status:         o.status,
		Price:          o.price,
		Quantity:       o.quantity,
		Remaining:      o.remaining,
		Executed:       o.quantity.Sub(o.remaining),
		FilledNotional: o.filledNotional,
		Market:         o.market,
		PostOnly:       o.postOnly,
		Expiry:         o.expiry,
		CreatedAt:      o.createdAt,
	}
}

// MarkPending is called by a side when the order enters a limit queue. An
// order that already traded keeps its PARTIAL status.
func (o *Order) MarkPending() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == Created {
		o.status = Pending
	}
}

// Reject moves a CREATED order to ERROR and gives back its whole reservation.
func (o *Order) Reject() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != Created {
		return fmt.Errorf("%w: reject order %s in status %s", ErrInvalidState, o.id, o.status)
	}
	o.status = Rejected
	return o.releaseLocked()
}

// Fill executes up to qty against the order. When execPrice is set the order
// is the taker and trades at that price; otherwise it is the maker and
// trades at its own price. Settlement happens before any order state is
// touched, so a failed settlement leaves the order unchanged.
func (o *Order) Fill(qty decimal.Decimal, execPrice decimal.NullDecimal, counterOrderID string, now time.Time) (*Trade, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.valid() {
		return nil, fmt.Errorf("%w: fill order %s in status %s", ErrInvalidState, o.id, o.status)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: fill quantity must be > 0, got %s", ErrExecution, qty)
	}

	executed := decimal.Min(qty, o.remaining)
	price := o.price
	if execPrice.Valid {
		price = execPrice.Decimal
	}
	notional := price.Mul(executed)

	if err := o.settleLocked(executed, notional); err != nil {
		return nil, err
	}

	o.remaining = o.remaining.Sub(executed)
	o.filledNotional = o.filledNotional.Add(notional)

	commissionAsset := o.base
	if o.side == Ask {
		commissionAsset = o.quote
	}
	t := &Trade{
		ID:              uuid.NewString(),
		OrderID:         o.id,
		CounterOrderID:  counterOrderID,
		Price:           price,
		Quantity:        executed,
		QuoteQuantity:   notional,
		Commission:      decimal.Zero,
		CommissionAsset: commissionAsset,
		IsBuyer:         o.side == Bid,
		IsMaker:         !execPrice.Valid,
		Time:            now,
	}
	o.trades = append(o.trades, t)

	if o.remaining.IsZero() {
		o.status = Filled
		// a bid that crossed below its limit price leaves surplus reserved
		if err := o.releaseLocked(); err != nil {
			return t, err
		}
	} else {
		o.status = Partial
	}
	return t, nil
}

func (o *Order) settleLocked(executed, notional decimal.Decimal) error {
	if o.account == nil {
		return nil
	}
	base := o.account.Balance(o.base)
	quote := o.account.Balance(o.quote)

	switch o.side {
	case Bid:
		if o.market {
			if err := quote.Withdraw(notional); err != nil {
				return err
			}
		} else if err := quote.Consume(notional); err != nil {
			return fmt.Errorf("%w: bid %s: %v", ErrExecution, o.id, err)
		}
		return base.Deposit(executed)
	default:
		if o.market {
			if err := base.Withdraw(executed); err != nil {
				return err
			}
		} else if err := base.Consume(executed); err != nil {
			return fmt.Errorf("%w: ask %s: %v", ErrExecution, o.id, err)
		}
		return quote.Deposit(notional)
	}
}

// Cancel marks the order canceled and releases what it still has reserved.
func (o *Order) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.valid() {
		return fmt.Errorf("%w: cancel order %s in status %s", ErrInvalidState, o.id, o.status)
	}
	o.status = Canceled
	return o.releaseLocked()
}

// releaseLocked gives back the unconsumed reservation: notional minus filled
// notional for bids, the remaining quantity for asks.
func (o *Order) releaseLocked() error {
	if o.account == nil || o.market {
		return nil
	}
	switch o.side {
	case Bid:
		left := o.quoteNotional.Sub(o.filledNotional)
		if !left.IsPositive() {
			return nil
		}
		if err := o.account.Balance(o.quote).Release(left); err != nil {
			return err
		}
		o.quoteNotional = o.filledNotional
	case Ask:
		if !o.remaining.IsPositive() {
			return nil
		}
		return o.account.Balance(o.base).Release(o.remaining)
	}
	return nil
}

// Resize sets the open quantity to newRemaining and moves the reservation by
// the difference. It returns the change in open quantity.
func (o *Order) Resize(newRemaining decimal.Decimal) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.valid() {
		return decimal.Zero, fmt.Errorf("%w: update order %s in status %s", ErrInvalidState, o.id, o.status)
	}
	if !newRemaining.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: new quantity must be > 0, got %s", ErrValidation, newRemaining)
	}
	delta := newRemaining.Sub(o.remaining)
	if delta.IsZero() {
		return delta, nil
	}

	if o.account != nil && !o.market {
		asset, amount := o.base, delta.Abs()
		if o.side == Bid {
			asset, amount = o.quote, o.price.Mul(delta.Abs())
		}
		bal := o.account.Balance(asset)
		var err error
		if delta.IsPositive() {
			err = bal.Reserve(amount)
		} else {
			err = bal.Release(amount)
		}
		if err != nil {
			return decimal.Zero, err
		}
		if o.side == Bid {
			if delta.IsPositive() {
				o.quoteNotional = o.quoteNotional.Add(amount)
			} else {
				o.quoteNotional = o.quoteNotional.Sub(amount)
			}
		}
	}

	o.quantity = o.quantity.Add(delta)
	o.remaining = newRemaining
	return delta, nil
}
