package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepthLevel is one price level: aggregate open volume and the number of
// live orders behind it. A zero volume in an event means the level is gone.
type DepthLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Orders int             `json:"orders"`
}

// Depth is a point-in-time view of the best levels of a book.
type Depth struct {
	Symbol    string       `json:"symbol"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Version   uint64       `json:"version"`
	Timestamp time.Time    `json:"timestamp"`
}

func (d *Depth) DeepCopy() *Depth {
	cp := *d
	cp.Bids = append([]DepthLevel(nil), d.Bids...)
	cp.Asks = append([]DepthLevel(nil), d.Asks...)
	return &cp
}

type OrderSnapshot struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Status         OrderStatus     `json:"status"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Remaining      decimal.Decimal `json:"remaining"`
	Executed       decimal.Decimal `json:"executed"`
	FilledNotional decimal.Decimal `json:"filled_notional"`
	Market         bool            `json:"market"`
	PostOnly       bool            `json:"post_only"`
	Expiry         time.Time       `json:"expiry,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type BalanceSnapshot struct {
	ClientID  string          `json:"client_id,omitempty"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

func (b BalanceSnapshot) Total() decimal.Decimal { return b.Available.Add(b.Reserved) }

type EventKind string

const (
	EventOrder   EventKind = "ORDER"
	EventCancel  EventKind = "CANCEL"
	EventUpdate  EventKind = "UPDATE"
	EventExpiry  EventKind = "EXPIRY"
	EventSeed    EventKind = "SEED"
	EventBalance EventKind = "BALANCE"
)

// Event is emitted once per mutating book operation. Bids and Asks hold the
// levels that changed, with their volume after the mutation.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Symbol   string            `json:"symbol"`
	Version  uint64            `json:"version"`
	Bids     []DepthLevel      `json:"bids"`
	Asks     []DepthLevel      `json:"asks"`
	Orders   []OrderSnapshot   `json:"orders"`
	Trades   []Trade           `json:"trades"`
	Balances []BalanceSnapshot `json:"balances"`
	Time     time.Time         `json:"time"`
}
