package dto

import (
	"fmt"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

type OrderType string

const (
	Limit      OrderType = "LIMIT"
	Market     OrderType = "MARKET"
	LimitMaker OrderType = "LIMIT_MAKER"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	GTD TimeInForce = "GTD"
	FOK TimeInForce = "FOK"
)

type SubmitOrderRequest struct {
	Symbol        string          `json:"symbol" binding:"required"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Side          Side            `json:"side" binding:"required"`
	Type          OrderType       `json:"type" binding:"required"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
	Price         decimal.Decimal `json:"price,omitempty"` // for limited order
	Quantity      decimal.Decimal `json:"quantity"`
	ExpireTime    *time.Time      `json:"expire_time,omitempty"` // GTD only
}

// Params converts the request into book params for clientID.
func (r SubmitOrderRequest) Params(clientID string) (domain.OrderParams, error) {
	p := domain.OrderParams{
		ClientID:      clientID,
		ClientOrderID: r.ClientOrderID,
		Quantity:      r.Quantity,
	}
	switch r.Side {
	case Buy:
		p.Side = domain.Bid
	case Sell:
		p.Side = domain.Ask
	default:
		return p, fmt.Errorf("%w: invalid side: %s", domain.ErrValidation, r.Side)
	}
	switch r.Type {
	case Limit:
		p.Price = r.Price
	case LimitMaker:
		p.Price = r.Price
		p.PostOnly = true
	case Market:
		p.Market = true
	default:
		return p, fmt.Errorf("%w: invalid order type: %s", domain.ErrValidation, r.Type)
	}
	switch r.TimeInForce {
	case "", GTC:
		p.Type = domain.GTC
	case FOK:
		p.Type = domain.FOK
	case GTD:
		p.Type = domain.GTD
		if r.ExpireTime != nil {
			p.Expiry = *r.ExpireTime
		}
	default:
		return p, fmt.Errorf("%w: invalid time in force: %s", domain.ErrValidation, r.TimeInForce)
	}
	return p, nil
}

type UpdateOrderRequest struct {
	Symbol   string          `json:"symbol" binding:"required"`
	OrderID  string          `json:"order_id" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}

type CancelOrderRequest struct {
	Symbol        string `json:"symbol" binding:"required"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type CancelAllRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

type CancelReplaceRequest struct {
	Symbol              string             `json:"symbol" binding:"required"`
	CancelOrderID       string             `json:"cancel_order_id,omitempty"`
	CancelClientOrderID string             `json:"cancel_client_order_id,omitempty"`
	NewOrder            SubmitOrderRequest `json:"new_order"`
}

type ExecutionResponse struct {
	Kind          string   `json:"kind"`
	Success       bool     `json:"success"`
	OrderID       string   `json:"order_id"`
	ClientOrderID string   `json:"client_order_id"`
	Messages      []string `json:"messages,omitempty"`
	Fills         []Trade  `json:"fills"`
	Order         *Order   `json:"order,omitempty"`
}

type CancelReplaceResponse struct {
	Cancel   ExecutionResponse  `json:"cancel"`
	NewOrder *ExecutionResponse `json:"new_order,omitempty"`
}

type GetOrdersResponse struct {
	Orders []Order `json:"orders"`
}

type GetTradesResponse struct {
	Trades []Trade `json:"trades"`
}

// DepthResponse lists levels as [price, volume] pairs, best first.
type DepthResponse struct {
	Symbol       string      `json:"symbol"`
	LastUpdateID uint64      `json:"last_update_id"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
	Timestamp    time.Time   `json:"timestamp"`
}

type BookStatsResponse struct {
	Symbol           string           `json:"symbol"`
	Version          uint64           `json:"version"`
	BestBid          *Level           `json:"best_bid,omitempty"`
	BestAsk          *Level           `json:"best_ask,omitempty"`
	Spread           *decimal.Decimal `json:"spread,omitempty"`
	Midprice         *decimal.Decimal `json:"midprice,omitempty"`
	WeightedMidprice *decimal.Decimal `json:"weighted_midprice,omitempty"`
	Imbalance        *decimal.Decimal `json:"imbalance,omitempty"`
	BidsVolume       decimal.Decimal  `json:"bids_volume"`
	AsksVolume       decimal.Decimal  `json:"asks_volume"`
	BidLevels        int              `json:"bid_levels"`
	AskLevels        int              `json:"ask_levels"`
}

type Level struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Orders int             `json:"orders"`
}

type NewBookRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

type BooksResponse struct {
	Symbols []string `json:"symbols"`
}

type FundsRequest struct {
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type AccountResponse struct {
	ClientID string    `json:"client_id"`
	Balances []Balance `json:"balances"`
}

type SnapshotRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

type SnapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
	Message    string `json:"message,omitempty"`
}

type SeedRequest struct {
	Symbol     string `json:"symbol" binding:"required"`
	SnapshotID string `json:"snapshot_id" binding:"required"`
}

type ServerTimeResponse struct {
	ServerTime int64 `json:"server_time"`
}

type Order struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Executed       decimal.Decimal `json:"executed"`
	Remaining      decimal.Decimal `json:"remaining"`
	FilledNotional decimal.Decimal `json:"filled_notional"`
	Status         string          `json:"status"`
	ExpireTime     *time.Time      `json:"expire_time,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Trade struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	CounterOrderID  string          `json:"counter_order_id"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	QuoteQuantity   decimal.Decimal `json:"quote_quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	IsBuyer         bool            `json:"is_buyer"`
	IsMaker         bool            `json:"is_maker"`
	Timestamp       time.Time       `json:"timestamp"`
}

func FromOrder(o domain.OrderSnapshot) Order {
	res := Order{
		ID:             o.ID,
		ClientID:       o.ClientID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           Buy,
		Type:           Limit,
		TimeInForce:    TimeInForce(o.Type),
		Price:          o.Price,
		Quantity:       o.Quantity,
		Executed:       o.Executed,
		Remaining:      o.Remaining,
		FilledNotional: o.FilledNotional,
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
	}
	if o.Side == domain.Ask {
		res.Side = Sell
	}
	switch {
	case o.Market:
		res.Type = Market
		res.Price = decimal.Zero
	case o.PostOnly:
		res.Type = LimitMaker
	}
	if !o.Expiry.IsZero() {
		exp := o.Expiry
		res.ExpireTime = &exp
	}
	return res
}

func FromOrders(in []domain.OrderSnapshot) []Order {
	res := make([]Order, len(in))
	for i, o := range in {
		res[i] = FromOrder(o)
	}
	return res
}

func FromTrades(in []domain.Trade) []Trade {
	res := make([]Trade, len(in))
	for i, t := range in {
		res[i] = Trade{
			ID:              t.ID,
			OrderID:         t.OrderID,
			CounterOrderID:  t.CounterOrderID,
			Price:           t.Price,
			Quantity:        t.Quantity,
			QuoteQuantity:   t.QuoteQuantity,
			Commission:      t.Commission,
			CommissionAsset: t.CommissionAsset,
			IsBuyer:         t.IsBuyer,
			IsMaker:         t.IsMaker,
			Timestamp:       t.Time,
		}
	}
	return res
}

func FromResult(r *domain.ExecutionResult) ExecutionResponse {
	if r == nil {
		return ExecutionResponse{Fills: []Trade{}}
	}
	return ExecutionResponse{
		Kind:          string(r.Kind),
		Success:       r.Success,
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Messages:      r.Messages,
		Fills:         FromTrades(r.Fills),
	}
}

func FromDepth(d domain.Depth) DepthResponse {
	levels := func(in []domain.DepthLevel) [][2]string {
		res := make([][2]string, len(in))
		for i, l := range in {
			res[i] = [2]string{l.Price.String(), l.Volume.String()}
		}
		return res
	}
	return DepthResponse{
		Symbol:       d.Symbol,
		LastUpdateID: d.Version,
		Bids:         levels(d.Bids),
		Asks:         levels(d.Asks),
		Timestamp:    d.Timestamp,
	}
}

func FromBalances(clientID string, in []domain.BalanceSnapshot) AccountResponse {
	res := AccountResponse{ClientID: clientID, Balances: make([]Balance, len(in))}
	for i, b := range in {
		res.Balances[i] = Balance{Asset: b.Asset, Free: b.Available, Locked: b.Reserved}
	}
	return res
}

func FromLevel(l domain.DepthLevel, ok bool) *Level {
	if !ok {
		return nil
	}
	return &Level{Price: l.Price, Volume: l.Volume, Orders: l.Orders}
}
