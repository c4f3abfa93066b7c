package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

var half = decimal.NewFromFloat(0.5)

func (ob *Orderbook) best(s *Side) (domain.DepthLevel, bool) {
	s.Lock()
	defer s.Unlock()
	lim := s.Best()
	if lim == nil {
		return domain.DepthLevel{}, false
	}
	return lim.level(), true
}

func (ob *Orderbook) BestBid() (domain.DepthLevel, bool) { return ob.best(ob.bids) }
func (ob *Orderbook) BestAsk() (domain.DepthLevel, bool) { return ob.best(ob.asks) }

func (ob *Orderbook) tops() (bid, ask domain.DepthLevel, ok bool) {
	bid, bok := ob.BestBid()
	ask, aok := ob.BestAsk()
	return bid, ask, bok && aok
}

// Spread is best ask minus best bid. ok is false unless both sides have
// liquidity.
func (ob *Orderbook) Spread() (decimal.Decimal, bool) {
	bid, ask, ok := ob.tops()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

func (ob *Orderbook) Midprice() (decimal.Decimal, bool) {
	bid, ask, ok := ob.tops()
	if !ok {
		return decimal.Zero, false
	}
	return half.Mul(ask.Price.Add(bid.Price)), true
}

// WeightedMidprice weights the best prices by the volume resting at each.
func (ob *Orderbook) WeightedMidprice() (decimal.Decimal, bool) {
	bid, ask, ok := ob.tops()
	if !ok {
		return decimal.Zero, false
	}
	total := ask.Volume.Add(bid.Volume)
	return ask.Volume.Mul(ask.Price).Add(bid.Volume.Mul(bid.Price)).Div(total), true
}

// Imbalance is bid volume over total volume for the n best levels of each
// side, or for the whole book when n <= 0.
func (ob *Orderbook) Imbalance(n int) (decimal.Decimal, bool) {
	volume := func(s *Side) decimal.Decimal {
		s.Lock()
		defer s.Unlock()
		if n <= 0 {
			return s.Volume()
		}
		total := decimal.Zero
		for _, l := range s.BestLimits(n) {
			total = total.Add(l.Volume)
		}
		return total
	}
	bids, asks := volume(ob.bids), volume(ob.asks)
	total := bids.Add(asks)
	if total.IsZero() {
		return decimal.Zero, false
	}
	return bids.Div(total), true
}

func (ob *Orderbook) BidsVolume() decimal.Decimal {
	ob.bids.Lock()
	defer ob.bids.Unlock()
	return ob.bids.Volume()
}

func (ob *Orderbook) AsksVolume() decimal.Decimal {
	ob.asks.Lock()
	defer ob.asks.Unlock()
	return ob.asks.Volume()
}

func (ob *Orderbook) NumBids() int {
	ob.bids.Lock()
	defer ob.bids.Unlock()
	return ob.bids.Size()
}

func (ob *Orderbook) NumAsks() int {
	ob.asks.Lock()
	defer ob.asks.Unlock()
	return ob.asks.Size()
}

func (ob *Orderbook) historyOrder(orderID string) (*domain.Order, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.history[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order [%s] not found in %s", domain.ErrNotFound, orderID, ob.symbol)
	}
	return o, nil
}

// Order returns any order ever admitted to the book, live or not.
func (ob *Orderbook) Order(orderID string) (domain.OrderSnapshot, error) {
	o, err := ob.historyOrder(orderID)
	if err != nil {
		return domain.OrderSnapshot{}, err
	}
	return o.Snapshot(), nil
}

// OrderByClientOrderID returns the client's latest order with that client
// order id.
func (ob *Orderbook) OrderByClientOrderID(clientID, clientOrderID string) (domain.OrderSnapshot, error) {
	ob.mu.RLock()
	o, ok := ob.clientOrderIDs[clientOrderKey{clientID, clientOrderID}]
	ob.mu.RUnlock()
	if !ok {
		return domain.OrderSnapshot{}, fmt.Errorf("%w: client order id [%s] not found in %s", domain.ErrNotFound, clientOrderID, ob.symbol)
	}
	return o.Snapshot(), nil
}

func (ob *Orderbook) clientOrders(clientID string, open bool) []domain.OrderSnapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var res []domain.OrderSnapshot
	for _, o := range ob.sequence {
		if o.ClientID() != clientID {
			continue
		}
		if open && !o.Valid() {
			continue
		}
		res = append(res, o.Snapshot())
	}
	return res
}

// OrdersByClient lists every order of the client in arrival order.
func (ob *Orderbook) OrdersByClient(clientID string) []domain.OrderSnapshot {
	return ob.clientOrders(clientID, false)
}

func (ob *Orderbook) OpenOrdersByClient(clientID string) []domain.OrderSnapshot {
	return ob.clientOrders(clientID, true)
}

func (ob *Orderbook) TradesByOrder(orderID string) ([]domain.Trade, error) {
	o, err := ob.historyOrder(orderID)
	if err != nil {
		return nil, err
	}
	return o.Trades(), nil
}

// TradesByClient returns the client's trades with from <= time <= to,
// oldest first. A zero bound is open.
func (ob *Orderbook) TradesByClient(clientID string, from, to time.Time) []domain.Trade {
	ob.mu.RLock()
	var orders []*domain.Order
	for _, o := range ob.sequence {
		if o.ClientID() == clientID {
			orders = append(orders, o)
		}
	}
	ob.mu.RUnlock()

	var res []domain.Trade
	for _, o := range orders {
		for _, t := range o.Trades() {
			if !from.IsZero() && t.Time.Before(from) {
				continue
			}
			if !to.IsZero() && t.Time.After(to) {
				continue
			}
			res = append(res, t)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Time.Before(res[j].Time) })
	return res
}
