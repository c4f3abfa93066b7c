package core

import (
	"container/list"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

// Limit is one price level: a FIFO queue of resting orders and the sum of
// their remaining quantities.
type Limit struct {
	price  decimal.Decimal
	volume decimal.Decimal
	queue  *list.List
	elems  map[string]*list.Element
}

func newLimit(price decimal.Decimal) *Limit {
	return &Limit{
		price: price,
		queue: list.New(),
		elems: make(map[string]*list.Element),
	}
}

func (l *Limit) Price() decimal.Decimal  { return l.price }
func (l *Limit) Volume() decimal.Decimal { return l.volume }
func (l *Limit) Len() int                { return l.queue.Len() }
func (l *Limit) Empty() bool             { return l.queue.Len() == 0 }

func (l *Limit) level() domain.DepthLevel {
	return domain.DepthLevel{Price: l.price, Volume: l.volume, Orders: l.queue.Len()}
}

func (l *Limit) front() *domain.Order {
	e := l.queue.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*domain.Order)
}

func (l *Limit) enqueue(o *domain.Order) {
	l.elems[o.ID()] = l.queue.PushBack(o)
	l.volume = l.volume.Add(o.Remaining())
}

func (l *Limit) contains(o *domain.Order) bool {
	_, ok := l.elems[o.ID()]
	return ok
}

// remove drops the order from the queue and subtracts whatever it still had
// open from the level volume.
func (l *Limit) remove(o *domain.Order, open decimal.Decimal) bool {
	e, ok := l.elems[o.ID()]
	if !ok {
		return false
	}
	l.queue.Remove(e)
	delete(l.elems, o.ID())
	l.volume = l.volume.Sub(open)
	return true
}

func (l *Limit) adjust(delta decimal.Decimal) {
	l.volume = l.volume.Add(delta)
}

// orders returns the queue in arrival order.
func (l *Limit) orders() []*domain.Order {
	res := make([]*domain.Order, 0, l.queue.Len())
	for e := l.queue.Front(); e != nil; e = e.Next() {
		res = append(res, e.Value.(*domain.Order))
	}
	return res
}
