package core

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

// Side is one half of the book. Levels are kept in a B-tree ordered best
// first, so Min is always the best price.
//
// Every method except Lock/Unlock expects the caller to hold the side lock.
type Side struct {
	mu      sync.Mutex
	kind    domain.Side
	levels  *btree.BTreeG[*Limit]
	touched map[string]*Limit
}

func NewSide(kind domain.Side) *Side {
	less := func(a, b *Limit) bool { return a.price.LessThan(b.price) }
	if kind == domain.Bid {
		less = func(a, b *Limit) bool { return a.price.GreaterThan(b.price) }
	}
	return &Side{
		kind:    kind,
		levels:  btree.NewG(btreeDegree, less),
		touched: make(map[string]*Limit),
	}
}

func (s *Side) Lock()             { s.mu.Lock() }
func (s *Side) Unlock()           { s.mu.Unlock() }
func (s *Side) Kind() domain.Side { return s.kind }

func (s *Side) Size() int   { return s.levels.Len() }
func (s *Side) Empty() bool { return s.levels.Len() == 0 }

func (s *Side) Best() *Limit {
	lim, ok := s.levels.Min()
	if !ok {
		return nil
	}
	return lim
}

func (s *Side) limit(price decimal.Decimal) (*Limit, bool) {
	return s.levels.Get(&Limit{price: price})
}

// Volume is the total open quantity on the side.
func (s *Side) Volume() decimal.Decimal {
	total := decimal.Zero
	s.levels.Ascend(func(l *Limit) bool {
		total = total.Add(l.volume)
		return true
	})
	return total
}

// BestLimits returns up to n levels, best first.
func (s *Side) BestLimits(n int) []domain.DepthLevel {
	if n <= 0 {
		return nil
	}
	res := make([]domain.DepthLevel, 0, min(n, s.levels.Len()))
	s.levels.Ascend(func(l *Limit) bool {
		if len(res) >= n {
			return false
		}
		res = append(res, l.level())
		return true
	})
	return res
}

// crosses reports whether an aggressor at price trades against level.
func (s *Side) crosses(price decimal.Decimal, level *Limit) bool {
	if s.kind == domain.Ask {
		return price.GreaterThanOrEqual(level.price)
	}
	return price.LessThanOrEqual(level.price)
}

// IsMarket reports whether o, coming from the opposite side, crosses the
// best price of this side.
func (s *Side) IsMarket(o *domain.Order) bool {
	best := s.Best()
	return best != nil && s.crosses(o.Price(), best)
}

// CheckMarketOrder runs the pre-trade checks for an aggressor about to walk
// this side. Nothing is mutated.
func (s *Side) CheckMarketOrder(o *domain.Order) error {
	if s.Empty() {
		return fmt.Errorf("%w: no liquidity on %s side", domain.ErrValidation, s.kind)
	}
	want := o.Remaining()
	available, cost := decimal.Zero, decimal.Zero
	s.levels.Ascend(func(l *Limit) bool {
		if !s.crosses(o.Price(), l) || available.GreaterThanOrEqual(want) {
			return false
		}
		take := decimal.Min(l.volume, want.Sub(available))
		available = available.Add(take)
		cost = cost.Add(take.Mul(l.price))
		return true
	})

	if o.Type() == domain.FOK && available.LessThan(want) {
		return fmt.Errorf("%w: FOK order for %s can only be filled for %s", domain.ErrValidation, want, available)
	}
	if !o.IsMarket() || o.Account() == nil {
		return nil
	}

	// market orders pay as they go, check the taker can cover the walk
	if o.Side() == domain.Bid {
		bal := o.Account().Balance(o.Quote())
		if cost.GreaterThan(bal.Available()) {
			return fmt.Errorf("%w: market bid needs %s, available %s", domain.ErrInsufficientFunds, cost, bal.Available())
		}
		return nil
	}
	bal := o.Account().Balance(o.Base())
	if available.GreaterThan(bal.Available()) {
		return fmt.Errorf("%w: market ask needs %s, available %s", domain.ErrInsufficientFunds, available, bal.Available())
	}
	return nil
}

// Place appends o to the queue at its price and marks it pending.
func (s *Side) Place(o *domain.Order) {
	lim, ok := s.limit(o.Price())
	if !ok {
		lim = newLimit(o.Price())
		s.levels.ReplaceOrInsert(lim)
	}
	lim.enqueue(o)
	o.MarkPending()
	s.touch(lim)
}

// CancelOrder removes o from its level, cancels it and drops the level when
// it becomes empty.
func (s *Side) CancelOrder(o *domain.Order) error {
	lim, ok := s.limit(o.Price())
	if !ok || !lim.contains(o) {
		return fmt.Errorf("%w: order %s is not resting on %s side", domain.ErrInvalidState, o.ID(), s.kind)
	}
	open := o.Remaining()
	if err := o.Cancel(); err != nil {
		return err
	}
	lim.remove(o, open)
	s.touch(lim)
	s.dropIfEmpty(lim)
	return nil
}

// UpdateOrder changes the open quantity of o in place. The order keeps its
// queue position.
func (s *Side) UpdateOrder(o *domain.Order, qty decimal.Decimal) error {
	lim, ok := s.limit(o.Price())
	if !ok || !lim.contains(o) {
		return fmt.Errorf("%w: order %s is not resting on %s side", domain.ErrInvalidState, o.ID(), s.kind)
	}
	delta, err := o.Resize(qty)
	if err != nil {
		return err
	}
	lim.adjust(delta)
	s.touch(lim)
	return nil
}

func (s *Side) dropIfEmpty(lim *Limit) {
	if lim.Empty() {
		s.levels.Delete(lim)
	}
}

func (s *Side) touch(lim *Limit) {
	s.touched[lim.price.String()] = lim
}

// DrainTouched returns the levels changed since the last call, with their
// current volume. Removed levels come back with zero volume.
func (s *Side) DrainTouched() []domain.DepthLevel {
	if len(s.touched) == 0 {
		return nil
	}
	res := make([]domain.DepthLevel, 0, len(s.touched))
	for k, lim := range s.touched {
		res = append(res, lim.level())
		delete(s.touched, k)
	}
	return res
}
