package core

import (
	"fmt"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

// match is what one walk of the book produced.
type match struct {
	takerTrades []domain.Trade
	makerTrades []domain.Trade
	makers      []*domain.Order
}

// execute walks side from its best level outward and fills aggressor against
// resting orders, FIFO within a level. The caller holds the side lock.
//
// The taker is settled before the maker: if the taker can not pay, the walk
// stops before the maker is touched and no trade is half applied.
func execute(aggressor *domain.Order, side *Side, now time.Time) (*match, error) {
	m := &match{}
	seen := make(map[string]bool)

	for aggressor.Remaining().IsPositive() {
		lim := side.Best()
		if lim == nil || !side.crosses(aggressor.Price(), lim) {
			break
		}

		for maker := lim.front(); maker != nil && aggressor.Remaining().IsPositive(); maker = lim.front() {
			qty := decimal.Min(aggressor.Remaining(), maker.Remaining())

			taker, err := aggressor.Fill(qty, decimal.NewNullDecimal(lim.price), maker.ID(), now)
			if err != nil {
				side.touch(lim)
				return m, err
			}
			made, err := maker.Fill(qty, decimal.NullDecimal{}, aggressor.ID(), now)
			if err != nil {
				// the taker already paid, this is a broken reservation
				side.touch(lim)
				return m, fmt.Errorf("%w: maker %s failed to settle %s: %v", domain.ErrExecution, maker.ID(), qty, err)
			}

			m.takerTrades = append(m.takerTrades, *taker)
			m.makerTrades = append(m.makerTrades, *made)
			if !seen[maker.ID()] {
				seen[maker.ID()] = true
				m.makers = append(m.makers, maker)
			}

			lim.adjust(qty.Neg())
			if !maker.Remaining().IsPositive() {
				lim.remove(maker, decimal.Zero)
			}
		}

		side.touch(lim)
		side.dropIfEmpty(lim)
	}
	return m, nil
}
