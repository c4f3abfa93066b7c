package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one execution seen from one order. Both orders of a match get
// their own Trade. Commission is carried for wire compatibility and is
// always zero.
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
	Time            time.Time       `json:"time"`
}
