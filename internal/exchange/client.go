package exchange

import (
	"context"
	"time"

	"arbiter/internal/model"
)

// QuoteResult is a point-in-time price for one symbol.
type QuoteResult struct {
	Price float64
	AsOf  time.Time
}

// BalanceResult is the account balance for one asset.
type BalanceResult struct {
	Free   float64
	Locked float64
}

// OrderSide is the side of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderSpec describes a market order. Exactly one of Quantity (base asset) or
// Notional (quote asset) must be set.
type OrderSpec struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Notional float64
}

// Fill is one partial fill of an order.
type Fill struct {
	Price    float64
	Quantity float64
}

// OrderResult is the venue's report of a submitted order.
type OrderResult struct {
	OrderID        string
	FilledQuantity float64
	AvgFillPrice   float64
	Fills          []Fill
}

// WeightedAvgPrice returns the quantity-weighted average fill price, preferring
// the individual fills over the venue's own average when both are present.
func (r OrderResult) WeightedAvgPrice() float64 {
	var qty, notional float64
	for _, f := range r.Fills {
		qty += f.Quantity
		notional += f.Price * f.Quantity
	}
	if qty > 0 {
		return notional / qty
	}
	return r.AvgFillPrice
}

// PriceUpdate is one streamed price observation, sent by a Streamer.
type PriceUpdate struct {
	Venue      string
	Symbol     string
	Price      float64
	ObservedAt time.Time
}

// ExchangeAdapter is the uniform contract every venue implementation must
// satisfy in full. Operations a venue cannot perform return NotSupportedError
// rather than being probed for at runtime.
type ExchangeAdapter interface {
	Name() string
	Profile() model.VenueProfile
	Quote(ctx context.Context, symbol string) (QuoteResult, error)
	Balance(ctx context.Context, asset string) (BalanceResult, error)
	SubmitOrder(ctx context.Context, spec OrderSpec) (OrderResult, error)
	TradingEnabled(ctx context.Context) bool
	// ResyncClock realigns the adapter's clock offset with the venue after a
	// stale-timestamp rejection.
	ResyncClock(ctx context.Context) error
}

// Streamer is implemented by adapters with a live market-data feed. Stream
// connects once and pushes updates until the connection dies or ctx is
// cancelled; reconnection is the ingestor's job. Adapters without Streamer are
// polled instead.
type Streamer interface {
	Stream(ctx context.Context, symbols []string, updates chan<- PriceUpdate) error
}
