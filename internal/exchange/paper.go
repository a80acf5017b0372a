package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/model"
)

// PaperAdapter is a full-capability in-memory venue used for paper trading and
// tests. Orders fill immediately at the current book price with the venue fee
// taken from the proceeds.
type PaperAdapter struct {
	name    string
	logger  *slog.Logger
	profile model.VenueProfile

	mu       sync.Mutex
	prices   map[string]float64
	balances map[string]float64
	trading  bool
}

// NewPaperAdapter creates a paper venue with the given profile and starting
// balances (asset -> free amount).
func NewPaperAdapter(name string, logger *slog.Logger, profile model.VenueProfile, balances map[string]float64) *PaperAdapter {
	bal := make(map[string]float64, len(balances))
	for asset, amount := range balances {
		bal[asset] = amount
	}
	return &PaperAdapter{
		name:     name,
		logger:   logger.With("venue", name),
		profile:  profile,
		prices:   make(map[string]float64),
		balances: bal,
		trading:  true,
	}
}

func (p *PaperAdapter) Name() string { return p.name }

func (p *PaperAdapter) Profile() model.VenueProfile { return p.profile }

// SetPrice sets the book price for a symbol.
func (p *PaperAdapter) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetBalance sets the free balance for an asset.
func (p *PaperAdapter) SetBalance(asset string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = amount
}

// SetTrading toggles order acceptance.
func (p *PaperAdapter) SetTrading(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trading = enabled
}

func (p *PaperAdapter) Quote(ctx context.Context, symbol string) (QuoteResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return QuoteResult{}, &ConnectivityError{Venue: p.name, Err: fmt.Errorf("no price for %s", symbol)}
	}
	return QuoteResult{Price: price, AsOf: time.Now()}, nil
}

func (p *PaperAdapter) Balance(ctx context.Context, asset string) (BalanceResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BalanceResult{Free: p.balances[asset]}, nil
}

// SubmitOrder fills the order at the current book price. The fee is charged on
// the asset received, matching how most spot venues report fills.
func (p *PaperAdapter) SubmitOrder(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.trading {
		return OrderResult{}, &OrderRejectedError{Venue: p.name, Symbol: spec.Symbol, Reason: "trading disabled"}
	}
	price, ok := p.prices[spec.Symbol]
	if !ok || price <= 0 {
		return OrderResult{}, &OrderRejectedError{Venue: p.name, Symbol: spec.Symbol, Reason: "no market"}
	}

	pair, ok := p.pairFor(spec.Symbol)
	if !ok {
		return OrderResult{}, &OrderRejectedError{Venue: p.name, Symbol: spec.Symbol, Reason: "unknown pair"}
	}

	qty := spec.Quantity
	if qty == 0 && spec.Notional > 0 {
		qty = spec.Notional / price
	}
	if qty <= 0 {
		return OrderResult{}, &OrderRejectedError{Venue: p.name, Symbol: spec.Symbol, Reason: "zero quantity"}
	}

	fee := p.profile.FeeRate
	switch spec.Side {
	case SideBuy:
		cost := qty * price
		if p.balances[pair.Quote] < cost {
			return OrderResult{}, &OrderRejectedError{Venue: p.name, Symbol: spec.Symbol, Reason: "insufficient funds"}
		}
		p.balances[pair.Quote] -= cost
		p.balances[pair.Base] += qty * (1 - fee)
	case SideSell:
		if p.balances[pair.Base] < qty {
			return OrderResult{}, &OrderRejectedError{Venue: p.name, Symbol: spec.Symbol, Reason: "insufficient funds"}
		}
		p.balances[pair.Base] -= qty
		p.balances[pair.Quote] += qty * price * (1 - fee)
	default:
		return OrderResult{}, &OrderRejectedError{Venue: p.name, Symbol: spec.Symbol, Reason: "unknown side"}
	}

	p.logger.Debug("paper order filled",
		"symbol", spec.Symbol, "side", string(spec.Side), "qty", qty, "price", price)

	return OrderResult{
		OrderID:        uuid.New().String(),
		FilledQuantity: qty,
		AvgFillPrice:   price,
		Fills:          []Fill{{Price: price, Quantity: qty}},
	}, nil
}

func (p *PaperAdapter) TradingEnabled(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trading
}

func (p *PaperAdapter) ResyncClock(ctx context.Context) error { return nil }

func (p *PaperAdapter) pairFor(symbol string) (model.AssetPair, bool) {
	for _, pair := range p.profile.Pairs {
		if pair.Symbol() == symbol {
			return pair, true
		}
	}
	return model.AssetPair{}, false
}
