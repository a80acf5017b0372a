package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
)

// Config holds the execution tunables.
type Config struct {
	MinProfitPercent float64
	CallTimeout      time.Duration
}

// Coordinator executes one opportunity as a strict sequence of legs against
// exchange adapters. Legs are sequential by data dependency: each leg's input
// is the previous leg's actual output. Completed legs are never unwound; a
// mid-sequence failure finalizes the trade as Failed with only the legs that
// actually executed.
type Coordinator struct {
	logger   *slog.Logger
	cfg      Config
	adapters map[string]exchange.ExchangeAdapter
	locks    *keyedLock

	modeMu sync.RWMutex
	mode   model.TradingMode

	mu       sync.Mutex
	inflight map[string]struct{}
	results  map[string]model.ExecutionResult
}

// New creates a Coordinator over the given adapters.
func New(logger *slog.Logger, cfg Config, adapters map[string]exchange.ExchangeAdapter, mode model.TradingMode) *Coordinator {
	return &Coordinator{
		logger:   logger.With("component", "executor"),
		cfg:      cfg,
		adapters: adapters,
		locks:    newKeyedLock(),
		mode:     mode,
		inflight: make(map[string]struct{}),
		results:  make(map[string]model.ExecutionResult),
	}
}

// SetMode switches between live and paper policies.
func (c *Coordinator) SetMode(m model.TradingMode) {
	c.modeMu.Lock()
	c.mode = m
	c.modeMu.Unlock()
}

// Mode returns the current trading mode.
func (c *Coordinator) Mode() model.TradingMode {
	c.modeMu.RLock()
	defer c.modeMu.RUnlock()
	return c.mode
}

// plannedLeg is one order the coordinator intends to place.
type plannedLeg struct {
	venue      string
	leg        model.Leg
	side       exchange.OrderSide
	sizePrice  float64 // price used to size the order and for estimates
	feeInPrice bool    // sizePrice already includes the venue fee

	// USDT prices of the two halves of a synthetic leg, taken from the
	// neighboring cycle legs.
	synthSellPrice float64
	synthBuyPrice  float64
}

// Execute runs one trade to a terminal state. The trade id is the idempotency
// key: repeating a terminal id returns the cached result, and an id still in
// flight is rejected without touching any venue.
func (c *Coordinator) Execute(ctx context.Context, req model.ExecutionRequest) model.ExecutionResult {
	tradeID := req.TradeID
	if tradeID == "" {
		tradeID = uuid.New().String()
	}

	c.mu.Lock()
	if cached, ok := c.results[tradeID]; ok {
		c.mu.Unlock()
		return cached
	}
	if _, ok := c.inflight[tradeID]; ok {
		c.mu.Unlock()
		return model.ExecutionResult{
			TradeID:       tradeID,
			Status:        model.StatusFailed,
			FailureReason: "validation: trade already in flight",
			StartedAt:     time.Now(),
			FinishedAt:    time.Now(),
		}
	}
	c.inflight[tradeID] = struct{}{}
	c.mu.Unlock()

	result := c.run(ctx, tradeID, req)

	c.mu.Lock()
	delete(c.inflight, tradeID)
	c.results[tradeID] = result
	c.mu.Unlock()

	if result.Status == model.StatusCompleted {
		metrics.TradesCompleted.Inc()
	} else {
		metrics.TradesFailed.Inc()
	}
	return result
}

func (c *Coordinator) run(ctx context.Context, tradeID string, req model.ExecutionRequest) model.ExecutionResult {
	mode := c.Mode()
	result := model.ExecutionResult{
		TradeID:   tradeID,
		Status:    model.StatusPending,
		StartedAt: time.Now(),
	}
	fail := func(format string, args ...any) model.ExecutionResult {
		result.Status = model.StatusFailed
		result.FailureReason = fmt.Sprintf(format, args...)
		result.FinishedAt = time.Now()
		c.logger.Warn("trade failed",
			"trade_id", tradeID, "reason", result.FailureReason, "legs_executed", len(result.Legs))
		return result
	}

	opp := req.Opportunity
	if opp.ProfitPercent < c.cfg.MinProfitPercent {
		return fail("validation: profit %.4f%% below minimum %.4f%%", opp.ProfitPercent, c.cfg.MinProfitPercent)
	}

	plan, err := c.plan(opp)
	if err != nil {
		return fail("validation: %v", err)
	}
	for _, pl := range plan {
		adapter, ok := c.adapters[pl.venue]
		if !ok {
			return fail("validation: no adapter for venue %s", pl.venue)
		}
		if !adapter.TradingEnabled(ctx) {
			return fail("validation: trading disabled on %s", pl.venue)
		}
	}

	// Capital adjustment against the first venue's constraints.
	prof := c.adapters[plan[0].venue].Profile()
	capital := req.Capital
	if capital <= 0 {
		capital = opp.Capital
	}
	if prof.MinCapital > 0 && capital < prof.MinCapital {
		capital = prof.MinCapital
	}
	if prof.MaxCapital > 0 && capital > prof.MaxCapital {
		capital = prof.MaxCapital
	}
	if capital < prof.MinNotional {
		if mode == model.ModeLive {
			return fail("capital %.2f below minimum notional %.2f on %s", capital, prof.MinNotional, prof.Venue)
		}
		capital = prof.MinNotional
	}

	amount := capital
	for i, pl := range plan {
		legResult, err := c.executeLeg(ctx, pl, amount, mode)
		if err != nil {
			return fail("leg %d on %s: %v", i+1, pl.venue, err)
		}
		result.Legs = append(result.Legs, legResult)
		amount = legResult.ResultAmount
	}

	result.Status = model.StatusCompleted
	result.Profit = amount - capital
	result.ProfitPercent = result.Profit / capital * 100
	result.FinishedAt = time.Now()
	c.logger.Info("trade completed",
		"trade_id", tradeID, "profit", result.Profit, "profit_percent", result.ProfitPercent)
	return result
}

// plan expands an opportunity into the ordered legs to submit.
func (c *Coordinator) plan(opp model.Opportunity) ([]plannedLeg, error) {
	switch opp.Kind {
	case model.KindDirect:
		if opp.BuyVenue == "" || opp.SellVenue == "" || opp.BuyVenue == opp.SellVenue {
			return nil, errors.New("direct opportunity needs two distinct venues")
		}
		if opp.BuyPriceWithFee <= 0 || opp.SellPriceWithFee <= 0 {
			return nil, errors.New("direct opportunity has invalid prices")
		}
		return []plannedLeg{
			{
				venue:      opp.BuyVenue,
				leg:        model.Leg{Pair: opp.Pair, Action: model.ActionBuy, Price: opp.BuyPriceWithFee},
				side:       exchange.SideBuy,
				sizePrice:  opp.BuyPriceWithFee,
				feeInPrice: true,
			},
			{
				venue:      opp.SellVenue,
				leg:        model.Leg{Pair: opp.Pair, Action: model.ActionSell, Price: opp.SellPriceWithFee},
				side:       exchange.SideSell,
				sizePrice:  opp.SellPriceWithFee,
				feeInPrice: true,
			},
		}, nil
	case model.KindTriangular:
		if len(opp.Legs) != opp.ExpectedLegCount() {
			return nil, fmt.Errorf("triangular opportunity has %d legs, want %d", len(opp.Legs), opp.ExpectedLegCount())
		}
		if opp.Venue == "" {
			return nil, errors.New("triangular opportunity has no venue")
		}
		plan := make([]plannedLeg, 0, len(opp.Legs))
		for i, leg := range opp.Legs {
			if leg.Price <= 0 {
				return nil, fmt.Errorf("leg %s has invalid price", leg.Pair)
			}
			side := exchange.SideSell
			if leg.Action == model.ActionBuy {
				side = exchange.SideBuy
			}
			pl := plannedLeg{venue: opp.Venue, leg: leg, side: side, sizePrice: leg.Price}
			if leg.Synthetic {
				if i != 1 {
					return nil, errors.New("only the middle cycle leg may be synthetic")
				}
				pl.synthSellPrice = opp.Legs[0].Price
				pl.synthBuyPrice = opp.Legs[2].Price
			}
			plan = append(plan, pl)
		}
		return plan, nil
	default:
		return nil, fmt.Errorf("unknown opportunity kind %q", opp.Kind)
	}
}

// executeLeg runs one leg: balance check, normalization, submit, realize.
// A synthetic cycle leg becomes two real orders routed through USDT, the
// second sized from the first's actual proceeds.
func (c *Coordinator) executeLeg(ctx context.Context, pl plannedLeg, input float64, mode model.TradingMode) (model.LegResult, error) {
	adapter := c.adapters[pl.venue]
	prof := adapter.Profile()

	if pl.leg.Synthetic && pl.leg.Action == model.ActionTrade {
		return c.executeSyntheticLeg(ctx, adapter, prof, pl, input, mode)
	}

	fill, err := c.placeOrder(ctx, adapter, prof, pl, input, mode)
	if err != nil {
		return model.LegResult{}, err
	}
	return model.LegResult{
		Leg:           pl.leg,
		Venue:         pl.venue,
		InputAmount:   fill.spent,
		ResultAmount:  fill.received,
		RealizedPrice: fill.price,
		OrderID:       fill.orderID,
		Fill:          fill.kind,
	}, nil
}

// executeSyntheticLeg sells the held asset for USDT, then buys the target
// asset with the actual USDT proceeds.
func (c *Coordinator) executeSyntheticLeg(ctx context.Context, adapter exchange.ExchangeAdapter, prof model.VenueProfile, pl plannedLeg, input float64, mode model.TradingMode) (model.LegResult, error) {
	from := pl.leg.Pair.Base
	to := pl.leg.Pair.Quote
	if pl.synthSellPrice <= 0 || pl.synthBuyPrice <= 0 {
		return model.LegResult{}, errors.New("synthetic leg is missing its USDT prices")
	}

	sellPair := model.AssetPair{Base: from, Quote: "USDT"}
	sell := plannedLeg{
		venue:     pl.venue,
		leg:       model.Leg{Pair: sellPair, Action: model.ActionSell, Price: pl.synthSellPrice},
		side:      exchange.SideSell,
		sizePrice: pl.synthSellPrice,
	}
	sellFill, err := c.placeOrder(ctx, adapter, prof, sell, input, mode)
	if err != nil {
		return model.LegResult{}, fmt.Errorf("synthetic sell half: %w", err)
	}

	buyPair := model.AssetPair{Base: to, Quote: "USDT"}
	buy := plannedLeg{
		venue:     pl.venue,
		leg:       model.Leg{Pair: buyPair, Action: model.ActionBuy, Price: pl.synthBuyPrice},
		side:      exchange.SideBuy,
		sizePrice: pl.synthBuyPrice,
	}
	buyFill, err := c.placeOrder(ctx, adapter, prof, buy, sellFill.received, mode)
	if err != nil {
		return model.LegResult{}, fmt.Errorf("synthetic buy half: %w", err)
	}

	kind := model.FillReal
	if sellFill.kind == model.FillSimulated || buyFill.kind == model.FillSimulated {
		kind = model.FillSimulated
	}
	realized := 0.0
	if buyFill.received > 0 {
		realized = buyFill.received / input // effective to-per-from rate
	}
	return model.LegResult{
		Leg:           pl.leg,
		Venue:         pl.venue,
		InputAmount:   input,
		ResultAmount:  buyFill.received,
		RealizedPrice: realized,
		OrderID:       sellFill.orderID + "," + buyFill.orderID,
		Fill:          kind,
	}, nil
}

// orderFill is the realized outcome of one order.
type orderFill struct {
	spent    float64
	received float64
	price    float64
	orderID  string
	kind     model.FillKind
}

// placeOrder holds the (venue, asset) lock from the balance read through the
// submit, so concurrent trades cannot both size themselves against a balance
// only one of them will actually have.
func (c *Coordinator) placeOrder(ctx context.Context, adapter exchange.ExchangeAdapter, prof model.VenueProfile, pl plannedLeg, input float64, mode model.TradingMode) (orderFill, error) {
	spendAsset := pl.leg.Pair.Base
	if pl.side == exchange.SideBuy {
		spendAsset = pl.leg.Pair.Quote
	}

	unlock := c.locks.Lock(pl.venue + "/" + spendAsset)
	defer unlock()

	// Balance check against the actual available balance.
	balCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	bal, err := adapter.Balance(balCtx, spendAsset)
	cancel()
	if err != nil {
		return orderFill{}, fmt.Errorf("balance check for %s: %w", spendAsset, err)
	}
	if bal.Free < input {
		if mode == model.ModeLive {
			return orderFill{}, fmt.Errorf("%w: need %g %s on %s, have %g",
				exchange.ErrInsufficientBalance, input, spendAsset, pl.venue, bal.Free)
		}
		// Paper mode: shrink to what is available, floored at the venue
		// minimum notional.
		shrunk := bal.Free
		notional := shrunk
		if pl.side == exchange.SideSell {
			notional = shrunk * pl.sizePrice
		}
		if notional < prof.MinNotional {
			return orderFill{}, fmt.Errorf("%w: available %g %s is below minimum notional %g",
				exchange.ErrInsufficientBalance, bal.Free, spendAsset, prof.MinNotional)
		}
		c.logger.Warn("shrinking leg to available balance",
			"venue", pl.venue, "asset", spendAsset, "requested", input, "available", bal.Free)
		input = shrunk
	}

	// Quantity normalization in the base asset.
	qty := input
	if pl.side == exchange.SideBuy {
		qty = input / pl.sizePrice
	}
	qty, err = NormalizeQuantity(prof, pl.leg.Pair.Base, qty, pl.sizePrice, mode)
	if err != nil {
		return orderFill{}, err
	}

	spec := exchange.OrderSpec{
		Symbol:   pl.leg.Pair.Symbol(),
		Side:     pl.side,
		Quantity: qty,
	}

	res, err := c.submitWithAuthRetry(ctx, adapter, spec)
	if err != nil {
		return orderFill{}, err
	}
	metrics.LegsSubmitted.Inc()

	fee := prof.FeeRate
	if res.FilledQuantity > 0 {
		avg := res.WeightedAvgPrice()
		if avg <= 0 {
			avg = pl.sizePrice
		}
		fill := orderFill{price: avg, orderID: res.OrderID, kind: model.FillReal}
		if pl.side == exchange.SideBuy {
			fill.spent = res.FilledQuantity * avg
			fill.received = res.FilledQuantity * (1 - fee)
		} else {
			fill.spent = res.FilledQuantity
			fill.received = res.FilledQuantity * avg * (1 - fee)
		}
		return fill, nil
	}

	// No real fill reported: fall back to a price-and-fee estimate and tag
	// the leg so it is never mistaken for a real fill.
	metrics.LegsSimulated.Inc()
	estFee := fee
	if pl.feeInPrice {
		estFee = 0
	}
	fill := orderFill{price: pl.sizePrice, orderID: res.OrderID, kind: model.FillSimulated}
	if pl.side == exchange.SideBuy {
		fill.spent = input
		fill.received = input / pl.sizePrice * (1 - estFee)
	} else {
		fill.spent = qty
		fill.received = qty * pl.sizePrice * (1 - estFee)
	}
	return fill, nil
}

// submitWithAuthRetry submits the order, resyncing the adapter clock and
// retrying exactly once on an authentication failure.
func (c *Coordinator) submitWithAuthRetry(ctx context.Context, adapter exchange.ExchangeAdapter, spec exchange.OrderSpec) (exchange.OrderResult, error) {
	submit := func() (exchange.OrderResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return adapter.SubmitOrder(callCtx, spec)
	}

	res, err := submit()
	if err == nil {
		return res, nil
	}
	var authErr *exchange.AuthenticationError
	if !errors.As(err, &authErr) {
		return exchange.OrderResult{}, err
	}

	c.logger.Warn("authentication failure, resyncing clock and retrying once",
		"venue", adapter.Name(), "symbol", spec.Symbol, "error", err)
	syncCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	syncErr := adapter.ResyncClock(syncCtx)
	cancel()
	if syncErr != nil {
		c.logger.Warn("clock resync failed", "venue", adapter.Name(), "error", syncErr)
	}

	res, err = submit()
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("after clock resync: %w", err)
	}
	return res, nil
}
