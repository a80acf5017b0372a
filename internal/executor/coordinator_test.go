package executor

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

type MockAdapter struct {
	mock.Mock
	profile model.VenueProfile
}

func (m *MockAdapter) Name() string { return m.profile.Venue }

func (m *MockAdapter) Profile() model.VenueProfile { return m.profile }

func (m *MockAdapter) Quote(ctx context.Context, symbol string) (exchange.QuoteResult, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.QuoteResult), args.Error(1)
}

func (m *MockAdapter) Balance(ctx context.Context, asset string) (exchange.BalanceResult, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(exchange.BalanceResult), args.Error(1)
}

func (m *MockAdapter) SubmitOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.OrderResult, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(exchange.OrderResult), args.Error(1)
}

func (m *MockAdapter) TradingEnabled(ctx context.Context) bool { return true }

func (m *MockAdapter) ResyncClock(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockVenue(name string) *MockAdapter {
	return &MockAdapter{profile: model.VenueProfile{
		Venue:              name,
		FeeRate:            0.001,
		MinNotional:        10,
		DefaultLotStep:     0.000001,
		DefaultMinQuantity: 0.000001,
		Pairs: []model.AssetPair{
			{Base: "BTC", Quote: "USDT"},
			{Base: "ETH", Quote: "USDT"},
			{Base: "BTC", Quote: "ETH"},
		},
	}}
}

func newCoordinator(mode model.TradingMode, adapters map[string]exchange.ExchangeAdapter) *Coordinator {
	return New(testLogger(), Config{MinProfitPercent: 0, CallTimeout: time.Second}, adapters, mode)
}

func directOpportunity() model.Opportunity {
	return model.Opportunity{
		Kind:             model.KindDirect,
		Pair:             model.AssetPair{Base: "BTC", Quote: "USDT"},
		BuyVenue:         "venueA",
		SellVenue:        "venueB",
		BuyPriceWithFee:  50050,
		SellPriceWithFee: 50149.8,
		ProfitPercent:    0.199,
		Capital:          1000,
	}
}

func triangularOpportunity() model.Opportunity {
	return model.Opportunity{
		Kind:  model.KindTriangular,
		Venue: "venueA",
		Legs: []model.Leg{
			{Pair: model.AssetPair{Base: "BTC", Quote: "USDT"}, Action: model.ActionBuy, Price: 50000},
			{Pair: model.AssetPair{Base: "BTC", Quote: "ETH"}, Action: model.ActionTrade, Price: 16},
			{Pair: model.AssetPair{Base: "ETH", Quote: "USDT"}, Action: model.ActionSell, Price: 3150},
		},
		ProfitPercent: 0.49,
		Capital:       1000,
	}
}

func fillFor(spec exchange.OrderSpec, price float64) exchange.OrderResult {
	return exchange.OrderResult{
		OrderID:        "order-" + spec.Symbol,
		FilledQuantity: spec.Quantity,
		AvgFillPrice:   price,
		Fills:          []exchange.Fill{{Price: price, Quantity: spec.Quantity}},
	}
}

func TestExecute_DirectTradeCompletes(t *testing.T) {
	venueA := mockVenue("venueA")
	venueB := mockVenue("venueB")

	venueA.On("Balance", mock.Anything, "USDT").Return(exchange.BalanceResult{Free: 5000}, nil)
	venueB.On("Balance", mock.Anything, "BTC").Return(exchange.BalanceResult{Free: 1}, nil)
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "BTCUSDT" && s.Side == exchange.SideBuy
	})).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.01998}, 50000), nil)
	venueB.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "BTCUSDT" && s.Side == exchange.SideSell
	})).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.019960}, 50200), nil)

	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{
		"venueA": venueA, "venueB": venueB,
	})

	res := c.Execute(context.Background(), model.ExecutionRequest{
		TradeID:     "trade-1",
		Opportunity: directOpportunity(),
		Capital:     1000,
	})

	require.Equal(t, model.StatusCompleted, res.Status)
	require.Len(t, res.Legs, 2)
	assert.Equal(t, model.FillReal, res.Legs[0].Fill)
	assert.Equal(t, model.FillReal, res.Legs[1].Fill)
	assert.Equal(t, "venueA", res.Legs[0].Venue)
	assert.Equal(t, "venueB", res.Legs[1].Venue)
	assert.Greater(t, res.Profit, 0.0)
	venueA.AssertExpectations(t)
	venueB.AssertExpectations(t)
}

func TestExecute_PartialFailureContainment(t *testing.T) {
	venueA := mockVenue("venueA")

	venueA.On("Balance", mock.Anything, mock.Anything).Return(exchange.BalanceResult{Free: 100000}, nil)
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "BTCUSDT"
	})).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.01998}, 50000), nil)
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "BTCETH"
	})).Return(exchange.OrderResult{}, &exchange.OrderRejectedError{Venue: "venueA", Symbol: "BTCETH", Reason: "market closed"})

	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{"venueA": venueA})

	res := c.Execute(context.Background(), model.ExecutionRequest{
		TradeID:     "trade-2",
		Opportunity: triangularOpportunity(),
		Capital:     1000,
	})

	// Leg 2 failed: the result keeps exactly the one leg that executed and
	// leg 3 is never attempted.
	require.Equal(t, model.StatusFailed, res.Status)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, "BTCUSDT", res.Legs[0].Leg.Pair.Symbol())
	assert.NotEmpty(t, res.FailureReason)
	venueA.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "ETHUSDT"
	}))
}

func TestExecute_IdempotentTradeID(t *testing.T) {
	venueA := mockVenue("venueA")
	venueB := mockVenue("venueB")

	venueA.On("Balance", mock.Anything, "USDT").Return(exchange.BalanceResult{Free: 5000}, nil)
	venueB.On("Balance", mock.Anything, "BTC").Return(exchange.BalanceResult{Free: 1}, nil)
	venueA.On("SubmitOrder", mock.Anything, mock.Anything).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.01998}, 50000), nil)
	venueB.On("SubmitOrder", mock.Anything, mock.Anything).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.019960}, 50200), nil)

	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{
		"venueA": venueA, "venueB": venueB,
	})

	req := model.ExecutionRequest{TradeID: "trade-3", Opportunity: directOpportunity(), Capital: 1000}
	first := c.Execute(context.Background(), req)
	second := c.Execute(context.Background(), req)

	// The repeat returns the cached terminal result without re-submitting.
	assert.Equal(t, first, second)
	venueA.AssertNumberOfCalls(t, "SubmitOrder", 1)
	venueB.AssertNumberOfCalls(t, "SubmitOrder", 1)
}

func TestExecute_AuthFailureRetriedOnce(t *testing.T) {
	venueA := mockVenue("venueA")
	venueB := mockVenue("venueB")

	venueA.On("Balance", mock.Anything, "USDT").Return(exchange.BalanceResult{Free: 5000}, nil)
	venueB.On("Balance", mock.Anything, "BTC").Return(exchange.BalanceResult{Free: 1}, nil)
	venueA.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(exchange.OrderResult{}, &exchange.AuthenticationError{Venue: "venueA", Reason: "timestamp outside recv window"}).Once()
	venueA.On("ResyncClock", mock.Anything).Return(nil).Once()
	venueA.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.01998}, 50000), nil).Once()
	venueB.On("SubmitOrder", mock.Anything, mock.Anything).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.019960}, 50200), nil)

	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{
		"venueA": venueA, "venueB": venueB,
	})

	res := c.Execute(context.Background(), model.ExecutionRequest{
		TradeID:     "trade-4",
		Opportunity: directOpportunity(),
		Capital:     1000,
	})

	assert.Equal(t, model.StatusCompleted, res.Status)
	venueA.AssertExpectations(t)
}

func TestExecute_SecondAuthFailureAborts(t *testing.T) {
	venueA := mockVenue("venueA")
	venueB := mockVenue("venueB")

	authErr := &exchange.AuthenticationError{Venue: "venueA", Reason: "bad signature"}
	venueA.On("Balance", mock.Anything, "USDT").Return(exchange.BalanceResult{Free: 5000}, nil)
	venueA.On("SubmitOrder", mock.Anything, mock.Anything).Return(exchange.OrderResult{}, authErr)
	venueA.On("ResyncClock", mock.Anything).Return(nil).Once()

	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{
		"venueA": venueA, "venueB": venueB,
	})

	res := c.Execute(context.Background(), model.ExecutionRequest{
		TradeID:     "trade-5",
		Opportunity: directOpportunity(),
		Capital:     1000,
	})

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Empty(t, res.Legs)
	venueA.AssertNumberOfCalls(t, "SubmitOrder", 2)
}

func TestExecute_LiveModeAbortsOnInsufficientBalance(t *testing.T) {
	venueA := mockVenue("venueA")
	venueB := mockVenue("venueB")

	venueA.On("Balance", mock.Anything, "USDT").Return(exchange.BalanceResult{Free: 5}, nil)

	c := newCoordinator(model.ModeLive, map[string]exchange.ExchangeAdapter{
		"venueA": venueA, "venueB": venueB,
	})

	res := c.Execute(context.Background(), model.ExecutionRequest{
		TradeID:     "trade-6",
		Opportunity: directOpportunity(),
		Capital:     1000,
	})

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Empty(t, res.Legs)
	venueA.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestExecute_PaperModeShrinksToAvailableBalance(t *testing.T) {
	venueA := mockVenue("venueA")
	venueB := mockVenue("venueB")

	// Only half the requested capital is available on the buy side.
	venueA.On("Balance", mock.Anything, "USDT").Return(exchange.BalanceResult{Free: 500}, nil)
	venueB.On("Balance", mock.Anything, "BTC").Return(exchange.BalanceResult{Free: 1}, nil)
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Quantity <= 500/50050.0
	})).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.009990}, 50000), nil)
	venueB.On("SubmitOrder", mock.Anything, mock.Anything).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.009980}, 50200), nil)

	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{
		"venueA": venueA, "venueB": venueB,
	})

	res := c.Execute(context.Background(), model.ExecutionRequest{
		TradeID:     "trade-7",
		Opportunity: directOpportunity(),
		Capital:     1000,
	})

	require.Equal(t, model.StatusCompleted, res.Status)
	assert.LessOrEqual(t, res.Legs[0].InputAmount, 500.0)
	venueA.AssertExpectations(t)
}

func TestExecute_ValidationRejectsBeforeAnyCall(t *testing.T) {
	venueA := mockVenue("venueA")
	venueB := mockVenue("venueB")
	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{
		"venueA": venueA, "venueB": venueB,
	})

	t.Run("profit below minimum", func(t *testing.T) {
		opp := directOpportunity()
		opp.ProfitPercent = -0.5
		res := c.Execute(context.Background(), model.ExecutionRequest{TradeID: "t-a", Opportunity: opp, Capital: 1000})
		assert.Equal(t, model.StatusFailed, res.Status)
		assert.Contains(t, res.FailureReason, "validation")
	})

	t.Run("wrong leg count", func(t *testing.T) {
		opp := triangularOpportunity()
		opp.Legs = opp.Legs[:2]
		res := c.Execute(context.Background(), model.ExecutionRequest{TradeID: "t-b", Opportunity: opp, Capital: 1000})
		assert.Equal(t, model.StatusFailed, res.Status)
		assert.Contains(t, res.FailureReason, "validation")
	})

	t.Run("same venue on both sides", func(t *testing.T) {
		opp := directOpportunity()
		opp.SellVenue = opp.BuyVenue
		res := c.Execute(context.Background(), model.ExecutionRequest{TradeID: "t-c", Opportunity: opp, Capital: 1000})
		assert.Equal(t, model.StatusFailed, res.Status)
	})

	venueA.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
	venueA.AssertNotCalled(t, "Balance", mock.Anything, mock.Anything)
}

func TestExecute_SyntheticLegUsesActualProceeds(t *testing.T) {
	venueA := mockVenue("venueA")
	// The venue lists no BTC/ETH cross pair, so the middle leg is synthetic.
	venueA.profile.Pairs = []model.AssetPair{
		{Base: "BTC", Quote: "USDT"},
		{Base: "ETH", Quote: "USDT"},
	}

	opp := triangularOpportunity()
	opp.Legs[1].Synthetic = true
	opp.Legs[1].Price = opp.Legs[0].Price / opp.Legs[2].Price

	venueA.On("Balance", mock.Anything, mock.Anything).Return(exchange.BalanceResult{Free: 100000}, nil)
	// Leg 1: buy BTC with USDT.
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "BTCUSDT" && s.Side == exchange.SideBuy
	})).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.02}, 50000), nil).Once()
	// Synthetic sell half: BTC -> USDT at a worse price than estimated.
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "BTCUSDT" && s.Side == exchange.SideSell
	})).Return(fillFor(exchange.OrderSpec{Symbol: "BTCUSDT", Quantity: 0.01998}, 49900), nil).Once()
	// Synthetic buy half: the ETH order must be sized from the actual USDT
	// proceeds of the sell half, not the pre-computed estimate.
	actualProceeds := 0.01998 * 49900 * (1 - 0.001)
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		if s.Symbol != "ETHUSDT" || s.Side != exchange.SideBuy {
			return false
		}
		expected := actualProceeds / 3150
		return s.Quantity <= expected && s.Quantity > expected*0.999
	})).Return(fillFor(exchange.OrderSpec{Symbol: "ETHUSDT", Quantity: 0.316}, 3150), nil).Once()
	// Leg 3: sell ETH for USDT.
	venueA.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(s exchange.OrderSpec) bool {
		return s.Symbol == "ETHUSDT" && s.Side == exchange.SideSell
	})).Return(fillFor(exchange.OrderSpec{Symbol: "ETHUSDT", Quantity: 0.315}, 3150), nil).Once()

	c := newCoordinator(model.ModePaper, map[string]exchange.ExchangeAdapter{"venueA": venueA})

	res := c.Execute(context.Background(), model.ExecutionRequest{
		TradeID:     "trade-8",
		Opportunity: opp,
		Capital:     1000,
	})

	require.Equal(t, model.StatusCompleted, res.Status)
	require.Len(t, res.Legs, 3)
	assert.True(t, res.Legs[1].Leg.Synthetic)
	assert.Contains(t, res.Legs[1].OrderID, ",") // two real orders
	venueA.AssertExpectations(t)
}
