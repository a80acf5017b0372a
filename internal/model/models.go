package model

import "time"

// Quote is a single observed price for a symbol on one venue.
type Quote struct {
	Venue      string
	Symbol     string
	Price      float64
	ObservedAt time.Time
}

// IsStale reports whether the quote is older than maxAge relative to now.
func (q Quote) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(q.ObservedAt) > maxAge
}

// AssetPair identifies a tradable pair by its base and quote assets.
// It is built once from venue metadata, never re-parsed from symbol strings.
type AssetPair struct {
	Base  string
	Quote string
}

// Symbol returns the venue-style concatenated symbol, e.g. "BTCUSDT".
func (p AssetPair) Symbol() string {
	return p.Base + p.Quote
}

func (p AssetPair) String() string {
	return p.Base + "/" + p.Quote
}

// VenueProfile holds the static trading constraints of one venue.
type VenueProfile struct {
	Venue       string
	FeeRate     float64 // taker fee as a fraction, e.g. 0.001 for 0.1%
	MinNotional float64 // minimum order value in quote currency
	MinCapital  float64
	MaxCapital  float64
	Pairs       []AssetPair

	// Per-asset order size constraints. Missing entries fall back to the
	// defaults below.
	LotSteps      map[string]float64
	MinQuantities map[string]float64

	DefaultLotStep     float64
	DefaultMinQuantity float64
}

// LotStep returns the order quantity step for an asset.
func (v VenueProfile) LotStep(asset string) float64 {
	if s, ok := v.LotSteps[asset]; ok && s > 0 {
		return s
	}
	return v.DefaultLotStep
}

// MinQuantity returns the minimum tradable quantity for an asset.
func (v VenueProfile) MinQuantity(asset string) float64 {
	if q, ok := v.MinQuantities[asset]; ok && q > 0 {
		return q
	}
	return v.DefaultMinQuantity
}

// HasPair reports whether the venue lists the given pair.
func (v VenueProfile) HasPair(base, quote string) bool {
	for _, p := range v.Pairs {
		if p.Base == base && p.Quote == quote {
			return true
		}
	}
	return false
}

// OpportunityKind tags the two opportunity variants.
type OpportunityKind string

const (
	KindDirect     OpportunityKind = "direct"
	KindTriangular OpportunityKind = "triangular"
)

// LegAction is the side of one leg in a trade plan.
type LegAction string

const (
	ActionBuy   LegAction = "buy"
	ActionTrade LegAction = "trade"
	ActionSell  LegAction = "sell"
)

// Leg is one atomic order within a multi-step trade plan.
type Leg struct {
	Pair      AssetPair
	Action    LegAction
	Price     float64
	Synthetic bool
}

// Opportunity is a detected, fee-adjusted arbitrage opportunity. Opportunities
// are immutable and live for one detection tick.
//
// Direct opportunities use Pair, BuyVenue, SellVenue and the with-fee prices.
// Triangular opportunities use Venue and Legs (always three).
type Opportunity struct {
	Kind OpportunityKind

	Pair             AssetPair
	BuyVenue         string
	SellVenue        string
	BuyPriceWithFee  float64
	SellPriceWithFee float64

	Venue string
	Legs  []Leg

	ProfitPercent float64
	Capital       float64
	DetectedAt    time.Time
}

// ExpectedLegCount is the number of execution legs for this opportunity kind.
func (o Opportunity) ExpectedLegCount() int {
	if o.Kind == KindTriangular {
		return 3
	}
	return 2
}

// TradingMode selects the balance-check and capital-adjustment policy.
type TradingMode string

const (
	ModeLive  TradingMode = "live"
	ModePaper TradingMode = "paper"
)

// ExecutionRequest asks the coordinator to execute one opportunity.
// TradeID may be left empty; the coordinator then generates one.
type ExecutionRequest struct {
	TradeID     string
	Opportunity Opportunity
	Capital     float64
}

// FillKind distinguishes a genuine venue fill from a price-and-fee estimate.
type FillKind string

const (
	FillReal      FillKind = "real"
	FillSimulated FillKind = "simulated"
)

// LegResult records the outcome of one executed leg.
type LegResult struct {
	Leg           Leg
	Venue         string
	InputAmount   float64
	ResultAmount  float64
	RealizedPrice float64
	OrderID       string
	Fill          FillKind
}

// ExecutionStatus is the state of a trade.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionResult is the full outcome of one trade request. It is owned by the
// coordinator running the trade until finalized, then handed to the trade
// history collaborator.
type ExecutionResult struct {
	TradeID       string
	Status        ExecutionStatus
	Legs          []LegResult
	Profit        float64
	ProfitPercent float64
	FailureReason string
	StartedAt     time.Time
	FinishedAt    time.Time
}
