package detector

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"arbiter/internal/metrics"
	"arbiter/internal/model"
	"arbiter/internal/pricestore"
)

// Params are the detection tunables.
type Params struct {
	Capital              float64
	MinProfitPercent     float64
	MaxQuoteAge          time.Duration
	MaxCyclesPerVenue    int
	MaxSaneProfitPercent float64
}

// Detector turns a price snapshot into ranked, fee-adjusted opportunities.
// Detection is a pure computation over the snapshot; no network calls.
type Detector struct {
	logger   *slog.Logger
	profiles map[string]model.VenueProfile
	params   Params

	now func() time.Time
}

// New creates a Detector for the given venue profiles.
func New(logger *slog.Logger, profiles map[string]model.VenueProfile, params Params) *Detector {
	return &Detector{
		logger:   logger.With("component", "detector"),
		profiles: profiles,
		params:   params,
		now:      time.Now,
	}
}

// Detect computes all direct and triangular opportunities visible in the
// snapshot, ranked by profit percent descending.
func (d *Detector) Detect(snap pricestore.Snapshot) []model.Opportunity {
	now := d.now()
	opps := d.findDirect(snap, now)
	opps = append(opps, d.findTriangular(snap, now)...)
	Rank(opps)
	for _, o := range opps {
		metrics.OpportunitiesFound.WithLabelValues(string(o.Kind)).Inc()
	}
	return opps
}

// Rank orders opportunities by profit percent descending.
func Rank(opps []model.Opportunity) {
	sort.Slice(opps, func(i, j int) bool {
		return opps[i].ProfitPercent > opps[j].ProfitPercent
	})
}

// freshQuote returns the snapshot quote for (venue, symbol) unless it is
// missing or older than the configured max age.
func (d *Detector) freshQuote(snap pricestore.Snapshot, venue, symbol string, now time.Time) (model.Quote, bool) {
	q, ok := snap.Quote(venue, symbol)
	if !ok || q.Price <= 0 {
		return model.Quote{}, false
	}
	if q.IsStale(now, d.params.MaxQuoteAge) {
		return model.Quote{}, false
	}
	return q, true
}

// findDirect looks for cross-venue spreads on every pair quoted by at least
// two venues.
func (d *Detector) findDirect(snap pricestore.Snapshot, now time.Time) []model.Opportunity {
	capital := d.params.Capital

	// Collect the pair universe once across all venue profiles.
	pairs := make(map[model.AssetPair]struct{})
	for _, prof := range d.profiles {
		for _, p := range prof.Pairs {
			pairs[p] = struct{}{}
		}
	}

	var opps []model.Opportunity
	for pair := range pairs {
		symbol := pair.Symbol()

		var (
			buyVenue, sellVenue string
			bestBuy             = math.Inf(1)
			bestSell            = math.Inf(-1)
		)
		for venue, prof := range d.profiles {
			q, ok := d.freshQuote(snap, venue, symbol, now)
			if !ok {
				continue
			}
			buyWithFee := q.Price * (1 + prof.FeeRate)
			sellWithFee := q.Price * (1 - prof.FeeRate)
			if buyWithFee < bestBuy {
				bestBuy = buyWithFee
				buyVenue = venue
			}
			if sellWithFee > bestSell {
				bestSell = sellWithFee
				sellVenue = venue
			}
		}
		if buyVenue == "" || sellVenue == "" || buyVenue == sellVenue {
			continue
		}

		coinAmount := capital / bestBuy
		netProfit := coinAmount*bestSell - capital
		profitPercent := netProfit / capital * 100
		if profitPercent <= d.params.MinProfitPercent {
			continue
		}

		opps = append(opps, model.Opportunity{
			Kind:             model.KindDirect,
			Pair:             pair,
			BuyVenue:         buyVenue,
			SellVenue:        sellVenue,
			BuyPriceWithFee:  bestBuy,
			SellPriceWithFee: bestSell,
			ProfitPercent:    profitPercent,
			Capital:          capital,
			DetectedAt:       now,
		})
	}
	return opps
}

// findTriangular searches each venue for profitable USDT-anchored 3-leg
// cycles, exploring at most MaxCyclesPerVenue candidates per venue.
func (d *Detector) findTriangular(snap pricestore.Snapshot, now time.Time) []model.Opportunity {
	var opps []model.Opportunity
	for venue, prof := range d.profiles {
		opps = append(opps, d.cyclesForVenue(snap, venue, prof, now)...)
	}
	return opps
}

func (d *Detector) cyclesForVenue(snap pricestore.Snapshot, venue string, prof model.VenueProfile, now time.Time) []model.Opportunity {
	capital := d.params.Capital
	fee := prof.FeeRate

	// Cryptos with a USDT pair on this venue, BTC and ETH first so the most
	// liquid cross legs are explored before the candidate cap cuts us off.
	cryptos := usdtBases(prof)

	var opps []model.Opportunity
	explored := 0
	for _, c1 := range cryptos {
		for _, c2 := range cryptos {
			if c1 == c2 {
				continue
			}
			if explored >= d.params.MaxCyclesPerVenue {
				return opps
			}
			explored++

			q1, ok := d.freshQuote(snap, venue, c1+"USDT", now)
			if !ok {
				continue
			}
			q3, ok := d.freshQuote(snap, venue, c2+"USDT", now)
			if !ok {
				continue
			}

			price1 := q1.Price
			price3 := q3.Price

			// Middle leg: direct cross pair if the venue lists one with a
			// fresh quote, otherwise a synthetic route through USDT.
			var (
				price2    float64
				synthetic bool
				amount    float64
			)
			if prof.HasPair(c1, c2) {
				q2, ok := d.freshQuote(snap, venue, c1+c2, now)
				if !ok {
					continue
				}
				price2 = q2.Price
				amount = capital / price1 * (1 - fee)
				amount = amount * price2 * (1 - fee)
				amount = amount * price3 * (1 - fee)
			} else {
				// Sell c1 at its USDT price, buy c2 at c2's USDT price,
				// paying the fee on both halves.
				synthetic = true
				price2 = price1 / price3
				amount = capital / price1 * (1 - fee)
				amount = (amount * price1 * (1 - fee)) / price3 * (1 - fee)
				amount = amount * price3 * (1 - fee)
			}

			profit := amount - capital
			profitPercent := profit / capital * 100

			// An implausibly large result means bad data, not free money.
			// Reject it outright; never clamp or reshape.
			if math.Abs(profitPercent) > d.params.MaxSaneProfitPercent {
				metrics.CyclesRejected.Inc()
				d.logger.Warn("rejecting implausible cycle",
					"venue", venue, "c1", c1, "c2", c2, "profit_percent", profitPercent)
				continue
			}
			if profitPercent <= d.params.MinProfitPercent {
				continue
			}

			opps = append(opps, model.Opportunity{
				Kind:  model.KindTriangular,
				Venue: venue,
				Legs: []model.Leg{
					{Pair: model.AssetPair{Base: c1, Quote: "USDT"}, Action: model.ActionBuy, Price: price1},
					{Pair: model.AssetPair{Base: c1, Quote: c2}, Action: model.ActionTrade, Price: price2, Synthetic: synthetic},
					{Pair: model.AssetPair{Base: c2, Quote: "USDT"}, Action: model.ActionSell, Price: price3},
				},
				ProfitPercent: profitPercent,
				Capital:       capital,
				DetectedAt:    now,
			})
		}
	}
	return opps
}

// usdtBases returns the venue's USDT-quoted base assets with BTC and ETH
// moved to the front.
func usdtBases(prof model.VenueProfile) []string {
	var anchors, rest []string
	for _, p := range prof.Pairs {
		if p.Quote != "USDT" {
			continue
		}
		if p.Base == "BTC" || p.Base == "ETH" {
			anchors = append(anchors, p.Base)
		} else {
			rest = append(rest, p.Base)
		}
	}
	sort.Strings(anchors)
	sort.Strings(rest)
	return append(anchors, rest...)
}
