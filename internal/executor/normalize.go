package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// RoundToStep rounds a quantity down to the nearest multiple of step.
// It never rounds up and never returns more than qty. A non-positive step
// leaves qty unchanged.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

// roundUpToStep rounds a quantity up to the nearest multiple of step. Used
// only when bumping an order to a venue minimum.
func roundUpToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Ceil().Mul(s).Float64()
	return out
}

// NormalizeQuantity quantizes an order to the venue's constraints: the
// quantity is rounded down to the asset's lot step, then checked against the
// asset's minimum quantity and the venue's minimum notional at the given
// price. In paper mode an undersized order is bumped up to the smallest
// acceptable size; in live mode it is an error.
func NormalizeQuantity(prof model.VenueProfile, asset string, qty, price float64, mode model.TradingMode) (float64, error) {
	step := prof.LotStep(asset)
	rounded := RoundToStep(qty, step)
	if rounded <= 0 {
		return 0, fmt.Errorf("quantity %g below lot step %g for %s on %s", qty, step, asset, prof.Venue)
	}

	minQty := prof.MinQuantity(asset)
	tooSmall := rounded < minQty || rounded*price < prof.MinNotional
	if !tooSmall {
		return rounded, nil
	}
	if mode == model.ModeLive {
		return 0, fmt.Errorf("order for %g %s on %s below venue minimum (minQty=%g, minNotional=%g)",
			rounded, asset, prof.Venue, minQty, prof.MinNotional)
	}

	// Paper mode: bump to the smallest size satisfying both minimums.
	bumped := minQty
	if price > 0 && prof.MinNotional > 0 {
		if byNotional := prof.MinNotional / price; byNotional > bumped {
			bumped = byNotional
		}
	}
	return roundUpToStep(bumped, step), nil
}
