package exchange

import (
	"fmt"
	"log/slog"

	"arbiter/internal/model"
)

// NewAdapter creates the venue adapter for the given kind. Paper venues take
// their starting balances from paperBalances.
func NewAdapter(kind, name string, logger *slog.Logger, profile model.VenueProfile, paperBalances map[string]float64) (ExchangeAdapter, error) {
	switch kind {
	case "binance":
		return NewBinanceAdapter(logger, profile), nil
	case "kraken":
		return NewKrakenAdapter(logger, profile), nil
	case "paper":
		return NewPaperAdapter(name, logger, profile, paperBalances), nil
	default:
		return nil, fmt.Errorf("unknown exchange kind: %s", kind)
	}
}
