package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"arbiter/internal/model"
)

const (
	krakenWSURL    = "wss://ws.kraken.com"
	krakenRESTBase = "https://api.kraken.com"
)

// KrakenAdapter provides Kraken market data over WebSocket and REST.
// Like BinanceAdapter it is market-data only; order entry needs an
// authenticated client supplied outside the engine core.
type KrakenAdapter struct {
	logger  *slog.Logger
	profile model.VenueProfile
	http    *http.Client
}

// NewKrakenAdapter creates a market-data Kraken adapter.
func NewKrakenAdapter(logger *slog.Logger, profile model.VenueProfile) *KrakenAdapter {
	return &KrakenAdapter{
		logger:  logger.With("venue", "kraken"),
		profile: profile,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (k *KrakenAdapter) Name() string { return "kraken" }

func (k *KrakenAdapter) Profile() model.VenueProfile { return k.profile }

// wsPair converts an engine symbol like "BTCUSDT" into Kraken's ws pair
// notation ("XBT/USDT"), using the venue profile's pair metadata.
func (k *KrakenAdapter) wsPair(symbol string) string {
	for _, p := range k.profile.Pairs {
		if p.Symbol() == symbol {
			base := p.Base
			if base == "BTC" {
				base = "XBT"
			}
			return base + "/" + p.Quote
		}
	}
	return symbol
}

// engineSymbol is the inverse of wsPair.
func (k *KrakenAdapter) engineSymbol(wsPair string) string {
	for _, p := range k.profile.Pairs {
		if k.wsPair(p.Symbol()) == wsPair {
			return p.Symbol()
		}
	}
	return ""
}

// Quote fetches the last trade price over REST.
func (k *KrakenAdapter) Quote(ctx context.Context, symbol string) (QuoteResult, error) {
	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", krakenRESTBase, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return QuoteResult{}, err
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return QuoteResult{}, &ConnectivityError{Venue: "kraken", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return QuoteResult{}, &ConnectivityError{Venue: "kraken", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		Result map[string]struct {
			C []string `json:"c"` // last trade closed: [price, lot volume]
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return QuoteResult{}, fmt.Errorf("kraken: decode ticker: %w", err)
	}
	for _, tick := range body.Result {
		if len(tick.C) == 0 {
			break
		}
		price, err := strconv.ParseFloat(tick.C[0], 64)
		if err != nil {
			return QuoteResult{}, fmt.Errorf("kraken: parse price %q: %w", tick.C[0], err)
		}
		return QuoteResult{Price: price, AsOf: time.Now()}, nil
	}
	return QuoteResult{}, fmt.Errorf("kraken: no ticker data for %s", symbol)
}

func (k *KrakenAdapter) Balance(ctx context.Context, asset string) (BalanceResult, error) {
	return BalanceResult{}, &NotSupportedError{Venue: "kraken", Op: "balance"}
}

func (k *KrakenAdapter) SubmitOrder(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	return OrderResult{}, &NotSupportedError{Venue: "kraken", Op: "submitOrder"}
}

func (k *KrakenAdapter) TradingEnabled(ctx context.Context) bool { return false }

func (k *KrakenAdapter) ResyncClock(ctx context.Context) error { return nil }

// Stream subscribes to the ticker channel for the given symbols and pushes
// price updates until the connection fails or ctx is cancelled.
func (k *KrakenAdapter) Stream(ctx context.Context, symbols []string, updates chan<- PriceUpdate) error {
	k.logger.Info("connecting to WebSocket", "url", krakenWSURL)
	c, _, err := websocket.DefaultDialer.DialContext(ctx, krakenWSURL, nil)
	if err != nil {
		return &ConnectivityError{Venue: "kraken", Err: err}
	}
	defer c.Close()

	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pairs = append(pairs, k.wsPair(s))
	}
	subscription := map[string]interface{}{
		"event": "subscribe",
		"pair":  pairs,
		"subscription": map[string]string{
			"name": "ticker",
		},
	}
	if err := c.WriteJSON(subscription); err != nil {
		return &ConnectivityError{Venue: "kraken", Err: err}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectivityError{Venue: "kraken", Err: err}
		}

		// Ticker data arrives as an array: [channelID, tickerData, channelName, pair].
		var frame []json.RawMessage
		if err := json.Unmarshal(message, &frame); err != nil {
			// Event messages (subscriptionStatus, heartbeat) are objects; skip them.
			continue
		}
		if len(frame) < 4 {
			continue
		}
		var ticker struct {
			C []string `json:"c"`
		}
		if err := json.Unmarshal(frame[1], &ticker); err != nil || len(ticker.C) == 0 {
			continue
		}
		var pair string
		if err := json.Unmarshal(frame[3], &pair); err != nil {
			continue
		}
		symbol := k.engineSymbol(pair)
		if symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(ticker.C[0], 64)
		if err != nil {
			k.logger.Warn("failed to parse last price", "error", err)
			continue
		}

		update := PriceUpdate{
			Venue:      "kraken",
			Symbol:     symbol,
			Price:      price,
			ObservedAt: time.Now(),
		}
		select {
		case updates <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
