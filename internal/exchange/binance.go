package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"arbiter/internal/model"
)

const (
	binanceWSBase   = "wss://stream.binance.com:9443/stream"
	binanceRESTBase = "https://api.binance.com"
)

// BinanceAdapter provides Binance market data over WebSocket and REST.
// Order entry requires an authenticated order client, which is wired in by the
// embedding application; without one, trading operations report NotSupported.
type BinanceAdapter struct {
	logger      *slog.Logger
	profile     model.VenueProfile
	http        *http.Client
	clockOffset time.Duration
}

// NewBinanceAdapter creates a market-data Binance adapter for the given venue
// profile.
func NewBinanceAdapter(logger *slog.Logger, profile model.VenueProfile) *BinanceAdapter {
	return &BinanceAdapter{
		logger:  logger.With("venue", "binance"),
		profile: profile,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BinanceAdapter) Name() string { return "binance" }

func (b *BinanceAdapter) Profile() model.VenueProfile { return b.profile }

// Quote fetches the current last price over REST. Used by the ingestor as the
// polling fallback when the stream is down.
func (b *BinanceAdapter) Quote(ctx context.Context, symbol string) (QuoteResult, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", binanceRESTBase, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return QuoteResult{}, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return QuoteResult{}, &ConnectivityError{Venue: "binance", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return QuoteResult{}, &ConnectivityError{Venue: "binance", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return QuoteResult{}, fmt.Errorf("binance: decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return QuoteResult{}, fmt.Errorf("binance: parse price %q: %w", body.Price, err)
	}
	return QuoteResult{Price: price, AsOf: time.Now()}, nil
}

func (b *BinanceAdapter) Balance(ctx context.Context, asset string) (BalanceResult, error) {
	return BalanceResult{}, &NotSupportedError{Venue: "binance", Op: "balance"}
}

func (b *BinanceAdapter) SubmitOrder(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	return OrderResult{}, &NotSupportedError{Venue: "binance", Op: "submitOrder"}
}

func (b *BinanceAdapter) TradingEnabled(ctx context.Context) bool { return false }

// ResyncClock realigns the local clock offset with Binance server time.
func (b *BinanceAdapter) ResyncClock(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binanceRESTBase+"/api/v3/time", nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return &ConnectivityError{Venue: "binance", Err: err}
	}
	defer resp.Body.Close()
	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("binance: decode server time: %w", err)
	}
	server := time.UnixMilli(body.ServerTime)
	b.clockOffset = server.Sub(time.Now())
	b.logger.Debug("clock resynced", "offset", b.clockOffset)
	return nil
}

// Stream connects to the combined ticker stream for the given symbols and
// pushes price updates until the connection fails or ctx is cancelled.
// The caller owns reconnection.
func (b *BinanceAdapter) Stream(ctx context.Context, symbols []string, updates chan<- PriceUpdate) error {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@ticker")
	}
	url := binanceWSBase + "?streams=" + strings.Join(streams, "/")

	b.logger.Info("connecting to WebSocket", "url", url)
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return &ConnectivityError{Venue: "binance", Err: err}
	}
	defer c.Close()

	// Unblock ReadMessage when ctx is cancelled.
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
			return &ConnectivityError{Venue: "binance", Err: err}
		}

		var envelope struct {
			Stream string `json:"stream"`
			Data   struct {
				Symbol string `json:"s"`
				Last   string `json:"c"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			b.logger.Warn("failed to parse message", "error", err)
			continue
		}
		if envelope.Data.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(envelope.Data.Last, 64)
		if err != nil {
			b.logger.Warn("failed to parse last price", "error", err)
			continue
		}

		update := PriceUpdate{
			Venue:      "binance",
			Symbol:     envelope.Data.Symbol,
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
