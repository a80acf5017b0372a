package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/detector"
	"arbiter/internal/exchange"
	"arbiter/internal/executor"
	"arbiter/internal/ingest"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
	"arbiter/internal/pricestore"
)

// Engine wires the price store, ingestor, detector and coordinator together
// and owns the detection tick. It is constructed once at startup and passed
// wherever the core operations are needed; there is no global state.
type Engine struct {
	logger      *slog.Logger
	cfg         config.Config
	store       *pricestore.Store
	adapters    map[string]exchange.ExchangeAdapter
	ingestor    *ingest.Ingestor
	detector    *detector.Detector
	coordinator *executor.Coordinator
	history     database.Repository // optional

	refreshGroup singleflight.Group

	oppMu         sync.RWMutex
	opportunities []model.Opportunity
}

// New builds an Engine from configuration and adapters. history may be nil
// when no durable trade history is configured.
func New(logger *slog.Logger, cfg config.Config, adapters map[string]exchange.ExchangeAdapter, history database.Repository) *Engine {
	store := pricestore.New()
	profiles := make(map[string]model.VenueProfile, len(adapters))
	for venue, a := range adapters {
		profiles[venue] = a.Profile()
	}

	mode := model.ModePaper
	if cfg.Execution.Mode == string(model.ModeLive) {
		mode = model.ModeLive
	}

	return &Engine{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		adapters: adapters,
		ingestor: ingest.New(logger, ingest.Config{
			ReconnectDelay:           cfg.Ingest.ReconnectDelay,
			HealthInterval:           cfg.Ingest.HealthInterval,
			MaxUpdateAge:             cfg.Ingest.MaxUpdateAge,
			SignificantChangePercent: cfg.Ingest.SignificantChangePercent,
			BroadcastInterval:        cfg.Ingest.BroadcastInterval,
			PollInterval:             cfg.Ingest.PollInterval,
		}, store, adapters),
		detector: detector.New(logger, profiles, detector.Params{
			Capital:              cfg.Arbitrage.Capital,
			MinProfitPercent:     cfg.Arbitrage.MinProfitPercent,
			MaxQuoteAge:          cfg.Arbitrage.MaxQuoteAge,
			MaxCyclesPerVenue:    cfg.Arbitrage.MaxCyclesPerVenue,
			MaxSaneProfitPercent: cfg.Arbitrage.MaxSaneProfitPercent,
		}),
		coordinator: executor.New(logger, executor.Config{
			MinProfitPercent: cfg.Arbitrage.MinProfitPercent,
			CallTimeout:      cfg.Execution.CallTimeout,
		}, adapters, mode),
		history: history,
	}
}

// Run starts ingestion and the detection loop and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.ingestor.Run(ctx)
	})
	g.Go(func() error {
		return e.detectLoop(ctx)
	})
	return g.Wait()
}

// detectLoop recomputes opportunities on a fixed tick and whenever the
// ingestor signals a significant (throttled) price change. The detector is
// never concurrent with itself: this single loop serializes all ticks.
func (e *Engine) detectLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Arbitrage.DetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.ingestor.Recompute():
		}
		e.detectOnce()
	}
}

func (e *Engine) detectOnce() {
	start := time.Now()
	opps := e.detector.Detect(e.store.Snapshot())
	metrics.DetectionTicks.Inc()
	metrics.DetectionTickDuration.Observe(time.Since(start).Seconds())

	e.oppMu.Lock()
	e.opportunities = opps
	e.oppMu.Unlock()
}

// RefreshPrices forces an immediate quote fetch from every venue, runs a
// detection pass and returns the resulting snapshot. Concurrent callers are
// collapsed into one refresh.
func (e *Engine) RefreshPrices(ctx context.Context) (pricestore.Snapshot, error) {
	v, err, _ := e.refreshGroup.Do("refresh", func() (any, error) {
		for venue, adapter := range e.adapters {
			for _, pair := range adapter.Profile().Pairs {
				symbol := pair.Symbol()
				callCtx, cancel := context.WithTimeout(ctx, e.cfg.Execution.CallTimeout)
				q, err := adapter.Quote(callCtx, symbol)
				cancel()
				if err != nil {
					e.logger.Warn("refresh quote failed", "venue", venue, "symbol", symbol, "error", err)
					continue
				}
				e.store.Update(model.Quote{
					Venue:      venue,
					Symbol:     symbol,
					Price:      q.Price,
					ObservedAt: q.AsOf,
				})
			}
		}
		e.detectOnce()
		return e.store.Snapshot(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(pricestore.Snapshot), nil
}

// CurrentOpportunities returns the latest ranked detection result.
func (e *Engine) CurrentOpportunities() []model.Opportunity {
	e.oppMu.RLock()
	defer e.oppMu.RUnlock()
	out := make([]model.Opportunity, len(e.opportunities))
	copy(out, e.opportunities)
	return out
}

// ExecuteTrade runs one trade to a terminal state and hands the finalized
// result to the trade history collaborator.
func (e *Engine) ExecuteTrade(ctx context.Context, req model.ExecutionRequest) model.ExecutionResult {
	result := e.coordinator.Execute(ctx, req)
	if e.history != nil {
		if err := e.history.SaveResult(ctx, result); err != nil {
			e.logger.Error("failed to persist trade result",
				"trade_id", result.TradeID, "error", err)
		}
	}
	return result
}

// SetTradingMode switches between live and paper execution policies.
func (e *Engine) SetTradingMode(mode model.TradingMode) error {
	if mode != model.ModeLive && mode != model.ModePaper {
		return fmt.Errorf("unknown trading mode %q", mode)
	}
	e.coordinator.SetMode(mode)
	e.logger.Info("trading mode changed", "mode", string(mode))
	return nil
}

// TradingMode returns the current execution policy.
func (e *Engine) TradingMode() model.TradingMode {
	return e.coordinator.Mode()
}

// FeedStates exposes per-venue feed connection states for health reporting.
func (e *Engine) FeedStates() map[string]ingest.FeedState {
	return e.ingestor.FeedStates()
}
